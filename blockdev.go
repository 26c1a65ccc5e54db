package vexfs

import (
	"fmt"
	"sync"

	"github.com/vexfs/vexfs/backend"
)

// blockDevice wraps a backend.Storage with VexFS's fixed block size,
// exposing reads and writes in whole blocks plus a durability sync.
type blockDevice struct {
	storage   backend.Storage
	blockSize uint32
}

func newBlockDevice(s backend.Storage, blockSize uint32) *blockDevice {
	return &blockDevice{storage: s, blockSize: blockSize}
}

func (d *blockDevice) readBlock(num BlockNumber) ([]byte, error) {
	buf := make([]byte, d.blockSize)
	off := int64(num) * int64(d.blockSize)
	n, err := d.storage.ReadAt(buf, off)
	if err != nil && n < len(buf) {
		return nil, fmt.Errorf("%w: read block %d: %v", ErrIO, num, err)
	}
	return buf, nil
}

func (d *blockDevice) readBlocks(start BlockNumber, count uint32) ([]byte, error) {
	buf := make([]byte, uint64(count)*uint64(d.blockSize))
	off := int64(start) * int64(d.blockSize)
	n, err := d.storage.ReadAt(buf, off)
	if err != nil && n < len(buf) {
		return nil, fmt.Errorf("%w: read blocks %d+%d: %v", ErrIO, start, count, err)
	}
	return buf, nil
}

func (d *blockDevice) writeBlock(num BlockNumber, data []byte) error {
	if uint32(len(data)) != d.blockSize {
		return fmt.Errorf("%w: write block %d: got %d bytes, want %d", ErrInvalidSize, num, len(data), d.blockSize)
	}
	wf, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	off := int64(num) * int64(d.blockSize)
	if _, err := wf.WriteAt(data, off); err != nil {
		return fmt.Errorf("%w: write block %d: %v", ErrIO, num, err)
	}
	return nil
}

func (d *blockDevice) writeBlocks(start BlockNumber, data []byte) error {
	wf, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	off := int64(start) * int64(d.blockSize)
	if _, err := wf.WriteAt(data, off); err != nil {
		return fmt.Errorf("%w: write blocks at %d: %v", ErrIO, start, err)
	}
	return nil
}

func (d *blockDevice) sync() error {
	return backend.Fdatasync(d.storage)
}

// bufferPool is a small pool of block-sized write buffers, allocated and
// released with explicit IDs: callers check a buffer out by id, fill it,
// and release it; a bounded pool size keeps memory use predictable and
// surfaces NoSpace on exhaustion rather than growing unbounded.
type bufferPool struct {
	mu        sync.Mutex
	blockSize uint32
	capacity  int
	free      []int
	buffers   map[int][]byte
	checksums map[int]bool
}

func newBufferPool(blockSize uint32, capacity int) *bufferPool {
	free := make([]int, capacity)
	for i := range free {
		free[i] = capacity - 1 - i
	}
	return &bufferPool{
		blockSize: blockSize,
		capacity:  capacity,
		free:      free,
		buffers:   make(map[int][]byte, capacity),
		checksums: make(map[int]bool, capacity),
	}
}

// acquire checks out a buffer, returning its id and backing slice.
func (p *bufferPool) acquire() (int, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, nil, fmt.Errorf("%w: buffer pool exhausted (capacity %d)", ErrNoSpace, p.capacity)
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	buf := make([]byte, p.blockSize)
	p.buffers[id] = buf
	p.checksums[id] = false
	return id, buf, nil
}

// markChecksummed records that the caller has populated the buffer's
// checksum slot; release refuses to hand a buffer back to the pool
// without it.
func (p *bufferPool) markChecksummed(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checksums[id] = true
}

func (p *bufferPool) release(id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.checksums[id] {
		return fmt.Errorf("%w: buffer %d released without checksum", ErrInvalidOperation, id)
	}
	delete(p.buffers, id)
	delete(p.checksums, id)
	p.free = append(p.free, id)
	return nil
}
