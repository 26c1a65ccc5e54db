package vexfs

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vexfs/vexfs/internal/crc"
)

// ElementType is the scalar type of a stored vector's components.
type ElementType uint8

const (
	ElemF32 ElementType = iota
	ElemF16
	ElemI8
	ElemI16
	ElemBinary
)

func (t ElementType) elementSize() int {
	switch t {
	case ElemF32:
		return 4
	case ElemF16, ElemI16:
		return 2
	case ElemI8, ElemBinary:
		return 1
	default:
		return 0
	}
}

// Compression identifies the codec a vector payload was stored with.
type Compression uint8

const (
	CompressNone Compression = iota
	CompressQ4
	CompressQ8
	CompressPQ
	CompressSparse
)

const (
	vectorHeaderMagic   uint32 = 0x56454358
	vectorHeaderVersion uint32 = 1
	vectorHeaderSize           = 64
	maxVectorDimensions        = 4096
)

// VectorHeader is the fixed, cache-line-aligned record preceding every
// stored vector's payload.
type VectorHeader struct {
	Magic          uint32
	Version        uint32
	VectorID       uint64
	FileInode      uint32
	ElementType    ElementType
	Compression    Compression
	Dimensions     uint32
	OriginalSize   uint32
	CompressedSize uint32
	Created        time.Time
	Modified       time.Time
	Checksum       uint32
	Flags          uint32
}

func encodeVectorHeader(h *VectorHeader) []byte {
	b := make([]byte, vectorHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], vectorHeaderMagic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint64(b[8:16], h.VectorID)
	binary.LittleEndian.PutUint32(b[16:20], h.FileInode)
	b[20] = byte(h.ElementType)
	b[21] = byte(h.Compression)
	binary.LittleEndian.PutUint32(b[22:26], h.Dimensions)
	binary.LittleEndian.PutUint32(b[26:30], h.OriginalSize)
	binary.LittleEndian.PutUint32(b[30:34], h.CompressedSize)
	binary.LittleEndian.PutUint64(b[34:42], uint64(h.Created.Unix()))
	binary.LittleEndian.PutUint64(b[42:50], uint64(h.Modified.Unix()))
	binary.LittleEndian.PutUint32(b[50:54], h.Flags)
	binary.LittleEndian.PutUint32(b[54:58], h.Checksum)
	return b
}

func decodeVectorHeader(b []byte) (*VectorHeader, error) {
	if len(b) < vectorHeaderSize {
		return nil, fmt.Errorf("%w: vector header too short", ErrInvalidData)
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != vectorHeaderMagic {
		return nil, fmt.Errorf("%w: bad vector header magic 0x%x", ErrCorruptedData, magic)
	}
	h := &VectorHeader{
		Magic:          magic,
		Version:        binary.LittleEndian.Uint32(b[4:8]),
		VectorID:       binary.LittleEndian.Uint64(b[8:16]),
		FileInode:      binary.LittleEndian.Uint32(b[16:20]),
		ElementType:    ElementType(b[20]),
		Compression:    Compression(b[21]),
		Dimensions:     binary.LittleEndian.Uint32(b[22:26]),
		OriginalSize:   binary.LittleEndian.Uint32(b[26:30]),
		CompressedSize: binary.LittleEndian.Uint32(b[30:34]),
		Created:        time.Unix(int64(binary.LittleEndian.Uint64(b[34:42])), 0).UTC(),
		Modified:       time.Unix(int64(binary.LittleEndian.Uint64(b[42:50])), 0).UTC(),
		Flags:          binary.LittleEndian.Uint32(b[50:54]),
		Checksum:       binary.LittleEndian.Uint32(b[54:58]),
	}
	if h.Version != vectorHeaderVersion {
		return nil, fmt.Errorf("%w: unsupported vector header version %d", ErrCorruptedData, h.Version)
	}
	return h, nil
}

// VectorLocation records where a stored vector's header+payload live.
type VectorLocation struct {
	StartBlock BlockNumber
	BlockCount uint32
	Header     VectorHeader
}

// vectorStore is the checksum-protected, block-aligned vector storage
// engine: an append-style id→offset index generalized onto VexFS's block
// device.
type vectorStore struct {
	mu sync.Mutex

	fs *FileSystem

	nextID uint64

	locations map[uint64]*VectorLocation
	byInode   map[uint32][]uint64

	now func() time.Time
}

func newVectorStore(fs *FileSystem, now func() time.Time) *vectorStore {
	if now == nil {
		now = time.Now
	}
	return &vectorStore{
		fs:        fs,
		locations: make(map[uint64]*VectorLocation),
		byInode:   make(map[uint32][]uint64),
		now:       now,
	}
}

func align64(n int) int { return (n + 63) &^ 63 }

// storeVector writes a new vector header+payload to the vector region.
func (vs *vectorStore) storeVector(octx *OperationContext, tid TxnID, data []byte, fileInode uint32, dtype ElementType, dims uint32, compression Compression) (uint64, error) {
	if dims == 0 || dims > maxVectorDimensions {
		return 0, fmt.Errorf("%w: dimensions %d out of range", ErrInvalidDimensions, dims)
	}
	want := int(dims) * dtype.elementSize()
	if want != len(data) {
		return 0, fmt.Errorf("%w: data size %d does not match dims*element_size %d", ErrInvalidDimensions, len(data), want)
	}

	payload, compressedSize, err := compressPayload(data, compression)
	if err != nil {
		return 0, err
	}

	vs.mu.Lock()
	id := vs.nextID + 1
	vs.mu.Unlock()

	total := align64(vectorHeaderSize + len(payload))
	blockSize := int(vs.fs.sb.BlockSize)
	blocks := uint32((total + blockSize - 1) / blockSize)

	hint := hintForInode(fileInode, len(vs.fs.allocGroups), HintData)
	res, err := vs.fs.alloc.allocateBlocks(blocks, hint)
	if err != nil {
		return 0, err
	}

	now := vs.now()
	header := VectorHeader{
		Version:        vectorHeaderVersion,
		VectorID:       id,
		FileInode:      fileInode,
		ElementType:    dtype,
		Compression:    compression,
		Dimensions:     dims,
		OriginalSize:   uint32(len(data)),
		CompressedSize: uint32(compressedSize),
		Created:        now,
		Modified:       now,
	}
	header.Checksum = crc.Checksum32(payload)

	buf := make([]byte, int(blocks)*blockSize)
	copy(buf, encodeVectorHeader(&header))
	copy(buf[vectorHeaderSize:], payload)

	for b := uint32(0); b < blocks; b++ {
		block := buf[int(b)*blockSize : int(b+1)*blockSize]
		if err := vs.fs.journalBlockWrite(tid, res.Start+BlockNumber(b), block); err != nil {
			vs.fs.alloc.freeBlocks(res.Start, blocks)
			return 0, err
		}
	}

	vs.mu.Lock()
	vs.nextID = id
	vs.locations[id] = &VectorLocation{StartBlock: res.Start, BlockCount: blocks, Header: header}
	vs.byInode[fileInode] = append(vs.byInode[fileInode], id)
	vs.fs.sb.Vector.TotalVectors++
	vs.mu.Unlock()

	return id, nil
}

// getVector loads a stored vector's header and payload by id.
func (vs *vectorStore) getVector(id uint64) (*VectorHeader, []byte, error) {
	vs.mu.Lock()
	loc, ok := vs.locations[id]
	vs.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("vector %d: %w", id, ErrVectorNotFound)
	}

	raw, err := vs.fs.dev.readBlocks(loc.StartBlock, loc.BlockCount)
	if err != nil {
		return nil, nil, err
	}
	header, err := decodeVectorHeader(raw[:vectorHeaderSize])
	if err != nil {
		return nil, nil, err
	}
	if header.VectorID != id || header.FileInode != loc.Header.FileInode {
		return nil, nil, fmt.Errorf("vector %d: %w", id, ErrCorruptedData)
	}
	payloadEnd := vectorHeaderSize + int(header.CompressedSize)
	if payloadEnd > len(raw) {
		return nil, nil, fmt.Errorf("vector %d: %w", id, ErrCorruptedData)
	}
	payload := raw[vectorHeaderSize:payloadEnd]
	if !crc.Verify32(payload, header.Checksum) {
		return nil, nil, fmt.Errorf("vector %d: %w", id, ErrCorruptedData)
	}
	data, err := decompressPayload(payload, header.Compression, int(header.OriginalSize))
	if err != nil {
		return nil, nil, err
	}
	return header, data, nil
}

// deleteVector removes a stored vector's index entry: idempotent only
// while the id is still found; a second call yields VectorNotFound.
func (vs *vectorStore) deleteVector(id uint64) error {
	vs.mu.Lock()
	loc, ok := vs.locations[id]
	if !ok {
		vs.mu.Unlock()
		return fmt.Errorf("vector %d: %w", id, ErrVectorNotFound)
	}
	delete(vs.locations, id)
	ids := vs.byInode[loc.Header.FileInode]
	for i, v := range ids {
		if v == id {
			vs.byInode[loc.Header.FileInode] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	vs.fs.sb.Vector.TotalVectors--
	vs.mu.Unlock()

	return vs.fs.alloc.freeBlocks(loc.StartBlock, loc.BlockCount)
}

// loadVector decodes a stored vector into the float32 slice the HNSW
// graph operates on, used as hnswCache's storage-miss callback.
func (vs *vectorStore) loadVector(id uint64) ([]float32, error) {
	header, data, err := vs.getVector(id)
	if err != nil {
		return nil, err
	}
	return decodeFloat32Vector(data, header.ElementType, header.Dimensions)
}

func decodeFloat32Vector(data []byte, t ElementType, dims uint32) ([]float32, error) {
	if t != ElemF32 {
		return nil, fmt.Errorf("%w: element type %d not searchable (ANN search requires f32 vectors)", ErrInvalidDimensions, t)
	}
	if len(data) < int(dims)*4 {
		return nil, fmt.Errorf("%w: vector payload shorter than dims*4", ErrCorruptedData)
	}
	out := make([]float32, dims)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return out, nil
}

// getFileVectors lists the vector ids attached to a file inode.
func (vs *vectorStore) getFileVectors(inode uint32) []uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	out := make([]uint64, len(vs.byInode[inode]))
	copy(out, vs.byInode[inode])
	return out
}

// getVectorFiles returns the file inode a vector id belongs to.
func (vs *vectorStore) getVectorFiles(id uint64) (uint32, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	loc, ok := vs.locations[id]
	if !ok {
		return 0, fmt.Errorf("vector %d: %w", id, ErrVectorNotFound)
	}
	return loc.Header.FileInode, nil
}
