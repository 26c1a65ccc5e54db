package vexfs

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/vexfs/vexfs/internal/crc"
)

// hnswWALEntryType enumerates the per-index WAL's record kinds: insert,
// delete, update, checkpoint, and commit entries.
type hnswWALEntryType uint8

const (
	hnswWALInsert hnswWALEntryType = iota
	hnswWALDelete
	hnswWALUpdate
	hnswWALCheckpoint
	hnswWALCommit
	hnswWALAbort
)

type hnswWALEntry struct {
	Type     hnswWALEntryType
	VectorID uint64
	Payload  []byte
	Checksum uint32
}

func encodeHNSWWALEntry(e *hnswWALEntry) []byte {
	b := make([]byte, 1+8+4+len(e.Payload)+4)
	b[0] = byte(e.Type)
	binary.LittleEndian.PutUint64(b[1:9], e.VectorID)
	binary.LittleEndian.PutUint32(b[9:13], uint32(len(e.Payload)))
	copy(b[13:], e.Payload)
	checksum := crc.Checksum32(b[:13+len(e.Payload)])
	binary.LittleEndian.PutUint32(b[13+len(e.Payload):], checksum)
	return b
}

func decodeHNSWWALEntry(b []byte) (*hnswWALEntry, int, error) {
	if len(b) < 17 {
		return nil, 0, fmt.Errorf("%w: truncated hnsw wal entry", ErrInvalidData)
	}
	plen := binary.LittleEndian.Uint32(b[9:13])
	total := 13 + int(plen) + 4
	if total > len(b) {
		return nil, 0, fmt.Errorf("%w: hnsw wal entry payload out of bounds", ErrInvalidData)
	}
	storedChecksum := binary.LittleEndian.Uint32(b[13+int(plen) : total])
	if !crc.Verify32(b[:13+int(plen)], storedChecksum) {
		return nil, 0, fmt.Errorf("%w: hnsw wal entry checksum", ErrChecksumMismatch)
	}
	e := &hnswWALEntry{
		Type:     hnswWALEntryType(b[0]),
		VectorID: binary.LittleEndian.Uint64(b[1:9]),
		Payload:  append([]byte(nil), b[13:13+int(plen)]...),
		Checksum: storedChecksum,
	}
	return e, total, nil
}

// hnswWAL is the HNSW index's own write-ahead log, distinct from the
// filesystem journal (journal.go): it records graph-level operations so
// an in-progress insert/delete/update can be identified and discarded on
// reopen.
type hnswWAL struct {
	mu      sync.Mutex
	entries []*hnswWALEntry
	// lastCheckpoint is the index into entries of the most recent
	// Checkpoint record; replay only considers entries after it.
	lastCheckpoint int
}

func newHNSWWAL() *hnswWAL {
	return &hnswWAL{}
}

func (w *hnswWAL) append(t hnswWALEntryType, id uint64, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := &hnswWALEntry{Type: t, VectorID: id, Payload: payload}
	e.Checksum = crc.Checksum32(encodeHNSWWALEntry(e)[:13+len(payload)])
	w.entries = append(w.entries, e)
	return nil
}

func (w *hnswWAL) appendCommit(id uint64) error {
	return w.append(hnswWALCommit, id, nil)
}

func (w *hnswWAL) appendAbort(id uint64) error {
	return w.append(hnswWALAbort, id, nil)
}

// checkpoint marks every entry up to now as durable; replay on reopen
// starts after this point.
func (w *hnswWAL) checkpoint() {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := &hnswWALEntry{Type: hnswWALCheckpoint}
	e.Checksum = crc.Checksum32(encodeHNSWWALEntry(e)[:13])
	w.entries = append(w.entries, e)
	w.lastCheckpoint = len(w.entries) - 1
}

// replay walks the entries between the last Checkpoint and end-of-log;
// an entry with a failing CRC truncates replay at that point. apply is
// invoked once per Insert/Update entry whose matching Commit was observed
// before the next Checkpoint or a later Abort for the same id.
func (w *hnswWAL) replay(apply func(id uint64) error) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pending := make(map[uint64]bool)
	replayed := 0
	for i := w.lastCheckpoint; i < len(w.entries); i++ {
		e := w.entries[i]
		if !crc.Verify32(encodeHNSWWALEntry(e)[:13+len(e.Payload)], e.Checksum) {
			break
		}
		switch e.Type {
		case hnswWALInsert, hnswWALUpdate:
			pending[e.VectorID] = true
		case hnswWALAbort:
			delete(pending, e.VectorID)
		case hnswWALCommit:
			if pending[e.VectorID] {
				if apply != nil {
					if err := apply(e.VectorID); err != nil {
						return replayed, err
					}
				}
				replayed++
				delete(pending, e.VectorID)
			}
		case hnswWALCheckpoint:
			pending = make(map[uint64]bool)
		}
	}
	return replayed, nil
}
