package vexfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHNSWWALEntryEncodeDecodeRoundTrip(t *testing.T) {
	e := &hnswWALEntry{Type: hnswWALInsert, VectorID: 42, Payload: []byte("graph-edges")}
	b := encodeHNSWWALEntry(e)

	got, n, err := decodeHNSWWALEntry(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.Equal(t, hnswWALInsert, got.Type)
	require.Equal(t, uint64(42), got.VectorID)
	require.Equal(t, []byte("graph-edges"), got.Payload)
}

func TestDecodeHNSWWALEntryRejectsCorruptChecksum(t *testing.T) {
	e := &hnswWALEntry{Type: hnswWALInsert, VectorID: 1, Payload: []byte("x")}
	b := encodeHNSWWALEntry(e)
	b[0] ^= 0xff

	_, _, err := decodeHNSWWALEntry(b)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestHNSWWALReplayAppliesOnlyCommittedEntries(t *testing.T) {
	w := newHNSWWAL()
	require.NoError(t, w.append(hnswWALInsert, 1, nil))
	require.NoError(t, w.appendCommit(1))
	require.NoError(t, w.append(hnswWALInsert, 2, nil))
	// id 2 never commits: simulates a crash mid-insert.

	var applied []uint64
	n, err := w.replay(func(id uint64) error {
		applied = append(applied, id)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uint64{1}, applied)
}

func TestHNSWWALReplaySkipsAbortedEntries(t *testing.T) {
	w := newHNSWWAL()
	require.NoError(t, w.append(hnswWALInsert, 5, nil))
	require.NoError(t, w.appendAbort(5))
	require.NoError(t, w.appendCommit(5))

	n, err := w.replay(func(id uint64) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 0, n, "a commit after an abort for the same id must not replay")
}

func TestHNSWWALCheckpointResetsReplayWindow(t *testing.T) {
	w := newHNSWWAL()
	require.NoError(t, w.append(hnswWALInsert, 1, nil))
	require.NoError(t, w.appendCommit(1))
	w.checkpoint()
	require.NoError(t, w.append(hnswWALInsert, 2, nil))
	require.NoError(t, w.appendCommit(2))

	var applied []uint64
	n, err := w.replay(func(id uint64) error {
		applied = append(applied, id)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []uint64{2}, applied)
}
