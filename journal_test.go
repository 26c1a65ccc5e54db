package vexfs

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vexfs/vexfs/backend/file"
)

const testJournalBlocks = 16

func newTestJournal(t *testing.T, apply applyFunc) *journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.img")
	storage, err := file.CreateFromPath(path, int64(testJournalBlocks+1)*4096)
	require.NoError(t, err)
	dev := newBlockDevice(storage, 4096)

	jsb := &journalSuperblock{
		Magic:     JournalMagic,
		BlockSize: 4096,
		Total:     testJournalBlocks,
		First:     1,
		State:     StateValid,
		UUID:      uuid.New(),
	}
	j := newJournal(dev, jsb.First, jsb.Total, jsb, apply, nil)
	require.NoError(t, j.flushSuperblock())
	return j
}

func TestJournalCommitAndCheckpointAdvancesTail(t *testing.T) {
	var applied []BlockNumber
	j := newTestJournal(t, func(op *OperationRecord) error {
		applied = append(applied, op.TargetBlock)
		return nil
	})

	tid, err := j.begin()
	require.NoError(t, err)
	require.NoError(t, j.logOp(tid, &OperationRecord{TargetBlock: 5, Payload: []byte("hello")}))
	require.NoError(t, j.commit(tid))
	require.NoError(t, j.checkpoint(tid))

	require.Equal(t, j.sb.Head, j.sb.Tail, "checkpoint should advance tail to meet head")
}

func TestJournalAbortDiscardsUncommittedOps(t *testing.T) {
	j := newTestJournal(t, func(op *OperationRecord) error { return nil })

	tid, err := j.begin()
	require.NoError(t, err)
	require.NoError(t, j.logOp(tid, &OperationRecord{TargetBlock: 1, Payload: []byte("x")}))
	require.NoError(t, j.abort(tid))

	require.Equal(t, uint64(0), j.sb.Head, "aborted transaction must leave no on-disk trace")
	err = j.commit(tid)
	require.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestJournalLogOpRejectsUnknownTxn(t *testing.T) {
	j := newTestJournal(t, nil)
	err := j.logOp(TxnID(999), &OperationRecord{TargetBlock: 1})
	require.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestJournalRecoverReplaysCommittedTransaction(t *testing.T) {
	var applied []BlockNumber
	apply := func(op *OperationRecord) error {
		applied = append(applied, op.TargetBlock)
		return nil
	}

	j := newTestJournal(t, apply)
	tid, err := j.begin()
	require.NoError(t, err)
	require.NoError(t, j.logOp(tid, &OperationRecord{TargetBlock: 3, Payload: []byte("data")}))
	require.NoError(t, j.commit(tid))

	// Simulate an unclean shutdown: head/tail diverge and state isn't Valid,
	// as happens when the process dies before checkpoint() runs.
	j.sb.State = FSState(0)
	require.NoError(t, j.flushSuperblock())

	j2 := newJournal(j.dev, j.region, j.sb.Total, j.sb, apply, nil)
	n, err := j2.recover()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Contains(t, applied, BlockNumber(3))
}

func TestJournalStatsTracksActiveAndCommittedTxns(t *testing.T) {
	j := newTestJournal(t, func(op *OperationRecord) error { return nil })

	st := j.stats()
	require.Equal(t, uint32(0), st.ActiveTransactions)
	require.Equal(t, uint32(0), st.CommittedTxns)
	require.Equal(t, j.capacity, st.TotalSpace)
	require.Equal(t, j.capacity, st.FreeSpace)

	tid, err := j.begin()
	require.NoError(t, err)
	st = j.stats()
	require.Equal(t, uint32(1), st.ActiveTransactions)
	require.Equal(t, uint32(0), st.CommittedTxns)

	require.NoError(t, j.logOp(tid, &OperationRecord{TargetBlock: 2, Payload: []byte("x")}))
	require.NoError(t, j.commit(tid))
	st = j.stats()
	require.Equal(t, uint32(0), st.ActiveTransactions)
	require.Equal(t, uint32(1), st.CommittedTxns)
	require.Less(t, st.FreeSpace, j.capacity, "a committed-but-not-checkpointed transaction still occupies journal space")
}

func TestJournalCommitRejectsOversizedTransaction(t *testing.T) {
	j := newTestJournal(t, nil)
	require.Less(t, j.capacity, uint64(maxOpPayload), "test assumes the journal region is smaller than a single max-size payload")

	tid, err := j.begin()
	require.NoError(t, err)
	require.NoError(t, j.logOp(tid, &OperationRecord{TargetBlock: 1, Payload: make([]byte, maxOpPayload)}))

	err = j.commit(tid)
	require.ErrorIs(t, err, ErrNoSpace)
}
