package vexfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddGetEmbeddingRoundTrip(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, _ := createTestFile(t, fsys, octx, "vec.bin")

	raw := encodeFloat32Vector([]float32{1, 2, 3, 4})
	id, err := fsys.AddEmbedding(octx, ino.Number, raw, ElemF32, 4, CompressNone)
	require.NoError(t, err)

	rec, err := fsys.GetEmbedding(octx, id)
	require.NoError(t, err)
	require.Equal(t, ino.Number, rec.FileInode)
	require.Equal(t, uint32(4), rec.Dimensions)
	require.Equal(t, raw, rec.Data)
}

func TestAddEmbeddingRejectsDimensionMismatch(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, _ := createTestFile(t, fsys, octx, "vec.bin")

	raw := encodeFloat32Vector([]float32{1, 2, 3})
	_, err := fsys.AddEmbedding(octx, ino.Number, raw, ElemF32, 4, CompressNone)
	require.ErrorIs(t, err, ErrInvalidDimensions)
}

func TestAddEmbeddingRejectsExcessiveDimensions(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, _ := createTestFile(t, fsys, octx, "vec.bin")

	_, err := fsys.AddEmbedding(octx, ino.Number, nil, ElemF32, maxVectorDimensions+1, CompressNone)
	require.ErrorIs(t, err, ErrInvalidDimensions)
}

func TestUpdateEmbeddingReplacesVectorUnderNewID(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, _ := createTestFile(t, fsys, octx, "vec.bin")

	raw := encodeFloat32Vector([]float32{1, 0, 0, 0})
	id, err := fsys.AddEmbedding(octx, ino.Number, raw, ElemF32, 4, CompressNone)
	require.NoError(t, err)

	updated := encodeFloat32Vector([]float32{0, 1, 0, 0})
	newID, err := fsys.UpdateEmbedding(octx, id, updated)
	require.NoError(t, err)
	require.NotEqual(t, id, newID)

	_, _, err = fsys.vectors.getVector(id)
	require.Error(t, err)

	rec, err := fsys.GetEmbedding(octx, newID)
	require.NoError(t, err)
	require.Equal(t, updated, rec.Data)
}

func TestDeleteEmbeddingRemovesVector(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, _ := createTestFile(t, fsys, octx, "vec.bin")

	raw := encodeFloat32Vector([]float32{1, 2, 3, 4})
	id, err := fsys.AddEmbedding(octx, ino.Number, raw, ElemF32, 4, CompressNone)
	require.NoError(t, err)

	require.NoError(t, fsys.DeleteEmbedding(octx, id))
	_, err = fsys.GetEmbedding(octx, id)
	require.Error(t, err)
}

func TestVectorSearchFindsInsertedEmbedding(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, _ := createTestFile(t, fsys, octx, "vec.bin")

	var wantID uint64
	for i := 0; i < 5; i++ {
		v := make([]float32, 4)
		v[i%4] = float32(i + 1)
		raw := encodeFloat32Vector(v)
		id, err := fsys.AddEmbedding(octx, ino.Number, raw, ElemF32, 4, CompressNone)
		require.NoError(t, err)
		if i == 2 {
			wantID = id
		}
	}

	query := []float32{0, 0, 3, 0}
	results, err := fsys.VectorSearch(octx, query, 1, 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, wantID, results[0].VectorID)
}

func TestVectorSearchRejectsInvalidK(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	_, err := fsys.VectorSearch(octx, []float32{1}, 0, 10)
	require.ErrorIs(t, err, ErrArgument)
}

func TestVectorSearchWithoutIndexReturnsNoResults(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	results, err := fsys.VectorSearch(octx, []float32{1, 2, 3, 4}, 1, 10)
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestBatchSearchRunsEachQueryIndependently(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, _ := createTestFile(t, fsys, octx, "vec.bin")

	for i := 0; i < 4; i++ {
		v := make([]float32, 4)
		v[i] = float32(i + 1)
		_, err := fsys.AddEmbedding(octx, ino.Number, encodeFloat32Vector(v), ElemF32, 4, CompressNone)
		require.NoError(t, err)
	}

	queries := [][]float32{
		{1, 0, 0, 0},
		{0, 0, 0, 4},
	}
	out, err := fsys.BatchSearch(octx, queries, 1, 50)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Len(t, out[0], 1)
	require.Len(t, out[1], 1)
}

func TestHybridSearchAppliesFilterOverFetchedCandidates(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	inoA, _ := createTestFile(t, fsys, octx, "a.bin")
	inoB, _ := createTestFile(t, fsys, octx, "b.bin")

	idA, err := fsys.AddEmbedding(octx, inoA.Number, encodeFloat32Vector([]float32{1, 0, 0, 0}), ElemF32, 4, CompressNone)
	require.NoError(t, err)
	_, err = fsys.AddEmbedding(octx, inoB.Number, encodeFloat32Vector([]float32{0.9, 0, 0, 0}), ElemF32, 4, CompressNone)
	require.NoError(t, err)

	results, err := fsys.HybridSearch(octx, []float32{1, 0, 0, 0}, 1, 50, func(fileInode uint32) bool {
		return fileInode == inoA.Number
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, idA, results[0].VectorID)
}

func TestManageIndexCreateOptimizeStats(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)

	_, err := fsys.ManageIndex(octx, IndexActionCreate, 4, 0)
	require.NoError(t, err)

	stats, err := fsys.ManageIndex(octx, IndexActionOptimize, 4, 0)
	require.NoError(t, err)
	require.False(t, stats.LastOptimized.IsZero())

	stats, err = fsys.ManageIndex(octx, IndexActionStats, 4, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), stats.Total)
}

func TestManageIndexOptimizeWithoutIndexFails(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	_, err := fsys.ManageIndex(octx, IndexActionOptimize, 4, 0)
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestManageIndexRejectsUnknownAction(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	_, err := fsys.ManageIndex(octx, IndexAction(99), 4, 0)
	require.ErrorIs(t, err, ErrArgument)
}

func TestBatchAddEmbeddingsStoresAllInOneTransaction(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, _ := createTestFile(t, fsys, octx, "vec.bin")

	inputs := make([]EmbeddingInput, 3)
	for i := range inputs {
		v := make([]float32, 4)
		v[i] = float32(i + 1)
		inputs[i] = EmbeddingInput{
			FileInode:   ino.Number,
			Data:        encodeFloat32Vector(v),
			ElementType: ElemF32,
			Dimensions:  4,
			Compression: CompressNone,
		}
	}

	ids, err := fsys.BatchAddEmbeddings(octx, inputs)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	for i, id := range ids {
		rec, err := fsys.GetEmbedding(octx, id)
		require.NoError(t, err)
		require.Equal(t, inputs[i].Data, rec.Data)
	}

	results, err := fsys.VectorSearch(octx, []float32{0, 2, 0, 0}, 1, 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, ids[1], results[0].VectorID)
}

func TestBatchAddEmbeddingsRejectsBadInputWithoutPartialWrites(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, _ := createTestFile(t, fsys, octx, "vec.bin")

	inputs := []EmbeddingInput{
		{FileInode: ino.Number, Data: encodeFloat32Vector([]float32{1, 2, 3, 4}), ElementType: ElemF32, Dimensions: 4, Compression: CompressNone},
		{FileInode: ino.Number, Data: encodeFloat32Vector([]float32{1, 2, 3}), ElementType: ElemF32, Dimensions: 4, Compression: CompressNone},
	}

	ids, err := fsys.BatchAddEmbeddings(octx, inputs)
	require.ErrorIs(t, err, ErrInvalidDimensions)
	require.Nil(t, ids)
}

func TestBatchAddEmbeddingsEmptyInputIsNoop(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ids, err := fsys.BatchAddEmbeddings(octx, nil)
	require.NoError(t, err)
	require.Nil(t, ids)
}

func TestListFileVectorsReturnsSortedOwnedIDs(t *testing.T) {
	fsys, octx := mountFreshVolumeInternal(t)
	ino, _ := createTestFile(t, fsys, octx, "vec.bin")

	var ids []uint64
	for i := 0; i < 3; i++ {
		v := make([]float32, 4)
		v[i] = float32(i + 1)
		id, err := fsys.AddEmbedding(octx, ino.Number, encodeFloat32Vector(v), ElemF32, 4, CompressNone)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	got := fsys.ListFileVectors(ino.Number)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
}
