package vexfs

import (
	"fmt"
	"sort"
)

const (
	maxSearchK = 10000
)

// VectorRecord is the caller-facing shape of a stored embedding, returned
// by GetEmbedding.
type VectorRecord struct {
	ID          uint64
	FileInode   uint32
	ElementType ElementType
	Compression Compression
	Dimensions  uint32
	Data        []byte
}

// AddEmbedding: validates
// dimensions and payload size, persists the vector through one
// transaction, and -- for f32 vectors, the only ANN-searchable element
// type (vector.go's decodeFloat32Vector) -- inserts it into the HNSW
// graph once the vector is durable.
func (fs *FileSystem) AddEmbedding(octx *OperationContext, fileIno uint32, data []byte, dtype ElementType, dims uint32, compression Compression) (uint64, error) {
	const op = "add_embedding"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return 0, err
	}
	if dims == 0 || dims > maxVectorDimensions {
		fs.metrics.observe(op, start, 0, ErrInvalidDimensions)
		return 0, newErr(op, KindArgument, ErrInvalidDimensions)
	}
	want := int(dims) * dtype.elementSize()
	if want != len(data) {
		fs.metrics.observe(op, start, 0, ErrInvalidDimensions)
		return 0, newErr(op, KindArgument, fmt.Errorf("%w: data size %d, expected %d", ErrInvalidDimensions, len(data), want))
	}

	if _, err := fs.inodes.readInode(fileIno); err != nil {
		fs.metrics.observe(op, start, 0, err)
		return 0, err
	}

	if fs.index == nil && dtype == ElemF32 {
		if err := fs.ensureIndex(dims, uint32(vecMetricDefault)); err != nil {
			fs.metrics.observe(op, start, 0, err)
			return 0, err
		}
	}

	var id uint64
	blocksTouched := 0
	err := fs.withTxn(func(tid TxnID) error {
		var serr error
		id, serr = fs.vectors.storeVector(octx, tid, data, fileIno, dtype, dims, compression)
		if serr != nil {
			return serr
		}
		blocksTouched++
		return nil
	})
	if err != nil {
		fs.metrics.observe(op, start, blocksTouched, err)
		return 0, err
	}

	if dtype == ElemF32 && fs.index != nil {
		vec, derr := decodeFloat32Vector(data, dtype, dims)
		if derr == nil {
			if aerr := fs.index.Add(id, vec); aerr != nil {
				fs.log.WithError(aerr).WithField("vector_id", id).Warn("vexfs: HNSW insert failed after durable store")
			} else if fs.hnswCache != nil {
				fs.hnswCache.insert(id, vec)
			}
		}
	}

	fs.metrics.observe(op, start, blocksTouched, nil)
	return id, nil
}

// EmbeddingInput is one entry of a BatchAddEmbeddings call.
type EmbeddingInput struct {
	FileInode   uint32
	Data        []byte
	ElementType ElementType
	Dimensions  uint32
	Compression Compression
}

// BatchAddEmbeddings stores every input in a single transaction and, for
// f32 vectors, inserts them into the HNSW graph once the batch is durable
// -- one commit for the whole batch instead of one per vector, the way a
// bulk loader amortizes WAL overhead across many inserts at once.
func (fs *FileSystem) BatchAddEmbeddings(octx *OperationContext, inputs []EmbeddingInput) ([]uint64, error) {
	const op = "batch_add_embeddings"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		fs.metrics.observe(op, start, 0, nil)
		return nil, nil
	}

	for i, in := range inputs {
		if in.Dimensions == 0 || in.Dimensions > maxVectorDimensions {
			fs.metrics.observe(op, start, 0, ErrInvalidDimensions)
			return nil, newErr(op, KindArgument, fmt.Errorf("input %d: %w", i, ErrInvalidDimensions))
		}
		want := int(in.Dimensions) * in.ElementType.elementSize()
		if want != len(in.Data) {
			fs.metrics.observe(op, start, 0, ErrInvalidDimensions)
			return nil, newErr(op, KindArgument, fmt.Errorf("input %d: data size %d, expected %d: %w", i, len(in.Data), want, ErrInvalidDimensions))
		}
		if _, err := fs.inodes.readInode(in.FileInode); err != nil {
			fs.metrics.observe(op, start, 0, err)
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
	}

	for _, in := range inputs {
		if fs.index == nil && in.ElementType == ElemF32 {
			if err := fs.ensureIndex(in.Dimensions, uint32(vecMetricDefault)); err != nil {
				fs.metrics.observe(op, start, 0, err)
				return nil, err
			}
			break
		}
	}

	ids := make([]uint64, len(inputs))
	blocksTouched := 0
	err := fs.withTxn(func(tid TxnID) error {
		for i, in := range inputs {
			id, serr := fs.vectors.storeVector(octx, tid, in.Data, in.FileInode, in.ElementType, in.Dimensions, in.Compression)
			if serr != nil {
				return fmt.Errorf("input %d: %w", i, serr)
			}
			ids[i] = id
			blocksTouched++
		}
		return nil
	})
	if err != nil {
		fs.metrics.observe(op, start, blocksTouched, err)
		return nil, err
	}

	if fs.index != nil {
		for i, in := range inputs {
			if in.ElementType != ElemF32 {
				continue
			}
			vec, derr := decodeFloat32Vector(in.Data, in.ElementType, in.Dimensions)
			if derr != nil {
				continue
			}
			if aerr := fs.index.Add(ids[i], vec); aerr != nil {
				fs.log.WithError(aerr).WithField("vector_id", ids[i]).Warn("vexfs: HNSW insert failed after durable batch store")
				continue
			}
			if fs.hnswCache != nil {
				fs.hnswCache.insert(ids[i], vec)
			}
		}
	}

	fs.metrics.observe(op, start, blocksTouched, nil)
	return ids, nil
}

// vecMetricDefault is the metric used when a caller adds the first
// embedding without going through manage_index's explicit Create first
// (Euclidean, matching internal/vecmath's zero value).
const vecMetricDefault = 0

// GetEmbedding.
func (fs *FileSystem) GetEmbedding(octx *OperationContext, id uint64) (VectorRecord, error) {
	const op = "get_embedding"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return VectorRecord{}, err
	}
	header, data, err := fs.vectors.getVector(id)
	fs.metrics.observe(op, start, 0, err)
	if err != nil {
		return VectorRecord{}, err
	}
	return VectorRecord{
		ID:          header.VectorID,
		FileInode:   header.FileInode,
		ElementType: header.ElementType,
		Compression: header.Compression,
		Dimensions:  header.Dimensions,
		Data:        data,
	}, nil
}

// UpdateEmbedding deletes the old vector and stores the replacement under
// a new id, keeping the vector store's append-only write pattern (deriving
// a fresh id avoids ever reusing a block whose old checksum a concurrent
// reader may still be validating against).
func (fs *FileSystem) UpdateEmbedding(octx *OperationContext, id uint64, data []byte) (uint64, error) {
	const op = "update_embedding"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return 0, err
	}

	header, _, err := fs.vectors.getVector(id)
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return 0, err
	}
	want := int(header.Dimensions) * header.ElementType.elementSize()
	if want != len(data) {
		fs.metrics.observe(op, start, 0, ErrInvalidDimensions)
		return 0, newErr(op, KindArgument, fmt.Errorf("%w: data size %d, expected %d", ErrInvalidDimensions, len(data), want))
	}

	if fs.index != nil && header.ElementType == ElemF32 {
		_ = fs.index.Remove(id)
		if fs.hnswCache != nil {
			fs.hnswCache.invalidate(id)
		}
	}
	if err := fs.vectors.deleteVector(id); err != nil {
		fs.metrics.observe(op, start, 0, err)
		return 0, err
	}

	var newID uint64
	blocksTouched := 0
	err = fs.withTxn(func(tid TxnID) error {
		var serr error
		newID, serr = fs.vectors.storeVector(octx, tid, data, header.FileInode, header.ElementType, header.Dimensions, header.Compression)
		if serr != nil {
			return serr
		}
		blocksTouched++
		return nil
	})
	if err != nil {
		fs.metrics.observe(op, start, blocksTouched, err)
		return 0, err
	}

	if header.ElementType == ElemF32 && fs.index != nil {
		vec, derr := decodeFloat32Vector(data, header.ElementType, header.Dimensions)
		if derr == nil {
			if aerr := fs.index.Add(newID, vec); aerr != nil {
				fs.log.WithError(aerr).WithField("vector_id", newID).Warn("vexfs: HNSW re-insert failed after update")
			}
		}
	}
	fs.metrics.observe(op, start, blocksTouched, nil)
	return newID, nil
}

// DeleteEmbedding.
func (fs *FileSystem) DeleteEmbedding(octx *OperationContext, id uint64) error {
	const op = "delete_embedding"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return err
	}

	if fs.index != nil {
		_ = fs.index.Remove(id)
		if fs.hnswCache != nil {
			fs.hnswCache.invalidate(id)
		}
	}
	err := fs.vectors.deleteVector(id)
	fs.metrics.observe(op, start, 0, err)
	return err
}

// VectorSearch: top-k ANN query
// against the HNSW graph.
func (fs *FileSystem) VectorSearch(octx *OperationContext, query []float32, k int, efSearch int) ([]SearchResult, error) {
	const op = "vector_search"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return nil, err
	}
	if k <= 0 || k > maxSearchK {
		fs.metrics.observe(op, start, 0, ErrArgument)
		return nil, newErr(op, KindArgument, fmt.Errorf("%w: k=%d out of range (1..%d)", ErrArgument, k, maxSearchK))
	}
	if fs.index == nil {
		fs.metrics.observe(op, start, 0, nil)
		return nil, nil
	}
	results, err := fs.index.Search(query, k, SearchParams{EfSearch: efSearch})
	fs.metrics.observe(op, start, 0, err)
	return results, err
}

// BatchSearch: independent queries
// run sequentially against the same graph snapshot (the graph's own
// RWMutex already allows concurrent readers; batching here is purely a
// convenience wrapper).
func (fs *FileSystem) BatchSearch(octx *OperationContext, queries [][]float32, k int, efSearch int) ([][]SearchResult, error) {
	const op = "batch_search"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return nil, err
	}
	out := make([][]SearchResult, len(queries))
	for i, q := range queries {
		res, err := fs.VectorSearch(octx, q, k, efSearch)
		if err != nil {
			fs.metrics.observe(op, start, 0, err)
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
		out[i] = res
	}
	fs.metrics.observe(op, start, 0, nil)
	return out, nil
}

// HybridSearch: an ANN query
// followed by a metadata predicate over each hit's owning inode,
// over-fetching candidates so the post-filter still has k results to
// return when the predicate is selective.
func (fs *FileSystem) HybridSearch(octx *OperationContext, query []float32, k int, efSearch int, filter func(fileInode uint32) bool) ([]SearchResult, error) {
	const op = "hybrid_search"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return nil, err
	}
	if k <= 0 || k > maxSearchK {
		fs.metrics.observe(op, start, 0, ErrArgument)
		return nil, newErr(op, KindArgument, fmt.Errorf("%w: k=%d out of range (1..%d)", ErrArgument, k, maxSearchK))
	}
	if fs.index == nil {
		fs.metrics.observe(op, start, 0, nil)
		return nil, nil
	}

	overfetch := k * 4
	if overfetch > maxSearchK {
		overfetch = maxSearchK
	}
	candidates, err := fs.index.Search(query, overfetch, SearchParams{EfSearch: efSearch})
	if err != nil {
		fs.metrics.observe(op, start, 0, err)
		return nil, err
	}

	out := make([]SearchResult, 0, k)
	for _, c := range candidates {
		fileIno, err := fs.vectors.getVectorFiles(c.VectorID)
		if err != nil {
			continue
		}
		if filter == nil || filter(fileIno) {
			out = append(out, c)
			if len(out) == k {
				break
			}
		}
	}
	fs.metrics.observe(op, start, 0, nil)
	return out, nil
}

// IndexAction selects manage_index's operation.
type IndexAction int

const (
	IndexActionCreate IndexAction = iota
	IndexActionOptimize
	IndexActionStats
)

// ManageIndex.
func (fs *FileSystem) ManageIndex(octx *OperationContext, action IndexAction, dims uint32, metric uint32) (IndexStats, error) {
	const op = "manage_index"
	start := fs.now()
	if err := octx.checkDeadline(op); err != nil {
		return IndexStats{}, err
	}

	switch action {
	case IndexActionCreate:
		if err := fs.ensureIndex(dims, metric); err != nil {
			fs.metrics.observe(op, start, 0, err)
			return IndexStats{}, err
		}
	case IndexActionOptimize:
		if fs.index == nil {
			fs.metrics.observe(op, start, 0, ErrInvalidOperation)
			return IndexStats{}, newErr(op, KindInvalidOperation, fmt.Errorf("no index constructed yet"))
		}
		if err := fs.index.Optimize(); err != nil {
			fs.metrics.observe(op, start, 0, err)
			return IndexStats{}, err
		}
	case IndexActionStats:
		// read-only; nothing to do beyond returning ix.Stats() below
	default:
		fs.metrics.observe(op, start, 0, ErrArgument)
		return IndexStats{}, newErr(op, KindArgument, fmt.Errorf("unknown index action %d", action))
	}

	var stats IndexStats
	if fs.index != nil {
		stats = fs.index.Stats()
	}
	fs.metrics.observe(op, start, 0, nil)
	return stats, nil
}

// ListFileVectors wraps vectorStore.getFileVectors at the
// operation-surface level, sorted for stable output.
func (fs *FileSystem) ListFileVectors(fileIno uint32) []uint64 {
	ids := fs.vectors.getFileVectors(fileIno)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
