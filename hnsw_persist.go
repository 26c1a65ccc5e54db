package vexfs

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vexfs/vexfs/internal/crc"
	"github.com/vexfs/vexfs/internal/vecmath"
)

// hnswImageMagic identifies an on-disk HNSW index image: a fixed 256-byte
// header with explicit section offsets followed by the packed node records.
const (
	hnswImageMagic      uint32 = 0x414E4E53
	hnswImageVersion    uint32 = 1
	hnswImageHeaderSize        = 256
)

// hnswImageHeader is the fixed header preceding a serialized graph image:
// magic/version/counts/config, followed by each section's offset and size
// and a trailing checksum.
type hnswImageHeader struct {
	Magic          uint32
	Version        uint32
	Algorithm      IndexAlgorithm
	Metric         vecmath.Metric
	Dimensions     uint32
	VectorCount    uint32
	LayerCount     uint32
	M              uint32
	M0             uint32
	EfConstruction uint32
	EfSearch       uint32
	Seed           int64
	EntryPoint     uint64
	HasEntry       bool

	NodesOffset       uint64
	NodesSize         uint64
	ConnectionsOffset uint64
	ConnectionsSize   uint64
	VectorsOffset     uint64
	VectorsSize       uint64

	Checksum uint32
}

func encodeHNSWHeader(h *hnswImageHeader) []byte {
	b := make([]byte, hnswImageHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], hnswImageMagic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.Algorithm))
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.Metric))
	binary.LittleEndian.PutUint32(b[16:20], h.Dimensions)
	binary.LittleEndian.PutUint32(b[20:24], h.VectorCount)
	binary.LittleEndian.PutUint32(b[24:28], h.LayerCount)
	binary.LittleEndian.PutUint32(b[28:32], h.M)
	binary.LittleEndian.PutUint32(b[32:36], h.M0)
	binary.LittleEndian.PutUint32(b[36:40], h.EfConstruction)
	binary.LittleEndian.PutUint32(b[40:44], h.EfSearch)
	binary.LittleEndian.PutUint64(b[44:52], uint64(h.Seed))
	binary.LittleEndian.PutUint64(b[52:60], h.EntryPoint)
	if h.HasEntry {
		b[60] = 1
	}
	binary.LittleEndian.PutUint64(b[61:69], h.NodesOffset)
	binary.LittleEndian.PutUint64(b[69:77], h.NodesSize)
	binary.LittleEndian.PutUint64(b[77:85], h.ConnectionsOffset)
	binary.LittleEndian.PutUint64(b[85:93], h.ConnectionsSize)
	binary.LittleEndian.PutUint64(b[93:101], h.VectorsOffset)
	binary.LittleEndian.PutUint64(b[101:109], h.VectorsSize)
	checksum := crc.Checksum32(b[:hnswImageHeaderSize-4])
	binary.LittleEndian.PutUint32(b[hnswImageHeaderSize-4:], checksum)
	return b
}

func decodeHNSWHeader(b []byte) (*hnswImageHeader, error) {
	if len(b) < hnswImageHeaderSize {
		return nil, fmt.Errorf("%w: hnsw image header too short", ErrInvalidData)
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != hnswImageMagic {
		return nil, fmt.Errorf("%w: bad hnsw image magic 0x%x", ErrCorruptedData, magic)
	}
	stored := binary.LittleEndian.Uint32(b[hnswImageHeaderSize-4:])
	if !crc.Verify32(b[:hnswImageHeaderSize-4], stored) {
		return nil, fmt.Errorf("%w: hnsw image header checksum", ErrChecksumMismatch)
	}
	h := &hnswImageHeader{
		Magic:             magic,
		Version:           binary.LittleEndian.Uint32(b[4:8]),
		Algorithm:         IndexAlgorithm(binary.LittleEndian.Uint32(b[8:12])),
		Metric:            vecmath.Metric(binary.LittleEndian.Uint32(b[12:16])),
		Dimensions:        binary.LittleEndian.Uint32(b[16:20]),
		VectorCount:       binary.LittleEndian.Uint32(b[20:24]),
		LayerCount:        binary.LittleEndian.Uint32(b[24:28]),
		M:                 binary.LittleEndian.Uint32(b[28:32]),
		M0:                binary.LittleEndian.Uint32(b[32:36]),
		EfConstruction:    binary.LittleEndian.Uint32(b[36:40]),
		EfSearch:          binary.LittleEndian.Uint32(b[40:44]),
		Seed:              int64(binary.LittleEndian.Uint64(b[44:52])),
		EntryPoint:        binary.LittleEndian.Uint64(b[52:60]),
		HasEntry:          b[60] == 1,
		NodesOffset:       binary.LittleEndian.Uint64(b[61:69]),
		NodesSize:         binary.LittleEndian.Uint64(b[69:77]),
		ConnectionsOffset: binary.LittleEndian.Uint64(b[77:85]),
		ConnectionsSize:   binary.LittleEndian.Uint64(b[85:93]),
		VectorsOffset:     binary.LittleEndian.Uint64(b[93:101]),
		VectorsSize:       binary.LittleEndian.Uint64(b[101:109]),
		Checksum:          stored,
	}
	if h.Version != hnswImageVersion {
		return nil, fmt.Errorf("%w: unsupported hnsw image version %d", ErrCorruptedData, h.Version)
	}
	return h, nil
}

// encodeHNSWNode packs a node record: vector_id, the number of layers,
// then for each layer a connection-array length followed by that many ids.
func encodeHNSWNode(n *hnswNode) []byte {
	b := make([]byte, 0, 16+len(n.Neighbours)*8)
	head := make([]byte, 12)
	binary.LittleEndian.PutUint64(head[0:8], n.VectorID)
	binary.LittleEndian.PutUint32(head[8:12], uint32(len(n.Neighbours)))
	b = append(b, head...)
	for _, layer := range n.Neighbours {
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(layer)))
		b = append(b, lenBuf...)
		for _, nb := range layer {
			idBuf := make([]byte, 8)
			binary.LittleEndian.PutUint64(idBuf, nb)
			b = append(b, idBuf...)
		}
	}
	return b
}

func decodeHNSWNode(b []byte) (*hnswNode, int, error) {
	if len(b) < 12 {
		return nil, 0, fmt.Errorf("%w: truncated hnsw node record", ErrInvalidData)
	}
	n := &hnswNode{VectorID: binary.LittleEndian.Uint64(b[0:8])}
	numLayers := int(binary.LittleEndian.Uint32(b[8:12]))
	pos := 12
	for l := 0; l < numLayers; l++ {
		if pos+4 > len(b) {
			return nil, 0, fmt.Errorf("%w: truncated hnsw node layer", ErrInvalidData)
		}
		count := int(binary.LittleEndian.Uint32(b[pos : pos+4]))
		pos += 4
		layer := make([]uint64, count)
		for i := 0; i < count; i++ {
			if pos+8 > len(b) {
				return nil, 0, fmt.Errorf("%w: truncated hnsw node connections", ErrInvalidData)
			}
			layer[i] = binary.LittleEndian.Uint64(b[pos : pos+8])
			pos += 8
		}
		n.Neighbours = append(n.Neighbours, layer)
	}
	n.Layer = numLayers - 1
	return n, pos, nil
}

// snapshot serializes the graph's nodes into a flat byte image (no block
// device I/O here; the caller persists the bytes through the vector
// store's block-aligned write path, mirroring vector.go's layout).
func (g *hnswGraph) snapshot() (*hnswImageHeader, []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var body []byte
	for _, n := range g.nodes {
		body = append(body, encodeHNSWNode(n)...)
	}

	h := &hnswImageHeader{
		Version:        hnswImageVersion,
		Algorithm:      IndexHNSW,
		Metric:         g.params.Metric,
		Dimensions:     g.params.Dimensions,
		VectorCount:    uint32(len(g.nodes)),
		LayerCount:     uint32(g.topLayer + 1),
		M:              uint32(g.params.M),
		M0:             uint32(g.params.M0),
		EfConstruction: uint32(g.params.EfConstruction),
		EfSearch:       uint32(g.params.EfSearch),
		Seed:           g.params.Seed,
		EntryPoint:     g.entryPoint,
		HasEntry:       g.hasEntry,
		NodesOffset:    hnswImageHeaderSize,
		NodesSize:      uint64(len(body)),
	}
	return h, append(encodeHNSWHeader(h), body...)
}

// loadHNSWImage reconstructs a graph's node set from a snapshot produced
// by snapshot(). The caller must supply the same vectors callback and WAL
// the graph was built with.
func loadHNSWImage(data []byte, vectors func(id uint64) ([]float32, error), wal *hnswWAL) (*hnswGraph, error) {
	h, err := decodeHNSWHeader(data)
	if err != nil {
		return nil, err
	}
	params := hnswParams{
		M:              int(h.M),
		M0:             int(h.M0),
		EfConstruction: int(h.EfConstruction),
		EfSearch:       int(h.EfSearch),
		MaxLayers:      int(h.LayerCount) + 1,
		ML:             1 / math.Ln2,
		Seed:           h.Seed,
		Metric:         h.Metric,
		Dimensions:     h.Dimensions,
	}
	g := newHNSWGraph(params, vectors, wal)
	g.entryPoint = h.EntryPoint
	g.hasEntry = h.HasEntry
	g.topLayer = int(h.LayerCount) - 1

	body := data[h.NodesOffset : h.NodesOffset+h.NodesSize]
	pos := 0
	for pos < len(body) {
		n, adv, err := decodeHNSWNode(body[pos:])
		if err != nil {
			return nil, err
		}
		g.nodes[n.VectorID] = n
		pos += adv
	}
	return g, nil
}
