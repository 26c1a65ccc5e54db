package vexfs

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/vexfs/vexfs/internal/vecmath"
)

// hnswParams are the HNSW graph's construction/search tunables.
type hnswParams struct {
	M              int
	M0             int // = 2M
	EfConstruction int
	EfSearch       int
	MaxLayers      int
	ML             float64 // level-assignment factor, 1/ln(2)
	Seed           int64
	Metric         vecmath.Metric
	Dimensions     uint32
}

func defaultHNSWParams(dims uint32, metric vecmath.Metric, seed int64) hnswParams {
	m := 16
	return hnswParams{
		M:              m,
		M0:             2 * m,
		EfConstruction: 200,
		EfSearch:       50,
		MaxLayers:      16,
		ML:             1 / math.Ln2,
		Seed:           seed,
		Metric:         metric,
		Dimensions:     dims,
	}
}

// IndexProfile names one of the preset HNSW tunings, picking a point on
// the recall/build-cost/memory tradeoff for a given workload shape.
type IndexProfile int

const (
	// ProfileDefault is defaultHNSWParams's balanced tuning.
	ProfileDefault IndexProfile = iota
	// ProfileBatch favors recall and build throughput for large bulk
	// loads, at the cost of more connections per node and a larger
	// construction search.
	ProfileBatch
	// ProfileRealtime favors low-latency search over an already-built
	// index, trading some recall for a smaller EfSearch.
	ProfileRealtime
	// ProfileMemory favors a small memory footprint for constrained
	// deployments, trading recall and build cost for fewer connections.
	ProfileMemory
)

// hnswParamsForProfile builds hnswParams tuned for profile, the way
// AnnsSystemFactory's preset constructors tune one HnswConfig per
// workload shape instead of exposing every knob to the caller.
func hnswParamsForProfile(profile IndexProfile, dims uint32, metric vecmath.Metric, seed int64) hnswParams {
	p := defaultHNSWParams(dims, metric, seed)
	switch profile {
	case ProfileBatch:
		p.M = 32
		p.M0 = 64
		p.EfConstruction = 400
		p.EfSearch = 100
	case ProfileRealtime:
		p.M = 16
		p.M0 = 32
		p.EfConstruction = 200
		p.EfSearch = 32
	case ProfileMemory:
		p.M = 8
		p.M0 = 16
		p.EfConstruction = 100
		p.EfSearch = 16
	}
	return p
}

// hnswNode is one vertex in the layered graph: `node {
// vector_id, layer, neighbours[by_layer] }`.
type hnswNode struct {
	VectorID   uint64
	Layer      int
	Neighbours [][]uint64 // Neighbours[l] is this node's neighbour list at layer l
}

// hnswGraph is the layered HNSW graph. vectors is the
// callback the graph uses to fetch a vector's components -- normally
// backed by the partial-loader cache (hnsw_cache.go) in front of the
// vector store.
type hnswGraph struct {
	mu sync.RWMutex

	params hnswParams
	rng    *rand.Rand

	nodes      map[uint64]*hnswNode
	entryPoint uint64
	hasEntry   bool
	topLayer   int

	vectors func(id uint64) ([]float32, error)
	wal     *hnswWAL
}

func newHNSWGraph(params hnswParams, vectors func(id uint64) ([]float32, error), wal *hnswWAL) *hnswGraph {
	return &hnswGraph{
		params:  params,
		rng:     rand.New(rand.NewSource(params.Seed)),
		nodes:   make(map[uint64]*hnswNode),
		vectors: vectors,
		wal:     wal,
	}
}

// drawLevel samples from the geometric distribution with parameter mL,
// step 2: deterministic given the graph's seeded rng,
// so repeated runs from a fresh graph with the same seed and insertion
// order reproduce identical structure.
func (g *hnswGraph) drawLevel() int {
	level := int(math.Floor(-math.Log(g.rng.Float64()) * g.params.ML))
	if level > g.params.MaxLayers-1 {
		level = g.params.MaxLayers - 1
	}
	return level
}

func (g *hnswGraph) distance(a, b []float32) (float32, error) {
	return vecmath.Distance(a, b, g.params.Metric)
}

// candidate pairs a vector id with its distance to the query, used by
// both the simple greedy descent and search_layer's heaps.
type candidate struct {
	id   uint64
	dist float32
}

// candHeap is a min-heap by distance; maxCandHeap (below) reverses Less.
type candHeap []candidate

func (h candHeap) Len() int            { return len(h) }
func (h candHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h candHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type maxCandHeap struct{ candHeap }

func (h maxCandHeap) Less(i, j int) bool { return h.candHeap[i].dist > h.candHeap[j].dist }

// searchLayer1 is the greedy single-best-path descent used above the
// insertion/query layer steps 4/Search step 2.
func (g *hnswGraph) searchLayer1(q []float32, entry uint64, layer int) (uint64, error) {
	best := entry
	bestVec, err := g.vectors(best)
	if err != nil {
		return 0, err
	}
	bestDist, err := g.distance(q, bestVec)
	if err != nil {
		return 0, err
	}
	for {
		improved := false
		node := g.nodes[best]
		if node == nil || layer >= len(node.Neighbours) {
			break
		}
		for _, nb := range node.Neighbours[layer] {
			vec, err := g.vectors(nb)
			if err != nil {
				continue
			}
			d, err := g.distance(q, vec)
			if err != nil {
				continue
			}
			if d < bestDist {
				bestDist = d
				best = nb
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return best, nil
}

// searchLayer is the standard ef-bounded priority-queue expansion: visits
// unvisited neighbours, maintains a min-heap of
// candidates and a bounded max-heap of results, terminating when the best
// remaining candidate is farther than the worst kept result.
func (g *hnswGraph) searchLayer(q []float32, entry uint64, ef int, layer int) ([]candidate, error) {
	visited := map[uint64]bool{entry: true}

	entryVec, err := g.vectors(entry)
	if err != nil {
		return nil, err
	}
	entryDist, err := g.distance(q, entryVec)
	if err != nil {
		return nil, err
	}

	candidates := &candHeap{{id: entry, dist: entryDist}}
	heap.Init(candidates)
	results := &maxCandHeap{candHeap{{id: entry, dist: entryDist}}}
	heap.Init(results)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candidate)
		if results.Len() >= ef {
			worst := results.candHeap[0]
			if c.dist > worst.dist {
				break
			}
		}
		node := g.nodes[c.id]
		if node == nil || layer >= len(node.Neighbours) {
			continue
		}
		for _, nb := range node.Neighbours[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			vec, err := g.vectors(nb)
			if err != nil {
				continue
			}
			d, err := g.distance(q, vec)
			if err != nil {
				continue
			}
			if results.Len() < ef {
				heap.Push(candidates, candidate{id: nb, dist: d})
				heap.Push(results, candidate{id: nb, dist: d})
			} else if d < results.candHeap[0].dist {
				heap.Push(candidates, candidate{id: nb, dist: d})
				heap.Push(results, candidate{id: nb, dist: d})
				heap.Pop(results)
			}
		}
	}

	out := append([]candidate(nil), results.candHeap...)
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	return out, nil
}

// selectNeighbours keeps the m nearest candidates by metric distance,
// breaking ties by ascending id.
func selectNeighbours(cands []candidate, m int) []uint64 {
	sorted := append([]candidate(nil), cands...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].dist != sorted[j].dist {
			return sorted[i].dist < sorted[j].dist
		}
		return sorted[i].id < sorted[j].id
	})
	if len(sorted) > m {
		sorted = sorted[:m]
	}
	out := make([]uint64, len(sorted))
	for i, c := range sorted {
		out[i] = c.id
	}
	return out
}

func (g *hnswGraph) capForLayer(layer int) int {
	if layer == 0 {
		return g.params.M0
	}
	return g.params.M
}

func ensureLayers(n *hnswNode, layer int) {
	for len(n.Neighbours) <= layer {
		n.Neighbours = append(n.Neighbours, nil)
	}
}

func addEdge(n *hnswNode, layer int, nb uint64) {
	ensureLayers(n, layer)
	for _, e := range n.Neighbours[layer] {
		if e == nb {
			return
		}
	}
	n.Neighbours[layer] = append(n.Neighbours[layer], nb)
}

func removeEdge(n *hnswNode, layer int, nb uint64) {
	if layer >= len(n.Neighbours) {
		return
	}
	for i, e := range n.Neighbours[layer] {
		if e == nb {
			n.Neighbours[layer] = append(n.Neighbours[layer][:i], n.Neighbours[layer][i+1:]...)
			return
		}
	}
}

// Insert adds a vector to the graph, wrapped in a WAL record so any step
// failure rolls back the insertion.
func (g *hnswGraph) Insert(id uint64, vec []float32) (err error) {
	if uint32(len(vec)) != g.params.Dimensions {
		return fmt.Errorf("%w: vector has %d dims, index expects %d", ErrInvalidDimensions, len(vec), g.params.Dimensions)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.wal != nil {
		if walErr := g.wal.append(hnswWALInsert, id, nil); walErr != nil {
			return walErr
		}
	}
	var node *hnswNode
	defer func() {
		if err != nil {
			if node != nil {
				g.nodes[id] = node
			}
			g.rollbackInsert(id)
			if g.wal != nil {
				_ = g.wal.appendAbort(id)
			}
		} else if g.wal != nil {
			_ = g.wal.appendCommit(id)
		}
	}()

	level := g.drawLevel()
	node = &hnswNode{VectorID: id, Layer: level}
	ensureLayers(node, level)

	if !g.hasEntry {
		g.nodes[id] = node
		g.entryPoint = id
		g.hasEntry = true
		g.topLayer = level
		return nil
	}

	entry := g.entryPoint
	for layer := g.topLayer; layer > level; layer-- {
		next, serr := g.searchLayer1(vec, entry, layer)
		if serr != nil {
			return serr
		}
		entry = next
	}

	for layer := min(level, g.topLayer); layer >= 0; layer-- {
		cands, serr := g.searchLayer(vec, entry, g.params.EfConstruction, layer)
		if serr != nil {
			return serr
		}
		cap := g.capForLayer(layer)
		neighbours := selectNeighbours(cands, cap)
		for _, nb := range neighbours {
			addEdge(node, layer, nb)
			nbNode := g.nodes[nb]
			if nbNode == nil {
				continue
			}
			addEdge(nbNode, layer, id)
			if len(nbNode.Neighbours[layer]) > g.capForLayer(layer) {
				if err := g.trimNeighbours(nbNode, layer); err != nil {
					return err
				}
			}
		}
		if len(cands) > 0 {
			entry = cands[0].id
		}
	}

	g.nodes[id] = node
	if level > g.topLayer {
		g.topLayer = level
		g.entryPoint = id
	}
	return nil
}

func (g *hnswGraph) trimNeighbours(n *hnswNode, layer int) error {
	var cands []candidate
	selfVec, err := g.vectors(n.VectorID)
	if err != nil {
		return err
	}
	for _, nb := range n.Neighbours[layer] {
		vec, err := g.vectors(nb)
		if err != nil {
			continue
		}
		d, err := g.distance(selfVec, vec)
		if err != nil {
			continue
		}
		cands = append(cands, candidate{id: nb, dist: d})
	}
	kept := selectNeighbours(cands, g.capForLayer(layer))
	n.Neighbours[layer] = kept
	return nil
}

// rollbackInsert undoes a partially-applied insertion.
func (g *hnswGraph) rollbackInsert(id uint64) {
	node, ok := g.nodes[id]
	if !ok {
		return
	}
	for layer, nbs := range node.Neighbours {
		for _, nb := range nbs {
			if nbNode := g.nodes[nb]; nbNode != nil {
				removeEdge(nbNode, layer, id)
			}
		}
	}
	delete(g.nodes, id)
	if g.entryPoint == id {
		g.hasEntry = false
		for other := range g.nodes {
			g.entryPoint = other
			g.hasEntry = true
			break
		}
	}
}

// Search finds the k nearest neighbours of vec.
func (g *hnswGraph) Search(vec []float32, k int, efSearch int) ([]candidate, error) {
	if uint32(len(vec)) != g.params.Dimensions {
		return nil, fmt.Errorf("%w: query has %d dims, index expects %d", ErrInvalidDimensions, len(vec), g.params.Dimensions)
	}
	if k == 0 {
		return nil, fmt.Errorf("%w: k must be > 0", ErrArgument)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.hasEntry {
		return nil, nil
	}
	if efSearch < k {
		efSearch = k
	}

	entry := g.entryPoint
	for layer := g.topLayer; layer > 0; layer-- {
		next, err := g.searchLayer1(vec, entry, layer)
		if err != nil {
			return nil, err
		}
		entry = next
	}

	cands, err := g.searchLayer(vec, entry, efSearch, 0)
	if err != nil {
		return nil, err
	}
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// hnswGraphIndex adapts hnswGraph to the generic Index interface.
type hnswGraphIndex struct {
	graph *hnswGraph

	mu            sync.Mutex
	stats         IndexStats
	searchLatency []time.Duration
}

func newHNSWIndex(params hnswParams, vectors func(id uint64) ([]float32, error), wal *hnswWAL) *hnswGraphIndex {
	return &hnswGraphIndex{graph: newHNSWGraph(params, vectors, wal)}
}

func (ix *hnswGraphIndex) Add(id uint64, vec []float32) error {
	if err := ix.graph.Insert(id, vec); err != nil {
		return err
	}
	ix.mu.Lock()
	ix.stats.Total++
	ix.mu.Unlock()
	return nil
}

func (ix *hnswGraphIndex) Search(query []float32, k int, params SearchParams) ([]SearchResult, error) {
	ef := params.EfSearch
	if ef <= 0 {
		ef = ix.graph.params.EfSearch
	}
	start := time.Now()
	cands, err := ix.graph.Search(query, k, ef)
	if err != nil {
		return nil, err
	}
	ix.mu.Lock()
	ix.searchLatency = append(ix.searchLatency, time.Since(start))
	ix.mu.Unlock()

	out := make([]SearchResult, len(cands))
	for i, c := range cands {
		out[i] = SearchResult{VectorID: c.id, Distance: c.dist}
	}
	return out, nil
}

func (ix *hnswGraphIndex) Update(id uint64, vec []float32) error {
	if err := ix.Remove(id); err != nil {
		return err
	}
	return ix.Add(id, vec)
}

func (ix *hnswGraphIndex) Remove(id uint64) error {
	ix.graph.mu.Lock()
	if _, ok := ix.graph.nodes[id]; !ok {
		ix.graph.mu.Unlock()
		return fmt.Errorf("hnsw node %d: %w", id, ErrNotFound)
	}
	ix.graph.rollbackInsert(id)
	ix.graph.mu.Unlock()

	ix.mu.Lock()
	if ix.stats.Total > 0 {
		ix.stats.Total--
	}
	ix.mu.Unlock()
	return nil
}

// Optimize is a no-op offline rebuild hook; VexFS's HNSW graph does not
// accumulate tombstones beyond edge removal, so there is nothing to
// compact in this implementation.
func (ix *hnswGraphIndex) Optimize() error {
	ix.mu.Lock()
	ix.stats.LastOptimized = time.Now()
	ix.mu.Unlock()
	return nil
}

func (ix *hnswGraphIndex) Stats() IndexStats {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	s := ix.stats
	if len(ix.searchLatency) > 0 {
		var sum time.Duration
		for _, d := range ix.searchLatency {
			sum += d
		}
		s.AvgSearchMs = float64(sum.Milliseconds()) / float64(len(ix.searchLatency))
	}
	return s
}
