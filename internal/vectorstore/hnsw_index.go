package vectorstore

import (
	"container/heap"
	"math/rand"
	"sync"

	"github.com/threeequarter/filings-rag/internal/domain"
)

// HNSWConfig holds the construction/search parameters for the in-memory ANN
// index, unchanged from the teacher's internal/vector/hnsw_index.go.
type HNSWConfig struct {
	M              int
	EfConstruction int
	EfSearch       int
	MaxLevel       int
}

// DefaultHNSWConfig returns the teacher's tuned defaults.
func DefaultHNSWConfig() *HNSWConfig {
	return &HNSWConfig{
		M:              16,
		EfConstruction: 200,
		EfSearch:       100,
		MaxLevel:       16,
	}
}

// rowMeta is the per-node metadata the store filters KNN queries against.
// Generalized from the teacher's IsMessage/IsContext booleans (which only
// needed to distinguish Q&A-pair messages from raw chat turns) to the
// spec's owner/scope/document tuple.
type rowMeta struct {
	Owner             domain.OwnerKind
	UserScope         string
	ConversationScope string
	DocumentID        string
}

// hnswNode is one vector in the graph.
type hnswNode struct {
	ID        string
	Vector    []float32
	Level     int
	Neighbors [][]string
	Meta      rowMeta
}

// HNSWIndex is a process-local approximate-nearest-neighbor index over
// cosine distance, standing in for the "approximate-nearest-neighbor index
// (HNSW-class)" §4.9 asks the Vector Store to maintain. Adapted from the
// teacher's hand-rolled graph (no ANN library appears anywhere in the
// example pack, so the algorithm itself is kept rather than replaced).
type HNSWIndex struct {
	config     *HNSWConfig
	nodes      map[string]*hnswNode
	entryPoint string
	maxLevel   int
	mu         sync.RWMutex
	rng        *rand.Rand
}

func NewHNSWIndex(config *HNSWConfig) *HNSWIndex {
	if config == nil {
		config = DefaultHNSWConfig()
	}
	return &HNSWIndex{
		config: config,
		nodes:  make(map[string]*hnswNode),
		rng:    rand.New(rand.NewSource(42)),
	}
}

// Add inserts id/vector into the graph with the metadata used for
// query-time filtering. A no-op if id already exists (upsert replaces by
// Remove-then-Add at the caller).
func (idx *HNSWIndex) Add(id string, vector []float32, meta rowMeta) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[id]; exists {
		return
	}

	level := idx.randomLevel()
	node := &hnswNode{
		ID:        id,
		Vector:    vector,
		Level:     level,
		Neighbors: make([][]string, level+1),
		Meta:      meta,
	}
	for i := 0; i <= level; i++ {
		node.Neighbors[i] = make([]string, 0, idx.config.M)
	}
	idx.nodes[id] = node

	if idx.entryPoint == "" {
		idx.entryPoint = id
		idx.maxLevel = level
		return
	}

	idx.insert(node)

	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entryPoint = id
	}
}

// Remove deletes a node so a subsequent Add can reflect updated content.
// Neighbor lists elsewhere in the graph keep stale references until they
// are naturally pruned or skipped at search time (nodes map lookup misses
// are treated as absent).
func (idx *HNSWIndex) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.nodes, id)
	if idx.entryPoint == id {
		idx.entryPoint = ""
		idx.maxLevel = 0
		for otherID, n := range idx.nodes {
			idx.entryPoint = otherID
			idx.maxLevel = n.Level
			break
		}
	}
}

// Search returns up to k node ids ordered nearest-first (by cosine
// distance) among nodes for which filter returns true. filter == nil means
// no filtering.
func (idx *HNSWIndex) Search(query []float32, k int, filter func(rowMeta) bool) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint == "" || len(idx.nodes) == 0 {
		return nil
	}
	if _, ok := idx.nodes[idx.entryPoint]; !ok {
		return nil
	}

	ep := idx.entryPoint
	currDist := CosineDistance(query, idx.nodes[ep].Vector)

	for level := idx.maxLevel; level > 0; level-- {
		changed := true
		for changed {
			changed = false
			node, ok := idx.nodes[ep]
			if !ok {
				break
			}
			if level < len(node.Neighbors) {
				for _, neighborID := range node.Neighbors[level] {
					neighbor, ok := idx.nodes[neighborID]
					if !ok {
						continue
					}
					d := CosineDistance(query, neighbor.Vector)
					if d < currDist {
						currDist = d
						ep = neighborID
						changed = true
					}
				}
			}
		}
	}

	ef := idx.config.EfSearch
	if k > ef {
		ef = k
	}
	candidates := idx.searchLayer(query, ep, ef, 0, filter)

	result := make([]string, 0, k)
	for i := 0; i < len(candidates) && (k <= 0 || i < k); i++ {
		result = append(result, candidates[i].id)
	}
	return result
}

func (idx *HNSWIndex) insert(node *hnswNode) {
	ep := idx.entryPoint
	currDist := CosineDistance(node.Vector, idx.nodes[ep].Vector)

	for level := idx.maxLevel; level > node.Level; level-- {
		changed := true
		for changed {
			changed = false
			epNode, ok := idx.nodes[ep]
			if !ok {
				break
			}
			if level < len(epNode.Neighbors) {
				for _, neighborID := range epNode.Neighbors[level] {
					neighbor, ok := idx.nodes[neighborID]
					if !ok {
						continue
					}
					d := CosineDistance(node.Vector, neighbor.Vector)
					if d < currDist {
						currDist = d
						ep = neighborID
						changed = true
					}
				}
			}
		}
	}

	for level := node.Level; level >= 0; level-- {
		candidates := idx.searchLayer(node.Vector, ep, idx.config.EfConstruction, level, nil)

		m := idx.config.M
		if level == 0 {
			m = idx.config.M * 2
		}

		neighbors := candidates
		if len(neighbors) > m {
			neighbors = neighbors[:m]
		}

		for _, neighbor := range neighbors {
			node.Neighbors[level] = append(node.Neighbors[level], neighbor.id)

			neighborNode, ok := idx.nodes[neighbor.id]
			if !ok || level >= len(neighborNode.Neighbors) {
				continue
			}
			neighborNode.Neighbors[level] = append(neighborNode.Neighbors[level], node.ID)
			if len(neighborNode.Neighbors[level]) > m {
				idx.pruneNeighbors(neighborNode, level, m)
			}
		}

		if len(neighbors) > 0 {
			ep = neighbors[0].id
		}
	}
}

func (idx *HNSWIndex) searchLayer(query []float32, ep string, ef int, level int, filter func(rowMeta) bool) []distanceNode {
	visited := make(map[string]bool)
	candidates := &minHeap{}
	results := &maxHeap{}

	entry, ok := idx.nodes[ep]
	if !ok {
		return nil
	}
	dist := CosineDistance(query, entry.Vector)
	heap.Push(candidates, distanceNode{id: ep, distance: dist})
	if filter == nil || filter(entry.Meta) {
		heap.Push(results, distanceNode{id: ep, distance: dist})
	}
	visited[ep] = true

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(distanceNode)
		if results.Len() > 0 && current.distance > results.Top().distance && results.Len() >= ef {
			break
		}

		node, ok := idx.nodes[current.id]
		if !ok || level >= len(node.Neighbors) {
			continue
		}

		for _, neighborID := range node.Neighbors[level] {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			neighbor, ok := idx.nodes[neighborID]
			if !ok {
				continue
			}

			d := CosineDistance(query, neighbor.Vector)

			if results.Len() < ef || d < results.Top().distance {
				heap.Push(candidates, distanceNode{id: neighborID, distance: d})
				if filter == nil || filter(neighbor.Meta) {
					heap.Push(results, distanceNode{id: neighborID, distance: d})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	resultList := make([]distanceNode, 0, results.Len())
	for results.Len() > 0 {
		resultList = append(resultList, heap.Pop(results).(distanceNode))
	}
	for i, j := 0, len(resultList)-1; i < j; i, j = i+1, j-1 {
		resultList[i], resultList[j] = resultList[j], resultList[i]
	}
	return resultList
}

func (idx *HNSWIndex) pruneNeighbors(node *hnswNode, level int, m int) {
	if level >= len(node.Neighbors) || len(node.Neighbors[level]) <= m {
		return
	}

	neighbors := make([]distanceNode, 0, len(node.Neighbors[level]))
	for _, nid := range node.Neighbors[level] {
		n, ok := idx.nodes[nid]
		if !ok {
			continue
		}
		neighbors = append(neighbors, distanceNode{id: nid, distance: CosineDistance(node.Vector, n.Vector)})
	}
	sortDistanceNodes(neighbors)

	if len(neighbors) > m {
		neighbors = neighbors[:m]
	}
	ids := make([]string, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.id
	}
	node.Neighbors[level] = ids
}

func (idx *HNSWIndex) randomLevel() int {
	level := 0
	for level < idx.config.MaxLevel && idx.rng.Float64() < 0.5 {
		level++
	}
	return level
}

// Clear empties the index.
func (idx *HNSWIndex) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.nodes = make(map[string]*hnswNode)
	idx.entryPoint = ""
	idx.maxLevel = 0
}

// Size reports the number of indexed vectors.
func (idx *HNSWIndex) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

type distanceNode struct {
	id       string
	distance float32
}

type minHeap []distanceNode

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].distance < h[j].distance }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(distanceNode)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

type maxHeap []distanceNode

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].distance > h[j].distance }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(distanceNode)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}
func (h maxHeap) Top() distanceNode {
	if len(h) == 0 {
		return distanceNode{distance: 1 << 30}
	}
	return h[0]
}

func sortDistanceNodes(nodes []distanceNode) {
	for i := 0; i < len(nodes)-1; i++ {
		for j := i + 1; j < len(nodes); j++ {
			if nodes[j].distance < nodes[i].distance {
				nodes[i], nodes[j] = nodes[j], nodes[i]
			}
		}
	}
}
