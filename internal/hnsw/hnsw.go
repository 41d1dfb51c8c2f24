// Package hnsw implements an in-memory Hierarchical Navigable Small World
// index over unit-length vectors keyed by opaque string IDs.
//
// The index is NOT safe for concurrent use; the owning service serializes
// access (see internal/index).
package hnsw

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
)

const (
	// DefaultM is the maximum number of connections per node per layer.
	DefaultM = 16
	// DefaultEFConstruction is the candidate list size during insertion.
	DefaultEFConstruction = 200
	// maxLevelCap bounds the sampled level of any node.
	maxLevelCap = 16
)

// Result is a single search hit. Score is 1 - cosine distance, so higher
// is more similar.
type Result struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type node struct {
	id  string
	vec []float32
	// neighbors[level] is the adjacency set at that level.
	// len(neighbors)-1 is the node's top level.
	neighbors []map[string]struct{}
}

// Index is a single HNSW graph. Vectors must all have the same dimension,
// fixed at construction.
type Index struct {
	dim            int
	m              int
	efConstruction int
	ml             float64

	nodes    map[string]*node
	entry    string
	maxLevel int

	rng *rand.Rand
}

// New creates an empty index for vectors of the given dimension.
func New(dim int) *Index {
	return &Index{
		dim:            dim,
		m:              DefaultM,
		efConstruction: DefaultEFConstruction,
		ml:             1.0 / math.Log(float64(DefaultM)),
		nodes:          make(map[string]*node),
		rng:            rand.New(rand.NewSource(rand.Int63())),
	}
}

// Size returns the number of indexed vectors.
func (ix *Index) Size() int { return len(ix.nodes) }

// Dimensions returns the vector dimension the index was built for.
func (ix *Index) Dimensions() int { return ix.dim }

// cosineDist assumes unit vectors: 1 - dot(a, b).
func cosineDist(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return 1 - dot
}

// randomLevel samples a level from the geometric distribution used by HNSW:
// starting at 0, increment while uniform(0,1) < exp(-l*mL), capped.
func (ix *Index) randomLevel() int {
	level := 0
	for ix.rng.Float64() < math.Exp(-float64(level)*ix.ml) && level < maxLevelCap {
		level++
	}
	return level
}

// Insert adds a vector under id. Inserting an existing id replaces the
// prior entry (delete-then-insert).
func (ix *Index) Insert(id string, vec []float32) error {
	if len(vec) != ix.dim {
		return fmt.Errorf("hnsw: vector dimension %d, index expects %d", len(vec), ix.dim)
	}
	if _, ok := ix.nodes[id]; ok {
		ix.Delete(id)
	}

	level := ix.randomLevel()
	n := &node{id: id, vec: vec, neighbors: make([]map[string]struct{}, level+1)}
	for l := range n.neighbors {
		n.neighbors[l] = make(map[string]struct{})
	}

	if len(ix.nodes) == 0 {
		ix.nodes[id] = n
		ix.entry = id
		ix.maxLevel = level
		return nil
	}

	ix.nodes[id] = n

	// Greedy descent through the layers above the new node's level.
	cur := ix.entry
	for l := ix.maxLevel; l > level; l-- {
		cur = ix.greedyClosest(vec, cur, l)
	}

	// Connect on each layer the node participates in.
	top := level
	if top > ix.maxLevel {
		top = ix.maxLevel
	}
	for l := top; l >= 0; l-- {
		cands := ix.searchLayer(vec, cur, ix.efConstruction, l)
		m := ix.m
		if m > len(cands) {
			m = len(cands)
		}
		for _, c := range cands[:m] {
			ix.connect(id, c.id, l)
		}
		if len(cands) > 0 {
			cur = cands[0].id
		}
	}

	if level > ix.maxLevel {
		ix.entry = id
		ix.maxLevel = level
	}
	return nil
}

// connect adds a bidirectional edge and prunes either endpoint that now
// exceeds M connections, removing the reverse edge from evicted neighbors.
func (ix *Index) connect(a, b string, level int) {
	if a == b {
		return
	}
	na, nb := ix.nodes[a], ix.nodes[b]
	if na == nil || nb == nil || level >= len(na.neighbors) || level >= len(nb.neighbors) {
		return
	}
	na.neighbors[level][b] = struct{}{}
	nb.neighbors[level][a] = struct{}{}
	ix.pruneNode(na, level)
	ix.pruneNode(nb, level)
}

func (ix *Index) pruneNode(n *node, level int) {
	adj := n.neighbors[level]
	if len(adj) <= ix.m {
		return
	}
	type edge struct {
		id   string
		dist float64
	}
	edges := make([]edge, 0, len(adj))
	for id := range adj {
		other := ix.nodes[id]
		if other == nil {
			delete(adj, id)
			continue
		}
		edges = append(edges, edge{id, cosineDist(n.vec, other.vec)})
	}
	// Keep the M closest; drop the reverse edge from everything evicted.
	for i := 1; i < len(edges); i++ {
		for j := i; j > 0 && edges[j].dist < edges[j-1].dist; j-- {
			edges[j], edges[j-1] = edges[j-1], edges[j]
		}
	}
	for _, e := range edges[ix.m:] {
		delete(adj, e.id)
		if other := ix.nodes[e.id]; other != nil && level < len(other.neighbors) {
			delete(other.neighbors[level], n.id)
		}
	}
}

// greedyClosest repeatedly moves to the closest neighbor at the given level
// until no neighbor improves on the current node.
func (ix *Index) greedyClosest(q []float32, start string, level int) string {
	cur := start
	curNode := ix.nodes[cur]
	if curNode == nil {
		return cur
	}
	curDist := cosineDist(q, curNode.vec)
	for {
		improved := false
		if level < len(curNode.neighbors) {
			for nb := range curNode.neighbors[level] {
				other := ix.nodes[nb]
				if other == nil {
					continue
				}
				if d := cosineDist(q, other.vec); d < curDist {
					cur, curNode, curDist = nb, other, d
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

type scored struct {
	id   string
	dist float64
}

// minQueue pops the closest candidate first.
type minQueue []scored

func (q minQueue) Len() int            { return len(q) }
func (q minQueue) Less(i, j int) bool  { return q[i].dist < q[j].dist }
func (q minQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *minQueue) Push(x interface{}) { *q = append(*q, x.(scored)) }
func (q *minQueue) Pop() interface{} {
	old := *q
	n := len(old)
	v := old[n-1]
	*q = old[:n-1]
	return v
}

// maxQueue pops the furthest result first, bounding the result set at ef.
type maxQueue []scored

func (q maxQueue) Len() int            { return len(q) }
func (q maxQueue) Less(i, j int) bool  { return q[i].dist > q[j].dist }
func (q maxQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *maxQueue) Push(x interface{}) { *q = append(*q, x.(scored)) }
func (q *maxQueue) Pop() interface{} {
	old := *q
	n := len(old)
	v := old[n-1]
	*q = old[:n-1]
	return v
}

// searchLayer runs the layered beam search, returning up to ef candidates
// sorted by ascending distance.
func (ix *Index) searchLayer(q []float32, entry string, ef, level int) []scored {
	entryNode := ix.nodes[entry]
	if entryNode == nil {
		return nil
	}
	d0 := cosineDist(q, entryNode.vec)
	visited := map[string]struct{}{entry: {}}
	cand := &minQueue{{entry, d0}}
	results := &maxQueue{{entry, d0}}
	heap.Init(cand)
	heap.Init(results)

	for cand.Len() > 0 {
		c := heap.Pop(cand).(scored)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		cn := ix.nodes[c.id]
		if cn == nil || level >= len(cn.neighbors) {
			continue
		}
		for nb := range cn.neighbors[level] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}
			other := ix.nodes[nb]
			if other == nil {
				continue
			}
			d := cosineDist(q, other.vec)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(cand, scored{nb, d})
				heap.Push(results, scored{nb, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]scored, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(scored)
	}
	return out
}

// Search returns the k nearest ids to q by cosine similarity, best first.
// ef <= 0 selects the default max(k, 10).
func (ix *Index) Search(q []float32, k, ef int) ([]Result, error) {
	if len(q) != ix.dim {
		return nil, fmt.Errorf("hnsw: query dimension %d, index expects %d", len(q), ix.dim)
	}
	if len(ix.nodes) == 0 {
		return []Result{}, nil
	}
	if ef <= 0 {
		ef = k
		if ef < 10 {
			ef = 10
		}
	}

	cur := ix.entry
	for l := ix.maxLevel; l >= 1; l-- {
		cur = ix.greedyClosest(q, cur, l)
	}
	cands := ix.searchLayer(q, cur, ef, 0)
	if len(cands) > k {
		cands = cands[:k]
	}
	out := make([]Result, len(cands))
	for i, c := range cands {
		out[i] = Result{ID: c.id, Score: 1 - c.dist}
	}
	return out, nil
}

// Delete removes id from the graph. Deleting the entry point promotes an
// arbitrary survivor and takes its top adjacency level as the new max level;
// this may under-estimate the true max level and self-heals on later inserts.
func (ix *Index) Delete(id string) {
	n, ok := ix.nodes[id]
	if !ok {
		return
	}
	for level, adj := range n.neighbors {
		for nb := range adj {
			if other := ix.nodes[nb]; other != nil && level < len(other.neighbors) {
				delete(other.neighbors[level], id)
			}
		}
	}
	delete(ix.nodes, id)

	if ix.entry != id {
		return
	}
	ix.entry = ""
	ix.maxLevel = 0
	for survivor, sn := range ix.nodes {
		ix.entry = survivor
		ix.maxLevel = len(sn.neighbors) - 1
		break
	}
}

type snapshotNode struct {
	ID        string     `json:"id"`
	Vector    []float32  `json:"vector"`
	Neighbors [][]string `json:"neighbors"`
}

type snapshot struct {
	Dim      int            `json:"dim"`
	Entry    string         `json:"entry"`
	MaxLevel int            `json:"max_level"`
	Nodes    []snapshotNode `json:"nodes"`
}

// Snapshot serializes the full graph, adjacency included, for warm restarts.
func (ix *Index) Snapshot() ([]byte, error) {
	s := snapshot{Dim: ix.dim, Entry: ix.entry, MaxLevel: ix.maxLevel}
	for _, n := range ix.nodes {
		sn := snapshotNode{ID: n.id, Vector: n.vec, Neighbors: make([][]string, len(n.neighbors))}
		for l, adj := range n.neighbors {
			for nb := range adj {
				sn.Neighbors[l] = append(sn.Neighbors[l], nb)
			}
		}
		s.Nodes = append(s.Nodes, sn)
	}
	return json.Marshal(s)
}

// Restore replaces the index contents with a previously serialized graph.
func (ix *Index) Restore(data []byte) error {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("hnsw: restore: %w", err)
	}
	if s.Dim != ix.dim {
		return fmt.Errorf("hnsw: snapshot dimension %d, index expects %d", s.Dim, ix.dim)
	}
	nodes := make(map[string]*node, len(s.Nodes))
	for _, sn := range s.Nodes {
		n := &node{id: sn.ID, vec: sn.Vector, neighbors: make([]map[string]struct{}, len(sn.Neighbors))}
		for l, ids := range sn.Neighbors {
			n.neighbors[l] = make(map[string]struct{}, len(ids))
			for _, nb := range ids {
				n.neighbors[l][nb] = struct{}{}
			}
		}
		nodes[sn.ID] = n
	}
	ix.nodes = nodes
	ix.entry = s.Entry
	ix.maxLevel = s.MaxLevel
	return nil
}
