package metrics

import (
	"fmt"
	"math"
	"sort"

	"github.com/gantry-labs/strata/pkg/graph"
	gograph "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/network"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Params configure the per-window metric pass. Seed drives every random
// component so equal inputs reproduce equal outputs.
type Params struct {
	Damping         float64
	Tolerance       float64
	MaxLevels       int
	Resolution      float64
	Seed            uint64
	EmbeddingDim    int
	PropagationHops int

	RunPageRank    bool
	RunBetweenness bool
	RunCloseness   bool
	RunComponents  bool
	RunCommunities bool
	RunEmbedding   bool
}

// DefaultParams mirror the production run settings.
func DefaultParams(seed uint64) Params {
	return Params{
		Damping:         0.85,
		Tolerance:       1e-6,
		MaxLevels:       10,
		Resolution:      1.0,
		Seed:            seed,
		EmbeddingDim:    64,
		PropagationHops: 2,
		RunPageRank:     true,
		RunBetweenness:  true,
		RunCloseness:    false,
		RunComponents:   true,
		RunCommunities:  true,
		RunEmbedding:    true,
	}
}

// Measure is one named per-entity metric value for one window.
type Measure struct {
	StableID string
	Name     string
	Value    float64
}

// RawCommunityAssignment is one entity's community label at one level of
// the detection hierarchy for one window. Level 0 is the finest partition;
// the highest level present is the coarsest.
type RawCommunityAssignment struct {
	StableID string
	WindowID string
	Level    int
	Label    int64
}

// Embedding is one entity's structural embedding for one window.
type Embedding struct {
	StableID string
	WindowID string
	Vector   []float32
}

// Result bundles everything the metric pass produced for one window.
// Arena indices never leave this package; all outputs are keyed by stable
// id and sorted by it.
type Result struct {
	WindowID    string
	Measures    []Measure
	Communities []RawCommunityAssignment
	Embeddings  []Embedding
}

// Compute runs the configured algorithms over one window projection. An
// empty projection yields an empty result, not an error; the caller records
// the window as evaluated with zero coverage.
func Compute(sub *graph.Subgraph, p Params) (Result, error) {
	res := Result{WindowID: sub.Window.ID}
	n := sub.Order()
	if n == 0 {
		return res, nil
	}

	undirected := buildUndirected(sub)

	appendMeasures := func(name string, values map[int64]float64) {
		for idx := int32(0); idx < int32(n); idx++ {
			v, ok := values[int64(idx)]
			if !ok {
				v = 0
			}
			res.Measures = append(res.Measures, Measure{
				StableID: sub.StableID(idx),
				Name:     name,
				Value:    v,
			})
		}
	}

	for name, values := range degrees(sub) {
		appendMeasures(name, values)
	}

	if p.RunPageRank {
		appendMeasures("page_rank", pageRank(sub, p.Damping, p.Tolerance))
	}
	if p.RunBetweenness {
		appendMeasures("betweenness", network.Betweenness(undirected))
	}
	if p.RunCloseness {
		shortest := path.DijkstraAllPaths(undirected)
		appendMeasures("closeness", network.Closeness(undirected, shortest))
	}
	if p.RunComponents {
		appendMeasures("wcc_component", componentLabels(undirected, n))
	}

	if p.RunCommunities {
		levels, err := communityHierarchy(undirected, n, p)
		if err != nil {
			return Result{}, fmt.Errorf("failed to detect communities for window %s: %w", sub.Window.ID, err)
		}
		for level, labels := range levels {
			for idx := int32(0); idx < int32(n); idx++ {
				res.Communities = append(res.Communities, RawCommunityAssignment{
					StableID: sub.StableID(idx),
					WindowID: sub.Window.ID,
					Level:    level,
					Label:    labels[idx],
				})
			}
		}
	}

	if p.RunEmbedding {
		res.Embeddings = embed(sub, p)
	}

	sortResult(&res)
	return res, nil
}

// buildUndirected lifts the projection into a gonum simple graph over arena
// indices. Parallel edges are merged by weight sum and self loops dropped,
// which the simple graph types require.
func buildUndirected(sub *graph.Subgraph) *simple.WeightedUndirectedGraph {
	undirected := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < sub.Order(); i++ {
		undirected.AddNode(simple.Node(i))
	}

	type pair struct{ s, t int32 }
	undWeight := make(map[pair]float64)
	for _, e := range sub.Edges {
		if e.Source == e.Target {
			continue
		}
		us, ut := e.Source, e.Target
		if us > ut {
			us, ut = ut, us
		}
		undWeight[pair{us, ut}] += e.Weight
	}
	for k, w := range undWeight {
		undirected.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(k.s), T: simple.Node(k.t), W: w,
		})
	}
	return undirected
}

// pageRank runs a weighted power iteration directly over the projection's
// edge list. Iteration order is pinned to the arena: summing float
// contributions in a different order changes the low bits of the result, and
// identical inputs must produce identical panel bytes.
func pageRank(sub *graph.Subgraph, damping, tol float64) map[int64]float64 {
	n := sub.Order()
	ranks := make(map[int64]float64, n)
	if n == 0 {
		return ranks
	}

	type arc struct {
		src, dst int32
		w        float64
	}
	outWeight := make([]float64, n)
	arcs := make([]arc, 0, len(sub.Edges))
	for _, e := range sub.Edges {
		if e.Source == e.Target || e.Weight <= 0 {
			continue
		}
		arcs = append(arcs, arc{src: e.Source, dst: e.Target, w: e.Weight})
		outWeight[e.Source] += e.Weight
	}

	cur := make([]float64, n)
	next := make([]float64, n)
	for i := range cur {
		cur[i] = 1 / float64(n)
	}

	const maxIter = 100
	for iter := 0; iter < maxIter; iter++ {
		var dangling float64
		for i := 0; i < n; i++ {
			if outWeight[i] == 0 {
				dangling += cur[i]
			}
		}
		base := (1 - damping + damping*dangling) / float64(n)
		for i := range next {
			next[i] = base
		}
		for _, a := range arcs {
			next[a.dst] += damping * a.w / outWeight[a.src] * cur[a.src]
		}

		var delta float64
		for i := range next {
			delta += math.Abs(next[i] - cur[i])
		}
		cur, next = next, cur
		if delta < tol {
			break
		}
	}

	for i := 0; i < n; i++ {
		ranks[int64(i)] = cur[i]
	}
	return ranks
}

func degrees(sub *graph.Subgraph) map[string]map[int64]float64 {
	in := make(map[int64]float64)
	out := make(map[int64]float64)
	weightedIn := make(map[int64]float64)
	weightedOut := make(map[int64]float64)
	for _, e := range sub.Edges {
		out[int64(e.Source)]++
		in[int64(e.Target)]++
		weightedOut[int64(e.Source)] += e.Weight
		weightedIn[int64(e.Target)] += e.Weight
	}
	total := make(map[int64]float64)
	for k, v := range in {
		total[k] += v
	}
	for k, v := range out {
		total[k] += v
	}
	return map[string]map[int64]float64{
		"in_degree":           in,
		"out_degree":          out,
		"degree":              total,
		"weighted_in_degree":  weightedIn,
		"weighted_out_degree": weightedOut,
	}
}

// componentLabels labels each weakly connected component by the smallest
// arena index it contains, which keeps labels stable across repeated runs.
func componentLabels(g gograph.Undirected, n int) map[int64]float64 {
	labels := make(map[int64]float64, n)
	for _, comp := range topo.ConnectedComponents(g) {
		min := int64(-1)
		for _, node := range comp {
			if min == -1 || node.ID() < min {
				min = node.ID()
			}
		}
		for _, node := range comp {
			labels[node.ID()] = float64(min)
		}
	}
	return labels
}

func sortResult(res *Result) {
	sort.Slice(res.Measures, func(i, j int) bool {
		if res.Measures[i].Name != res.Measures[j].Name {
			return res.Measures[i].Name < res.Measures[j].Name
		}
		return res.Measures[i].StableID < res.Measures[j].StableID
	})
	sort.Slice(res.Communities, func(i, j int) bool {
		if res.Communities[i].Level != res.Communities[j].Level {
			return res.Communities[i].Level < res.Communities[j].Level
		}
		return res.Communities[i].StableID < res.Communities[j].StableID
	})
	sort.Slice(res.Embeddings, func(i, j int) bool {
		return res.Embeddings[i].StableID < res.Embeddings[j].StableID
	})
}
