package metrics

import (
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/gantry-labs/strata/pkg/graph"
)

// embed produces a random-projection structural embedding per node. Each
// node starts from a sparse random vector seeded by its stable id, so the
// same entity gets the same initialization in every window and every run
// with the same seed. PropagationHops rounds of weighted neighbor averaging
// mix in local structure; the result is L2 normalized.
func embed(sub *graph.Subgraph, p Params) []Embedding {
	n := sub.Order()
	dim := p.EmbeddingDim
	if n == 0 || dim <= 0 {
		return nil
	}

	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		vectors[i] = initialVector(sub.StableID(int32(i)), p.Seed, dim)
	}

	hops := p.PropagationHops
	if hops < 0 {
		hops = 0
	}
	for hop := 0; hop < hops; hop++ {
		next := make([][]float32, n)
		weightSum := make([]float32, n)
		for i := range next {
			next[i] = make([]float32, dim)
		}
		for _, e := range sub.Edges {
			w := float32(e.Weight)
			if w == 0 {
				w = 1
			}
			for d := 0; d < dim; d++ {
				next[e.Source][d] += w * vectors[e.Target][d]
				next[e.Target][d] += w * vectors[e.Source][d]
			}
			weightSum[e.Source] += w
			weightSum[e.Target] += w
		}
		for i := 0; i < n; i++ {
			if weightSum[i] == 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				// keep half the node's own signal so hubs do not erase identity
				vectors[i][d] = 0.5*vectors[i][d] + 0.5*next[i][d]/weightSum[i]
			}
		}
	}

	out := make([]Embedding, n)
	for i := 0; i < n; i++ {
		normalize(vectors[i])
		out[i] = Embedding{
			StableID: sub.StableID(int32(i)),
			WindowID: sub.Window.ID,
			Vector:   vectors[i],
		}
	}
	return out
}

// initialVector derives a node's starting vector from its stable id and the
// run seed, giving sparse entries in {-1, 0, +1}.
func initialVector(stableID string, seed uint64, dim int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(stableID))
	src := rand.NewPCG(seed, h.Sum64())
	rng := rand.New(src)

	v := make([]float32, dim)
	for d := 0; d < dim; d++ {
		switch rng.IntN(6) {
		case 0:
			v[d] = 1
		case 1:
			v[d] = -1
		}
	}
	return v
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}
