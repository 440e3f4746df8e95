package metrics

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
)

// communityHierarchy runs modularity maximization repeatedly, each pass over
// the reduced graph of the previous one, producing one label slice per
// level. Level 0 is the finest partition. Iteration stops when a pass no
// longer merges anything, merges across connected components, or MaxLevels
// is reached. A community must never span disconnected node sets: such a
// label carries no structural meaning and would collapse the stabilized
// strata downstream. Labels at every level are renumbered by the smallest
// arena index in each community so output is independent of detection order.
func communityHierarchy(g graph.Undirected, n int, p Params) ([][]int64, error) {
	if n == 0 {
		return nil, nil
	}
	maxLevels := p.MaxLevels
	if maxLevels <= 0 {
		maxLevels = 1
	}

	src := rand.NewPCG(p.Seed, p.Seed)
	comp := componentLabels(g, n)

	// prev[arenaIdx] = node id in the current graph
	prev := make([]int64, n)
	for i := range prev {
		prev[i] = int64(i)
	}

	var levels [][]int64
	var cur graph.Undirected = g
	curOrder := n

	for level := 0; level < maxLevels; level++ {
		reduced := community.Modularize(cur, p.Resolution, src)
		comms := reduced.Communities()
		if len(comms) == 0 {
			return nil, fmt.Errorf("modularization returned no communities at level %d", level)
		}

		memberOf := make(map[int64]int64, curOrder)
		for ci, nodes := range comms {
			for _, node := range nodes {
				memberOf[node.ID()] = int64(ci)
			}
		}

		labels := make([]int64, n)
		for i := range prev {
			ci, ok := memberOf[prev[i]]
			if !ok {
				return nil, fmt.Errorf("node %d missing from level %d communities", prev[i], level)
			}
			labels[i] = ci
		}
		if fusesComponents(labels, comp) {
			break
		}
		levels = append(levels, renumberBySmallestMember(labels))

		if len(comms) == curOrder {
			break
		}
		und, ok := reduced.(graph.Undirected)
		if !ok {
			return nil, fmt.Errorf("reduced graph at level %d is not undirected", level)
		}
		for i := range prev {
			prev[i] = memberOf[prev[i]]
		}
		cur = und
		curOrder = len(comms)
		if curOrder == 1 {
			break
		}
	}

	if len(levels) == 0 {
		fallback := make([]int64, n)
		for i := range fallback {
			fallback[i] = int64(comp[int64(i)])
		}
		levels = append(levels, renumberBySmallestMember(fallback))
	}
	return levels, nil
}

// fusesComponents reports whether any community label spans two connected
// components.
func fusesComponents(labels []int64, comp map[int64]float64) bool {
	seen := make(map[int64]float64, len(labels))
	for i, l := range labels {
		c := comp[int64(i)]
		if first, ok := seen[l]; ok {
			if first != c {
				return true
			}
			continue
		}
		seen[l] = c
	}
	return false
}

// renumberBySmallestMember maps raw community indices to the smallest arena
// index of any member, preserving the partition while fixing the labels.
func renumberBySmallestMember(labels []int64) []int64 {
	smallest := make(map[int64]int64)
	for i, l := range labels {
		if cur, ok := smallest[l]; !ok || int64(i) < cur {
			smallest[l] = int64(i)
		}
	}
	out := make([]int64, len(labels))
	for i, l := range labels {
		out[i] = smallest[l]
	}
	return out
}

// CoarsestLevel returns the highest level index present in the raw
// assignments, or -1 when there are none.
func CoarsestLevel(assignments []RawCommunityAssignment) int {
	coarsest := -1
	for _, a := range assignments {
		if a.Level > coarsest {
			coarsest = a.Level
		}
	}
	return coarsest
}
