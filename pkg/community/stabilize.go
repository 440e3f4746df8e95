package community

import (
	"fmt"
	"sort"

	"github.com/gantry-labs/strata/pkg/metrics"
)

// ResidualLabel is the bucket for entities whose canonical community falls
// under the configured minimum size. Downstream consumers treat it as "no
// stable community" rather than a community of its own.
const ResidualLabel int64 = -1

// Config controls stabilization. MinCommunitySize of 0 or 1 disables the
// residual collapse.
type Config struct {
	MinCommunitySize int
}

// Distribution summarizes the canonical community sizes for run
// diagnostics. Residual counts entities collapsed into the residual bucket.
type Distribution struct {
	Communities int
	MinSize     int
	MedianSize  int
	MaxSize     int
	Residual    int
}

// Stabilize turns per-window raw community labels into one canonical label
// per entity. Only the coarsest detection level of each window is
// considered. The canonical label is the per-entity mode across windows;
// ties go to the label seen in the earliest window, then to the smallest
// label. Communities smaller than MinCommunitySize collapse into the
// residual bucket. This is the only place raw labels from different windows
// are compared; everything downstream sees canonical labels only.
func Stabilize(assignments []metrics.RawCommunityAssignment, windowOrder map[string]int, cfg Config) (map[string]int64, Distribution, error) {
	if len(assignments) == 0 {
		return map[string]int64{}, Distribution{}, nil
	}

	// the coarsest level can differ per window
	coarsest := make(map[string]int)
	for _, a := range assignments {
		if cur, ok := coarsest[a.WindowID]; !ok || a.Level > cur {
			coarsest[a.WindowID] = a.Level
		}
	}

	type vote struct {
		count    int
		earliest int
	}
	votes := make(map[string]map[int64]*vote)
	for _, a := range assignments {
		if a.Level != coarsest[a.WindowID] {
			continue
		}
		pos, ok := windowOrder[a.WindowID]
		if !ok {
			return nil, Distribution{}, fmt.Errorf("assignment references unknown window %s", a.WindowID)
		}
		byLabel, ok := votes[a.StableID]
		if !ok {
			byLabel = make(map[int64]*vote)
			votes[a.StableID] = byLabel
		}
		v, ok := byLabel[a.Label]
		if !ok {
			v = &vote{earliest: pos}
			byLabel[a.Label] = v
		}
		v.count++
		if pos < v.earliest {
			v.earliest = pos
		}
	}

	canonical := make(map[string]int64, len(votes))
	for stableID, byLabel := range votes {
		var best int64
		bestSet := false
		for label, v := range byLabel {
			if !bestSet {
				best = label
				bestSet = true
				continue
			}
			bv := byLabel[best]
			if v.count > bv.count ||
				(v.count == bv.count && v.earliest < bv.earliest) ||
				(v.count == bv.count && v.earliest == bv.earliest && label < best) {
				best = label
			}
		}
		canonical[stableID] = best
	}

	dist := collapse(canonical, cfg.MinCommunitySize)
	return canonical, dist, nil
}

// collapse reassigns members of undersized communities to the residual
// bucket in place and returns the resulting size distribution.
func collapse(canonical map[string]int64, minSize int) Distribution {
	sizes := make(map[int64]int)
	for _, label := range canonical {
		sizes[label]++
	}

	residual := 0
	if minSize > 1 {
		for stableID, label := range canonical {
			if sizes[label] < minSize {
				canonical[stableID] = ResidualLabel
				residual++
			}
		}
	}

	var kept []int
	for label, size := range sizes {
		if minSize > 1 && size < minSize {
			continue
		}
		if label == ResidualLabel {
			continue
		}
		kept = append(kept, size)
	}
	sort.Ints(kept)

	dist := Distribution{Communities: len(kept), Residual: residual}
	if len(kept) > 0 {
		dist.MinSize = kept[0]
		dist.MaxSize = kept[len(kept)-1]
		dist.MedianSize = kept[len(kept)/2]
	}
	return dist
}
