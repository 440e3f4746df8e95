package graph

// ProjectOptions control which parts of the base graph a window projection
// keeps. All fields are explicit; the zero value excludes isolates and
// imputed family ties and keeps every relationship type.
type ProjectOptions struct {
	IncludeIsolates      bool
	IncludeImputedFamily bool
	RelTypes             []RelType
}

// Edge is a directed edge inside one projection, endpoints given as arena
// indices local to that projection.
type Edge struct {
	Source int32
	Target int32
	Type   RelType
	Weight float64
}

// Subgraph is the projection of the base graph onto one window. Node
// identity inside the projection is a dense arena index; the index to
// stable id table is owned by the subgraph and consulted exactly once, when
// metric results are translated back to stable ids.
type Subgraph struct {
	Window Window
	Edges  []Edge

	stableIDs []string
	index     map[string]int32
}

// Order returns the number of nodes in the projection.
func (s *Subgraph) Order() int {
	return len(s.stableIDs)
}

// Size returns the number of edges in the projection.
func (s *Subgraph) Size() int {
	return len(s.Edges)
}

// StableID translates an arena index back to the entity's stable id.
func (s *Subgraph) StableID(idx int32) string {
	return s.stableIDs[idx]
}

// Index returns the arena index for a stable id, if the entity is present
// in this projection.
func (s *Subgraph) Index(stableID string) (int32, bool) {
	idx, ok := s.index[stableID]
	return idx, ok
}

// StableIDs returns the arena-ordered stable id table.
func (s *Subgraph) StableIDs() []string {
	return s.stableIDs
}

// Project filters the base graph to the entities and relationships active
// in window w. An entity is active when its validity interval overlaps the
// window; an edge additionally requires both endpoints active, a requested
// relationship type, and registry provenance for family ties unless imputed
// ones are opted in. Without IncludeIsolates, active entities with no
// active edge are dropped. Arena indices follow base load order, so equal
// inputs always produce equal projections.
func Project(base *BaseGraph, w Window, opts ProjectOptions) *Subgraph {
	wantType := func(t RelType) bool { return true }
	if len(opts.RelTypes) > 0 {
		allowed := make(map[RelType]bool, len(opts.RelTypes))
		for _, t := range opts.RelTypes {
			allowed[t] = true
		}
		wantType = func(t RelType) bool { return allowed[t] }
	}

	entityActive := make([]bool, len(base.entities))
	for i, e := range base.entities {
		entityActive[i] = Overlaps(e.ValidFrom, e.ValidTo, w.Start, w.End)
	}

	type activeEdge struct {
		src, dst int
		rel      int
	}
	var edges []activeEdge
	touched := make([]bool, len(base.entities))
	for ri, r := range base.relationships {
		if !wantType(r.Type) {
			continue
		}
		if r.Type == RelFamily && r.Imputed() && !opts.IncludeImputedFamily {
			continue
		}
		if !Overlaps(r.ValidFrom, r.ValidTo, w.Start, w.End) {
			continue
		}
		src := base.byStableID[r.SourceID]
		dst := base.byStableID[r.TargetID]
		if !entityActive[src] || !entityActive[dst] {
			continue
		}
		edges = append(edges, activeEdge{src: src, dst: dst, rel: ri})
		touched[src] = true
		touched[dst] = true
	}

	sub := &Subgraph{
		Window: w,
		index:  make(map[string]int32),
	}
	arena := make([]int32, len(base.entities))
	for i := range arena {
		arena[i] = -1
	}
	for i, e := range base.entities {
		if !entityActive[i] {
			continue
		}
		if !opts.IncludeIsolates && !touched[i] {
			continue
		}
		arena[i] = int32(len(sub.stableIDs))
		sub.index[e.StableID] = arena[i]
		sub.stableIDs = append(sub.stableIDs, e.StableID)
	}

	sub.Edges = make([]Edge, 0, len(edges))
	for _, e := range edges {
		r := base.relationships[e.rel]
		sub.Edges = append(sub.Edges, Edge{
			Source: arena[e.src],
			Target: arena[e.dst],
			Type:   r.Type,
			Weight: r.Weight,
		})
	}

	return sub
}
