package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyGraph is returned when the store yields no entities; a run
	// over an empty base graph is a configuration error.
	ErrEmptyGraph = errors.New("base graph has no entities")

	// ErrUnknownEndpoint is returned when a relationship references a
	// stable id that no loaded entity carries.
	ErrUnknownEndpoint = errors.New("relationship references unknown entity")
)

// BaseGraph is the immutable full-horizon snapshot loaded once per run.
// Window subgraphs are projected from it in memory without further store
// round-trips. Adjacency is precomputed per entity so projection is a
// linear scan of incident edges.
type BaseGraph struct {
	entities      []Entity
	relationships []Relationship
	byStableID    map[string]int
	incident      [][]int
}

// NewBaseGraph assembles the snapshot from loaded entities and
// relationships. Duplicate or empty stable ids and edges with unknown
// endpoints are rejected; the store is expected to have been migrated and
// backfilled before a run.
func NewBaseGraph(entities []Entity, relationships []Relationship) (*BaseGraph, error) {
	if len(entities) == 0 {
		return nil, ErrEmptyGraph
	}

	byStableID := make(map[string]int, len(entities))
	for i, e := range entities {
		if e.StableID == "" {
			return nil, fmt.Errorf("entity %q has empty stable id", e.Name)
		}
		if _, exists := byStableID[e.StableID]; exists {
			return nil, fmt.Errorf("duplicate stable id %s", e.StableID)
		}
		byStableID[e.StableID] = i
	}

	incident := make([][]int, len(entities))
	for i, r := range relationships {
		src, ok := byStableID[r.SourceID]
		if !ok {
			return nil, fmt.Errorf("%w: source %s", ErrUnknownEndpoint, r.SourceID)
		}
		dst, ok := byStableID[r.TargetID]
		if !ok {
			return nil, fmt.Errorf("%w: target %s", ErrUnknownEndpoint, r.TargetID)
		}
		incident[src] = append(incident[src], i)
		if dst != src {
			incident[dst] = append(incident[dst], i)
		}
	}

	return &BaseGraph{
		entities:      entities,
		relationships: relationships,
		byStableID:    byStableID,
		incident:      incident,
	}, nil
}

// Entity returns the entity with the given stable id.
func (b *BaseGraph) Entity(stableID string) (Entity, bool) {
	idx, ok := b.byStableID[stableID]
	if !ok {
		return Entity{}, false
	}
	return b.entities[idx], true
}

// NodeCount returns the number of entities in the snapshot.
func (b *BaseGraph) NodeCount() int {
	return len(b.entities)
}

// EdgeCount returns the number of relationships in the snapshot.
func (b *BaseGraph) EdgeCount() int {
	return len(b.relationships)
}
