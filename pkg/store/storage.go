package store

import (
	"context"
	"errors"

	"github.com/gantry-labs/strata/pkg/graph"
	"github.com/gantry-labs/strata/pkg/metrics"
	"github.com/gantry-labs/strata/pkg/panel"
)

// ErrMissingStableID is returned when the graph is loaded while any entity
// still lacks a stable id. The backfill must run before any windowed work;
// a partially identified graph would silently drop entities from the panel.
var ErrMissingStableID = errors.New("entity without stable id; run the stable id backfill first")

// Aggregate is one in-store structural measurement for one entity in one
// window. InputCount carries the number of rows the value was computed
// from, so callers can tell an empty result from a zero.
type Aggregate struct {
	StableID   string
	Value      float64
	InputCount int64
}

// GraphStore is the persistence boundary of the pipeline: the temporal
// graph and observation panel live behind it, and run annotations are
// written back through it.
type GraphStore interface {
	// CountMissingStableIDs reports how many entities still need a stable id.
	CountMissingStableIDs(ctx context.Context) (int64, error)

	// BackfillStableIDs assigns ids to entities lacking one, in chunked
	// transactions, and returns how many were assigned. Existing ids are
	// never touched.
	BackfillStableIDs(ctx context.Context, batchSize int) (int64, error)

	// LoadGraph reads the full-horizon snapshot. Entity selection is
	// independent of relationships so isolates survive the load. Empty
	// type slices mean no filtering.
	LoadGraph(ctx context.Context, entityTypes []graph.EntityType, relTypes []graph.RelType) ([]graph.Entity, []graph.Relationship, error)

	// LoadObservations reads the outcome panel rows.
	LoadObservations(ctx context.Context) ([]panel.Observation, error)

	// KinshipRatios computes, per owned entity, the fraction of its direct
	// owners in the window that have an active family tie to another
	// direct owner of the same entity.
	KinshipRatios(ctx context.Context, w graph.Window, includeImputedFamily bool) ([]Aggregate, error)

	// StateOwnershipShares computes, per owned entity, the summed active
	// ownership weight held by state bodies in the window.
	StateOwnershipShares(ctx context.Context, w graph.Window) ([]Aggregate, error)

	// SaveCanonicalCommunities upserts stabilized community labels.
	SaveCanonicalCommunities(ctx context.Context, labels map[string]int64) error

	// SaveWindowEmbeddings upserts per-window structural embeddings.
	SaveWindowEmbeddings(ctx context.Context, embeddings []metrics.Embedding) error
}
