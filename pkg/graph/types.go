package graph

import "math"

// EntityType classifies a node in the ownership graph. An entity can carry
// more than one type, e.g. a bank that is also a state body.
type EntityType string

const (
	EntityBank      EntityType = "bank"
	EntityCompany   EntityType = "company"
	EntityPerson    EntityType = "person"
	EntityStateBody EntityType = "state_body"
)

// RelType classifies an edge in the ownership graph.
type RelType string

const (
	RelOwnership  RelType = "ownership"
	RelManagement RelType = "management"
	RelFamily     RelType = "family"
	RelSimilarity RelType = "similarity"
)

// Provenance values for family relationships. Imputed ties were inferred
// rather than taken from a registry and are excluded unless a run opts in.
const (
	ProvenanceRegistry = "registry"
	ProvenanceImputed  = "imputed"
)

// OpenEnded marks a validity interval with no known end.
const OpenEnded int64 = math.MaxInt64

// Entity is a node in the base graph. StableID is the run-independent
// identifier every downstream artifact is keyed by; ValidFrom/ValidTo bound
// the entity's existence in epoch milliseconds, half-open.
type Entity struct {
	StableID  string
	Name      string
	Types     []EntityType
	ValidFrom int64
	ValidTo   int64
}

// HasType reports whether the entity carries the given type.
func (e Entity) HasType(t EntityType) bool {
	for _, et := range e.Types {
		if et == t {
			return true
		}
	}
	return false
}

// Relationship is a directed edge between two entities, valid over a
// half-open interval in epoch milliseconds. Weight is the ownership share or
// tie strength; Provenance is only meaningful for family edges.
type Relationship struct {
	SourceID   string
	TargetID   string
	Type       RelType
	Weight     float64
	ValidFrom  int64
	ValidTo    int64
	Role       string
	Provenance string
}

// Imputed reports whether the relationship was inferred rather than recorded.
func (r Relationship) Imputed() bool {
	return r.Provenance == ProvenanceImputed
}

// Overlaps reports whether the validity interval [from, to) intersects the
// half-open window [start, end).
func Overlaps(from, to, start, end int64) bool {
	return from < end && to > start
}
