package graph

import (
	"errors"
	"testing"
)

func testEntities() []Entity {
	return []Entity{
		{StableID: "bank-a", Name: "Bank A", Types: []EntityType{EntityBank}, ValidFrom: 0, ValidTo: OpenEnded},
		{StableID: "co-b", Name: "Company B", Types: []EntityType{EntityCompany}, ValidFrom: 0, ValidTo: OpenEnded},
		{StableID: "p-c", Name: "Person C", Types: []EntityType{EntityPerson}, ValidFrom: 0, ValidTo: OpenEnded},
		{StableID: "p-d", Name: "Person D", Types: []EntityType{EntityPerson}, ValidFrom: 50, ValidTo: 150},
	}
}

func testRelationships() []Relationship {
	return []Relationship{
		{SourceID: "p-c", TargetID: "bank-a", Type: RelOwnership, Weight: 0.6, ValidFrom: 0, ValidTo: 100},
		{SourceID: "co-b", TargetID: "bank-a", Type: RelOwnership, Weight: 0.4, ValidFrom: 100, ValidTo: OpenEnded},
		{SourceID: "p-c", TargetID: "p-d", Type: RelFamily, Weight: 1, ValidFrom: 0, ValidTo: OpenEnded, Provenance: ProvenanceImputed},
	}
}

func mustBase(t *testing.T) *BaseGraph {
	t.Helper()
	base, err := NewBaseGraph(testEntities(), testRelationships())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	return base
}

func TestNewBaseGraph_Errors(t *testing.T) {
	if _, err := NewBaseGraph(nil, nil); !errors.Is(err, ErrEmptyGraph) {
		t.Fatalf("expected ErrEmptyGraph, got %v", err)
	}

	ents := []Entity{{StableID: "a"}}
	rels := []Relationship{{SourceID: "a", TargetID: "ghost", Type: RelOwnership}}
	if _, err := NewBaseGraph(ents, rels); !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("expected ErrUnknownEndpoint, got %v", err)
	}

	dup := []Entity{{StableID: "a"}, {StableID: "a"}}
	if _, err := NewBaseGraph(dup, nil); err == nil {
		t.Fatal("expected error for duplicate stable id")
	}
}

func TestProject_TemporalFiltering(t *testing.T) {
	base := mustBase(t)

	early := Project(base, Window{ID: "w0", Start: 0, End: 100}, ProjectOptions{})
	if early.Size() != 1 {
		t.Fatalf("expected 1 edge in [0, 100), got %d", early.Size())
	}
	if _, ok := early.Index("co-b"); ok {
		t.Fatal("co-b has no active edge before 100 and must be excluded without isolates")
	}

	late := Project(base, Window{ID: "w1", Start: 100, End: 200}, ProjectOptions{})
	if late.Size() != 1 {
		t.Fatalf("expected 1 edge in [100, 200), got %d", late.Size())
	}
	if _, ok := late.Index("p-c"); ok {
		t.Fatal("p-c's ownership edge ended at 100 and the window is half-open")
	}
}

func TestProject_IsolatePolicy(t *testing.T) {
	base := mustBase(t)
	w := Window{ID: "w0", Start: 0, End: 100}

	without := Project(base, w, ProjectOptions{})
	with := Project(base, w, ProjectOptions{IncludeIsolates: true})

	if without.Order() >= with.Order() {
		t.Fatalf("expected isolates to add nodes: %d vs %d", without.Order(), with.Order())
	}
	// every entity alive in the window shows up once isolates are included
	if with.Order() != 4 {
		t.Fatalf("expected 4 nodes with isolates, got %d", with.Order())
	}
	if without.Size() != with.Size() {
		t.Fatal("isolate policy must not change the edge set")
	}
}

func TestProject_ImputedFamilyFlag(t *testing.T) {
	base := mustBase(t)
	w := Window{ID: "w0", Start: 50, End: 100}

	excluded := Project(base, w, ProjectOptions{})
	for _, e := range excluded.Edges {
		if e.Type == RelFamily {
			t.Fatal("imputed family edge present without opt-in")
		}
	}

	included := Project(base, w, ProjectOptions{IncludeImputedFamily: true})
	found := false
	for _, e := range included.Edges {
		if e.Type == RelFamily {
			found = true
		}
	}
	if !found {
		t.Fatal("expected imputed family edge with opt-in")
	}
}

func TestProject_RelTypeFilter(t *testing.T) {
	base := mustBase(t)
	w := Window{ID: "w0", Start: 0, End: 200}

	sub := Project(base, w, ProjectOptions{
		IncludeImputedFamily: true,
		RelTypes:             []RelType{RelFamily},
	})
	if sub.Size() != 1 {
		t.Fatalf("expected only the family edge, got %d edges", sub.Size())
	}
	if sub.Edges[0].Type != RelFamily {
		t.Fatalf("expected family edge, got %s", sub.Edges[0].Type)
	}
}

func TestProject_StableIdentityAcrossWindows(t *testing.T) {
	base := mustBase(t)

	a := Project(base, Window{ID: "w0", Start: 0, End: 100}, ProjectOptions{IncludeIsolates: true})
	b := Project(base, Window{ID: "w1", Start: 100, End: 200}, ProjectOptions{IncludeIsolates: true})

	// arena indices may differ between projections; stable ids must not
	for _, id := range a.StableIDs() {
		if _, ok := base.Entity(id); !ok {
			t.Fatalf("projection emitted unknown stable id %s", id)
		}
	}
	idxA, okA := a.Index("bank-a")
	idxB, okB := b.Index("bank-a")
	if !okA || !okB {
		t.Fatal("bank-a alive in both windows")
	}
	if a.StableID(idxA) != "bank-a" || b.StableID(idxB) != "bank-a" {
		t.Fatal("arena index must round-trip to the same stable id")
	}
}

func TestProject_Deterministic(t *testing.T) {
	base := mustBase(t)
	w := Window{ID: "w0", Start: 0, End: 200}
	opts := ProjectOptions{IncludeIsolates: true, IncludeImputedFamily: true}

	a := Project(base, w, opts)
	b := Project(base, w, opts)

	if a.Order() != b.Order() || a.Size() != b.Size() {
		t.Fatal("repeated projection differs in shape")
	}
	for i := range a.StableIDs() {
		if a.StableIDs()[i] != b.StableIDs()[i] {
			t.Fatal("repeated projection differs in arena order")
		}
	}
	for i := range a.Edges {
		if a.Edges[i] != b.Edges[i] {
			t.Fatal("repeated projection differs in edges")
		}
	}
}
