package panel

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/parquet-go/parquet-go"
)

func featureOf(t *testing.T, row parquetRow, name string) float64 {
	t.Helper()
	for _, f := range row.Features {
		if f.Name == name {
			return f.Value
		}
	}
	t.Fatalf("feature %s not found on %s", name, row.StableID)
	return 0
}

func sourceWindowOf(t *testing.T, row parquetRow, lag int32) string {
	t.Helper()
	for _, s := range row.SourceWindows {
		if s.Lag == lag {
			return s.WindowID
		}
	}
	t.Fatalf("source window for lag %d not found on %s", lag, row.StableID)
	return ""
}

func TestWriteRun_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	label := int64(3)
	failed := true
	rows := []Row{
		{
			StableID:           "bank-a",
			PeriodID:           "2019Q2",
			PeriodStart:        100,
			PeriodEnd:          200,
			CanonicalCommunity: &label,
			Features:           map[string]float64{"page_rank_lag1": 0.25},
			SourceWindows:      map[int]string{1: "2019Q1"},
			Observed:           true,
			Failed:             &failed,
		},
		{
			StableID:      "bank-b",
			PeriodID:      "2019Q2",
			PeriodStart:   100,
			PeriodEnd:     200,
			Features:      map[string]float64{},
			SourceWindows: map[int]string{},
		},
		{
			StableID:      "bank-a",
			PeriodID:      "2019Q3",
			PeriodStart:   200,
			PeriodEnd:     300,
			Features:      map[string]float64{"page_rank_lag1": 0.5},
			SourceWindows: map[int]string{1: "2019Q2"},
		},
	}
	manifest := Manifest{
		RunID:      "run-test",
		ParamsHash: "abc123",
		CreatedAt:  "2026-08-29T00:00:00Z",
		Windows: []WindowReport{
			{WindowID: "2019Q1", Start: 0, End: 100, Nodes: 2, Edges: 1, Status: "ok"},
		},
	}
	cov := Coverage{Entities: 2, Periods: 2, Rows: 3, MatchedCells: 2, TotalCells: 4}

	if err := WriteRun(dir, rows, "abc123", manifest, cov); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	part := filepath.Join(dir, "panel", "period=100", "part-00000.parquet")
	got, err := parquet.ReadFile[parquetRow](part)
	if err != nil {
		t.Fatalf("failed to read partition back: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows in period=100, got %d", len(got))
	}
	// partition rows are sorted by stable id
	if got[0].StableID != "bank-a" || got[1].StableID != "bank-b" {
		t.Fatalf("unexpected row order: %s, %s", got[0].StableID, got[1].StableID)
	}
	a := got[0]
	if a.ParamsHash != "abc123" {
		t.Fatalf("expected params hash stamped on rows, got %s", a.ParamsHash)
	}
	if a.CanonicalCommunity == nil || *a.CanonicalCommunity != 3 {
		t.Fatal("expected canonical community 3")
	}
	if got := featureOf(t, a, "page_rank_lag1"); got != 0.25 {
		t.Fatalf("expected feature 0.25, got %f", got)
	}
	if got := sourceWindowOf(t, a, 1); got != "2019Q1" {
		t.Fatalf("expected source window 2019Q1, got %s", got)
	}
	b := got[1]
	if b.CanonicalCommunity != nil || b.Failed != nil {
		t.Fatal("expected null optional columns on bank-b")
	}

	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal manifest: %v", err)
	}
	if m.RunID != "run-test" || m.ParamsHash != "abc123" {
		t.Fatalf("manifest round trip mismatch: %+v", m)
	}
	if len(m.Windows) != 1 || m.Windows[0].WindowID != "2019Q1" {
		t.Fatal("expected window report in manifest")
	}

	var c coverageDoc
	data, err = os.ReadFile(filepath.Join(dir, "coverage.yaml"))
	if err != nil {
		t.Fatalf("failed to read coverage: %v", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		t.Fatalf("failed to unmarshal coverage: %v", err)
	}
	if c.Rows != 3 || c.MatchedCells != 2 {
		t.Fatalf("coverage round trip mismatch: %+v", c)
	}
}

func TestWriteRun_IdenticalRowsIdenticalBytes(t *testing.T) {
	makeRows := func() []Row {
		return []Row{
			{
				StableID:    "bank-a",
				PeriodID:    "2019Q2",
				PeriodStart: 100,
				PeriodEnd:   200,
				Features: map[string]float64{
					"page_rank_lag1":       0.25,
					"betweenness_lag1":     1.5,
					"kinship_ratio_lag1":   0.5,
					"degree_lag1":          3,
					"in_degree_lag1":       2,
					"weighted_in_lag1":     0.8,
					"state_ownership_lag1": 0.3,
				},
				SourceWindows: map[int]string{0: "2019Q2", 1: "2019Q1"},
			},
			{
				StableID:      "bank-b",
				PeriodID:      "2019Q2",
				PeriodStart:   100,
				PeriodEnd:     200,
				Features:      map[string]float64{"page_rank_lag1": 0.75},
				SourceWindows: map[int]string{1: "2019Q1"},
			},
		}
	}
	manifest := Manifest{RunID: "run-test", ParamsHash: "abc123"}

	dirA := t.TempDir()
	dirB := t.TempDir()
	if err := WriteRun(dirA, makeRows(), "abc123", manifest, Coverage{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := WriteRun(dirB, makeRows(), "abc123", manifest, Coverage{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	rel := filepath.Join("panel", "period=100", "part-00000.parquet")
	a, err := os.ReadFile(filepath.Join(dirA, rel))
	if err != nil {
		t.Fatalf("failed to read first partition: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dirB, rel))
	if err != nil {
		t.Fatalf("failed to read second partition: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("identical rows produced different partition bytes: %d vs %d", len(a), len(b))
	}
}

func TestWriteEdges(t *testing.T) {
	dir := t.TempDir()
	edges := []EdgeRow{
		{WindowID: "2019Q1", SourceID: "p-c", TargetID: "bank-a", RelType: "ownership", Weight: 0.6},
	}
	if err := WriteEdges(dir, "2019Q1", edges); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	got, err := parquet.ReadFile[EdgeRow](filepath.Join(dir, "edges", "2019Q1.parquet"))
	if err != nil {
		t.Fatalf("failed to read edges back: %v", err)
	}
	if len(got) != 1 || got[0].SourceID != "p-c" || got[0].Weight != 0.6 {
		t.Fatalf("edge round trip mismatch: %+v", got)
	}
}
