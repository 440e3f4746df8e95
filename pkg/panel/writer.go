package panel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gantry-labs/strata/pkg/logger"
	"github.com/goccy/go-yaml"
	"github.com/parquet-go/parquet-go"
)

// WindowReport is the manifest entry for one evaluated window.
type WindowReport struct {
	WindowID   string `yaml:"window_id"`
	Start      int64  `yaml:"start"`
	End        int64  `yaml:"end"`
	Nodes      int    `yaml:"nodes"`
	Edges      int    `yaml:"edges"`
	Status     string `yaml:"status"`
	Error      string `yaml:"error,omitempty"`
	DurationMs int64  `yaml:"duration_ms"`
}

// Manifest describes one completed run: the configuration it ran under,
// the hash that makes runs comparable, and what every window produced.
type Manifest struct {
	RunID       string         `yaml:"run_id"`
	ParamsHash  string         `yaml:"params_hash"`
	CreatedAt   string         `yaml:"created_at"`
	Config      any            `yaml:"config"`
	Windows     []WindowReport `yaml:"windows"`
	Diagnostics map[string]any `yaml:"diagnostics,omitempty"`
}

// coverageDoc is the serialized form of Coverage; gaps get their own
// section so a truncated scan of the file still shows the headline numbers.
type coverageDoc struct {
	Entities        int     `yaml:"entities"`
	Periods         int     `yaml:"periods"`
	Rows            int     `yaml:"rows"`
	MatchedCells    int     `yaml:"matched_cells"`
	TotalCells      int     `yaml:"total_cells"`
	ObservationRate float64 `yaml:"observation_rate"`
	Gaps            []Gap   `yaml:"gaps,omitempty"`
}

// featureEntry is one present feature on a panel row. Features serialize as
// a list of entries in sorted name order rather than a map: map iteration
// order would leak into the file and identical rows must produce identical
// bytes. A name absent from the list is a null feature for that row.
type featureEntry struct {
	Name  string  `parquet:"name,dict"`
	Value float64 `parquet:"value"`
}

// sourceWindowEntry records which window fed one lag, in ascending lag order.
type sourceWindowEntry struct {
	Lag      int32  `parquet:"lag"`
	WindowID string `parquet:"window_id,dict"`
}

// parquetRow is the on-disk panel schema. Pointer fields become optional
// columns.
type parquetRow struct {
	StableID           string              `parquet:"stable_id,dict"`
	PeriodID           string              `parquet:"period_id,dict"`
	PeriodStart        int64               `parquet:"period_start"`
	PeriodEnd          int64               `parquet:"period_end"`
	ParamsHash         string              `parquet:"params_hash,dict"`
	CanonicalCommunity *int64              `parquet:"canonical_community,optional"`
	Observed           bool                `parquet:"observed"`
	Failed             *bool               `parquet:"failed,optional"`
	FailedAt           *int64              `parquet:"failed_at,optional"`
	Features           []featureEntry      `parquet:"features,list"`
	SourceWindows      []sourceWindowEntry `parquet:"source_windows,list"`
}

// EdgeRow is the optional per-window edge export schema, keyed by stable
// ids so exported edge lists join against the panel.
type EdgeRow struct {
	WindowID string  `parquet:"window_id,dict"`
	SourceID string  `parquet:"source_id,dict"`
	TargetID string  `parquet:"target_id,dict"`
	RelType  string  `parquet:"rel_type,dict"`
	Weight   float64 `parquet:"weight"`
}

// WriteRun writes the full run directory: the panel partitioned by period
// under panel/, manifest.yaml, and coverage.yaml. Nothing is written for a
// failed run; the pipeline only calls this after every window settled.
func WriteRun(dir string, rows []Row, paramsHash string, manifest Manifest, cov Coverage) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	byPeriod := make(map[int64][]Row)
	for _, r := range rows {
		byPeriod[r.PeriodStart] = append(byPeriod[r.PeriodStart], r)
	}
	starts := make([]int64, 0, len(byPeriod))
	for start := range byPeriod {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for _, start := range starts {
		partition := filepath.Join(dir, "panel", fmt.Sprintf("period=%d", start))
		if err := writePartition(partition, byPeriod[start], paramsHash); err != nil {
			return err
		}
	}
	logger.Info("[Panel] Wrote panel partitions", "periods", len(starts), "rows", len(rows))

	if err := writeYAML(filepath.Join(dir, "manifest.yaml"), manifest); err != nil {
		return err
	}
	doc := coverageDoc{
		Entities:        cov.Entities,
		Periods:         cov.Periods,
		Rows:            cov.Rows,
		MatchedCells:    cov.MatchedCells,
		TotalCells:      cov.TotalCells,
		ObservationRate: cov.ObservationRate,
		Gaps:            cov.Gaps,
	}
	return writeYAML(filepath.Join(dir, "coverage.yaml"), doc)
}

func writePartition(dir string, rows []Row, paramsHash string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create partition directory: %w", err)
	}
	path := filepath.Join(dir, "part-00000.parquet")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create partition file: %w", err)
	}
	defer f.Close()

	sort.Slice(rows, func(i, j int) bool { return rows[i].StableID < rows[j].StableID })

	writer := parquet.NewGenericWriter[parquetRow](f)
	out := make([]parquetRow, len(rows))
	for i, r := range rows {
		out[i] = parquetRow{
			StableID:           r.StableID,
			PeriodID:           r.PeriodID,
			PeriodStart:        r.PeriodStart,
			PeriodEnd:          r.PeriodEnd,
			ParamsHash:         paramsHash,
			CanonicalCommunity: r.CanonicalCommunity,
			Observed:           r.Observed,
			Failed:             r.Failed,
			FailedAt:           r.FailedAt,
			Features:           sortedFeatures(r.Features),
			SourceWindows:      sortedSourceWindows(r.SourceWindows),
		}
	}
	if _, err := writer.Write(out); err != nil {
		return fmt.Errorf("failed to write panel rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize partition %s: %w", path, err)
	}
	return nil
}

func sortedFeatures(features map[string]float64) []featureEntry {
	if len(features) == 0 {
		return nil
	}
	out := make([]featureEntry, 0, len(features))
	for name, value := range features {
		out = append(out, featureEntry{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedSourceWindows(sources map[int]string) []sourceWindowEntry {
	if len(sources) == 0 {
		return nil
	}
	out := make([]sourceWindowEntry, 0, len(sources))
	for lag, windowID := range sources {
		out = append(out, sourceWindowEntry{Lag: int32(lag), WindowID: windowID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lag < out[j].Lag })
	return out
}

// WriteEdges writes one window's active edge list under edges/ in the run
// directory.
func WriteEdges(dir string, windowID string, edges []EdgeRow) error {
	edgeDir := filepath.Join(dir, "edges")
	if err := os.MkdirAll(edgeDir, 0o755); err != nil {
		return fmt.Errorf("failed to create edges directory: %w", err)
	}
	path := filepath.Join(edgeDir, fmt.Sprintf("%s.parquet", windowID))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create edge export file: %w", err)
	}
	defer f.Close()

	writer := parquet.NewGenericWriter[EdgeRow](f)
	if len(edges) > 0 {
		if _, err := writer.Write(edges); err != nil {
			return fmt.Errorf("failed to write edge rows for window %s: %w", windowID, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize edge export %s: %w", path, err)
	}
	return nil
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
