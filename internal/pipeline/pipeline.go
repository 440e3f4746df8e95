package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gantry-labs/strata/internal/config"
	"github.com/gantry-labs/strata/internal/util"
	"github.com/gantry-labs/strata/pkg/community"
	"github.com/gantry-labs/strata/pkg/graph"
	"github.com/gantry-labs/strata/pkg/logger"
	"github.com/gantry-labs/strata/pkg/metrics"
	"github.com/gantry-labs/strata/pkg/panel"
	"github.com/gantry-labs/strata/pkg/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
)

const (
	statusOK     = "ok"
	statusFailed = "failed"
)

// Uploader pushes a finished run directory to remote storage.
type Uploader interface {
	UploadDir(ctx context.Context, localDir, remotePrefix string) error
}

// Pipeline runs one windowed feature extraction end to end: load the base
// graph once, evaluate windows under a bounded worker pool, stabilize
// communities, assemble the leakage-safe panel, and write the run
// directory.
type Pipeline struct {
	cfg      config.Config
	store    store.GraphStore
	uploader Uploader
}

// New builds a pipeline. The uploader may be nil when S3 upload is off.
func New(cfg config.Config, st store.GraphStore, uploader Uploader) *Pipeline {
	return &Pipeline{cfg: cfg, store: st, uploader: uploader}
}

// Result summarizes a completed run.
type Result struct {
	RunID      string
	ParamsHash string
	OutputDir  string
	Rows       int
	Coverage   panel.Coverage
}

// Run executes the pipeline. Configuration problems, a missing stable id,
// an empty window plan, and leakage abort the run; individual window
// failures are recorded in the manifest and leave null features behind.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	runID := p.cfg.RunID
	if runID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return Result{}, fmt.Errorf("failed to generate run id: %w", err)
		}
		runID = id
	}

	paramsHash, err := util.StableHash(p.cfg.HashableParams())
	if err != nil {
		return Result{}, fmt.Errorf("failed to hash run parameters: %w", err)
	}

	plan, err := p.cfg.Plan()
	if err != nil {
		return Result{}, err
	}
	logger.Info("[Pipeline] Starting run",
		"run_id", runID,
		"params_hash", paramsHash[:12],
		"windows", len(plan.Windows),
		"overlapping", plan.Overlapping,
	)

	entities, relationships, err := util.Retry2WithContext(ctx, p.cfg.StoreRetries, p.loadGraph)
	if err != nil {
		return Result{}, err
	}
	base, err := graph.NewBaseGraph(entities, relationships)
	if err != nil {
		return Result{}, fmt.Errorf("failed to build base graph: %w", err)
	}

	outDir := filepath.Join(p.cfg.OutputDir, runID)
	col := newCollector()
	if err := p.evaluateWindows(ctx, base, plan, outDir, col); err != nil {
		return Result{}, err
	}
	if failed := col.failedWindows(); failed > 0 {
		logger.Warn("[Pipeline] Windows failed; their features stay null", "failed", failed, "total", len(plan.Windows))
	}

	windowOrder := make(map[string]int, len(plan.Windows))
	for i, w := range plan.Windows {
		windowOrder[w.ID] = i
	}
	canonical, dist, err := community.Stabilize(col.assignments, windowOrder, community.Config{
		MinCommunitySize: p.cfg.MinCommunitySize,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to stabilize communities: %w", err)
	}
	logger.Info("[Pipeline] Stabilized communities",
		"communities", dist.Communities,
		"min_size", dist.MinSize,
		"median_size", dist.MedianSize,
		"max_size", dist.MaxSize,
		"residual", dist.Residual,
	)

	observations, err := util.RetryWithContext(ctx, p.cfg.StoreRetries, p.store.LoadObservations)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load observations: %w", err)
	}

	periods := panel.PeriodsFromPlan(plan)
	rows, cov, err := panel.Join(col.results, plan.Windows, periods, canonical, observations, p.cfg.JoinConfig())
	if err != nil {
		return Result{}, err
	}

	manifest := p.buildManifest(runID, paramsHash, plan, col, dist)
	if err := panel.WriteRun(outDir, rows, paramsHash, manifest, cov); err != nil {
		return Result{}, err
	}

	if p.cfg.WriteBack {
		if err := p.writeBack(ctx, canonical, plan, col); err != nil {
			return Result{}, err
		}
	}

	if p.cfg.UploadS3 && p.uploader != nil {
		if err := p.uploader.UploadDir(ctx, outDir, fmt.Sprintf("runs/%s", runID)); err != nil {
			return Result{}, fmt.Errorf("failed to upload run artifacts: %w", err)
		}
	}

	logger.Info("[Pipeline] Run complete", "run_id", runID, "rows", len(rows), "output", outDir)
	return Result{
		RunID:      runID,
		ParamsHash: paramsHash,
		OutputDir:  outDir,
		Rows:       len(rows),
		Coverage:   cov,
	}, nil
}

func (p *Pipeline) loadGraph(ctx context.Context) ([]graph.Entity, []graph.Relationship, error) {
	return p.store.LoadGraph(ctx, p.cfg.GraphEntityTypes(), p.cfg.GraphRelTypes())
}

func (p *Pipeline) metricParams() metrics.Params {
	m := p.cfg.Metrics
	return metrics.Params{
		Damping:         m.Damping,
		Tolerance:       m.Tolerance,
		MaxLevels:       m.MaxLevels,
		Resolution:      m.Resolution,
		Seed:            p.cfg.Seed,
		EmbeddingDim:    m.EmbeddingDim,
		PropagationHops: m.PropagationHops,
		RunPageRank:     m.PageRank,
		RunBetweenness:  m.Betweenness,
		RunCloseness:    m.Closeness,
		RunComponents:   m.Components,
		RunCommunities:  m.Communities,
		RunEmbedding:    m.Embedding,
	}
}

// evaluateWindows runs the per-window work under a bounded pool. The base
// graph is shared read-only; each projection is owned by its worker and
// dropped after the metric pass. Worker failures become manifest entries,
// not run failures; only context cancellation propagates.
func (p *Pipeline) evaluateWindows(ctx context.Context, base *graph.BaseGraph, plan graph.Plan, outDir string, col *collector) error {
	opts := graph.ProjectOptions{
		IncludeIsolates:      *p.cfg.IncludeIsolates,
		IncludeImputedFamily: *p.cfg.IncludeImputedFamily,
		RelTypes:             p.cfg.GraphRelTypes(),
	}
	params := p.metricParams()

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.Concurrency)
	for _, w := range plan.Windows {
		w := w
		group.Go(func() error {
			wctx := gctx
			if p.cfg.WindowTimeout > 0 {
				var cancel context.CancelFunc
				wctx, cancel = context.WithTimeout(gctx, p.cfg.WindowTimeout)
				defer cancel()
			}

			started := time.Now()
			report, err := p.evaluateWindow(wctx, base, w, opts, params, outDir)
			report.DurationMs = time.Since(started).Milliseconds()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Error("[Pipeline] Window failed", "window", w.ID, "error", err)
				report.Status = statusFailed
				report.Error = err.Error()
				col.fail(report.WindowReport)
				return nil
			}
			col.add(report.result, report.WindowReport)
			return nil
		})
	}
	return group.Wait()
}

type windowOutcome struct {
	panel.WindowReport
	result metrics.Result
}

func (p *Pipeline) evaluateWindow(
	ctx context.Context,
	base *graph.BaseGraph,
	w graph.Window,
	opts graph.ProjectOptions,
	params metrics.Params,
	outDir string,
) (windowOutcome, error) {
	outcome := windowOutcome{
		WindowReport: panel.WindowReport{WindowID: w.ID, Start: w.Start, End: w.End, Status: statusOK},
	}

	sub := graph.Project(base, w, opts)
	outcome.Nodes = sub.Order()
	outcome.Edges = sub.Size()
	logger.Debug("[Pipeline] Projected window", "window", w.ID, "nodes", sub.Order(), "edges", sub.Size())

	res, err := metrics.Compute(sub, params)
	if err != nil {
		return outcome, err
	}

	if err := p.applyAggregates(ctx, sub, w, &res); err != nil {
		return outcome, err
	}

	if p.cfg.ExportEdges {
		edges := make([]panel.EdgeRow, len(sub.Edges))
		for i, e := range sub.Edges {
			edges[i] = panel.EdgeRow{
				WindowID: w.ID,
				SourceID: sub.StableID(e.Source),
				TargetID: sub.StableID(e.Target),
				RelType:  string(e.Type),
				Weight:   e.Weight,
			}
		}
		if err := panel.WriteEdges(outDir, w.ID, edges); err != nil {
			return outcome, err
		}
	}

	outcome.result = res
	return outcome, nil
}

// applyAggregates merges the in-store structural measures into the window
// result. Only entities present in the projection are kept, and applying
// zero of a non-empty aggregate batch to a non-empty projection is loud:
// that shape of silent mismatch is exactly how features quietly go missing.
func (p *Pipeline) applyAggregates(ctx context.Context, sub *graph.Subgraph, w graph.Window, res *metrics.Result) error {
	kind := []struct {
		name string
		load func(context.Context) ([]store.Aggregate, error)
	}{
		{"kinship_ratio", func(ctx context.Context) ([]store.Aggregate, error) {
			return p.store.KinshipRatios(ctx, w, *p.cfg.IncludeImputedFamily)
		}},
		{"state_ownership_share", func(ctx context.Context) ([]store.Aggregate, error) {
			return p.store.StateOwnershipShares(ctx, w)
		}},
	}

	for _, k := range kind {
		aggregates, err := util.RetryWithContext(ctx, p.cfg.StoreRetries, k.load)
		if err != nil {
			return fmt.Errorf("failed to load %s for window %s: %w", k.name, w.ID, err)
		}
		matched := 0
		for _, a := range aggregates {
			if _, ok := sub.Index(a.StableID); !ok {
				continue
			}
			// the input count rides along so small-sample values can be
			// discounted downstream
			res.Measures = append(res.Measures,
				metrics.Measure{StableID: a.StableID, Name: k.name, Value: a.Value},
				metrics.Measure{StableID: a.StableID, Name: k.name + "_inputs", Value: float64(a.InputCount)},
			)
			matched++
		}
		if len(aggregates) > 0 && sub.Order() > 0 && matched == 0 {
			logger.Warn("[Pipeline] Aggregate matched no projected entities",
				"window", w.ID,
				"aggregate", k.name,
				"rows", len(aggregates),
				"projected", sub.Order(),
			)
		} else {
			logger.Debug("[Pipeline] Applied aggregate",
				"window", w.ID,
				"aggregate", k.name,
				"matched", matched,
				"rows", len(aggregates),
			)
		}
	}
	return nil
}

func (p *Pipeline) buildManifest(runID, paramsHash string, plan graph.Plan, col *collector, dist community.Distribution) panel.Manifest {
	reports := make([]panel.WindowReport, 0, len(plan.Windows))
	for _, w := range plan.Windows {
		if r, ok := col.reports[w.ID]; ok {
			reports = append(reports, r)
		}
	}
	return panel.Manifest{
		RunID:      runID,
		ParamsHash: paramsHash,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Config:     p.cfg.HashableParams(),
		Windows:    reports,
		Diagnostics: map[string]any{
			"community_distribution": dist,
		},
	}
}

// writeBack persists canonical community labels and the final window's
// embeddings so other consumers can read them next to the graph.
func (p *Pipeline) writeBack(ctx context.Context, canonical map[string]int64, plan graph.Plan, col *collector) error {
	if err := util.RetryErrWithContext(ctx, p.cfg.StoreRetries, func(ctx context.Context) error {
		return p.store.SaveCanonicalCommunities(ctx, canonical)
	}); err != nil {
		return fmt.Errorf("failed to write back community labels: %w", err)
	}

	for i := len(plan.Windows) - 1; i >= 0; i-- {
		embeddings, ok := col.embeddings[plan.Windows[i].ID]
		if !ok {
			continue
		}
		if err := util.RetryErrWithContext(ctx, p.cfg.StoreRetries, func(ctx context.Context) error {
			return p.store.SaveWindowEmbeddings(ctx, embeddings)
		}); err != nil {
			return fmt.Errorf("failed to write back embeddings: %w", err)
		}
		return nil
	}
	return nil
}
