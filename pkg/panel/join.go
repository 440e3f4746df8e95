package panel

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gantry-labs/strata/pkg/graph"
	"github.com/gantry-labs/strata/pkg/logger"
	"github.com/gantry-labs/strata/pkg/metrics"
)

// ErrLeakage is returned when a selected source window reaches past the
// information boundary of the row it would feed. This is always a bug in
// window selection, never a data problem, so the run aborts.
var ErrLeakage = errors.New("feature source window crosses the information boundary")

// ErrEmptyJoin is returned when the join universe has no entities at all.
var ErrEmptyJoin = errors.New("nothing to join: no entities with features or observations")

// DisambiguationRule picks one source window when several satisfy a lag
// constraint. There is no default; configuration must choose.
type DisambiguationRule string

const (
	RuleMostRecent      DisambiguationRule = "most_recent"
	RuleNearestMidpoint DisambiguationRule = "nearest_midpoint"
)

// Period is one observation interval of the output panel, half-open like
// windows.
type Period struct {
	Index int
	ID    string
	Start int64
	End   int64
}

// Midpoint returns the center of the period.
func (p Period) Midpoint() int64 {
	return p.Start + (p.End-p.Start)/2
}

// PeriodsFromPlan derives the panel's period sequence from a window plan.
// Tumbling plans reuse the windows directly; overlapping plans get tumbling
// periods of the plan width so each observation interval is covered once.
func PeriodsFromPlan(plan graph.Plan) []Period {
	if !plan.Overlapping {
		periods := make([]Period, len(plan.Windows))
		for i, w := range plan.Windows {
			periods[i] = Period{Index: i, ID: w.ID, Start: w.Start, End: w.End}
		}
		return periods
	}

	var periods []Period
	for start := plan.HorizonStart; start+plan.Width <= plan.HorizonEnd; start += plan.Width {
		periods = append(periods, Period{
			Index: len(periods),
			ID:    fmt.Sprintf("p_%d_%d", start, start+plan.Width),
			Start: start,
			End:   start + plan.Width,
		})
	}
	return periods
}

// Observation is outcome data for one entity in one period, loaded from the
// store. Covariates ride along into the panel unchanged.
type Observation struct {
	StableID    string
	PeriodStart int64
	Failed      bool
	FailedAt    *int64
	Covariates  map[string]float64
}

// Row is one panel row. Features maps metric name (suffixed _lag<k> for
// lagged values) to value; a missing key becomes a null column in the
// output. SourceWindows records which window fed each lag for audit.
type Row struct {
	StableID    string
	PeriodID    string
	PeriodStart int64
	PeriodEnd   int64

	CanonicalCommunity *int64
	Features           map[string]float64
	SourceWindows      map[int]string

	Observed bool
	Failed   *bool
	FailedAt *int64
}

// Gap records one (entity, period, lag) with no admissible source window.
type Gap struct {
	StableID string
	PeriodID string
	Lag      int
	Reason   string
}

// Coverage summarizes how completely the panel was filled.
type Coverage struct {
	Entities        int
	Periods         int
	Rows            int
	MatchedCells    int
	TotalCells      int
	ObservationRate float64
	Gaps            []Gap
}

// JoinConfig controls panel assembly. Lags are in whole periods; lag 0 is
// the contemporaneous window. Rule has no default on purpose.
type JoinConfig struct {
	Lags               []int
	Rule               DisambiguationRule
	MatchWarnThreshold float64
}

func (c JoinConfig) validate() error {
	if len(c.Lags) == 0 {
		return errors.New("at least one lag offset is required")
	}
	for _, k := range c.Lags {
		if k < 0 {
			return fmt.Errorf("lag offsets must be non-negative, got %d", k)
		}
	}
	switch c.Rule {
	case RuleMostRecent, RuleNearestMidpoint:
	default:
		return fmt.Errorf("unknown disambiguation rule %q", c.Rule)
	}
	return nil
}

// Join assembles the panel: one row per (entity, period), exactly once,
// with lagged features pulled from window results under the configured
// disambiguation rule. Entities are the union of everything that ever got
// a feature and everything observed. Unmatched cells stay null and are
// recorded as gaps; rows are never dropped.
func Join(
	results []metrics.Result,
	windows []graph.Window,
	periods []Period,
	canonical map[string]int64,
	observations []Observation,
	cfg JoinConfig,
) ([]Row, Coverage, error) {
	if err := cfg.validate(); err != nil {
		return nil, Coverage{}, fmt.Errorf("invalid join config: %w", err)
	}
	if len(periods) == 0 {
		return nil, Coverage{}, errors.New("no periods to join over")
	}

	windowByID := make(map[string]graph.Window, len(windows))
	for _, w := range windows {
		windowByID[w.ID] = w
	}

	// features[windowID][stableID][metric]
	features := make(map[string]map[string]map[string]float64, len(results))
	universe := make(map[string]bool)
	for _, res := range results {
		if _, ok := windowByID[res.WindowID]; !ok {
			return nil, Coverage{}, fmt.Errorf("result references unknown window %s", res.WindowID)
		}
		byEntity := make(map[string]map[string]float64)
		for _, m := range res.Measures {
			byMetric, ok := byEntity[m.StableID]
			if !ok {
				byMetric = make(map[string]float64)
				byEntity[m.StableID] = byMetric
			}
			byMetric[m.Name] = m.Value
			universe[m.StableID] = true
		}
		features[res.WindowID] = byEntity
	}

	obsByKey := make(map[string]map[int64]Observation)
	for _, o := range observations {
		byPeriod, ok := obsByKey[o.StableID]
		if !ok {
			byPeriod = make(map[int64]Observation)
			obsByKey[o.StableID] = byPeriod
		}
		byPeriod[o.PeriodStart] = o
		universe[o.StableID] = true
	}

	if len(universe) == 0 {
		return nil, Coverage{}, ErrEmptyJoin
	}

	entities := make([]string, 0, len(universe))
	for id := range universe {
		entities = append(entities, id)
	}
	sort.Strings(entities)

	cov := Coverage{Entities: len(entities), Periods: len(periods)}
	observed := 0
	var rows []Row
	for _, period := range periods {
		for _, stableID := range entities {
			row := Row{
				StableID:      stableID,
				PeriodID:      period.ID,
				PeriodStart:   period.Start,
				PeriodEnd:     period.End,
				Features:      make(map[string]float64),
				SourceWindows: make(map[int]string),
			}
			if label, ok := canonical[stableID]; ok {
				l := label
				row.CanonicalCommunity = &l
			}

			for _, lag := range cfg.Lags {
				cov.TotalCells++
				src, reason := selectWindow(windows, periods, period.Index, lag, cfg.Rule)
				if src == nil {
					cov.Gaps = append(cov.Gaps, Gap{StableID: stableID, PeriodID: period.ID, Lag: lag, Reason: reason})
					continue
				}
				if err := assertBoundary(*src, periods, period.Index, lag); err != nil {
					return nil, Coverage{}, err
				}
				byMetric, ok := features[src.ID][stableID]
				if !ok {
					cov.Gaps = append(cov.Gaps, Gap{StableID: stableID, PeriodID: period.ID, Lag: lag, Reason: "entity absent from source window"})
					continue
				}
				row.SourceWindows[lag] = src.ID
				for name, value := range byMetric {
					row.Features[featureName(name, lag)] = value
				}
				cov.MatchedCells++
			}

			if obs, ok := obsByKey[stableID][period.Start]; ok {
				row.Observed = true
				failed := obs.Failed
				row.Failed = &failed
				row.FailedAt = obs.FailedAt
				for name, value := range obs.Covariates {
					row.Features[name] = value
				}
				observed++
			}
			rows = append(rows, row)
		}
	}

	cov.Rows = len(rows)
	if len(rows) > 0 {
		cov.ObservationRate = float64(observed) / float64(len(rows))
	}

	if cov.TotalCells > 0 {
		rate := float64(cov.MatchedCells) / float64(cov.TotalCells)
		if rate < cfg.MatchWarnThreshold {
			logger.Warn("[Panel] Low feature match rate",
				"matched", cov.MatchedCells,
				"total", cov.TotalCells,
				"rate", fmt.Sprintf("%.3f", rate),
			)
		} else {
			logger.Info("[Panel] Feature match rate",
				"matched", cov.MatchedCells,
				"total", cov.TotalCells,
				"rate", fmt.Sprintf("%.3f", rate),
			)
		}
	}

	return rows, cov, nil
}

func featureName(metric string, lag int) string {
	if lag == 0 {
		return metric
	}
	return fmt.Sprintf("%s_lag%d", metric, lag)
}

// boundaryFor returns the information boundary for a row at periodIdx and
// the given lag: the end of the period lag steps back. A lag reaching
// before the first period has no boundary.
func boundaryFor(periods []Period, periodIdx, lag int) (int64, bool) {
	src := periodIdx - lag
	if src < 0 {
		return 0, false
	}
	return periods[src].End, true
}

// selectWindow picks the source window for one (period, lag) cell. Only
// windows ending at or before the boundary are admissible; the rule
// disambiguates when overlap leaves several. Ties break on later start,
// then lexical id, so selection is total and deterministic.
func selectWindow(windows []graph.Window, periods []Period, periodIdx, lag int, rule DisambiguationRule) (*graph.Window, string) {
	boundary, ok := boundaryFor(periods, periodIdx, lag)
	if !ok {
		return nil, "lag reaches before the horizon"
	}

	var candidates []graph.Window
	for _, w := range windows {
		if w.End <= boundary {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil, "no window ends at or before the boundary"
	}

	target := periods[periodIdx-lag].Midpoint()
	best := candidates[0]
	for _, w := range candidates[1:] {
		if better(w, best, target, rule) {
			best = w
		}
	}
	return &best, ""
}

func better(w, best graph.Window, targetMidpoint int64, rule DisambiguationRule) bool {
	switch rule {
	case RuleNearestMidpoint:
		dw := absDiff(w.Midpoint(), targetMidpoint)
		db := absDiff(best.Midpoint(), targetMidpoint)
		if dw != db {
			return dw < db
		}
	default: // RuleMostRecent
		if w.End != best.End {
			return w.End > best.End
		}
	}
	if w.End != best.End {
		return w.End > best.End
	}
	if w.Start != best.Start {
		return w.Start > best.Start
	}
	return w.ID < best.ID
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// assertBoundary re-checks the selected window against the boundary before
// its features enter a row. Selection already filters on this; the second
// check exists so a future selection bug aborts the run instead of leaking
// future information into the panel.
func assertBoundary(src graph.Window, periods []Period, periodIdx, lag int) error {
	boundary, ok := boundaryFor(periods, periodIdx, lag)
	if !ok {
		return fmt.Errorf("%w: window %s selected for unreachable lag %d at period %d", ErrLeakage, src.ID, lag, periodIdx)
	}
	if src.End > boundary {
		return fmt.Errorf("%w: window %s ends at %d, boundary is %d", ErrLeakage, src.ID, src.End, boundary)
	}
	return nil
}
