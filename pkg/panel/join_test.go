package panel

import (
	"errors"
	"testing"

	"github.com/gantry-labs/strata/pkg/graph"
	"github.com/gantry-labs/strata/pkg/metrics"
)

func quarterlyFixture(t *testing.T) ([]graph.Window, []Period, []metrics.Result) {
	t.Helper()
	plan, err := graph.QuarterWindows(2019, 2019)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	periods := PeriodsFromPlan(plan)

	var results []metrics.Result
	for i, w := range plan.Windows {
		results = append(results, metrics.Result{
			WindowID: w.ID,
			Measures: []metrics.Measure{
				{StableID: "bank-a", Name: "page_rank", Value: float64(i + 1)},
				{StableID: "bank-b", Name: "page_rank", Value: float64(i+1) * 10},
			},
		})
	}
	return plan.Windows, periods, results
}

func findRow(t *testing.T, rows []Row, stableID, periodID string) Row {
	t.Helper()
	for _, r := range rows {
		if r.StableID == stableID && r.PeriodID == periodID {
			return r
		}
	}
	t.Fatalf("row (%s, %s) not found", stableID, periodID)
	return Row{}
}

func TestJoin_QuarterlyLagExample(t *testing.T) {
	windows, periods, results := quarterlyFixture(t)

	rows, cov, err := Join(results, windows, periods, nil, nil, JoinConfig{
		Lags: []int{1},
		Rule: RuleMostRecent,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	// two entities x four quarters, each exactly once
	if len(rows) != 8 {
		t.Fatalf("expected 8 rows, got %d", len(rows))
	}
	seen := make(map[string]int)
	for _, r := range rows {
		seen[r.StableID+"/"+r.PeriodID]++
	}
	for key, count := range seen {
		if count != 1 {
			t.Fatalf("row %s appears %d times", key, count)
		}
	}

	// Q2's lag-1 features come from the Q1 window
	q2 := findRow(t, rows, "bank-a", "2019Q2")
	if q2.SourceWindows[1] != "2019Q1" {
		t.Fatalf("expected source window 2019Q1 for Q2 lag 1, got %s", q2.SourceWindows[1])
	}
	if got := q2.Features["page_rank_lag1"]; got != 1 {
		t.Fatalf("expected Q1 page_rank value 1, got %f", got)
	}

	// Q1 has no lag-1 source and stays null
	q1 := findRow(t, rows, "bank-a", "2019Q1")
	if _, ok := q1.Features["page_rank_lag1"]; ok {
		t.Fatal("expected null lag-1 feature in the first period")
	}
	if len(cov.Gaps) == 0 {
		t.Fatal("expected coverage gaps for the first period")
	}
	for _, g := range cov.Gaps {
		if g.PeriodID != "2019Q1" {
			t.Fatalf("unexpected gap outside the first period: %+v", g)
		}
	}
	if cov.MatchedCells != 6 {
		t.Fatalf("expected 6 matched cells (2 entities x 3 laggable periods), got %d", cov.MatchedCells)
	}
}

func TestJoin_ContemporaneousLag(t *testing.T) {
	windows, periods, results := quarterlyFixture(t)

	rows, _, err := Join(results, windows, periods, nil, nil, JoinConfig{
		Lags: []int{0},
		Rule: RuleMostRecent,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	q3 := findRow(t, rows, "bank-b", "2019Q3")
	if q3.SourceWindows[0] != "2019Q3" {
		t.Fatalf("expected contemporaneous window 2019Q3, got %s", q3.SourceWindows[0])
	}
	if got := q3.Features["page_rank"]; got != 30 {
		t.Fatalf("expected unlagged feature name and value 30, got %f", got)
	}
}

func TestJoin_OverlappingWindowsSingleSource(t *testing.T) {
	// two overlapping windows end before the period boundary; the rule
	// must pick exactly one
	windows := []graph.Window{
		{ID: "w_0_100", Start: 0, End: 100},
		{ID: "w_50_150", Start: 50, End: 150},
	}
	periods := []Period{
		{Index: 0, ID: "p0", Start: 100, End: 200},
		{Index: 1, ID: "p1", Start: 200, End: 300},
	}
	results := []metrics.Result{
		{WindowID: "w_0_100", Measures: []metrics.Measure{{StableID: "a", Name: "degree", Value: 1}}},
		{WindowID: "w_50_150", Measures: []metrics.Measure{{StableID: "a", Name: "degree", Value: 2}}},
	}

	rows, _, err := Join(results, windows, periods, nil, nil, JoinConfig{
		Lags: []int{1},
		Rule: RuleMostRecent,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	p1 := findRow(t, rows, "a", "p1")
	if p1.SourceWindows[1] != "w_50_150" {
		t.Fatalf("most_recent must pick the later window, got %s", p1.SourceWindows[1])
	}
	if p1.Features["degree_lag1"] != 2 {
		t.Fatalf("expected value from the later window, got %f", p1.Features["degree_lag1"])
	}

	rows, _, err = Join(results, windows, periods, nil, nil, JoinConfig{
		Lags: []int{1},
		Rule: RuleNearestMidpoint,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	// period p0 midpoint 150: w_50_150 midpoint 100 is nearer than w_0_100's 50
	p1 = findRow(t, rows, "a", "p1")
	if p1.SourceWindows[1] != "w_50_150" {
		t.Fatalf("nearest_midpoint must pick w_50_150, got %s", p1.SourceWindows[1])
	}
}

func TestJoin_LeakageAssertion(t *testing.T) {
	periods := []Period{
		{Index: 0, ID: "p0", Start: 0, End: 100},
		{Index: 1, ID: "p1", Start: 100, End: 200},
	}
	// a window that claims eligibility but ends past the lag-1 boundary
	leaky := graph.Window{ID: "w_bad", Start: 0, End: 150}
	err := assertBoundary(leaky, periods, 1, 1)
	if !errors.Is(err, ErrLeakage) {
		t.Fatalf("expected ErrLeakage, got %v", err)
	}

	ok := graph.Window{ID: "w_ok", Start: 0, End: 100}
	if err := assertBoundary(ok, periods, 1, 1); err != nil {
		t.Fatalf("expected nil error for admissible window, got %v", err)
	}
}

func TestJoin_ObservationsMergedAndRetained(t *testing.T) {
	windows, periods, results := quarterlyFixture(t)
	failedAt := periods[2].Start + 10
	observations := []Observation{
		{StableID: "bank-a", PeriodStart: periods[2].Start, Failed: true, FailedAt: &failedAt, Covariates: map[string]float64{"total_assets": 5.5}},
		// observation-only entity: retained with null features
		{StableID: "bank-z", PeriodStart: periods[0].Start, Failed: false},
	}

	rows, cov, err := Join(results, windows, periods, nil, observations, JoinConfig{
		Lags: []int{1},
		Rule: RuleMostRecent,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if cov.Entities != 3 {
		t.Fatalf("expected 3 entities in universe, got %d", cov.Entities)
	}
	r := findRow(t, rows, "bank-a", "2019Q3")
	if !r.Observed || r.Failed == nil || !*r.Failed {
		t.Fatal("expected failed observation on bank-a in Q3")
	}
	if r.FailedAt == nil || *r.FailedAt != failedAt {
		t.Fatal("expected failure timestamp carried through")
	}
	if r.Features["total_assets"] != 5.5 {
		t.Fatal("expected covariates merged into the row")
	}

	z := findRow(t, rows, "bank-z", "2019Q2")
	if len(z.SourceWindows) != 0 {
		t.Fatal("observation-only entity must not match any window features")
	}
	if z.Observed {
		t.Fatal("bank-z was only observed in Q1")
	}
}

func TestJoin_ConfigValidation(t *testing.T) {
	windows, periods, results := quarterlyFixture(t)

	if _, _, err := Join(results, windows, periods, nil, nil, JoinConfig{Lags: []int{1}}); err == nil {
		t.Fatal("expected error for missing disambiguation rule")
	}
	if _, _, err := Join(results, windows, periods, nil, nil, JoinConfig{Rule: RuleMostRecent}); err == nil {
		t.Fatal("expected error for empty lags")
	}
	if _, _, err := Join(results, windows, periods, nil, nil, JoinConfig{Lags: []int{-1}, Rule: RuleMostRecent}); err == nil {
		t.Fatal("expected error for negative lag")
	}
	if _, _, err := Join(nil, windows, periods, nil, nil, JoinConfig{Lags: []int{1}, Rule: RuleMostRecent}); !errors.Is(err, ErrEmptyJoin) {
		t.Fatalf("expected ErrEmptyJoin, got %v", err)
	}
}

func TestJoin_CanonicalCommunityStamped(t *testing.T) {
	windows, periods, results := quarterlyFixture(t)
	canonical := map[string]int64{"bank-a": 7}

	rows, _, err := Join(results, windows, periods, canonical, nil, JoinConfig{
		Lags: []int{1},
		Rule: RuleMostRecent,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	a := findRow(t, rows, "bank-a", "2019Q4")
	if a.CanonicalCommunity == nil || *a.CanonicalCommunity != 7 {
		t.Fatal("expected canonical community 7 on bank-a")
	}
	b := findRow(t, rows, "bank-b", "2019Q4")
	if b.CanonicalCommunity != nil {
		t.Fatal("expected null canonical community for unlabeled entity")
	}
}

func TestPeriodsFromPlan_Overlapping(t *testing.T) {
	plan, err := graph.BuildPlan(0, 400, 200, 100)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !plan.Overlapping {
		t.Fatal("fixture plan should overlap")
	}
	periods := PeriodsFromPlan(plan)
	if len(periods) != 2 {
		t.Fatalf("expected 2 tumbling periods over [0, 400) at width 200, got %d", len(periods))
	}
	for i := 1; i < len(periods); i++ {
		if periods[i].Start != periods[i-1].End {
			t.Fatal("periods must tile the horizon without overlap")
		}
	}
}
