package pipeline

import (
	"sync"

	"github.com/gantry-labs/strata/pkg/metrics"
	"github.com/gantry-labs/strata/pkg/panel"
)

// collector gathers per-window outputs from the worker pool. Workers only
// touch it at their join point, under the mutex; everything else they own
// exclusively.
type collector struct {
	mu          sync.Mutex
	results     []metrics.Result
	assignments []metrics.RawCommunityAssignment
	embeddings  map[string][]metrics.Embedding
	reports     map[string]panel.WindowReport
}

func newCollector() *collector {
	return &collector{
		embeddings: make(map[string][]metrics.Embedding),
		reports:    make(map[string]panel.WindowReport),
	}
}

func (c *collector) add(res metrics.Result, report panel.WindowReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
	c.assignments = append(c.assignments, res.Communities...)
	if len(res.Embeddings) > 0 {
		c.embeddings[res.WindowID] = res.Embeddings
	}
	c.reports[res.WindowID] = report
}

func (c *collector) fail(report panel.WindowReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports[report.WindowID] = report
}

func (c *collector) failedWindows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	failed := 0
	for _, r := range c.reports {
		if r.Status != statusOK {
			failed++
		}
	}
	return failed
}
