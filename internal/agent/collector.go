package agent

import (
	"sync"

	"github.com/ashureev/folio-agent/internal/domain"
)

// Collector accumulates the tool results of one turn in submission order.
// Results are copied on the way in and on the way out, so nothing handed to or
// from the collector can be mutated after the fact.
type Collector struct {
	mu      sync.Mutex
	results []domain.ToolResult
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Add appends one iteration's results in the order they were submitted.
func (c *Collector) Add(batch ...domain.ToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range batch {
		c.results = append(c.results, r.Clone())
	}
}

// Results returns a deep copy of everything collected.
func (c *Collector) Results() []domain.ToolResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CloneToolResults(c.results)
}

// ToolsUsed lists distinct tool names in first-use order. Skipped
// invocations are not counted.
func (c *Collector) ToolsUsed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ToolResults(c.results).ToolsUsed()
}
