package agent

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/folio-agent/internal/domain"
)

func okResult(id, tool string) domain.ToolResult {
	return domain.ToolResult{InvocationID: id, Tool: tool, Status: domain.ToolStatusSuccess, Payload: json.RawMessage(`{"value":1}`)}
}

func TestCollectorOrderAndCopies(t *testing.T) {
	c := NewCollector()
	assert.Empty(t, c.Results())
	assert.NotNil(t, c.ToolsUsed())

	first := okResult("1", "portfolio_analysis")
	c.Add(first, domain.ErrorResult(domain.ToolInvocation{ID: "2", Name: "market_data_lookup"}, domain.FailureExecution, "timeout"))
	c.Add(okResult("3", "portfolio_analysis"), domain.ToolResult{InvocationID: "4", Tool: "tax_estimate", Status: domain.ToolStatusError, FailureReason: domain.FailureSkipped})

	// Mutating the caller's copy does not leak in.
	first.Payload[1] = 'X'

	results := c.Results()
	require.Len(t, results, 4)
	assert.Equal(t, []string{"1", "2", "3", "4"}, []string{results[0].InvocationID, results[1].InvocationID, results[2].InvocationID, results[3].InvocationID})
	assert.JSONEq(t, `{"value":1}`, string(results[0].Payload))

	// Nor does mutating a returned copy.
	results[0].Payload[1] = 'Y'
	assert.JSONEq(t, `{"value":1}`, string(c.Results()[0].Payload))

	assert.Equal(t, []string{"portfolio_analysis", "market_data_lookup"}, c.ToolsUsed())
	rate, ok := domain.ToolResults(results).SuccessRate()
	assert.True(t, ok)
	assert.InDelta(t, 2.0/3.0, rate, 1e-9, "skipped invocations are not counted")
}

func TestCollectorConcurrentAdd(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Add(okResult("x", "lookup"))
		}()
	}
	wg.Wait()
	assert.Len(t, c.Results(), 50)
	assert.Equal(t, []string{"lookup"}, c.ToolsUsed())
}
