package domain

import (
	"encoding/json"
	"time"
)

// ToolStatus is the outcome of one tool invocation.
type ToolStatus string

const (
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// FailureReason classifies an error ToolResult.
type FailureReason string

const (
	FailureUnknownTool      FailureReason = "unknown_tool"
	FailureInvalidArguments FailureReason = "invalid_arguments"
	FailureExecution        FailureReason = "executor_error"
	FailureSkipped          FailureReason = "skipped"
)

// ToolInvocation is a single request to run a registered tool.
type ToolInvocation struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	StartedAt time.Time      `json:"started_at"`
}

// ToolResult is the structured outcome of a ToolInvocation. It is never
// mutated after it has been produced.
type ToolResult struct {
	InvocationID  string          `json:"invocation_id"`
	Tool          string          `json:"tool"`
	Status        ToolStatus      `json:"status"`
	Payload       json.RawMessage `json:"data,omitempty"`
	Message       string          `json:"message,omitempty"`
	Error         string          `json:"error,omitempty"`
	FailureReason FailureReason   `json:"failure_reason,omitempty"`
	DurationMs    int64           `json:"execution_time_ms"`
}

// Succeeded reports whether the invocation completed successfully.
func (r ToolResult) Succeeded() bool {
	return r.Status == ToolStatusSuccess
}

// Clone returns a deep copy of the result.
func (r ToolResult) Clone() ToolResult {
	out := r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return out
}

// CloneToolResults deep-copies a result slice.
func CloneToolResults(in []ToolResult) []ToolResult {
	if in == nil {
		return nil
	}
	out := make([]ToolResult, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// ErrorResult builds a well-formed error result for an invocation.
func ErrorResult(inv ToolInvocation, reason FailureReason, detail string) ToolResult {
	return ToolResult{
		InvocationID:  inv.ID,
		Tool:          inv.Name,
		Status:        ToolStatusError,
		Message:       string(reason),
		Error:         detail,
		FailureReason: reason,
	}
}

// ToolResults is a turn's results in submission order. Its views ignore
// invocations that were skipped without running.
type ToolResults []ToolResult

// Executed returns the results of invocations that actually ran.
func (rs ToolResults) Executed() ToolResults {
	out := make(ToolResults, 0, len(rs))
	for _, r := range rs {
		if r.FailureReason != FailureSkipped {
			out = append(out, r)
		}
	}
	return out
}

// Failed returns the executed results that did not succeed.
func (rs ToolResults) Failed() ToolResults {
	var out ToolResults
	for _, r := range rs.Executed() {
		if !r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// SuccessRate is the share of executed results that succeeded. ok is false
// when nothing ran.
func (rs ToolResults) SuccessRate() (rate float64, ok bool) {
	executed := rs.Executed()
	if len(executed) == 0 {
		return 0, false
	}
	succeeded := len(executed) - len(executed.Failed())
	return float64(succeeded) / float64(len(executed)), true
}

// ToolsUsed lists distinct executed tool names in first-use order.
func (rs ToolResults) ToolsUsed() []string {
	seen := make(map[string]bool, len(rs))
	out := []string{}
	for _, r := range rs.Executed() {
		if seen[r.Tool] {
			continue
		}
		seen[r.Tool] = true
		out = append(out, r.Tool)
	}
	return out
}
