// Package llm provides the reasoning step of the agent loop: a deterministic
// rules reasoner for offline use and a langchaingo-backed model reasoner.
package llm

import (
	"context"
	"errors"

	"github.com/ashureev/folio-agent/internal/domain"
	"github.com/ashureev/folio-agent/internal/tooling"
)

// ErrNoChoices is returned when a model responds without any candidate.
var ErrNoChoices = errors.New("model returned no choices")

// ToolCall is a tool request produced by a reasoning step. ArgumentsError is
// set when the model emitted arguments that are not a JSON object.
type ToolCall struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	ArgumentsError string         `json:"arguments_error,omitempty"`
}

// Usage is the token count of one step.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Exchange pairs the calls of one iteration with their results, in
// submission order.
type Exchange struct {
	Calls   []ToolCall
	Results []domain.ToolResult
}

// ReasonRequest is everything a reasoner sees for one step.
type ReasonRequest struct {
	Question       string
	History        []domain.Message
	Category       domain.Category
	PreferredTools []string
	Tools          []tooling.ToolDescriptor
	Exchanges      []Exchange
	// Iteration is 1-based.
	Iteration int
}

// Results flattens all collected results in submission order.
func (r ReasonRequest) Results() []domain.ToolResult {
	var out []domain.ToolResult
	for _, ex := range r.Exchanges {
		out = append(out, ex.Results...)
	}
	return out
}

// Summarizing reports whether this step only has to compose an answer from
// data already collected.
func (r ReasonRequest) Summarizing() bool {
	return r.Iteration > 1 && len(r.Exchanges) > 0
}

// ReasonStep is one reasoning step's outcome. A step without tool calls ends
// the loop and Content is the draft answer.
type ReasonStep struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
	Model     string
}

// Reasoner produces the next step of a turn.
type Reasoner interface {
	Reason(ctx context.Context, req ReasonRequest) (ReasonStep, error)
}
