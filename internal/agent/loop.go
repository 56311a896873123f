package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/folio-agent/internal/classifier"
	"github.com/ashureev/folio-agent/internal/config"
	"github.com/ashureev/folio-agent/internal/domain"
	"github.com/ashureev/folio-agent/internal/llm"
	"github.com/ashureev/folio-agent/internal/tooling"
)

// LimitMessage prefixes answers cut short by a loop bound.
const LimitMessage = "I've reached my reasoning limit for this query. " +
	"Here's what I found so far based on the data collected."

var (
	// ErrLoopBoundExceeded marks a turn finalized early. It is recorded in
	// metrics and never surfaced to the user as a failure.
	ErrLoopBoundExceeded = errors.New("loop bound exceeded")
	// ErrInvalidTransition is returned for a loop state change outside the table.
	ErrInvalidTransition = errors.New("invalid loop state transition")
)

// Bound names reported in AgentMetrics.BoundExceeded.
const (
	BoundIterations = "iterations"
	BoundDuration   = "duration"
	BoundCost       = "cost"
)

// LoopState is the phase of one turn's reasoning loop.
type LoopState string

const (
	StateReasoning           LoopState = "reasoning"
	StateSelectingTools      LoopState = "selecting_tools"
	StateAwaitingToolResults LoopState = "awaiting_tool_results"
	StateFinalizing          LoopState = "finalizing"
	StateDone                LoopState = "done"
)

var loopTransitions = map[LoopState][]LoopState{
	StateReasoning:           {StateSelectingTools, StateFinalizing},
	StateSelectingTools:      {StateAwaitingToolResults, StateFinalizing},
	StateAwaitingToolResults: {StateReasoning, StateFinalizing},
	StateFinalizing:          {StateDone},
}

// turn tracks loop state for a single user utterance.
type turn struct {
	state LoopState
	trail []LoopState
}

func newTurn() *turn {
	return &turn{state: StateReasoning, trail: []LoopState{StateReasoning}}
}

func (t *turn) transition(to LoopState) error {
	for _, allowed := range loopTransitions[t.state] {
		if allowed == to {
			t.state = to
			t.trail = append(t.trail, to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, to)
}

// LoopInput is one turn's question and context.
type LoopInput struct {
	Question string
	History  []domain.Message
	Category domain.Category
}

// LoopOutcome is the draft answer and evidence produced by a turn, before
// verification.
type LoopOutcome struct {
	Draft     string
	Results   []domain.ToolResult
	Metrics   domain.AgentMetrics
	ToolsUsed []string
	States    []LoopState
}

// Loop runs the bounded reason/act cycle.
type Loop struct {
	reasoner llm.Reasoner
	registry *tooling.Registry
	bounds   config.LoopBounds
	pricing  config.Pricing
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewLoop wires a loop. Bounds are validated up front.
func NewLoop(reasoner llm.Reasoner, registry *tooling.Registry, bounds config.LoopBounds, pricing config.Pricing, logger *slog.Logger) (*Loop, error) {
	if reasoner == nil {
		return nil, errors.New("new loop: reasoner is required")
	}
	if registry == nil {
		return nil, errors.New("new loop: registry is required")
	}
	if err := bounds.Validate(); err != nil {
		return nil, fmt.Errorf("new loop: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		reasoner: reasoner,
		registry: registry,
		bounds:   bounds,
		pricing:  pricing,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Run executes one turn. A reasoner failure returns an error; a reached
// bound does not, it is recorded in the outcome metrics instead.
func (l *Loop) Run(ctx context.Context, in LoopInput) (*LoopOutcome, error) {
	started := l.now()
	runCtx, cancel := context.WithTimeout(ctx, l.bounds.MaxDuration())
	defer cancel()

	t := newTurn()
	collector := NewCollector()
	metrics := domain.AgentMetrics{TaskID: l.newID()}
	tools := l.registry.Describe()
	preferred := classifier.PreferredTools(in.Category)

	var (
		exchanges []llm.Exchange
		draft     string
		bound     string
		cost      float64
	)

	for {
		if bound = l.exceeded(metrics.Iterations, started, cost); bound != "" {
			break
		}
		metrics.Iterations++

		step, err := l.reasoner.Reason(runCtx, llm.ReasonRequest{
			Question:       in.Question,
			History:        in.History,
			Category:       in.Category,
			PreferredTools: preferred,
			Tools:          tools,
			Exchanges:      exchanges,
			Iteration:      metrics.Iterations,
		})
		if err != nil {
			// The duration bound cancels runCtx; providers do not always wrap
			// the context error they saw.
			if ctx.Err() == nil && (runCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded)) {
				bound = BoundDuration
				break
			}
			metrics.Error = err.Error()
			l.finishMetrics(&metrics, started, cost, collector)
			return &LoopOutcome{Results: collector.Results(), Metrics: metrics, States: t.trail}, fmt.Errorf("reasoning step %d: %w", metrics.Iterations, err)
		}
		metrics.InputTokens += step.Usage.InputTokens
		metrics.OutputTokens += step.Usage.OutputTokens
		cost += l.pricing.Cost(step.Model, step.Usage.InputTokens, step.Usage.OutputTokens)
		draft = step.Content

		if len(step.ToolCalls) == 0 {
			break
		}
		if err := t.transition(StateSelectingTools); err != nil {
			return nil, err
		}
		if bound = l.exceeded(metrics.Iterations, started, cost); bound != "" {
			l.logger.Info("[Loop] dropping tool requests, bound reached",
				"task_id", metrics.TaskID,
				"bound", bound,
				"dropped", len(step.ToolCalls))
			collector.Add(l.skip(step.ToolCalls, bound)...)
			break
		}
		if err := t.transition(StateAwaitingToolResults); err != nil {
			return nil, err
		}

		calls := l.assignIDs(step.ToolCalls)
		results := l.dispatch(runCtx, calls)
		collector.Add(results...)
		exchanges = append(exchanges, llm.Exchange{Calls: calls, Results: results})

		if err := t.transition(StateReasoning); err != nil {
			return nil, err
		}
	}

	if err := t.transition(StateFinalizing); err != nil {
		return nil, err
	}
	if bound != "" {
		metrics.BoundExceeded = bound
		metrics.Error = fmt.Sprintf("%v: %s", ErrLoopBoundExceeded, bound)
		draft = limitedDraft(draft)
		l.logger.Warn("[Loop] bound exceeded",
			"task_id", metrics.TaskID,
			"bound", bound,
			"iterations", metrics.Iterations,
			"cost_usd", cost)
	}
	metrics.Success = bound == ""
	l.finishMetrics(&metrics, started, cost, collector)
	if err := t.transition(StateDone); err != nil {
		return nil, err
	}

	return &LoopOutcome{
		Draft:     draft,
		Results:   collector.Results(),
		Metrics:   metrics,
		ToolsUsed: collector.ToolsUsed(),
		States:    t.trail,
	}, nil
}

// exceeded returns the name of the first bound reached, or "".
func (l *Loop) exceeded(iterations int, started time.Time, cost float64) string {
	switch {
	case iterations >= l.bounds.MaxIterations:
		return BoundIterations
	case l.now().Sub(started) >= l.bounds.MaxDuration():
		return BoundDuration
	case cost >= l.bounds.MaxCostUSD:
		return BoundCost
	default:
		return ""
	}
}

func (l *Loop) assignIDs(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = l.newID()
		}
		out[i] = c
	}
	return out
}

// skip records calls that were requested but never run.
func (l *Loop) skip(calls []llm.ToolCall, bound string) []domain.ToolResult {
	results := make([]domain.ToolResult, 0, len(calls))
	for _, call := range l.assignIDs(calls) {
		inv := domain.ToolInvocation{ID: call.ID, Name: call.Name, Arguments: call.Arguments, StartedAt: l.now()}
		results = append(results, domain.ErrorResult(inv, domain.FailureSkipped,
			fmt.Sprintf("%v: %s", ErrLoopBoundExceeded, bound)))
	}
	return results
}

// dispatch runs one iteration's calls concurrently. results[i] always belongs
// to calls[i].
func (l *Loop) dispatch(ctx context.Context, calls []llm.ToolCall) []domain.ToolResult {
	results := make([]domain.ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.bounds.MaxParallelTools)
	for i, call := range calls {
		inv := domain.ToolInvocation{ID: call.ID, Name: call.Name, Arguments: call.Arguments, StartedAt: l.now()}
		if call.ArgumentsError != "" {
			results[i] = domain.ErrorResult(inv, domain.FailureInvalidArguments,
				fmt.Sprintf("%v: %s", tooling.ErrInvalidInput, call.ArgumentsError))
			continue
		}
		g.Go(func() error {
			results[i] = l.registry.Invoke(gctx, inv)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (l *Loop) finishMetrics(m *domain.AgentMetrics, started time.Time, cost float64, c *Collector) {
	m.TotalTokens = m.InputTokens + m.OutputTokens
	m.DurationSeconds = math.Round(l.now().Sub(started).Seconds()*1000) / 1000
	m.CostUSD = math.Round(cost*1e6) / 1e6
	m.ToolsCalled = c.ToolsUsed()
}

func limitedDraft(partial string) string {
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return LimitMessage
	}
	return LimitMessage + "\n\n" + partial
}
