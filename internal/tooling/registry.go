// Package tooling holds the tool registry: named, schema-validated
// capabilities the reasoning loop can invoke.
package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/folio-agent/internal/domain"
)

var (
	ErrUnknownTool   = errors.New("tool is not registered")
	ErrInvalidInput  = errors.New("invalid tool input")
	ErrToolExecution = errors.New("tool execution failed")
	ErrNilHandler    = errors.New("tool handler is nil")
	ErrToolNameEmpty = errors.New("tool name is empty")
	ErrDuplicateTool = errors.New("tool already registered")
)

var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Handler executes one tool call using validated arguments. The returned value
// is marshaled to JSON as the result payload.
type Handler func(ctx context.Context, arguments map[string]any) (any, error)

// Tool is a registrable capability.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// ToolDescriptor is the public, read-only view of a tool.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Registry stores tools by name and executes invocations.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// Register adds a tool after validating its name, handler and schema.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return ErrToolNameEmpty
	}
	if !toolNamePattern.MatchString(tool.Name) {
		return fmt.Errorf("invalid tool name %q", tool.Name)
	}
	if tool.Handler == nil {
		return fmt.Errorf("%w: %q", ErrNilHandler, tool.Name)
	}
	if err := validateSchema(tool.InputSchema); err != nil {
		return fmt.Errorf("tool %q: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// MustRegister registers tool and panics on error. Intended for startup wiring.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Describe returns all registered tools sorted by name. An empty registry
// yields an empty, non-nil slice.
func (r *Registry) Describe() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Validate checks an invocation without executing it.
func (r *Registry) Validate(inv domain.ToolInvocation) error {
	_, err := r.lookup(inv)
	return err
}

func (r *Registry) lookup(inv domain.ToolInvocation) (Tool, error) {
	r.mu.RLock()
	tool, ok := r.tools[inv.Name]
	r.mu.RUnlock()
	if !ok {
		return Tool{}, fmt.Errorf("%w: %q", ErrUnknownTool, inv.Name)
	}
	if err := validateArguments(tool.InputSchema, inv.Arguments); err != nil {
		return Tool{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return tool, nil
}

// Invoke runs one invocation. It always returns a well-formed result: unknown
// tools, invalid arguments, handler errors and handler panics all become
// error results.
func (r *Registry) Invoke(ctx context.Context, inv domain.ToolInvocation) domain.ToolResult {
	start := time.Now()
	result := r.invoke(ctx, inv)
	result.DurationMs = time.Since(start).Milliseconds()
	if !result.Succeeded() {
		r.logger.Warn("[Tooling] invocation failed",
			"tool", inv.Name,
			"invocation_id", inv.ID,
			"reason", result.FailureReason,
			"error", result.Error)
	}
	return result
}

func (r *Registry) invoke(ctx context.Context, inv domain.ToolInvocation) (result domain.ToolResult) {
	tool, err := r.lookup(inv)
	switch {
	case errors.Is(err, ErrUnknownTool):
		return domain.ErrorResult(inv, domain.FailureUnknownTool, err.Error())
	case err != nil:
		return domain.ErrorResult(inv, domain.FailureInvalidArguments, err.Error())
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.ErrorResult(inv, domain.FailureExecution, fmt.Errorf("%w: %v", ErrToolExecution, ctxErr).Error())
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("[Tooling] handler panic", "tool", inv.Name, "panic", rec, "stack", string(debug.Stack()))
			result = domain.ErrorResult(inv, domain.FailureExecution, fmt.Sprintf("%v: panic: %v", ErrToolExecution, rec))
		}
	}()

	args := inv.Arguments
	if args == nil {
		args = map[string]any{}
	}
	value, err := tool.Handler(ctx, args)
	if errors.Is(err, ErrInvalidInput) {
		return domain.ErrorResult(inv, domain.FailureInvalidArguments, err.Error())
	}
	if err != nil {
		return domain.ErrorResult(inv, domain.FailureExecution, fmt.Errorf("%w: %v", ErrToolExecution, err).Error())
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return domain.ErrorResult(inv, domain.FailureExecution, fmt.Errorf("%w: encode payload: %v", ErrToolExecution, err).Error())
	}
	return domain.ToolResult{
		InvocationID: inv.ID,
		Tool:         inv.Name,
		Status:       domain.ToolStatusSuccess,
		Payload:      payload,
	}
}
