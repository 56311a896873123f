package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/ashureev/folio-agent/internal/config"
	"github.com/ashureev/folio-agent/internal/domain"
)

const historyTurns = 10

const systemPrompt = `You are a portfolio analysis assistant. Answer questions about the user's investment portfolio.

Rules:
- Use the provided tools to fetch real data before stating any figure. Never invent numbers.
- Quote figures exactly as the tools return them.
- If a tool fails, say which data was unavailable.
- Do not tell the user to buy or sell specific securities and never promise returns.
- Tax figures are estimates; remind the user to consult a tax professional.
- Be concise. Use short paragraphs or bullet lists.`

// ModelReasoner drives a chat model with tool calling. The primary model
// plans; the fast model writes summarisation passes.
type ModelReasoner struct {
	primary     llms.Model
	fast        llms.Model
	primaryName string
	fastName    string
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

// NewModelReasoner builds a reasoner for the configured provider.
func NewModelReasoner(cfg config.LLMConfig, logger *slog.Logger) (*ModelReasoner, error) {
	primary, err := newModel(cfg, cfg.PrimaryModel)
	if err != nil {
		return nil, err
	}
	fast := primary
	fastName := cfg.PrimaryModel
	if cfg.FastModel != "" && cfg.FastModel != cfg.PrimaryModel {
		fast, err = newModel(cfg, cfg.FastModel)
		if err != nil {
			return nil, err
		}
		fastName = cfg.FastModel
	}
	return newModelReasoner(primary, fast, cfg.PrimaryModel, fastName, cfg, logger), nil
}

func newModelReasoner(primary, fast llms.Model, primaryName, fastName string, cfg config.LLMConfig, logger *slog.Logger) *ModelReasoner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelReasoner{
		primary:     primary,
		fast:        fast,
		primaryName: primaryName,
		fastName:    fastName,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
	}
}

func newModel(cfg config.LLMConfig, model string) (llms.Model, error) {
	switch cfg.Provider {
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey), anthropic.WithModel(model)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		m, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return m, nil
	case "openai":
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return m, nil
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		m, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// Reason implements Reasoner.
func (m *ModelReasoner) Reason(ctx context.Context, req ReasonRequest) (ReasonStep, error) {
	model, name := m.primary, m.primaryName
	if req.Summarizing() {
		model, name = m.fast, m.fastName
	}

	opts := []llms.CallOption{llms.WithTemperature(m.temperature)}
	if m.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(m.maxTokens))
	}
	if tools := toolDefinitions(req); len(tools) > 0 {
		opts = append(opts, llms.WithTools(tools))
	}

	resp, err := model.GenerateContent(ctx, buildMessages(req), opts...)
	if err != nil {
		return ReasonStep{}, fmt.Errorf("generate with %s: %w", name, err)
	}
	if len(resp.Choices) == 0 {
		return ReasonStep{}, ErrNoChoices
	}
	choice := resp.Choices[0]

	step := ReasonStep{
		Content: strings.TrimSpace(choice.Content),
		Model:   name,
		Usage:   usageFromInfo(choice.GenerationInfo),
	}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		call := ToolCall{ID: tc.ID, Name: tc.FunctionCall.Name}
		if raw := strings.TrimSpace(tc.FunctionCall.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &call.Arguments); err != nil {
				call.ArgumentsError = fmt.Sprintf("arguments are not a JSON object: %v", err)
			}
		}
		step.ToolCalls = append(step.ToolCalls, call)
	}

	m.logger.Debug("[LLM] reasoning step",
		"model", name,
		"iteration", req.Iteration,
		"tool_calls", len(step.ToolCalls),
		"input_tokens", step.Usage.InputTokens,
		"output_tokens", step.Usage.OutputTokens)
	return step, nil
}

func toolDefinitions(req ReasonRequest) []llms.Tool {
	tools := make([]llms.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return tools
}

func buildMessages(req ReasonRequest) []llms.MessageContent {
	prompt := systemPrompt
	if len(req.PreferredTools) > 0 {
		prompt += fmt.Sprintf("\n\nThis looks like a %s question. Tools that usually help: %s.",
			req.Category, strings.Join(req.PreferredTools, ", "))
	}
	msgs := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, prompt)}

	history := req.History
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, msg := range history {
		if msg.Pending || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := llms.ChatMessageTypeHuman
		if msg.Role == domain.RoleAgent {
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, msg.Content))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.Question))

	for _, ex := range req.Exchanges {
		ai := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		for _, call := range ex.Calls {
			args, _ := json.Marshal(call.Arguments)
			ai.Parts = append(ai.Parts, llms.ToolCall{
				ID:           call.ID,
				Type:         "function",
				FunctionCall: &llms.FunctionCall{Name: call.Name, Arguments: string(args)},
			})
		}
		msgs = append(msgs, ai)
		for _, res := range ex.Results {
			msgs = append(msgs, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: res.InvocationID,
					Name:       res.Tool,
					Content:    toolContent(res),
				}},
			})
		}
	}
	return msgs
}

func toolContent(res domain.ToolResult) string {
	if res.Succeeded() {
		return string(res.Payload)
	}
	raw, _ := json.Marshal(map[string]string{
		"status": string(res.Status),
		"reason": string(res.FailureReason),
		"error":  res.Error,
	})
	return string(raw)
}

// usageFromInfo reads token counts from provider generation info. Anthropic
// reports InputTokens/OutputTokens, OpenAI and Ollama PromptTokens/CompletionTokens.
func usageFromInfo(info map[string]any) Usage {
	return Usage{
		InputTokens:  firstInt(info, "InputTokens", "PromptTokens", "input_tokens", "prompt_tokens"),
		OutputTokens: firstInt(info, "OutputTokens", "CompletionTokens", "output_tokens", "completion_tokens"),
	}
}

func firstInt(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
