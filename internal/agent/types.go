package agent

import "github.com/ashureev/folio-agent/internal/domain"

// ChatRequest is the body of the chat endpoints.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the synchronous chat reply.
type ChatResponse struct {
	Response       string              `json:"response"`
	ConversationID string              `json:"conversation_id"`
	ToolsUsed      []string            `json:"tools_used"`
	Confidence     float64             `json:"confidence"`
	Metrics        domain.AgentMetrics `json:"metrics"`
	TraceID        string              `json:"trace_id,omitempty"`
	ToolResults    []domain.ToolResult `json:"tool_results"`
}

// FeedbackRequest rates one answer. Score is 1 for helpful, 0 for not.
type FeedbackRequest struct {
	TraceID string `json:"trace_id"`
	Score   *int   `json:"score"`
	Comment string `json:"comment,omitempty"`
}

// ToolSummary is one entry of the tools listing.
type ToolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func newChatResponse(r *TurnResult) ChatResponse {
	results := domain.CloneToolResults(r.ToolResults)
	if results == nil {
		results = []domain.ToolResult{}
	}
	tools := append([]string{}, r.ToolsUsed...)
	return ChatResponse{
		Response:       r.Content,
		ConversationID: r.ConversationID,
		ToolsUsed:      tools,
		Confidence:     r.Confidence.Value,
		Metrics:        r.Metrics.Clone(),
		TraceID:        r.TraceID,
		ToolResults:    results,
	}
}
