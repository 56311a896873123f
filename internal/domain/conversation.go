// Package domain contains core domain types for the portfolio agent.
package domain

import (
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Conversation is an ordered, append-only sequence of messages.
type Conversation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn entry. Content grows while Pending is true; once a
// message stops being pending its content and metadata are frozen.
type Message struct {
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	Timestamp   time.Time     `json:"timestamp"`
	ToolsUsed   []string      `json:"tools_used,omitempty"`
	Confidence  *float64      `json:"confidence,omitempty"`
	Metrics     *AgentMetrics `json:"metrics,omitempty"`
	ToolResults []ToolResult  `json:"tool_results,omitempty"`
	TraceID     string        `json:"trace_id,omitempty"`
	Pending     bool          `json:"pending,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.ToolsUsed != nil {
		out.ToolsUsed = append([]string(nil), m.ToolsUsed...)
	}
	if m.Confidence != nil {
		c := *m.Confidence
		out.Confidence = &c
	}
	if m.Metrics != nil {
		metrics := m.Metrics.Clone()
		out.Metrics = &metrics
	}
	if m.ToolResults != nil {
		out.ToolResults = CloneToolResults(m.ToolResults)
	}
	return out
}

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	for i := range c.Messages {
		out.Messages[i] = c.Messages[i].Clone()
	}
	return out
}
