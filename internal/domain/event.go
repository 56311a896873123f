package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType discriminates StreamEvent variants.
type EventType string

const (
	EventToken     EventType = "token"
	EventToolStart EventType = "tool_start"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// ErrInvalidEvent is returned for events whose payload does not match the type.
var ErrInvalidEvent = errors.New("invalid stream event")

// Terminal reports whether the event type ends a stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// TokenPayload carries an incremental text fragment.
type TokenPayload struct {
	Content string `json:"content"`
}

// ToolStartPayload names a tool the turn invoked. Informational only.
type ToolStartPayload struct {
	Tool string `json:"tool"`
}

// DonePayload is the finalized turn.
type DonePayload struct {
	ConversationID string       `json:"conversation_id"`
	Confidence     float64      `json:"confidence"`
	ToolsUsed      []string     `json:"tools_used"`
	Metrics        AgentMetrics `json:"metrics"`
	TraceID        string       `json:"trace_id,omitempty"`
}

// ErrorPayload carries a user-visible failure description.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StreamEvent is one typed frame of the incremental delivery protocol.
// Exactly one payload field is set and it matches Type.
type StreamEvent struct {
	Type      EventType
	Token     *TokenPayload
	ToolStart *ToolStartPayload
	Done      *DonePayload
	Error     *ErrorPayload
}

func TokenEvent(content string) StreamEvent {
	return StreamEvent{Type: EventToken, Token: &TokenPayload{Content: content}}
}

func ToolStartEvent(tool string) StreamEvent {
	return StreamEvent{Type: EventToolStart, ToolStart: &ToolStartPayload{Tool: tool}}
}

func DoneEvent(p DonePayload) StreamEvent {
	return StreamEvent{Type: EventDone, Done: &p}
}

func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Error: &ErrorPayload{Message: message}}
}

// Payload returns the variant payload for encoding.
func (e StreamEvent) Payload() (any, error) {
	switch e.Type {
	case EventToken:
		if e.Token != nil {
			return e.Token, nil
		}
	case EventToolStart:
		if e.ToolStart != nil {
			return e.ToolStart, nil
		}
	case EventDone:
		if e.Done != nil {
			return e.Done, nil
		}
	case EventError:
		if e.Error != nil {
			return e.Error, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil, fmt.Errorf("%w: missing %s payload", ErrInvalidEvent, e.Type)
}

// DecodeStreamEvent builds an event from a type name and one JSON payload.
func DecodeStreamEvent(eventType string, data []byte) (StreamEvent, error) {
	ev := StreamEvent{Type: EventType(eventType)}
	var target any
	switch ev.Type {
	case EventToken:
		ev.Token = &TokenPayload{}
		target = ev.Token
	case EventToolStart:
		ev.ToolStart = &ToolStartPayload{}
		target = ev.ToolStart
	case EventDone:
		ev.Done = &DonePayload{}
		target = ev.Done
	case EventError:
		ev.Error = &ErrorPayload{}
		target = ev.Error
	default:
		return StreamEvent{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, eventType)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return StreamEvent{}, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidEvent, eventType, err)
	}
	return ev, nil
}
