package stream

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/folio-agent/internal/domain"
)

// Frame is the JSON envelope used by message-oriented transports such as
// WebSocket: {"event": "token", "data": {...}}.
type Frame struct {
	Event domain.EventType `json:"event"`
	Data  json.RawMessage  `json:"data,omitempty"`
}

// MarshalFrame wraps an already encoded payload in a Frame.
func MarshalFrame(eventType domain.EventType, data []byte) ([]byte, error) {
	return json.Marshal(Frame{Event: eventType, Data: data})
}

// UnmarshalFrame decodes a Frame into a typed event.
func UnmarshalFrame(raw []byte) (domain.StreamEvent, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return domain.StreamEvent{}, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	return domain.DecodeStreamEvent(string(f.Event), f.Data)
}
