package chatclient

import (
	"fmt"

	"github.com/ashureev/folio-agent/internal/domain"
)

// StreamError is a terminal error event from the server. It is retryable.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "agent error: " + e.Message
}

// apply folds one event into the pending entry. It reports whether the event
// was terminal.
func apply(m *machine, e *Entry, ev domain.StreamEvent) (bool, error) {
	switch ev.Type {
	case domain.EventToken:
		if err := m.enterStreaming(); err != nil {
			return false, err
		}
		if ev.Token != nil {
			e.Content += ev.Token.Content
		}
		e.Pending = true
		return false, nil

	case domain.EventToolStart:
		// Informational only; tools_used comes from done.
		return false, m.enterStreaming()

	case domain.EventDone:
		if err := m.to(StateFinalized); err != nil {
			return false, err
		}
		if ev.Done != nil {
			confidence := ev.Done.Confidence
			metrics := ev.Done.Metrics.Clone()
			e.Confidence = &confidence
			e.Metrics = &metrics
			e.ToolsUsed = append([]string{}, ev.Done.ToolsUsed...)
			e.TraceID = ev.Done.TraceID
		}
		e.Pending = false
		return true, nil

	case domain.EventError:
		if err := m.to(StateFailed); err != nil {
			return false, err
		}
		msg := "something went wrong, please try again"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return true, &StreamError{Message: msg}

	default:
		return false, fmt.Errorf("%w: %q", domain.ErrInvalidEvent, ev.Type)
	}
}

func (m *machine) enterStreaming() error {
	if m.state == StateStreaming {
		return nil
	}
	return m.to(StateStreaming)
}

// Reconcile replays a turn's events onto a fresh pending agent entry and
// returns the resulting entry and state. It is a pure function of its input,
// so replaying the same sequence always yields the same entry.
func Reconcile(id string, events []domain.StreamEvent) (Entry, State, error) {
	m := &machine{state: StateAwaitingResponse}
	e := Entry{ID: id, Message: domain.Message{Role: domain.RoleAgent, Pending: true}}
	for _, ev := range events {
		terminal, err := apply(m, &e, ev)
		if err != nil {
			return e, m.state, err
		}
		if terminal {
			break
		}
	}
	return e, m.state, nil
}
