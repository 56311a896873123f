package chatclient

import (
	"errors"
	"fmt"
)

// State is the client's position in one turn.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingResponse State = "awaiting_response"
	StateStreaming        State = "streaming"
	StateFinalized        State = "finalized"
	StateFailed           State = "failed"
)

// ErrInvalidTransition is returned for a state change outside the table.
var ErrInvalidTransition = errors.New("invalid client state transition")

// The sync fallback can finalize straight from awaiting_response.
var transitions = map[State][]State{
	StateIdle:             {StateAwaitingResponse},
	StateAwaitingResponse: {StateStreaming, StateFinalized, StateFailed},
	StateStreaming:        {StateFinalized, StateFailed},
	StateFinalized:        {StateIdle},
	StateFailed:           {StateIdle},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type machine struct {
	state State
}

func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
	}
	m.state = next
	return nil
}
