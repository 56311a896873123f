// Package stream implements the turn event protocol: an ordered sequence of
// token, tool_start and exactly one terminal (done or error) event.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/ashureev/folio-agent/internal/domain"
)

var (
	// ErrOutOfOrder is returned when an event would violate token* tool_start* terminal.
	ErrOutOfOrder = errors.New("stream event out of order")
	// ErrStreamClosed is returned for any write after a terminal event.
	ErrStreamClosed = errors.New("stream closed")
)

// FrameWriter puts encoded events on a concrete transport.
type FrameWriter interface {
	WriteEvent(eventType domain.EventType, data []byte) error
	WriteKeepalive() error
}

type phase int

const (
	phaseTokens phase = iota
	phaseTools
	phaseClosed
)

// Encoder enforces the event grammar in front of a FrameWriter. It is safe for
// concurrent use so a keepalive ticker can share it with the turn writer.
type Encoder struct {
	mu    sync.Mutex
	out   FrameWriter
	phase phase
}

// NewEncoder wraps a transport-specific writer.
func NewEncoder(out FrameWriter) *Encoder {
	return &Encoder{out: out}
}

// NewSSEEncoder writes text/event-stream groups to w, flushing after each one
// when w is an http.Flusher.
func NewSSEEncoder(w io.Writer) *Encoder {
	sw := &sseWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return NewEncoder(sw)
}

// Encode writes one event after checking it against the grammar.
func (e *Encoder) Encode(ev domain.StreamEvent) error {
	payload, err := ev.Payload()
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev.Type, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := e.advance(ev.Type)
	if err != nil {
		return err
	}
	if err := e.out.WriteEvent(ev.Type, data); err != nil {
		e.phase = phaseClosed
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	e.phase = next
	return nil
}

func (e *Encoder) advance(t domain.EventType) (phase, error) {
	if e.phase == phaseClosed {
		return phaseClosed, ErrStreamClosed
	}
	switch t {
	case domain.EventToken:
		if e.phase != phaseTokens {
			return e.phase, fmt.Errorf("%w: token after tool_start", ErrOutOfOrder)
		}
		return phaseTokens, nil
	case domain.EventToolStart:
		return phaseTools, nil
	case domain.EventDone, domain.EventError:
		return phaseClosed, nil
	default:
		return e.phase, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidEvent, t)
	}
}

// Keepalive writes a transport-level ping. It never changes the grammar state.
func (e *Encoder) Keepalive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == phaseClosed {
		return ErrStreamClosed
	}
	return e.out.WriteKeepalive()
}

// Closed reports whether a terminal event has been written.
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase == phaseClosed
}

// WriteTurn emits a finalized turn in grammar order: content as token
// fragments, one tool_start per tool, then done.
func (e *Encoder) WriteTurn(content string, chunkSize int, done domain.DonePayload) error {
	for _, fragment := range SplitTokens(content, chunkSize) {
		if err := e.Encode(domain.TokenEvent(fragment)); err != nil {
			return err
		}
	}
	for _, tool := range done.ToolsUsed {
		if err := e.Encode(domain.ToolStartEvent(tool)); err != nil {
			return err
		}
	}
	return e.Encode(domain.DoneEvent(done))
}

type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *sseWriter) WriteEvent(eventType domain.EventType, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) WriteKeepalive() error {
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
