// Package chatclient is a client for the agent API. It streams a turn over
// SSE, reconciles the events into a local conversation store through an
// explicit state machine, and falls back to the synchronous endpoint once
// when the stream transport fails.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/folio-agent/internal/domain"
	"github.com/ashureev/folio-agent/internal/identity"
	"github.com/ashureev/folio-agent/internal/stream"
)

var (
	// ErrTransportFailure means no answer could be delivered, over the stream
	// or the synchronous fallback.
	ErrTransportFailure = errors.New("connection problem, please try again")
	// ErrTurnInFlight is returned when submitting while a turn is running.
	ErrTurnInFlight = errors.New("a response is still in progress")
	// ErrUnreachableBackend is returned while the last health check failed.
	ErrUnreachableBackend = errors.New("agent backend is unreachable")
	// ErrEmptyMessage is returned for blank submissions.
	ErrEmptyMessage = errors.New("message is empty")
)

const maxErrorBody = 4 << 10

// Client talks to one agent server and owns one conversation.
type Client struct {
	baseURL   string
	http      *http.Client
	sessionID string
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time
	store     *Store

	mu          sync.Mutex
	machine     machine
	unreachable bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSessionID sets the per-tab session id sent with each request.
func WithSessionID(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

// WithConversationID resumes an existing conversation.
func WithConversationID(id string) Option {
	return func(c *Client) { c.store.SetConversationID(id) }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	// The jar keeps the anonymous client id cookie across requests.
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Jar: jar},
		logger:  slog.Default(),
		newID:   uuid.NewString,
		now:     time.Now,
		store:   NewStore(),
		machine: machine{state: StateIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the conversation store.
func (c *Client) Store() *Store {
	return c.store
}

// State returns the current turn state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.state
}

// Reachable reports whether the last health check succeeded.
func (c *Client) Reachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.unreachable
}

// Submit runs one turn and returns the finalized agent entry. It never runs
// two turns at once: a second call while one is in flight returns
// ErrTurnInFlight without side effects.
func (c *Client) Submit(ctx context.Context, text string) (Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, ErrEmptyMessage
	}

	c.mu.Lock()
	switch {
	case c.unreachable:
		c.mu.Unlock()
		return Entry{}, ErrUnreachableBackend
	case c.machine.state != StateIdle:
		c.mu.Unlock()
		return Entry{}, ErrTurnInFlight
	}
	if err := c.machine.to(StateAwaitingResponse); err != nil {
		c.mu.Unlock()
		return Entry{}, err
	}
	c.mu.Unlock()
	defer c.settle()

	user := Entry{ID: c.newID(), Message: domain.Message{Role: domain.RoleUser, Content: text, Timestamp: c.now().UTC()}}
	agent := Entry{ID: c.newID(), Message: domain.Message{Role: domain.RoleAgent, Timestamp: c.now().UTC(), Pending: true}}
	c.store.Append(user)
	c.store.Append(agent)

	final, err := c.streamTurn(ctx, text, agent)
	if err == nil {
		return final, nil
	}

	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		c.store.Remove(agent.ID)
		c.logger.Warn("[ChatClient] turn ended with error event", "error", streamErr.Message)
		return Entry{}, err
	}
	if !errors.Is(err, ErrTransportFailure) {
		c.store.Remove(agent.ID)
		c.fail()
		return Entry{}, err
	}

	// Transport failed before a terminal event: hide the partial turn and
	// retry once without streaming.
	c.store.Remove(user.ID, agent.ID)
	c.logger.Warn("[ChatClient] stream failed, retrying synchronously", "error", err)
	return c.syncRetry(ctx, text)
}

// settle returns the machine to idle after a terminal state.
func (c *Client) settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.state == StateFinalized || c.machine.state == StateFailed {
		_ = c.machine.to(StateIdle)
	}
}

func (c *Client) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if CanTransition(c.machine.state, StateFailed) {
		_ = c.machine.to(StateFailed)
	}
}

func (c *Client) streamTurn(ctx context.Context, text string, agent Entry) (Entry, error) {
	resp, err := c.post(ctx, "/api/agent/chat/stream", text, "text/event-stream")
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Entry{}, fmt.Errorf("%w: stream status %d: %s", ErrTransportFailure, resp.StatusCode, readErrorBody(resp.Body))
	}

	reader := stream.NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Entry{}, fmt.Errorf("%w: stream ended before a terminal event: %v", ErrTransportFailure, err)
		}

		c.mu.Lock()
		terminal, applyErr := apply(&c.machine, &agent, ev)
		c.mu.Unlock()
		if applyErr != nil {
			var streamErr *StreamError
			if errors.As(applyErr, &streamErr) {
				return Entry{}, applyErr
			}
			c.logger.Warn("[ChatClient] skipping event", "type", ev.Type, "error", applyErr)
			continue
		}
		if !terminal {
			c.store.Replace(agent)
			continue
		}
		if ev.Done != nil {
			c.store.SetConversationID(ev.Done.ConversationID)
		}
		c.store.Replace(agent)
		if n := reader.Malformed(); n > 0 {
			c.logger.Debug("[ChatClient] skipped malformed frames", "count", n)
		}
		return agent, nil
	}
}

// syncResponse mirrors the synchronous chat reply.
type syncResponse struct {
	Response       string              `json:"response"`
	ConversationID string              `json:"conversation_id"`
	ToolsUsed      []string            `json:"tools_used"`
	Confidence     float64             `json:"confidence"`
	Metrics        domain.AgentMetrics `json:"metrics"`
	TraceID        string              `json:"trace_id"`
	ToolResults    []domain.ToolResult `json:"tool_results"`
}

func (c *Client) syncRetry(ctx context.Context, text string) (Entry, error) {
	out, err := c.askSync(ctx, text)
	if err != nil {
		c.fail()
		return Entry{}, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	c.mu.Lock()
	err = c.machine.to(StateFinalized)
	c.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}

	c.store.SetConversationID(out.ConversationID)
	confidence := out.Confidence
	metrics := out.Metrics.Clone()
	user := Entry{ID: c.newID(), Message: domain.Message{Role: domain.RoleUser, Content: text, Timestamp: c.now().UTC()}}
	agent := Entry{ID: c.newID(), Message: domain.Message{
		Role:        domain.RoleAgent,
		Content:     out.Response,
		Timestamp:   c.now().UTC(),
		ToolsUsed:   append([]string{}, out.ToolsUsed...),
		Confidence:  &confidence,
		Metrics:     &metrics,
		ToolResults: out.ToolResults,
		TraceID:     out.TraceID,
	}}
	c.store.Append(user)
	c.store.Append(agent)
	return agent, nil
}

func (c *Client) askSync(ctx context.Context, text string) (*syncResponse, error) {
	resp, err := c.post(ctx, "/api/agent/chat", text, "application/json")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sync status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
	var out syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path, text, accept string) (*http.Response, error) {
	body, err := json.Marshal(map[string]string{
		"message":         text,
		"conversation_id": c.store.ConversationID(),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	c.decorate(req)
	return c.http.Do(req)
}

func (c *Client) decorate(req *http.Request) {
	if c.sessionID != "" {
		req.Header.Set(identity.SessionHeaderName, c.sessionID)
	}
}

func readErrorBody(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
