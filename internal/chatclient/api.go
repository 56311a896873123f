package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/folio-agent/internal/domain"
)

// HealthReport is the server's health body.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ToolInfo is one entry of the server's tool listing.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Health checks the server and updates reachability. While unreachable,
// Submit is disabled.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	status, err := c.getJSON(ctx, "/health", &report)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Our own cancellation says nothing about the backend.
		return report, ctxErr
	}
	reachable := err == nil && status == http.StatusOK

	c.mu.Lock()
	changed := c.unreachable == reachable
	c.unreachable = !reachable
	c.mu.Unlock()
	if changed {
		c.logger.Info("[ChatClient] connectivity changed", "reachable", reachable)
	}

	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrUnreachableBackend, err)
	}
	if status != http.StatusOK {
		return report, fmt.Errorf("%w: health status %d (%s)", ErrUnreachableBackend, status, report.Status)
	}
	return report, nil
}

// Watch checks health every interval until ctx is cancelled. The returned
// channel closes when the watcher has stopped.
func (c *Client) Watch(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_, _ = c.Health(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return done
}

// Tools lists the server's registered tools.
func (c *Client) Tools(ctx context.Context) ([]ToolInfo, error) {
	var body struct {
		Tools []ToolInfo `json:"tools"`
	}
	status, err := c.getJSON(ctx, "/api/agent/tools", &body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list tools: status %d", status)
	}
	return body.Tools, nil
}

// Conversation fetches a stored conversation. An empty id uses the current one.
func (c *Client) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	if id == "" {
		id = c.store.ConversationID()
	}
	if id == "" {
		return nil, fmt.Errorf("no conversation yet")
	}
	var conv domain.Conversation
	status, err := c.getJSON(ctx, "/api/agent/conversations/"+url.PathEscape(id), &conv)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get conversation %s: status %d", id, status)
	}
	return &conv, nil
}

// Feedback rates an answer: 1 for helpful, 0 for not.
func (c *Client) Feedback(ctx context.Context, traceID string, score int, comment string) error {
	body, err := json.Marshal(map[string]any{"trace_id": traceID, "score": score, "comment": comment})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/agent/feedback", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send feedback: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("send feedback: status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, into any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil && resp.StatusCode == http.StatusOK {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}
