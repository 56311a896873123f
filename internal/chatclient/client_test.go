package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/folio-agent/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const doneFrame = `{"conversation_id":"conv-1","confidence":0.92,"tools_used":["dividend_screener"],"metrics":{"task_id":"t","iterations":2,"input_tokens":10,"output_tokens":5,"total_tokens":15,"duration_seconds":0.2,"total_cost_usd":0.0001,"tools_called":["dividend_screener"],"success":true},"trace_id":"trace-1"}`

func writeFrame(w http.ResponseWriter, event, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type backend struct {
	stream    http.HandlerFunc
	sync      http.HandlerFunc
	health    http.HandlerFunc
	syncCalls atomic.Int32
}

func (b *backend) server(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agent/chat/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		b.stream(w, r)
	})
	mux.HandleFunc("/api/agent/chat", func(w http.ResponseWriter, r *http.Request) {
		b.syncCalls.Add(1)
		if b.sync == nil {
			http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		b.sync(w, r)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if b.health != nil {
			b.health(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"status":"healthy","checks":{"api":"ok","database":"ok"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	n := 0
	c := New(srv.URL,
		WithHTTPClient(srv.Client()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSessionID("tab-1"))
	c.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return srv, c
}

func happyStream(w http.ResponseWriter, _ *http.Request) {
	writeFrame(w, "token", `{"content":"JNJ yields "}`)
	writeFrame(w, "token", `{"content":"3.12%."}`)
	writeFrame(w, "tool_start", `{"tool":"dividend_screener"}`)
	writeFrame(w, "done", doneFrame)
}

func syncOK(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	_ = json.NewDecoder(r.Body).Decode(&req)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"response":        "Answer for: " + req["message"],
		"conversation_id": "conv-sync",
		"tools_used":      []string{"portfolio_analysis"},
		"confidence":      0.81,
		"metrics":         map[string]any{"iterations": 2, "success": true},
		"trace_id":        "trace-sync",
		"tool_results":    []any{},
	})
}

func TestSubmitStreamsAndFinalizes(t *testing.T) {
	b := &backend{stream: happyStream, sync: syncOK}
	_, c := b.server(t)

	entry, err := c.Submit(context.Background(), "What's my dividend yield on JNJ?")
	require.NoError(t, err)

	assert.Equal(t, "JNJ yields 3.12%.", entry.Content)
	assert.False(t, entry.Pending)
	assert.Equal(t, []string{"dividend_screener"}, entry.ToolsUsed)
	require.NotNil(t, entry.Confidence)
	assert.InDelta(t, 0.92, *entry.Confidence, 1e-9)
	require.NotNil(t, entry.Metrics)
	assert.Equal(t, 2, entry.Metrics.Iterations)
	assert.Equal(t, "trace-1", entry.TraceID)

	snap := c.Store().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.RoleUser, snap[0].Role)
	assert.Equal(t, entry, snap[1])
	assert.Equal(t, "conv-1", c.Store().ConversationID())
	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, b.syncCalls.Load())
}

func TestSubmitDropMidStreamRetriesOnce(t *testing.T) {
	b := &backend{
		stream: func(w http.ResponseWriter, _ *http.Request) {
			writeFrame(w, "token", `{"content":"partial one "}`)
			writeFrame(w, "token", `{"content":"partial two"}`)
		},
		sync: syncOK,
	}
	_, c := b.server(t)

	entry, err := c.Submit(context.Background(), "How is my portfolio doing?")
	require.NoError(t, err)

	assert.Equal(t, int32(1), b.syncCalls.Load())
	assert.Equal(t, "Answer for: How is my portfolio doing?", entry.Content)
	assert.False(t, entry.Pending)
	assert.Equal(t, []string{"portfolio_analysis"}, entry.ToolsUsed)

	snap := c.Store().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "How is my portfolio doing?", snap[0].Content)
	for _, e := range snap {
		assert.NotContains(t, e.Content, "partial")
	}
	assert.Equal(t, "conv-sync", c.Store().ConversationID())
	assert.Equal(t, StateIdle, c.State())
}

func TestSubmitRetryFailureIsNotRecursive(t *testing.T) {
	b := &backend{
		stream: func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
		},
	}
	_, c := b.server(t)

	_, err := c.Submit(context.Background(), "How is my portfolio doing?")
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Contains(t, err.Error(), "try again")
	assert.Equal(t, int32(1), b.syncCalls.Load())
	assert.Empty(t, c.Store().Snapshot())
	assert.Equal(t, StateIdle, c.State())
}

func TestSubmitErrorEvent(t *testing.T) {
	b := &backend{
		stream: func(w http.ResponseWriter, _ *http.Request) {
			writeFrame(w, "token", `{"content":"Thinking"}`)
			writeFrame(w, "error", `{"message":"Something went wrong while answering. Please try again."}`)
		},
		sync: syncOK,
	}
	_, c := b.server(t)

	_, err := c.Submit(context.Background(), "How is my portfolio doing?")
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Contains(t, streamErr.Message, "try again")
	assert.Zero(t, b.syncCalls.Load(), "an error event is terminal, not a transport failure")

	snap := c.Store().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.RoleUser, snap[0].Role)
	assert.Equal(t, StateIdle, c.State())
}

func TestSubmitSkipsMalformedFrames(t *testing.T) {
	b := &backend{
		stream: func(w http.ResponseWriter, _ *http.Request) {
			writeFrame(w, "token", `{"content":"Hello"`)
			_, _ = io.WriteString(w, ": ping\n\n")
			writeFrame(w, "token", `{"content":"Hello"}`)
			writeFrame(w, "done", doneFrame)
		},
		sync: syncOK,
	}
	_, c := b.server(t)

	entry, err := c.Submit(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello", entry.Content)
}

func TestSubmitWhileInFlightIsNoop(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	b := &backend{
		stream: func(w http.ResponseWriter, r *http.Request) {
			writeFrame(w, "token", `{"content":"working"}`)
			close(started)
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			writeFrame(w, "done", doneFrame)
		},
		sync: syncOK,
	}
	_, c := b.server(t)

	type result struct {
		entry Entry
		err   error
	}
	first := make(chan result, 1)
	go func() {
		e, err := c.Submit(context.Background(), "first")
		first <- result{e, err}
	}()

	<-started
	require.Eventually(t, func() bool { return c.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)
	before := c.Store().Snapshot()

	_, err := c.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, ErrTurnInFlight)
	assert.Equal(t, before, c.Store().Snapshot())

	close(release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, "working", res.entry.Content)
	assert.Len(t, c.Store().Snapshot(), 2)
}

func TestSubmitRejectsEmpty(t *testing.T) {
	b := &backend{stream: happyStream}
	_, c := b.server(t)
	_, err := c.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, StateIdle, c.State())
}

func TestHealthGatesSubmission(t *testing.T) {
	var healthy atomic.Bool
	b := &backend{
		stream: happyStream,
		health: func(w http.ResponseWriter, _ *http.Request) {
			if healthy.Load() {
				_, _ = io.WriteString(w, `{"status":"healthy","checks":{"api":"ok"}}`)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"status":"degraded","checks":{"database":"unreachable"}}`)
		},
	}
	_, c := b.server(t)

	report, err := c.Health(context.Background())
	require.ErrorIs(t, err, ErrUnreachableBackend)
	assert.Equal(t, "degraded", report.Status)
	assert.False(t, c.Reachable())

	_, err = c.Submit(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrUnreachableBackend)
	assert.Empty(t, c.Store().Snapshot())

	healthy.Store(true)
	_, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Reachable())

	_, err = c.Submit(context.Background(), "hi")
	require.NoError(t, err)
}

func TestHealthConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	hc := srv.Client()
	srv.Close()

	c := New(url, WithHTTPClient(hc), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	_, err := c.Health(context.Background())
	assert.ErrorIs(t, err, ErrUnreachableBackend)
	assert.False(t, c.Reachable())
}

func TestHealthCancelledKeepsReachability(t *testing.T) {
	b := &backend{
		stream: happyStream,
		health: func(_ http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		},
	}
	_, c := b.server(t)
	require.True(t, c.Reachable())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := c.Health(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrUnreachableBackend)
	assert.True(t, c.Reachable(), "cancelling a check does not mark the backend down")

	// Same for a watcher stopped mid-check.
	ctx, cancel = context.WithCancel(context.Background())
	done := c.Watch(ctx, time.Hour)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	assert.True(t, c.Reachable())
}

func TestWatchStopsOnCancel(t *testing.T) {
	b := &backend{stream: happyStream}
	_, c := b.server(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := c.Watch(ctx, 5*time.Millisecond)
	require.Eventually(t, c.Reachable, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestToolsFeedbackConversation(t *testing.T) {
	var feedback map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agent/tools", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"tools":[{"name":"portfolio_analysis","description":"Holdings"}]}`)
	})
	mux.HandleFunc("/api/agent/feedback", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&feedback)
		assert.Equal(t, "tab-1", r.Header.Get("X-Folio-Session-ID"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"status":"accepted"}`)
	})
	mux.HandleFunc("/api/agent/conversations/conv-9", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id":"conv-9","messages":[{"role":"user","content":"hi"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, WithHTTPClient(srv.Client()), WithSessionID("tab-1"), WithConversationID("conv-9"))
	ctx := context.Background()

	tools, err := c.Tools(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ToolInfo{{Name: "portfolio_analysis", Description: "Holdings"}}, tools)

	require.NoError(t, c.Feedback(ctx, "trace-1", 1, "great"))
	assert.Equal(t, "trace-1", feedback["trace_id"])
	assert.EqualValues(t, 1, feedback["score"])

	conv, err := c.Conversation(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "conv-9", conv.ID)
	require.Len(t, conv.Messages, 1)
	assert.True(t, strings.EqualFold("hi", conv.Messages[0].Content))
}
