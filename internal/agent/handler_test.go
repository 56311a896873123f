package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/folio-agent/internal/config"
	"github.com/ashureev/folio-agent/internal/domain"
	"github.com/ashureev/folio-agent/internal/identity"
	"github.com/ashureev/folio-agent/internal/llm"
	"github.com/ashureev/folio-agent/internal/stream"
)

const testClientID = "anon_0123456789abcdef0123456789abcdef"

func testConfig() *config.Config {
	return &config.Config{
		SSE: config.SSEConfig{
			KeepaliveInterval: time.Second,
			MaxBodyBytes:      4096,
			TokenChunkSize:    16,
		},
	}
}

func newTestServer(t *testing.T, reasoner llm.Reasoner, cfg *config.Config) (*httptest.Server, *Service) {
	t.Helper()
	svc, _ := newTestService(t, reasoner)
	h := NewHandler(svc, cfg, discardLogger())
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, svc
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: identity.ClientCookieName, Value: testClientID})
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readEvents(t *testing.T, body io.Reader) []domain.StreamEvent {
	t.Helper()
	reader := stream.NewReader(body)
	var events []domain.StreamEvent
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestHandleChatStreamWireFormat(t *testing.T) {
	srv, svc := newTestServer(t, llm.NewRulesReasoner(), testConfig())

	resp := post(t, srv, "/api/agent/chat/stream", `{"message":"What's my dividend yield on JNJ?","conversation_id":"conv-sse"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.GreaterOrEqual(t, len(events), 3)

	var content strings.Builder
	i := 0
	for ; i < len(events) && events[i].Type == domain.EventToken; i++ {
		content.WriteString(events[i].Token.Content)
	}
	require.Equal(t, domain.EventToolStart, events[i].Type)
	assert.Equal(t, "dividend_screener", events[i].ToolStart.Tool)
	last := events[len(events)-1]
	require.Equal(t, domain.EventDone, last.Type)
	assert.Equal(t, i+2, len(events), "one tool_start then done")

	done := last.Done
	assert.Equal(t, "conv-sse", done.ConversationID)
	assert.Equal(t, []string{"dividend_screener"}, done.ToolsUsed)
	assert.GreaterOrEqual(t, done.Confidence, 0.5)
	assert.NotEmpty(t, done.TraceID)
	assert.Equal(t, 2, done.Metrics.Iterations)

	conv, err := svc.Conversation(context.Background(), "conv-sse")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, conv.Messages[1].Content, content.String(), "tokens concatenate to the stored answer")
}

func TestHandleChatStreamKeepalive(t *testing.T) {
	reasoner := &scriptedReasoner{step: func(ctx context.Context, _ llm.ReasonRequest) (llm.ReasonStep, error) {
		select {
		case <-time.After(80 * time.Millisecond):
		case <-ctx.Done():
			return llm.ReasonStep{}, ctx.Err()
		}
		return llm.ReasonStep{Content: "I can look at your holdings and dividends."}, nil
	}}
	cfg := testConfig()
	cfg.SSE.KeepaliveInterval = 10 * time.Millisecond
	srv, _ := newTestServer(t, reasoner, cfg)

	resp := post(t, srv, "/api/agent/chat/stream", `{"message":"hello there, what can you do?"}`)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), ": ping\n\n")

	events := readEvents(t, bytes.NewReader(raw))
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventDone, events[len(events)-1].Type)
}

func TestHandleChatStreamFailureEmitsError(t *testing.T) {
	reasoner := &scriptedReasoner{step: func(context.Context, llm.ReasonRequest) (llm.ReasonStep, error) {
		return llm.ReasonStep{}, errors.New("provider down")
	}}
	srv, _ := newTestServer(t, reasoner, testConfig())

	resp := post(t, srv, "/api/agent/chat/stream", `{"message":"How is my portfolio doing?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp.Body)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventError, events[0].Type)
	assert.Equal(t, StreamFailureMessage, events[0].Error.Message)
}

func TestHandleChatStreamRejects(t *testing.T) {
	srv, svc := newTestServer(t, llm.NewRulesReasoner(), testConfig())

	resp := post(t, srv, "/api/agent/chat/stream", `{"message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv, "/api/agent/chat/stream", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv, "/api/agent/chat/stream", `{"message":"`+strings.Repeat("a", 5000)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	svc.turnWait = 20 * time.Millisecond
	unlock, err := svc.lock("busy")
	require.NoError(t, err)
	defer unlock()
	resp = post(t, srv, "/api/agent/chat/stream", `{"message":"How is my portfolio doing?","conversation_id":"busy"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = post(t, srv, "/api/agent/chat", `{"message":"How is my portfolio doing?","conversation_id":"busy"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandleChatSyncRetryAfterStreamDrop(t *testing.T) {
	reasoner := &scriptedReasoner{step: func(context.Context, llm.ReasonRequest) (llm.ReasonStep, error) {
		time.Sleep(150 * time.Millisecond)
		return llm.ReasonStep{Content: "Your portfolio is up this month."}, nil
	}}
	srv, svc := newTestServer(t, reasoner, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/agent/chat/stream",
		strings.NewReader(`{"message":"How is my portfolio doing?","conversation_id":"conv-drop"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: identity.ClientCookieName, Value: testClientID})
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Drop the stream before the first token arrives.
	time.Sleep(30 * time.Millisecond)
	cancel()
	_ = resp.Body.Close()

	retry := post(t, srv, "/api/agent/chat", `{"message":"How is my portfolio doing?","conversation_id":"conv-drop"}`)
	require.Equal(t, http.StatusOK, retry.StatusCode, "the retry waits for the dropped turn")
	var out ChatResponse
	require.NoError(t, json.NewDecoder(retry.Body).Decode(&out))
	assert.Equal(t, "conv-drop", out.ConversationID)
	assert.NotEmpty(t, out.Response)

	conv, err := svc.Conversation(context.Background(), "conv-drop")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 4, "both turns are stored")
	assert.Zero(t, svc.locks.size())
}

func TestHandleChatSync(t *testing.T) {
	srv, _ := newTestServer(t, llm.NewRulesReasoner(), testConfig())

	resp := post(t, srv, "/api/agent/chat", `{"message":"What's my dividend yield on JNJ?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.Response)
	assert.NotEmpty(t, out.ConversationID)
	assert.NotEmpty(t, out.TraceID)
	assert.Equal(t, []string{"dividend_screener"}, out.ToolsUsed)
	require.Len(t, out.ToolResults, 1)
	assert.Equal(t, domain.ToolStatusSuccess, out.ToolResults[0].Status)
	assert.GreaterOrEqual(t, out.Confidence, 0.5)

	resp = post(t, srv, "/api/agent/chat", `{"message":""}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	assert.Equal(t, EmptyMessageReply, empty.Response)
	assert.Zero(t, empty.Confidence)
	assert.NotNil(t, empty.ToolsUsed)
}

func TestHandleChatRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 1, Window: time.Minute}
	srv, _ := newTestServer(t, llm.NewRulesReasoner(), cfg)

	resp := post(t, srv, "/api/agent/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, srv, "/api/agent/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandleToolsFeedbackAndConversation(t *testing.T) {
	srv, _ := newTestServer(t, llm.NewRulesReasoner(), testConfig())

	resp, err := srv.Client().Get(srv.URL + "/api/agent/tools")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var listing struct {
		Tools []ToolSummary `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Tools, 11)
	assert.Equal(t, "benchmark_comparison", listing.Tools[0].Name)
	assert.NotEmpty(t, listing.Tools[0].Description)

	assert.Equal(t, http.StatusAccepted, post(t, srv, "/api/agent/feedback", `{"trace_id":"t-1","score":1}`).StatusCode)
	assert.Equal(t, http.StatusAccepted, post(t, srv, "/api/agent/feedback", `{"trace_id":"t-1","score":0}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/agent/feedback", `{"trace_id":"t-1","score":3}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/agent/feedback", `{"trace_id":"t-1"}`).StatusCode)

	missing, err := srv.Client().Get(srv.URL + "/api/agent/conversations/nope")
	require.NoError(t, err)
	defer func() { _ = missing.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	chat := post(t, srv, "/api/agent/chat", `{"message":"How is my portfolio doing?","conversation_id":"conv-get"}`)
	require.Equal(t, http.StatusOK, chat.StatusCode)
	found, err := srv.Client().Get(srv.URL + "/api/agent/conversations/conv-get")
	require.NoError(t, err)
	defer func() { _ = found.Body.Close() }()
	require.Equal(t, http.StatusOK, found.StatusCode)
	var conv domain.Conversation
	require.NoError(t, json.NewDecoder(found.Body).Decode(&conv))
	assert.Len(t, conv.Messages, 2)
}

func TestHandleChatWebSocket(t *testing.T) {
	srv, _ := newTestServer(t, llm.NewRulesReasoner(), testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/agent/chat/ws"
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: srv.Client()})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.CloseNow() }()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"message":"What's my dividend yield on JNJ?"}`)))

	var (
		content strings.Builder
		tools   []string
		done    *domain.DonePayload
	)
	for done == nil {
		_, raw, err := conn.Read(ctx)
		require.NoError(t, err)
		ev, err := stream.UnmarshalFrame(raw)
		require.NoError(t, err)
		switch ev.Type {
		case domain.EventToken:
			content.WriteString(ev.Token.Content)
		case domain.EventToolStart:
			tools = append(tools, ev.ToolStart.Tool)
		case domain.EventDone:
			done = ev.Done
		default:
			t.Fatalf("unexpected event %s", ev.Type)
		}
	}
	assert.Contains(t, content.String(), "JNJ")
	assert.Equal(t, []string{"dividend_screener"}, tools)
	assert.Equal(t, []string{"dividend_screener"}, done.ToolsUsed)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestHandleChatWebSocketInvalidRequest(t *testing.T) {
	srv, _ := newTestServer(t, llm.NewRulesReasoner(), testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/agent/chat/ws"
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: srv.Client()})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.CloseNow() }()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"message":""}`)))
	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)
	ev, err := stream.UnmarshalFrame(raw)
	require.NoError(t, err)
	require.Equal(t, domain.EventError, ev.Type)
	assert.Contains(t, ev.Error.Message, "try again")
}
