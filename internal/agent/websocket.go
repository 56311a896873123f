package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/folio-agent/internal/domain"
	"github.com/ashureev/folio-agent/internal/stream"
)

// wsFrameWriter adapts websocket.Conn to stream.FrameWriter. Events travel as
// JSON text frames; keepalives are protocol pings.
type wsFrameWriter struct {
	conn    *websocket.Conn
	ctx     context.Context
	timeout time.Duration
}

func (w *wsFrameWriter) WriteEvent(eventType domain.EventType, data []byte) error {
	frame, err := stream.MarshalFrame(eventType, data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()
	return w.conn.Write(ctx, websocket.MessageText, frame)
}

func (w *wsFrameWriter) WriteKeepalive() error {
	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()
	return w.conn.Ping(ctx)
}

// HandleChatWebSocket handles GET /api/agent/chat/ws. The client sends one
// ChatRequest as a text message and receives the turn's events as frames; the
// server closes the connection after the terminal event.
func (h *Handler) HandleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "turn complete"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(h.maxBodySize())

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	_, raw, err := ws.Read(ctx)
	cancel()
	if err != nil {
		h.logger.Debug("WebSocket closed before request", "error", err)
		return
	}

	out := &wsFrameWriter{conn: ws, ctx: r.Context(), timeout: 10 * time.Second}
	enc := stream.NewEncoder(out)

	var req ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil || strings.TrimSpace(req.Message) == "" {
		if encErr := enc.Encode(domain.ErrorEvent("Invalid request. Please send a message and try again.")); encErr != nil {
			h.logger.Debug("Failed to write WebSocket error frame", "error", encErr)
		}
		return
	}

	turn := h.turnRequest(r, req, "chat_ws")
	unlock, err := h.svc.lock(turn.ConversationID)
	if err != nil {
		if encErr := enc.Encode(domain.ErrorEvent("A response is already in progress for this conversation. Please try again when it finishes.")); encErr != nil {
			h.logger.Debug("Failed to write WebSocket error frame", "error", encErr)
		}
		return
	}

	// Pings need a concurrent reader to consume pongs; the client sends nothing else.
	readCtx := ws.CloseRead(r.Context())
	h.logger.Info("Agent WebSocket turn started", "conversation_id", turn.ConversationID, "client_id", turn.ClientID)
	h.streamTurn(r.WithContext(readCtx), enc, turn, unlock)
}

func (h *Handler) originPatterns() []string {
	origin := strings.TrimSpace(h.cfg.FrontendURL)
	if origin == "" || h.cfg.IsDevelopment() {
		return []string{"*"}
	}
	origin = strings.TrimPrefix(origin, "https://")
	origin = strings.TrimPrefix(origin, "http://")
	return []string{strings.TrimSuffix(origin, "/")}
}
