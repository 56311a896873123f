package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/folio-agent/internal/api"
	"github.com/ashureev/folio-agent/internal/config"
	"github.com/ashureev/folio-agent/internal/domain"
	"github.com/ashureev/folio-agent/internal/identity"
	"github.com/ashureev/folio-agent/internal/stream"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (64KB).
const defaultMaxRequestBodySize = 64 << 10

// StreamFailureMessage is sent as the error event when a turn cannot finish.
const StreamFailureMessage = "Something went wrong while answering. Please try again."

// Handler serves the agent HTTP API.
type Handler struct {
	svc         *Service
	cfg         *config.Config
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// NewHandler creates the agent HTTP handler. A nil config uses defaults.
func NewHandler(svc *Service, cfg *config.Config, logger *slog.Logger) *Handler {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{svc: svc, cfg: cfg, logger: logger}
	if cfg.RateLimit.Enabled && cfg.RateLimit.Requests > 0 {
		h.rateLimiter = NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}
	return h
}

// RegisterRoutes registers agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Post("/chat/stream", h.HandleChatStream)
		r.Get("/chat/ws", h.HandleChatWebSocket)
		r.Get("/tools", h.HandleTools)
		r.Post("/feedback", h.HandleFeedback)
		r.Get("/conversations/{id}", h.HandleConversation)
	})
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
	if err := h.svc.Close(); err != nil {
		h.logger.Warn("Failed to close conversation log", "error", err)
	}
}

// HandleChat handles POST /api/agent/chat, the synchronous path.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	req, ok := h.decodeChat(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Ask(r.Context(), h.turnRequest(r, req, "chat_http"))
	if err != nil {
		h.turnError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, newChatResponse(result))
}

// HandleChatStream handles POST /api/agent/chat/stream.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	req, ok := h.decodeChat(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	turn := h.turnRequest(r, req, "chat_sse")
	unlock, err := h.svc.lock(turn.ConversationID)
	if err != nil {
		api.Error(w, http.StatusConflict, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		unlock()
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("Agent stream started",
		"conversation_id", turn.ConversationID,
		"client_id", turn.ClientID,
		"request_id", chiMiddleware.GetReqID(r.Context()))

	enc := stream.NewSSEEncoder(w)
	h.streamTurn(r, enc, turn, unlock)
}

// streamTurn runs a locked turn and writes its events to enc, sending
// keepalives until the turn finishes.
func (h *Handler) streamTurn(r *http.Request, enc *stream.Encoder, turn TurnRequest, unlock func()) {
	type turnOutcome struct {
		result *TurnResult
		err    error
	}
	done := make(chan turnOutcome, 1)
	go func() {
		defer unlock()
		result, err := h.svc.run(context.WithoutCancel(r.Context()), turn)
		done <- turnOutcome{result: result, err: err}
	}()

	keepalive := time.NewTicker(h.keepaliveInterval())
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			// The turn still finishes and persists; only delivery stops.
			h.logger.Info("Agent stream disconnected", "conversation_id", turn.ConversationID)
			<-done
			return
		case <-keepalive.C:
			if err := enc.Keepalive(); err != nil {
				h.logger.Warn("Failed to write SSE keepalive", "conversation_id", turn.ConversationID, "error", err)
			}
		case out := <-done:
			if out.err != nil {
				if err := enc.Encode(domain.ErrorEvent(StreamFailureMessage)); err != nil {
					h.logger.Warn("Failed to write SSE error event", "error", err)
				}
				return
			}
			if err := enc.WriteTurn(out.result.Content, h.cfg.SSE.TokenChunkSize, out.result.Done()); err != nil {
				h.logger.Warn("Failed to write SSE turn",
					"conversation_id", turn.ConversationID,
					"trace_id", out.result.TraceID,
					"error", err)
			}
			return
		}
	}
}

// HandleTools handles GET /api/agent/tools.
func (h *Handler) HandleTools(w http.ResponseWriter, _ *http.Request) {
	descriptors := h.svc.Tools()
	tools := make([]ToolSummary, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, ToolSummary{Name: d.Name, Description: d.Description})
	}
	api.JSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// HandleFeedback handles POST /api/agent/feedback.
func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.TraceID) == "" || req.Score == nil {
		api.Error(w, http.StatusBadRequest, "trace_id and score are required")
		return
	}

	err := h.svc.RecordFeedback(r.Context(), domain.Feedback{
		TraceID: req.TraceID,
		Score:   *req.Score,
		Comment: req.Comment,
	})
	switch {
	case errors.Is(err, ErrInvalidFeedback):
		api.Error(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.logger.Error("Failed to record feedback", "trace_id", req.TraceID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to record feedback")
	default:
		api.JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

// HandleConversation handles GET /api/agent/conversations/{id}.
func (h *Handler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := h.svc.Conversation(r.Context(), id)
	switch {
	case errors.Is(err, ErrConversationNotFound):
		api.Error(w, http.StatusNotFound, err.Error())
	case err != nil:
		h.logger.Error("Failed to load conversation", "conversation_id", id, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load conversation")
	default:
		api.JSON(w, http.StatusOK, conv)
	}
}

// allow applies the per-client rate limit. Keyed by client id only so
// rotating session ids cannot bypass throttling.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.rateLimiter == nil {
		return true
	}
	key := identity.ClientIDFromContext(r.Context())
	if key == "" {
		key = identity.IPFromRequest(r)
	}
	if !h.rateLimiter.Allow(key) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded, please try again shortly")
		return false
	}
	return true
}

func (h *Handler) decodeChat(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return req, false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

func (h *Handler) turnRequest(r *http.Request, req ChatRequest, channel string) TurnRequest {
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = h.svc.newID()
	}
	return TurnRequest{
		Message:        req.Message,
		ConversationID: conversationID,
		SessionID:      identity.SessionIDFromContext(r.Context()),
		ClientID:       identity.ClientIDFromContext(r.Context()),
		Channel:        channel,
	}
}

func (h *Handler) turnError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrTurnInProgress) {
		api.Error(w, http.StatusConflict, err.Error())
		return
	}
	api.Error(w, http.StatusInternalServerError, StreamFailureMessage)
}

func (h *Handler) maxBodySize() int64 {
	if h.cfg.SSE.MaxBodyBytes > 0 {
		return h.cfg.SSE.MaxBodyBytes
	}
	return defaultMaxRequestBodySize
}

func (h *Handler) keepaliveInterval() time.Duration {
	if h.cfg.SSE.KeepaliveInterval > 0 {
		return h.cfg.SSE.KeepaliveInterval
	}
	return 10 * time.Second
}
