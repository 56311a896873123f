// Package agent runs portfolio question turns: classification, the bounded
// reasoning loop, verification, persistence and delivery over HTTP.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/folio-agent/internal/classifier"
	"github.com/ashureev/folio-agent/internal/domain"
	"github.com/ashureev/folio-agent/internal/store"
	"github.com/ashureev/folio-agent/internal/tooling"
	"github.com/ashureev/folio-agent/internal/verify"
)

// EmptyMessageReply answers a blank submission without running the loop.
const EmptyMessageReply = "It looks like you sent an empty message. How can I help you with your portfolio today?"

var (
	// ErrTurnInProgress is returned when a conversation already has a turn running.
	ErrTurnInProgress = errors.New("a turn is already in progress for this conversation")
	// ErrInvalidFeedback is returned for scores other than 0 or 1.
	ErrInvalidFeedback = errors.New("feedback score must be 0 or 1")
	// ErrConversationNotFound is returned for unknown conversation ids.
	ErrConversationNotFound = errors.New("conversation not found")
)

// TurnRequest is one user utterance.
type TurnRequest struct {
	Message        string
	ConversationID string
	SessionID      string
	ClientID       string
	Channel        string
}

// TurnResult is a finalized agent answer.
type TurnResult struct {
	ConversationID string
	Content        string
	Confidence     domain.ConfidenceScore
	ToolsUsed      []string
	Metrics        domain.AgentMetrics
	ToolResults    []domain.ToolResult
	TraceID        string
	Warnings       []string
}

// Done returns the terminal stream payload for the result.
func (r *TurnResult) Done() domain.DonePayload {
	return domain.DonePayload{
		ConversationID: r.ConversationID,
		Confidence:     r.Confidence.Value,
		ToolsUsed:      append([]string{}, r.ToolsUsed...),
		Metrics:        r.Metrics.Clone(),
		TraceID:        r.TraceID,
	}
}

// Repository is the persistence the service needs.
type Repository interface {
	store.ConversationRepository
	store.FeedbackRepository
}

// Service runs turns end to end.
type Service struct {
	loop     *Loop
	registry *tooling.Registry
	repo     Repository
	log      ConversationLogger
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time

	// One turn per conversation at a time. Synchronous callers wait up to
	// turnWait for a running turn to finish.
	locks    *turnLocks
	turnWait time.Duration
}

// NewService wires a service. A nil conversation logger disables trace logs.
func NewService(loop *Loop, registry *tooling.Registry, repo Repository, convLog ConversationLogger, logger *slog.Logger) *Service {
	if convLog == nil {
		convLog = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	var turnWait time.Duration
	if loop != nil {
		turnWait = loop.bounds.MaxDuration()
	}
	return &Service{
		loop:     loop,
		registry: registry,
		repo:     repo,
		log:      convLog,
		logger:   logger,
		newID:    uuid.NewString,
		now:      time.Now,
		locks:    newTurnLocks(),
		turnWait: turnWait,
	}
}

// Tools describes the registered tools.
func (s *Service) Tools() []tooling.ToolDescriptor {
	return s.registry.Describe()
}

// Ask runs one turn and returns the verified answer. If the conversation
// already has a turn running, Ask waits for it to finish (at most one loop
// duration) before starting its own.
func (s *Service) Ask(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return s.emptyReply(req), nil
	}
	if req.ConversationID == "" {
		req.ConversationID = s.newID()
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.turnWait)
	unlock, err := s.locks.acquire(waitCtx, req.ConversationID)
	cancel()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.run(ctx, req)
}

// lock claims the conversation for one turn without waiting.
func (s *Service) lock(conversationID string) (func(), error) {
	return s.locks.tryAcquire(conversationID)
}

func (s *Service) emptyReply(req TurnRequest) *TurnResult {
	id := req.ConversationID
	if id == "" {
		id = s.newID()
	}
	return &TurnResult{
		ConversationID: id,
		Content:        EmptyMessageReply,
		Confidence:     domain.NewConfidence(0),
		ToolsUsed:      []string{},
		Metrics:        domain.AgentMetrics{Success: true, ToolsCalled: []string{}},
	}
}

// run executes a turn for a conversation the caller has locked.
func (s *Service) run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	message := strings.TrimSpace(req.Message)
	if _, err := s.repo.EnsureConversation(ctx, req.ConversationID, req.SessionID); err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	conv, err := s.repo.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	var history []domain.Message
	if conv != nil {
		history = conv.Messages
	}

	if err := s.repo.AppendMessage(ctx, req.ConversationID, domain.Message{
		Role:      domain.RoleUser,
		Content:   message,
		Timestamp: s.now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	s.log.Log(ConversationLogEvent{
		ClientID:       req.ClientID,
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
		Channel:        req.Channel,
		Direction:      "outbound",
		EventType:      "chat_user_message",
		ContentRaw:     message,
	})

	category := classifier.Classify(message, history)
	s.logger.Info("[Agent] turn started",
		"conversation_id", req.ConversationID,
		"session_id", req.SessionID,
		"category", category,
		"message_length", len(message))

	outcome, err := s.loop.Run(ctx, LoopInput{Question: message, History: history, Category: category})
	if err != nil {
		s.logger.Error("[Agent] turn failed", "conversation_id", req.ConversationID, "error", err)
		s.log.Log(ConversationLogEvent{
			ClientID:       req.ClientID,
			SessionID:      req.SessionID,
			ConversationID: req.ConversationID,
			Channel:        req.Channel,
			Direction:      "inbound",
			EventType:      "chat_turn_error",
			Meta:           map[string]any{"error": err.Error()},
		})
		return nil, err
	}

	verified := verify.Verify(verify.Input{
		Draft:    outcome.Draft,
		Results:  outcome.Results,
		Metrics:  outcome.Metrics,
		Category: category,
	})
	result := &TurnResult{
		ConversationID: req.ConversationID,
		Content:        verified.Content,
		Confidence:     verified.Confidence,
		ToolsUsed:      outcome.ToolsUsed,
		Metrics:        verified.Metrics,
		ToolResults:    outcome.Results,
		TraceID:        s.newID(),
		Warnings:       verified.Warnings,
	}

	confidence := result.Confidence.Value
	metrics := result.Metrics.Clone()
	if err := s.repo.AppendMessage(ctx, req.ConversationID, domain.Message{
		Role:        domain.RoleAgent,
		Content:     result.Content,
		Timestamp:   s.now().UTC(),
		ToolsUsed:   append([]string{}, result.ToolsUsed...),
		Confidence:  &confidence,
		Metrics:     &metrics,
		ToolResults: domain.CloneToolResults(result.ToolResults),
		TraceID:     result.TraceID,
	}); err != nil {
		s.logger.Warn("[Agent] failed to persist answer", "conversation_id", req.ConversationID, "error", err)
	}

	s.log.Log(ConversationLogEvent{
		ClientID:       req.ClientID,
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
		TraceID:        result.TraceID,
		Channel:        req.Channel,
		Direction:      "inbound",
		EventType:      "chat_agent_message",
		ContentRaw:     result.Content,
		Meta: map[string]any{
			"category":      string(category),
			"confidence":    confidence,
			"bucket":        string(result.Confidence.Bucket()),
			"tools_used":    result.ToolsUsed,
			"metrics":       metrics,
			"warnings":      result.Warnings,
			"checks_passed": verified.ChecksPassed,
		},
	})
	s.logger.Info("[Agent] turn finished",
		"conversation_id", req.ConversationID,
		"trace_id", result.TraceID,
		"iterations", metrics.Iterations,
		"tools", len(result.ToolsUsed),
		"confidence", confidence,
		"bound_exceeded", metrics.BoundExceeded)
	return result, nil
}

// RecordFeedback stores a binary rating for an answer.
func (s *Service) RecordFeedback(ctx context.Context, fb domain.Feedback) error {
	if fb.Score != 0 && fb.Score != 1 {
		return ErrInvalidFeedback
	}
	if strings.TrimSpace(fb.TraceID) == "" {
		return errors.New("trace_id is required")
	}
	fb.CreatedAt = s.now().UTC()
	if err := s.repo.RecordFeedback(ctx, fb); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	s.log.Log(ConversationLogEvent{
		TraceID:    fb.TraceID,
		Channel:    "feedback",
		Direction:  "outbound",
		EventType:  "feedback",
		ContentRaw: fb.Comment,
		Meta:       map[string]any{"score": fb.Score},
	})
	return nil
}

// Conversation returns a stored conversation.
func (s *Service) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// Close releases the trace log.
func (s *Service) Close() error {
	return s.log.Close()
}
