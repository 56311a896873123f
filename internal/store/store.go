// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/folio-agent/internal/domain"
)

// ErrNotFound is returned when an update or delete targets a missing row.
var ErrNotFound = errors.New("not found")

// Repository persists conversations, feedback and dividend goals.
type Repository interface {
	ConversationRepository
	FeedbackRepository
	GoalRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// ConversationRepository stores the append-only message log of each conversation.
type ConversationRepository interface {
	// EnsureConversation creates the conversation if it does not exist and
	// reports whether it was created.
	EnsureConversation(ctx context.Context, id, sessionID string) (bool, error)

	// AppendMessage adds a finalized message and bumps the conversation's updated_at.
	AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error

	// GetConversation returns the conversation with all messages, or nil if missing.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// DeleteIdleConversations removes conversations not updated within maxIdle.
	DeleteIdleConversations(ctx context.Context, maxIdle time.Duration) (int64, error)
}

// FeedbackRepository records answer ratings.
type FeedbackRepository interface {
	RecordFeedback(ctx context.Context, fb domain.Feedback) error
}

// GoalRepository manages dividend income goals, newest first.
type GoalRepository interface {
	CreateGoal(ctx context.Context, goal domain.DividendGoal) (domain.DividendGoal, error)
	ListGoals(ctx context.Context) ([]domain.DividendGoal, error)
	UpdateGoal(ctx context.Context, id string, update domain.GoalUpdate) (domain.DividendGoal, error)
	DeleteGoal(ctx context.Context, id string) error
}
