package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/folio-agent/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "folio.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConversationRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	created, err := s.EnsureConversation(ctx, "conv-1", "sess-1")
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if !created {
		t.Fatal("expected conversation to be created")
	}
	created, err = s.EnsureConversation(ctx, "conv-1", "sess-1")
	if err != nil || created {
		t.Fatalf("second EnsureConversation created=%v err=%v", created, err)
	}

	conf := 0.82
	if err := s.AppendMessage(ctx, "conv-1", domain.Message{Role: domain.RoleUser, Content: "What's my dividend yield on JNJ?"}); err != nil {
		t.Fatalf("append user: %v", err)
	}
	agentMsg := domain.Message{
		Role:       domain.RoleAgent,
		Content:    "JNJ yields 3.12%.",
		ToolsUsed:  []string{"dividend_screener"},
		Confidence: &conf,
		Metrics:    &domain.AgentMetrics{Iterations: 2, Success: true},
		ToolResults: []domain.ToolResult{{
			Tool: "dividend_screener", Status: domain.ToolStatusSuccess, Payload: json.RawMessage(`{"x":1}`),
		}},
		TraceID: "trace-1",
	}
	if err := s.AppendMessage(ctx, "conv-1", agentMsg); err != nil {
		t.Fatalf("append agent: %v", err)
	}

	conv, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv == nil || len(conv.Messages) != 2 {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if conv.SessionID != "sess-1" {
		t.Fatalf("session id = %q", conv.SessionID)
	}
	got := conv.Messages[1]
	if got.Role != domain.RoleAgent || got.Content != agentMsg.Content || got.TraceID != "trace-1" {
		t.Fatalf("agent message mismatch: %+v", got)
	}
	if got.Confidence == nil || *got.Confidence != conf {
		t.Fatalf("confidence mismatch: %v", got.Confidence)
	}
	if got.Metrics == nil || got.Metrics.Iterations != 2 || len(got.ToolsUsed) != 1 || len(got.ToolResults) != 1 {
		t.Fatalf("metadata mismatch: %+v", got)
	}
}

func TestGetConversationMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	conv, err := s.GetConversation(context.Background(), "nope")
	if err != nil || conv != nil {
		t.Fatalf("expected nil, nil; got %v, %v", conv, err)
	}
}

func TestAppendMessageRejectsPendingAndMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.AppendMessage(ctx, "missing", domain.Message{Role: domain.RoleUser, Content: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.EnsureConversation(ctx, "c", ""); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if err := s.AppendMessage(ctx, "c", domain.Message{Role: domain.RoleAgent, Pending: true}); err == nil {
		t.Fatal("expected pending message to be rejected")
	}
}

func TestDeleteIdleConversations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Now()
	s.now = func() time.Time { return base.Add(-48 * time.Hour) }
	if _, err := s.EnsureConversation(ctx, "old", ""); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if err := s.AppendMessage(ctx, "old", domain.Message{Role: domain.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	s.now = func() time.Time { return base }
	if _, err := s.EnsureConversation(ctx, "fresh", ""); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	deleted, err := s.DeleteIdleConversations(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("DeleteIdleConversations: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if conv, _ := s.GetConversation(ctx, "old"); conv != nil {
		t.Fatal("old conversation still present")
	}
	if conv, _ := s.GetConversation(ctx, "fresh"); conv == nil {
		t.Fatal("fresh conversation removed")
	}
}

func TestRecordFeedback(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.RecordFeedback(context.Background(), domain.Feedback{TraceID: "t1", Score: 1}); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM feedback WHERE trace_id = 't1' AND score = 1`).Scan(&count); err != nil {
		t.Fatalf("count feedback: %v", err)
	}
	if count != 1 {
		t.Fatalf("feedback rows = %d", count)
	}
}

func TestGoalLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.CreateGoal(ctx, domain.DividendGoal{}); err == nil {
		t.Fatal("expected zero target to be rejected")
	}

	goal, err := s.CreateGoal(ctx, domain.DividendGoal{TargetMonthly: 2000})
	if err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	if goal.TargetAnnual != 24000 || goal.Currency != "USD" || goal.ID == "" {
		t.Fatalf("unexpected goal: %+v", goal)
	}

	goals, err := s.ListGoals(ctx)
	if err != nil || len(goals) != 1 {
		t.Fatalf("ListGoals: %v %v", goals, err)
	}

	annual := 36000.0
	notes := "retire early"
	updated, err := s.UpdateGoal(ctx, goal.ID, domain.GoalUpdate{TargetAnnual: &annual, Notes: &notes})
	if err != nil {
		t.Fatalf("UpdateGoal: %v", err)
	}
	if updated.TargetMonthly != 3000 || updated.Notes != notes {
		t.Fatalf("unexpected update: %+v", updated)
	}

	if _, err := s.UpdateGoal(ctx, "missing", domain.GoalUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteGoal(ctx, goal.ID); err != nil {
		t.Fatalf("DeleteGoal: %v", err)
	}
	if err := s.DeleteGoal(ctx, goal.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
