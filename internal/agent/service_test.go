package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/folio-agent/internal/domain"
	"github.com/ashureev/folio-agent/internal/llm"
	"github.com/ashureev/folio-agent/internal/store"
	"github.com/ashureev/folio-agent/internal/verify"
)

func newTestService(t *testing.T, reasoner llm.Reasoner) (*Service, *store.SQLiteStore) {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "folio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	convLog, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: filepath.Join(dir, "logs")}, discardLogger())
	require.NoError(t, err)

	loop := newTestLoop(t, reasoner, fixtureRegistry(t), testBounds())
	svc := NewService(loop, loop.registry, repo, convLog, discardLogger())
	t.Cleanup(func() { _ = svc.Close() })
	return svc, repo
}

func TestServiceAskPersistsTurn(t *testing.T) {
	svc, _ := newTestService(t, llm.NewRulesReasoner())
	ctx := context.Background()

	res, err := svc.Ask(ctx, TurnRequest{Message: "What's my dividend yield on JNJ?", SessionID: "tab-1", ClientID: "anon_x"})
	require.NoError(t, err)

	assert.NotEmpty(t, res.ConversationID)
	assert.NotEmpty(t, res.TraceID)
	assert.Equal(t, []string{"dividend_screener"}, res.ToolsUsed)
	assert.GreaterOrEqual(t, res.Confidence.Value, 0.5)
	assert.True(t, res.Metrics.Success)
	require.Len(t, res.ToolResults, 1)

	conv, err := svc.Conversation(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, domain.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "What's my dividend yield on JNJ?", conv.Messages[0].Content)
	agentMsg := conv.Messages[1]
	assert.Equal(t, domain.RoleAgent, agentMsg.Role)
	assert.Equal(t, res.Content, agentMsg.Content)
	assert.Equal(t, res.TraceID, agentMsg.TraceID)
	require.NotNil(t, agentMsg.Confidence)
	assert.InDelta(t, res.Confidence.Value, *agentMsg.Confidence, 1e-9)

	done := res.Done()
	assert.Equal(t, res.ConversationID, done.ConversationID)
	assert.Equal(t, res.ToolsUsed, done.ToolsUsed)
}

func TestServiceEmptyMessage(t *testing.T) {
	svc, _ := newTestService(t, llm.NewRulesReasoner())

	res, err := svc.Ask(context.Background(), TurnRequest{Message: "   "})
	require.NoError(t, err)
	assert.Equal(t, EmptyMessageReply, res.Content)
	assert.Zero(t, res.Confidence.Value)
	assert.Empty(t, res.ToolsUsed)

	_, err = svc.Conversation(context.Background(), res.ConversationID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestServiceRejectsConcurrentTurn(t *testing.T) {
	svc, _ := newTestService(t, llm.NewRulesReasoner())
	svc.turnWait = 20 * time.Millisecond

	unlock, err := svc.lock("conv-1")
	require.NoError(t, err)

	_, err = svc.lock("conv-1")
	assert.ErrorIs(t, err, ErrTurnInProgress)

	_, err = svc.Ask(context.Background(), TurnRequest{Message: "How is my portfolio doing?", ConversationID: "conv-1"})
	assert.ErrorIs(t, err, ErrTurnInProgress)

	// Other conversations are unaffected.
	_, err = svc.Ask(context.Background(), TurnRequest{Message: "How is my portfolio doing?", ConversationID: "conv-2"})
	require.NoError(t, err)

	unlock()
	_, err = svc.Ask(context.Background(), TurnRequest{Message: "How is my portfolio doing?", ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Zero(t, svc.locks.size(), "released locks are pruned")
}

func TestServiceAskWaitsForRunningTurn(t *testing.T) {
	svc, _ := newTestService(t, llm.NewRulesReasoner())

	unlock, err := svc.lock("conv-1")
	require.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		unlock()
	}()

	res, err := svc.Ask(context.Background(), TurnRequest{Message: "How is my portfolio doing?", ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", res.ConversationID)

	conv, err := svc.Conversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 2)
	assert.Zero(t, svc.locks.size())
}

func TestTurnLocksPruneAfterWaiters(t *testing.T) {
	locks := newTurnLocks()

	unlock, err := locks.tryAcquire("a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, "a")
	assert.ErrorIs(t, err, ErrTurnInProgress)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, locks.size())

	unlock()
	unlock()
	assert.Zero(t, locks.size())

	unlock, err = locks.acquire(context.Background(), "a")
	require.NoError(t, err)
	unlock()
	assert.Zero(t, locks.size())
}

func TestServiceFeedsHistory(t *testing.T) {
	reasoner := &scriptedReasoner{step: func(context.Context, llm.ReasonRequest) (llm.ReasonStep, error) {
		return llm.ReasonStep{Content: "I can look at your holdings, performance and dividends."}, nil
	}}
	svc, _ := newTestService(t, reasoner)
	ctx := context.Background()

	first, err := svc.Ask(ctx, TurnRequest{Message: "How is my portfolio doing?"})
	require.NoError(t, err)
	_, err = svc.Ask(ctx, TurnRequest{Message: "and MSFT?", ConversationID: first.ConversationID})
	require.NoError(t, err)

	reqs := reasoner.calls()
	require.NotEmpty(t, reqs)
	last := reqs[len(reqs)-1]
	require.Len(t, last.History, 2)
	assert.Equal(t, "How is my portfolio doing?", last.History[0].Content)
	assert.Equal(t, domain.CategoryGeneral, last.Category)
}

func TestServiceTaxAnswerCarriesDisclaimer(t *testing.T) {
	svc, _ := newTestService(t, llm.NewRulesReasoner())

	res, err := svc.Ask(context.Background(), TurnRequest{Message: "How much tax do I owe on my gains this year?"})
	require.NoError(t, err)
	assert.Contains(t, res.ToolsUsed, "tax_estimate")
	assert.Contains(t, res.Content, strings.TrimSpace(verify.CategoryDisclaimer))
	assert.Equal(t, 1, strings.Count(res.Content, "does not constitute financial advice"))
}

func TestServiceReasonerFailure(t *testing.T) {
	reasoner := &scriptedReasoner{step: func(context.Context, llm.ReasonRequest) (llm.ReasonStep, error) {
		return llm.ReasonStep{}, errors.New("provider down")
	}}
	svc, _ := newTestService(t, reasoner)

	_, err := svc.Ask(context.Background(), TurnRequest{Message: "How is my portfolio doing?", ConversationID: "conv-err"})
	require.Error(t, err)

	conv, err := svc.Conversation(context.Background(), "conv-err")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1, "only the user message is stored")
	assert.Equal(t, domain.RoleUser, conv.Messages[0].Role)
}

func TestServiceFeedback(t *testing.T) {
	svc, _ := newTestService(t, llm.NewRulesReasoner())
	ctx := context.Background()

	assert.ErrorIs(t, svc.RecordFeedback(ctx, domain.Feedback{TraceID: "t-1", Score: 2}), ErrInvalidFeedback)
	assert.Error(t, svc.RecordFeedback(ctx, domain.Feedback{Score: 1}))
	assert.NoError(t, svc.RecordFeedback(ctx, domain.Feedback{TraceID: "t-1", Score: 1, Comment: "helpful"}))
	assert.NoError(t, svc.RecordFeedback(ctx, domain.Feedback{TraceID: "t-2", Score: 0}))
}

func TestServiceTools(t *testing.T) {
	svc, _ := newTestService(t, llm.NewRulesReasoner())
	assert.Len(t, svc.Tools(), 11)
}
