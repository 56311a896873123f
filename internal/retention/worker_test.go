package retention

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/folio-agent/internal/domain"
	"github.com/ashureev/folio-agent/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePruner struct {
	calls   atomic.Int32
	deleted int64
	err     error
}

func (f *fakePruner) DeleteIdleConversations(context.Context, time.Duration) (int64, error) {
	f.calls.Add(1)
	return f.deleted, f.err
}

func TestSweep(t *testing.T) {
	w := NewWorker(&fakePruner{deleted: 3}, time.Hour, 0, nil)
	assert.Equal(t, int64(3), w.Sweep(context.Background()))

	w = NewWorker(&fakePruner{err: errors.New("disk full")}, time.Hour, 0, nil)
	assert.Zero(t, w.Sweep(context.Background()))

	disabled := &fakePruner{deleted: 5}
	w = NewWorker(disabled, 0, 0, nil)
	assert.Zero(t, w.Sweep(context.Background()))
	assert.Zero(t, disabled.calls.Load())
}

func TestWorkerTicksUntilCancelled(t *testing.T) {
	p := &fakePruner{}
	w := NewWorker(p, time.Hour, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := w.Start(ctx)
	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSweepPrunesSQLite(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "folio.db"))
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()

	ctx := context.Background()
	_, err = repo.EnsureConversation(ctx, "conv-1", "tab")
	require.NoError(t, err)
	require.NoError(t, repo.AppendMessage(ctx, "conv-1", domain.Message{Role: domain.RoleUser, Content: "hi", Timestamp: time.Now().UTC()}))

	// Nothing is older than an hour yet.
	assert.Zero(t, NewWorker(repo, time.Hour, 0, nil).Sweep(ctx))

	// updated_at has second resolution.
	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, int64(1), NewWorker(repo, time.Millisecond, 0, nil).Sweep(ctx))

	conv, err := repo.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, conv)
}
