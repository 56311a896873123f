package agent

import (
	"context"
	"fmt"
	"sync"
)

// turnLocks serialises turns per conversation. An entry lives only while a
// turn holds it or a caller is waiting for it.
type turnLocks struct {
	mu    sync.Mutex
	locks map[string]*turnLock
}

type turnLock struct {
	sem  chan struct{}
	refs int
}

func newTurnLocks() *turnLocks {
	return &turnLocks{locks: make(map[string]*turnLock)}
}

// tryAcquire claims the conversation or fails immediately.
func (l *turnLocks) tryAcquire(id string) (func(), error) {
	tl := l.ref(id)
	select {
	case tl.sem <- struct{}{}:
		return l.releaser(id, tl), nil
	default:
		l.unref(id, tl)
		return nil, ErrTurnInProgress
	}
}

// acquire waits for the conversation until ctx is done.
func (l *turnLocks) acquire(ctx context.Context, id string) (func(), error) {
	tl := l.ref(id)
	select {
	case tl.sem <- struct{}{}:
		return l.releaser(id, tl), nil
	default:
	}
	select {
	case tl.sem <- struct{}{}:
		return l.releaser(id, tl), nil
	case <-ctx.Done():
		l.unref(id, tl)
		return nil, fmt.Errorf("%w: %v", ErrTurnInProgress, ctx.Err())
	}
}

func (l *turnLocks) ref(id string) *turnLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl, ok := l.locks[id]
	if !ok {
		tl = &turnLock{sem: make(chan struct{}, 1)}
		l.locks[id] = tl
	}
	tl.refs++
	return tl
}

func (l *turnLocks) unref(id string, tl *turnLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *turnLocks) releaser(id string, tl *turnLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.sem
			l.unref(id, tl)
		})
	}
}

// size returns the number of live entries.
func (l *turnLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
