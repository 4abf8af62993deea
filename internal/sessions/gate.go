package sessions

import (
	"context"
	"sync"
	"time"
)

// DefaultPatience bounds how long a queued message waits for the
// conversation lock before it gets the still-thinking reply.
const DefaultPatience = 500 * time.Millisecond

// Gate serializes message handling per conversation key. One holder
// runs; one waiter may queue behind it; everyone else is turned away
// immediately. A waiter that is still blocked when its patience runs
// out is turned away too.
type Gate struct {
	mu       sync.Mutex
	locks    map[string]*gateLock
	patience time.Duration
}

type gateLock struct {
	ch     chan struct{} // cap 1; a buffered token means held
	refs   int
	waiter bool
}

// NewGate builds a gate. patience <= 0 falls back to DefaultPatience.
func NewGate(patience time.Duration) *Gate {
	if patience <= 0 {
		patience = DefaultPatience
	}
	return &Gate{locks: make(map[string]*gateLock), patience: patience}
}

// Acquire takes the conversation lock for key. When acquired is true
// the caller must invoke release exactly once. When false the caller
// must not touch conversation state.
func (g *Gate) Acquire(ctx context.Context, key string) (release func(), acquired bool) {
	g.mu.Lock()
	l, ok := g.locks[key]
	if !ok {
		l = &gateLock{ch: make(chan struct{}, 1)}
		g.locks[key] = l
	}
	l.refs++

	select {
	case l.ch <- struct{}{}:
		g.mu.Unlock()
		return func() { g.release(key, l) }, true
	default:
	}

	if l.waiter {
		l.refs--
		g.maybeDrop(key, l)
		g.mu.Unlock()
		return nil, false
	}
	l.waiter = true
	g.mu.Unlock()

	timer := time.NewTimer(g.patience)
	defer timer.Stop()

	got := false
	select {
	case l.ch <- struct{}{}:
		got = true
	case <-timer.C:
	case <-ctx.Done():
	}

	g.mu.Lock()
	l.waiter = false
	if !got {
		l.refs--
		g.maybeDrop(key, l)
		g.mu.Unlock()
		return nil, false
	}
	g.mu.Unlock()
	return func() { g.release(key, l) }, true
}

func (g *Gate) release(key string, l *gateLock) {
	g.mu.Lock()
	<-l.ch
	l.refs--
	g.maybeDrop(key, l)
	g.mu.Unlock()
}

// maybeDrop removes an idle entry; callers hold g.mu.
func (g *Gate) maybeDrop(key string, l *gateLock) {
	if l.refs == 0 {
		delete(g.locks, key)
	}
}
