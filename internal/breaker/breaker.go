// Package breaker guards the LLM tier with a per-process circuit
// breaker. State transitions are lock-free (atomic CAS): message
// handling never blocks on a mutex here.
//
// CLOSED counts consecutive failures and opens at the limit. OPEN
// rejects until the timeout since the last failure elapses, then
// HALF_OPEN admits one probing call at a time; enough consecutive probe
// successes close the breaker, any probe failure reopens it.
package breaker

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrOpen is returned by Allow when the call must not proceed. Callers
// fall back to the best lower-tier candidate.
var ErrOpen = errors.New("breaker: open")

// State is the breaker position.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is safe for concurrent use. The zero value is not usable; use
// New.
type Breaker struct {
	state       atomic.Int32
	failures    atomic.Int32
	successes   atomic.Int32
	probing     atomic.Int32
	lastFailure atomic.Int64 // unix nanos

	maxFailures int32
	closeAfter  int32
	timeout     time.Duration
	now         func() time.Time
}

// New builds a breaker that opens after maxFailures consecutive
// failures, stays open for timeout, and needs closeAfter consecutive
// probe successes to close again.
func New(maxFailures int, timeout time.Duration, closeAfter int) *Breaker {
	return NewWithClock(maxFailures, timeout, closeAfter, time.Now)
}

func NewWithClock(maxFailures int, timeout time.Duration, closeAfter int, now func() time.Time) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if closeAfter < 1 {
		closeAfter = 1
	}
	return &Breaker{
		maxFailures: int32(maxFailures),
		closeAfter:  int32(closeAfter),
		timeout:     timeout,
		now:         now,
	}
}

// State reports the current position.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Allow reports whether a call may proceed. In HALF_OPEN only one probe
// is admitted at a time; every admitted call must be settled with
// Success or Failure.
func (b *Breaker) Allow() error {
	for {
		switch State(b.state.Load()) {
		case Closed:
			return nil
		case Open:
			if b.now().UnixNano()-b.lastFailure.Load() < int64(b.timeout) {
				return ErrOpen
			}
			if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
				b.successes.Store(0)
				b.probing.Store(0)
			}
			// re-dispatch as HALF_OPEN
		case HalfOpen:
			if b.probing.CompareAndSwap(0, 1) {
				return nil
			}
			return ErrOpen
		}
	}
}

// Success settles an admitted call.
func (b *Breaker) Success() {
	switch State(b.state.Load()) {
	case Closed:
		b.failures.Store(0)
	case HalfOpen:
		n := b.successes.Add(1)
		b.probing.Store(0)
		if n >= b.closeAfter && b.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
			b.failures.Store(0)
		}
	}
}

// Failure settles an admitted call and restarts the open window.
func (b *Breaker) Failure() {
	b.lastFailure.Store(b.now().UnixNano())
	for {
		switch State(b.state.Load()) {
		case Closed:
			if b.failures.Add(1) < b.maxFailures {
				return
			}
			if b.state.CompareAndSwap(int32(Closed), int32(Open)) {
				return
			}
			// lost the race; settle against the new state
		case HalfOpen:
			b.successes.Store(0)
			b.probing.Store(0)
			b.state.CompareAndSwap(int32(HalfOpen), int32(Open))
			return
		case Open:
			return
		}
	}
}

// Execute runs fn under the breaker, settling the outcome from its
// error. A rejection returns ErrOpen without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}
