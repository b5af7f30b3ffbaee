// Package poll drives bounded, interval-based polling against the login backend.
// Each polling run is a Session that settles exactly once.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// tickFunc handles one poll tick. done reports a terminal outcome; value and
// err are only read when done is true.
type tickFunc[T any] func(ctx context.Context, attempt int) (value T, done bool, err error)

// Session is one in-flight polling run. It is created by a Confirmer and owns
// its ticker; the ticker is stopped before the outcome becomes visible.
type Session[T any] struct {
	ID string

	cancel   context.CancelCauseFunc
	done     chan struct{}
	once     sync.Once
	state    atomic.Int32
	attempts atomic.Int64
	logger   *slog.Logger

	value T
	err   error
}

func newSession[T any](parent context.Context, logger *slog.Logger, op string) (*Session[T], context.Context) {
	ctx, cancel := context.WithCancelCause(parent)
	id := uuid.NewString()
	s := &Session[T]{
		ID:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger.With("session", id, "op", op),
	}
	return s, ctx
}

// Wait blocks until the session settles and returns its outcome.
// Every caller observes the same value and error.
func (s *Session[T]) Wait() (T, error) {
	<-s.done
	return s.value, s.err
}

// Done is closed once the session has settled.
func (s *Session[T]) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the session. Calling it more than once, or after the session
// settled, does nothing.
func (s *Session[T]) Cancel() {
	s.cancel(context.Canceled)
}

func (s *Session[T]) cancelWith(cause error) {
	s.cancel(cause)
}

// Attempts returns the number of ticks handled so far.
func (s *Session[T]) Attempts() int {
	return int(s.attempts.Load())
}

// State returns the current lifecycle state.
func (s *Session[T]) State() State {
	return State(s.state.Load())
}

func (s *Session[T]) settle(value T, err error) {
	s.once.Do(func() {
		s.value = value
		s.err = err
		if err != nil {
			s.state.Store(int32(StateFailed))
			s.logger.Debug("poll session failed", "attempts", s.Attempts(), "error", err)
		} else {
			s.state.Store(int32(StateResolved))
			s.logger.Debug("poll session resolved", "attempts", s.Attempts())
		}
		close(s.done)
		// releases the derived context; the session is already settled
		s.cancel(context.Canceled)
	})
}

// run polls on a ticker until tick reports a terminal outcome or ctx ends.
// Checks run one at a time on this goroutine. Ticks that fire during a slow
// check are coalesced by the ticker into a single pending tick.
func (s *Session[T]) run(ctx context.Context, interval time.Duration, tick tickFunc[T]) {
	var zero T
	ticker := time.NewTicker(interval)
	s.state.Store(int32(StatePolling))
	s.logger.Debug("poll session started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			s.settle(zero, context.Cause(ctx))
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			ticker.Stop()
			s.settle(zero, context.Cause(ctx))
			return
		}

		attempt := int(s.attempts.Add(1))
		value, done, err := tick(ctx, attempt)
		if done {
			ticker.Stop()
			s.settle(value, err)
			return
		}
	}
}
