package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kitbash/meshview/internal/logging"
)

// ConnState is the connection lifecycle state, mirrored on both sides.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// backoff produces the reconnect delay ladder: initial, doubling per
// failure, capped at max, reset on success.
type backoff struct {
	initial time.Duration
	max     time.Duration
	cur     time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max}
}

// Next returns the delay to wait before the next attempt and advances
// the ladder.
func (b *backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.initial
	}
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

// Reset rewinds the ladder to the initial delay.
func (b *backoff) Reset() {
	b.cur = 0
}

// ConnectFunc performs one connection attempt and blocks while the
// connection is healthy. It calls connected once the connection is
// established. A nil return means the attempt ended cleanly (context
// cancelled); any error schedules a retry.
type ConnectFunc func(ctx context.Context, connected func()) error

// Supervisor drives the client connection lifecycle: it retries lost
// connections indefinitely with bounded exponential backoff, supports
// an immediate manual retry, and drains permanently on Quit.
type Supervisor struct {
	connect ConnectFunc
	backoff *backoff

	mu      sync.Mutex
	state   ConnState
	onState func(ConnState)

	retryNow chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

// SupervisorOption customizes a Supervisor.
type SupervisorOption func(*Supervisor)

// WithBackoff overrides the default 1s..8s delay ladder.
func WithBackoff(initial, max time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.backoff = newBackoff(initial, max) }
}

// WithStateFunc registers a callback invoked on every state change,
// from the supervisor's goroutine.
func WithStateFunc(fn func(ConnState)) SupervisorOption {
	return func(s *Supervisor) { s.onState = fn }
}

// NewSupervisor creates a supervisor around a connect function.
func NewSupervisor(connect ConnectFunc, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		connect:  connect,
		backoff:  newBackoff(time.Second, 8*time.Second),
		state:    StateDisconnected,
		retryNow: make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connection state.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state ConnState) {
	s.mu.Lock()
	if s.state == StateDraining && state != StateDraining {
		// Draining is terminal.
		s.mu.Unlock()
		return
	}
	changed := s.state != state
	s.state = state
	fn := s.onState
	s.mu.Unlock()

	if changed && fn != nil {
		fn(state)
	}
}

// ForceRetry bypasses a pending backoff timer without resetting the
// ladder. No-op unless the supervisor is waiting to reconnect.
func (s *Supervisor) ForceRetry() {
	select {
	case s.retryNow <- struct{}{}:
	default:
	}
}

// Quit requests permanent shutdown: the supervisor transitions to
// Draining and makes no further connection attempts.
func (s *Supervisor) Quit() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Run drives the connection until ctx is cancelled or Quit is called.
// Quit also tears down an in-flight connection.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateDraining)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-stop:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return nil
		default:
		}

		s.setState(StateConnecting)
		err := s.connect(runCtx, func() {
			s.backoff.Reset()
			s.setState(StateConnected)
		})

		s.setState(StateDisconnected)
		select {
		case <-s.quit:
			return nil
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// Clean end of stream without cancellation: treat like a
			// loss and retry.
			err = errors.New("stream ended")
		}

		delay := s.backoff.Next()
		logging.L().Warn("connection lost, reconnecting",
			zap.Error(err), zap.Duration("retry_in", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.quit:
			timer.Stop()
			return nil
		case <-s.retryNow:
			timer.Stop()
		case <-timer.C:
		}
	}
}
