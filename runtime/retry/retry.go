// Package retry runs an operation under a bounded retry policy. The policy is
// an explicit state machine (Idle, Attempting, Retrying, Success, Failed) so
// the attempt limit and every transition are observable.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config is a retry policy.
type Config struct {
	// MaxAttempts counts the first attempt. Zero and one disable retries.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialBackoff is the wait before the second attempt. Zero retries
	// immediately.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the wait. Zero leaves it uncapped.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// BackoffMultiplier grows the wait between consecutive retries.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// Jitter randomizes the wait by up to this fraction in either direction.
	Jitter float64 `yaml:"jitter"`
}

// DefaultConfig retries a failed request exactly once, without delay.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       2,
		BackoffMultiplier: 2.0,
	}
}

// State is a state of the retry machine.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateRetrying
	StateSuccess
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateRetrying:
		return "retrying"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type (
	// Transition describes one move of the machine.
	Transition struct {
		From State
		To   State
		// Attempt is the 1-based attempt number the transition relates to.
		Attempt int
		// Err is the error that caused a move to Retrying or Failed.
		Err error
	}

	// Machine drives an operation through the retry states. A Machine runs one
	// operation and is not safe for concurrent use.
	Machine struct {
		cfg       Config
		retryable func(error) bool
		observe   func(Transition)
		sleep     func(context.Context, time.Duration) error
		state     State
		attempt   int
	}

	// Option configures a Machine.
	Option func(*Machine)

	// Op is the operation under retry. attempt starts at 1.
	Op func(ctx context.Context, attempt int) error
)

// ExhaustedError reports a retryable failure that persisted through every
// allowed attempt.
type ExhaustedError struct {
	// Attempts is how many times the operation ran.
	Attempts int
	// TotalDuration spans the first attempt to the last failure.
	TotalDuration time.Duration
	// LastError is the failure of the final attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts (%v): %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// HTTPStatusError is a non-2xx response. Message holds the trimmed body.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// WithObserver registers fn to receive every state transition.
func WithObserver(fn func(Transition)) Option {
	return func(m *Machine) {
		m.observe = fn
	}
}

// WithSleep overrides how the machine waits between attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(m *Machine) {
		if fn != nil {
			m.sleep = fn
		}
	}
}

// New returns a machine in StateIdle. retryable decides which errors are
// retried; a nil predicate retries nothing.
func New(cfg Config, retryable func(error) bool, opts ...Option) *Machine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	m := &Machine{
		cfg:       cfg,
		retryable: retryable,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Attempts returns the number of attempts started so far.
func (m *Machine) Attempts() int {
	return m.attempt
}

// Run executes op until it succeeds, fails with a non-retryable error, or the
// attempt limit is reached. Non-retryable errors are returned as is; running
// out of attempts returns an *ExhaustedError wrapping the last error.
func (m *Machine) Run(ctx context.Context, op Op) error {
	if m.state != StateIdle {
		return fmt.Errorf("retry: machine already used (state %s)", m.state)
	}
	start := time.Now()
	for {
		m.attempt++
		m.move(StateAttempting, nil)
		err := op(ctx, m.attempt)
		if err == nil {
			m.move(StateSuccess, nil)
			return nil
		}
		if !m.retryable(err) {
			m.move(StateFailed, err)
			return err
		}
		if m.attempt >= m.cfg.MaxAttempts {
			m.move(StateFailed, err)
			return &ExhaustedError{
				Attempts:      m.attempt,
				TotalDuration: time.Since(start),
				LastError:     err,
			}
		}
		m.move(StateRetrying, err)
		if serr := m.sleep(ctx, calculateBackoff(m.cfg, m.attempt)); serr != nil {
			m.move(StateFailed, serr)
			return serr
		}
	}
}

func (m *Machine) move(to State, err error) {
	t := Transition{From: m.state, To: to, Attempt: m.attempt, Err: err}
	m.state = to
	if m.observe != nil {
		m.observe(t)
	}
}

// calculateBackoff returns the wait after the given failed attempt.
func calculateBackoff(cfg Config, attempt int) time.Duration {
	if cfg.InitialBackoff <= 0 {
		return 0
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	backoff := float64(cfg.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
		backoff += jitter
	}
	return time.Duration(backoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
