// Package breaker implements the Circuit Breaker: a thread-safe failure
// tracker that trips to OPEN after a threshold of recent failures within
// a sliding window, and lazily transitions to HALF_OPEN on read once a
// recovery timeout has elapsed.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/scoopai/convcore/pkg/logger"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// OpenError is returned by CheckState when the circuit is OPEN; callers
// should fall back rather than attempt the protected call.
type OpenError struct {
	Name            string
	LastFailureTime time.Time
	RecoveryIn      time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is OPEN, recovery in %.1fs", e.Name, e.RecoveryIn.Seconds())
}

type failureRecord struct {
	at        time.Time
	errorType string
}

// Breaker is a thread-safe, sliding-window circuit breaker.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	failureWindow    time.Duration

	state     State
	failures  []failureRecord
	openedAt  time.Time
	lastFail  time.Time

	totalFailures  int
	totalSuccesses int

	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithName sets the breaker's identifier, used in logging/metrics.
func WithName(name string) Option { return func(b *Breaker) { b.name = name } }

// WithFailureThreshold sets how many failures within the window open the
// circuit.
func WithFailureThreshold(n int) Option { return func(b *Breaker) { b.failureThreshold = n } }

// WithRecoveryTimeout sets how long the circuit stays OPEN before probing
// via HALF_OPEN.
func WithRecoveryTimeout(d time.Duration) Option { return func(b *Breaker) { b.recoveryTimeout = d } }

// WithFailureWindow sets how long a failure record counts toward the
// threshold before aging out.
func WithFailureWindow(d time.Duration) Option { return func(b *Breaker) { b.failureWindow = d } }

// withClock overrides the time source, for deterministic tests.
func withClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

// New constructs a Breaker in the CLOSED state.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		name:             "gemini_primary",
		failureThreshold: 5,
		recoveryTimeout:  60 * time.Second,
		failureWindow:    60 * time.Second,
		state:            Closed,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state, performing the lazy OPEN->HALF_OPEN
// transition if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.recoveryTimeout {
		b.state = HalfOpen
		logger.L.Infof("circuit breaker %q transitioned to HALF_OPEN after %s", b.name, b.recoveryTimeout)
	}
	return b.state
}

// IsOpen reports whether the circuit is currently OPEN.
func (b *Breaker) IsOpen() bool { return b.State() == Open }

// IsClosed reports whether the circuit is currently CLOSED.
func (b *Breaker) IsClosed() bool { return b.State() == Closed }

// FailureCount returns the number of failures currently within the
// sliding window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanOldFailuresLocked(b.failureWindow)
	return len(b.failures)
}

// CheckState returns an *OpenError if the circuit is OPEN, nil otherwise.
// Call this before attempting the protected call to fail fast.
func (b *Breaker) CheckState() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stateLocked() == Open {
		recoveryIn := b.recoveryTimeout - b.now().Sub(b.openedAt)
		if recoveryIn < 0 {
			recoveryIn = 0
		}
		return &OpenError{
			Name:            b.name,
			LastFailureTime: b.lastFail,
			RecoveryIn:      recoveryIn,
		}
	}
	return nil
}

// RecordFailure records a failure of the given kind, opening the circuit
// if the threshold is reached (or immediately reopening from HALF_OPEN).
func (b *Breaker) RecordFailure(errorType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, failureRecord{at: now, errorType: errorType})
	b.lastFail = now
	b.totalFailures++

	b.cleanOldFailuresLocked(b.failureWindow)

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = now
		logger.L.Warnf("circuit breaker %q reopened from HALF_OPEN: %s", b.name, errorType)
	case Closed:
		if len(b.failures) >= b.failureThreshold {
			b.state = Open
			b.openedAt = now
			logger.L.Warnf("circuit breaker %q opened after %d failures, last error: %s", b.name, len(b.failures), errorType)
		}
	}
}

// RecordSuccess records a success, closing the circuit if it was
// HALF_OPEN and resetting the failure window if CLOSED.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failures = nil
		logger.L.Infof("circuit breaker %q closed after successful recovery", b.name)
	case Closed:
		b.failures = nil
	}
}

// cleanOldFailuresLocked drops failures older than window. Caller must
// hold b.mu.
func (b *Breaker) cleanOldFailuresLocked(window time.Duration) int {
	cutoff := b.now().Add(-window)
	kept := b.failures[:0:0]
	for _, f := range b.failures {
		if !f.at.Before(cutoff) {
			kept = append(kept, f)
		}
	}
	cleaned := len(b.failures) - len(kept)
	b.failures = kept
	return cleaned
}

// Metrics is a point-in-time snapshot of the breaker's counters, used for
// diagnostics.
type Metrics struct {
	Name             string
	State            State
	FailureCount     int
	FailureThreshold int
	TotalFailures    int
	TotalSuccesses   int
	LastFailureTime  time.Time
	RecoveryTimeout  time.Duration
	OpenedAt         time.Time
}

// Metrics returns a snapshot of the breaker's current state and counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateLocked()
	var openedAt time.Time
	if state != Closed {
		openedAt = b.openedAt
	}
	return Metrics{
		Name:             b.name,
		State:            state,
		FailureCount:     len(b.failures),
		FailureThreshold: b.failureThreshold,
		TotalFailures:    b.totalFailures,
		TotalSuccesses:   b.totalSuccesses,
		LastFailureTime:  b.lastFail,
		RecoveryTimeout:  b.recoveryTimeout,
		OpenedAt:         openedAt,
	}
}

// Reset manually forces the breaker back to CLOSED, clearing failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = nil
	b.openedAt = time.Time{}
	logger.L.Infof("circuit breaker %q manually reset to CLOSED", b.name)
}

// ForceOpen manually forces the breaker into OPEN, for tests or operator
// emergency use.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Open
	b.openedAt = b.now()
	logger.L.Warnf("circuit breaker %q manually forced OPEN", b.name)
}
