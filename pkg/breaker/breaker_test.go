package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock, opts ...Option) *Breaker {
	all := append([]Option{withClock(clock.now)}, opts...)
	return New(all...)
}

func TestBreaker_StartsClosed(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock)
	assert.Equal(t, Closed, b.State())
	assert.NoError(t, b.CheckState())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, WithFailureThreshold(3))

	b.RecordFailure("ServiceUnavailable")
	b.RecordFailure("ServiceUnavailable")
	assert.Equal(t, Closed, b.State())

	b.RecordFailure("ServiceUnavailable")
	assert.Equal(t, Open, b.State())

	var openErr *OpenError
	require.ErrorAs(t, b.CheckState(), &openErr)
}

func TestBreaker_LazyHalfOpenTransition(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, WithFailureThreshold(1), WithRecoveryTimeout(10*time.Second))

	b.RecordFailure("x")
	require.Equal(t, Open, b.State())

	clock.advance(5 * time.Second)
	assert.Equal(t, Open, b.State())

	clock.advance(6 * time.Second)
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, WithFailureThreshold(1), WithRecoveryTimeout(10*time.Second))

	b.RecordFailure("x")
	clock.advance(11 * time.Second)
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure("y")
	assert.Equal(t, Open, b.State())
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, WithFailureThreshold(1), WithRecoveryTimeout(10*time.Second))

	b.RecordFailure("x")
	clock.advance(11 * time.Second)
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.FailureCount())
}

func TestBreaker_SlidingWindowExpiresFailures(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, WithFailureThreshold(3), WithFailureWindow(30*time.Second))

	b.RecordFailure("a")
	clock.advance(31 * time.Second)
	b.RecordFailure("b")

	assert.Equal(t, 1, b.FailureCount())
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_SuccessResetsFailuresWhenClosed(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, WithFailureThreshold(3))

	b.RecordFailure("a")
	b.RecordFailure("b")
	b.RecordSuccess()

	assert.Equal(t, 0, b.FailureCount())
}

func TestBreaker_ResetAndForceOpen(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, WithFailureThreshold(1))

	b.RecordFailure("x")
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())

	b.ForceOpen()
	assert.Equal(t, Open, b.State())
}

func TestBreaker_Metrics(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, WithName("test-breaker"), WithFailureThreshold(2))

	b.RecordFailure("a")
	b.RecordSuccess()
	m := b.Metrics()

	assert.Equal(t, "test-breaker", m.Name)
	assert.Equal(t, 1, m.TotalFailures)
	assert.Equal(t, 1, m.TotalSuccesses)
}

func TestOpenError_ErrorsAs(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock, WithFailureThreshold(1))
	b.RecordFailure("x")

	err := b.CheckState()
	require.Error(t, err)

	var openErr *OpenError
	assert.True(t, errors.As(err, &openErr))
	assert.Equal(t, "gemini_primary", openErr.Name)
}
