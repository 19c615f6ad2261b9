package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(cfg)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	return cb, &now
}

func TestBreakerStaysClosedBelowMinRequests(t *testing.T) {
	cb, _ := testBreaker(CircuitBreakerConfig{MinRequests: 5})

	for i := 0; i < 4; i++ {
		cb.RecordFailure(false)
	}
	assert.Equal(t, CircuitClosed, cb.State(), "sample too small to trust")
	assert.True(t, cb.Allow())
}

func TestBreakerOpensAtErrorRateThreshold(t *testing.T) {
	var transitions []CircuitState
	cb, _ := testBreaker(CircuitBreakerConfig{
		ErrorRateThreshold: 0.5,
		MinRequests:        5,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, to)
		},
	})

	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordFailure(false)
	cb.RecordFailure(false)
	assert.Equal(t, CircuitClosed, cb.State(), "4 of 5 samples, not yet enough")

	cb.RecordFailure(false) // 3 of 5 failed: 0.6 >= 0.5
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, []CircuitState{CircuitOpen}, transitions)

	assert.False(t, cb.Allow())
	assert.Equal(t, int64(1), cb.Counts().Rejected)
}

func TestBreakerHalfOpenProbeRecovery(t *testing.T) {
	cb, now := testBreaker(CircuitBreakerConfig{
		ErrorRateThreshold: 0.5,
		MinRequests:        2,
		Cooldown:           30 * time.Second,
	})

	cb.RecordFailure(false)
	cb.RecordFailure(false)
	require.Equal(t, CircuitOpen, cb.State())
	require.False(t, cb.Allow())

	// Cooldown elapses: exactly one probe is admitted.
	*now = now.Add(31 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow(), "second probe rejected while first in flight")

	// Probe succeeds: circuit closes and the window is cleared.
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	rate, sample := cb.ErrorRate()
	assert.Zero(t, rate)
	assert.Zero(t, sample, "recovery clears the window")
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	cb, now := testBreaker(CircuitBreakerConfig{
		ErrorRateThreshold: 0.5,
		MinRequests:        2,
		Cooldown:           30 * time.Second,
	})

	cb.RecordFailure(false)
	cb.RecordFailure(false)
	*now = now.Add(31 * time.Second)
	require.True(t, cb.Allow())

	cb.RecordFailure(false)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow(), "cooldown restarted")

	// A second full cooldown admits another probe.
	*now = now.Add(31 * time.Second)
	assert.True(t, cb.Allow())
}

func TestBreakerWindowSlidesOldFailuresOut(t *testing.T) {
	cb, now := testBreaker(CircuitBreakerConfig{
		WindowBuckets:  10,
		WindowDuration: 60 * time.Second,
		MinRequests:    5,
	})

	for i := 0; i < 4; i++ {
		cb.RecordFailure(false)
	}
	_, sample := cb.ErrorRate()
	require.Equal(t, 4, sample)

	// Slide past the window: the old bucket is pruned.
	*now = now.Add(2 * time.Minute)
	rate, sample := cb.ErrorRate()
	assert.Zero(t, rate)
	assert.Zero(t, sample)

	// A burst of successes dilutes fresh failures below the threshold.
	for i := 0; i < 8; i++ {
		cb.RecordSuccess()
	}
	cb.RecordFailure(false)
	cb.RecordFailure(false)
	assert.Equal(t, CircuitClosed, cb.State(), "2 of 10 failed")
}

func TestBreakerReset(t *testing.T) {
	cb, _ := testBreaker(CircuitBreakerConfig{MinRequests: 1, ErrorRateThreshold: 0.5})

	cb.RecordFailure(false)
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
	_, sample := cb.ErrorRate()
	assert.Zero(t, sample)
}

func TestBreakerExecute(t *testing.T) {
	cb, _ := testBreaker(CircuitBreakerConfig{MinRequests: 1, ErrorRateThreshold: 0.5})
	ctx := context.Background()

	err := cb.Execute(ctx, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	boom := eris.New("boom")
	err = cb.Execute(ctx, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.Equal(t, CircuitOpen, cb.State())

	err = cb.Execute(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerTimeoutCounting(t *testing.T) {
	cb, _ := testBreaker(CircuitBreakerConfig{})
	cb.RecordFailure(true)
	cb.RecordFailure(false)

	counts := cb.Counts()
	assert.Equal(t, int64(1), counts.Timeout)
	assert.Equal(t, int64(1), counts.Failure)
}

func TestServiceBreakers(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{MinRequests: 1, ErrorRateThreshold: 0.5})

	a := sb.Get("usitc")
	assert.Same(t, a, sb.Get("usitc"), "one breaker per source")
	assert.NotSame(t, a, sb.Get("cbp"))

	// Per-source config applies only before first Get.
	sb.Configure("fta", CircuitBreakerConfig{MinRequests: 99})
	assert.Equal(t, 99, sb.Get("fta").cfg.MinRequests)
	sb.Configure("fta", CircuitBreakerConfig{MinRequests: 1})
	assert.Equal(t, 99, sb.Get("fta").cfg.MinRequests)

	a.RecordFailure(false)
	states := sb.States()
	assert.Equal(t, CircuitOpen, states["usitc"])
	assert.Equal(t, CircuitClosed, states["cbp"])

	snaps := sb.Snapshots()
	require.Contains(t, snaps, "usitc")
	assert.Equal(t, "open", snaps["usitc"].State)
	assert.InDelta(t, 1.0, snaps["usitc"].ErrorRate, 0.001)
	assert.Equal(t, 1, snaps["usitc"].Sample)
}
