// Package resilience provides the fault-isolation layer wrapping every
// outbound call: circuit breakers with a rolling error-rate window, retry
// with exponential backoff, and a transient-error taxonomy.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state — requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the windowed error rate crossed the threshold —
	// requests short-circuit to the fallback for the cooldown duration.
	CircuitOpen
	// CircuitHalfOpen allows a single probe request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is
// open and no fallback is available.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// Outcome classifies the result of one wrapped call, for observability.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
	OutcomeRejected
	OutcomeFallback
)

// OutcomeCounts tallies every call outcome seen by a breaker.
type OutcomeCounts struct {
	Success  int64 `json:"success"`
	Failure  int64 `json:"failure"`
	Timeout  int64 `json:"timeout"`
	Rejected int64 `json:"rejected"`
	Fallback int64 `json:"fallback"`
}

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// ErrorRateThreshold opens the circuit when the windowed failure rate
	// reaches or exceeds it. Default: 0.5.
	ErrorRateThreshold float64

	// WindowBuckets is the number of buckets in the rolling window.
	// Default: 10.
	WindowBuckets int

	// WindowDuration is the total span of the rolling window. Default: 60s.
	WindowDuration time.Duration

	// Cooldown is how long the circuit stays open before allowing a probe.
	// Default: 30s.
	Cooldown time.Duration

	// MinRequests is the minimum sample size in the window before the
	// error rate is trusted. Default: 5.
	MinRequests int

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the process-wide defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		ErrorRateThreshold: 0.5,
		WindowBuckets:      10,
		WindowDuration:     60 * time.Second,
		Cooldown:           30 * time.Second,
		MinRequests:        5,
	}
}

func (cfg CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if cfg.ErrorRateThreshold <= 0 || cfg.ErrorRateThreshold > 1 {
		cfg.ErrorRateThreshold = def.ErrorRateThreshold
	}
	if cfg.WindowBuckets <= 0 {
		cfg.WindowBuckets = def.WindowBuckets
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = def.WindowDuration
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = def.MinRequests
	}
	return cfg
}

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// CircuitBreaker implements the circuit breaker pattern for one upstream
// source, using a rolling error-rate window rather than a consecutive
// failure count so that a burst of successes dilutes old failures.
type CircuitBreaker struct {
	cfg        CircuitBreakerConfig
	bucketSpan time.Duration

	mu       sync.Mutex
	state    CircuitState
	buckets  []bucket
	openedAt time.Time
	probing  bool
	counts   OutcomeCounts

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		cfg:        cfg,
		bucketSpan: cfg.WindowDuration / time.Duration(cfg.WindowBuckets),
		state:      CircuitClosed,
		buckets:    make([]bucket, 0, cfg.WindowBuckets),
		nowFunc:    time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// false until the cooldown elapses, then admits exactly one probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.Cooldown {
			cb.transition(CircuitHalfOpen)
			cb.probing = true
			return true
		}
		cb.counts.Rejected++
		return false
	case CircuitHalfOpen:
		if cb.probing {
			// A probe is already in flight.
			cb.counts.Rejected++
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.Success++
	cb.currentBucket().successes++

	if cb.state == CircuitHalfOpen {
		cb.probing = false
		cb.buckets = cb.buckets[:0]
		cb.transition(CircuitClosed)
	}
}

// RecordFailure records a failed call; timedOut distinguishes timeouts in
// the outcome counters. In the closed state it may open the circuit; in
// half-open any failure re-opens it and restarts the cooldown.
func (cb *CircuitBreaker) RecordFailure(timedOut bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if timedOut {
		cb.counts.Timeout++
	} else {
		cb.counts.Failure++
	}
	cb.currentBucket().failures++

	switch cb.state {
	case CircuitClosed:
		total, failed := cb.windowTotals()
		if total >= cb.cfg.MinRequests && float64(failed)/float64(total) >= cb.cfg.ErrorRateThreshold {
			cb.openedAt = cb.nowFunc()
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.probing = false
		cb.openedAt = cb.nowFunc()
		cb.transition(CircuitOpen)
	}
}

// RecordFallback counts a call answered from the fallback path.
func (cb *CircuitBreaker) RecordFallback() {
	cb.mu.Lock()
	cb.counts.Fallback++
	cb.mu.Unlock()
}

// State returns the current circuit state, accounting for cooldown expiry.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// Counts returns a snapshot of the per-outcome counters.
func (cb *CircuitBreaker) Counts() OutcomeCounts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// ErrorRate returns the current windowed failure rate and sample size.
func (cb *CircuitBreaker) ErrorRate() (rate float64, sample int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	total, failed := cb.windowTotals()
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

// Reset forces the circuit back to closed and clears the window. Used for
// manual operator recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	old := cb.state
	cb.state = CircuitClosed
	cb.probing = false
	cb.buckets = cb.buckets[:0]
	if old != CircuitClosed && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(old, CircuitClosed)
	}
}

// currentBucket returns the bucket covering now, pruning buckets that have
// slid out of the window. Callers must hold cb.mu.
func (cb *CircuitBreaker) currentBucket() *bucket {
	now := cb.nowFunc()
	cb.prune(now)

	if n := len(cb.buckets); n > 0 {
		last := &cb.buckets[n-1]
		if now.Sub(last.start) < cb.bucketSpan {
			return last
		}
	}
	cb.buckets = append(cb.buckets, bucket{start: now})
	return &cb.buckets[len(cb.buckets)-1]
}

func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.cfg.WindowDuration)
	i := 0
	for ; i < len(cb.buckets); i++ {
		if cb.buckets[i].start.Add(cb.bucketSpan).After(cutoff) {
			break
		}
	}
	if i > 0 {
		cb.buckets = cb.buckets[i:]
	}
}

func (cb *CircuitBreaker) windowTotals() (total, failed int) {
	cb.prune(cb.nowFunc())
	for _, b := range cb.buckets {
		total += b.successes + b.failures
		failed += b.failures
	}
	return total, failed
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// Execute runs fn through the breaker with no fallback. Kept for callers
// that want plain pass-or-fail semantics (the Barrier adds fallbacks).
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if err != nil {
		cb.RecordFailure(errors.Is(err, context.DeadlineExceeded))
		return err
	}
	cb.RecordSuccess()
	return nil
}

// ServiceBreakers manages one circuit breaker per upstream source name.
// Instances are created lazily and never destroyed during process lifetime.
type ServiceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	configs  map[string]CircuitBreakerConfig
	def      CircuitBreakerConfig
}

// NewServiceBreakers creates a registry with the given default config.
func NewServiceBreakers(def CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]CircuitBreakerConfig),
		def:      def.withDefaults(),
	}
}

// Configure sets a per-source config override. It only applies to breakers
// created after the call; configuring an already-created breaker is a no-op.
func (sb *ServiceBreakers) Configure(source string, cfg CircuitBreakerConfig) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if _, exists := sb.breakers[source]; exists {
		return
	}
	sb.configs[source] = cfg.withDefaults()
}

// Get returns the breaker for the named source, creating one if needed.
func (sb *ServiceBreakers) Get(source string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[source]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = sb.breakers[source]; ok {
		return cb
	}
	cfg, ok := sb.configs[source]
	if !ok {
		cfg = sb.def
	}
	cb = NewCircuitBreaker(cfg)
	sb.breakers[source] = cb
	return cb
}

// States returns a snapshot of all breaker states keyed by source name.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}

// Snapshot reports state, error rate and outcome counters per source.
type BreakerSnapshot struct {
	State     string        `json:"state"`
	ErrorRate float64       `json:"error_rate"`
	Sample    int           `json:"sample"`
	Counts    OutcomeCounts `json:"counts"`
}

// Snapshots returns observability snapshots for every known breaker.
func (sb *ServiceBreakers) Snapshots() map[string]BreakerSnapshot {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make(map[string]BreakerSnapshot, len(sb.breakers))
	for name, cb := range sb.breakers {
		rate, sample := cb.ErrorRate()
		out[name] = BreakerSnapshot{
			State:     cb.State().String(),
			ErrorRate: rate,
			Sample:    sample,
			Counts:    cb.Counts(),
		}
	}
	return out
}
