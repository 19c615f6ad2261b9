package resilience

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/cache"
)

// Result is the outcome of a barrier call. Degraded marks a payload served
// from the cache or a static default instead of the live upstream; callers
// must treat it as possibly stale, never as an error.
type Result struct {
	Payload  []byte
	Degraded bool
}

// BarrierOptions configures the fault barrier.
type BarrierOptions struct {
	// CallTimeout bounds every wrapped call. Default: 30s.
	CallTimeout time.Duration
	// CacheTTL is applied when a successful payload is written back to the
	// result cache. Zero uses the API tier default.
	CacheTTL time.Duration
	// OnOpen is invoked when any source's breaker opens, for operator
	// alerting.
	OnOpen func(source string)
}

// Barrier wraps outbound calls with a timeout, a per-source circuit breaker
// and a cache-backed fallback. One breaker per source name, created lazily.
type Barrier struct {
	breakers *ServiceBreakers
	cache    *cache.Cache
	opts     BarrierOptions
}

// NewBarrier creates a fault barrier over the given breaker registry and
// result cache.
func NewBarrier(breakers *ServiceBreakers, c *cache.Cache, opts BarrierOptions) *Barrier {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Barrier{breakers: breakers, cache: c, opts: opts}
}

// Breakers exposes the underlying registry for status reporting.
func (b *Barrier) Breakers() *ServiceBreakers {
	return b.breakers
}

// Configure installs a per-source breaker config. Must be called before the
// source's first call to take effect.
func (b *Barrier) Configure(source string, cfg CircuitBreakerConfig) {
	inner := cfg.OnStateChange
	onOpen := b.opts.OnOpen
	cfg.OnStateChange = func(from, to CircuitState) {
		zap.L().Warn("circuit state change",
			zap.String("source", source),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if to == CircuitOpen && onOpen != nil {
			onOpen(source)
		}
		if inner != nil {
			inner(from, to)
		}
	}
	b.breakers.Configure(source, cfg)
}

// Call runs fn behind the source's breaker. On success the payload is
// written to the API cache tier under cacheKey. On rejection or failure the
// call degrades to the cached payload, then to staticDefault; only when
// neither exists does Call return an error.
func (b *Barrier) Call(ctx context.Context, source, cacheKey string, fn func(ctx context.Context) ([]byte, error), staticDefault []byte) (Result, error) {
	cb := b.breakers.Get(source)

	if !cb.Allow() {
		return b.fallback(cb, source, cacheKey, staticDefault, ErrCircuitOpen)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()

	payload, err := fn(callCtx)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cb.RecordFailure(timedOut)
		zap.L().Warn("barrier call failed",
			zap.String("source", source),
			zap.Bool("timeout", timedOut),
			zap.Error(err),
		)
		return b.fallback(cb, source, cacheKey, staticDefault, err)
	}

	cb.RecordSuccess()
	if cacheKey != "" {
		b.cache.Set(cache.TierAPI, cacheKey, payload, b.opts.CacheTTL)
	}
	return Result{Payload: payload}, nil
}

func (b *Barrier) fallback(cb *CircuitBreaker, source, cacheKey string, staticDefault []byte, cause error) (Result, error) {
	if cacheKey != "" {
		if payload, ok := b.cache.Get(cache.TierAPI, cacheKey); ok {
			cb.RecordFallback()
			zap.L().Debug("barrier fallback from cache",
				zap.String("source", source),
				zap.String("key", cacheKey),
			)
			return Result{Payload: payload, Degraded: true}, nil
		}
	}
	if staticDefault != nil {
		cb.RecordFallback()
		return Result{Payload: staticDefault, Degraded: true}, nil
	}
	return Result{}, cause
}
