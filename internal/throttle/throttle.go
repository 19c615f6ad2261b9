// Package throttle gates outbound call rate per (source, bucket) pair.
// Buckets separate expensive endpoint categories from cheap ones (e.g.,
// "chapter" vs "search") so one cannot starve the other.
package throttle

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Limit configures the call rate for one (source, bucket) pair.
type Limit struct {
	Rate  float64 // events per second
	Burst int
}

// Throttle holds one token-bucket limiter per (source, bucket) pair.
// Unknown pairs fall back to the default limit. Safe for concurrent use
// from many workers; waiters suspend without blocking other goroutines.
type Throttle struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limits   map[string]Limit
	def      Limit
}

// New creates a throttle with the given default limit.
func New(def Limit) *Throttle {
	if def.Rate <= 0 {
		def.Rate = 10
	}
	if def.Burst <= 0 {
		def.Burst = int(def.Rate)
	}
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		limits:   make(map[string]Limit),
		def:      def,
	}
}

// Configure sets the limit for a (source, bucket) pair. Takes effect on the
// pair's next first use; an already-created limiter keeps its rate.
func (t *Throttle) Configure(source, bucket string, lim Limit) {
	if lim.Rate <= 0 {
		return
	}
	if lim.Burst <= 0 {
		lim.Burst = int(lim.Rate)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[key(source, bucket)] = lim
}

// Wait suspends until the pair's limiter permits a call, or the context is
// cancelled.
func (t *Throttle) Wait(ctx context.Context, source, bucket string) error {
	if err := t.limiter(source, bucket).Wait(ctx); err != nil {
		return eris.Wrapf(err, "throttle: wait %s/%s", source, bucket)
	}
	return nil
}

// Allow reports whether a call may proceed immediately, consuming a token
// if so.
func (t *Throttle) Allow(source, bucket string) bool {
	return t.limiter(source, bucket).Allow()
}

func (t *Throttle) limiter(source, bucket string) *rate.Limiter {
	k := key(source, bucket)

	t.mu.RLock()
	lim, ok := t.limiters[k]
	t.mu.RUnlock()
	if ok {
		return lim
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if lim, ok = t.limiters[k]; ok {
		return lim
	}
	cfg, ok := t.limits[k]
	if !ok {
		cfg = t.def
	}
	lim = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	t.limiters[k] = lim
	return lim
}

func key(source, bucket string) string {
	return source + "/" + bucket
}
