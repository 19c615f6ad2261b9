package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/cache"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/resilience"
	"github.com/sells-group/tariff-sync/internal/store"
)

// Freshness reports when a job type last completed successfully.
type Freshness struct {
	JobType     model.JobType `json:"job_type"`
	LastSuccess *time.Time    `json:"last_success,omitempty"`
	AgeSecs     float64       `json:"age_secs,omitempty"`
}

// MetricsSnapshot is one point-in-time view of pipeline health.
type MetricsSnapshot struct {
	CollectedAt time.Time                               `json:"collected_at"`
	Freshness   []Freshness                             `json:"freshness"`
	QueueDepth  store.JobCounts                         `json:"queue_depth"`
	Breakers    map[string]resilience.BreakerSnapshot   `json:"breakers"`
	CacheStats  map[cache.Tier]cache.Stats              `json:"cache_stats"`
}

// Collector assembles snapshots from the store and the resilience stack.
type Collector struct {
	store    store.Store
	breakers *resilience.ServiceBreakers
	cache    *cache.Cache
}

func NewCollector(s store.Store, breakers *resilience.ServiceBreakers, c *cache.Cache) *Collector {
	return &Collector{store: s, breakers: breakers, cache: c}
}

// Collect gathers the current snapshot.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		CollectedAt: now,
		Breakers:    c.breakers.Snapshots(),
		CacheStats:  c.cache.StatsSnapshot(),
	}

	for _, jt := range model.JobTypes {
		last, err := c.store.LastSuccess(ctx, jt)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: freshness for %s", jt)
		}
		f := Freshness{JobType: jt, LastSuccess: last}
		if last != nil {
			f.AgeSecs = now.Sub(*last).Seconds()
		}
		snap.Freshness = append(snap.Freshness, f)
	}

	counts, err := c.store.CountJobs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: queue depth")
	}
	snap.QueueDepth = counts

	return snap, nil
}
