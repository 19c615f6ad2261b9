package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/cache"
	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/resilience"
	"github.com/sells-group/tariff-sync/internal/store"
)

func TestAlerterWebhookDelivery(t *testing.T) {
	var received Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer srv.Close()

	a := NewAlerter(config.AlertConfig{WebhookURL: srv.URL})
	a.BreakerOpen(context.Background(), "usitc", 0.75)

	assert.Equal(t, AlertBreakerOpen, received.Type)
	assert.Equal(t, "high", received.Severity)
	assert.Contains(t, received.Message, "usitc")
	assert.Contains(t, received.Message, "75%")
	assert.Equal(t, "usitc", received.Details["source"])
}

func TestAlerterNoWebhookIsQuiet(t *testing.T) {
	a := NewAlerter(config.AlertConfig{})
	// Must not panic or block without a webhook.
	a.SyncFailure(context.Background(), "rate-update", "job-1", "boom")
	a.LargeRateChange(context.Background(), "imp-1", 120, 50)
}

func TestAlerterSurvivesWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.AlertConfig{WebhookURL: srv.URL})
	// Delivery failure is swallowed.
	a.SyncFailure(context.Background(), "rate-update", "job-1", "boom")
}

func TestCollect(t *testing.T) {
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "tariff.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	runID, err := s.StartSyncRun(ctx, "job-1", model.JobRateUpdate)
	require.NoError(t, err)
	require.NoError(t, s.CompleteSyncRun(ctx, runID, 10))

	require.NoError(t, s.EnqueueJob(ctx, &model.SyncJob{
		ID:        "job-2",
		Type:      model.JobFullCatalog,
		Status:    model.JobPending,
		RunAt:     time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}))

	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{})
	breakers.Get("usitc").RecordSuccess()

	c := cache.New(cache.Options{})
	t.Cleanup(c.Close)
	c.Set(cache.TierAPI, "k", []byte("v"), 0)

	snap, err := NewCollector(s, breakers, c).Collect(ctx)
	require.NoError(t, err)

	require.Len(t, snap.Freshness, len(model.JobTypes))
	byType := make(map[model.JobType]Freshness)
	for _, f := range snap.Freshness {
		byType[f.JobType] = f
	}
	require.NotNil(t, byType[model.JobRateUpdate].LastSuccess)
	assert.GreaterOrEqual(t, byType[model.JobRateUpdate].AgeSecs, 0.0)
	assert.Nil(t, byType[model.JobFullCatalog].LastSuccess, "never succeeded")

	assert.Equal(t, 1, snap.QueueDepth[model.JobFullCatalog][model.JobPending])
	assert.Equal(t, "closed", snap.Breakers["usitc"].State)
	assert.Equal(t, int64(1), snap.CacheStats[cache.TierAPI].Sets)
}
