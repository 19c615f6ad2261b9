package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/cache"
	"github.com/sells-group/tariff-sync/internal/resilience"
	"github.com/sells-group/tariff-sync/internal/throttle"
)

const testCatalogYAML = `
sources:
  - name: usitc
    base_url: https://example.gov/api
    timeout_secs: 30
    limits:
      - bucket: chapter
        rate: 2
        burst: 2
    endpoints:
      chapter: /chapters/%s
      rate: /rates/%s
  - name: cbp
    base_url: https://example.gov/cbp
    breaker:
      error_rate_threshold: 0.5
      min_requests: 1
      cooldown_secs: 60
    endpoints:
      notices: /notices?since=%s
`

func writeCatalog(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadSources(t *testing.T) {
	catalog, err := LoadSources(writeCatalog(t, testCatalogYAML))
	require.NoError(t, err)
	require.Len(t, catalog.Sources, 2)

	src, err := catalog.Get("usitc")
	require.NoError(t, err)
	assert.Equal(t, 30, src.TimeoutSecs)

	url, err := src.Endpoint("chapter")
	require.NoError(t, err)
	assert.Equal(t, "https://example.gov/api/chapters/%s", url)

	_, err = src.Endpoint("nope")
	require.Error(t, err)

	_, err = catalog.Get("unknown")
	require.Error(t, err)
}

func TestLoadSourcesValidation(t *testing.T) {
	_, err := LoadSources(writeCatalog(t, "sources:\n  - base_url: https://x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no name")

	_, err = LoadSources(writeCatalog(t, "sources:\n  - name: x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no base_url")

	_, err = LoadSources(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestCatalogApply(t *testing.T) {
	catalog, err := LoadSources(writeCatalog(t, testCatalogYAML))
	require.NoError(t, err)

	th := throttle.New(throttle.Limit{Rate: 1000, Burst: 1000})
	c := cache.New(cache.Options{})
	t.Cleanup(c.Close)
	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{MinRequests: 100})
	barrier := resilience.NewBarrier(breakers, c, resilience.BarrierOptions{CallTimeout: time.Second})

	catalog.Apply(th, barrier, resilience.CircuitBreakerConfig{MinRequests: 100, Cooldown: time.Hour})

	// usitc's chapter bucket got the 2-burst limit from the catalog.
	assert.True(t, th.Allow("usitc", "chapter"))
	assert.True(t, th.Allow("usitc", "chapter"))
	assert.False(t, th.Allow("usitc", "chapter"))

	// cbp's breaker override trips after a single failure instead of 100.
	_, err = barrier.Call(context.Background(), "cbp", "", func(ctx context.Context) ([]byte, error) {
		return nil, eris.New("down")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, resilience.CircuitOpen, breakers.Get("cbp").State())

	// usitc keeps the looser default.
	_, err = barrier.Call(context.Background(), "usitc", "", func(ctx context.Context) ([]byte, error) {
		return nil, eris.New("down")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, resilience.CircuitClosed, breakers.Get("usitc").State())
}
