package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/cache"
	"github.com/sells-group/tariff-sync/internal/resilience"
	"github.com/sells-group/tariff-sync/internal/throttle"
)

func testClient(t *testing.T, baseURL string) *SourceClient {
	t.Helper()
	catalog := &SourceCatalog{Sources: []Source{{
		Name:    "usitc",
		BaseURL: baseURL,
		Endpoints: map[string]string{
			"chapter": "/chapters/%s",
			"rate":    "/rates/%s",
			"notices": "/notices?since=%s",
		},
	}}}

	c := cache.New(cache.Options{})
	t.Cleanup(c.Close)
	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{
		ErrorRateThreshold: 0.5,
		MinRequests:        1,
		Cooldown:           time.Hour,
	})
	barrier := resilience.NewBarrier(breakers, c, resilience.BarrierOptions{CallTimeout: time.Second})
	th := throttle.New(throttle.Limit{Rate: 1000, Burst: 1000})

	return NewSourceClient(catalog, NewHTTPFetcher(HTTPOptions{MaxRetries: 1}), th, barrier)
}

func TestFetchChapter(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		assert.Equal(t, "/chapters/84", r.URL.Path)
		io.WriteString(w, `[{"hts_code":"8471.30.0100","description":"Portable computers","base_rate":2.5}]`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	ctx := context.Background()

	res, err := c.FetchChapter(ctx, "usitc", "84")
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "8471.30.0100", res.Rows[0].HTSCode)
	assert.InDelta(t, 2.5, res.Rows[0].BaseRate, 1e-9)

	// Upstream dies: the same chapter is answered from the cache, degraded.
	healthy.Store(false)
	res, err = c.FetchChapter(ctx, "usitc", "84")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Rows, 1)

	// An uncached chapter has nothing to fall back to.
	_, err = c.FetchChapter(ctx, "usitc", "85")
	require.Error(t, err)
}

func TestFetchRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rates/8471.30.0100", r.URL.Path)
		io.WriteString(w, `[{"hts_code":"8471.30.0100","base_rate":3.0}]`)
	}))
	defer srv.Close()

	rows, err := testClient(t, srv.URL).FetchRates(context.Background(), "usitc", "8471.30.0100")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 3.0, rows[0].BaseRate, 1e-9)
}

func TestFetchNotices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":"n-1","title":"Section 301 modification","hts_codes":["8471.30.0100"]}]`)
	}))
	defer srv.Close()

	notices, err := testClient(t, srv.URL).FetchNotices(context.Background(), "usitc", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, "Section 301 modification", notices[0].Title)
}

func TestFetchRulings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":"NY-N301234","hts_code":"8471.30.0100","title":"Tablet classification"}]`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	since := time.Now().Add(-24 * time.Hour)

	// No rulings endpoint configured: an empty result, not an error.
	rulings, err := c.FetchRulings(context.Background(), "usitc", since)
	require.NoError(t, err)
	assert.Empty(t, rulings)

	c.catalog.Sources[0].Endpoints["rulings"] = "/rulings?since=%s"
	rulings, err = c.FetchRulings(context.Background(), "usitc", since)
	require.NoError(t, err)
	require.Len(t, rulings, 1)
	assert.Equal(t, "8471.30.0100", rulings[0].HTSCode)
}

type stubFetcher struct {
	urls    []string
	payload string
}

func (s *stubFetcher) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	s.urls = append(s.urls, url)
	return io.NopCloser(strings.NewReader(s.payload)), nil
}

func (s *stubFetcher) DownloadToFile(ctx context.Context, url, path string) (int64, error) {
	return 0, nil
}

func TestFetchRoutesBySchemeToRegisteredFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"hts_code":"8471.30.0100","base_rate":2.5}]`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	c.catalog.Sources = append(c.catalog.Sources, Source{
		Name:      "archive",
		BaseURL:   "ftp://mirror.example.gov/hts",
		Endpoints: map[string]string{"chapter": "/chapters/chapter_%s.json"},
	})

	ftpStub := &stubFetcher{payload: `[{"hts_code":"0901.21.0020","base_rate":1.5}]`}
	c.RegisterScheme("ftp", ftpStub)

	// ftp:// endpoints go to the registered fetcher.
	res, err := c.FetchChapter(context.Background(), "archive", "09")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "0901.21.0020", res.Rows[0].HTSCode)
	require.Len(t, ftpStub.urls, 1)
	assert.Equal(t, "ftp://mirror.example.gov/hts/chapters/chapter_09.json", ftpStub.urls[0])

	// http sources keep using the default fetcher.
	res, err = c.FetchChapter(context.Background(), "usitc", "84")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "8471.30.0100", res.Rows[0].HTSCode)
	assert.Len(t, ftpStub.urls, 1)
}

func TestFetchUnknownSourceOrEndpoint(t *testing.T) {
	c := testClient(t, "http://127.0.0.1:0")

	_, err := c.FetchChapter(context.Background(), "nope", "84")
	require.Error(t, err)

	// A catalog without the notices endpoint fails before any network call.
	c.catalog.Sources[0].Endpoints = map[string]string{"chapter": "/chapters/%s"}
	_, err = c.FetchNotices(context.Background(), "usitc", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoint")
}

func TestFetchBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>not json</html>")
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).FetchChapter(context.Background(), "usitc", "84")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode chapter")
}
