package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/resilience"
	"github.com/sells-group/tariff-sync/internal/throttle"
)

// Throttle buckets. Chapter pulls are heavyweight full-table reads; rate
// and notice lookups are cheap. Separate buckets keep one from starving
// the other.
const (
	BucketChapter = "chapter"
	BucketRate    = "rate"
	BucketNotice  = "notice"
)

// CatalogRow is one tariff line as published by an upstream source.
type CatalogRow struct {
	HTSCode         string                 `json:"hts_code"`
	Description     string                 `json:"description"`
	BaseRate        float64                `json:"base_rate"`
	AdditionalRates []model.AdditionalRate `json:"additional_rates,omitempty"`
	ProgramRates    []model.ProgramRate    `json:"program_rates,omitempty"`
}

// Notice is one regulatory notice entry from an upstream feed.
type Notice struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Published time.Time `json:"published"`
	HTSCodes  []string  `json:"hts_codes,omitempty"`
}

// Ruling is one customs classification ruling for a specific code.
type Ruling struct {
	ID      string    `json:"id"`
	HTSCode string    `json:"hts_code"`
	Title   string    `json:"title"`
	URL     string    `json:"url"`
	Issued  time.Time `json:"issued"`
}

// ChapterResult is a chapter fetch plus whether it came through degraded
// (cached or default payload while the source's breaker is open).
type ChapterResult struct {
	Rows     []CatalogRow
	Degraded bool
}

// SourceClient routes every outbound call through the throttle and the
// fault barrier, in that order. Throttling first means a rejected call
// never consumes a rate token it did not use.
type SourceClient struct {
	catalog  *SourceCatalog
	fetcher  Fetcher
	schemes  map[string]Fetcher
	throttle *throttle.Throttle
	barrier  *resilience.Barrier
}

// NewSourceClient wires a fetcher to the resilience stack. f handles every
// URL whose scheme has no fetcher registered via RegisterScheme.
func NewSourceClient(catalog *SourceCatalog, f Fetcher, t *throttle.Throttle, b *resilience.Barrier) *SourceClient {
	return &SourceClient{
		catalog:  catalog,
		fetcher:  f,
		schemes:  make(map[string]Fetcher),
		throttle: t,
		barrier:  b,
	}
}

// RegisterScheme routes URLs with the given scheme to a dedicated fetcher.
// Bulk FTP mirrors register here so the same source catalog can mix http
// and ftp endpoints.
func (c *SourceClient) RegisterScheme(scheme string, f Fetcher) {
	c.schemes[scheme] = f
}

func (c *SourceClient) fetcherFor(rawURL string) Fetcher {
	u, err := url.Parse(rawURL)
	if err == nil {
		if f, ok := c.schemes[u.Scheme]; ok {
			return f
		}
	}
	return c.fetcher
}

// SourceFor returns the first catalog source exposing the named endpoint.
func (c *SourceClient) SourceFor(endpoint string) (string, bool) {
	for _, src := range c.catalog.Sources {
		if _, ok := src.Endpoints[endpoint]; ok {
			return src.Name, true
		}
	}
	return "", false
}

// fetch downloads one endpoint through the full pipeline and returns the
// raw payload.
func (c *SourceClient) fetch(ctx context.Context, sourceName, bucket, endpoint, cacheKey string, args ...any) (resilience.Result, error) {
	src, err := c.catalog.Get(sourceName)
	if err != nil {
		return resilience.Result{}, err
	}
	urlTmpl, err := src.Endpoint(endpoint)
	if err != nil {
		return resilience.Result{}, err
	}
	target := urlTmpl
	if len(args) > 0 {
		target = fmt.Sprintf(urlTmpl, args...)
	}

	if err := c.throttle.Wait(ctx, sourceName, bucket); err != nil {
		return resilience.Result{}, err
	}

	f := c.fetcherFor(target)
	return c.barrier.Call(ctx, sourceName, cacheKey, func(ctx context.Context) ([]byte, error) {
		rc, err := f.Download(ctx, target)
		if err != nil {
			return nil, err
		}
		defer rc.Close() //nolint:errcheck
		return io.ReadAll(rc)
	}, nil)
}

// FetchChapter pulls every tariff line of one HTS chapter.
func (c *SourceClient) FetchChapter(ctx context.Context, sourceName, chapter string) (*ChapterResult, error) {
	res, err := c.fetch(ctx, sourceName, BucketChapter, "chapter", "chapter:"+chapter, chapter)
	if err != nil {
		return nil, err
	}

	var rows []CatalogRow
	if err := json.Unmarshal(res.Payload, &rows); err != nil {
		return nil, eris.Wrapf(err, "fetcher: decode chapter %s from %s", chapter, sourceName)
	}
	return &ChapterResult{Rows: rows, Degraded: res.Degraded}, nil
}

// FetchRates pulls current rate lines for specific HTS codes.
func (c *SourceClient) FetchRates(ctx context.Context, sourceName string, htsCode string) ([]CatalogRow, error) {
	res, err := c.fetch(ctx, sourceName, BucketRate, "rate", "rate:"+htsCode, htsCode)
	if err != nil {
		return nil, err
	}

	var rows []CatalogRow
	if err := json.Unmarshal(res.Payload, &rows); err != nil {
		return nil, eris.Wrapf(err, "fetcher: decode rates for %s from %s", htsCode, sourceName)
	}
	return rows, nil
}

// FetchNotices pulls regulatory notices published since the given time.
func (c *SourceClient) FetchNotices(ctx context.Context, sourceName string, since time.Time) ([]Notice, error) {
	res, err := c.fetch(ctx, sourceName, BucketNotice, "notices",
		"notices:"+since.UTC().Format("2006-01-02"), since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}

	var notices []Notice
	if err := json.Unmarshal(res.Payload, &notices); err != nil {
		return nil, eris.Wrapf(err, "fetcher: decode notices from %s", sourceName)
	}
	return notices, nil
}

// FetchRulings pulls customs rulings issued since the given time. Sources
// without a rulings endpoint return an empty slice; rulings are an optional
// feed, unlike the catalog endpoints.
func (c *SourceClient) FetchRulings(ctx context.Context, sourceName string, since time.Time) ([]Ruling, error) {
	src, err := c.catalog.Get(sourceName)
	if err != nil {
		return nil, err
	}
	if _, err := src.Endpoint("rulings"); err != nil {
		return nil, nil
	}

	res, err := c.fetch(ctx, sourceName, BucketNotice, "rulings",
		"rulings:"+since.UTC().Format("2006-01-02"), since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}

	var rulings []Ruling
	if err := json.Unmarshal(res.Payload, &rulings); err != nil {
		return nil, eris.Wrapf(err, "fetcher: decode rulings from %s", sourceName)
	}
	return rulings, nil
}
