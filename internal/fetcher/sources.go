package fetcher

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/tariff-sync/internal/resilience"
	"github.com/sells-group/tariff-sync/internal/throttle"
)

// BucketLimit is one rate limit entry in the source catalog.
type BucketLimit struct {
	Bucket string  `yaml:"bucket"`
	Rate   float64 `yaml:"rate"`
	Burst  int     `yaml:"burst"`
}

// BreakerOverride carries per-source breaker settings. Zero fields inherit
// the process-wide defaults.
type BreakerOverride struct {
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`
	WindowBuckets      int     `yaml:"window_buckets"`
	WindowSecs         int     `yaml:"window_secs"`
	CooldownSecs       int     `yaml:"cooldown_secs"`
	MinRequests        int     `yaml:"min_requests"`
}

// Source describes one upstream data provider.
type Source struct {
	Name        string            `yaml:"name"`
	BaseURL     string            `yaml:"base_url"`
	TimeoutSecs int               `yaml:"timeout_secs"`
	Breaker     *BreakerOverride  `yaml:"breaker,omitempty"`
	Limits      []BucketLimit     `yaml:"limits,omitempty"`
	Endpoints   map[string]string `yaml:"endpoints"`
}

// Endpoint returns the full URL for a named endpoint, or an error if the
// source does not define it.
func (s *Source) Endpoint(name string) (string, error) {
	p, ok := s.Endpoints[name]
	if !ok {
		return "", eris.Errorf("fetcher: source %s has no endpoint %q", s.Name, name)
	}
	return s.BaseURL + p, nil
}

// SourceCatalog is the parsed sources.yaml.
type SourceCatalog struct {
	Sources []Source `yaml:"sources"`
}

// Get returns the source with the given name.
func (c *SourceCatalog) Get(name string) (*Source, error) {
	for i := range c.Sources {
		if c.Sources[i].Name == name {
			return &c.Sources[i], nil
		}
	}
	return nil, eris.Errorf("fetcher: unknown source %q", name)
}

// LoadSources reads and parses the source catalog file.
func LoadSources(path string) (*SourceCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read source catalog %s", path)
	}

	var catalog SourceCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse source catalog %s", path)
	}

	for i := range catalog.Sources {
		s := &catalog.Sources[i]
		if s.Name == "" {
			return nil, eris.Errorf("fetcher: source %d has no name", i)
		}
		if s.BaseURL == "" {
			return nil, eris.Errorf("fetcher: source %s has no base_url", s.Name)
		}
	}
	return &catalog, nil
}

// Apply registers every source's limits and breaker overrides with the
// throttle and barrier, starting from the given defaults.
func (c *SourceCatalog) Apply(t *throttle.Throttle, barrier *resilience.Barrier, def resilience.CircuitBreakerConfig) {
	for i := range c.Sources {
		s := &c.Sources[i]

		for _, lim := range s.Limits {
			t.Configure(s.Name, lim.Bucket, throttle.Limit{Rate: lim.Rate, Burst: lim.Burst})
		}

		cfg := def
		if o := s.Breaker; o != nil {
			if o.ErrorRateThreshold > 0 {
				cfg.ErrorRateThreshold = o.ErrorRateThreshold
			}
			if o.WindowBuckets > 0 {
				cfg.WindowBuckets = o.WindowBuckets
			}
			if o.WindowSecs > 0 {
				cfg.WindowDuration = time.Duration(o.WindowSecs) * time.Second
			}
			if o.CooldownSecs > 0 {
				cfg.Cooldown = time.Duration(o.CooldownSecs) * time.Second
			}
			if o.MinRequests > 0 {
				cfg.MinRequests = o.MinRequests
			}
		}
		barrier.Configure(s.Name, cfg)
	}
}
