package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/cache"
	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/internal/enrich"
	"github.com/sells-group/tariff-sync/internal/fetcher"
	"github.com/sells-group/tariff-sync/internal/importer"
	"github.com/sells-group/tariff-sync/internal/jobs"
	"github.com/sells-group/tariff-sync/internal/monitoring"
	"github.com/sells-group/tariff-sync/internal/notify"
	"github.com/sells-group/tariff-sync/internal/resilience"
	"github.com/sells-group/tariff-sync/internal/store"
	"github.com/sells-group/tariff-sync/internal/tariff"
	"github.com/sells-group/tariff-sync/internal/throttle"
	"github.com/sells-group/tariff-sync/pkg/anthropic"
)

// app holds the wired pipeline for one process.
type app struct {
	Store      store.Store
	Cache      *cache.Cache
	Classifier enrich.Classifier
	Breakers   *resilience.ServiceBreakers
	Barrier    *resilience.Barrier
	Throttle   *throttle.Throttle
	Client     *fetcher.SourceClient
	Importer   *importer.Importer
	Recorder   *tariff.Recorder
	Worker     *jobs.Worker
	Scheduler  *jobs.Scheduler
	Collector  *monitoring.Collector
	Alerter    *monitoring.Alerter
}

func (a *app) Close() {
	a.Cache.Close()
	if err := a.Store.Close(); err != nil {
		zap.L().Warn("store close", zap.Error(err))
	}
}

// initApp builds the full stack from config. Every command shares this
// wiring; commands that never touch upstream sources simply leave the
// fetch path idle.
func initApp(ctx context.Context) (*app, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	c := cache.New(cache.Options{
		APITTL: time.Duration(cfg.Cache.APITTLSecs) * time.Second,
		AITTL:  time.Duration(cfg.Cache.AITTLSecs) * time.Second,
		RefTTL: time.Duration(cfg.Cache.RefTTLSecs) * time.Second,
	})

	alerter := monitoring.NewAlerter(cfg.Alert)

	breakerDefaults := breakerConfig(cfg.Breaker)
	breakers := resilience.NewServiceBreakers(breakerDefaults)
	barrier := resilience.NewBarrier(breakers, c, resilience.BarrierOptions{
		CallTimeout: time.Duration(cfg.Breaker.CallTimeoutSecs) * time.Second,
		CacheTTL:    time.Duration(cfg.Cache.APITTLSecs) * time.Second,
		OnOpen: func(source string) {
			rate, _ := breakers.Get(source).ErrorRate()
			alerter.BreakerOpen(context.Background(), source, rate)
		},
	})

	th := throttle.New(throttle.Limit{
		Rate:  cfg.Throttle.DefaultRate,
		Burst: cfg.Throttle.DefaultBurst,
	})

	catalog, err := fetcher.LoadSources(cfg.Sources.Path)
	if err != nil {
		return nil, err
	}
	catalog.Apply(th, barrier, breakerDefaults)

	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
	client := fetcher.NewSourceClient(catalog, httpFetcher, th, barrier)
	client.RegisterScheme("ftp", fetcher.NewFTPFetcher(fetcher.FTPOptions{}))

	var classifier enrich.Classifier
	if cfg.Anthropic.Key != "" {
		classifier = enrich.NewAIClassifier(
			anthropic.NewClient(cfg.Anthropic.Key), c, cfg.Anthropic,
			time.Duration(cfg.Cache.AITTLSecs)*time.Second)
	} else {
		classifier = enrich.NewPrefixClassifier()
	}

	recorder := tariff.NewRecorder(st)
	notifier := notify.NewService(st, notifyEmitters(cfg.Alert)...)
	imp := importer.New(st, recorder, classifier, notifier, alerter, cfg.Importer)

	worker := jobs.NewWorker(st, cfg.Queue, alerter)
	handlers := jobs.NewHandlers(st, client, imp, recorder, notifier,
		defaultSource(catalog), cfg.Queue, cfg.Importer)
	handlers.RegisterAll(worker)

	return &app{
		Store:      st,
		Cache:      c,
		Classifier: classifier,
		Breakers:   breakers,
		Barrier:    barrier,
		Throttle:   th,
		Client:     client,
		Importer:   imp,
		Recorder:   recorder,
		Worker:     worker,
		Scheduler:  jobs.NewScheduler(worker),
		Collector:  monitoring.NewCollector(st, breakers, c),
		Alerter:    alerter,
	}, nil
}

func breakerConfig(b config.BreakerConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		ErrorRateThreshold: b.ErrorRateThreshold,
		WindowBuckets:      b.WindowBuckets,
		WindowDuration:     time.Duration(b.WindowSecs) * time.Second,
		Cooldown:           time.Duration(b.CooldownSecs) * time.Second,
		MinRequests:        b.MinRequests,
	}
}

func notifyEmitters(a config.AlertConfig) []notify.Emitter {
	emitters := []notify.Emitter{notify.LogEmitter{}}
	if a.WebhookURL != "" {
		emitters = append(emitters, notify.NewWebhookEmitter(a.WebhookURL))
	}
	return emitters
}

func defaultSource(catalog *fetcher.SourceCatalog) string {
	if len(catalog.Sources) > 0 {
		return catalog.Sources[0].Name
	}
	return ""
}
