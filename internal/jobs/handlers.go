package jobs

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/internal/fetcher"
	"github.com/sells-group/tariff-sync/internal/importer"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/notify"
	"github.com/sells-group/tariff-sync/internal/store"
	"github.com/sells-group/tariff-sync/internal/tariff"
)

const rateEpsilon = 1e-9

// Handlers implements the six job types against the sync stack.
type Handlers struct {
	store    store.Store
	client   *fetcher.SourceClient
	importer *importer.Importer
	recorder *tariff.Recorder
	notifier *notify.Service
	source   string
	queueCfg config.QueueConfig
	impCfg   config.ImporterConfig
	log      *zap.Logger
}

// NewHandlers wires handlers to their dependencies. source names the
// upstream provider in the source catalog used for sync jobs.
func NewHandlers(
	s store.Store,
	client *fetcher.SourceClient,
	imp *importer.Importer,
	rec *tariff.Recorder,
	n *notify.Service,
	source string,
	queueCfg config.QueueConfig,
	impCfg config.ImporterConfig,
) *Handlers {
	return &Handlers{
		store:    s,
		client:   client,
		importer: imp,
		recorder: rec,
		notifier: n,
		source:   source,
		queueCfg: queueCfg,
		impCfg:   impCfg,
		log:      zap.L().Named("handlers"),
	}
}

// RegisterAll binds every handler to the worker.
func (h *Handlers) RegisterAll(w *Worker) {
	w.Register(model.JobFullCatalog, h.FullCatalog)
	w.Register(model.JobIncrementalCatalog, h.IncrementalCatalog)
	w.Register(model.JobRateUpdate, h.RateUpdate)
	w.Register(model.JobNoticeUpdate, h.NoticeUpdate)
	w.Register(model.JobCleanup, h.Cleanup)
	w.Register(model.JobGenericImport, h.GenericImport)
}

// FullCatalog pulls every requested chapter and applies it as one import
// with removal detection.
func (h *Handlers) FullCatalog(ctx context.Context, job model.SyncJob) (int64, error) {
	return h.catalogSync(ctx, job, true)
}

// IncrementalCatalog pulls chapters without removal detection; absence in
// a partial pull proves nothing.
func (h *Handlers) IncrementalCatalog(ctx context.Context, job model.SyncJob) (int64, error) {
	return h.catalogSync(ctx, job, false)
}

func (h *Handlers) catalogSync(ctx context.Context, job model.SyncJob, detectRemoved bool) (int64, error) {
	chapters := allChapters()
	if job.Payload.Catalog != nil && len(job.Payload.Catalog.Chapters) > 0 {
		chapters = job.Payload.Catalog.Chapters
	}
	// Removal detection is only sound when the pull covers the whole
	// catalog.
	if job.Payload.Catalog != nil && len(job.Payload.Catalog.Chapters) > 0 {
		detectRemoved = false
	}

	var rows []importer.InputRow
	degraded := 0
	for _, chapter := range chapters {
		res, err := h.client.FetchChapter(ctx, h.source, chapter)
		if err != nil {
			return 0, err
		}
		if res.Degraded {
			degraded++
		}
		for _, r := range res.Rows {
			rows = append(rows, importer.InputRow{
				HTSCode:         r.HTSCode,
				Description:     r.Description,
				BaseRate:        r.BaseRate,
				AdditionalRates: r.AdditionalRates,
				ProgramRates:    r.ProgramRates,
			})
		}
	}

	if degraded > 0 {
		h.log.Warn("catalog sync used degraded data",
			zap.String("job_id", job.ID),
			zap.Int("degraded_chapters", degraded))
		// A degraded full pull must not delete products the cache simply
		// did not contain.
		detectRemoved = false
	}

	rec, err := h.importer.ProcessRows(ctx,
		fmt.Sprintf("%s:%s", h.source, job.Type),
		rows,
		importer.Options{DetectRemoved: detectRemoved})
	if err != nil {
		return 0, err
	}
	return int64(rec.RowCount), nil
}

// RateUpdate refreshes current rates for specific codes, or the whole
// catalog when the payload names none.
func (h *Handlers) RateUpdate(ctx context.Context, job model.SyncJob) (int64, error) {
	var codes []string
	if job.Payload.RateUpdate != nil {
		codes = job.Payload.RateUpdate.HTSCodes
	}
	if len(codes) == 0 {
		all, err := h.store.ListProductCodes(ctx)
		if err != nil {
			return 0, err
		}
		codes = all
	}

	var synced int64
	for _, code := range codes {
		updated, err := h.refreshRate(ctx, code)
		if err != nil {
			return synced, err
		}
		if updated {
			synced++
		}
	}
	return synced, nil
}

func (h *Handlers) refreshRate(ctx context.Context, code string) (bool, error) {
	rows, err := h.client.FetchRates(ctx, h.source, code)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	row := rows[0]

	p, err := h.store.GetProductByCode(ctx, code)
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, nil
	}

	if math.Abs(p.BaseRate-row.BaseRate) < rateEpsilon {
		return false, nil
	}

	oldRate := p.BaseRate
	p.BaseRate = row.BaseRate
	if len(row.AdditionalRates) > 0 {
		p.AdditionalRates = row.AdditionalRates
	}
	p.TotalRate = p.ComputeTotalRate()

	if _, err := h.store.UpsertProducts(ctx, []model.Product{*p}); err != nil {
		return false, err
	}
	if err := h.recorder.RecordChange(ctx, p, model.HistorySourceImport, nil, "rate update sync"); err != nil {
		return false, err
	}
	if _, err := h.recorder.CascadeBaseRateChange(ctx, p, model.HistorySourceImport, nil); err != nil {
		return false, err
	}
	if h.notifier != nil && math.Abs(p.BaseRate-oldRate) >= h.impCfg.MaterialityThreshold {
		h.notifier.RateChange(ctx, p, oldRate, p.BaseRate)
	}
	return true, nil
}

// NoticeUpdate pulls regulatory notices published since the last
// successful run and logs them for downstream review.
func (h *Handlers) NoticeUpdate(ctx context.Context, job model.SyncJob) (int64, error) {
	var since time.Time
	if job.Payload.Notice != nil && job.Payload.Notice.Since != nil {
		since = *job.Payload.Notice.Since
	} else {
		last, err := h.store.LastSuccess(ctx, model.JobNoticeUpdate)
		if err != nil {
			return 0, err
		}
		if last != nil {
			since = *last
		} else {
			since = time.Now().UTC().AddDate(0, 0, -7)
		}
	}

	// Notice and ruling feeds may live on a different source than the
	// catalog endpoints.
	source := h.source
	if s, ok := h.client.SourceFor("notices"); ok {
		source = s
	}

	notices, err := h.client.FetchNotices(ctx, source, since)
	if err != nil {
		return 0, err
	}

	for _, n := range notices {
		h.log.Info("regulatory notice",
			zap.String("notice_id", n.ID),
			zap.String("title", n.Title),
			zap.Time("published", n.Published),
			zap.Strings("hts_codes", n.HTSCodes))
	}

	if s, ok := h.client.SourceFor("rulings"); ok {
		source = s
	}
	rulings, err := h.client.FetchRulings(ctx, source, since)
	if err != nil {
		return int64(len(notices)), err
	}
	for _, r := range rulings {
		h.log.Info("customs ruling",
			zap.String("ruling_id", r.ID),
			zap.String("hts_code", r.HTSCode),
			zap.String("title", r.Title),
			zap.Time("issued", r.Issued))
	}

	return int64(len(notices) + len(rulings)), nil
}

// Cleanup prunes finished jobs past the retention window.
func (h *Handlers) Cleanup(ctx context.Context, job model.SyncJob) (int64, error) {
	days := h.queueCfg.RetentionDays
	if job.Payload.Cleanup != nil && job.Payload.Cleanup.RetainDays > 0 {
		days = job.Payload.Cleanup.RetainDays
	}
	if days <= 0 {
		days = 30
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	pruned, err := h.store.PruneJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	h.log.Info("cleanup pruned jobs",
		zap.Int64("pruned", pruned),
		zap.Time("cutoff", cutoff))
	return pruned, nil
}

// GenericImport runs a file import.
func (h *Handlers) GenericImport(ctx context.Context, job model.SyncJob) (int64, error) {
	p := job.Payload.Import
	rec, err := h.importer.ProcessFile(ctx, p.FilePath, importer.Options{
		DetectRemoved: p.DetectRemoved,
	})
	if err != nil {
		return 0, err
	}
	return int64(rec.RowCount), nil
}

// allChapters lists the 97 HTS chapters as zero-padded strings.
func allChapters() []string {
	out := make([]string, 0, 97)
	for i := 1; i <= 97; i++ {
		out = append(out, fmt.Sprintf("%02d", i))
	}
	return out
}
