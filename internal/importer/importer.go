// Package importer applies catalog files to the store, recording every
// row's effect as an audit change, cascading rate changes, and supporting
// full rollback of a completed import.
package importer

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/internal/enrich"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/monitoring"
	"github.com/sells-group/tariff-sync/internal/notify"
	"github.com/sells-group/tariff-sync/internal/store"
	"github.com/sells-group/tariff-sync/internal/tariff"
)

const rateEpsilon = 1e-9

// Importer runs batch imports against the store.
type Importer struct {
	store      store.Store
	recorder   *tariff.Recorder
	classifier enrich.Classifier
	notifier   *notify.Service
	alerter    *monitoring.Alerter
	cfg        config.ImporterConfig
	log        *zap.Logger
}

// New assembles an importer. The notifier and alerter may be nil; the
// importer then applies changes without emitting intents or alerts.
func New(s store.Store, r *tariff.Recorder, c enrich.Classifier, n *notify.Service, a *monitoring.Alerter, cfg config.ImporterConfig) *Importer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	return &Importer{
		store:      s,
		recorder:   r,
		classifier: c,
		notifier:   n,
		alerter:    a,
		cfg:        cfg,
		log:        zap.L().Named("importer"),
	}
}

// Options control one import run.
type Options struct {
	// DetectRemoved marks products absent from the file as removed and
	// deletes them. Only meaningful for full-catalog files.
	DetectRemoved bool
}

// preparedRow is the outcome of the read-only phase for one input row.
type preparedRow struct {
	change      model.ImportChange
	product     *model.Product // nil for unchanged and removed rows
	oldRate     float64        // valid when change.Type == modified
	rateChanged bool
	descChanged bool
	skip        bool // row failed preparation and is counted, not applied
}

// ProcessFile imports one catalog file. The import record is created first
// so a crash mid-import leaves a visible "processing" record, and updated
// exactly once at the end with the final status.
func (im *Importer) ProcessFile(ctx context.Context, path string, opts Options) (*model.ImportRecord, error) {
	rec := &model.ImportRecord{
		ID:         uuid.NewString(),
		SourceFile: path,
		Status:     model.ImportStatusProcessing,
		StartedAt:  time.Now().UTC(),
	}
	if info, err := os.Stat(path); err == nil {
		rec.SizeBytes = info.Size()
	}
	if err := im.store.CreateImportRecord(ctx, rec); err != nil {
		return nil, err
	}

	rows, err := ParseFile(path)
	if err != nil {
		im.finishFailed(ctx, rec, err)
		return rec, err
	}

	return im.run(ctx, rec, rows, opts)
}

// ProcessRows imports rows already fetched from a sync source. Same
// pipeline as ProcessFile without the parse step; label names the origin
// in the import record.
func (im *Importer) ProcessRows(ctx context.Context, label string, rows []InputRow, opts Options) (*model.ImportRecord, error) {
	rec := &model.ImportRecord{
		ID:         uuid.NewString(),
		SourceFile: label,
		Status:     model.ImportStatusProcessing,
		StartedAt:  time.Now().UTC(),
	}
	if err := im.store.CreateImportRecord(ctx, rec); err != nil {
		return nil, err
	}
	return im.run(ctx, rec, rows, opts)
}

func (im *Importer) run(ctx context.Context, rec *model.ImportRecord, rows []InputRow, opts Options) (*model.ImportRecord, error) {
	rec.RowCount = len(rows)

	im.log.Info("import started",
		zap.String("import_id", rec.ID),
		zap.String("source", rec.SourceFile),
		zap.Int("rows", len(rows)))

	prepared, err := im.prepareBatches(ctx, rec.ID, rows)
	if err != nil {
		im.finishFailed(ctx, rec, err)
		return rec, err
	}

	if err := im.applyBatches(ctx, rec, prepared); err != nil {
		im.finishFailed(ctx, rec, err)
		return rec, err
	}

	if opts.DetectRemoved {
		if err := im.detectRemoved(ctx, rec, rows); err != nil {
			im.finishFailed(ctx, rec, err)
			return rec, err
		}
	}

	now := time.Now().UTC()
	rec.Status = model.ImportStatusCompleted
	rec.CompletedAt = &now
	rec.Summary = fmt.Sprintf("%d new, %d updated (%d rate, %d description), %d skipped, %d removed",
		rec.NewCount, rec.UpdatedCount, rec.RateChangedCount, rec.DescChangedCount,
		rec.SkippedCount, rec.RemovedCount)
	if err := im.store.UpdateImportRecord(ctx, rec); err != nil {
		return rec, err
	}

	im.log.Info("import completed",
		zap.String("import_id", rec.ID),
		zap.String("summary", rec.Summary))

	if im.alerter != nil && im.cfg.RateChangeAlertCount > 0 && rec.RateChangedCount >= im.cfg.RateChangeAlertCount {
		im.alerter.LargeRateChange(ctx, rec.ID, rec.RateChangedCount, im.cfg.RateChangeAlertCount)
	}

	return rec, nil
}

// prepareBatches runs the read-only phase: catalog lookups, diffing and
// classification, batched and bounded by the configured concurrency. The
// result preserves input order so the audit log reads like the file. A row
// whose lookup fails is marked skipped and the rest of the file proceeds;
// only context cancellation aborts the phase.
func (im *Importer) prepareBatches(ctx context.Context, importID string, rows []InputRow) ([][]preparedRow, error) {
	batchSize := im.cfg.BatchSize
	numBatches := (len(rows) + batchSize - 1) / batchSize
	prepared := make([][]preparedRow, numBatches)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.cfg.Concurrency)

	for b := 0; b < numBatches; b++ {
		start := b * batchSize
		end := min(start+batchSize, len(rows))
		batch := rows[start:end]

		g.Go(func() error {
			out := make([]preparedRow, 0, len(batch))
			for _, row := range batch {
				pr, err := im.prepareRow(gctx, importID, row)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					im.log.Warn("row preparation failed, row skipped",
						zap.String("import_id", importID),
						zap.String("hts_code", row.HTSCode),
						zap.Error(err))
					out = append(out, preparedRow{skip: true})
					continue
				}
				out = append(out, pr)
			}
			prepared[b] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return prepared, nil
}

func (im *Importer) prepareRow(ctx context.Context, importID string, row InputRow) (preparedRow, error) {
	existing, err := im.store.GetProductByCode(ctx, row.HTSCode)
	if err != nil {
		return preparedRow{}, err
	}

	now := time.Now().UTC()

	if existing == nil {
		p := &model.Product{
			HTSCode:         row.HTSCode,
			Description:     row.Description,
			BaseRate:        row.BaseRate,
			AdditionalRates: row.AdditionalRates,
			ProgramRates:    row.ProgramRates,
		}
		im.classify(ctx, p)
		p.TotalRate = p.ComputeTotalRate()

		return preparedRow{
			change: model.ImportChange{
				ImportID:  importID,
				HTSCode:   row.HTSCode,
				Type:      model.ChangeNew,
				New:       p.Snapshot(),
				CreatedAt: now,
			},
			product: p,
		}, nil
	}

	rateChanged := math.Abs(existing.BaseRate-row.BaseRate) > rateEpsilon ||
		!additionalRatesEqual(existing.AdditionalRates, row.AdditionalRates)
	descChanged := existing.Description != row.Description
	programsChanged := !programRatesEqual(existing.ProgramRates, row.ProgramRates)

	if !rateChanged && !descChanged && !programsChanged {
		return preparedRow{
			change: model.ImportChange{
				ImportID:  importID,
				HTSCode:   row.HTSCode,
				ProductID: &existing.ID,
				Type:      model.ChangeUnchanged,
				CreatedAt: now,
			},
		}, nil
	}

	oldSnap := existing.Snapshot()
	updated := *existing
	updated.Description = row.Description
	updated.BaseRate = row.BaseRate
	updated.AdditionalRates = row.AdditionalRates
	updated.ProgramRates = row.ProgramRates
	if descChanged {
		// A new description can invalidate the derived metadata.
		im.classify(ctx, &updated)
	}
	updated.TotalRate = updated.ComputeTotalRate()

	return preparedRow{
		change: model.ImportChange{
			ImportID:  importID,
			HTSCode:   row.HTSCode,
			ProductID: &existing.ID,
			Type:      model.ChangeModified,
			Old:       oldSnap,
			New:       updated.Snapshot(),
			CreatedAt: now,
		},
		product:     &updated,
		oldRate:     existing.BaseRate,
		rateChanged: rateChanged,
		descChanged: descChanged,
	}, nil
}

// classify fills category and search metadata. Classification is best
// effort; a failure leaves the row importable with empty metadata.
func (im *Importer) classify(ctx context.Context, p *model.Product) {
	if im.classifier == nil {
		return
	}
	cls, err := im.classifier.Classify(ctx, p.HTSCode, p.Description)
	if err != nil {
		im.log.Warn("classification failed",
			zap.String("hts_code", p.HTSCode),
			zap.Error(err))
		return
	}
	p.Category = cls.Category
	p.Keywords = cls.Keywords
	p.CommonNames = cls.CommonNames
	p.SearchText = enrich.BuildSearchText(p.Description, cls)
}

// applyBatches runs the write phase sequentially in input order: upsert the
// batch, resolve ids for new rows, append audit changes, then cascade and
// notify for material rate changes. A history or cascade failure on one row
// is logged and counted as skipped; only batch-level writes abort the
// import.
func (im *Importer) applyBatches(ctx context.Context, rec *model.ImportRecord, batches [][]preparedRow) error {
	for _, batch := range batches {
		var upserts []model.Product
		for i := range batch {
			if batch[i].product != nil {
				upserts = append(upserts, *batch[i].product)
			}
		}

		if _, err := im.store.UpsertProducts(ctx, upserts); err != nil {
			return err
		}

		// New rows get their ids only after the upsert.
		var newCodes []string
		for i := range batch {
			if batch[i].change.Type == model.ChangeNew {
				newCodes = append(newCodes, batch[i].change.HTSCode)
			}
		}
		ids, err := im.store.ProductIDsByCode(ctx, newCodes)
		if err != nil {
			return err
		}

		changes := make([]model.ImportChange, 0, len(batch))
		for i := range batch {
			pr := &batch[i]
			if pr.skip {
				continue
			}
			if pr.change.Type == model.ChangeNew {
				if id, ok := ids[pr.change.HTSCode]; ok {
					pr.change.ProductID = &id
					pr.product.ID = id
				}
			}
			changes = append(changes, pr.change)
		}
		if err := im.store.AppendImportChanges(ctx, changes); err != nil {
			return err
		}

		for i := range batch {
			pr := &batch[i]
			if pr.skip {
				rec.SkippedCount++
				continue
			}
			switch pr.change.Type {
			case model.ChangeNew:
				if err := im.recorder.RecordChange(ctx, pr.product, model.HistorySourceImport, &rec.ID, "initial import"); err != nil {
					im.skipRow(rec, pr.change.HTSCode, "history write failed", err)
					continue
				}
				rec.NewCount++
			case model.ChangeModified:
				if pr.rateChanged {
					if err := im.recorder.RecordChange(ctx, pr.product, model.HistorySourceImport, &rec.ID, ""); err != nil {
						im.skipRow(rec, pr.change.HTSCode, "history write failed", err)
						continue
					}
					if _, err := im.recorder.CascadeBaseRateChange(ctx, pr.product, model.HistorySourceImport, &rec.ID); err != nil {
						im.skipRow(rec, pr.change.HTSCode, "cascade failed", err)
						continue
					}
					rec.RateChangedCount++
					delta := pr.product.BaseRate - pr.oldRate
					if im.notifier != nil && math.Abs(delta) >= im.cfg.MaterialityThreshold {
						im.notifier.RateChange(ctx, pr.product, pr.oldRate, pr.product.BaseRate)
					}
				}
				rec.UpdatedCount++
				if pr.descChanged {
					rec.DescChangedCount++
				}
			case model.ChangeUnchanged:
				rec.SkippedCount++
			}
		}
	}
	return nil
}

func (im *Importer) skipRow(rec *model.ImportRecord, htsCode, reason string, cause error) {
	rec.SkippedCount++
	im.log.Warn(reason+", row skipped",
		zap.String("import_id", rec.ID),
		zap.String("hts_code", htsCode),
		zap.Error(cause))
}

// detectRemoved finds catalog products absent from the file, records a
// removed change for each and deletes them.
func (im *Importer) detectRemoved(ctx context.Context, rec *model.ImportRecord, rows []InputRow) error {
	inFile := make(map[string]bool, len(rows))
	for _, r := range rows {
		inFile[model.NormalizeHTSCode(r.HTSCode)] = true
	}

	codes, err := im.store.ListProductCodes(ctx)
	if err != nil {
		return err
	}

	var changes []model.ImportChange
	for _, code := range codes {
		if inFile[model.NormalizeHTSCode(code)] {
			continue
		}
		p, err := im.store.GetProductByCode(ctx, code)
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}

		if im.notifier != nil {
			im.notifier.ProductRemoved(ctx, p)
		}
		if err := im.store.DeleteProduct(ctx, p.ID); err != nil {
			return err
		}
		changes = append(changes, model.ImportChange{
			ImportID:  rec.ID,
			HTSCode:   code,
			ProductID: &p.ID,
			Type:      model.ChangeRemoved,
			Old:       p.Snapshot(),
			CreatedAt: time.Now().UTC(),
		})
		rec.RemovedCount++
	}

	return im.store.AppendImportChanges(ctx, changes)
}

func (im *Importer) finishFailed(ctx context.Context, rec *model.ImportRecord, cause error) {
	now := time.Now().UTC()
	rec.Status = model.ImportStatusFailed
	rec.Error = cause.Error()
	rec.CompletedAt = &now
	if err := im.store.UpdateImportRecord(ctx, rec); err != nil {
		im.log.Error("failed to record import failure",
			zap.String("import_id", rec.ID),
			zap.Error(err))
	}
	im.log.Error("import failed",
		zap.String("import_id", rec.ID),
		zap.Error(cause))
}

func additionalRatesEqual(a, b []model.AdditionalRate) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Code != b[i].Code || math.Abs(a[i].Rate-b[i].Rate) > rateEpsilon {
			return false
		}
	}
	return true
}

func programRatesEqual(a, b []model.ProgramRate) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Program != b[i].Program || math.Abs(a[i].Rate-b[i].Rate) > rateEpsilon {
			return false
		}
	}
	return true
}
