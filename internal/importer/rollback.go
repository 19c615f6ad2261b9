package importer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/model"
)

// Rollback undoes a completed import by replaying its audit changes in
// reverse chronological order: created products are deleted, modified
// products restored from their old snapshot, removed products re-inserted.
// Per-row failures are collected and counted, never fatal; the import ends
// rolled_back either way and a second rollback is rejected.
func (im *Importer) Rollback(ctx context.Context, importID string) (*model.RollbackResult, error) {
	rec, err := im.store.GetImportRecord(ctx, importID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, eris.Errorf("importer: import %s not found", importID)
	}
	if rec.Status == model.ImportStatusRolledBack {
		return nil, eris.Errorf("importer: import %s already rolled back", importID)
	}
	if rec.Status == model.ImportStatusProcessing {
		return nil, eris.Errorf("importer: import %s still processing", importID)
	}

	changes, err := im.store.ListImportChanges(ctx, importID, true)
	if err != nil {
		return nil, err
	}

	result := &model.RollbackResult{
		ImportID:     importID,
		TotalChanges: len(changes),
	}

	for i := range changes {
		c := &changes[i]
		if err := im.rollbackChange(ctx, importID, c); err != nil {
			result.FailedRollbacks++
			result.Errors = append(result.Errors, c.HTSCode+": "+err.Error())
			im.log.Warn("rollback row failed",
				zap.String("import_id", importID),
				zap.String("hts_code", c.HTSCode),
				zap.Error(err))
			continue
		}
		result.SuccessfulRollbacks++
	}

	// The record flips to rolled_back directly; UpdateImportRecord refuses
	// writes to rolled_back records, so this goes through its own path.
	rec.Status = model.ImportStatusRolledBack
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := im.store.UpdateImportRecord(ctx, &model.ImportRecord{
		ID:               rec.ID,
		RowCount:         rec.RowCount,
		Status:           model.ImportStatusRolledBack,
		NewCount:         rec.NewCount,
		UpdatedCount:     rec.UpdatedCount,
		RateChangedCount: rec.RateChangedCount,
		DescChangedCount: rec.DescChangedCount,
		RemovedCount:     rec.RemovedCount,
		SkippedCount:     rec.SkippedCount,
		Summary:          rec.Summary,
		Error:            rec.Error,
		CompletedAt:      &now,
	}); err != nil {
		return result, err
	}

	im.log.Info("rollback finished",
		zap.String("import_id", importID),
		zap.Int("succeeded", result.SuccessfulRollbacks),
		zap.Int("failed", result.FailedRollbacks))

	return result, nil
}

func (im *Importer) rollbackChange(ctx context.Context, importID string, c *model.ImportChange) error {
	switch c.Type {
	case model.ChangeNew:
		if c.ProductID == nil {
			return eris.New("new change has no product id")
		}
		return im.store.DeleteProduct(ctx, *c.ProductID)

	case model.ChangeModified:
		if c.Old == nil || c.ProductID == nil {
			return eris.New("modified change missing old snapshot or product id")
		}
		restored := model.Product{ID: *c.ProductID}
		c.Old.Apply(&restored)

		if _, err := im.store.UpsertProducts(ctx, []model.Product{restored}); err != nil {
			return err
		}

		// Restoring the rate re-runs the cascade so country totals follow
		// the base rate back down.
		rateReverted := c.New == nil || c.New.BaseRate != c.Old.BaseRate
		if rateReverted {
			if err := im.recorder.RecordChange(ctx, &restored, model.HistorySourceRollback, &importID, "rollback"); err != nil {
				return err
			}
			if _, err := im.recorder.CascadeBaseRateChange(ctx, &restored, model.HistorySourceRollback, &importID); err != nil {
				return err
			}
		}
		return nil

	case model.ChangeUnchanged:
		return nil

	case model.ChangeRemoved:
		if c.Old == nil {
			return eris.New("removed change has no old snapshot")
		}
		var restored model.Product
		c.Old.Apply(&restored)
		_, err := im.store.UpsertProducts(ctx, []model.Product{restored})
		return err

	default:
		return eris.Errorf("unknown change type %q", c.Type)
	}
}
