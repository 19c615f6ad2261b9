// Package tariff maintains the rate ledger: it records rate changes into
// tariff history and cascades base-rate changes to country-specific totals.
package tariff

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/store"
)

// rateEpsilon bounds float comparison when deciding whether a derived total
// actually changed.
const rateEpsilon = 1e-9

// Recorder writes history rows and keeps derived country totals consistent
// with the product's base rate.
type Recorder struct {
	store store.Store
	log   *zap.Logger
}

func NewRecorder(s store.Store) *Recorder {
	return &Recorder{store: s, log: zap.L().Named("tariff")}
}

// RecordChange appends a history row for the product's global rate. The
// store closes the previously-open row in the same transaction, so the
// ledger never carries two open rows for the same pair.
func (r *Recorder) RecordChange(ctx context.Context, p *model.Product, source model.HistorySource, importID *string, note string) error {
	_, err := r.store.AppendHistory(ctx, model.TariffHistory{
		ProductID:     p.ID,
		BaseRate:      p.BaseRate,
		AdditionalSum: p.AdditionalRateSum(),
		TotalRate:     p.TotalRate,
		EffectiveDate: time.Now().UTC(),
		Source:        source,
		Note:          note,
		ImportID:      importID,
	})
	if err != nil {
		return eris.Wrapf(err, "tariff: record change for product %d", p.ID)
	}
	return nil
}

// CascadeResult reports what a cascade touched.
type CascadeResult struct {
	Examined int
	Updated  int
	Failed   int
}

// CascadeBaseRateChange recomputes every country-specific total for the
// product after its base rate changed. Totals are derived as base rate plus
// the country's stored additional sum; rows whose total already matches are
// skipped, which makes re-running a cascade a no-op. A failure on one
// country row is logged and counted, never fatal to the rest.
func (r *Recorder) CascadeBaseRateChange(ctx context.Context, p *model.Product, source model.HistorySource, importID *string) (CascadeResult, error) {
	var res CascadeResult

	rates, err := r.store.ListCountryRates(ctx, p.ID)
	if err != nil {
		return res, eris.Wrapf(err, "tariff: cascade list rates for product %d", p.ID)
	}
	res.Examined = len(rates)

	for _, cr := range rates {
		newTotal := p.BaseRate + cr.AdditionalSum
		if math.Abs(newTotal-cr.TotalRate) < rateEpsilon {
			continue
		}

		if err := r.store.UpdateCountryRateTotal(ctx, cr.ID, newTotal); err != nil {
			res.Failed++
			r.log.Warn("cascade: country rate update failed",
				zap.Int64("product_id", p.ID),
				zap.Int64("country_id", cr.CountryID),
				zap.Error(err))
			continue
		}

		countryID := cr.CountryID
		if _, err := r.store.AppendHistory(ctx, model.TariffHistory{
			ProductID:     p.ID,
			CountryID:     &countryID,
			BaseRate:      p.BaseRate,
			AdditionalSum: cr.AdditionalSum,
			TotalRate:     newTotal,
			EffectiveDate: time.Now().UTC(),
			Source:        source,
			ImportID:      importID,
		}); err != nil {
			res.Failed++
			r.log.Warn("cascade: history append failed",
				zap.Int64("product_id", p.ID),
				zap.Int64("country_id", cr.CountryID),
				zap.Error(err))
			continue
		}
		res.Updated++
	}

	return res, nil
}
