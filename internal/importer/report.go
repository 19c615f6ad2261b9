package importer

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/model"
)

// reportTopN bounds the largest-changes list.
const reportTopN = 10

// Report aggregates an import's audit rows into a summary. Read-only; it
// can be produced for any import regardless of status.
func (im *Importer) Report(ctx context.Context, importID string) (*model.ImportReport, error) {
	rec, err := im.store.GetImportRecord(ctx, importID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, eris.Errorf("importer: import %s not found", importID)
	}

	changes, err := im.store.ListImportChanges(ctx, importID, false)
	if err != nil {
		return nil, err
	}

	return BuildReport(importID, changes), nil
}

// BuildReport computes the report from audit rows. Split out so tests can
// feed changes directly.
func BuildReport(importID string, changes []model.ImportChange) *model.ImportReport {
	report := &model.ImportReport{
		ImportID:     importID,
		CountsByType: make(map[model.ChangeType]int),
	}

	var rated []model.ReportChange
	for i := range changes {
		c := &changes[i]
		report.CountsByType[c.Type]++

		delta := c.RateDelta()
		switch {
		case delta > 0:
			report.RateIncreases++
		case delta < 0:
			report.RateDecreases++
		default:
			report.RateUnchanged++
			continue
		}
		report.TotalRateDelta += delta

		var oldRate, newRate float64
		if c.Old != nil {
			oldRate = c.Old.BaseRate
		}
		if c.New != nil {
			newRate = c.New.BaseRate
		}
		rated = append(rated, model.ReportChange{
			HTSCode: c.HTSCode,
			OldRate: oldRate,
			NewRate: newRate,
			Delta:   delta,
		})
	}

	if n := report.RateIncreases + report.RateDecreases; n > 0 {
		report.AvgRateDelta = report.TotalRateDelta / float64(n)
	}

	sort.Slice(rated, func(i, j int) bool {
		return math.Abs(rated[i].Delta) > math.Abs(rated[j].Delta)
	})
	if len(rated) > reportTopN {
		rated = rated[:reportTopN]
	}
	report.LargestChanges = rated

	return report
}
