package tariff

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/store"
)

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "tariff.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedProduct(t *testing.T, s *store.SQLiteStore, baseRate float64) *model.Product {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertProducts(ctx, []model.Product{{
		HTSCode:   "1234.56.7890",
		BaseRate:  baseRate,
		TotalRate: baseRate,
	}})
	require.NoError(t, err)
	p, err := s.GetProductByCode(ctx, "1234.56.7890")
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func seedCountryRate(t *testing.T, s *store.SQLiteStore, productID, countryID int64, additionalSum, total float64) {
	t.Helper()
	_, err := s.DB().ExecContext(context.Background(),
		`INSERT INTO country_rates (product_id, country_id, additional_sum, total_rate, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		productID, countryID, additionalSum, total, time.Now().UTC())
	require.NoError(t, err)
}

func TestRecordChange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 5.0)
	r := NewRecorder(s)

	importID := "imp-1"
	require.NoError(t, r.RecordChange(ctx, p, model.HistorySourceImport, &importID, "initial load"))

	open, err := s.OpenHistory(ctx, p.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.InDelta(t, 5.0, open.BaseRate, 1e-9)
	assert.Equal(t, model.HistorySourceImport, open.Source)
	require.NotNil(t, open.ImportID)
	assert.Equal(t, "imp-1", *open.ImportID)

	// A second change supersedes the first.
	p.BaseRate = 7.5
	p.TotalRate = 7.5
	require.NoError(t, r.RecordChange(ctx, p, model.HistorySourceManual, nil, ""))

	all, err := s.ListHistory(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	open, err = s.OpenHistory(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, open.BaseRate, 1e-9)
}

func TestCascadeBaseRateChange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 5.0)
	seedCountryRate(t, s, p.ID, 156, 25.0, 30.0)
	seedCountryRate(t, s, p.ID, 392, 0, 5.0)
	r := NewRecorder(s)

	p.BaseRate = 7.5
	res, err := r.CascadeBaseRateChange(ctx, p, model.HistorySourceCascade, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Examined)
	assert.Equal(t, 2, res.Updated)
	assert.Zero(t, res.Failed)

	rates, err := s.ListCountryRates(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.InDelta(t, 32.5, rates[0].TotalRate, 1e-9)
	assert.InDelta(t, 7.5, rates[1].TotalRate, 1e-9)

	// Each touched country gets its own history row.
	country := int64(156)
	open, err := s.OpenHistory(ctx, p.ID, &country)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.InDelta(t, 32.5, open.TotalRate, 1e-9)
	assert.Equal(t, model.HistorySourceCascade, open.Source)

	// Re-running the cascade is a no-op.
	res, err = r.CascadeBaseRateChange(ctx, p, model.HistorySourceCascade, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Examined)
	assert.Zero(t, res.Updated)

	history, err := s.ListHistory(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "idempotent rerun writes no new rows")
}

type flakyStore struct {
	store.Store
	failID int64
}

func (f *flakyStore) UpdateCountryRateTotal(ctx context.Context, id int64, total float64) error {
	if id == f.failID {
		return eris.New("disk on fire")
	}
	return f.Store.UpdateCountryRateTotal(ctx, id, total)
}

func TestCascadeToleratesRowFailures(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 5.0)
	seedCountryRate(t, s, p.ID, 156, 25.0, 30.0)
	seedCountryRate(t, s, p.ID, 392, 0, 5.0)

	rates, err := s.ListCountryRates(ctx, p.ID)
	require.NoError(t, err)

	r := NewRecorder(&flakyStore{Store: s, failID: rates[0].ID})
	p.BaseRate = 7.5
	res, err := r.CascadeBaseRateChange(ctx, p, model.HistorySourceCascade, nil)
	require.NoError(t, err, "row failures are counted, not returned")
	assert.Equal(t, 2, res.Examined)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Failed)

	// The healthy row still cascaded.
	rates, err = s.ListCountryRates(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, rates[0].TotalRate, 1e-9, "failed row untouched")
	assert.InDelta(t, 7.5, rates[1].TotalRate, 1e-9)
}
