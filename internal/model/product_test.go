package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeTotalRate(t *testing.T) {
	p := &Product{
		BaseRate: 5.0,
		AdditionalRates: []AdditionalRate{
			{Code: "301-3", Rate: 25.0},
			{Code: "232", Rate: 10.0},
		},
	}
	assert.InDelta(t, 35.0, p.AdditionalRateSum(), 1e-9)
	assert.InDelta(t, 40.0, p.ComputeTotalRate(), 1e-9)

	// No surcharges: total equals base.
	empty := &Product{BaseRate: 2.5}
	assert.InDelta(t, 2.5, empty.ComputeTotalRate(), 1e-9)
}

func TestChapterPrefix(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"1234.56.7890", "12"},
		{"0101.21.0010", "01"},
		{"1234567890", "12"},
		{"9", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChapterPrefix(tt.code), "code %q", tt.code)
	}
}

func TestNormalizeHTSCode(t *testing.T) {
	assert.Equal(t, "1234567890", NormalizeHTSCode("1234.56.7890"))
	assert.Equal(t, "1234567890", NormalizeHTSCode("  1234567890 "))
	assert.Equal(t, NormalizeHTSCode("1234.56.7890"), NormalizeHTSCode("1234567890"))
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := &Product{
		ID:          42,
		HTSCode:     "8471.30.0100",
		Description: "Portable computers",
		BaseRate:    0.0,
		AdditionalRates: []AdditionalRate{
			{Code: "301-4a", Rate: 7.5},
		},
		ProgramRates: []ProgramRate{
			{Program: "USMCA", Rate: 0},
		},
		Category:  "machinery and electronics",
		TotalRate: 7.5,
		Keywords:  []string{"laptop"},
	}

	snap := p.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, p.HTSCode, snap.HTSCode)
	assert.Equal(t, p.TotalRate, snap.TotalRate)

	restored := &Product{ID: 42}
	snap.Apply(restored)
	assert.Equal(t, p.HTSCode, restored.HTSCode)
	assert.Equal(t, p.Description, restored.Description)
	assert.Equal(t, p.AdditionalRates, restored.AdditionalRates)
	assert.Equal(t, p.ProgramRates, restored.ProgramRates)
	assert.Equal(t, p.Category, restored.Category)
	// Internal ID is untouched by Apply.
	assert.Equal(t, int64(42), restored.ID)
}

func TestImportChangeRateDelta(t *testing.T) {
	c := &ImportChange{
		Old: &ProductSnapshot{BaseRate: 5.0},
		New: &ProductSnapshot{BaseRate: 7.5},
	}
	assert.InDelta(t, 2.5, c.RateDelta(), 1e-9)

	// New product: delta is its full base rate.
	added := &ImportChange{New: &ProductSnapshot{BaseRate: 3.0}}
	assert.InDelta(t, 3.0, added.RateDelta(), 1e-9)

	// Removed product: delta is negative.
	removed := &ImportChange{Old: &ProductSnapshot{BaseRate: 4.0}}
	assert.InDelta(t, -4.0, removed.RateDelta(), 1e-9)
}

func TestTariffHistoryOpen(t *testing.T) {
	h := &TariffHistory{}
	assert.True(t, h.Open())

	end := h.EffectiveDate
	h.EndDate = &end
	assert.False(t, h.Open())
}
