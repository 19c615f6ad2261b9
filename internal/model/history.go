package model

import "time"

// HistorySource tags where a tariff history entry originated.
type HistorySource string

const (
	HistorySourceImport   HistorySource = "import"
	HistorySourceCascade  HistorySource = "cascade"
	HistorySourceRollback HistorySource = "rollback"
	HistorySourceManual   HistorySource = "manual"
)

// TariffHistory is one row in the append-only rate ledger. CountryID nil
// means the entry is the product's global rate. A nil EndDate marks the
// currently-effective row; at most one open-ended row may exist per
// (product, country) pair at any time.
type TariffHistory struct {
	ID            int64         `json:"id"`
	ProductID     int64         `json:"product_id"`
	CountryID     *int64        `json:"country_id,omitempty"`
	BaseRate      float64       `json:"base_rate"`
	AdditionalSum float64       `json:"additional_sum"`
	TotalRate     float64       `json:"total_rate"`
	EffectiveDate time.Time     `json:"effective_date"`
	EndDate       *time.Time    `json:"end_date,omitempty"`
	Source        HistorySource `json:"source"`
	Note          string        `json:"note,omitempty"`
	ImportID      *string       `json:"import_id,omitempty"`
}

// Open reports whether this is the currently-effective row for its pair.
func (h *TariffHistory) Open() bool {
	return h.EndDate == nil
}
