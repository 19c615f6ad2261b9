package model

import "time"

// ImportStatus is the lifecycle state of a batch import.
type ImportStatus string

const (
	ImportStatusProcessing ImportStatus = "processing"
	ImportStatusCompleted  ImportStatus = "completed"
	ImportStatusFailed     ImportStatus = "failed"
	ImportStatusRolledBack ImportStatus = "rolled_back"
)

// ChangeType classifies what a single input row did to the catalog.
type ChangeType string

const (
	ChangeNew       ChangeType = "new"
	ChangeModified  ChangeType = "modified"
	ChangeUnchanged ChangeType = "unchanged"
	ChangeRemoved   ChangeType = "removed"
)

// ImportRecord tracks one batch import end to end. Once the status reaches
// rolled_back the record is immutable.
type ImportRecord struct {
	ID                  string       `json:"id"`
	SourceFile          string       `json:"source_file"`
	SizeBytes           int64        `json:"size_bytes"`
	RowCount            int          `json:"row_count"`
	Status              ImportStatus `json:"status"`
	NewCount            int          `json:"new_count"`
	UpdatedCount        int          `json:"updated_count"`
	RateChangedCount    int          `json:"rate_changed_count"`
	DescChangedCount    int          `json:"desc_changed_count"`
	RemovedCount        int          `json:"removed_count"`
	SkippedCount        int          `json:"skipped_count"`
	Summary             string       `json:"summary,omitempty"`
	Error               string       `json:"error,omitempty"`
	StartedAt           time.Time    `json:"started_at"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
}

// ImportChange is one audit row per input record per import. Rows are
// append-only and replayed in reverse chronological order by rollback.
type ImportChange struct {
	ID        int64            `json:"id"`
	ImportID  string           `json:"import_id"`
	HTSCode   string           `json:"hts_code"`
	ProductID *int64           `json:"product_id,omitempty"`
	Type      ChangeType       `json:"type"`
	Old       *ProductSnapshot `json:"old,omitempty"`
	New       *ProductSnapshot `json:"new,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// RateDelta returns new base rate minus old base rate. Missing snapshots
// count as zero, so a new product's delta is its full base rate.
func (c *ImportChange) RateDelta() float64 {
	var oldRate, newRate float64
	if c.Old != nil {
		oldRate = c.Old.BaseRate
	}
	if c.New != nil {
		newRate = c.New.BaseRate
	}
	return newRate - oldRate
}

// RollbackResult summarizes a rollback run: per-row failures are collected,
// never fatal.
type RollbackResult struct {
	ImportID            string   `json:"import_id"`
	TotalChanges        int      `json:"total_changes"`
	SuccessfulRollbacks int      `json:"successful_rollbacks"`
	FailedRollbacks     int      `json:"failed_rollbacks"`
	Errors              []string `json:"errors,omitempty"`
}

// ReportChange is one entry in an import report's largest-changes list.
type ReportChange struct {
	HTSCode string  `json:"hts_code"`
	OldRate float64 `json:"old_rate"`
	NewRate float64 `json:"new_rate"`
	Delta   float64 `json:"delta"`
}

// ImportReport aggregates the audit rows of one import. Pure read-side
// computation, no side effects.
type ImportReport struct {
	ImportID       string         `json:"import_id"`
	CountsByType   map[ChangeType]int `json:"counts_by_type"`
	RateIncreases  int            `json:"rate_increases"`
	RateDecreases  int            `json:"rate_decreases"`
	RateUnchanged  int            `json:"rate_unchanged"`
	TotalRateDelta float64        `json:"total_rate_delta"`
	AvgRateDelta   float64        `json:"avg_rate_delta"`
	LargestChanges []ReportChange `json:"largest_changes,omitempty"`
}
