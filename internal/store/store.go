// Package store owns all persistence for the sync pipeline. Two
// implementations exist: SQLiteStore for single-node deployments and tests,
// PostgresStore for production. The datastore is the single source of
// truth; cross-worker coordination goes through the queue tables' claim
// semantics, not application locks.
package store

import (
	"context"
	"time"

	"github.com/sells-group/tariff-sync/internal/model"
)

// JobCounts reports queue depth per job type and status.
type JobCounts map[model.JobType]map[model.JobStatus]int

// Store is the persistence interface for products, the rate ledger, import
// auditing, sync runs, the job queue and watchlists.
type Store interface {
	// Products
	GetProductByCode(ctx context.Context, htsCode string) (*model.Product, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	// UpsertProducts writes a whole batch in one datastore call.
	UpsertProducts(ctx context.Context, products []model.Product) (int64, error)
	DeleteProduct(ctx context.Context, id int64) error
	ListProductCodes(ctx context.Context) ([]string, error)
	// ProductIDsByCode resolves natural keys to internal ids after a batch
	// upsert.
	ProductIDsByCode(ctx context.Context, codes []string) (map[string]int64, error)

	// Country-specific rates
	ListCountryRates(ctx context.Context, productID int64) ([]model.CountryRate, error)
	UpdateCountryRateTotal(ctx context.Context, id int64, total float64) error

	// Tariff history ledger. AppendHistory closes the currently-open row
	// for the (product, country) pair and inserts the new open-ended row in
	// a single transaction, preserving the at-most-one-open-row invariant
	// under concurrent cascades.
	AppendHistory(ctx context.Context, h model.TariffHistory) (int64, error)
	OpenHistory(ctx context.Context, productID int64, countryID *int64) (*model.TariffHistory, error)
	ListHistory(ctx context.Context, productID int64) ([]model.TariffHistory, error)

	// Import records
	CreateImportRecord(ctx context.Context, rec *model.ImportRecord) error
	UpdateImportRecord(ctx context.Context, rec *model.ImportRecord) error
	GetImportRecord(ctx context.Context, id string) (*model.ImportRecord, error)
	ListImportRecords(ctx context.Context, limit int) ([]model.ImportRecord, error)

	// Import changes (append-only audit log)
	AppendImportChanges(ctx context.Context, changes []model.ImportChange) error
	ListImportChanges(ctx context.Context, importID string, newestFirst bool) ([]model.ImportChange, error)

	// Sync runs
	StartSyncRun(ctx context.Context, jobID string, jobType model.JobType) (int64, error)
	CompleteSyncRun(ctx context.Context, runID int64, rowsSynced int64) error
	FailSyncRun(ctx context.Context, runID int64, errMsg string) error
	ListSyncRuns(ctx context.Context, jobType model.JobType, limit int) ([]model.SyncRun, error)
	LastSuccess(ctx context.Context, jobType model.JobType) (*time.Time, error)

	// Job queue
	EnqueueJob(ctx context.Context, job *model.SyncJob) error
	// ClaimJobs atomically moves up to limit due pending jobs of the given
	// type to running and returns them. Dequeue-once semantics.
	ClaimJobs(ctx context.Context, jobType model.JobType, limit int) ([]model.SyncJob, error)
	CompleteJob(ctx context.Context, id string) error
	// RetryJob returns a job to pending with an incremented attempt count
	// and a future run_at for backoff.
	RetryJob(ctx context.Context, id string, errMsg string, runAt time.Time) error
	// RequeueRunningJobs returns every running job to pending. Called on
	// worker startup: a job still marked running belongs to a process that
	// died mid-execution.
	RequeueRunningJobs(ctx context.Context) (int64, error)
	FailJob(ctx context.Context, id string, errMsg string) error
	GetJob(ctx context.Context, id string) (*model.SyncJob, error)
	CountJobs(ctx context.Context) (JobCounts, error)
	// PruneJobs deletes completed/failed jobs older than the cutoff.
	PruneJobs(ctx context.Context, olderThan time.Time) (int64, error)

	// Watchlists
	ListWatchers(ctx context.Context, productID int64) ([]model.Watcher, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
