package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// JobType identifies one of the fixed sync job kinds.
type JobType string

const (
	JobFullCatalog        JobType = "full-catalog"
	JobIncrementalCatalog JobType = "incremental-catalog"
	JobRateUpdate         JobType = "rate-update"
	JobNoticeUpdate       JobType = "notice-update"
	JobCleanup            JobType = "cleanup"
	JobGenericImport      JobType = "generic-import"
)

// JobTypes lists every known job type, in registration order.
var JobTypes = []JobType{
	JobFullCatalog,
	JobIncrementalCatalog,
	JobRateUpdate,
	JobNoticeUpdate,
	JobCleanup,
	JobGenericImport,
}

// ValidJobType reports whether t is a known job type.
func ValidJobType(t JobType) bool {
	for _, jt := range JobTypes {
		if jt == t {
			return true
		}
	}
	return false
}

// JobStatus is the queue-level state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// CatalogPayload drives full and incremental catalog syncs.
type CatalogPayload struct {
	Chapters []string   `json:"chapters,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
}

// RateUpdatePayload drives a targeted rate refresh.
type RateUpdatePayload struct {
	HTSCodes []string `json:"hts_codes,omitempty"`
}

// NoticePayload drives a regulatory notice sync.
type NoticePayload struct {
	Since *time.Time `json:"since,omitempty"`
}

// CleanupPayload drives retention pruning.
type CleanupPayload struct {
	RetainDays int `json:"retain_days,omitempty"`
}

// ImportPayload drives a file import job.
type ImportPayload struct {
	FilePath      string `json:"file_path"`
	DetectRemoved bool   `json:"detect_removed,omitempty"`
}

// JobPayload is a tagged union: exactly one field is set, matching the job
// type. Handlers pattern-match a closed set instead of probing a map.
type JobPayload struct {
	Catalog    *CatalogPayload    `json:"catalog,omitempty"`
	RateUpdate *RateUpdatePayload `json:"rate_update,omitempty"`
	Notice     *NoticePayload     `json:"notice,omitempty"`
	Cleanup    *CleanupPayload    `json:"cleanup,omitempty"`
	Import     *ImportPayload     `json:"import,omitempty"`
}

// Validate checks that the payload variant matches the job type. Catalog
// jobs accept an empty payload (defaults apply).
func (p JobPayload) Validate(t JobType) error {
	switch t {
	case JobFullCatalog, JobIncrementalCatalog:
		if p.RateUpdate != nil || p.Notice != nil || p.Cleanup != nil || p.Import != nil {
			return eris.Errorf("job payload: %s expects a catalog payload", t)
		}
	case JobRateUpdate:
		if p.RateUpdate == nil {
			return eris.New("job payload: rate-update requires hts codes")
		}
	case JobNoticeUpdate:
		if p.Catalog != nil || p.RateUpdate != nil || p.Cleanup != nil || p.Import != nil {
			return eris.New("job payload: notice-update expects a notice payload")
		}
	case JobCleanup:
		if p.Catalog != nil || p.RateUpdate != nil || p.Notice != nil || p.Import != nil {
			return eris.New("job payload: cleanup expects a cleanup payload")
		}
	case JobGenericImport:
		if p.Import == nil || p.Import.FilePath == "" {
			return eris.New("job payload: generic-import requires a file path")
		}
	default:
		return eris.Errorf("job payload: unknown job type %q", t)
	}
	return nil
}

// SyncJob is one queued unit of work. Queue bookkeeping (attempts, run_at)
// lives here; the human-facing run record is the separate SyncRun.
type SyncJob struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Status      JobStatus  `json:"status"`
	Payload     JobPayload `json:"payload"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	RunAt       time.Time  `json:"run_at"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunStatus is the state of a SyncRun.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// SyncRun is the observability record for one job execution: created when
// the handler starts, closed when it ends, independent of the queue's own
// bookkeeping. LastSuccess queries over these rows feed freshness metrics.
type SyncRun struct {
	ID          int64      `json:"id"`
	JobID       string     `json:"job_id"`
	Type        JobType    `json:"type"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RowsSynced  int64      `json:"rows_synced"`
	Error       string     `json:"error,omitempty"`
}
