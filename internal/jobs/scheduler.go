package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/model"
)

// Scheduler enqueues recurring jobs on cron expressions. Entries are keyed
// by job type, so re-registering a type replaces its schedule instead of
// stacking a second one.
type Scheduler struct {
	worker *Worker
	cron   *cron.Cron
	log    *zap.Logger

	mu      sync.Mutex
	entries map[model.JobType]cron.EntryID
}

// DefaultSchedules is the out-of-the-box cadence per job type.
var DefaultSchedules = map[model.JobType]string{
	model.JobFullCatalog:        "0 3 * * 0",   // weekly, Sunday 03:00
	model.JobIncrementalCatalog: "0 */6 * * *", // every 6 hours
	model.JobRateUpdate:         "0 * * * *",   // hourly
	model.JobNoticeUpdate:       "30 */2 * * *",
	model.JobCleanup:            "15 4 * * *", // daily 04:15
}

// NewScheduler creates a scheduler feeding the given worker.
func NewScheduler(w *Worker) *Scheduler {
	return &Scheduler{
		worker:  w,
		cron:    cron.New(),
		log:     zap.L().Named("scheduler"),
		entries: make(map[model.JobType]cron.EntryID),
	}
}

// Schedule registers (or replaces) the cron expression for a job type.
// Each firing enqueues one job with the given payload.
func (s *Scheduler) Schedule(t model.JobType, spec string, payload model.JobPayload) error {
	if !model.ValidJobType(t) {
		return eris.Errorf("scheduler: unknown job type %q", t)
	}
	if err := payload.Validate(t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[t]; ok {
		s.cron.Remove(old)
	}

	id, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if _, err := s.worker.Enqueue(ctx, t, payload, time.Time{}); err != nil {
			s.log.Error("scheduled enqueue failed",
				zap.String("type", string(t)),
				zap.Error(err))
		}
	})
	if err != nil {
		return eris.Wrapf(err, "scheduler: bad cron spec %q for %s", spec, t)
	}
	s.entries[t] = id
	s.log.Info("schedule registered",
		zap.String("type", string(t)),
		zap.String("spec", spec))
	return nil
}

// ScheduleDefaults registers the default cadence for every recurring type.
func (s *Scheduler) ScheduleDefaults() error {
	for t, spec := range DefaultSchedules {
		var payload model.JobPayload
		switch t {
		case model.JobRateUpdate:
			// Empty code list means refresh every stale code.
			payload.RateUpdate = &model.RateUpdatePayload{}
		case model.JobCleanup:
			payload.Cleanup = &model.CleanupPayload{}
		}
		if err := s.Schedule(t, spec, payload); err != nil {
			return err
		}
	}
	return nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing and waits for any enqueue in progress.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
