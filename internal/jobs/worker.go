// Package jobs runs the durable sync queue: enqueueing, claiming, retry
// with backoff, and the cron schedule that feeds recurring work. Jobs live
// in the store, so a restart resumes where the last process stopped.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/monitoring"
	"github.com/sells-group/tariff-sync/internal/resilience"
	"github.com/sells-group/tariff-sync/internal/store"
)

// Handler executes one job and reports how many rows it synced.
type Handler func(ctx context.Context, job model.SyncJob) (rowsSynced int64, err error)

// Worker claims due jobs from the store and runs them through registered
// handlers with bounded concurrency.
type Worker struct {
	store    store.Store
	cfg      config.QueueConfig
	alerter  *monitoring.Alerter
	log      *zap.Logger
	retryCfg resilience.RetryConfig

	mu       sync.Mutex
	handlers map[model.JobType]Handler
	paused   map[model.JobType]bool

	wg sync.WaitGroup
}

// NewWorker creates a worker. Handlers are registered before Run.
func NewWorker(s store.Store, cfg config.QueueConfig, alerter *monitoring.Alerter) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollIntervalSecs <= 0 {
		cfg.PollIntervalSecs = 2
	}
	return &Worker{
		store:   s,
		cfg:     cfg,
		alerter: alerter,
		log:     zap.L().Named("jobs"),
		retryCfg: resilience.RetryConfig{
			InitialBackoff: time.Duration(cfg.BackoffBaseSecs) * time.Second,
			MaxBackoff:     time.Duration(cfg.BackoffMaxSecs) * time.Second,
		},
		handlers: make(map[model.JobType]Handler),
		paused:   make(map[model.JobType]bool),
	}
}

// Register binds a handler to a job type. Re-registering replaces the
// previous handler.
func (w *Worker) Register(t model.JobType, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[t] = h
}

// Pause stops claiming jobs of the given type. Already-running jobs finish.
func (w *Worker) Pause(t model.JobType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused[t] = true
}

// Resume re-enables a paused job type.
func (w *Worker) Resume(t model.JobType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.paused, t)
}

// Paused reports the currently paused types.
func (w *Worker) Paused() []model.JobType {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.JobType, 0, len(w.paused))
	for t := range w.paused {
		out = append(out, t)
	}
	return out
}

// Enqueue validates and stores a new job.
func (w *Worker) Enqueue(ctx context.Context, t model.JobType, payload model.JobPayload, runAt time.Time) (*model.SyncJob, error) {
	if !model.ValidJobType(t) {
		return nil, eris.Errorf("jobs: unknown job type %q", t)
	}
	if err := payload.Validate(t); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if runAt.IsZero() {
		runAt = now
	}
	job := &model.SyncJob{
		ID:          uuid.NewString(),
		Type:        t,
		Status:      model.JobPending,
		Payload:     payload,
		MaxAttempts: w.cfg.MaxAttempts,
		RunAt:       runAt,
		CreatedAt:   now,
	}
	if err := w.store.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}
	w.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", string(t)))
	return job, nil
}

// Run polls for due jobs until the context is cancelled, then waits up to
// the close grace period for in-flight jobs.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(w.cfg.PollIntervalSecs) * time.Second)
	defer ticker.Stop()

	sem := make(chan struct{}, w.cfg.Concurrency)

	// Jobs left running by a crashed process would otherwise never be
	// claimed again.
	if n, err := w.store.RequeueRunningJobs(ctx); err != nil {
		w.log.Error("requeue stale running jobs", zap.Error(err))
	} else if n > 0 {
		w.log.Warn("requeued stale running jobs", zap.Int64("count", n))
	}

	w.log.Info("worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Int("poll_interval_secs", w.cfg.PollIntervalSecs))

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-ticker.C:
			w.poll(ctx, sem)
		}
	}
}

func (w *Worker) poll(ctx context.Context, sem chan struct{}) {
	for _, t := range w.registeredTypes() {
		if w.isPaused(t) {
			continue
		}

		free := cap(sem) - len(sem)
		if free == 0 {
			return
		}

		jobs, err := w.store.ClaimJobs(ctx, t, free)
		if err != nil {
			w.log.Error("claim failed", zap.String("type", string(t)), zap.Error(err))
			continue
		}

		for i := range jobs {
			job := jobs[i]
			// Claims are bounded by the free slots counted above and slots
			// only free up in the meantime, so this send cannot block. Every
			// claimed job is dispatched; abandoning one here would strand it
			// in running.
			sem <- struct{}{}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer func() { <-sem }()
				w.execute(ctx, job)
			}()
		}
	}
}

func (w *Worker) execute(ctx context.Context, job model.SyncJob) {
	handler := w.handlerFor(job.Type)
	if handler == nil {
		w.log.Error("no handler registered", zap.String("type", string(job.Type)))
		if err := w.store.FailJob(ctx, job.ID, "no handler registered"); err != nil {
			w.log.Error("fail job", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	runID, err := w.store.StartSyncRun(ctx, job.ID, job.Type)
	if err != nil {
		w.log.Error("start sync run", zap.String("job_id", job.ID), zap.Error(err))
	}

	log := w.log.With(
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("attempt", job.Attempts+1))
	log.Info("job started")
	started := time.Now()

	rows, err := handler(ctx, job)
	if err != nil {
		log.Warn("job failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		if runID != 0 {
			if ferr := w.store.FailSyncRun(ctx, runID, err.Error()); ferr != nil {
				log.Error("fail sync run", zap.Error(ferr))
			}
		}
		w.retryOrFail(ctx, job, err)
		return
	}

	if runID != 0 {
		if cerr := w.store.CompleteSyncRun(ctx, runID, rows); cerr != nil {
			log.Error("complete sync run", zap.Error(cerr))
		}
	}
	if cerr := w.store.CompleteJob(ctx, job.ID); cerr != nil {
		log.Error("complete job", zap.Error(cerr))
		return
	}
	log.Info("job completed",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int64("rows", rows))
}

// retryOrFail returns a job to the queue with backoff, or fails it for
// good once the attempt budget is spent.
func (w *Worker) retryOrFail(ctx context.Context, job model.SyncJob, cause error) {
	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		if err := w.store.FailJob(ctx, job.ID, cause.Error()); err != nil {
			w.log.Error("fail job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		if w.alerter != nil {
			w.alerter.SyncFailure(ctx, string(job.Type), job.ID, cause.Error())
		}
		return
	}

	delay := resilience.Backoff(job.Attempts, w.retryCfg)
	runAt := time.Now().UTC().Add(delay)
	if err := w.store.RetryJob(ctx, job.ID, cause.Error(), runAt); err != nil {
		w.log.Error("retry job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.log.Info("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Duration("delay", delay),
		zap.Int("attempts", attempts),
		zap.Int("max_attempts", job.MaxAttempts))
}

// drain waits for in-flight jobs up to the close grace period.
func (w *Worker) drain() {
	grace := time.Duration(w.cfg.CloseGraceSecs) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("worker drained")
	case <-time.After(grace):
		w.log.Warn("worker close grace expired with jobs in flight")
	}
}

func (w *Worker) registeredTypes() []model.JobType {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.JobType, 0, len(w.handlers))
	for _, t := range model.JobTypes {
		if _, ok := w.handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (w *Worker) isPaused(t model.JobType) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused[t]
}

func (w *Worker) handlerFor(t model.JobType) Handler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handlers[t]
}
