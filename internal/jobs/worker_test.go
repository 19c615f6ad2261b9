package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/store"
)

func testWorker(t *testing.T, cfg config.QueueConfig) (*Worker, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "tariff.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return NewWorker(s, cfg, nil), s
}

func TestEnqueueValidation(t *testing.T) {
	w, s := testWorker(t, config.QueueConfig{MaxAttempts: 5})
	ctx := context.Background()

	_, err := w.Enqueue(ctx, "bogus", model.JobPayload{}, time.Time{})
	require.Error(t, err)

	_, err = w.Enqueue(ctx, model.JobRateUpdate, model.JobPayload{}, time.Time{})
	require.Error(t, err, "payload variant must match the type")

	job, err := w.Enqueue(ctx, model.JobIncrementalCatalog,
		model.JobPayload{Catalog: &model.CatalogPayload{Chapters: []string{"84"}}}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Equal(t, 5, job.MaxAttempts)

	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.Payload.Catalog)
	assert.Equal(t, []string{"84"}, stored.Payload.Catalog.Chapters)
}

func TestExecuteCompletesJobAndRun(t *testing.T) {
	w, s := testWorker(t, config.QueueConfig{})
	ctx := context.Background()

	var handled *model.SyncJob
	w.Register(model.JobCleanup, func(ctx context.Context, job model.SyncJob) (int64, error) {
		handled = &job
		return 123, nil
	})

	job, err := w.Enqueue(ctx, model.JobCleanup, model.JobPayload{Cleanup: &model.CleanupPayload{}}, time.Time{})
	require.NoError(t, err)

	claimed, err := s.ClaimJobs(ctx, model.JobCleanup, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	w.execute(ctx, claimed[0])
	require.NotNil(t, handled)
	assert.Equal(t, job.ID, handled.ID)

	done, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	runs, err := s.ListSyncRuns(ctx, model.JobCleanup, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	assert.Equal(t, int64(123), runs[0].RowsSynced)
}

func TestExecuteRetriesWithBackoff(t *testing.T) {
	w, s := testWorker(t, config.QueueConfig{MaxAttempts: 3, BackoffBaseSecs: 60})
	ctx := context.Background()

	w.Register(model.JobNoticeUpdate, func(ctx context.Context, job model.SyncJob) (int64, error) {
		return 0, eris.New("upstream down")
	})

	job, err := w.Enqueue(ctx, model.JobNoticeUpdate, model.JobPayload{}, time.Time{})
	require.NoError(t, err)

	claimed, err := s.ClaimJobs(ctx, model.JobNoticeUpdate, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	w.execute(ctx, claimed[0])

	retried, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, retried.Status)
	assert.Equal(t, 1, retried.Attempts)
	assert.Equal(t, "upstream down", retried.LastError)
	assert.True(t, retried.RunAt.After(time.Now().UTC()), "retry is scheduled in the future")

	runs, err := s.ListSyncRuns(ctx, model.JobNoticeUpdate, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "upstream down", runs[0].Error)
}

func TestExecuteFailsAfterMaxAttempts(t *testing.T) {
	w, s := testWorker(t, config.QueueConfig{MaxAttempts: 1})
	ctx := context.Background()

	w.Register(model.JobNoticeUpdate, func(ctx context.Context, job model.SyncJob) (int64, error) {
		return 0, eris.New("still down")
	})

	job, err := w.Enqueue(ctx, model.JobNoticeUpdate, model.JobPayload{}, time.Time{})
	require.NoError(t, err)

	claimed, err := s.ClaimJobs(ctx, model.JobNoticeUpdate, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	w.execute(ctx, claimed[0])

	failed, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, failed.Status)
	assert.Equal(t, "still down", failed.LastError)
}

func TestExecuteWithoutHandlerFailsJob(t *testing.T) {
	w, s := testWorker(t, config.QueueConfig{})
	ctx := context.Background()

	job, err := w.Enqueue(ctx, model.JobCleanup, model.JobPayload{Cleanup: &model.CleanupPayload{}}, time.Time{})
	require.NoError(t, err)
	claimed, err := s.ClaimJobs(ctx, model.JobCleanup, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	w.execute(ctx, claimed[0])

	failed, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, failed.Status)
}

func TestRunRecoversStaleRunningJobs(t *testing.T) {
	w, s := testWorker(t, config.QueueConfig{Concurrency: 1, PollIntervalSecs: 1, CloseGraceSecs: 5})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan string, 1)
	w.Register(model.JobCleanup, func(ctx context.Context, job model.SyncJob) (int64, error) {
		done <- job.ID
		return 0, nil
	})

	// A job claimed by a previous process that died before finishing.
	job, err := w.Enqueue(ctx, model.JobCleanup, model.JobPayload{Cleanup: &model.CleanupPayload{}}, time.Time{})
	require.NoError(t, err)
	claimed, err := s.ClaimJobs(ctx, model.JobCleanup, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(10 * time.Second):
		t.Fatal("stale running job was never re-run")
	}

	require.Eventually(t, func() bool {
		j, err := s.GetJob(context.Background(), job.ID)
		return err == nil && j != nil && j.Status == model.JobCompleted
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-finished
}

func TestPauseResume(t *testing.T) {
	w, _ := testWorker(t, config.QueueConfig{})

	assert.Empty(t, w.Paused())
	w.Pause(model.JobFullCatalog)
	assert.True(t, w.isPaused(model.JobFullCatalog))
	assert.Equal(t, []model.JobType{model.JobFullCatalog}, w.Paused())

	w.Resume(model.JobFullCatalog)
	assert.False(t, w.isPaused(model.JobFullCatalog))
	assert.Empty(t, w.Paused())
}

func TestRegisteredTypesFollowRegistrationOrder(t *testing.T) {
	w, _ := testWorker(t, config.QueueConfig{})
	noop := func(ctx context.Context, job model.SyncJob) (int64, error) { return 0, nil }

	w.Register(model.JobCleanup, noop)
	w.Register(model.JobFullCatalog, noop)

	// Types come back in the canonical model order regardless of when they
	// were registered.
	assert.Equal(t, []model.JobType{model.JobFullCatalog, model.JobCleanup}, w.registeredTypes())
}
