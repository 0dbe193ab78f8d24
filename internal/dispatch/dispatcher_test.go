package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, config Config, handlers ...Handler) (*Dispatcher, repository.JobRepository) {
	t.Helper()

	db := setupDispatchTestDB(t)
	repo := repository.NewJobRepository(db)

	registry := NewRegistry()
	for _, h := range handlers {
		require.NoError(t, registry.Register(h))
	}
	registry.Freeze()

	bus := progress.NewBus(testLogger())
	executor := NewExecutor(registry, repo, bus).WithLogger(testLogger())

	dispatcher := NewDispatcher(repo, executor).
		WithLogger(testLogger()).
		WithConfig(config)

	return dispatcher, repo
}

func fastConfig() Config {
	return Config{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
	}
}

func jobStatus(t *testing.T, repo repository.JobRepository, id models.ULID) models.JobStatus {
	t.Helper()
	job, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job.Status
}

// waitForStatus polls the store until the job reaches the wanted status.
func waitForStatus(t *testing.T, repo repository.JobRepository, id models.ULID, want models.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := repo.GetByID(context.Background(), id)
		return err == nil && job != nil && job.Status == want
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDispatcher_ExecutesPendingJob(t *testing.T) {
	handler := &stubHandler{
		kind: models.JobKindIngest,
		execute: func(ctx context.Context, job *models.Job, payload any, report ReportFunc) (models.JSONMap, error) {
			return models.JSONMap{"done": true}, nil
		},
	}
	dispatcher, repo := newTestDispatcher(t, fastConfig(), handler)

	job := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
	require.NoError(t, repo.Create(context.Background(), job))

	require.NoError(t, dispatcher.Start(context.Background()))
	defer dispatcher.Stop()

	waitForStatus(t, repo, job.ID, models.JobStatusCompleted)

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, true, stored.Result["done"])
}

func TestDispatcher_StartTwiceFails(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, fastConfig())

	require.NoError(t, dispatcher.Start(context.Background()))
	defer dispatcher.Stop()

	err := dispatcher.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestDispatcher_CancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	handler := &stubHandler{
		kind: models.JobKindIngest,
		execute: func(ctx context.Context, job *models.Job, payload any, report ReportFunc) (models.JSONMap, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	dispatcher, repo := newTestDispatcher(t, fastConfig(), handler)

	job := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
	require.NoError(t, repo.Create(context.Background(), job))

	require.NoError(t, dispatcher.Start(context.Background()))
	defer dispatcher.Stop()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	assert.True(t, dispatcher.Cancel(job.ID))

	waitForStatus(t, repo, job.ID, models.JobStatusCancelled)
}

func TestDispatcher_CancelUnknownJob(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, fastConfig())
	assert.False(t, dispatcher.Cancel(models.NewULID()))
}

func TestDispatcher_MultiWorkerExecutesEachJobOnce(t *testing.T) {
	// Several workers racing the same queue: every job runs exactly once.
	db := setupDispatchTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	repo := repository.NewJobRepository(db)

	var mu sync.Mutex
	executions := make(map[models.ULID]int)
	handler := &stubHandler{
		kind: models.JobKindIngest,
		execute: func(ctx context.Context, job *models.Job, payload any, report ReportFunc) (models.JSONMap, error) {
			mu.Lock()
			executions[job.ID]++
			mu.Unlock()
			return nil, nil
		},
	}

	registry := NewRegistry()
	require.NoError(t, registry.Register(handler))
	registry.Freeze()
	executor := NewExecutor(registry, repo, progress.NewBus(testLogger())).WithLogger(testLogger())
	dispatcher := NewDispatcher(repo, executor).
		WithLogger(testLogger()).
		WithConfig(Config{Workers: 4, PollInterval: 10 * time.Millisecond})

	const jobCount = 12
	ids := make([]models.ULID, 0, jobCount)
	for i := 0; i < jobCount; i++ {
		job := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
		require.NoError(t, repo.Create(context.Background(), job))
		ids = append(ids, job.ID)
	}

	require.NoError(t, dispatcher.Start(context.Background()))
	defer dispatcher.Stop()

	for _, id := range ids {
		waitForStatus(t, repo, id, models.JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, executions, jobCount)
	for _, id := range ids {
		assert.Equal(t, 1, executions[id], "job %s executed more than once", id)
	}
}

func TestDispatcher_StopWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	handler := &stubHandler{
		kind: models.JobKindIngest,
		execute: func(ctx context.Context, job *models.Job, payload any, report ReportFunc) (models.JSONMap, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		},
	}
	dispatcher, repo := newTestDispatcher(t, fastConfig(), handler)

	job := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
	require.NoError(t, repo.Create(context.Background(), job))

	require.NoError(t, dispatcher.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	dispatcher.Stop()

	// The in-flight handler ran to completion inside the grace.
	assert.Equal(t, models.JobStatusCompleted, jobStatus(t, repo, job.ID))
	assert.Equal(t, 0, dispatcher.InFlight())
}

func TestDispatcher_StaleJobsNotClaimed(t *testing.T) {
	handler := &stubHandler{kind: models.JobKindIngest}

	db := setupDispatchTestDB(t)
	repo := repository.NewJobRepository(db)

	registry := NewRegistry()
	require.NoError(t, registry.Register(handler))
	bus := progress.NewBus(testLogger())
	executor := NewExecutor(registry, repo, bus).WithLogger(testLogger())

	dispatcher := NewDispatcher(repo, executor).
		WithLogger(testLogger()).
		WithConfig(Config{Workers: 1, PollInterval: 10 * time.Millisecond, FreshnessWindow: time.Hour})

	job := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
	require.NoError(t, repo.Create(context.Background(), job))

	// Age the row beyond the freshness window.
	err := db.Model(&models.Job{}).
		Where("id = ?", job.ID).
		UpdateColumn("created_at", time.Now().Add(-2*time.Hour)).Error
	require.NoError(t, err)

	require.NoError(t, dispatcher.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)
	dispatcher.Stop()

	assert.Equal(t, models.JobStatusPending, jobStatus(t, repo, job.ID))
}

func TestDispatcher_UnknownKindFailsJob(t *testing.T) {
	dispatcher, repo := newTestDispatcher(t, fastConfig())

	job := models.NewJob(models.JobKind("mystery"), models.NewULID(), nil)
	require.NoError(t, repo.Create(context.Background(), job))

	require.NoError(t, dispatcher.Start(context.Background()))
	defer dispatcher.Stop()

	waitForStatus(t, repo, job.ID, models.JobStatusFailed)

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Error, "no handler registered")
}

func TestDispatcher_GetStatus(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, fastConfig())

	status := dispatcher.GetStatus()
	assert.False(t, status.Running)

	require.NoError(t, dispatcher.Start(context.Background()))
	status = dispatcher.GetStatus()
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.Workers)

	dispatcher.Stop()
	status = dispatcher.GetStatus()
	assert.False(t, status.Running)
}
