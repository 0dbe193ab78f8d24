package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/clipforge/clipforge/internal/dispatch"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/repository"
)

func setupServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Job{}, &models.Project{}, &models.Segment{}))
	return db
}

func serviceTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoPayload struct {
	Note string `json:"note,omitempty"`
}

type echoHandler struct {
	kind models.JobKind
}

func (h *echoHandler) Kind() models.JobKind { return h.kind }
func (h *echoHandler) NewPayload() any      { return &echoPayload{} }
func (h *echoHandler) Execute(ctx context.Context, job *models.Job, payload any, report dispatch.ReportFunc) (models.JSONMap, error) {
	return nil, nil
}

// blockingHandler ignores its context until released, standing in for
// handler code stuck in non-cooperative work.
type blockingHandler struct {
	kind    models.JobKind
	started chan struct{}
	release chan struct{}
}

func (h *blockingHandler) Kind() models.JobKind { return h.kind }
func (h *blockingHandler) NewPayload() any      { return &echoPayload{} }
func (h *blockingHandler) Execute(ctx context.Context, job *models.Job, payload any, report dispatch.ReportFunc) (models.JSONMap, error) {
	close(h.started)
	<-h.release
	return nil, nil
}

func newJobServiceTest(t *testing.T) (*JobService, repository.JobRepository) {
	t.Helper()
	db := setupServiceTestDB(t)
	jobs := repository.NewJobRepository(db)

	registry := dispatch.NewRegistry()
	registry.MustRegister(&echoHandler{kind: models.JobKindAnalyze})
	registry.Freeze()

	svc := NewJobService(jobs, registry).
		WithLogger(serviceTestLogger()).
		WithBus(progress.NewBus(serviceTestLogger()))
	return svc, jobs
}

func TestJobService_Create(t *testing.T) {
	svc, jobs := newJobServiceTest(t)
	ctx := context.Background()
	subject := models.NewULID()

	t.Run("registered kind", func(t *testing.T) {
		job, err := svc.Create(ctx, models.JobKindAnalyze, subject, models.JSONMap{"note": "hello"})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, job.Status)

		stored, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, subject, stored.SubjectID)
	})

	t.Run("unregistered kind", func(t *testing.T) {
		_, err := svc.Create(ctx, models.JobKindExport, subject, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrPrecondition)
	})

	t.Run("payload that does not decode", func(t *testing.T) {
		_, err := svc.Create(ctx, models.JobKindAnalyze, subject, models.JSONMap{"note": 42})
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrPrecondition)
	})
}

func TestJobService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending job goes terminal", func(t *testing.T) {
		svc, jobs := newJobServiceTest(t)
		job, err := svc.Create(ctx, models.JobKindAnalyze, models.NewULID(), nil)
		require.NoError(t, err)

		cancelled, err := svc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

		stored, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, stored.Status)
	})

	t.Run("running job goes terminal before the handler unwinds", func(t *testing.T) {
		db := setupServiceTestDB(t)
		jobs := repository.NewJobRepository(db)

		handler := &blockingHandler{
			kind:    models.JobKindAnalyze,
			started: make(chan struct{}),
			release: make(chan struct{}),
		}
		registry := dispatch.NewRegistry()
		registry.MustRegister(handler)
		registry.Freeze()

		bus := progress.NewBus(serviceTestLogger())
		executor := dispatch.NewExecutor(registry, jobs, bus).WithLogger(serviceTestLogger())
		dispatcher := dispatch.NewDispatcher(jobs, executor).
			WithLogger(serviceTestLogger()).
			WithConfig(dispatch.Config{Workers: 1, PollInterval: 10 * time.Millisecond})

		svc := NewJobService(jobs, registry).
			WithLogger(serviceTestLogger()).
			WithBus(bus).
			WithDispatcher(dispatcher)

		job, err := svc.Create(ctx, models.JobKindAnalyze, models.NewULID(), nil)
		require.NoError(t, err)

		require.NoError(t, dispatcher.Start(context.Background()))
		defer dispatcher.Stop()

		select {
		case <-handler.started:
		case <-time.After(3 * time.Second):
			t.Fatal("handler never started")
		}

		cancelled, err := svc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

		// The handler is still blocked, yet the store already shows the
		// terminal row.
		stored, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, stored.Status)
		close(handler.release)
	})

	t.Run("finished job is rejected", func(t *testing.T) {
		svc, jobs := newJobServiceTest(t)
		job, err := svc.Create(ctx, models.JobKindAnalyze, models.NewULID(), nil)
		require.NoError(t, err)
		job.MarkCompleted(nil)
		require.NoError(t, jobs.Finish(ctx, job))

		_, err = svc.Cancel(ctx, job.ID)
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrPrecondition)
	})

	t.Run("unknown job", func(t *testing.T) {
		svc, _ := newJobServiceTest(t)
		_, err := svc.Cancel(ctx, models.NewULID())
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestJobService_List(t *testing.T) {
	svc, _ := newJobServiceTest(t)
	ctx := context.Background()

	subject := models.NewULID()
	other := models.NewULID()
	for range 3 {
		_, err := svc.Create(ctx, models.JobKindAnalyze, subject, nil)
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, models.JobKindAnalyze, other, nil)
	require.NoError(t, err)

	all, err := svc.List(ctx, repository.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	bySubject, err := svc.GetBySubjectID(ctx, subject)
	require.NoError(t, err)
	assert.Len(t, bySubject, 3)

	limited, err := svc.List(ctx, repository.JobFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestJobService_CleanupTerminal(t *testing.T) {
	svc, jobs := newJobServiceTest(t)
	ctx := context.Background()

	old := models.Now().Add(-48 * time.Hour)
	stale := models.NewJob(models.JobKindAnalyze, models.NewULID(), nil)
	require.NoError(t, jobs.Create(ctx, stale))
	stale.Status = models.JobStatusCompleted
	stale.CompletedAt = &old
	require.NoError(t, jobs.Update(ctx, stale))

	fresh, err := svc.Create(ctx, models.JobKindAnalyze, models.NewULID(), nil)
	require.NoError(t, err)

	purged, err := svc.CleanupTerminal(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	kept, err := jobs.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)

	_, err = svc.CleanupTerminal(ctx, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrPrecondition)
}
