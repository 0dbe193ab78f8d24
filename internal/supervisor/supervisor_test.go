package supervisor

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

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/repository"
)

func setupSupervisorTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Job{}, &models.Project{})
	require.NoError(t, err)

	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	sup      *Supervisor
	jobs     repository.JobRepository
	projects repository.ProjectRepository
	bus      *progress.Bus
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	db := setupSupervisorTestDB(t)
	jobs := repository.NewJobRepository(db)
	projects := repository.NewProjectRepository(db)
	bus := progress.NewBus(testLogger())
	sequencer := pipeline.NewSequencer(jobs, projects, bus).WithLogger(testLogger())

	sup := New(Deps{
		Jobs:      jobs,
		Projects:  projects,
		Sequencer: sequencer,
		Bus:       bus,
		Logger:    testLogger(),
	}).WithConfig(cfg)

	return &testEnv{sup: sup, jobs: jobs, projects: projects, bus: bus}
}

func (e *testEnv) createProject(t *testing.T, status models.ProjectStatus, autoAnalyze bool) *models.Project {
	t.Helper()
	project := &models.Project{
		Name:        "clip source",
		Status:      status,
		AutoAnalyze: autoAnalyze,
	}
	require.NoError(t, e.projects.Create(context.Background(), project))
	return project
}

func (e *testEnv) createRunningJob(t *testing.T, kind models.JobKind, subjectID models.ULID) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := models.NewJob(kind, subjectID, nil)
	require.NoError(t, e.jobs.Create(ctx, job))

	claimed, err := e.jobs.ClaimNext(ctx, "test-worker", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.ID, claimed.ID)
	return claimed
}

func (e *testEnv) createFailedJob(t *testing.T, kind models.JobKind, subjectID models.ULID, retryCount int) *models.Job {
	t.Helper()
	ctx := context.Background()
	job := models.NewJob(kind, subjectID, models.JSONMap{"language": "en"})
	job.RetryCount = retryCount
	require.NoError(t, e.jobs.Create(ctx, job))
	job.MarkFailed(assert.AnError)
	require.NoError(t, e.jobs.Finish(ctx, job))
	return job
}

func fastSupervisorConfig() Config {
	return Config{
		TickInterval:   10 * time.Millisecond,
		StuckThreshold: 30 * time.Millisecond,
		OrphanAge:      10 * time.Millisecond,
		RetryWindow:    10 * time.Minute,
		RetryMax:       3,
	}
}

func TestSupervisor_UpdateConfig(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	off := false
	threshold := 90 * time.Second
	retryMax := 5
	got := env.sup.UpdateConfig(ConfigPatch{
		AutoRecovery:   &off,
		StuckThreshold: &threshold,
		RetryMax:       &retryMax,
	})

	assert.False(t, got.AutoRecovery)
	assert.Equal(t, threshold, got.StuckThreshold)
	assert.Equal(t, 5, got.RetryMax)
	// Untouched fields keep their values.
	assert.Equal(t, 15*time.Second, got.TickInterval)

	// Non-positive values are ignored.
	zero := time.Duration(0)
	got = env.sup.UpdateConfig(ConfigPatch{StuckThreshold: &zero})
	assert.Equal(t, threshold, got.StuckThreshold)
}

func TestSupervisor_StuckJobRecovered(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusAnalyzing, false)
	job := env.createRunningJob(t, models.JobKindAnalyze, project.ID)

	// First sweep seeds the progress sample; nothing is stuck yet.
	report := env.sup.ForceTick(ctx)
	assert.Equal(t, 0, report.Stuck)

	// The job reports no progress for longer than the stuck threshold.
	time.Sleep(50 * time.Millisecond)

	report = env.sup.ForceTick(ctx)
	assert.Equal(t, 1, report.Stuck)
	assert.Equal(t, 1, report.Recovered)

	stored, err := env.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "stuck")

	// The project rolled back one stage.
	reloaded, err := env.projects.GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusIngested, reloaded.Status)
}

func TestSupervisor_StuckDetectionFollowsProgress(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusAnalyzing, false)
	job := env.createRunningJob(t, models.JobKindAnalyze, project.ID)

	env.sup.ForceTick(ctx)
	time.Sleep(50 * time.Millisecond)

	// Progress moved, so the sample reseeds and the job is healthy.
	require.NoError(t, env.jobs.UpdateProgress(ctx, job.ID, 42, "transcribing", ""))

	report := env.sup.ForceTick(ctx)
	assert.Equal(t, 0, report.Stuck)

	stored, err := env.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
}

func TestSupervisor_AutoRecoveryOffDetectsOnly(t *testing.T) {
	cfg := fastSupervisorConfig()
	env := newTestEnv(t, cfg)
	off := false
	env.sup.UpdateConfig(ConfigPatch{AutoRecovery: &off})
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusAnalyzing, false)
	job := env.createRunningJob(t, models.JobKindAnalyze, project.ID)

	env.sup.ForceTick(ctx)
	time.Sleep(50 * time.Millisecond)

	report := env.sup.ForceTick(ctx)
	assert.Equal(t, 1, report.Stuck)
	assert.Equal(t, 0, report.Recovered)

	stored, err := env.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
}

func TestSupervisor_OrphanProjectReset(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	// Transient status with no driving job at all.
	project := env.createProject(t, models.ProjectStatusAnalyzing, false)
	time.Sleep(20 * time.Millisecond)

	report := env.sup.ForceTick(ctx)
	assert.Equal(t, 1, report.OrphansReset)

	reloaded, err := env.projects.GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusIngested, reloaded.Status)
}

func TestSupervisor_OrphanScanSkipsLiveDriver(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusAnalyzing, false)
	job := models.NewJob(models.JobKindAnalyze, project.ID, nil)
	require.NoError(t, env.jobs.Create(ctx, job))
	time.Sleep(20 * time.Millisecond)

	report := env.sup.ForceTick(ctx)
	assert.Equal(t, 0, report.OrphansReset)

	reloaded, err := env.projects.GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusAnalyzing, reloaded.Status)
}

func TestSupervisor_OrphanRecoveryChainsAutoAnalyze(t *testing.T) {
	// S5: an orphaned analyzing project with the auto-analyze policy is
	// first reset to ingested, then the continuity sweep relaunches the
	// analysis.
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusAnalyzing, true)
	time.Sleep(20 * time.Millisecond)

	report := env.sup.ForceTick(ctx)
	assert.Equal(t, 1, report.OrphansReset)
	assert.Equal(t, 1, report.Chained)

	reloaded, err := env.projects.GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusAnalyzing, reloaded.Status)

	job, err := env.jobs.FindActive(ctx, models.JobKindAnalyze, project.ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobStatusPending, job.Status)
}

func TestSupervisor_ContinuityRequiresOptIn(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	env.createProject(t, models.ProjectStatusIngested, false)

	report := env.sup.ForceTick(ctx)
	assert.Equal(t, 0, report.Chained)
}

func TestSupervisor_RetryRecreatesFailedJob(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusIngested, false)
	failed := env.createFailedJob(t, models.JobKindAnalyze, project.ID, 0)

	report := env.sup.ForceTick(ctx)
	assert.Equal(t, 1, report.Retried)

	clone, err := env.jobs.FindActive(ctx, models.JobKindAnalyze, project.ID)
	require.NoError(t, err)
	require.NotNil(t, clone)
	assert.Equal(t, models.JobStatusPending, clone.Status)
	assert.Equal(t, 1, clone.RetryCount)
	assert.Equal(t, failed.Payload["language"], clone.Payload["language"])

	// The project returned to the transient status the retried work drives.
	reloaded, err := env.projects.GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusAnalyzing, reloaded.Status)
}

func TestSupervisor_RetryStopsAtCeiling(t *testing.T) {
	// P7: a job at the retry ceiling is terminal; no further attempt is
	// ever scheduled.
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusIngested, false)
	env.createFailedJob(t, models.JobKindAnalyze, project.ID, 3)

	report := env.sup.ForceTick(ctx)
	assert.Equal(t, 0, report.Retried)

	active, err := env.jobs.FindActive(ctx, models.JobKindAnalyze, project.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestSupervisor_ContinuitySkipsExhaustedRetries(t *testing.T) {
	// An auto-analyze project whose newest analyze attempt failed at the
	// retry ceiling stays parked: the continuity sweep must not relaunch
	// with a fresh retry count, or the ceiling becomes a loop.
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusIngested, true)
	env.createFailedJob(t, models.JobKindAnalyze, project.ID, 3)

	report := env.sup.ForceTick(ctx)
	assert.Equal(t, 0, report.Retried)
	assert.Equal(t, 0, report.Chained)

	active, err := env.jobs.FindActive(ctx, models.JobKindAnalyze, project.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestSupervisor_RetrySkipsLiveReplacement(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusAnalyzing, false)
	env.createFailedJob(t, models.JobKindAnalyze, project.ID, 0)

	replacement := models.NewJob(models.JobKindAnalyze, project.ID, nil)
	require.NoError(t, env.jobs.Create(ctx, replacement))

	report := env.sup.ForceTick(ctx)
	assert.Equal(t, 0, report.Retried)
}

func TestSupervisor_RetryUsesNewestFailurePerSubject(t *testing.T) {
	// Two failures for the same kind and subject: only the newest counts,
	// so the retry count never rewinds.
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusIngested, false)
	env.createFailedJob(t, models.JobKindAnalyze, project.ID, 0)
	time.Sleep(5 * time.Millisecond)
	env.createFailedJob(t, models.JobKindAnalyze, project.ID, 1)

	report := env.sup.ForceTick(ctx)
	assert.Equal(t, 1, report.Retried)

	clone, err := env.jobs.FindActive(ctx, models.JobKindAnalyze, project.ID)
	require.NoError(t, err)
	require.NotNil(t, clone)
	assert.Equal(t, 2, clone.RetryCount)
}

func TestSupervisor_ManualRecoverByID(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusIngesting, false)
	job := env.createRunningJob(t, models.JobKindIngest, project.ID)

	count, err := env.sup.Recover(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := env.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)

	reloaded, err := env.projects.GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusCreated, reloaded.Status)
}

func TestSupervisor_ManualRecoverUnknownID(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())

	_, err := env.sup.Recover(context.Background(), models.NewULID())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSupervisor_ManualRecoverSkipsFinishedJobs(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusIngested, false)
	failed := env.createFailedJob(t, models.JobKindAnalyze, project.ID, 0)

	count, err := env.sup.Recover(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSupervisor_StatusDocument(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())
	ctx := context.Background()

	project := env.createProject(t, models.ProjectStatusIngesting, false)
	env.createRunningJob(t, models.JobKindIngest, project.ID)
	pending := models.NewJob(models.JobKindAnalyze, project.ID, nil)
	require.NoError(t, env.jobs.Create(ctx, pending))

	env.sup.ForceTick(ctx)
	status := env.sup.GetStatus(ctx)

	assert.False(t, status.Running)
	assert.Equal(t, int64(1), status.Jobs.Running)
	assert.Equal(t, int64(1), status.Jobs.Pending)
	assert.GreaterOrEqual(t, status.UptimeSeconds, 0.0)
	assert.NotEmpty(t, status.Uptime)
}

func TestSupervisor_BroadcastsStatusOnTick(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())

	sub := env.bus.Subscribe()
	defer env.bus.Unsubscribe(sub.ID)

	env.sup.ForceTick(context.Background())

	select {
	case ev := <-sub.Events:
		assert.Equal(t, progress.EventTypeSupervisorStatus, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a supervisor_status event")
	}
}

func TestSupervisor_StartStop(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())

	require.NoError(t, env.sup.Start(context.Background()))
	assert.True(t, env.sup.Running())
	assert.Error(t, env.sup.Start(context.Background()))

	// The loop ticks on its own.
	require.Eventually(t, func() bool {
		return env.sup.GetStatus(context.Background()).Tick >= 2
	}, 2*time.Second, 5*time.Millisecond)

	env.sup.Stop()
	assert.False(t, env.sup.Running())
	// Stop is idempotent.
	env.sup.Stop()
}

func TestSupervisor_TickSurvivesActionErrors(t *testing.T) {
	env := newTestEnv(t, fastSupervisorConfig())

	env.sup.checks = []HealthCheck{{
		Name:  "flaky",
		Probe: func(ctx context.Context) error { return assert.AnError },
	}}

	report := env.sup.ForceTick(context.Background())
	assert.Empty(t, report.Errors)

	health := env.sup.Health()
	require.Contains(t, health, "flaky")
	assert.Equal(t, HealthUnhealthy, health["flaky"].Status)
}
