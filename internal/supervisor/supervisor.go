// Package supervisor keeps the orchestrator honest while nobody is
// watching. A background loop ticks on a fixed cadence and applies a set of
// ordered, idempotent maintenance actions: probe collaborator health, fail
// jobs whose progress has flatlined, roll transient projects back when their
// driving job is gone, re-enqueue recent failures, chain analysis onto
// freshly ingested projects and broadcast a status document over the
// progress bus. Every action tolerates failure of the others; a broken
// database read never stops health checks, and vice versa.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/probe"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/service/logs"
	"github.com/clipforge/clipforge/pkg/duration"
)

// maxRetryBatch caps how many failed jobs a single sweep re-enqueues so a
// mass failure cannot flood the queue in one tick.
const maxRetryBatch = 10

// Config holds the supervisor cadence and thresholds. StuckThreshold,
// RetryMax, TickInterval and AutoRecovery are runtime-mutable through
// UpdateConfig; the rest is fixed at construction.
type Config struct {
	// TickInterval is the pause between maintenance sweeps.
	TickInterval time.Duration
	// StuckThreshold is how long a running job may sit without progress
	// movement before it is considered stuck.
	StuckThreshold time.Duration
	// OrphanAge is how stale a transient project must be before the orphan
	// sweep considers resetting it.
	OrphanAge time.Duration
	// RetryWindow bounds how far back the failure sweep looks.
	RetryWindow time.Duration
	// RetryMax is the per-job retry ceiling.
	RetryMax int
	// RetryEveryTicks runs the failed-job retry sweep every Nth tick.
	RetryEveryTicks int
	// ContinuityEveryTicks runs the workflow-continuity sweep every Nth
	// tick.
	ContinuityEveryTicks int
	// AutoRecovery gates the corrective actions. Detection and status
	// broadcasting run regardless.
	AutoRecovery bool
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:         15 * time.Second,
		StuckThreshold:       180 * time.Second,
		OrphanAge:            600 * time.Second,
		RetryWindow:          10 * time.Minute,
		RetryMax:             3,
		RetryEveryTicks:      2,
		ContinuityEveryTicks: 4,
		AutoRecovery:         true,
	}
}

// ConfigPatch carries the runtime-mutable switches. Nil fields keep their
// current values.
type ConfigPatch struct {
	AutoRecovery   *bool          `json:"auto_recovery,omitempty"`
	StuckThreshold *time.Duration `json:"stuck_threshold,omitempty"`
	RetryMax       *int           `json:"retry_max,omitempty"`
	TickInterval   *time.Duration `json:"tick_interval,omitempty"`
}

// JobCanceller interrupts a running handler. Satisfied by
// dispatch.Dispatcher.
type JobCanceller interface {
	Cancel(jobID models.ULID) bool
	InFlight() int
}

// Deps wires the supervisor's collaborators. Dispatcher, Sequencer, Probe
// and Logs may be nil; the corresponding signals are simply absent.
type Deps struct {
	Jobs       repository.JobRepository
	Projects   repository.ProjectRepository
	Dispatcher JobCanceller
	Sequencer  *pipeline.Sequencer
	Probe      *probe.Prober
	Logs       *logs.Service
	Bus        *progress.Bus
	Checks     []HealthCheck
	Logger     *slog.Logger
}

// TickReport summarizes one maintenance sweep.
type TickReport struct {
	Tick         uint64   `json:"tick"`
	Stuck        int      `json:"stuck"`
	Recovered    int      `json:"recovered"`
	OrphansReset int      `json:"orphans_reset"`
	Retried      int      `json:"retried"`
	Chained      int      `json:"chained"`
	Errors       []string `json:"errors,omitempty"`
}

func (r *TickReport) fail(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// JobCounts is the queue census in the status document.
type JobCounts struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	InFlight  int   `json:"in_flight"`
	Stuck     int   `json:"stuck"`
}

// LogSummary is the log census in the status document.
type LogSummary struct {
	Total    int64 `json:"total"`
	Errors   int64 `json:"errors"`
	Warnings int64 `json:"warnings"`
}

// Status is the supervisor status document broadcast after every tick and
// served on demand.
type Status struct {
	Running       bool                      `json:"running"`
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Uptime        string                    `json:"uptime"`
	Tick          uint64                    `json:"tick"`
	AutoRecovery  bool                      `json:"auto_recovery"`
	Resources     *probe.Snapshot           `json:"resources,omitempty"`
	Services      map[string]*ServiceHealth `json:"services"`
	Jobs          JobCounts                 `json:"jobs"`
	Logs          LogSummary                `json:"logs"`
}

// jobSample is the last observed progress value for a running job. The
// observation time only moves when the value does, so its age is exactly how
// long the job has been flat.
type jobSample struct {
	progress   float64
	observedAt time.Time
}

type stuckEntry struct {
	job   *models.Job
	since time.Duration
}

// Supervisor runs the maintenance loop.
type Supervisor struct {
	jobs       repository.JobRepository
	projects   repository.ProjectRepository
	dispatcher JobCanceller
	sequencer  *pipeline.Sequencer
	probe      *probe.Prober
	logs       *logs.Service
	bus        *progress.Bus
	checks     []HealthCheck
	logger     *slog.Logger

	// tickMu serializes sweeps so a forced tick never interleaves with the
	// loop tick.
	tickMu sync.Mutex

	mu        sync.RWMutex
	cfg       Config
	samples   map[models.ULID]*jobSample
	health    map[string]*ServiceHealth
	tickCount uint64
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a Supervisor with default configuration.
func New(deps Deps) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		jobs:       deps.Jobs,
		projects:   deps.Projects,
		dispatcher: deps.Dispatcher,
		sequencer:  deps.Sequencer,
		probe:      deps.Probe,
		logs:       deps.Logs,
		bus:        deps.Bus,
		checks:     deps.Checks,
		logger:     logger.With("component", "supervisor"),
		cfg:        DefaultConfig(),
		samples:    make(map[models.ULID]*jobSample),
		health:     make(map[string]*ServiceHealth),
		startTime:  time.Now(),
	}
}

// WithConfig overrides the default cadence and thresholds. Zero fields keep
// their defaults so callers set only what they care about. The auto-recovery
// switch is runtime state and changes only through UpdateConfig.
func (s *Supervisor) WithConfig(cfg Config) *Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.TickInterval > 0 {
		s.cfg.TickInterval = cfg.TickInterval
	}
	if cfg.StuckThreshold > 0 {
		s.cfg.StuckThreshold = cfg.StuckThreshold
	}
	if cfg.OrphanAge > 0 {
		s.cfg.OrphanAge = cfg.OrphanAge
	}
	if cfg.RetryWindow > 0 {
		s.cfg.RetryWindow = cfg.RetryWindow
	}
	if cfg.RetryMax > 0 {
		s.cfg.RetryMax = cfg.RetryMax
	}
	if cfg.RetryEveryTicks > 0 {
		s.cfg.RetryEveryTicks = cfg.RetryEveryTicks
	}
	if cfg.ContinuityEveryTicks > 0 {
		s.cfg.ContinuityEveryTicks = cfg.ContinuityEveryTicks
	}
	return s
}

// GetConfig returns the current configuration.
func (s *Supervisor) GetConfig() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig applies the runtime-mutable switches and returns the
// resulting configuration. Non-positive values are rejected by ignoring
// them.
func (s *Supervisor) UpdateConfig(patch ConfigPatch) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.AutoRecovery != nil {
		s.cfg.AutoRecovery = *patch.AutoRecovery
	}
	if patch.StuckThreshold != nil && *patch.StuckThreshold > 0 {
		s.cfg.StuckThreshold = *patch.StuckThreshold
	}
	if patch.RetryMax != nil && *patch.RetryMax > 0 {
		s.cfg.RetryMax = *patch.RetryMax
	}
	if patch.TickInterval != nil && *patch.TickInterval > 0 {
		s.cfg.TickInterval = *patch.TickInterval
	}
	s.logger.Info("supervisor config updated",
		"auto_recovery", s.cfg.AutoRecovery,
		"stuck_threshold", s.cfg.StuckThreshold,
		"retry_max", s.cfg.RetryMax,
		"tick_interval", s.cfg.TickInterval)
	return s.cfg
}

// Start launches the maintenance loop. The first sweep runs immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	interval := s.cfg.TickInterval
	s.mu.Unlock()

	go s.run(runCtx, done)
	s.logger.Info("supervisor started", "tick_interval", interval)
	return nil
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("supervisor stopped")
}

// Running reports whether the loop is active.
func (s *Supervisor) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancel != nil
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.tick(ctx, false)
	timer := time.NewTimer(s.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx, false)
			timer.Reset(s.interval())
		}
	}
}

func (s *Supervisor) interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.TickInterval
}

func (s *Supervisor) autoRecovery() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AutoRecovery
}

// ForceTick runs a full sweep immediately, bypassing the retry and
// continuity cadence gates, and returns what it did.
func (s *Supervisor) ForceTick(ctx context.Context) *TickReport {
	return s.tick(ctx, true)
}

// tick runs the ordered maintenance actions. Each failure is recorded and
// the next action still runs.
func (s *Supervisor) tick(ctx context.Context, force bool) *TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	s.tickCount++
	count := s.tickCount
	retryEvery := uint64(s.cfg.RetryEveryTicks)
	continuityEvery := uint64(s.cfg.ContinuityEveryTicks)
	s.mu.Unlock()

	report := &TickReport{Tick: count}
	if ctx.Err() != nil {
		report.fail(ctx.Err())
		return report
	}

	s.checkHealth(ctx)

	running, err := s.jobs.GetRunning(ctx)
	if err != nil {
		report.fail(fmt.Errorf("listing running jobs: %w", err))
	} else {
		s.updateSamples(running)
		stuck := s.stuckAmong(running)
		report.Stuck = len(stuck)
		if len(stuck) > 0 && s.autoRecovery() {
			report.Recovered = s.recoverStuck(ctx, stuck, report)
		}
	}

	if s.autoRecovery() {
		report.OrphansReset = s.resetOrphans(ctx, report)
		if force || count%retryEvery == 0 {
			report.Retried = s.retryFailures(ctx, report)
		}
		if force || count%continuityEvery == 0 {
			report.Chained = s.ensureContinuity(ctx, report)
		}
	}

	s.broadcastStatus(ctx)
	return report
}

// checkHealth probes every collaborator and retains the results.
func (s *Supervisor) checkHealth(ctx context.Context) {
	results := make(map[string]*ServiceHealth, len(s.checks))
	for _, check := range s.checks {
		result := runCheck(ctx, check)
		results[check.Name] = result
		if !result.Healthy() {
			s.logger.Warn("health check failed", "service", check.Name, "error", result.Message)
		}
	}
	s.mu.Lock()
	s.health = results
	s.mu.Unlock()
}

// Health returns a copy of the last probe results.
func (s *Supervisor) Health() map[string]*ServiceHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*ServiceHealth, len(s.health))
	for name, health := range s.health {
		copied := *health
		out[name] = &copied
	}
	return out
}

// updateSamples reseeds the progress sample of every job that moved and
// drops samples for jobs no longer running.
func (s *Supervisor) updateSamples(running []*models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	live := make(map[models.ULID]bool, len(running))
	for _, job := range running {
		live[job.ID] = true
		sample, ok := s.samples[job.ID]
		if !ok || sample.progress != job.Progress {
			s.samples[job.ID] = &jobSample{progress: job.Progress, observedAt: now}
		}
	}
	for id := range s.samples {
		if !live[id] {
			delete(s.samples, id)
		}
	}
}

// stuckAmong returns the running jobs whose sample has been flat longer
// than the threshold.
func (s *Supervisor) stuckAmong(running []*models.Job) []stuckEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []stuckEntry
	for _, job := range running {
		sample, ok := s.samples[job.ID]
		if !ok || sample.progress != job.Progress {
			continue
		}
		if flat := now.Sub(sample.observedAt); flat > s.cfg.StuckThreshold {
			out = append(out, stuckEntry{job: job, since: flat})
		}
	}
	return out
}

func (s *Supervisor) stuckCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	count := 0
	for _, sample := range s.samples {
		if now.Sub(sample.observedAt) > s.cfg.StuckThreshold {
			count++
		}
	}
	return count
}

// recoverStuck force-fails each stuck job. The terminal row is written
// before the handler is interrupted so the failure message wins over the
// executor's own finish attempt.
func (s *Supervisor) recoverStuck(ctx context.Context, entries []stuckEntry, report *TickReport) int {
	recovered := 0
	for _, entry := range entries {
		if err := s.recoverOne(ctx, entry.job, entry.since); err != nil {
			report.fail(err)
			continue
		}
		recovered++
	}
	return recovered
}

func (s *Supervisor) recoverOne(ctx context.Context, job *models.Job, flat time.Duration) error {
	job.MarkFailed(fmt.Errorf("auto-recovered: stuck for %.0fs", flat.Seconds()))
	if err := s.jobs.Finish(ctx, job); err != nil {
		return fmt.Errorf("recovering job %s: %w", job.ID, err)
	}
	if s.dispatcher != nil {
		s.dispatcher.Cancel(job.ID)
	}
	s.bus.PublishJobUpdate(job)
	s.rollbackProject(ctx, job)

	s.mu.Lock()
	delete(s.samples, job.ID)
	s.mu.Unlock()

	s.actionLog(slog.LevelWarn, fmt.Sprintf("auto-recovered %s job %s: stuck for %.0fs", job.Kind, job.ID, flat.Seconds()))
	return nil
}

// rollbackProject returns the job's project to the predecessor status, but
// only when the project still sits in the transient status this job kind
// drives. A status someone else already moved is left alone.
func (s *Supervisor) rollbackProject(ctx context.Context, job *models.Job) {
	if job.SubjectID.IsZero() {
		return
	}
	project, err := s.projects.GetByID(ctx, job.SubjectID)
	if err != nil || project == nil {
		return
	}
	transient := models.TransientStatusForKind(job.Kind)
	if transient == "" || project.Status != transient {
		return
	}
	target := project.Status.Predecessor()
	if err := s.projects.UpdateStatus(ctx, project.ID, target); err != nil {
		s.logger.Error("rolling back project status", "project_id", project.ID, "error", err)
		return
	}
	project.Status = target
	s.bus.PublishSubjectUpdate(project)
}

// resetOrphans rolls back transient projects whose driving job has
// disappeared. A project counts as orphaned only when no pending or running
// job of any kind that produces its status exists.
func (s *Supervisor) resetOrphans(ctx context.Context, report *TickReport) int {
	s.mu.RLock()
	cutoff := time.Now().Add(-s.cfg.OrphanAge)
	s.mu.RUnlock()

	projects, err := s.projects.GetTransient(ctx, cutoff)
	if err != nil {
		report.fail(fmt.Errorf("listing transient projects: %w", err))
		return 0
	}
	reset := 0
	for _, project := range projects {
		alive, err := s.hasLiveDriver(ctx, project)
		if err != nil {
			report.fail(err)
			continue
		}
		if alive {
			continue
		}
		previous := project.Status
		target := previous.Predecessor()
		if err := s.projects.UpdateStatus(ctx, project.ID, target); err != nil {
			report.fail(fmt.Errorf("resetting orphaned project %s: %w", project.ID, err))
			continue
		}
		project.Status = target
		s.bus.PublishSubjectUpdate(project)
		reset++
		s.actionLog(slog.LevelWarn, fmt.Sprintf("reset orphaned project %s: %s -> %s", project.ID, previous, target))
	}
	return reset
}

func (s *Supervisor) hasLiveDriver(ctx context.Context, project *models.Project) (bool, error) {
	for _, kind := range kindsForStatus(project.Status) {
		job, err := s.jobs.FindActive(ctx, kind, project.ID)
		if err != nil {
			return true, fmt.Errorf("checking live %s job for project %s: %w", kind, project.ID, err)
		}
		if job != nil {
			return true, nil
		}
	}
	return false, nil
}

// kindsForStatus maps a transient project status to the job kinds that put
// it there. Exporting is produced by both the export and the variant render
// pipelines.
func kindsForStatus(status models.ProjectStatus) []models.JobKind {
	switch status {
	case models.ProjectStatusDownloading:
		return []models.JobKind{models.JobKindScrape}
	case models.ProjectStatusIngesting:
		return []models.JobKind{models.JobKindIngest}
	case models.ProjectStatusAnalyzing:
		return []models.JobKind{models.JobKindAnalyze}
	case models.ProjectStatusExporting:
		return []models.JobKind{models.JobKindExport, models.JobKindRenderVariants}
	default:
		return nil
	}
}

type retryKey struct {
	kind    models.JobKind
	subject models.ULID
}

// retryFailures re-enqueues recent failures as fresh pending jobs with an
// incremented retry count. Failures past the retry ceiling, failures whose
// error marks a store inconsistency and failures already superseded by an
// active job are skipped. Newest failure per kind and subject wins so the
// retry count never rewinds.
func (s *Supervisor) retryFailures(ctx context.Context, report *TickReport) int {
	s.mu.RLock()
	window := s.cfg.RetryWindow
	retryMax := s.cfg.RetryMax
	s.mu.RUnlock()

	failures, err := s.jobs.FindRecentFailures(ctx, time.Now().Add(-window))
	if err != nil {
		report.fail(fmt.Errorf("listing recent failures: %w", err))
		return 0
	}
	retried := 0
	seen := make(map[retryKey]bool, len(failures))
	for i := len(failures) - 1; i >= 0; i-- {
		if retried >= maxRetryBatch {
			break
		}
		failed := failures[i]
		if failed.SubjectID.IsZero() {
			continue
		}
		key := retryKey{kind: failed.Kind, subject: failed.SubjectID}
		if seen[key] {
			continue
		}
		seen[key] = true
		if failed.RetryCount >= retryMax {
			continue
		}
		if strings.Contains(failed.Error, models.ErrStoreInconsistency.Error()) {
			continue
		}
		active, err := s.jobs.FindActive(ctx, failed.Kind, failed.SubjectID)
		if err != nil {
			report.fail(fmt.Errorf("checking replacement for job %s: %w", failed.ID, err))
			continue
		}
		if active != nil {
			continue
		}
		clone := models.NewJob(failed.Kind, failed.SubjectID, failed.Payload.Clone())
		clone.RetryCount = failed.RetryCount + 1
		if err := s.jobs.Create(ctx, clone); err != nil {
			report.fail(fmt.Errorf("retrying job %s: %w", failed.ID, err))
			continue
		}
		s.bus.PublishJobUpdate(clone)
		s.restoreTransient(ctx, clone)
		retried++
		s.actionLog(slog.LevelInfo, fmt.Sprintf("retrying %s job for project %s (attempt %d of %d)", clone.Kind, clone.SubjectID, clone.RetryCount, retryMax))
	}
	return retried
}

// restoreTransient flips the retried job's project back into the transient
// status the job kind drives, mirroring what a fresh launch would do.
func (s *Supervisor) restoreTransient(ctx context.Context, job *models.Job) {
	transient := models.TransientStatusForKind(job.Kind)
	if transient == "" || job.SubjectID.IsZero() {
		return
	}
	project, err := s.projects.GetByID(ctx, job.SubjectID)
	if err != nil || project == nil || project.Status == transient {
		return
	}
	if err := s.projects.UpdateStatus(ctx, project.ID, transient); err != nil {
		s.logger.Error("restoring transient status", "project_id", project.ID, "error", err)
		return
	}
	project.Status = transient
	s.bus.PublishSubjectUpdate(project)
}

// ensureContinuity launches analysis for ingested projects that opted into
// it. A live analyze job for the same project makes the launch a conflict,
// which is the no-op we want. Projects whose newest analyze attempt failed
// at the retry ceiling stay parked: a failed attempt rolls the project back
// to ingested, and relaunching here would hand the job a fresh retry count
// and turn the ceiling into a loop.
func (s *Supervisor) ensureContinuity(ctx context.Context, report *TickReport) int {
	if s.sequencer == nil {
		return 0
	}
	s.mu.RLock()
	retryMax := s.cfg.RetryMax
	s.mu.RUnlock()

	projects, err := s.projects.GetByStatus(ctx, models.ProjectStatusIngested)
	if err != nil {
		report.fail(fmt.Errorf("listing ingested projects: %w", err))
		return 0
	}
	chained := 0
	for _, project := range projects {
		if !project.AutoAnalyze {
			continue
		}
		exhausted, err := s.retriesExhausted(ctx, models.JobKindAnalyze, project.ID, retryMax)
		if err != nil {
			report.fail(fmt.Errorf("checking analyze history for project %s: %w", project.ID, err))
			continue
		}
		if exhausted {
			continue
		}
		if _, err := s.sequencer.Launch(ctx, models.JobKindAnalyze, project, nil); err != nil {
			if errors.Is(err, models.ErrConflict) {
				continue
			}
			report.fail(fmt.Errorf("chaining analysis for project %s: %w", project.ID, err))
			continue
		}
		chained++
		s.actionLog(slog.LevelInfo, fmt.Sprintf("chained analysis for ingested project %s", project.ID))
	}
	return chained
}

// retriesExhausted reports whether the newest job of the given kind for the
// subject is a failure sitting at or past the retry ceiling.
func (s *Supervisor) retriesExhausted(ctx context.Context, kind models.JobKind, subjectID models.ULID, retryMax int) (bool, error) {
	latest, err := s.jobs.List(ctx, repository.JobFilter{
		Kind:      kind,
		SubjectID: subjectID,
		Limit:     1,
	})
	if err != nil {
		return false, err
	}
	if len(latest) == 0 {
		return false, nil
	}
	newest := latest[0]
	return newest.Status == models.JobStatusFailed && newest.RetryCount >= retryMax, nil
}

// broadcastStatus assembles the status document and publishes it.
func (s *Supervisor) broadcastStatus(ctx context.Context) {
	status := s.GetStatus(ctx)
	s.bus.PublishSupervisorStatus(status)
}

// GetStatus assembles the current status document.
func (s *Supervisor) GetStatus(ctx context.Context) *Status {
	s.mu.RLock()
	tick := s.tickCount
	auto := s.cfg.AutoRecovery
	started := s.startTime
	running := s.cancel != nil
	s.mu.RUnlock()

	uptime := time.Since(started)
	status := &Status{
		Running:       running,
		UptimeSeconds: uptime.Seconds(),
		Uptime:        duration.Format(uptime),
		Tick:          tick,
		AutoRecovery:  auto,
		Services:      s.Health(),
	}
	if s.probe != nil {
		status.Resources = s.probe.Snapshot(ctx)
	}

	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		s.logger.Error("counting jobs", "error", err)
	} else {
		status.Jobs = JobCounts{
			Pending:   counts[models.JobStatusPending],
			Running:   counts[models.JobStatusRunning],
			Completed: counts[models.JobStatusCompleted],
			Failed:    counts[models.JobStatusFailed],
			Cancelled: counts[models.JobStatusCancelled],
		}
	}
	status.Jobs.Stuck = s.stuckCount()
	if s.dispatcher != nil {
		status.Jobs.InFlight = s.dispatcher.InFlight()
	}

	if s.logs != nil {
		stats := s.logs.GetStats()
		status.Logs = LogSummary{
			Total:    stats.TotalLogs,
			Errors:   stats.LogsByLevel["error"],
			Warnings: stats.LogsByLevel["warn"],
		}
	}
	return status
}

// Recover force-fails jobs by hand. With no IDs it recovers every job the
// sampler currently considers stuck; with IDs it recovers exactly those,
// stuck or not, as long as they are still running. Returns how many jobs
// were recovered.
func (s *Supervisor) Recover(ctx context.Context, jobIDs ...models.ULID) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if len(jobIDs) == 0 {
		running, err := s.jobs.GetRunning(ctx)
		if err != nil {
			return 0, fmt.Errorf("listing running jobs: %w", err)
		}
		recovered := 0
		for _, entry := range s.stuckAmong(running) {
			if err := s.recoverOne(ctx, entry.job, entry.since); err != nil {
				return recovered, err
			}
			recovered++
		}
		return recovered, nil
	}

	recovered := 0
	for _, id := range jobIDs {
		job, err := s.jobs.GetByID(ctx, id)
		if err != nil {
			return recovered, fmt.Errorf("loading job %s: %w", id, err)
		}
		if job == nil {
			return recovered, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		if !job.IsRunning() {
			continue
		}
		if err := s.recoverOne(ctx, job, s.flatFor(job)); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// flatFor estimates how long a job has sat without movement, falling back
// to its claim time when no sample exists yet.
func (s *Supervisor) flatFor(job *models.Job) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sample, ok := s.samples[job.ID]; ok {
		return time.Since(sample.observedAt)
	}
	if job.StartedAt != nil {
		return time.Since(*job.StartedAt)
	}
	return 0
}

// actionLog records a corrective action both in the process log and on the
// progress bus so connected clients see what the supervisor did.
func (s *Supervisor) actionLog(level slog.Level, message string) {
	s.logger.Log(context.Background(), level, message)
	levelName := "info"
	if level >= slog.LevelError {
		levelName = "error"
	} else if level >= slog.LevelWarn {
		levelName = "warn"
	}
	s.bus.PublishSupervisorLog(levelName, message)
}
