// Package maintenance runs the nightly housekeeping that keeps the job
// store and scratch space bounded: terminal jobs past the retention age are
// hard-deleted and stale temp files are swept. The purge runs on a cron
// schedule and can also be triggered by hand through the API.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/storage"
	"github.com/clipforge/clipforge/pkg/format"
)

// tempFileMaxAge is how old a scratch file must be before the sweep removes
// it. Generous on purpose: a long transcode writes into scratch for hours.
const tempFileMaxAge = 24 * time.Hour

// terminalStatuses are the job states the retention purge may delete.
// Pending and running rows are never touched.
var terminalStatuses = []models.JobStatus{
	models.JobStatusCompleted,
	models.JobStatusFailed,
	models.JobStatusCancelled,
}

// Config holds the janitor schedule and retention age.
type Config struct {
	// Enabled gates the scheduled purge. RunNow works regardless.
	Enabled bool
	// Schedule is a 6-field cron expression (with seconds).
	Schedule string
	// Age is how old a terminal job must be before it is purged.
	Age time.Duration
}

// DefaultConfig returns the janitor defaults: nightly at 3 AM, keep a week.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Schedule: "0 0 3 * * *",
		Age:      7 * 24 * time.Hour,
	}
}

// Report summarizes one housekeeping run.
type Report struct {
	PurgedJobs   int64     `json:"purged_jobs"`
	TempRemoved  int       `json:"temp_removed"`
	Cutoff       time.Time `json:"cutoff"`
	RanAt        time.Time `json:"ran_at"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error,omitempty"`
}

// Status describes the janitor for the supervisor status surface.
type Status struct {
	Enabled      bool       `json:"enabled"`
	Schedule     string     `json:"schedule"`
	ScheduleDesc string     `json:"schedule_description"`
	Age          string     `json:"age"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	LastRun  *Report    `json:"last_run,omitempty"`
}

// Janitor owns the cron runner and the purge logic.
type Janitor struct {
	jobs    repository.JobRepository
	sandbox *storage.Sandbox
	logger  *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	mu      sync.Mutex
	cfg     Config
	running bool
	lastRun *Report
}

// New builds a Janitor with default configuration. The sandbox may be nil,
// in which case the temp sweep is skipped.
func New(jobs repository.JobRepository, sandbox *storage.Sandbox) *Janitor {
	return &Janitor{
		jobs:    jobs,
		sandbox: sandbox,
		logger:  slog.Default().With("component", "maintenance"),
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
		cfg: DefaultConfig(),
	}
}

// WithLogger sets a custom logger.
func (j *Janitor) WithLogger(logger *slog.Logger) *Janitor {
	j.logger = logger.With("component", "maintenance")
	return j
}

// WithConfig overrides the defaults. Zero fields keep their defaults;
// Enabled is always taken from the given config.
func (j *Janitor) WithConfig(cfg Config) *Janitor {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cfg.Enabled = cfg.Enabled
	if cfg.Schedule != "" {
		j.cfg.Schedule = cfg.Schedule
	}
	if cfg.Age > 0 {
		j.cfg.Age = cfg.Age
	}
	return j
}

// Start registers the purge with the cron runner and starts it. A bad
// schedule fails here, not at 3 AM.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return fmt.Errorf("janitor already started")
	}
	if !j.cfg.Enabled {
		j.logger.Info("retention purge disabled")
		return nil
	}

	entryID, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		report := j.run(context.Background())
		if report.ErrorMessage != "" {
			j.logger.Error("scheduled purge failed", "error", report.ErrorMessage)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", j.cfg.Schedule, err)
	}
	j.entryID = entryID
	j.cron.Start()
	j.running = true
	j.logger.Info("retention purge scheduled", "schedule", j.cfg.Schedule, "age", j.cfg.Age)
	return nil
}

// Stop halts the cron runner and waits for an in-flight run to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	running := j.running
	j.running = false
	j.mu.Unlock()
	if !running {
		return
	}
	<-j.cron.Stop().Done()
	j.logger.Info("retention purge stopped")
}

// RunNow triggers a housekeeping run immediately, ignoring Enabled.
func (j *Janitor) RunNow(ctx context.Context) (*Report, error) {
	report := j.run(ctx)
	if report.ErrorMessage != "" {
		return report, fmt.Errorf("purge: %s", report.ErrorMessage)
	}
	return report, nil
}

// GetStatus returns the schedule, next fire time and last run outcome.
func (j *Janitor) GetStatus() *Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	status := &Status{
		Enabled:      j.cfg.Enabled,
		Schedule:     j.cfg.Schedule,
		ScheduleDesc: format.CronDescription(j.cfg.Schedule),
		Age:          j.cfg.Age.String(),
		LastRun:      j.lastRun,
	}
	if j.running {
		if entry := j.cron.Entry(j.entryID); !entry.Next.IsZero() {
			next := entry.Next
			status.NextRun = &next
		}
	}
	return status
}

func (j *Janitor) run(ctx context.Context) *Report {
	j.mu.Lock()
	age := j.cfg.Age
	j.mu.Unlock()

	started := time.Now()
	report := &Report{
		Cutoff: started.Add(-age),
		RanAt:  started,
	}

	purged, err := j.jobs.PurgeOlderThan(ctx, terminalStatuses, report.Cutoff)
	if err != nil {
		report.ErrorMessage = err.Error()
	}
	report.PurgedJobs = purged

	if j.sandbox != nil {
		removed, err := j.sweepTemp()
		if err != nil && report.ErrorMessage == "" {
			report.ErrorMessage = err.Error()
		}
		report.TempRemoved = removed
	}

	report.DurationMs = time.Since(started).Milliseconds()
	j.logger.Info("housekeeping run finished",
		"purged_jobs", report.PurgedJobs,
		"temp_removed", report.TempRemoved,
		"duration_ms", report.DurationMs)

	j.mu.Lock()
	j.lastRun = report
	j.mu.Unlock()
	return report
}

// sweepTemp removes scratch entries older than tempFileMaxAge. Entries a
// live handler is still writing are younger than that and survive.
func (j *Janitor) sweepTemp() (int, error) {
	tempDir, err := j.sandbox.TempDir()
	if err != nil {
		return 0, fmt.Errorf("resolving temp directory: %w", err)
	}
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return 0, fmt.Errorf("reading temp directory: %w", err)
	}

	cutoff := time.Now().Add(-tempFileMaxAge)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(tempDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn("removing stale temp entry", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
