// Package service provides the high-level operations the HTTP surface
// exposes: job submission and cancellation, project lifecycle management,
// stage triggers and thumbnail generation. Services validate inputs,
// enforce lifecycle preconditions and delegate persistence to the
// repositories; sentinel errors from internal/models tell the transport
// layer which status code applies.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/clipforge/internal/dispatch"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/repository"
)

// JobService provides job queue operations for the API.
type JobService struct {
	jobs       repository.JobRepository
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	bus        *progress.Bus
	logger     *slog.Logger
}

// NewJobService creates a new JobService. The registry bounds which job
// kinds may be submitted.
func NewJobService(jobs repository.JobRepository, registry *dispatch.Registry) *JobService {
	return &JobService{
		jobs:     jobs,
		registry: registry,
		logger:   slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *JobService) WithLogger(logger *slog.Logger) *JobService {
	s.logger = logger
	return s
}

// WithDispatcher sets the dispatcher used to interrupt running handlers.
func (s *JobService) WithDispatcher(dispatcher *dispatch.Dispatcher) *JobService {
	s.dispatcher = dispatcher
	return s
}

// WithBus sets the progress bus job transitions are announced on.
func (s *JobService) WithBus(bus *progress.Bus) *JobService {
	s.bus = bus
	return s
}

// Create enqueues a new pending job. The kind must have a registered
// handler and the payload must decode into that handler's payload type.
func (s *JobService) Create(ctx context.Context, kind models.JobKind, subjectID models.ULID, payload models.JSONMap) (*models.Job, error) {
	handler, ok := s.registry.Resolve(kind)
	if !ok {
		return nil, fmt.Errorf("no handler registered for job kind %q: %w", kind, models.ErrPrecondition)
	}

	job := models.NewJob(kind, subjectID, payload)
	if _, err := dispatch.DecodePayload(handler, job); err != nil {
		return nil, fmt.Errorf("payload for %s job: %w", kind, models.ErrPrecondition)
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	if s.bus != nil {
		s.bus.PublishJobUpdate(job)
	}

	s.logger.Info("job created",
		slog.String("job_id", job.ID.String()),
		slog.String("kind", string(kind)),
		slog.String("subject_id", subjectID.String()))
	return job, nil
}

// GetByID retrieves a job by ID.
func (s *JobService) GetByID(ctx context.Context, id models.ULID) (*models.Job, error) {
	return s.jobs.GetByID(ctx, id)
}

// List retrieves jobs matching the filter, newest first.
func (s *JobService) List(ctx context.Context, filter repository.JobFilter) ([]*models.Job, error) {
	return s.jobs.List(ctx, filter)
}

// GetBySubjectID retrieves all jobs for a subject, newest first.
func (s *JobService) GetBySubjectID(ctx context.Context, subjectID models.ULID) ([]*models.Job, error) {
	return s.jobs.GetBySubjectID(ctx, subjectID)
}

// Cancel cancels a pending or running job. The terminal row is written
// here, before returning, so a later Get shows the job cancelled even while
// a non-cooperative handler is still unwinding. For a running job the
// in-flight handler is also signalled to stop.
func (s *JobService) Cancel(ctx context.Context, id models.ULID) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.IsFinished() {
		return nil, fmt.Errorf("job %s already %s: %w", id, job.Status, models.ErrPrecondition)
	}

	if job.IsRunning() && s.dispatcher != nil && s.dispatcher.Cancel(job.ID) {
		s.logger.Info("cancellation requested", slog.String("job_id", id.String()))
	}

	job.MarkCancelled()
	if err := s.jobs.Finish(ctx, job); err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}
	if s.bus != nil {
		s.bus.PublishJobUpdate(job)
	}

	s.logger.Info("job cancelled",
		slog.String("job_id", id.String()),
		slog.String("kind", string(job.Kind)))
	return job, nil
}

// CleanupTerminal hard-deletes completed, failed and cancelled jobs whose
// terminal transition is older than the given age. Returns how many were
// removed.
func (s *JobService) CleanupTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("cleanup age must be positive: %w", models.ErrPrecondition)
	}

	statuses := []models.JobStatus{
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	}
	purged, err := s.jobs.PurgeOlderThan(ctx, statuses, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purging terminal jobs: %w", err)
	}

	s.logger.Info("terminal jobs purged",
		slog.Int64("count", purged),
		slog.Duration("older_than", olderThan))
	return purged, nil
}
