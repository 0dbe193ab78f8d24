// Package repository defines data access interfaces for clipforge entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/clipforge/clipforge/internal/models"
)

// JobFilter narrows List queries. Zero fields match everything.
type JobFilter struct {
	Status    models.JobStatus
	Kind      models.JobKind
	SubjectID models.ULID
	Limit     int
}

// JobRepository defines operations for job persistence.
type JobRepository interface {
	// Create persists a new job.
	Create(ctx context.Context, job *models.Job) error
	// GetByID retrieves a job by ID. Returns (nil, nil) when absent.
	GetByID(ctx context.Context, id models.ULID) (*models.Job, error)
	// List retrieves jobs matching the filter, newest first.
	List(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	// GetRunning retrieves all currently running jobs, oldest claim first.
	GetRunning(ctx context.Context) ([]*models.Job, error)
	// GetBySubjectID retrieves all jobs for a subject, newest first.
	GetBySubjectID(ctx context.Context, subjectID models.ULID) ([]*models.Job, error)
	// FindActive finds a pending or running job for the same kind and
	// subject. Returns (nil, nil) when there is none.
	FindActive(ctx context.Context, kind models.JobKind, subjectID models.ULID) (*models.Job, error)
	// FindRecentFailures retrieves failed jobs that completed after the
	// cutoff, oldest first.
	FindRecentFailures(ctx context.Context, since time.Time) ([]*models.Job, error)
	// CountByStatus returns job counts grouped by status.
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
	// Update persists all fields of an existing job.
	Update(ctx context.Context, job *models.Job) error
	// ClaimNext atomically claims the oldest pending job created inside the
	// freshness window and marks it running. Returns (nil, nil) when no
	// claimable job exists. At most one concurrent caller wins a given job.
	ClaimNext(ctx context.Context, workerID string, freshness time.Duration) (*models.Job, error)
	// UpdateProgress records handler progress for a running job. It is a
	// no-op for jobs in any other status and never lowers progress.
	UpdateProgress(ctx context.Context, id models.ULID, progress float64, stage, message string) error
	// Finish writes the terminal fields of a finished job. Jobs already in a
	// terminal status are left untouched, making the call idempotent.
	Finish(ctx context.Context, job *models.Job) error
	// ResetOrphanedRunning returns every running job to pending. Called once
	// at startup, before workers begin claiming.
	ResetOrphanedRunning(ctx context.Context) (int64, error)
	// PurgeOlderThan hard-deletes jobs in the given statuses whose terminal
	// transition is older than the cutoff. Returns the number removed.
	PurgeOlderThan(ctx context.Context, statuses []models.JobStatus, cutoff time.Time) (int64, error)
	// DeleteBySubjectID hard-deletes every job for a subject. Used when the
	// subject itself is deleted.
	DeleteBySubjectID(ctx context.Context, subjectID models.ULID) (int64, error)
}

// ProjectRepository defines operations for project persistence.
type ProjectRepository interface {
	// Create persists a new project.
	Create(ctx context.Context, project *models.Project) error
	// GetByID retrieves a project by ID. Returns (nil, nil) when absent.
	GetByID(ctx context.Context, id models.ULID) (*models.Project, error)
	// GetAll retrieves all projects, newest first.
	GetAll(ctx context.Context) ([]*models.Project, error)
	// GetByStatus retrieves projects in the given status.
	GetByStatus(ctx context.Context, status models.ProjectStatus) ([]*models.Project, error)
	// GetTransient retrieves projects sitting in an in-flight status whose
	// last update is older than the cutoff.
	GetTransient(ctx context.Context, updatedBefore time.Time) ([]*models.Project, error)
	// Update persists all fields of an existing project.
	Update(ctx context.Context, project *models.Project) error
	// UpdateStatus updates only the lifecycle status.
	UpdateStatus(ctx context.Context, id models.ULID, status models.ProjectStatus) error
	// Delete hard-deletes a project by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// SegmentRepository defines operations for scored segment persistence.
type SegmentRepository interface {
	// Create persists a new segment.
	Create(ctx context.Context, segment *models.Segment) error
	// CreateBatch persists multiple segments in a single batch.
	CreateBatch(ctx context.Context, segments []*models.Segment) error
	// GetByID retrieves a segment by ID. Returns (nil, nil) when absent.
	GetByID(ctx context.Context, id models.ULID) (*models.Segment, error)
	// GetByProjectID retrieves all segments for a project, best score first.
	GetByProjectID(ctx context.Context, projectID models.ULID) ([]*models.Segment, error)
	// CountByProjectID returns the number of segments for a project.
	CountByProjectID(ctx context.Context, projectID models.ULID) (int64, error)
	// Update persists all fields of an existing segment.
	Update(ctx context.Context, segment *models.Segment) error
	// Delete hard-deletes a segment by ID.
	Delete(ctx context.Context, id models.ULID) error
	// DeleteByProjectID removes all segments for a project. Used when a
	// re-analysis replaces the scored set.
	DeleteByProjectID(ctx context.Context, projectID models.ULID) (int64, error)
}
