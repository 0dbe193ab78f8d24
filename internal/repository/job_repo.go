package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/clipforge/clipforge/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// jobRepo implements JobRepository using GORM.
type jobRepo struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *jobRepo {
	return &jobRepo{db: db}
}

// Create persists a new job.
func (r *jobRepo) Create(ctx context.Context, job *models.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID.
func (r *jobRepo) GetByID(ctx context.Context, id models.ULID) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting job by ID: %w", err)
	}
	return &job, nil
}

// List retrieves jobs matching the filter, newest first.
func (r *jobRepo) List(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := r.db.WithContext(ctx).Model(&models.Job{})

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if !filter.SubjectID.IsZero() {
		query = query.Where("subject_id = ?", filter.SubjectID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var jobs []*models.Job
	if err := query.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// GetRunning retrieves all currently running jobs.
func (r *jobRepo) GetRunning(ctx context.Context) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.JobStatusRunning).
		Order("started_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("getting running jobs: %w", err)
	}
	return jobs, nil
}

// GetBySubjectID retrieves all jobs for a subject, newest first.
func (r *jobRepo) GetBySubjectID(ctx context.Context, subjectID models.ULID) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("getting jobs by subject ID: %w", err)
	}
	return jobs, nil
}

// FindActive finds a pending or running job for the same kind and subject.
func (r *jobRepo) FindActive(ctx context.Context, kind models.JobKind, subjectID models.ULID) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).
		Where("kind = ? AND subject_id = ? AND status IN (?, ?)",
			kind, subjectID, models.JobStatusPending, models.JobStatusRunning).
		First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("finding active job: %w", err)
	}
	return &job, nil
}

// FindRecentFailures retrieves failed jobs that completed after the cutoff.
func (r *jobRepo) FindRecentFailures(ctx context.Context, since time.Time) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND completed_at > ?", models.JobStatusFailed, since).
		Order("completed_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("finding recent failures: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns job counts grouped by status.
func (r *jobRepo) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	type statusCount struct {
		Status models.JobStatus
		Count  int64
	}

	var rows []statusCount
	if err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting jobs by status: %w", err)
	}

	counts := make(map[models.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// Update persists all fields of an existing job.
func (r *jobRepo) Update(ctx context.Context, job *models.Job) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the oldest pending job created inside the
// freshness window. Uses SELECT FOR UPDATE with SKIP LOCKED for safe
// concurrent access; SQLite's dialector drops the locking clause and relies
// on the transaction for atomicity.
func (r *jobRepo) ClaimNext(ctx context.Context, workerID string, freshness time.Duration) (*models.Job, error) {
	var job models.Job
	oldest := time.Now().Add(-freshness)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.JobStatusPending).
			Where("created_at > ?", oldest).
			Order("created_at ASC").
			Limit(1)

		if err := query.First(&job).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return err // Will cause nil return
			}
			return fmt.Errorf("finding pending job: %w", err)
		}

		job.MarkRunning(workerID)
		if err := tx.Save(&job).Error; err != nil {
			return fmt.Errorf("claiming job: %w", err)
		}

		return nil
	})

	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil // No jobs available
		}
		return nil, err
	}

	return &job, nil
}

// UpdateProgress records handler progress for a running job. The guard on
// status and current progress makes late or duplicate reports harmless: a
// report against a finished job matches no row, and progress never moves
// backwards.
func (r *jobRepo) UpdateProgress(ctx context.Context, id models.ULID, progress float64, stage, message string) error {
	// UpdateColumns skips model hooks; set updated_at explicitly.
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND progress <= ?", id, models.JobStatusRunning, progress).
		UpdateColumns(map[string]interface{}{
			"progress":   progress,
			"stage":      stage,
			"message":    message,
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return fmt.Errorf("updating job progress: %w", result.Error)
	}
	return nil
}

// Finish writes the terminal fields of a finished job. The status guard
// keeps terminal states final: once a row is completed, failed, or
// cancelled, later Finish calls match nothing.
func (r *jobRepo) Finish(ctx context.Context, job *models.Job) error {
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status NOT IN (?, ?, ?)",
			job.ID, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled).
		UpdateColumns(map[string]interface{}{
			"status":       job.Status,
			"progress":     job.Progress,
			"stage":        job.Stage,
			"message":      job.Message,
			"error":        job.Error,
			"result_json":  job.Result,
			"completed_at": job.CompletedAt,
			"duration_ms":  job.DurationMs,
			"locked_by":    "",
			"updated_at":   time.Now(),
		})

	if result.Error != nil {
		return fmt.Errorf("finishing job: %w", result.Error)
	}
	return nil
}

// ResetOrphanedRunning returns every running job to pending. Rows left in
// the running state by a crashed process become claimable again.
func (r *jobRepo) ResetOrphanedRunning(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ?", models.JobStatusRunning).
		UpdateColumns(map[string]interface{}{
			"status":     models.JobStatusPending,
			"progress":   0,
			"stage":      "",
			"message":    "",
			"started_at": nil,
			"locked_by":  "",
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return 0, fmt.Errorf("resetting orphaned running jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PurgeOlderThan hard-deletes jobs in the given statuses whose terminal
// transition is older than the cutoff.
func (r *jobRepo) PurgeOlderThan(ctx context.Context, statuses []models.JobStatus, cutoff time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).Unscoped().
		Where("status IN ? AND completed_at < ?", statuses, cutoff).
		Delete(&models.Job{})

	if result.Error != nil {
		return 0, fmt.Errorf("purging old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteBySubjectID hard-deletes every job for a subject.
func (r *jobRepo) DeleteBySubjectID(ctx context.Context, subjectID models.ULID) (int64, error) {
	result := r.db.WithContext(ctx).Unscoped().
		Where("subject_id = ?", subjectID).
		Delete(&models.Job{})

	if result.Error != nil {
		return 0, fmt.Errorf("deleting subject jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure jobRepo implements JobRepository at compile time.
var _ JobRepository = (*jobRepo)(nil)
