package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/clipforge/clipforge/internal/models"
	"gorm.io/gorm"
)

// projectRepo implements ProjectRepository using GORM.
type projectRepo struct {
	db *gorm.DB
}

// NewProjectRepository creates a new ProjectRepository.
func NewProjectRepository(db *gorm.DB) *projectRepo {
	return &projectRepo{db: db}
}

// Create persists a new project.
func (r *projectRepo) Create(ctx context.Context, project *models.Project) error {
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("creating project: %w", err)
	}
	return nil
}

// GetByID retrieves a project by ID.
func (r *projectRepo) GetByID(ctx context.Context, id models.ULID) (*models.Project, error) {
	var project models.Project
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&project).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting project by ID: %w", err)
	}
	return &project, nil
}

// GetAll retrieves all projects, newest first.
func (r *projectRepo) GetAll(ctx context.Context) ([]*models.Project, error) {
	var projects []*models.Project
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("getting all projects: %w", err)
	}
	return projects, nil
}

// GetByStatus retrieves projects in the given status.
func (r *projectRepo) GetByStatus(ctx context.Context, status models.ProjectStatus) ([]*models.Project, error) {
	var projects []*models.Project
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("getting projects by status: %w", err)
	}
	return projects, nil
}

// GetTransient retrieves projects sitting in an in-flight status whose last
// update is older than the cutoff. The orphan scan uses this to spot
// projects abandoned mid-stage.
func (r *projectRepo) GetTransient(ctx context.Context, updatedBefore time.Time) ([]*models.Project, error) {
	var projects []*models.Project
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", models.TransientStatuses, updatedBefore).
		Order("updated_at ASC").
		Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("getting transient projects: %w", err)
	}
	return projects, nil
}

// Update persists all fields of an existing project.
func (r *projectRepo) Update(ctx context.Context, project *models.Project) error {
	if err := r.db.WithContext(ctx).Save(project).Error; err != nil {
		return fmt.Errorf("updating project: %w", err)
	}
	return nil
}

// UpdateStatus updates only the lifecycle status.
func (r *projectRepo) UpdateStatus(ctx context.Context, id models.ULID, status models.ProjectStatus) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now(),
	}

	if err := r.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ?", id).
		UpdateColumns(updates).Error; err != nil {
		return fmt.Errorf("updating project status: %w", err)
	}
	return nil
}

// Delete hard-deletes a project by ID. Uses Unscoped so re-creating a
// project from the same source does not trip on a soft-deleted row.
func (r *projectRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).Delete(&models.Project{}).Error; err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	return nil
}

// Ensure projectRepo implements ProjectRepository at compile time.
var _ ProjectRepository = (*projectRepo)(nil)
