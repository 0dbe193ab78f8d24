package repository

import (
	"context"
	"fmt"

	"github.com/clipforge/clipforge/internal/models"
	"gorm.io/gorm"
)

// segmentRepo implements SegmentRepository using GORM.
type segmentRepo struct {
	db *gorm.DB
}

// NewSegmentRepository creates a new SegmentRepository.
func NewSegmentRepository(db *gorm.DB) *segmentRepo {
	return &segmentRepo{db: db}
}

// Create persists a new segment.
func (r *segmentRepo) Create(ctx context.Context, segment *models.Segment) error {
	if err := r.db.WithContext(ctx).Create(segment).Error; err != nil {
		return fmt.Errorf("creating segment: %w", err)
	}
	return nil
}

// CreateBatch persists multiple segments in a single batch.
func (r *segmentRepo) CreateBatch(ctx context.Context, segments []*models.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(segments, 100).Error; err != nil {
		return fmt.Errorf("creating segments: %w", err)
	}
	return nil
}

// GetByID retrieves a segment by ID.
func (r *segmentRepo) GetByID(ctx context.Context, id models.ULID) (*models.Segment, error) {
	var segment models.Segment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&segment).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting segment by ID: %w", err)
	}
	return &segment, nil
}

// GetByProjectID retrieves all segments for a project, best score first.
func (r *segmentRepo) GetByProjectID(ctx context.Context, projectID models.ULID) ([]*models.Segment, error) {
	var segments []*models.Segment
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("score DESC, start_sec ASC").
		Find(&segments).Error; err != nil {
		return nil, fmt.Errorf("getting segments by project ID: %w", err)
	}
	return segments, nil
}

// CountByProjectID returns the number of segments for a project.
func (r *segmentRepo) CountByProjectID(ctx context.Context, projectID models.ULID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Segment{}).
		Where("project_id = ?", projectID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting segments: %w", err)
	}
	return count, nil
}

// Update persists all fields of an existing segment.
func (r *segmentRepo) Update(ctx context.Context, segment *models.Segment) error {
	if err := r.db.WithContext(ctx).Save(segment).Error; err != nil {
		return fmt.Errorf("updating segment: %w", err)
	}
	return nil
}

// Delete hard-deletes a segment by ID.
func (r *segmentRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).Delete(&models.Segment{}).Error; err != nil {
		return fmt.Errorf("deleting segment: %w", err)
	}
	return nil
}

// DeleteByProjectID removes all segments for a project.
func (r *segmentRepo) DeleteByProjectID(ctx context.Context, projectID models.ULID) (int64, error) {
	result := r.db.WithContext(ctx).Unscoped().
		Where("project_id = ?", projectID).
		Delete(&models.Segment{})

	if result.Error != nil {
		return 0, fmt.Errorf("deleting segments by project ID: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure segmentRepo implements SegmentRepository at compile time.
var _ SegmentRepository = (*segmentRepo)(nil)
