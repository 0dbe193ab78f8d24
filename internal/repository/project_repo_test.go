package repository

import (
	"context"
	"testing"
	"time"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupProjectTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Project{})
	require.NoError(t, err)

	return db
}

func TestProjectRepo_Create(t *testing.T) {
	db := setupProjectTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()

	project := &models.Project{
		Name:      "interview-raw",
		SourceURL: "https://example.com/watch?v=abc123",
	}

	err := repo.Create(ctx, project)
	require.NoError(t, err)
	assert.False(t, project.ID.IsZero())
	assert.Equal(t, models.ProjectStatusCreated, project.Status)

	t.Run("name is required", func(t *testing.T) {
		err := repo.Create(ctx, &models.Project{})
		assert.ErrorIs(t, err, models.ErrNameRequired)
	})
}

func TestProjectRepo_GetByID(t *testing.T) {
	db := setupProjectTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()

	project := &models.Project{Name: "podcast-ep-42"}
	require.NoError(t, repo.Create(ctx, project))

	t.Run("existing project", func(t *testing.T) {
		found, err := repo.GetByID(ctx, project.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "podcast-ep-42", found.Name)
	})

	t.Run("non-existent project", func(t *testing.T) {
		found, err := repo.GetByID(ctx, models.NewULID())
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestProjectRepo_GetByStatus(t *testing.T) {
	db := setupProjectTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()

	statuses := []models.ProjectStatus{
		models.ProjectStatusCreated,
		models.ProjectStatusIngested,
		models.ProjectStatusIngested,
		models.ProjectStatusReady,
	}
	for _, status := range statuses {
		project := &models.Project{Name: "p", Status: status}
		require.NoError(t, repo.Create(ctx, project))
	}

	found, err := repo.GetByStatus(ctx, models.ProjectStatusIngested)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	none, err := repo.GetByStatus(ctx, models.ProjectStatusError)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestProjectRepo_GetTransient(t *testing.T) {
	db := setupProjectTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()

	age := func(p *models.Project, d time.Duration) {
		t.Helper()
		require.NoError(t, db.Model(&models.Project{}).
			Where("id = ?", p.ID).
			UpdateColumn("updated_at", time.Now().Add(-d)).Error)
	}

	stuckIngesting := &models.Project{Name: "stuck-ingest", Status: models.ProjectStatusIngesting}
	require.NoError(t, repo.Create(ctx, stuckIngesting))
	age(stuckIngesting, 20*time.Minute)

	stuckAnalyzing := &models.Project{Name: "stuck-analyze", Status: models.ProjectStatusAnalyzing}
	require.NoError(t, repo.Create(ctx, stuckAnalyzing))
	age(stuckAnalyzing, 15*time.Minute)

	// Transient but recently touched: not reported.
	activeExport := &models.Project{Name: "live-export", Status: models.ProjectStatusExporting}
	require.NoError(t, repo.Create(ctx, activeExport))

	// Stable status: never reported no matter how old.
	settled := &models.Project{Name: "settled", Status: models.ProjectStatusReady}
	require.NoError(t, repo.Create(ctx, settled))
	age(settled, 48*time.Hour)

	found, err := repo.GetTransient(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, found, 2)
	// Oldest first, so the 20-minute project leads.
	assert.Equal(t, stuckIngesting.ID, found[0].ID)
	assert.Equal(t, stuckAnalyzing.ID, found[1].ID)
}

func TestProjectRepo_UpdateStatus(t *testing.T) {
	db := setupProjectTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()

	project := &models.Project{Name: "clip-source"}
	require.NoError(t, repo.Create(ctx, project))

	err := repo.UpdateStatus(ctx, project.ID, models.ProjectStatusDownloading)
	require.NoError(t, err)

	found, err := repo.GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusDownloading, found.Status)
	assert.True(t, found.UpdatedAt.After(found.CreatedAt) || found.UpdatedAt.Equal(found.CreatedAt))
}

func TestProjectRepo_Update(t *testing.T) {
	db := setupProjectTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()

	project := &models.Project{Name: "probe-target"}
	require.NoError(t, repo.Create(ctx, project))

	project.Status = models.ProjectStatusIngested
	project.ProxyPath = "/data/projects/x/proxy.mp4"
	project.DurationSec = 93.5
	project.Width = 1920
	project.Height = 1080
	require.NoError(t, repo.Update(ctx, project))

	found, err := repo.GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusIngested, found.Status)
	assert.Equal(t, "/data/projects/x/proxy.mp4", found.ProxyPath)
	assert.Equal(t, 93.5, found.DurationSec)
	assert.Equal(t, 1920, found.Width)
}

func TestProjectRepo_Delete(t *testing.T) {
	db := setupProjectTestDB(t)
	repo := NewProjectRepository(db)
	ctx := context.Background()

	project := &models.Project{Name: "doomed"}
	require.NoError(t, repo.Create(ctx, project))

	require.NoError(t, repo.Delete(ctx, project.ID))

	found, err := repo.GetByID(ctx, project.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	// Hard delete: not merely soft-deleted.
	var count int64
	require.NoError(t, db.Unscoped().Model(&models.Project{}).
		Where("id = ?", project.ID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}
