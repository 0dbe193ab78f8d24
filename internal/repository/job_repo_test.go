package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupJobTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Job{})
	require.NoError(t, err)

	return db
}

func TestJobRepo_Create(t *testing.T) {
	db := setupJobTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	job := models.NewJob(models.JobKindIngest, models.NewULID(),
		models.JSONMap{"auto_analyze": true})

	err := repo.Create(ctx, job)
	require.NoError(t, err)
	assert.False(t, job.ID.IsZero())

	// Verify job was created
	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, models.JobKindIngest, found.Kind)
	assert.Equal(t, models.JobStatusPending, found.Status)
	assert.True(t, found.AutoAnalyze())
}

func TestJobRepo_GetByID(t *testing.T) {
	db := setupJobTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	job := models.NewJob(models.JobKindAnalyze, models.NewULID(), nil)
	require.NoError(t, repo.Create(ctx, job))

	t.Run("existing job", func(t *testing.T) {
		found, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, job.ID, found.ID)
	})

	t.Run("non-existent job", func(t *testing.T) {
		found, err := repo.GetByID(ctx, models.NewULID())
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestJobRepo_List(t *testing.T) {
	db := setupJobTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	subjectID := models.NewULID()
	jobs := []*models.Job{
		models.NewJob(models.JobKindScrape, subjectID, nil),
		models.NewJob(models.JobKindIngest, subjectID, nil),
		models.NewJob(models.JobKindIngest, models.NewULID(), nil),
	}
	for _, j := range jobs {
		require.NoError(t, repo.Create(ctx, j))
	}
	jobs[2].MarkRunning("worker-1")
	require.NoError(t, repo.Update(ctx, jobs[2]))

	t.Run("no filter returns everything", func(t *testing.T) {
		found, err := repo.List(ctx, JobFilter{})
		require.NoError(t, err)
		assert.Len(t, found, 3)
	})

	t.Run("filter by status", func(t *testing.T) {
		found, err := repo.List(ctx, JobFilter{Status: models.JobStatusRunning})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, jobs[2].ID, found[0].ID)
	})

	t.Run("filter by kind", func(t *testing.T) {
		found, err := repo.List(ctx, JobFilter{Kind: models.JobKindIngest})
		require.NoError(t, err)
		assert.Len(t, found, 2)
	})

	t.Run("filter by subject", func(t *testing.T) {
		found, err := repo.List(ctx, JobFilter{SubjectID: subjectID})
		require.NoError(t, err)
		assert.Len(t, found, 2)
	})

	t.Run("limit", func(t *testing.T) {
		found, err := repo.List(ctx, JobFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})
}

func TestJobRepo_FindActive(t *testing.T) {
	db := setupJobTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	subjectID := models.NewULID()

	t.Run("no active job", func(t *testing.T) {
		found, err := repo.FindActive(ctx, models.JobKindIngest, subjectID)
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	pending := models.NewJob(models.JobKindIngest, subjectID, nil)
	require.NoError(t, repo.Create(ctx, pending))

	t.Run("finds pending job", func(t *testing.T) {
		found, err := repo.FindActive(ctx, models.JobKindIngest, subjectID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, pending.ID, found.ID)
	})

	t.Run("different kind does not match", func(t *testing.T) {
		found, err := repo.FindActive(ctx, models.JobKindAnalyze, subjectID)
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("terminal job does not match", func(t *testing.T) {
		pending.MarkRunning("worker-1")
		pending.MarkCompleted(nil)
		require.NoError(t, repo.Finish(ctx, pending))

		found, err := repo.FindActive(ctx, models.JobKindIngest, subjectID)
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestJobRepo_ClaimNext(t *testing.T) {
	db := setupJobTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	t.Run("empty queue returns nil", func(t *testing.T) {
		job, err := repo.ClaimNext(ctx, "worker-1", 24*time.Hour)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("claims oldest pending first", func(t *testing.T) {
		first := models.NewJob(models.JobKindScrape, models.NewULID(), nil)
		require.NoError(t, repo.Create(ctx, first))
		time.Sleep(5 * time.Millisecond)
		second := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
		require.NoError(t, repo.Create(ctx, second))

		claimed, err := repo.ClaimNext(ctx, "worker-1", 24*time.Hour)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, first.ID, claimed.ID)
		assert.Equal(t, models.JobStatusRunning, claimed.Status)
		assert.Equal(t, "worker-1", claimed.LockedBy)
		require.NotNil(t, claimed.StartedAt)

		// Second claim picks up the remaining job
		claimed2, err := repo.ClaimNext(ctx, "worker-1", 24*time.Hour)
		require.NoError(t, err)
		require.NotNil(t, claimed2)
		assert.Equal(t, second.ID, claimed2.ID)

		// Nothing left
		claimed3, err := repo.ClaimNext(ctx, "worker-1", 24*time.Hour)
		require.NoError(t, err)
		assert.Nil(t, claimed3)
	})

	t.Run("skips stale jobs outside freshness window", func(t *testing.T) {
		stale := models.NewJob(models.JobKindAnalyze, models.NewULID(), nil)
		require.NoError(t, repo.Create(ctx, stale))

		// Age the row beyond the window
		old := time.Now().Add(-48 * time.Hour)
		require.NoError(t, db.Model(&models.Job{}).
			Where("id = ?", stale.ID).
			UpdateColumn("created_at", old).Error)

		claimed, err := repo.ClaimNext(ctx, "worker-1", 24*time.Hour)
		require.NoError(t, err)
		assert.Nil(t, claimed)

		// A wider window picks it up
		claimed, err = repo.ClaimNext(ctx, "worker-1", 96*time.Hour)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, stale.ID, claimed.ID)
	})
}

func TestJobRepo_ClaimNext_Concurrent(t *testing.T) {
	// Racing claimers against a batch of pending jobs: every job is won
	// by exactly one claimer and none is handed out twice.
	db := setupJobTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	// A single pooled connection keeps every goroutine on the same
	// in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	const jobCount = 20
	created := make(map[models.ULID]bool, jobCount)
	for i := 0; i < jobCount; i++ {
		job := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
		require.NoError(t, repo.Create(ctx, job))
		created[job.ID] = true
	}

	const claimers = 5
	claims := make(chan models.ULID, jobCount)
	var wg sync.WaitGroup
	for w := 0; w < claimers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job, err := repo.ClaimNext(ctx, fmt.Sprintf("worker-%d", worker), 24*time.Hour)
				if !assert.NoError(t, err) || job == nil {
					return
				}
				claims <- job.ID
			}
		}(w)
	}
	wg.Wait()
	close(claims)

	claimed := make(map[models.ULID]bool, jobCount)
	for id := range claims {
		assert.False(t, claimed[id], "job %s claimed twice", id)
		claimed[id] = true
	}
	assert.Equal(t, created, claimed)
}

func TestJobRepo_UpdateProgress(t *testing.T) {
	db := setupJobTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	job := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
	require.NoError(t, repo.Create(ctx, job))

	t.Run("ignored while pending", func(t *testing.T) {
		require.NoError(t, repo.UpdateProgress(ctx, job.ID, 50, "probe", "probing"))

		found, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, float64(0), found.Progress)
	})

	claimed, err := repo.ClaimNext(ctx, "worker-1", 24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	t.Run("applies while running", func(t *testing.T) {
		require.NoError(t, repo.UpdateProgress(ctx, job.ID, 40, "proxy", "rendering proxy"))

		found, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, float64(40), found.Progress)
		assert.Equal(t, "proxy", found.Stage)
		assert.Equal(t, "rendering proxy", found.Message)
	})

	t.Run("never decreases", func(t *testing.T) {
		require.NoError(t, repo.UpdateProgress(ctx, job.ID, 10, "probe", "late report"))

		found, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, float64(40), found.Progress)
		assert.Equal(t, "proxy", found.Stage)
	})

	t.Run("ignored after finish", func(t *testing.T) {
		claimed.MarkCompleted(models.JSONMap{"ok": true})
		require.NoError(t, repo.Finish(ctx, claimed))

		require.NoError(t, repo.UpdateProgress(ctx, job.ID, 99, "late", "too late"))

		found, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, found.Status)
		assert.Equal(t, float64(100), found.Progress)
	})
}

func TestJobRepo_Finish(t *testing.T) {
	db := setupJobTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	t.Run("records completion", func(t *testing.T) {
		job := models.NewJob(models.JobKindAnalyze, models.NewULID(), nil)
		require.NoError(t, repo.Create(ctx, job))
		claimed, err := repo.ClaimNext(ctx, "worker-1", 24*time.Hour)
		require.NoError(t, err)

		claimed.MarkCompleted(models.JSONMap{"segments_count": float64(7)})
		require.NoError(t, repo.Finish(ctx, claimed))

		found, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, found.Status)
		assert.Equal(t, float64(100), found.Progress)
		assert.Equal(t, float64(7), found.Result["segments_count"])
		assert.Empty(t, found.LockedBy)
		require.NotNil(t, found.CompletedAt)
	})

	t.Run("terminal status is final", func(t *testing.T) {
		job := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
		require.NoError(t, repo.Create(ctx, job))
		claimed, err := repo.ClaimNext(ctx, "worker-1", 24*time.Hour)
		require.NoError(t, err)

		claimed.MarkCancelled()
		require.NoError(t, repo.Finish(ctx, claimed))

		// A late failure report loses against the earlier cancel
		late := *claimed
		late.MarkFailed(assert.AnError)
		require.NoError(t, repo.Finish(ctx, &late))

		found, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, found.Status)
		assert.Empty(t, found.Error)
	})
}

func TestJobRepo_ResetOrphanedRunning(t *testing.T) {
	db := setupJobTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	running := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
	require.NoError(t, repo.Create(ctx, running))
	_, err := repo.ClaimNext(ctx, "worker-1", 24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateProgress(ctx, running.ID, 60, "audio", "extracting"))

	done := models.NewJob(models.JobKindAnalyze, models.NewULID(), nil)
	require.NoError(t, repo.Create(ctx, done))
	claimed, err := repo.ClaimNext(ctx, "worker-1", 24*time.Hour)
	require.NoError(t, err)
	claimed.MarkCompleted(nil)
	require.NoError(t, repo.Finish(ctx, claimed))

	count, err := repo.ResetOrphanedRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	found, err := repo.GetByID(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, found.Status)
	assert.Equal(t, float64(0), found.Progress)
	assert.Empty(t, found.Stage)
	assert.Empty(t, found.LockedBy)
	assert.Nil(t, found.StartedAt)

	// Terminal job untouched
	foundDone, err := repo.GetByID(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, foundDone.Status)

	// Reset job is claimable again
	reclaimed, err := repo.ClaimNext(ctx, "worker-2", 24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, running.ID, reclaimed.ID)
	assert.Equal(t, "worker-2", reclaimed.LockedBy)
}

func TestJobRepo_FindRecentFailures(t *testing.T) {
	db := setupJobTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	fail := func(kind models.JobKind, completedAt time.Time) *models.Job {
		t.Helper()
		job := models.NewJob(kind, models.NewULID(), nil)
		require.NoError(t, repo.Create(ctx, job))
		job.MarkRunning("worker-1")
		job.MarkFailed(assert.AnError)
		job.CompletedAt = &completedAt
		require.NoError(t, repo.Finish(ctx, job))
		return job
	}

	now := time.Now()
	recent := fail(models.JobKindIngest, now.Add(-2*time.Minute))
	fail(models.JobKindScrape, now.Add(-30*time.Minute)) // outside window

	found, err := repo.FindRecentFailures(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, recent.ID, found[0].ID)
}

func TestJobRepo_CountByStatus(t *testing.T) {
	db := setupJobTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, repo.Create(ctx, models.NewJob(models.JobKindIngest, models.NewULID(), nil)))
	}
	_, err := repo.ClaimNext(ctx, "worker-1", 24*time.Hour)
	require.NoError(t, err)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.JobStatusPending])
	assert.Equal(t, int64(1), counts[models.JobStatusRunning])
}

func TestJobRepo_PurgeOlderThan(t *testing.T) {
	db := setupJobTestDB(t)
	repo := NewJobRepository(db)
	ctx := context.Background()

	finish := func(completedAt time.Time) *models.Job {
		t.Helper()
		job := models.NewJob(models.JobKindExport, models.NewULID(), nil)
		require.NoError(t, repo.Create(ctx, job))
		job.MarkRunning("worker-1")
		job.MarkCompleted(nil)
		job.CompletedAt = &completedAt
		require.NoError(t, repo.Finish(ctx, job))
		return job
	}

	now := time.Now()
	old := finish(now.Add(-10 * 24 * time.Hour))
	fresh := finish(now.Add(-time.Hour))

	// Pending jobs are never purged
	pending := models.NewJob(models.JobKindIngest, models.NewULID(), nil)
	require.NoError(t, repo.Create(ctx, pending))

	count, err := repo.PurgeOlderThan(ctx, models.TerminalStatuses, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	gone, err := repo.GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := repo.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)

	stillPending, err := repo.GetByID(ctx, pending.ID)
	require.NoError(t, err)
	assert.NotNil(t, stillPending)
}
