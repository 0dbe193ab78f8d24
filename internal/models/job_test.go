package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_StatusPredicates(t *testing.T) {
	tests := []struct {
		status   JobStatus
		pending  bool
		running  bool
		active   bool
		finished bool
	}{
		{JobStatusPending, true, false, true, false},
		{JobStatusRunning, false, true, true, false},
		{JobStatusCompleted, false, false, false, true},
		{JobStatusFailed, false, false, false, true},
		{JobStatusCancelled, false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			j := &Job{Status: tt.status}
			assert.Equal(t, tt.pending, j.IsPending())
			assert.Equal(t, tt.running, j.IsRunning())
			assert.Equal(t, tt.active, j.IsActive())
			assert.Equal(t, tt.finished, j.IsFinished())
		})
	}
}

func TestJob_MarkRunning(t *testing.T) {
	j := NewJob(JobKindIngest, NewULID(), JSONMap{"auto_analyze": true})
	j.Error = "stale"

	j.MarkRunning("worker-1")

	assert.Equal(t, JobStatusRunning, j.Status)
	assert.Equal(t, "worker-1", j.LockedBy)
	require.NotNil(t, j.StartedAt)
	assert.Empty(t, j.Error)
}

func TestJob_MarkCompleted(t *testing.T) {
	j := NewJob(JobKindAnalyze, NewULID(), nil)
	j.MarkRunning("worker-1")
	j.Progress = 80

	j.MarkCompleted(JSONMap{"segments_count": 5})

	assert.Equal(t, JobStatusCompleted, j.Status)
	assert.Equal(t, float64(100), j.Progress)
	require.NotNil(t, j.CompletedAt)
	assert.Equal(t, 5, j.Result["segments_count"])
	assert.Empty(t, j.LockedBy)
	assert.GreaterOrEqual(t, j.DurationMs, int64(0))
}

func TestJob_MarkFailed(t *testing.T) {
	j := NewJob(JobKindIngest, NewULID(), nil)
	j.MarkRunning("worker-1")

	j.MarkFailed(errors.New("transcode exited with code 1"))

	assert.Equal(t, JobStatusFailed, j.Status)
	assert.Equal(t, "transcode exited with code 1", j.Error)
	require.NotNil(t, j.CompletedAt)
	assert.Empty(t, j.LockedBy)
}

func TestJob_MarkCancelled(t *testing.T) {
	j := NewJob(JobKindExport, NewULID(), nil)
	j.MarkRunning("worker-1")

	j.MarkCancelled()

	assert.Equal(t, JobStatusCancelled, j.Status)
	require.NotNil(t, j.CompletedAt)
	assert.Empty(t, j.LockedBy)
}

func TestJob_ResetToPending(t *testing.T) {
	j := NewJob(JobKindAnalyze, NewULID(), JSONMap{"auto_analyze": true})
	j.MarkRunning("worker-1")
	j.Progress = 40
	j.Stage = "transcript"
	j.Message = "transcribing"

	j.ResetToPending()

	assert.Equal(t, JobStatusPending, j.Status)
	assert.Zero(t, j.Progress)
	assert.Empty(t, j.Stage)
	assert.Empty(t, j.Message)
	assert.Nil(t, j.StartedAt)
	assert.Empty(t, j.LockedBy)
	// Payload survives the reset so the re-run behaves identically.
	assert.True(t, j.AutoAnalyze())
}

func TestJob_PolicyFlags(t *testing.T) {
	j := NewJob(JobKindScrape, NewULID(), JSONMap{"auto_ingest": true, "auto_analyze": false})
	assert.True(t, j.AutoIngest())
	assert.False(t, j.AutoAnalyze())

	empty := NewJob(JobKindScrape, NewULID(), nil)
	assert.False(t, empty.AutoIngest())
}

func TestJob_Validate(t *testing.T) {
	t.Run("missing kind", func(t *testing.T) {
		j := &Job{}
		assert.ErrorIs(t, j.Validate(), ErrJobKindRequired)
	})

	t.Run("progress out of range", func(t *testing.T) {
		j := &Job{Kind: JobKindIngest, Progress: 101}
		assert.ErrorIs(t, j.Validate(), ErrProgressOutOfRange)
	})

	t.Run("valid", func(t *testing.T) {
		j := NewJob(JobKindIngest, NewULID(), nil)
		assert.NoError(t, j.Validate())
	})
}
