package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/stepcache"
	"github.com/clipforge/clipforge/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// analyzableProject builds an ingested project with source, audio and probe
// metadata in place.
func analyzableProject(t *testing.T, f *fixture) *models.Project {
	t.Helper()
	project := f.createProject(t, models.ProjectStatusIngested)
	f.withSource(t, project)
	f.withAudio(t, project)
	project.DurationSec = 120
	project.Width = 1920
	project.Height = 1080
	require.NoError(t, f.projects.Update(context.Background(), project))
	return project
}

// streamTranscript covers two minutes with hook-heavy phrases every five
// seconds, enough material for the sliding windows to cut candidates from.
func streamTranscript() *media.Transcript {
	lines := []string{
		"Attends regarde ce qui se passe ici !",
		"Non mais c'est pas possible ce truc de fou.",
		"Le chat saute sur le clavier en pleine partie.",
		"Tout le monde crie dans le vocal direct.",
		"C'est incroyable ce fail mdr on y croit pas.",
		"Tu sais quoi on refait la même chose ?",
	}
	segments := make([]media.TranscriptSegment, 0, 24)
	for i := 0; i < 24; i++ {
		start := float64(i) * 5
		segments = append(segments, media.TranscriptSegment{
			ID:    i,
			Start: start,
			End:   start + 4.5,
			Text:  lines[i%len(lines)],
		})
	}
	return &media.Transcript{Language: "fr", Segments: segments}
}

func setupAnalysisFakes(f *fixture) {
	f.transcriber.transcript = streamTranscript()
	f.runner.scenes = []media.SceneCut{{Time: 30.2, Score: 0.8}, {Time: 61, Score: 0.9}}
	f.runner.silences = []media.Silence{{Start: 50, End: 52}}
	f.runner.energy = []media.EnergyPoint{
		{Time: 0, Value: 0.2}, {Time: 10, Value: 0.9},
		{Time: 20, Value: 0.1}, {Time: 30, Value: 0.8},
		{Time: 60, Value: 0.7}, {Time: 90, Value: 0.3},
	}
}

func TestAnalyzeHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("missing audio is a precondition failure", func(t *testing.T) {
		f := newFixture(t)
		project := f.createProject(t, models.ProjectStatusIngested)
		job := f.startJob(t, models.JobKindAnalyze, project, nil)

		_, err := NewAnalyzeHandler(f.deps).Execute(ctx, job, &AnalyzePayload{}, (&reportRecorder{}).fn())
		assert.ErrorIs(t, err, models.ErrPrecondition)
	})

	t.Run("transcribes, scores and stores segments", func(t *testing.T) {
		f := newFixture(t)
		setupAnalysisFakes(f)
		project := analyzableProject(t, f)
		job := f.startJob(t, models.JobKindAnalyze, project, nil)
		rec := &reportRecorder{}

		result, err := NewAnalyzeHandler(f.deps).Execute(ctx, job, &AnalyzePayload{}, rec.fn())
		require.NoError(t, err)

		stored, err := f.segments.GetByProjectID(ctx, project.ID)
		require.NoError(t, err)
		require.NotEmpty(t, stored)
		for i, segment := range stored {
			assert.Equal(t, project.ID, segment.ProjectID)
			assert.Greater(t, segment.EndSec, segment.StartSec)
			assert.Greater(t, segment.Score, 0.0)
			assert.LessOrEqual(t, segment.Score, 1.0)
			if i > 0 {
				assert.GreaterOrEqual(t, stored[i-1].Score, segment.Score, "segments must rank best first")
			}
			for _, key := range []string{
				"total", "hook_strength", "payoff", "humour_reaction",
				"tension_surprise", "clarity_autonomy", "rhythm",
				"reasons", "tags", "hook_text", "window_size",
			} {
				assert.Contains(t, segment.Details, key)
			}
			assert.Equal(t, "montage", segment.Details["layout_type"])
			assert.NotEmpty(t, segment.Title)
		}

		assert.Equal(t, len(stored), result["segments_count"])
		assert.Equal(t, 3, result["timeline_layers"])
		assert.Equal(t, true, result["transcript_available"])

		for _, step := range stepcache.AllSteps {
			assert.True(t, f.cache.Has(project.ID, step), "missing cache entry for %s", step)
		}

		assert.Equal(t, models.ProjectStatusAnalyzed, f.reloadProject(t, project.ID).Status)
		assert.Equal(t, 1, f.transcriber.calls)

		transcription := rec.stageEntries("transcription")
		require.NotEmpty(t, transcription)
		assert.Equal(t, 5.0, transcription[0].progress)
		assert.Equal(t, 35.0, transcription[len(transcription)-1].progress)
		assert.True(t, rec.sawStage("scoring"))
		complete := rec.stageEntries("complete")
		require.Len(t, complete, 1)
		assert.Equal(t, 100.0, complete[0].progress)
		assert.Equal(t, fmt.Sprintf("Analysis complete - %d segments found", len(stored)), complete[0].message)
	})

	t.Run("cached steps are not recomputed", func(t *testing.T) {
		f := newFixture(t)
		project := analyzableProject(t, f)

		require.NoError(t, f.cache.Store(project.ID, stepcache.StepTranscript, streamTranscript()))
		require.NoError(t, f.cache.Store(project.ID, stepcache.StepAudioAnalysis,
			buildAudioDoc(120, []media.EnergyPoint{{Time: 0, Value: 0.2}, {Time: 10, Value: 0.9}}, nil)))
		require.NoError(t, f.cache.Store(project.ID, stepcache.StepScenes,
			buildScenesDoc([]media.SceneCut{{Time: 30.2, Score: 0.8}}, 120)))
		require.NoError(t, f.cache.Store(project.ID, stepcache.StepLayout, buildLayoutDoc(project)))

		// Every recompute path is poisoned: only the cache can satisfy
		// this run.
		f.transcriber.err = errors.New("whisper binary missing")
		f.runner.energyErr = errors.New("ffmpeg missing")
		f.runner.scenesErr = errors.New("ffmpeg missing")

		job := f.startJob(t, models.JobKindAnalyze, project, nil)
		rec := &reportRecorder{}

		_, err := NewAnalyzeHandler(f.deps).Execute(ctx, job, &AnalyzePayload{}, rec.fn())
		require.NoError(t, err)

		assert.Zero(t, f.transcriber.calls)
		transcription := rec.stageEntries("transcription")
		require.Len(t, transcription, 1)
		assert.Equal(t, 35.0, transcription[0].progress)
		assert.Equal(t, "Transcript already available", transcription[0].message)
		assert.Equal(t, models.ProjectStatusAnalyzed, f.reloadProject(t, project.ID).Status)
	})

	t.Run("force recomputes cached steps", func(t *testing.T) {
		f := newFixture(t)
		setupAnalysisFakes(f)
		project := analyzableProject(t, f)
		require.NoError(t, f.cache.Store(project.ID, stepcache.StepTranscript, streamTranscript()))

		job := f.startJob(t, models.JobKindAnalyze, project, nil)
		_, err := NewAnalyzeHandler(f.deps).Execute(ctx, job, &AnalyzePayload{Force: true}, (&reportRecorder{}).fn())
		require.NoError(t, err)
		assert.Equal(t, 1, f.transcriber.calls)
	})

	t.Run("transcription failure is recorded and rolled back", func(t *testing.T) {
		f := newFixture(t)
		f.transcriber.err = errors.New("whisper exploded")
		project := analyzableProject(t, f)
		job := f.startJob(t, models.JobKindAnalyze, project, nil)

		_, err := NewAnalyzeHandler(f.deps).Execute(ctx, job, &AnalyzePayload{}, (&reportRecorder{}).fn())
		require.Error(t, err)
		assert.ErrorContains(t, err, "transcribing audio")

		// The failure entry exists on disk but never satisfies a load.
		exists, statErr := f.sandbox.Exists(storage.AnalysisEntry(project.ID, string(stepcache.StepTranscript)))
		require.NoError(t, statErr)
		assert.True(t, exists)
		assert.False(t, f.cache.Has(project.ID, stepcache.StepTranscript))

		assert.Equal(t, models.ProjectStatusIngested, f.reloadProject(t, project.ID).Status)
	})

	t.Run("analysis replaces earlier segments", func(t *testing.T) {
		f := newFixture(t)
		setupAnalysisFakes(f)
		project := analyzableProject(t, f)
		stale := f.createSegment(t, project, 2, 40, 0.9, "old clip", nil)

		job := f.startJob(t, models.JobKindAnalyze, project, nil)
		_, err := NewAnalyzeHandler(f.deps).Execute(ctx, job, &AnalyzePayload{}, (&reportRecorder{}).fn())
		require.NoError(t, err)

		replaced, err := f.segments.GetByID(ctx, stale.ID)
		require.NoError(t, err)
		assert.Nil(t, replaced)
	})
}
