// Package pipeline implements the stage handlers that move a project
// through scrape, ingest, analyze, render and export, plus the static
// hand-off edges between them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/stepcache"
	"github.com/clipforge/clipforge/internal/storage"
)

// MediaRunner is the ffmpeg surface the handlers consume.
type MediaRunner interface {
	CreateProxy(ctx context.Context, input, output string, opts media.ProxyOptions, durationSec float64, onProgress media.ProgressFunc) error
	ExtractAudio(ctx context.Context, input, output string, opts media.AudioOptions, durationSec float64, onProgress media.ProgressFunc) error
	RenderClip(ctx context.Context, input, output string, opts media.ClipOptions, onProgress media.ProgressFunc) error
	ExtractFrame(ctx context.Context, input, output string, atSec float64, width, height int) error
	DetectScenes(ctx context.Context, input string, threshold float64) ([]media.SceneCut, error)
	DetectSilences(ctx context.Context, input string, noiseDB float64, minDuration time.Duration) ([]media.Silence, error)
	MeasureEnergy(ctx context.Context, input string, sampleRate int, windowSec float64) ([]media.EnergyPoint, error)
}

// MediaProber is the ffprobe surface the handlers consume.
type MediaProber interface {
	ProbeMedia(ctx context.Context, path string) (*media.MediaInfo, error)
}

// SpeechTranscriber is the whisper surface the analyze handler consumes.
type SpeechTranscriber interface {
	Transcribe(ctx context.Context, audioPath, outputDir string, durationSec float64, language string, onProgress media.ProgressFunc) (*media.Transcript, error)
}

// SourceDownloader is the yt-dlp surface the scrape handler consumes.
type SourceDownloader interface {
	URLInfo(ctx context.Context, url string) (*media.URLInfo, error)
	Download(ctx context.Context, url, outputDir, quality string, onProgress media.ProgressFunc) (string, error)
}

// SourceFetcher handles direct file URLs that no platform downloader
// claims.
type SourceFetcher interface {
	Fetch(ctx context.Context, url, outputDir string, onProgress media.ProgressFunc) (string, error)
}

// Deps bundles the collaborators shared by the stage handlers. The media
// fields are interfaces so tests can stand in for the subprocess wrappers.
type Deps struct {
	Jobs        repository.JobRepository
	Projects    repository.ProjectRepository
	Segments    repository.SegmentRepository
	Sandbox     *storage.Sandbox
	Cache       *stepcache.Cache
	Runner      MediaRunner
	Prober      MediaProber
	Transcriber SpeechTranscriber
	Downloader  SourceDownloader
	Fetcher     SourceFetcher
	Sequencer   *Sequencer
	Bus         *progress.Bus
	Logger      *slog.Logger
}

func (d *Deps) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// loadProject fetches the job's subject project.
func (d *Deps) loadProject(ctx context.Context, job *models.Job) (*models.Project, error) {
	if job.SubjectID.IsZero() {
		return nil, fmt.Errorf("%s job %s has no subject project: %w", job.Kind, job.ID, models.ErrPrecondition)
	}

	project, err := d.Projects.GetByID(ctx, job.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("loading project %s: %w", job.SubjectID, err)
	}
	if project == nil {
		return nil, fmt.Errorf("project %s: %w", job.SubjectID, models.ErrNotFound)
	}
	return project, nil
}

// selectSegments resolves a job's segment selection, defaulting to every
// stored segment, best score first. Requested IDs must belong to the
// project.
func (d *Deps) selectSegments(ctx context.Context, project *models.Project, ids []string) ([]*models.Segment, error) {
	if len(ids) == 0 {
		segments, err := d.Segments.GetByProjectID(ctx, project.ID)
		if err != nil {
			return nil, fmt.Errorf("loading segments: %w", err)
		}
		return segments, nil
	}

	segments := make([]*models.Segment, 0, len(ids))
	for _, raw := range ids {
		id, err := models.ParseULID(raw)
		if err != nil {
			return nil, fmt.Errorf("segment id %q is not valid: %w", raw, models.ErrPrecondition)
		}
		segment, err := d.Segments.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading segment %s: %w", id, err)
		}
		if segment == nil || segment.ProjectID != project.ID {
			return nil, fmt.Errorf("segment %s not found for project %s: %w", id, project.ID, models.ErrPrecondition)
		}
		segments = append(segments, segment)
	}
	return segments, nil
}

// setStatus persists a lifecycle transition and announces it on the bus.
func (d *Deps) setStatus(ctx context.Context, project *models.Project, status models.ProjectStatus) error {
	if err := d.Projects.UpdateStatus(ctx, project.ID, status); err != nil {
		return fmt.Errorf("updating project status: %w", err)
	}
	project.Status = status
	if d.Bus != nil {
		d.Bus.PublishSubjectUpdate(project)
	}
	return nil
}

// failStage rolls the project back to the stable predecessor of the stage
// that just failed, then returns err unchanged. The rollback is skipped on
// cancellation: recovery decides what happens to a cancelled stage.
func (d *Deps) failStage(ctx context.Context, job *models.Job, project *models.Project, err error) error {
	if ctx.Err() != nil || project == nil {
		return err
	}

	reset := models.ResetStatusForKind(job.Kind)
	if reset == "" || project.Status != models.TransientStatusForKind(job.Kind) {
		return err
	}

	// Best effort with a fresh context: the handler context may already
	// be poisoned by a timeout.
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if statusErr := d.setStatus(rollbackCtx, project, reset); statusErr != nil {
		d.log().Warn("project rollback after stage failure did not apply",
			slog.String("project_id", project.ID.String()),
			slog.String("kind", string(job.Kind)),
			slog.Any("error", statusErr))
	}
	return err
}

// advance evaluates the finished job's outgoing edge. A hand-off that
// cannot be created is logged, never failed: the work itself succeeded and
// the supervisor repairs successor misses.
func (d *Deps) advance(ctx context.Context, job *models.Job, project *models.Project) {
	if d.Sequencer == nil {
		return
	}
	if _, err := d.Sequencer.Advance(ctx, job, project); err != nil {
		d.log().Error("creating successor job failed",
			slog.String("job_id", job.ID.String()),
			slog.String("kind", string(job.Kind)),
			slog.String("project_id", project.ID.String()),
			slog.Any("error", err))
	}
}
