package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/clipforge/clipforge/internal/dispatch"
	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/storage"
)

// IngestPayload carries the arguments of an ingest job. The pointer fields
// default to true when omitted.
type IngestPayload struct {
	// CreateProxy controls the editing proxy render.
	CreateProxy *bool `json:"create_proxy,omitempty"`
	// ExtractAudio controls the audio track extraction.
	ExtractAudio *bool `json:"extract_audio,omitempty"`
	// AudioTrack selects the source audio stream.
	AudioTrack int `json:"audio_track,omitempty"`
	// NormalizeAudio applies loudness normalization to the extracted track.
	NormalizeAudio *bool `json:"normalize_audio,omitempty"`
	// AutoAnalyze chains an analyze job once the project is ingested.
	AutoAnalyze bool `json:"auto_analyze,omitempty"`
}

// ingestHandler probes a materialized source, renders the editing proxy and
// extracts the audio track.
type ingestHandler struct {
	deps *Deps
}

// NewIngestHandler returns the handler for ingest jobs.
func NewIngestHandler(deps *Deps) dispatch.Handler {
	return &ingestHandler{deps: deps}
}

func (h *ingestHandler) Kind() models.JobKind { return models.JobKindIngest }

func (h *ingestHandler) NewPayload() any { return &IngestPayload{} }

func (h *ingestHandler) Execute(ctx context.Context, job *models.Job, payload any, report dispatch.ReportFunc) (models.JSONMap, error) {
	p := payload.(*IngestPayload)
	d := h.deps

	project, err := d.loadProject(ctx, job)
	if err != nil {
		return nil, err
	}
	if project.SourcePath == "" {
		return nil, fmt.Errorf("project %s has no source file: %w", project.ID, models.ErrPrecondition)
	}
	if _, err := os.Stat(project.SourcePath); err != nil {
		return nil, fmt.Errorf("source file %s missing: %w", project.SourcePath, models.ErrPrecondition)
	}

	if err := d.setStatus(ctx, project, models.ProjectStatusIngesting); err != nil {
		return nil, err
	}

	report(5, "probe", "Probing source media")
	info, err := d.Prober.ProbeMedia(ctx, project.SourcePath)
	if err != nil {
		// An unreadable source needs operator attention, not a retry of
		// the previous stage.
		if ctx.Err() == nil {
			if statusErr := d.setStatus(ctx, project, models.ProjectStatusError); statusErr != nil {
				d.log().Warn("project not marked as errored", slog.Any("error", statusErr))
			}
		}
		return nil, fmt.Errorf("probing source: %w", err)
	}
	report(10, "probe", fmt.Sprintf("Source: %dx%d %.1fs", info.Width, info.Height, info.DurationSec))

	project.DurationSec = info.DurationSec
	project.Width = info.Width
	project.Height = info.Height
	project.VideoInfo = videoInfoMap(info)

	tempRoot, err := d.Sandbox.TempDir()
	if err != nil {
		return nil, d.failStage(ctx, job, project, err)
	}
	workDir, err := os.MkdirTemp(tempRoot, "ingest-*")
	if err != nil {
		return nil, d.failStage(ctx, job, project, fmt.Errorf("creating work dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	if boolOrTrue(p.CreateProxy) {
		report(15, "proxy", "Creating editing proxy")
		proxyAbs, err := h.createProxy(ctx, project, info, workDir, report)
		switch {
		case err == nil:
			project.ProxyPath = proxyAbs
			report(55, "proxy", "Proxy created")
		case ctx.Err() != nil:
			return nil, err
		default:
			// The proxy is a convenience copy; analysis can fall back to
			// the source.
			d.log().Warn("proxy render failed, continuing without proxy",
				slog.String("project_id", project.ID.String()),
				slog.Any("error", err))
		}
	}

	if boolOrTrue(p.ExtractAudio) {
		report(60, "audio", "Extracting audio track")
		audioAbs, err := h.extractAudio(ctx, project, p, info, workDir, report)
		switch {
		case err == nil:
			project.AudioPath = audioAbs
			report(95, "audio", "Audio extracted")
		case ctx.Err() != nil:
			return nil, err
		default:
			d.log().Warn("audio extraction failed, continuing without audio",
				slog.String("project_id", project.ID.String()),
				slog.Any("error", err))
		}
	}

	if err := d.Projects.Update(ctx, project); err != nil {
		return nil, d.failStage(ctx, job, project, fmt.Errorf("saving project: %w", err))
	}
	if err := d.setStatus(ctx, project, models.ProjectStatusIngested); err != nil {
		return nil, err
	}

	d.advance(ctx, job, project)
	report(100, "complete", "Ingestion complete")

	return models.JSONMap{
		"project_id": project.ID.String(),
		"proxy_path": project.ProxyPath,
		"audio_path": project.AudioPath,
		"video_info": project.VideoInfo,
	}, nil
}

func (h *ingestHandler) createProxy(ctx context.Context, project *models.Project, info *media.MediaInfo, workDir string, report dispatch.ReportFunc) (string, error) {
	d := h.deps
	tempOut := filepath.Join(workDir, storage.ProxyFileName)

	err := d.Runner.CreateProxy(ctx, project.SourcePath, tempOut, media.DefaultProxyOptions(), info.DurationSec, func(pct float64) {
		report(15+pct*0.4, "proxy", "Creating editing proxy")
	})
	if err != nil {
		return "", err
	}

	destRel := storage.ProxyFile(project.ID)
	if err := d.Sandbox.AtomicPublish(tempOut, destRel); err != nil {
		return "", fmt.Errorf("publishing proxy: %w", err)
	}
	return d.Sandbox.ResolvePath(destRel)
}

func (h *ingestHandler) extractAudio(ctx context.Context, project *models.Project, p *IngestPayload, info *media.MediaInfo, workDir string, report dispatch.ReportFunc) (string, error) {
	d := h.deps
	tempOut := filepath.Join(workDir, storage.AudioFileName)

	opts := media.DefaultAudioOptions()
	opts.Track = p.AudioTrack
	if p.NormalizeAudio != nil {
		opts.Normalize = *p.NormalizeAudio
	}

	err := d.Runner.ExtractAudio(ctx, project.SourcePath, tempOut, opts, info.DurationSec, func(pct float64) {
		report(60+pct*0.35, "audio", "Extracting audio track")
	})
	if err != nil {
		return "", err
	}

	destRel := storage.AudioFile(project.ID)
	if err := d.Sandbox.AtomicPublish(tempOut, destRel); err != nil {
		return "", fmt.Errorf("publishing audio: %w", err)
	}
	return d.Sandbox.ResolvePath(destRel)
}

// videoInfoMap flattens probe output into the project's diagnostic map.
func videoInfoMap(info *media.MediaInfo) models.JSONMap {
	return models.JSONMap{
		"width":        info.Width,
		"height":       info.Height,
		"duration":     info.DurationSec,
		"fps":          info.FPS,
		"video_codec":  info.VideoCodec,
		"audio_codec":  info.AudioCodec,
		"audio_tracks": info.AudioTracks,
		"format":       info.Format,
		"size_bytes":   info.SizeBytes,
		"bit_rate":     info.BitRate,
	}
}

func boolOrTrue(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}
