package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/storage"
)

const (
	// thumbnailMaxWidth bounds the cached thumbnail. Tall sources scale to
	// fit; nothing is ever upscaled.
	thumbnailMaxWidth = 640
	// thumbnailQuality is the JPEG encoder quality.
	thumbnailQuality = 85
)

// ThumbnailService extracts and caches a representative frame per project.
// The frame is pulled with ffmpeg on first request, scaled down and stored
// under the project directory; later requests serve the cached file.
type ThumbnailService struct {
	projects repository.ProjectRepository
	runner   pipeline.MediaRunner
	sandbox  *storage.Sandbox
	logger   *slog.Logger
}

// NewThumbnailService creates a new ThumbnailService.
func NewThumbnailService(projects repository.ProjectRepository, runner pipeline.MediaRunner, sandbox *storage.Sandbox) *ThumbnailService {
	return &ThumbnailService{
		projects: projects,
		runner:   runner,
		sandbox:  sandbox,
		logger:   slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *ThumbnailService) WithLogger(logger *slog.Logger) *ThumbnailService {
	s.logger = logger
	return s
}

// Get returns the project's thumbnail JPEG, generating and caching it on
// the first call.
func (s *ThumbnailService) Get(ctx context.Context, id models.ULID) ([]byte, error) {
	project, err := s.projects.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting project: %w", err)
	}
	if project == nil {
		return nil, fmt.Errorf("project %s: %w", id, models.ErrNotFound)
	}

	if project.ThumbnailPath != "" {
		if data, err := os.ReadFile(project.ThumbnailPath); err == nil {
			return data, nil
		}
		// Cached file vanished; regenerate below.
	}

	data, err := s.generate(ctx, project)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *ThumbnailService) generate(ctx context.Context, project *models.Project) ([]byte, error) {
	input := project.ProxyPath
	if input == "" {
		input = project.SourcePath
	}
	if input == "" {
		return nil, fmt.Errorf("project %s has no media to frame: %w", project.ID, models.ErrPrecondition)
	}
	if _, err := os.Stat(input); err != nil {
		return nil, fmt.Errorf("media file %s missing: %w", input, models.ErrPrecondition)
	}

	// A quarter in avoids intros and black lead-ins on most sources.
	atSec := project.DurationSec * 0.25
	if atSec <= 0 {
		atSec = 1
	}

	width, height := project.Width, project.Height
	if width <= 0 || height <= 0 {
		width, height = 1280, 720
	}

	frame, err := s.sandbox.CreateTemp("", "thumb-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("creating frame file: %w", err)
	}
	framePath := frame.Name()
	frame.Close()
	defer os.Remove(framePath)

	if err := s.runner.ExtractFrame(ctx, input, framePath, atSec, width, height); err != nil {
		return nil, fmt.Errorf("extracting frame: %w", err)
	}

	raw, err := os.ReadFile(framePath)
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	data, err := scaleJPEG(raw, thumbnailMaxWidth)
	if err != nil {
		return nil, fmt.Errorf("scaling thumbnail: %w", err)
	}

	destRel := storage.ThumbnailFile(project.ID)
	if err := s.sandbox.AtomicWrite(destRel, data); err != nil {
		return nil, fmt.Errorf("caching thumbnail: %w", err)
	}
	destAbs, err := s.sandbox.ResolvePath(destRel)
	if err != nil {
		return nil, err
	}

	project.ThumbnailPath = destAbs
	if err := s.projects.Update(ctx, project); err != nil {
		s.logger.Warn("thumbnail path not saved",
			slog.String("project_id", project.ID.String()),
			slog.Any("error", err))
	}

	s.logger.Info("thumbnail generated",
		slog.String("project_id", project.ID.String()),
		slog.Int("bytes", len(data)))
	return data, nil
}

