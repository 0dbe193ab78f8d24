package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/stepcache"
	"github.com/clipforge/clipforge/internal/storage"
)

// CreateProjectRequest carries the inputs for a new project. Exactly one of
// SourcePath and SourceURL must be set: a local file is registered as-is,
// a URL gets a scrape job that materializes the source.
type CreateProjectRequest struct {
	Name        string
	SourcePath  string
	SourceURL   string
	Quality     string
	AutoIngest  bool
	AutoAnalyze bool
}

// IngestOptions mirror the ingest job payload.
type IngestOptions struct {
	CreateProxy    *bool
	ExtractAudio   *bool
	AudioTrack     int
	NormalizeAudio *bool
	AutoAnalyze    bool
}

// AnalyzeOptions mirror the analyze job payload.
type AnalyzeOptions struct {
	Language string
	Force    bool
}

// ExportOptions mirror the export job payload.
type ExportOptions struct {
	SegmentIDs      []string
	CaptionStyle    string
	Platform        string
	IncludeCaptions *bool
	IncludeCover    *bool
}

// RenderOptions mirror the render-variants job payload.
type RenderOptions struct {
	SegmentIDs []string
	Presets    []string
}

// analyzableStatuses are the lifecycle states an analysis may start from:
// the source has been ingested and no stage is in flight.
var analyzableStatuses = []models.ProjectStatus{
	models.ProjectStatusIngested,
	models.ProjectStatusAnalyzed,
	models.ProjectStatusReady,
}

// exportableStatuses are the lifecycle states an export or variant render
// may start from: scored segments exist.
var exportableStatuses = []models.ProjectStatus{
	models.ProjectStatusAnalyzed,
	models.ProjectStatusReady,
}

// ProjectService provides project lifecycle operations for the API.
type ProjectService struct {
	projects  repository.ProjectRepository
	jobs      repository.JobRepository
	segments  repository.SegmentRepository
	sequencer *pipeline.Sequencer
	cache     *stepcache.Cache
	sandbox   *storage.Sandbox
	bus       *progress.Bus
	logger    *slog.Logger
}

// NewProjectService creates a new ProjectService.
func NewProjectService(
	projects repository.ProjectRepository,
	jobs repository.JobRepository,
	segments repository.SegmentRepository,
	sequencer *pipeline.Sequencer,
) *ProjectService {
	return &ProjectService{
		projects:  projects,
		jobs:      jobs,
		segments:  segments,
		sequencer: sequencer,
		logger:    slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *ProjectService) WithLogger(logger *slog.Logger) *ProjectService {
	s.logger = logger
	return s
}

// WithBus sets the progress bus lifecycle transitions are announced on.
func (s *ProjectService) WithBus(bus *progress.Bus) *ProjectService {
	s.bus = bus
	return s
}

// WithStorage sets the sandbox and step cache used when a project is
// deleted.
func (s *ProjectService) WithStorage(sandbox *storage.Sandbox, cache *stepcache.Cache) *ProjectService {
	s.sandbox = sandbox
	s.cache = cache
	return s
}

// Create registers a new project. A local source must exist on disk; a URL
// source launches a scrape job carrying the chaining policy.
func (s *ProjectService) Create(ctx context.Context, req CreateProjectRequest) (*models.Project, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("project name is required: %w", models.ErrPrecondition)
	}
	if (req.SourcePath == "") == (req.SourceURL == "") {
		return nil, fmt.Errorf("exactly one of source_path and source_url is required: %w", models.ErrPrecondition)
	}

	project := &models.Project{
		Name:        req.Name,
		Status:      models.ProjectStatusCreated,
		AutoAnalyze: req.AutoAnalyze,
	}

	if req.SourcePath != "" {
		abs, err := filepath.Abs(req.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("resolving source path: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("source file %s: %w", abs, models.ErrPrecondition)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("source path %s is a directory: %w", abs, models.ErrPrecondition)
		}
		project.SourcePath = abs
	} else {
		project.SourceURL = req.SourceURL
	}

	if err := s.projects.Create(ctx, project); err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}

	if project.SourceURL != "" {
		payload := models.JSONMap{
			"auto_ingest":  req.AutoIngest,
			"auto_analyze": req.AutoAnalyze,
		}
		if req.Quality != "" {
			payload["quality"] = req.Quality
		}
		if _, err := s.sequencer.Launch(ctx, models.JobKindScrape, project, payload); err != nil {
			return nil, fmt.Errorf("launching download: %w", err)
		}
	}

	if s.bus != nil {
		s.bus.PublishSubjectUpdate(project)
	}
	s.logger.Info("project created",
		slog.String("project_id", project.ID.String()),
		slog.String("name", project.Name),
		slog.Bool("remote", project.SourceURL != ""))
	return project, nil
}

// GetByID retrieves a project by ID.
func (s *ProjectService) GetByID(ctx context.Context, id models.ULID) (*models.Project, error) {
	return s.projects.GetByID(ctx, id)
}

// GetAll retrieves all projects, newest first.
func (s *ProjectService) GetAll(ctx context.Context) ([]*models.Project, error) {
	return s.projects.GetAll(ctx)
}

// SetStatus applies an operator status override. Only the stable statuses
// may be forced; transient statuses belong to the machines.
func (s *ProjectService) SetStatus(ctx context.Context, id models.ULID, status models.ProjectStatus) (*models.Project, error) {
	if !models.IsValidOverrideStatus(status) {
		return nil, fmt.Errorf("status %q is not an allowed override: %w", status, models.ErrPrecondition)
	}

	project, err := s.requireProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.projects.UpdateStatus(ctx, id, status); err != nil {
		return nil, fmt.Errorf("updating project status: %w", err)
	}
	project.Status = status
	if s.bus != nil {
		s.bus.PublishSubjectUpdate(project)
	}

	s.logger.Info("project status overridden",
		slog.String("project_id", id.String()),
		slog.String("status", string(status)))
	return project, nil
}

// Delete removes a project and everything attached to it: its jobs, its
// scored segments, its artifacts on disk and its cached step results.
// Active jobs are cancelled first so no handler keeps writing into a
// directory that is about to disappear.
func (s *ProjectService) Delete(ctx context.Context, id models.ULID) error {
	project, err := s.requireProject(ctx, id)
	if err != nil {
		return err
	}

	jobs, err := s.jobs.GetBySubjectID(ctx, id)
	if err != nil {
		return fmt.Errorf("listing project jobs: %w", err)
	}
	for _, job := range jobs {
		if !job.IsActive() {
			continue
		}
		job.MarkCancelled()
		if err := s.jobs.Finish(ctx, job); err != nil {
			return fmt.Errorf("cancelling job %s: %w", job.ID, err)
		}
	}
	if _, err := s.jobs.DeleteBySubjectID(ctx, id); err != nil {
		return fmt.Errorf("deleting project jobs: %w", err)
	}

	if _, err := s.segments.DeleteByProjectID(ctx, id); err != nil {
		return fmt.Errorf("deleting project segments: %w", err)
	}

	// The step cache lives under the project directory, so removing the
	// directory clears both.
	if s.sandbox != nil {
		if err := s.sandbox.RemoveAll(storage.ProjectDir(id)); err != nil {
			s.logger.Warn("project artifacts not fully removed",
				slog.String("project_id", id.String()),
				slog.Any("error", err))
		}
	}

	if err := s.projects.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}

	s.logger.Info("project deleted",
		slog.String("project_id", id.String()),
		slog.String("name", project.Name))
	return nil
}

// TriggerIngest launches an ingest job for a project with a materialized
// source file.
func (s *ProjectService) TriggerIngest(ctx context.Context, id models.ULID, opts IngestOptions) (*models.Job, error) {
	project, err := s.requireProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if project.SourcePath == "" {
		return nil, fmt.Errorf("project %s has no source file yet: %w", id, models.ErrPrecondition)
	}

	payload := models.JSONMap{}
	if opts.CreateProxy != nil {
		payload["create_proxy"] = *opts.CreateProxy
	}
	if opts.ExtractAudio != nil {
		payload["extract_audio"] = *opts.ExtractAudio
	}
	if opts.AudioTrack != 0 {
		payload["audio_track"] = opts.AudioTrack
	}
	if opts.NormalizeAudio != nil {
		payload["normalize_audio"] = *opts.NormalizeAudio
	}
	if opts.AutoAnalyze {
		payload["auto_analyze"] = true
	}
	return s.sequencer.Launch(ctx, models.JobKindIngest, project, payload)
}

// TriggerAnalyze launches an analysis for an ingested project.
func (s *ProjectService) TriggerAnalyze(ctx context.Context, id models.ULID, opts AnalyzeOptions) (*models.Job, error) {
	project, err := s.requireProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(project, analyzableStatuses); err != nil {
		return nil, err
	}

	payload := models.JSONMap{}
	if opts.Language != "" {
		payload["language"] = opts.Language
	}
	if opts.Force {
		payload["force"] = true
	}
	return s.sequencer.Launch(ctx, models.JobKindAnalyze, project, payload)
}

// TriggerExport launches an export for an analyzed project.
func (s *ProjectService) TriggerExport(ctx context.Context, id models.ULID, opts ExportOptions) (*models.Job, error) {
	project, err := s.requireProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(project, exportableStatuses); err != nil {
		return nil, err
	}

	payload := models.JSONMap{}
	if len(opts.SegmentIDs) > 0 {
		payload["segment_ids"] = stringsToAny(opts.SegmentIDs)
	}
	if opts.CaptionStyle != "" {
		payload["caption_style"] = opts.CaptionStyle
	}
	if opts.Platform != "" {
		payload["platform"] = opts.Platform
	}
	if opts.IncludeCaptions != nil {
		payload["include_captions"] = *opts.IncludeCaptions
	}
	if opts.IncludeCover != nil {
		payload["include_cover"] = *opts.IncludeCover
	}
	return s.sequencer.Launch(ctx, models.JobKindExport, project, payload)
}

// TriggerRender launches a preview-variant render for an analyzed project.
func (s *ProjectService) TriggerRender(ctx context.Context, id models.ULID, opts RenderOptions) (*models.Job, error) {
	project, err := s.requireProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(project, exportableStatuses); err != nil {
		return nil, err
	}

	payload := models.JSONMap{}
	if len(opts.SegmentIDs) > 0 {
		payload["segment_ids"] = stringsToAny(opts.SegmentIDs)
	}
	if len(opts.Presets) > 0 {
		payload["presets"] = stringsToAny(opts.Presets)
	}
	return s.sequencer.Launch(ctx, models.JobKindRenderVariants, project, payload)
}

// GetSegments retrieves a project's scored segments, best first.
func (s *ProjectService) GetSegments(ctx context.Context, id models.ULID) ([]*models.Segment, error) {
	if _, err := s.requireProject(ctx, id); err != nil {
		return nil, err
	}
	return s.segments.GetByProjectID(ctx, id)
}

func (s *ProjectService) requireProject(ctx context.Context, id models.ULID) (*models.Project, error) {
	project, err := s.projects.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting project: %w", err)
	}
	if project == nil {
		return nil, fmt.Errorf("project %s: %w", id, models.ErrNotFound)
	}
	return project, nil
}

func requireStatus(project *models.Project, allowed []models.ProjectStatus) error {
	for _, status := range allowed {
		if project.Status == status {
			return nil
		}
	}
	return fmt.Errorf("project %s is %s, want one of %v: %w",
		project.ID, project.Status, allowed, models.ErrPrecondition)
}

// stringsToAny widens a string slice for JSONMap storage, matching what a
// JSON round-trip would produce.
func stringsToAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
