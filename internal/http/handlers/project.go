package handlers

import (
	"context"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/service"
)

// ProjectHandler serves the project lifecycle endpoints.
type ProjectHandler struct {
	projectService   *service.ProjectService
	thumbnailService *service.ThumbnailService
	jobs             jobLister
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(projectService *service.ProjectService) *ProjectHandler {
	return &ProjectHandler{projectService: projectService}
}

// WithThumbnails sets the thumbnail service backing the thumbnail endpoint.
func (h *ProjectHandler) WithThumbnails(thumbnails *service.ThumbnailService) *ProjectHandler {
	h.thumbnailService = thumbnails
	return h
}

// Register registers the project routes with the API.
func (h *ProjectHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createProject",
		Method:        "POST",
		Path:          "/api/v1/projects",
		Summary:       "Create project",
		Description:   "Registers a project from a local source file or a remote URL",
		Tags:          []string{"Projects"},
		DefaultStatus: 201,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listProjects",
		Method:      "GET",
		Path:        "/api/v1/projects",
		Summary:     "List projects",
		Description: "Returns all projects, newest first",
		Tags:        []string{"Projects"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getProject",
		Method:      "GET",
		Path:        "/api/v1/projects/{id}",
		Summary:     "Get project",
		Description: "Returns a project by ID",
		Tags:        []string{"Projects"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID: "setProjectStatus",
		Method:      "PUT",
		Path:        "/api/v1/projects/{id}/status",
		Summary:     "Override project status",
		Description: "Forces a project into one of the stable lifecycle statuses",
		Tags:        []string{"Projects"},
	}, h.SetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "deleteProject",
		Method:      "DELETE",
		Path:        "/api/v1/projects/{id}",
		Summary:     "Delete project",
		Description: "Removes a project with its jobs, segments and artifacts",
		Tags:        []string{"Projects"},
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "listProjectJobs",
		Method:      "GET",
		Path:        "/api/v1/projects/{id}/jobs",
		Summary:     "List project jobs",
		Description: "Returns all jobs for a project, newest first",
		Tags:        []string{"Projects"},
	}, h.ListJobs)

	huma.Register(api, huma.Operation{
		OperationID: "listProjectSegments",
		Method:      "GET",
		Path:        "/api/v1/projects/{id}/segments",
		Summary:     "List project segments",
		Description: "Returns the scored segments of a project, best first",
		Tags:        []string{"Projects"},
	}, h.ListSegments)

	huma.Register(api, huma.Operation{
		OperationID:   "ingestProject",
		Method:        "POST",
		Path:          "/api/v1/projects/{id}/ingest",
		Summary:       "Trigger ingest",
		Description:   "Launches an ingest job: probe, proxy render and audio extract",
		Tags:          []string{"Projects"},
		DefaultStatus: 202,
	}, h.TriggerIngest)

	huma.Register(api, huma.Operation{
		OperationID:   "analyzeProject",
		Method:        "POST",
		Path:          "/api/v1/projects/{id}/analyze",
		Summary:       "Trigger analysis",
		Description:   "Launches an analyze job: transcription, scene detection, segment scoring",
		Tags:          []string{"Projects"},
		DefaultStatus: 202,
	}, h.TriggerAnalyze)

	huma.Register(api, huma.Operation{
		OperationID:   "exportProject",
		Method:        "POST",
		Path:          "/api/v1/projects/{id}/export",
		Summary:       "Trigger export",
		Description:   "Launches an export job for the selected segments",
		Tags:          []string{"Projects"},
		DefaultStatus: 202,
	}, h.TriggerExport)

	huma.Register(api, huma.Operation{
		OperationID:   "renderProjectVariants",
		Method:        "POST",
		Path:          "/api/v1/projects/{id}/render",
		Summary:       "Trigger variant render",
		Description:   "Launches a preview-variant render for the selected segments",
		Tags:          []string{"Projects"},
		DefaultStatus: 202,
	}, h.TriggerRender)

	huma.Register(api, huma.Operation{
		OperationID: "getProjectThumbnail",
		Method:      "GET",
		Path:        "/api/v1/projects/{id}/thumbnail",
		Summary:     "Get project thumbnail",
		Description: "Returns a cached JPEG frame of the project source",
		Tags:        []string{"Projects"},
	}, h.GetThumbnail)
}

// CreateProjectRequest is the request body for creating a project.
type CreateProjectRequest struct {
	Name        string `json:"name" doc:"Project name" minLength:"1" maxLength:"255"`
	SourcePath  string `json:"source_path,omitempty" doc:"Path to a local media file"`
	SourceURL   string `json:"source_url,omitempty" doc:"Remote URL to download via yt-dlp"`
	Quality     string `json:"quality,omitempty" doc:"Download quality" enum:"best,1080p,720p,480p,"`
	AutoIngest  bool   `json:"auto_ingest,omitempty" doc:"Chain an ingest job after download"`
	AutoAnalyze bool   `json:"auto_analyze,omitempty" doc:"Chain an analyze job after ingest"`
}

// CreateProjectInput is the input for creating a project.
type CreateProjectInput struct {
	Body CreateProjectRequest
}

// CreateProjectOutput is the output for creating a project.
type CreateProjectOutput struct {
	Body ProjectResponse
}

// Create registers a new project.
func (h *ProjectHandler) Create(ctx context.Context, input *CreateProjectInput) (*CreateProjectOutput, error) {
	project, err := h.projectService.Create(ctx, service.CreateProjectRequest{
		Name:        input.Body.Name,
		SourcePath:  input.Body.SourcePath,
		SourceURL:   input.Body.SourceURL,
		Quality:     input.Body.Quality,
		AutoIngest:  input.Body.AutoIngest,
		AutoAnalyze: input.Body.AutoAnalyze,
	})
	if err != nil {
		return nil, serviceError("failed to create project", err)
	}

	return &CreateProjectOutput{Body: ProjectFromModel(project)}, nil
}

// ListProjectsInput is the input for listing projects.
type ListProjectsInput struct{}

// ListProjectsOutput is the output for listing projects.
type ListProjectsOutput struct {
	Body struct {
		Projects []ProjectResponse `json:"projects"`
	}
}

// List returns all projects.
func (h *ProjectHandler) List(ctx context.Context, input *ListProjectsInput) (*ListProjectsOutput, error) {
	projects, err := h.projectService.GetAll(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list projects", err)
	}

	resp := &ListProjectsOutput{}
	resp.Body.Projects = make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		resp.Body.Projects = append(resp.Body.Projects, ProjectFromModel(p))
	}
	return resp, nil
}

// GetProjectInput is the input for getting a project.
type GetProjectInput struct {
	ID string `path:"id" doc:"Project ID (ULID)"`
}

// GetProjectOutput is the output for getting a project.
type GetProjectOutput struct {
	Body ProjectResponse
}

// GetByID returns a project by ID.
func (h *ProjectHandler) GetByID(ctx context.Context, input *GetProjectInput) (*GetProjectOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	project, err := h.projectService.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get project", err)
	}
	if project == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("project %s not found", input.ID))
	}

	return &GetProjectOutput{Body: ProjectFromModel(project)}, nil
}

// SetProjectStatusInput is the input for the status override.
type SetProjectStatusInput struct {
	ID   string `path:"id" doc:"Project ID (ULID)"`
	Body struct {
		Status string `json:"status" doc:"Target status" enum:"created,ingested,analyzed,ready"`
	}
}

// SetProjectStatusOutput is the output for the status override.
type SetProjectStatusOutput struct {
	Body ProjectResponse
}

// SetStatus forces a project into a stable lifecycle status.
func (h *ProjectHandler) SetStatus(ctx context.Context, input *SetProjectStatusInput) (*SetProjectStatusOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	project, err := h.projectService.SetStatus(ctx, id, models.ProjectStatus(input.Body.Status))
	if err != nil {
		return nil, serviceError("failed to override project status", err)
	}

	return &SetProjectStatusOutput{Body: ProjectFromModel(project)}, nil
}

// DeleteProjectInput is the input for deleting a project.
type DeleteProjectInput struct {
	ID string `path:"id" doc:"Project ID (ULID)"`
}

// DeleteProjectOutput is the output for deleting a project.
type DeleteProjectOutput struct {
	Body struct {
		Message string `json:"message"`
	}
}

// Delete removes a project and everything attached to it.
func (h *ProjectHandler) Delete(ctx context.Context, input *DeleteProjectInput) (*DeleteProjectOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	if err := h.projectService.Delete(ctx, id); err != nil {
		return nil, serviceError("failed to delete project", err)
	}

	resp := &DeleteProjectOutput{}
	resp.Body.Message = fmt.Sprintf("project %s deleted", input.ID)
	return resp, nil
}

// ListProjectJobsInput is the input for listing a project's jobs.
type ListProjectJobsInput struct {
	ID string `path:"id" doc:"Project ID (ULID)"`
}

// ListProjectJobsOutput is the output for listing a project's jobs.
type ListProjectJobsOutput struct {
	Body struct {
		Jobs []JobResponse `json:"jobs"`
	}
}

// jobLister narrows JobService to what this endpoint needs.
type jobLister interface {
	GetBySubjectID(ctx context.Context, subjectID models.ULID) ([]*models.Job, error)
}

// WithJobLister sets the job listing dependency for the project jobs
// endpoint.
func (h *ProjectHandler) WithJobLister(lister jobLister) *ProjectHandler {
	h.jobs = lister
	return h
}

// ListJobs returns all jobs for a project.
func (h *ProjectHandler) ListJobs(ctx context.Context, input *ListProjectJobsInput) (*ListProjectJobsOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	project, err := h.projectService.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get project", err)
	}
	if project == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("project %s not found", input.ID))
	}

	if h.jobs == nil {
		return nil, huma.Error500InternalServerError("job listing not configured")
	}

	jobs, err := h.jobs.GetBySubjectID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list project jobs", err)
	}

	resp := &ListProjectJobsOutput{}
	resp.Body.Jobs = make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp.Body.Jobs = append(resp.Body.Jobs, JobFromModel(j))
	}
	return resp, nil
}

// ListProjectSegmentsInput is the input for listing a project's segments.
type ListProjectSegmentsInput struct {
	ID string `path:"id" doc:"Project ID (ULID)"`
}

// ListProjectSegmentsOutput is the output for listing a project's segments.
type ListProjectSegmentsOutput struct {
	Body struct {
		Segments []SegmentResponse `json:"segments"`
	}
}

// ListSegments returns the scored segments of a project.
func (h *ProjectHandler) ListSegments(ctx context.Context, input *ListProjectSegmentsInput) (*ListProjectSegmentsOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	segments, err := h.projectService.GetSegments(ctx, id)
	if err != nil {
		return nil, serviceError("failed to list segments", err)
	}

	resp := &ListProjectSegmentsOutput{}
	resp.Body.Segments = make([]SegmentResponse, 0, len(segments))
	for _, s := range segments {
		resp.Body.Segments = append(resp.Body.Segments, SegmentFromModel(s))
	}
	return resp, nil
}

// TriggerIngestInput is the input for the ingest trigger.
type TriggerIngestInput struct {
	ID   string `path:"id" doc:"Project ID (ULID)"`
	Body struct {
		CreateProxy    *bool `json:"create_proxy,omitempty" doc:"Render an editing proxy (default true)"`
		ExtractAudio   *bool `json:"extract_audio,omitempty" doc:"Extract the audio track (default true)"`
		AudioTrack     int   `json:"audio_track,omitempty" doc:"Source audio stream index"`
		NormalizeAudio *bool `json:"normalize_audio,omitempty" doc:"Loudness-normalize the extracted track"`
		AutoAnalyze    bool  `json:"auto_analyze,omitempty" doc:"Chain an analyze job when ingest completes"`
	}
}

// TriggerJobOutput is the output shared by the stage trigger endpoints.
type TriggerJobOutput struct {
	Body JobResponse
}

// TriggerIngest launches an ingest job.
func (h *ProjectHandler) TriggerIngest(ctx context.Context, input *TriggerIngestInput) (*TriggerJobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	job, err := h.projectService.TriggerIngest(ctx, id, service.IngestOptions{
		CreateProxy:    input.Body.CreateProxy,
		ExtractAudio:   input.Body.ExtractAudio,
		AudioTrack:     input.Body.AudioTrack,
		NormalizeAudio: input.Body.NormalizeAudio,
		AutoAnalyze:    input.Body.AutoAnalyze,
	})
	if err != nil {
		return nil, serviceError("failed to trigger ingest", err)
	}

	return &TriggerJobOutput{Body: JobFromModel(job)}, nil
}

// TriggerAnalyzeInput is the input for the analyze trigger.
type TriggerAnalyzeInput struct {
	ID   string `path:"id" doc:"Project ID (ULID)"`
	Body struct {
		Language string `json:"language,omitempty" doc:"Force transcription language instead of auto-detect"`
		Force    bool   `json:"force,omitempty" doc:"Discard cached step results and recompute"`
	}
}

// TriggerAnalyze launches an analyze job.
func (h *ProjectHandler) TriggerAnalyze(ctx context.Context, input *TriggerAnalyzeInput) (*TriggerJobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	job, err := h.projectService.TriggerAnalyze(ctx, id, service.AnalyzeOptions{
		Language: input.Body.Language,
		Force:    input.Body.Force,
	})
	if err != nil {
		return nil, serviceError("failed to trigger analysis", err)
	}

	return &TriggerJobOutput{Body: JobFromModel(job)}, nil
}

// TriggerExportInput is the input for the export trigger.
type TriggerExportInput struct {
	ID   string `path:"id" doc:"Project ID (ULID)"`
	Body struct {
		SegmentIDs      []string `json:"segment_ids,omitempty" doc:"Segments to export (empty = all, best first)"`
		CaptionStyle    string   `json:"caption_style,omitempty" doc:"Caption preset name"`
		Platform        string   `json:"platform,omitempty" doc:"Target platform for post text" enum:"tiktok,shorts,reels,"`
		IncludeCaptions *bool    `json:"include_captions,omitempty" doc:"Burn captions and write caption files (default true)"`
		IncludeCover    *bool    `json:"include_cover,omitempty" doc:"Render a cover frame (default true)"`
	}
}

// TriggerExport launches an export job.
func (h *ProjectHandler) TriggerExport(ctx context.Context, input *TriggerExportInput) (*TriggerJobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	job, err := h.projectService.TriggerExport(ctx, id, service.ExportOptions{
		SegmentIDs:      input.Body.SegmentIDs,
		CaptionStyle:    input.Body.CaptionStyle,
		Platform:        input.Body.Platform,
		IncludeCaptions: input.Body.IncludeCaptions,
		IncludeCover:    input.Body.IncludeCover,
	})
	if err != nil {
		return nil, serviceError("failed to trigger export", err)
	}

	return &TriggerJobOutput{Body: JobFromModel(job)}, nil
}

// TriggerRenderInput is the input for the variant render trigger.
type TriggerRenderInput struct {
	ID   string `path:"id" doc:"Project ID (ULID)"`
	Body struct {
		SegmentIDs []string `json:"segment_ids,omitempty" doc:"Segments to render (empty = all, best first)"`
		Presets    []string `json:"presets,omitempty" doc:"Variant labels to render per segment"`
	}
}

// TriggerRender launches a preview-variant render job.
func (h *ProjectHandler) TriggerRender(ctx context.Context, input *TriggerRenderInput) (*TriggerJobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	job, err := h.projectService.TriggerRender(ctx, id, service.RenderOptions{
		SegmentIDs: input.Body.SegmentIDs,
		Presets:    input.Body.Presets,
	})
	if err != nil {
		return nil, serviceError("failed to trigger render", err)
	}

	return &TriggerJobOutput{Body: JobFromModel(job)}, nil
}

// GetThumbnailInput is the input for the thumbnail endpoint.
type GetThumbnailInput struct {
	ID string `path:"id" doc:"Project ID (ULID)"`
}

// GetThumbnailOutput is the raw JPEG response.
type GetThumbnailOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

// GetThumbnail returns the project thumbnail, generating it on first
// request.
func (h *ProjectHandler) GetThumbnail(ctx context.Context, input *GetThumbnailInput) (*GetThumbnailOutput, error) {
	if h.thumbnailService == nil {
		return nil, huma.Error500InternalServerError("thumbnail service not configured")
	}

	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	data, err := h.thumbnailService.Get(ctx, id)
	if err != nil {
		return nil, serviceError("failed to get thumbnail", err)
	}

	return &GetThumbnailOutput{ContentType: "image/jpeg", Body: data}, nil
}
