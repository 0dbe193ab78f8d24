package handlers

import (
	"context"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/service"
)

// JobHandler serves the job queue endpoints.
type JobHandler struct {
	jobService *service.JobService
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobService *service.JobService) *JobHandler {
	return &JobHandler{jobService: jobService}
}

// Register registers the job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createJob",
		Method:        "POST",
		Path:          "/api/v1/jobs",
		Summary:       "Create job",
		Description:   "Enqueues a new job for a registered handler kind",
		Tags:          []string{"Jobs"},
		DefaultStatus: 201,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      "GET",
		Path:        "/api/v1/jobs",
		Summary:     "List jobs",
		Description: "Returns jobs matching the filter, newest first",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getJob",
		Method:      "GET",
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Get job",
		Description: "Returns a job by ID",
		Tags:        []string{"Jobs"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID: "cancelJob",
		Method:      "POST",
		Path:        "/api/v1/jobs/{id}/cancel",
		Summary:     "Cancel job",
		Description: "Cancels a pending or running job",
		Tags:        []string{"Jobs"},
	}, h.Cancel)
}

// CreateJobRequest is the request body for creating a job.
type CreateJobRequest struct {
	Kind      string         `json:"kind" doc:"Job kind (scrape, ingest, analyze, render_variants, export)" minLength:"1"`
	SubjectID string         `json:"subject_id,omitempty" doc:"Subject project ID (ULID)"`
	Payload   models.JSONMap `json:"payload,omitempty" doc:"Kind-specific options"`
}

// CreateJobInput is the input for creating a job.
type CreateJobInput struct {
	Body CreateJobRequest
}

// CreateJobOutput is the output for creating a job.
type CreateJobOutput struct {
	Body JobResponse
}

// Create enqueues a new pending job.
func (h *JobHandler) Create(ctx context.Context, input *CreateJobInput) (*CreateJobOutput, error) {
	var subjectID models.ULID
	if input.Body.SubjectID != "" {
		var err error
		subjectID, err = models.ParseULID(input.Body.SubjectID)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid subject ID format", err)
		}
	}

	job, err := h.jobService.Create(ctx, models.JobKind(input.Body.Kind), subjectID, input.Body.Payload)
	if err != nil {
		return nil, serviceError("failed to create job", err)
	}

	return &CreateJobOutput{Body: JobFromModel(job)}, nil
}

// ListJobsInput is the input for listing jobs.
type ListJobsInput struct {
	Status    string `query:"status" doc:"Filter by status" enum:"pending,running,completed,failed,cancelled,"`
	Kind      string `query:"kind" doc:"Filter by job kind"`
	SubjectID string `query:"subject_id" doc:"Filter by subject project ID"`
	Limit     int    `query:"limit" default:"0" minimum:"0" maximum:"1000" doc:"Maximum results (0 = no limit)"`
}

// ListJobsOutput is the output for listing jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs []JobResponse `json:"jobs"`
	}
}

// List returns jobs matching the filter.
func (h *JobHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	filter := repository.JobFilter{
		Status: models.JobStatus(input.Status),
		Kind:   models.JobKind(input.Kind),
		Limit:  input.Limit,
	}
	if input.SubjectID != "" {
		id, err := models.ParseULID(input.SubjectID)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid subject ID format", err)
		}
		filter.SubjectID = id
	}

	jobs, err := h.jobService.List(ctx, filter)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list jobs", err)
	}

	resp := &ListJobsOutput{}
	resp.Body.Jobs = make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp.Body.Jobs = append(resp.Body.Jobs, JobFromModel(j))
	}
	return resp, nil
}

// GetJobInput is the input for getting a job.
type GetJobInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// GetJobOutput is the output for getting a job.
type GetJobOutput struct {
	Body JobResponse
}

// GetByID returns a job by ID.
func (h *JobHandler) GetByID(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	job, err := h.jobService.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get job", err)
	}
	if job == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("job %s not found", input.ID))
	}

	return &GetJobOutput{Body: JobFromModel(job)}, nil
}

// CancelJobInput is the input for cancelling a job.
type CancelJobInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// CancelJobOutput is the output for cancelling a job.
type CancelJobOutput struct {
	Body JobResponse
}

// Cancel cancels a pending or running job.
func (h *JobHandler) Cancel(ctx context.Context, input *CancelJobInput) (*CancelJobOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	job, err := h.jobService.Cancel(ctx, id)
	if err != nil {
		return nil, serviceError("failed to cancel job", err)
	}

	return &CancelJobOutput{Body: JobFromModel(job)}, nil
}
