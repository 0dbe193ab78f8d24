// Package progress provides the in-process event bus behind the push channel.
package progress

import (
	"time"

	"github.com/clipforge/clipforge/internal/models"
)

// EventType identifies the kind of event carried by the bus.
type EventType string

const (
	// EventTypeJobUpdate carries a full job snapshot after any status,
	// progress, or result change.
	EventTypeJobUpdate EventType = "job_update"
	// EventTypeSubjectUpdate carries a project lifecycle change.
	EventTypeSubjectUpdate EventType = "subject_update"
	// EventTypeSupervisorStatus carries the periodic supervisor broadcast.
	EventTypeSupervisorStatus EventType = "supervisor_status"
	// EventTypeSupervisorLog carries a supervisor action log line.
	EventTypeSupervisorLog EventType = "supervisor_log"
)

// Event is the envelope delivered to subscribers. JobID is set only for
// job_update events; per-job subscribers match on it.
type Event struct {
	Type      EventType   `json:"type"`
	JobID     models.ULID `json:"job_id,omitempty"`
	Data      any         `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// JobUpdate is the snapshot published on every job change. It carries the
// complete externally visible state so subscribers never need a follow-up
// read.
type JobUpdate struct {
	ID          models.ULID      `json:"id"`
	Kind        models.JobKind   `json:"kind"`
	SubjectID   models.ULID      `json:"subject_id,omitempty"`
	Status      models.JobStatus `json:"status"`
	Progress    float64          `json:"progress"`
	Stage       string           `json:"stage,omitempty"`
	Message     string           `json:"message,omitempty"`
	Error       string           `json:"error,omitempty"`
	Result      models.JSONMap   `json:"result,omitempty"`
	RetryCount  int              `json:"retry_count"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// NewJobUpdate copies the publishable fields out of a job. The copy
// decouples subscribers from the row the worker keeps mutating.
func NewJobUpdate(job *models.Job) *JobUpdate {
	return &JobUpdate{
		ID:          job.ID,
		Kind:        job.Kind,
		SubjectID:   job.SubjectID,
		Status:      job.Status,
		Progress:    job.Progress,
		Stage:       job.Stage,
		Message:     job.Message,
		Error:       job.Error,
		Result:      job.Result.Clone(),
		RetryCount:  job.RetryCount,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}

// SubjectUpdate is published when a project's lifecycle status changes.
type SubjectUpdate struct {
	ProjectID models.ULID          `json:"project_id"`
	Status    models.ProjectStatus `json:"status"`
	Name      string               `json:"name,omitempty"`
}

// NewSubjectUpdate builds the subject event for a project.
func NewSubjectUpdate(project *models.Project) *SubjectUpdate {
	return &SubjectUpdate{
		ProjectID: project.ID,
		Status:    project.Status,
		Name:      project.Name,
	}
}

// SupervisorLog is a single supervisor action entry, mirrored onto the bus
// so push-channel clients see recovery activity as it happens.
type SupervisorLog struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
