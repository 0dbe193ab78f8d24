package models

import (
	"gorm.io/gorm"
)

// JobKind identifies the handler a job is dispatched to.
type JobKind string

const (
	// JobKindScrape fetches a remote source and materializes it on disk.
	JobKindScrape JobKind = "scrape"
	// JobKindIngest probes a materialized source, builds the editing proxy,
	// and extracts the audio track.
	JobKindIngest JobKind = "ingest"
	// JobKindAnalyze transcribes, scene-detects and scores a project.
	JobKindAnalyze JobKind = "analyze"
	// JobKindRenderVariants renders per-segment preview variants.
	JobKindRenderVariants JobKind = "render_variants"
	// JobKindExport renders and packages final deliverables.
	JobKindExport JobKind = "export"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be claimed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently executing.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled.
	JobStatusCancelled JobStatus = "cancelled"
)

// TerminalStatuses are the statuses a finished job may hold.
var TerminalStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

// Job is the durable record of a unit of work. Jobs move
// pending -> running -> {completed, failed, cancelled}; pending -> cancelled
// is allowed, and the only backward edge is the recovery reset
// running -> pending applied at process startup.
type Job struct {
	BaseModel

	// Kind selects the registered handler.
	Kind JobKind `gorm:"not null;size:50;index" json:"kind"`

	// SubjectID references the project this job operates on. Optional:
	// maintenance jobs carry no subject.
	SubjectID ULID `gorm:"type:varchar(26);index" json:"subject_id,omitempty"`

	// Status indicates the current lifecycle state.
	Status JobStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`

	// Progress is the completion percentage in [0, 100]. It never decreases
	// while the job is running.
	Progress float64 `gorm:"default:0" json:"progress"`

	// Stage is the handler-reported sub-step label.
	Stage string `gorm:"size:100" json:"stage,omitempty"`

	// Message is the handler-reported human-readable progress message.
	Message string `gorm:"size:1024" json:"message,omitempty"`

	// Error holds the failure cause for failed jobs.
	Error string `gorm:"column:error;size:4096" json:"error,omitempty"`

	// Payload carries the arguments given at creation. Immutable afterwards;
	// unknown keys are preserved verbatim.
	Payload JSONMap `gorm:"column:payload_json" json:"payload,omitempty"`

	// Result carries the handler's return value for completed jobs.
	Result JSONMap `gorm:"column:result_json" json:"result,omitempty"`

	// RetryCount is how many times the supervisor has re-created this work
	// after a failure. Bounded by the configured maximum.
	RetryCount int `gorm:"default:0" json:"retry_count"`

	// LockedBy is the worker that claimed this job.
	LockedBy string `gorm:"size:100;index" json:"locked_by,omitempty"`

	// StartedAt is the timestamp when the job was claimed.
	StartedAt *Time `json:"started_at,omitempty"`

	// CompletedAt is the timestamp of the terminal transition.
	CompletedAt *Time `gorm:"index" json:"completed_at,omitempty"`

	// DurationMs is the execution duration in milliseconds.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// TableName returns the table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// NewJob constructs a pending job for the given kind and subject.
func NewJob(kind JobKind, subjectID ULID, payload JSONMap) *Job {
	return &Job{
		Kind:      kind,
		SubjectID: subjectID,
		Status:    JobStatusPending,
		Payload:   payload,
	}
}

// IsPending returns true if the job is waiting to be claimed.
func (j *Job) IsPending() bool {
	return j.Status == JobStatusPending
}

// IsRunning returns true if the job is currently executing.
func (j *Job) IsRunning() bool {
	return j.Status == JobStatusRunning
}

// IsActive returns true if the job is pending or running.
func (j *Job) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// IsFinished returns true if the job reached a terminal status.
func (j *Job) IsFinished() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed || j.Status == JobStatusCancelled
}

// MarkRunning marks the job as claimed by a worker.
func (j *Job) MarkRunning(workerID string) {
	j.Status = JobStatusRunning
	now := Now()
	j.StartedAt = &now
	j.LockedBy = workerID
	j.Error = ""
}

// MarkCompleted marks the job as completed successfully.
func (j *Job) MarkCompleted(result JSONMap) {
	j.Status = JobStatusCompleted
	now := Now()
	j.CompletedAt = &now
	j.Progress = 100
	j.Result = result
	j.Error = ""

	if j.StartedAt != nil {
		j.DurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}

	j.LockedBy = ""
}

// MarkFailed marks the job as failed with an error message.
func (j *Job) MarkFailed(err error) {
	j.Status = JobStatusFailed
	now := Now()
	j.CompletedAt = &now

	if err != nil {
		j.Error = err.Error()
	}

	if j.StartedAt != nil {
		j.DurationMs = now.Sub(*j.StartedAt).Milliseconds()
	}

	j.LockedBy = ""
}

// MarkCancelled marks the job as cancelled.
func (j *Job) MarkCancelled() {
	j.Status = JobStatusCancelled
	now := Now()
	j.CompletedAt = &now
	j.LockedBy = ""
}

// ResetToPending returns a running job to the pending state. Only the
// startup recovery path uses this; it is the single allowed backward
// transition.
func (j *Job) ResetToPending() {
	j.Status = JobStatusPending
	j.Progress = 0
	j.Stage = ""
	j.Message = ""
	j.StartedAt = nil
	j.LockedBy = ""
}

// AutoAnalyze reports whether the payload requests analysis chaining.
func (j *Job) AutoAnalyze() bool {
	return j.Payload.Bool("auto_analyze")
}

// AutoIngest reports whether the payload requests ingest chaining.
func (j *Job) AutoIngest() bool {
	return j.Payload.Bool("auto_ingest")
}

// Validate performs basic validation on the job.
func (j *Job) Validate() error {
	if j.Kind == "" {
		return ErrJobKindRequired
	}
	if j.Progress < 0 || j.Progress > 100 {
		return ErrProgressOutOfRange
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the job and generates ULID.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if err := j.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return j.Validate()
}

// BeforeUpdate is a GORM hook that validates the job before update.
func (j *Job) BeforeUpdate(tx *gorm.DB) error {
	return j.Validate()
}
