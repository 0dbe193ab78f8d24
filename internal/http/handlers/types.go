// Package handlers provides the HTTP API handlers for clipforge.
package handlers

import (
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/clipforge/clipforge/internal/models"
)

// JobResponse represents a job in API responses.
type JobResponse struct {
	ID          models.ULID      `json:"id"`
	Kind        models.JobKind   `json:"kind"`
	SubjectID   models.ULID      `json:"subject_id,omitempty"`
	Status      models.JobStatus `json:"status"`
	Progress    float64          `json:"progress"`
	Stage       string           `json:"stage,omitempty"`
	Message     string           `json:"message,omitempty"`
	Error       string           `json:"error,omitempty"`
	Payload     models.JSONMap   `json:"payload,omitempty"`
	Result      models.JSONMap   `json:"result,omitempty"`
	RetryCount  int              `json:"retry_count"`
	LockedBy    string           `json:"locked_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	DurationMs  int64            `json:"duration_ms,omitempty"`
}

// JobFromModel converts a job model to a response.
func JobFromModel(j *models.Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		Kind:        j.Kind,
		SubjectID:   j.SubjectID,
		Status:      j.Status,
		Progress:    j.Progress,
		Stage:       j.Stage,
		Message:     j.Message,
		Error:       j.Error,
		Payload:     j.Payload,
		Result:      j.Result,
		RetryCount:  j.RetryCount,
		LockedBy:    j.LockedBy,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		DurationMs:  j.DurationMs,
	}
}

// ProjectResponse represents a project in API responses.
type ProjectResponse struct {
	ID          models.ULID          `json:"id"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Name        string               `json:"name"`
	Status      models.ProjectStatus `json:"status"`
	SourceURL   string               `json:"source_url,omitempty"`
	SourcePath  string               `json:"source_path,omitempty"`
	ProxyPath   string               `json:"proxy_path,omitempty"`
	AudioPath   string               `json:"audio_path,omitempty"`
	Thumbnail   string               `json:"thumbnail_path,omitempty"`
	AutoAnalyze bool                 `json:"auto_analyze"`
	DurationSec float64              `json:"duration_sec,omitempty"`
	Width       int                  `json:"width,omitempty"`
	Height      int                  `json:"height,omitempty"`
	VideoInfo   models.JSONMap       `json:"video_info,omitempty"`
}

// ProjectFromModel converts a project model to a response.
func ProjectFromModel(p *models.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		Name:        p.Name,
		Status:      p.Status,
		SourceURL:   p.SourceURL,
		SourcePath:  p.SourcePath,
		ProxyPath:   p.ProxyPath,
		AudioPath:   p.AudioPath,
		Thumbnail:   p.ThumbnailPath,
		AutoAnalyze: p.AutoAnalyze,
		DurationSec: p.DurationSec,
		Width:       p.Width,
		Height:      p.Height,
		VideoInfo:   p.VideoInfo,
	}
}

// SegmentResponse represents a scored segment in API responses.
type SegmentResponse struct {
	ID        models.ULID    `json:"id"`
	ProjectID models.ULID    `json:"project_id"`
	StartSec  float64        `json:"start_sec"`
	EndSec    float64        `json:"end_sec"`
	Score     float64        `json:"score"`
	Title     string         `json:"title,omitempty"`
	Text      string         `json:"text,omitempty"`
	Details   models.JSONMap `json:"details,omitempty"`
}

// SegmentFromModel converts a segment model to a response.
func SegmentFromModel(s *models.Segment) SegmentResponse {
	return SegmentResponse{
		ID:        s.ID,
		ProjectID: s.ProjectID,
		StartSec:  s.StartSec,
		EndSec:    s.EndSec,
		Score:     s.Score,
		Title:     s.Title,
		Text:      s.Text,
		Details:   s.Details,
	}
}

// serviceError maps the domain sentinels onto HTTP errors. Anything
// unrecognized is a 500.
func serviceError(message string, err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return huma.Error404NotFound(message, err)
	case errors.Is(err, models.ErrConflict):
		return huma.Error409Conflict(message, err)
	case errors.Is(err, models.ErrPrecondition):
		return huma.Error422UnprocessableEntity(message, err)
	default:
		return huma.Error500InternalServerError(message, err)
	}
}
