package models

import "gorm.io/gorm"

// Segment is a scored candidate sub-clip produced by the analyze stage.
// Export and render jobs read segments; nothing mutates them afterwards.
type Segment struct {
	BaseModel

	// ProjectID is the owning project.
	ProjectID ULID `gorm:"type:varchar(26);not null;index" json:"project_id"`

	// StartSec and EndSec bound the clip within the source.
	StartSec float64 `gorm:"not null" json:"start_sec"`
	EndSec   float64 `gorm:"not null" json:"end_sec"`

	// Score is the virality score in [0, 1]. Higher ranks first.
	Score float64 `gorm:"index" json:"score"`

	// Title is a short generated caption for the clip.
	Title string `gorm:"size:255" json:"title,omitempty"`

	// Text is the transcript slice covered by the clip.
	Text string `gorm:"size:4096" json:"text,omitempty"`

	// Details carries the scoring breakdown: component scores, reasons,
	// tags, hook text and layout hints.
	Details JSONMap `gorm:"column:details_json" json:"details,omitempty"`
}

// TableName returns the table name for Segment.
func (Segment) TableName() string {
	return "segments"
}

// DurationSec returns the clip length in seconds.
func (s *Segment) DurationSec() float64 {
	return s.EndSec - s.StartSec
}

// Validate performs basic validation on the segment.
func (s *Segment) Validate() error {
	if s.ProjectID.IsZero() {
		return ErrSegmentProjectRequired
	}
	if s.EndSec <= s.StartSec {
		return ErrSegmentBoundsInvalid
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the segment and generates ULID.
func (s *Segment) BeforeCreate(tx *gorm.DB) error {
	if err := s.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return s.Validate()
}
