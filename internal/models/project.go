package models

import (
	"strings"

	"gorm.io/gorm"
)

// ProjectStatus is the lifecycle status of a project. Statuses ending in
// "-ing" are transient: they assert that a live job is driving the project,
// and the supervisor resets them when no such job exists.
type ProjectStatus string

const (
	// ProjectStatusCreated indicates the project exists but has no artifacts.
	ProjectStatusCreated ProjectStatus = "created"
	// ProjectStatusDownloading indicates a scrape job is fetching the source.
	ProjectStatusDownloading ProjectStatus = "downloading"
	// ProjectStatusIngesting indicates an ingest job is running.
	ProjectStatusIngesting ProjectStatus = "ingesting"
	// ProjectStatusIngested indicates proxy and audio artifacts exist.
	ProjectStatusIngested ProjectStatus = "ingested"
	// ProjectStatusAnalyzing indicates an analyze job is running.
	ProjectStatusAnalyzing ProjectStatus = "analyzing"
	// ProjectStatusAnalyzed indicates segments and timeline exist.
	ProjectStatusAnalyzed ProjectStatus = "analyzed"
	// ProjectStatusExporting indicates an export or render job is running.
	ProjectStatusExporting ProjectStatus = "exporting"
	// ProjectStatusReady indicates deliverables exist.
	ProjectStatusReady ProjectStatus = "ready"
	// ProjectStatusError indicates the project needs operator attention.
	ProjectStatusError ProjectStatus = "error"
)

// IsTransient returns true for statuses that assert a live job.
func (s ProjectStatus) IsTransient() bool {
	return strings.HasSuffix(string(s), "ing")
}

// Predecessor returns the stable status a transient status falls back to
// when its driving job is lost. Stable statuses return themselves.
func (s ProjectStatus) Predecessor() ProjectStatus {
	switch s {
	case ProjectStatusDownloading, ProjectStatusIngesting:
		return ProjectStatusCreated
	case ProjectStatusAnalyzing:
		return ProjectStatusIngested
	case ProjectStatusExporting:
		return ProjectStatusAnalyzed
	default:
		return s
	}
}

// TransientStatusForKind returns the transient status a running job of the
// given kind puts its project into.
func TransientStatusForKind(kind JobKind) ProjectStatus {
	switch kind {
	case JobKindScrape:
		return ProjectStatusDownloading
	case JobKindIngest:
		return ProjectStatusIngesting
	case JobKindAnalyze:
		return ProjectStatusAnalyzing
	case JobKindRenderVariants, JobKindExport:
		return ProjectStatusExporting
	default:
		return ""
	}
}

// ResetStatusForKind returns the stable status a project rolls back to when
// a job of the given kind is recovered.
func ResetStatusForKind(kind JobKind) ProjectStatus {
	return TransientStatusForKind(kind).Predecessor()
}

// TransientStatuses are the statuses that assert a live driving job.
var TransientStatuses = []ProjectStatus{
	ProjectStatusDownloading,
	ProjectStatusIngesting,
	ProjectStatusAnalyzing,
	ProjectStatusExporting,
}

// OverrideStatuses are the statuses an operator may force a project into.
var OverrideStatuses = []ProjectStatus{
	ProjectStatusCreated,
	ProjectStatusIngested,
	ProjectStatusAnalyzed,
	ProjectStatusReady,
}

// IsValidOverrideStatus reports whether an operator override may target s.
func IsValidOverrideStatus(s ProjectStatus) bool {
	for _, v := range OverrideStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Project is a media source moving through the ingest/analyze/export
// workflow. The orchestrator mutates only Status (and the artifact paths its
// handlers own); everything else belongs to the domain layer.
type Project struct {
	BaseModel

	// Name is a human-readable label, usually derived from the source.
	Name string `gorm:"not null;size:255" json:"name"`

	// Status is the lifecycle status.
	Status ProjectStatus `gorm:"not null;default:'created';size:20;index" json:"status"`

	// SourceURL is set for URL imports, empty for local files.
	SourceURL string `gorm:"size:2048" json:"source_url,omitempty"`

	// SourcePath is the materialized source file. Set at creation for local
	// imports, by the scrape handler for URL imports.
	SourcePath string `gorm:"size:1024" json:"source_path,omitempty"`

	// ProxyPath is the editing proxy written by the ingest handler.
	ProxyPath string `gorm:"size:1024" json:"proxy_path,omitempty"`

	// AudioPath is the extracted audio track written by the ingest handler.
	AudioPath string `gorm:"size:1024" json:"audio_path,omitempty"`

	// ThumbnailPath is the cached poster frame, written on demand.
	ThumbnailPath string `gorm:"size:1024" json:"thumbnail_path,omitempty"`

	// AutoAnalyze records the workflow policy: when true, the supervisor
	// re-ignites analysis for an ingested project that lost its analyze job.
	AutoAnalyze bool `gorm:"default:false" json:"auto_analyze"`

	// DurationSec is the source duration, filled by the ingest probe.
	DurationSec float64 `json:"duration_sec,omitempty"`

	// Width and Height come from the ingest probe.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// VideoInfo holds the raw probe output for diagnostics.
	VideoInfo JSONMap `gorm:"column:video_info_json" json:"video_info,omitempty"`
}

// TableName returns the table name for Project.
func (Project) TableName() string {
	return "projects"
}

// Validate performs basic validation on the project.
func (p *Project) Validate() error {
	if p.Name == "" {
		return ErrNameRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the project and generates ULID.
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if err := p.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = ProjectStatusCreated
	}
	return p.Validate()
}
