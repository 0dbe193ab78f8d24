package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/clipforge/clipforge/internal/dispatch"
	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/stepcache"
)

// AnalyzePayload carries the arguments of an analyze job.
type AnalyzePayload struct {
	// Language forces the transcription language instead of auto-detect.
	Language string `json:"language,omitempty"`
	// Force discards cached step results and recomputes everything.
	Force bool `json:"force,omitempty"`
}

// analyzeHandler transcribes, scene-detects and scores a project. Each
// sub-step persists its result to the step cache before the next one runs,
// so a re-run picks up where the last attempt stopped.
type analyzeHandler struct {
	deps *Deps
}

// NewAnalyzeHandler returns the handler for analyze jobs.
func NewAnalyzeHandler(deps *Deps) dispatch.Handler {
	return &analyzeHandler{deps: deps}
}

func (h *analyzeHandler) Kind() models.JobKind { return models.JobKindAnalyze }

func (h *analyzeHandler) NewPayload() any { return &AnalyzePayload{} }

func (h *analyzeHandler) Execute(ctx context.Context, job *models.Job, payload any, report dispatch.ReportFunc) (models.JSONMap, error) {
	p := payload.(*AnalyzePayload)
	d := h.deps

	project, err := d.loadProject(ctx, job)
	if err != nil {
		return nil, err
	}
	if project.AudioPath == "" {
		return nil, fmt.Errorf("project %s has no extracted audio: %w", project.ID, models.ErrPrecondition)
	}
	if _, err := os.Stat(project.AudioPath); err != nil {
		return nil, fmt.Errorf("audio file %s missing: %w", project.AudioPath, models.ErrPrecondition)
	}

	if p.Force {
		if err := d.Cache.Invalidate(project.ID, stepcache.AllSteps...); err != nil {
			return nil, fmt.Errorf("clearing cached steps: %w", err)
		}
	}

	if err := d.setStatus(ctx, project, models.ProjectStatusAnalyzing); err != nil {
		return nil, err
	}

	transcript, err := h.transcriptStep(ctx, project, p.Language, report)
	if err != nil {
		return nil, d.failStage(ctx, job, project, err)
	}
	audio, err := h.audioStep(ctx, project, report)
	if err != nil {
		return nil, d.failStage(ctx, job, project, err)
	}
	scenes, err := h.scenesStep(ctx, project, report)
	if err != nil {
		return nil, d.failStage(ctx, job, project, err)
	}
	layout, err := h.layoutStep(ctx, project, report)
	if err != nil {
		return nil, d.failStage(ctx, job, project, err)
	}

	report(85, "scoring", "Scoring viral potential")
	phrases := annotateHooks(transcript.Segments)
	candidates := generateCandidates(phrases, project.DurationSec, sceneTimes(scenes))
	scoreCandidates(candidates, audio, scenes)
	final := dedupeCandidates(candidates)

	segments, err := h.replaceSegments(ctx, project, final, layout)
	if err != nil {
		return nil, d.failStage(ctx, job, project, err)
	}

	timeline := buildTimelineDoc(project, segments, phrases, audio, scenes)
	if err := d.Cache.Store(project.ID, stepcache.StepTimeline, timeline); err != nil {
		return nil, d.failStage(ctx, job, project, err)
	}

	if err := d.setStatus(ctx, project, models.ProjectStatusAnalyzed); err != nil {
		return nil, err
	}
	report(100, "complete", fmt.Sprintf("Analysis complete - %d segments found", len(segments)))

	return models.JSONMap{
		"project_id":           project.ID.String(),
		"segments_count":       len(segments),
		"timeline_layers":      len(timeline.Layers),
		"transcript_available": true,
	}, nil
}

// replaceSegments swaps the project's scored set for the new candidates.
func (h *analyzeHandler) replaceSegments(ctx context.Context, project *models.Project, candidates []*candidate, layout *layoutDoc) ([]*models.Segment, error) {
	d := h.deps

	if _, err := d.Segments.DeleteByProjectID(ctx, project.ID); err != nil {
		return nil, fmt.Errorf("clearing previous segments: %w", err)
	}

	segments := make([]*models.Segment, 0, len(candidates))
	for _, c := range candidates {
		segments = append(segments, &models.Segment{
			ProjectID: project.ID,
			StartSec:  c.StartSec,
			EndSec:    c.EndSec,
			Score:     float64(c.Score.Total) / 100,
			Title:     c.TopicLabel,
			Text:      clampRunes(c.Transcript, 4096),
			Details:   segmentDetails(c, layout),
		})
	}
	if len(segments) == 0 {
		return segments, nil
	}
	if err := d.Segments.CreateBatch(ctx, segments); err != nil {
		return nil, fmt.Errorf("storing segments: %w", err)
	}
	return segments, nil
}

func segmentDetails(c *candidate, layout *layoutDoc) models.JSONMap {
	details := models.JSONMap{
		"total":                 c.Score.Total,
		"hook_strength":         c.Score.Hook,
		"payoff":                c.Score.Payoff,
		"humour_reaction":       c.Score.Humour,
		"tension_surprise":      c.Score.Tension,
		"clarity_autonomy":      c.Score.Clarity,
		"rhythm":                c.Score.Rhythm,
		"reasons":               c.Score.Reasons,
		"tags":                  c.Score.Tags,
		"hook_text":             c.HookText,
		"window_size":           c.WindowSize,
		"cold_open_recommended": c.ColdOpen,
	}
	if c.ColdOpen {
		details["cold_open_start_time"] = c.ColdOpenStart
	}
	if layout != nil {
		details["layout_type"] = layout.LayoutType
	}
	return details
}

// timelineLayer is one plotted series of the project timeline.
type timelineLayer struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Data  []timelinePoint `json:"data"`
	Color string          `json:"color"`
}

type timelineSegment struct {
	ID        string  `json:"id"`
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
	Score     float64 `json:"score"`
	Label     string  `json:"label"`
}

// timelineDoc is the cached timeline step result consumed by the timeline
// endpoint.
type timelineDoc struct {
	ProjectID    string            `json:"projectId"`
	Duration     float64           `json:"duration"`
	Layers       []timelineLayer   `json:"layers"`
	Segments     []timelineSegment `json:"segments"`
	SceneChanges []sceneSpan       `json:"sceneChanges"`
}

func buildTimelineDoc(project *models.Project, segments []*models.Segment, phrases []hookedSegment, audio *audioDoc, scenes *scenesDoc) *timelineDoc {
	scenePoints := make([]timelinePoint, 0, len(scenes.Scenes))
	for _, s := range scenes.Scenes {
		scenePoints = append(scenePoints, timelinePoint{Time: s.Time, Value: s.Confidence})
	}

	layers := []timelineLayer{
		{ID: "audio_energy", Name: "Audio Energy", Type: "audio_energy", Data: toTimelinePoints(audio.EnergyTimeline), Color: "#FF6B6B"},
		{ID: "scene_changes", Name: "Scene Changes", Type: "scene_changes", Data: scenePoints, Color: "#4ECDC4"},
		{ID: "hook_likelihood", Name: "Hook Likelihood", Type: "hook_likelihood", Data: hookTimeline(phrases, project.DurationSec), Color: "#FFE66D"},
	}

	timelineSegments := make([]timelineSegment, 0, len(segments))
	for _, s := range segments {
		timelineSegments = append(timelineSegments, timelineSegment{
			ID:        s.ID.String(),
			StartTime: s.StartSec,
			EndTime:   s.EndSec,
			Score:     s.Score,
			Label:     s.Title,
		})
	}

	return &timelineDoc{
		ProjectID:    project.ID.String(),
		Duration:     project.DurationSec,
		Layers:       layers,
		Segments:     timelineSegments,
		SceneChanges: scenes.Scenes,
	}
}

func toTimelinePoints(energy []media.EnergyPoint) []timelinePoint {
	points := make([]timelinePoint, 0, len(energy))
	for _, e := range energy {
		points = append(points, timelinePoint{Time: e.Time, Value: e.Value})
	}
	return points
}

func clampRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
