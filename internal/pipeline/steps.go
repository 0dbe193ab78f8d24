package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/clipforge/clipforge/internal/dispatch"
	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/stepcache"
)

const (
	sceneDetectThreshold = 0.3
	energySampleRate     = 16000
	energyWindowSec      = 0.5
	peakThreshold        = 0.7
	silenceNoiseDB       = -30
	minSilenceDuration   = time.Second
)

// audioDoc is the cached audio_analysis step result. Energy values are
// normalized to the loudest window of the recording.
type audioDoc struct {
	Duration       float64             `json:"duration"`
	EnergyTimeline []media.EnergyPoint `json:"energy_timeline"`
	Peaks          []media.EnergyPoint `json:"peaks"`
	Silences       []media.Silence     `json:"silences"`
	AverageEnergy  float64             `json:"average_energy"`
	EnergyVariance float64             `json:"energy_variance"`
}

// sceneSpan is one detected scene interval.
type sceneSpan struct {
	ID         int     `json:"id"`
	Time       float64 `json:"time"`
	EndTime    float64 `json:"end_time"`
	Duration   float64 `json:"duration"`
	Confidence float64 `json:"confidence"`
	Type       string  `json:"type"`
}

// scenesDoc is the cached scenes step result.
type scenesDoc struct {
	Scenes      []sceneSpan `json:"scenes"`
	TotalScenes int         `json:"total_scenes"`
}

type layoutRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// layoutDoc is the cached layout step result.
type layoutDoc struct {
	LayoutType     string       `json:"layout_type"`
	FacecamRect    *layoutRect  `json:"facecam_rect"`
	ContentRect    *layoutRect  `json:"content_rect"`
	Confidence     float64      `json:"confidence"`
	FaceDetections []layoutRect `json:"face_detections"`
}

// analysisInput prefers the editing proxy over the full source.
func (h *analyzeHandler) analysisInput(project *models.Project) string {
	if project.ProxyPath != "" {
		if _, err := os.Stat(project.ProxyPath); err == nil {
			return project.ProxyPath
		}
	}
	return project.SourcePath
}

// storeStepError records a failed step so the next run recomputes it instead
// of trusting a partial result. Cancellations are not recorded: the step
// never produced an outcome.
func (h *analyzeHandler) storeStepError(ctx context.Context, project *models.Project, step stepcache.Step, cause error) {
	if ctx.Err() != nil {
		return
	}
	if err := h.deps.Cache.StoreError(project.ID, step, cause); err != nil {
		h.deps.log().Warn("step failure not recorded",
			slog.String("project_id", project.ID.String()),
			slog.String("step", string(step)),
			slog.Any("error", err))
	}
}

func (h *analyzeHandler) transcriptStep(ctx context.Context, project *models.Project, language string, report dispatch.ReportFunc) (*media.Transcript, error) {
	d := h.deps

	var cached media.Transcript
	if d.Cache.Load(project.ID, stepcache.StepTranscript, &cached) {
		report(35, "transcription", "Transcript already available")
		return &cached, nil
	}

	report(5, "transcription", "Transcribing audio")

	tempRoot, err := d.Sandbox.TempDir()
	if err != nil {
		return nil, err
	}
	outDir, err := os.MkdirTemp(tempRoot, "whisper-*")
	if err != nil {
		return nil, fmt.Errorf("creating transcription dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	transcript, err := d.Transcriber.Transcribe(ctx, project.AudioPath, outDir, project.DurationSec, language, func(pct float64) {
		report(5+pct*0.3, "transcription", fmt.Sprintf("Transcribing: %.0f%%", pct))
	})
	if err != nil {
		h.storeStepError(ctx, project, stepcache.StepTranscript, err)
		return nil, fmt.Errorf("transcribing audio: %w", err)
	}

	if err := d.Cache.Store(project.ID, stepcache.StepTranscript, transcript); err != nil {
		return nil, err
	}
	report(35, "transcription", "Transcription complete")
	return transcript, nil
}

func (h *analyzeHandler) audioStep(ctx context.Context, project *models.Project, report dispatch.ReportFunc) (*audioDoc, error) {
	d := h.deps

	var cached audioDoc
	if d.Cache.Load(project.ID, stepcache.StepAudioAnalysis, &cached) {
		report(50, "audio_analysis", "Audio analysis already available")
		return &cached, nil
	}

	report(40, "audio_analysis", "Measuring audio energy")
	energy, err := d.Runner.MeasureEnergy(ctx, project.AudioPath, energySampleRate, energyWindowSec)
	if err != nil {
		h.storeStepError(ctx, project, stepcache.StepAudioAnalysis, err)
		return nil, fmt.Errorf("measuring audio energy: %w", err)
	}

	report(45, "audio_analysis", "Detecting silences")
	silences, err := d.Runner.DetectSilences(ctx, project.AudioPath, silenceNoiseDB, minSilenceDuration)
	if err != nil {
		h.storeStepError(ctx, project, stepcache.StepAudioAnalysis, err)
		return nil, fmt.Errorf("detecting silences: %w", err)
	}

	doc := buildAudioDoc(project.DurationSec, energy, silences)
	if err := d.Cache.Store(project.ID, stepcache.StepAudioAnalysis, doc); err != nil {
		return nil, err
	}
	report(50, "audio_analysis", "Audio analysis complete")
	return doc, nil
}

func (h *analyzeHandler) scenesStep(ctx context.Context, project *models.Project, report dispatch.ReportFunc) (*scenesDoc, error) {
	d := h.deps

	var cached scenesDoc
	if d.Cache.Load(project.ID, stepcache.StepScenes, &cached) {
		report(65, "scene_detection", "Scene detection already available")
		return &cached, nil
	}

	report(55, "scene_detection", "Detecting scene changes")
	cuts, err := d.Runner.DetectScenes(ctx, h.analysisInput(project), sceneDetectThreshold)
	if err != nil {
		h.storeStepError(ctx, project, stepcache.StepScenes, err)
		return nil, fmt.Errorf("detecting scenes: %w", err)
	}

	doc := buildScenesDoc(cuts, project.DurationSec)
	if err := d.Cache.Store(project.ID, stepcache.StepScenes, doc); err != nil {
		return nil, err
	}
	report(65, "scene_detection", fmt.Sprintf("%d scenes found", doc.TotalScenes))
	return doc, nil
}

func (h *analyzeHandler) layoutStep(ctx context.Context, project *models.Project, report dispatch.ReportFunc) (*layoutDoc, error) {
	d := h.deps

	var cached layoutDoc
	if d.Cache.Load(project.ID, stepcache.StepLayout, &cached) {
		report(80, "layout", "Layout analysis already available")
		return &cached, nil
	}

	report(70, "layout", "Analyzing video layout")
	doc := buildLayoutDoc(project)
	if err := d.Cache.Store(project.ID, stepcache.StepLayout, doc); err != nil {
		return nil, err
	}
	report(80, "layout", "Layout analysis complete")
	return doc, nil
}

func buildAudioDoc(duration float64, energy []media.EnergyPoint, silences []media.Silence) *audioDoc {
	doc := &audioDoc{
		Duration:       duration,
		EnergyTimeline: []media.EnergyPoint{},
		Peaks:          []media.EnergyPoint{},
		Silences:       silences,
	}
	if doc.Silences == nil {
		doc.Silences = []media.Silence{}
	}
	if len(energy) == 0 {
		return doc
	}

	// Normalize against the loudest window so the peak threshold means
	// the same thing for quiet and loud recordings.
	loudest := 0.0
	for _, e := range energy {
		if e.Value > loudest {
			loudest = e.Value
		}
	}

	values := make([]float64, 0, len(energy))
	var sum float64
	for _, e := range energy {
		v := e.Value
		if loudest > 0 {
			v = e.Value / loudest
		}
		point := media.EnergyPoint{Time: e.Time, Value: v}
		doc.EnergyTimeline = append(doc.EnergyTimeline, point)
		if v > peakThreshold {
			doc.Peaks = append(doc.Peaks, point)
		}
		values = append(values, v)
		sum += v
	}

	doc.AverageEnergy = sum / float64(len(values))
	doc.EnergyVariance = variance(values)
	return doc
}

// buildScenesDoc turns cut points into scene intervals covering the whole
// source. The opening interval starts at zero with full confidence; every
// other interval takes the confidence of the cut that opens it.
func buildScenesDoc(cuts []media.SceneCut, duration float64) *scenesDoc {
	starts := []float64{0}
	confidences := []float64{1.0}
	for _, c := range cuts {
		if c.Time <= starts[len(starts)-1] {
			continue
		}
		if duration > 0 && c.Time >= duration {
			break
		}
		starts = append(starts, c.Time)
		confidences = append(confidences, c.Score)
	}

	end := duration
	if end < starts[len(starts)-1] {
		end = starts[len(starts)-1]
	}

	doc := &scenesDoc{Scenes: make([]sceneSpan, 0, len(starts))}
	for i := range starts {
		spanEnd := end
		if i+1 < len(starts) {
			spanEnd = starts[i+1]
		}
		doc.Scenes = append(doc.Scenes, sceneSpan{
			ID:         i,
			Time:       starts[i],
			EndTime:    spanEnd,
			Duration:   spanEnd - starts[i],
			Confidence: confidences[i],
			Type:       "cut",
		})
	}
	doc.TotalScenes = len(doc.Scenes)
	return doc
}

// buildLayoutDoc classifies the frame layout. Without face detection every
// source is treated as a montage with a full-frame content region.
func buildLayoutDoc(project *models.Project) *layoutDoc {
	width, height := project.Width, project.Height
	if width <= 0 || height <= 0 {
		width, height = 1920, 1080
	}
	return &layoutDoc{
		LayoutType:     "montage",
		ContentRect:    &layoutRect{X: 0, Y: 0, Width: width, Height: height},
		Confidence:     0.5,
		FaceDetections: []layoutRect{},
	}
}

// sceneTimes extracts the interval start times used as natural break points.
func sceneTimes(doc *scenesDoc) []float64 {
	if doc == nil {
		return nil
	}
	times := make([]float64, 0, len(doc.Scenes))
	for _, s := range doc.Scenes {
		times = append(times, s.Time)
	}
	return times
}
