package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/clipforge/clipforge/internal/dispatch"
	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/storage"
)

// presetNameRe bounds preset labels so they stay safe as filename parts.
var presetNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,16}$`)

// RenderPayload carries the arguments of a render_variants job.
type RenderPayload struct {
	// SegmentIDs selects the segments to render. Empty renders every
	// stored segment, best score first.
	SegmentIDs []string `json:"segment_ids,omitempty"`
	// Presets labels the variants to render per segment. Defaults to a
	// single "A" variant.
	Presets []string `json:"presets,omitempty"`
}

// variantClipOptions returns the low-cost preview render settings: half the
// delivery resolution, no burnt captions.
func variantClipOptions() media.ClipOptions {
	return media.ClipOptions{Width: 540, Height: 960, FPS: 30, CRF: 28}
}

// renderHandler renders quick preview variants for selected segments so an
// operator can eyeball candidates before committing to a full export.
type renderHandler struct {
	deps *Deps
}

// NewRenderHandler returns the handler for render_variants jobs.
func NewRenderHandler(deps *Deps) dispatch.Handler {
	return &renderHandler{deps: deps}
}

func (h *renderHandler) Kind() models.JobKind { return models.JobKindRenderVariants }

func (h *renderHandler) NewPayload() any { return &RenderPayload{} }

func (h *renderHandler) Execute(ctx context.Context, job *models.Job, payload any, report dispatch.ReportFunc) (models.JSONMap, error) {
	p := payload.(*RenderPayload)
	d := h.deps

	project, err := d.loadProject(ctx, job)
	if err != nil {
		return nil, err
	}
	if project.SourcePath == "" {
		return nil, fmt.Errorf("project %s has no source file: %w", project.ID, models.ErrPrecondition)
	}
	if _, err := os.Stat(project.SourcePath); err != nil {
		return nil, fmt.Errorf("source file %s missing: %w", project.SourcePath, models.ErrPrecondition)
	}

	presets := p.Presets
	if len(presets) == 0 {
		presets = []string{"A"}
	}
	for _, preset := range presets {
		if !presetNameRe.MatchString(preset) {
			return nil, fmt.Errorf("preset %q is not valid: %w", preset, models.ErrPrecondition)
		}
	}

	segments, err := d.selectSegments(ctx, project, p.SegmentIDs)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("project %s has no segments to render: %w", project.ID, models.ErrPrecondition)
	}

	if err := d.setStatus(ctx, project, models.ProjectStatusExporting); err != nil {
		return nil, err
	}
	report(5, "setup", "Preparing variant renders")

	tempRoot, err := d.Sandbox.TempDir()
	if err != nil {
		return nil, d.failStage(ctx, job, project, err)
	}
	workDir, err := os.MkdirTemp(tempRoot, "render-*")
	if err != nil {
		return nil, d.failStage(ctx, job, project, fmt.Errorf("creating render dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	total := len(segments) * len(presets)
	span := 90.0 / float64(total)
	variants := make([]any, 0, total)

	for si, segment := range segments {
		for pi, preset := range presets {
			lo := 5 + span*float64(si*len(presets)+pi)
			stage := "variant_" + preset
			report(lo, stage, fmt.Sprintf("Generating variant %s for clip %d/%d", preset, si+1, len(segments)))

			abs, err := h.renderVariant(ctx, project, segment, preset, workDir, func(pct float64) {
				report(lo+pct/100*span, stage, fmt.Sprintf("Rendering: %.0f%%", pct))
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				// One bad variant should not sink the batch.
				d.log().Warn("variant render failed, continuing",
					"project_id", project.ID, "segment_id", segment.ID,
					"preset", preset, "error", err)
				variants = append(variants, models.JSONMap{
					"segment_id": segment.ID.String(),
					"preset":     preset,
					"path":       nil,
				})
				continue
			}
			variants = append(variants, models.JSONMap{
				"segment_id": segment.ID.String(),
				"preset":     preset,
				"path":       abs,
			})
		}
	}

	if err := d.setStatus(ctx, project, models.ProjectStatusAnalyzed); err != nil {
		return nil, err
	}
	report(100, "complete", fmt.Sprintf("Generated %d variants", total))

	return models.JSONMap{
		"project_id":     project.ID.String(),
		"segments_count": len(segments),
		"variants":       variants,
	}, nil
}

// renderVariant renders one preview and publishes it into the project's
// variants directory, returning the absolute path.
func (h *renderHandler) renderVariant(ctx context.Context, project *models.Project, segment *models.Segment, preset, workDir string, onProgress media.ProgressFunc) (string, error) {
	d := h.deps

	opts := variantClipOptions()
	opts.StartSec = segment.StartSec
	opts.DurationSec = segment.DurationSec()

	tmpPath := filepath.Join(workDir, segment.ID.String()+"_"+preset+".mp4")
	if err := d.Runner.RenderClip(ctx, project.SourcePath, tmpPath, opts, onProgress); err != nil {
		return "", fmt.Errorf("rendering variant %s: %w", preset, err)
	}

	rel := storage.VariantFile(project.ID, segment.ID, preset)
	if err := d.Sandbox.AtomicPublish(tmpPath, rel); err != nil {
		return "", fmt.Errorf("publishing variant: %w", err)
	}
	return d.Sandbox.ResolvePath(rel)
}
