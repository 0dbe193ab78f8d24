package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clipforge/clipforge/internal/dispatch"
	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/stepcache"
	"github.com/clipforge/clipforge/internal/storage"
	"github.com/clipforge/clipforge/pkg/format"
)

// DefaultPlatform is the post-text target when none is requested.
const DefaultPlatform = "tiktok"

// maxPostHashtags caps the hashtag block of a generated post.
const maxPostHashtags = 15

// ExportPayload carries the arguments of an export job.
type ExportPayload struct {
	// SegmentIDs selects the segments to package. Empty exports every
	// stored segment, best score first.
	SegmentIDs []string `json:"segment_ids,omitempty"`
	// CaptionStyle names the caption preset.
	CaptionStyle string `json:"caption_style,omitempty"`
	// Platform tunes the post text: tiktok, shorts or reels.
	Platform string `json:"platform,omitempty"`
	// IncludeCaptions burns captions into the clip and writes standalone
	// caption files. Defaults to true.
	IncludeCaptions *bool `json:"include_captions,omitempty"`
	// IncludeCover renders a cover frame. Defaults to true.
	IncludeCover *bool `json:"include_cover,omitempty"`
	// IncludePost writes ready-to-paste post text. Defaults to true.
	IncludePost *bool `json:"include_post,omitempty"`
	// IncludeMetadata writes the per-clip metadata document. Defaults to
	// true.
	IncludeMetadata *bool `json:"include_metadata,omitempty"`
}

// exportHandler renders selected segments into delivery clips and packages
// the surrounding artifacts: cover frame, caption files, post text and a
// metadata document.
type exportHandler struct {
	deps *Deps
}

// NewExportHandler returns the handler for export jobs.
func NewExportHandler(deps *Deps) dispatch.Handler {
	return &exportHandler{deps: deps}
}

func (h *exportHandler) Kind() models.JobKind { return models.JobKindExport }

func (h *exportHandler) NewPayload() any { return &ExportPayload{} }

// exportRun is the per-job state shared across segment exports.
type exportRun struct {
	project    *models.Project
	transcript *media.Transcript
	workDir    string
	style      string
	platform   string
	captions   bool
	cover      bool
	post       bool
	metadata   bool
}

func (h *exportHandler) Execute(ctx context.Context, job *models.Job, payload any, report dispatch.ReportFunc) (models.JSONMap, error) {
	p := payload.(*ExportPayload)
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

	segments, err := d.selectSegments(ctx, project, p.SegmentIDs)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("project %s has no segments to export: %w", project.ID, models.ErrPrecondition)
	}

	var transcript media.Transcript
	if !d.Cache.Load(project.ID, stepcache.StepTranscript, &transcript) {
		return nil, fmt.Errorf("project %s has no transcript, analyze it first: %w", project.ID, models.ErrPrecondition)
	}

	if err := d.setStatus(ctx, project, models.ProjectStatusExporting); err != nil {
		return nil, err
	}
	report(5, "setup", "Preparing export")

	tempRoot, err := d.Sandbox.TempDir()
	if err != nil {
		return nil, d.failStage(ctx, job, project, err)
	}
	workDir, err := os.MkdirTemp(tempRoot, "export-*")
	if err != nil {
		return nil, d.failStage(ctx, job, project, fmt.Errorf("creating export dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	run := &exportRun{
		project:    project,
		transcript: &transcript,
		workDir:    workDir,
		style:      p.CaptionStyle,
		platform:   p.Platform,
		captions:   boolOrTrue(p.IncludeCaptions),
		cover:      boolOrTrue(p.IncludeCover),
		post:       boolOrTrue(p.IncludePost),
		metadata:   boolOrTrue(p.IncludeMetadata),
	}
	if run.style == "" {
		run.style = DefaultCaptionStyle
	}
	if run.platform == "" {
		run.platform = DefaultPlatform
	}

	exports := make([]any, 0, len(segments))
	for i, segment := range segments {
		// Each segment owns an even share of the 5-95 band.
		lo := 5 + 90*float64(i)/float64(len(segments))
		hi := 5 + 90*float64(i+1)/float64(len(segments))

		entry, err := h.exportSegment(ctx, run, segment, report, lo, hi, i, len(segments))
		if err != nil {
			return nil, d.failStage(ctx, job, project, err)
		}
		exports = append(exports, entry)
	}

	if err := d.setStatus(ctx, project, models.ProjectStatusReady); err != nil {
		return nil, err
	}
	report(100, "complete", fmt.Sprintf("Export complete - %d clips packaged", len(segments)))

	exportDir, err := d.Sandbox.ResolvePath(storage.ExportsDir(project.ID))
	if err != nil {
		return nil, err
	}
	return models.JSONMap{
		"project_id":     project.ID.String(),
		"export_dir":     exportDir,
		"segments_count": len(segments),
		"exports":        exports,
	}, nil
}

// exportSegment renders one segment and writes its artifact set. Progress
// is mapped into the [lo, hi] band reserved for this segment.
func (h *exportHandler) exportSegment(ctx context.Context, run *exportRun, segment *models.Segment, report dispatch.ReportFunc, lo, hi float64, index, total int) (models.JSONMap, error) {
	d := h.deps
	project := run.project
	duration := segment.DurationSec()
	at := func(frac float64) float64 { return lo + (hi-lo)*frac }

	report(at(0), "render", fmt.Sprintf("Rendering clip %d/%d", index+1, total))

	// Captions are cut to the clip bounds and rebased to clip time before
	// they are burnt or written out.
	var phrases []media.TranscriptSegment
	if run.captions {
		phrases = shiftPhrases(phrasesWithinSegment(run.transcript.Segments, segment), segment.StartSec)
	}

	opts := media.DefaultClipOptions()
	opts.StartSec = segment.StartSec
	opts.DurationSec = duration

	if len(phrases) > 0 {
		assPath := filepath.Join(run.workDir, segment.ID.String()+".ass")
		if err := os.WriteFile(assPath, []byte(generateASS(phrases, run.style)), 0o644); err != nil {
			return nil, fmt.Errorf("writing subtitle track: %w", err)
		}
		opts.SubtitlePath = assPath
	}

	clipPath := filepath.Join(run.workDir, segment.ID.String()+".mp4")
	err := d.Runner.RenderClip(ctx, project.SourcePath, clipPath, opts, func(pct float64) {
		report(at(pct/100*0.7), "render", fmt.Sprintf("Rendering: %.0f%%", pct))
	})
	if err != nil {
		return nil, fmt.Errorf("rendering segment %s: %w", segment.ID, err)
	}

	videoRel := storage.ExportFile(project.ID, segment.ID)
	if err := d.Sandbox.AtomicPublish(clipPath, videoRel); err != nil {
		return nil, fmt.Errorf("publishing clip: %w", err)
	}
	artifacts := models.JSONMap{"video": filepath.Base(videoRel)}

	if run.cover {
		report(at(0.75), "cover", "Generating cover")
		if name, err := h.exportCover(ctx, run, segment, duration); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			// A missing cover does not spoil the clip.
			d.log().Warn("cover render failed, continuing without cover",
				"project_id", project.ID, "segment_id", segment.ID, "error", err)
		} else {
			artifacts["cover"] = name
		}
	}

	if run.captions && len(phrases) > 0 {
		report(at(0.8), "captions", "Generating captions")
		files := captionFiles(phrases, run.style)
		for _, format := range []string{"ass", "srt", "vtt"} {
			rel := storage.ExportCaptionFile(project.ID, segment.ID, format)
			if err := d.Sandbox.AtomicWrite(rel, []byte(files[format])); err != nil {
				return nil, fmt.Errorf("writing %s captions: %w", format, err)
			}
			artifacts["captions_"+format] = filepath.Base(rel)
		}
	}

	if run.post {
		report(at(0.85), "post", "Generating post text")
		rel := storage.ExportPostFile(project.ID, segment.ID)
		if err := d.Sandbox.AtomicWrite(rel, []byte(buildPostText(segment, run.platform))); err != nil {
			return nil, fmt.Errorf("writing post text: %w", err)
		}
		artifacts["post"] = filepath.Base(rel)
	}

	if run.metadata {
		report(at(0.9), "metadata", "Generating metadata")
		doc, err := json.MarshalIndent(exportMetadata(project, segment, run.platform, artifacts), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		rel := storage.ExportMetadataFile(project.ID, segment.ID)
		if err := d.Sandbox.AtomicWrite(rel, doc); err != nil {
			return nil, fmt.Errorf("writing metadata: %w", err)
		}
		artifacts["metadata"] = filepath.Base(rel)
	}

	return models.JSONMap{
		"segment_id": segment.ID.String(),
		"title":      segment.Title,
		"artifacts":  artifacts,
	}, nil
}

// exportCover grabs the cover frame 30% into the clip and publishes it.
func (h *exportHandler) exportCover(ctx context.Context, run *exportRun, segment *models.Segment, duration float64) (string, error) {
	d := h.deps
	opts := media.DefaultClipOptions()
	coverPath := filepath.Join(run.workDir, segment.ID.String()+"_cover.jpg")
	coverAt := segment.StartSec + duration*0.3

	if err := d.Runner.ExtractFrame(ctx, run.project.SourcePath, coverPath, coverAt, opts.Width, opts.Height); err != nil {
		return "", fmt.Errorf("extracting cover frame: %w", err)
	}
	rel := storage.ExportCoverFile(run.project.ID, segment.ID)
	if err := d.Sandbox.AtomicPublish(coverPath, rel); err != nil {
		return "", fmt.Errorf("publishing cover: %w", err)
	}
	return filepath.Base(rel), nil
}

// exportMetadata builds the per-clip metadata document: identity, timing,
// the scoring breakdown and the render settings used.
func exportMetadata(project *models.Project, segment *models.Segment, platform string, artifacts models.JSONMap) models.JSONMap {
	opts := media.DefaultClipOptions()
	return models.JSONMap{
		"project_id":  project.ID.String(),
		"segment_id":  segment.ID.String(),
		"platform":    platform,
		"source_file": filepath.Base(project.SourcePath),
		"start_time":  segment.StartSec,
		"end_time":    segment.EndSec,
		"duration":    segment.DurationSec(),
		"timecode":    format.TimecodeRange(segment.StartSec, segment.EndSec),
		"score":       scoreBreakdown(segment),
		"topic_label": segment.Title,
		"hook_text":   stringDetail(segment, "hook_text"),
		"render_settings": models.JSONMap{
			"width":  opts.Width,
			"height": opts.Height,
			"fps":    opts.FPS,
		},
		"exported_at": time.Now().UTC().Format(time.RFC3339),
		"artifacts":   artifacts,
	}
}

// scoreBreakdown extracts the component scores from the segment details.
func scoreBreakdown(segment *models.Segment) models.JSONMap {
	out := models.JSONMap{"total": math.Round(segment.Score * 100)}
	for _, key := range []string{
		"total", "hook_strength", "payoff", "humour_reaction",
		"tension_surprise", "clarity_autonomy", "rhythm", "reasons", "tags",
	} {
		if v, ok := segment.Details[key]; ok {
			out[key] = v
		}
	}
	return out
}

// basePostHashtags seed every generated post.
var basePostHashtags = []string{"viral", "clip", "highlights"}

// tagHashtags maps content tags to their hashtag sets.
var tagHashtags = map[string][]string{
	"humour":   {"funny", "comedy", "lol"},
	"surprise": {"unexpected", "shocking", "wow"},
	"rage":     {"angry", "rage", "rant"},
	"clutch":   {"clutch", "gaming", "win"},
	"debate":   {"debate", "discussion", "hot"},
	"fail":     {"fail", "fails", "rip"},
}

// platformHashtags maps delivery platforms to their reach hashtags.
var platformHashtags = map[string][]string{
	"tiktok": {"fyp", "foryou", "tiktok"},
	"shorts": {"shorts", "youtube", "ytshorts"},
	"reels":  {"reels", "instagram", "igreels"},
}

// buildPostText assembles ready-to-paste post copy: title, hook line, the
// top scoring reasons and a deduplicated hashtag block.
func buildPostText(segment *models.Segment, platform string) string {
	title := segment.Title
	if title == "" {
		title = "Check this out!"
	}

	description := stringDetail(segment, "hook_text")
	if reasons := stringsDetail(segment, "reasons"); len(reasons) > 0 {
		if len(reasons) > 3 {
			reasons = reasons[:3]
		}
		description += "\n\n" + strings.Join(reasons, " • ")
	}

	hashtags := append([]string{}, basePostHashtags...)
	for _, tag := range stringsDetail(segment, "tags") {
		hashtags = append(hashtags, tagHashtags[tag]...)
	}
	hashtags = append(hashtags, platformHashtags[platform]...)

	seen := make(map[string]bool, len(hashtags))
	unique := make([]string, 0, len(hashtags))
	for _, tag := range hashtags {
		if seen[tag] {
			continue
		}
		seen[tag] = true
		unique = append(unique, "#"+tag)
		if len(unique) == maxPostHashtags {
			break
		}
	}

	return fmt.Sprintf("📌 %s\n\n%s\n\n%s\n", title, description, strings.Join(unique, " "))
}

// phrasesWithinSegment keeps phrases that start inside the clip bounds.
func phrasesWithinSegment(phrases []media.TranscriptSegment, segment *models.Segment) []media.TranscriptSegment {
	out := make([]media.TranscriptSegment, 0, len(phrases))
	for _, p := range phrases {
		if p.Start >= segment.StartSec && p.Start <= segment.EndSec {
			out = append(out, p)
		}
	}
	return out
}

// shiftPhrases rebases phrase and word times so zero is the clip start.
func shiftPhrases(phrases []media.TranscriptSegment, offset float64) []media.TranscriptSegment {
	out := make([]media.TranscriptSegment, len(phrases))
	for i, p := range phrases {
		p.Start = max(p.Start-offset, 0)
		p.End = max(p.End-offset, 0)
		if len(p.Words) > 0 {
			words := make([]media.TranscriptWord, len(p.Words))
			for j, w := range p.Words {
				w.Start = max(w.Start-offset, 0)
				w.End = max(w.End-offset, 0)
				words[j] = w
			}
			p.Words = words
		}
		out[i] = p
	}
	return out
}

// stringDetail returns a string field from the segment details.
func stringDetail(segment *models.Segment, key string) string {
	s, _ := segment.Details[key].(string)
	return s
}

// stringsDetail returns a string-slice field from the segment details. The
// JSON round-trip through the store turns typed slices into []any.
func stringsDetail(segment *models.Segment, key string) []string {
	switch v := segment.Details[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
