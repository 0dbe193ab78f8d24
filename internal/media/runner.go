// Package media wraps the external worker binaries (ffmpeg, ffprobe,
// whisper, yt-dlp) behind small typed APIs. Handlers own the subprocesses
// they start here: every call takes a context and the process dies with it.
package media

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ProgressFunc receives percentages in [0,100] as a subprocess advances.
// Implementations must be cheap; they run on the pipe-reading goroutine.
type ProgressFunc func(percent float64)

// Runner executes ffmpeg operations. Progress is read from the
// machine-readable -progress stream, never from the human stats line.
type Runner struct {
	ffmpegPath string
	logger     *slog.Logger
}

// NewRunner creates a runner for the given ffmpeg binary. An empty path
// resolves from PATH.
func NewRunner(ffmpegPath string) *Runner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Runner{
		ffmpegPath: ffmpegPath,
		logger:     slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	r.logger = logger
	return r
}

// ProxyOptions configures proxy transcodes.
type ProxyOptions struct {
	Width  int
	Height int
	CRF    int
}

// DefaultProxyOptions returns the standard 720p editing proxy settings.
func DefaultProxyOptions() ProxyOptions {
	return ProxyOptions{Width: 1280, Height: 720, CRF: 28}
}

// CreateProxy transcodes the source into a lightweight editing proxy.
// durationSec drives progress percentage; zero disables reporting.
func (r *Runner) CreateProxy(ctx context.Context, input, output string, opts ProxyOptions, durationSec float64, onProgress ProgressFunc) error {
	scale := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		opts.Width, opts.Height, opts.Width, opts.Height)

	args := []string{
		"-i", input,
		"-vf", scale,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-crf", strconv.Itoa(opts.CRF),
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		output,
	}
	return r.run(ctx, args, durationSec, onProgress)
}

// AudioOptions configures audio extraction.
type AudioOptions struct {
	SampleRate int
	Channels   int
	Track      int
	Normalize  bool
}

// DefaultAudioOptions returns speech-to-text friendly settings: 16 kHz
// mono with loudness normalization.
func DefaultAudioOptions() AudioOptions {
	return AudioOptions{SampleRate: 16000, Channels: 1, Track: 0, Normalize: true}
}

// ExtractAudio demuxes one audio track to a WAV-compatible PCM file.
func (r *Runner) ExtractAudio(ctx context.Context, input, output string, opts AudioOptions, durationSec float64, onProgress ProgressFunc) error {
	args := []string{
		"-i", input,
		"-map", fmt.Sprintf("0:a:%d", opts.Track),
		"-vn",
		"-ar", strconv.Itoa(opts.SampleRate),
		"-ac", strconv.Itoa(opts.Channels),
	}
	if opts.Normalize {
		args = append(args, "-af", "loudnorm=I=-16:TP=-1.5:LRA=11")
	}
	args = append(args, output)
	return r.run(ctx, args, durationSec, onProgress)
}

// ClipOptions configures segment rendering.
type ClipOptions struct {
	StartSec    float64
	DurationSec float64
	Width       int
	Height      int
	FPS         int
	CRF         int

	// SubtitlePath burns an ASS caption track when set.
	SubtitlePath string

	// Filters are prepended to the scaling chain, e.g. crop/vstack
	// compositions built from the layout analysis.
	Filters []string
}

// DefaultClipOptions returns the vertical short-form render settings.
func DefaultClipOptions() ClipOptions {
	return ClipOptions{Width: 1080, Height: 1920, FPS: 30, CRF: 23}
}

// RenderClip cuts a sub-clip and renders it to the delivery format.
func (r *Runner) RenderClip(ctx context.Context, input, output string, opts ClipOptions, onProgress ProgressFunc) error {
	chain := append([]string{}, opts.Filters...)
	if opts.SubtitlePath != "" {
		escaped := strings.ReplaceAll(opts.SubtitlePath, "\\", "/")
		escaped = strings.ReplaceAll(escaped, ":", "\\:")
		chain = append(chain, fmt.Sprintf("ass='%s'", escaped))
	}
	chain = append(chain,
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", opts.Width, opts.Height),
		fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black", opts.Width, opts.Height),
		fmt.Sprintf("fps=%d", opts.FPS),
	)

	args := []string{
		"-ss", formatSeconds(opts.StartSec),
		"-i", input,
		"-t", formatSeconds(opts.DurationSec),
		"-vf", strings.Join(chain, ","),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", strconv.Itoa(opts.CRF),
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", "48000",
		"-movflags", "+faststart",
		output,
	}
	return r.run(ctx, args, opts.DurationSec, onProgress)
}

// ExtractFrame grabs a single frame at the given offset, scaled to fit the
// bounding box with letterboxing.
func (r *Runner) ExtractFrame(ctx context.Context, input, output string, atSec float64, width, height int) error {
	args := []string{
		"-ss", formatSeconds(atSec),
		"-i", input,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black",
			width, height, width, height),
		"-q:v", "2",
		output,
	}
	return r.run(ctx, args, 0, nil)
}

// SceneCut is a detected scene change.
type SceneCut struct {
	Time  float64 `json:"time"`
	Score float64 `json:"confidence"`
}

// DetectScenes finds scene changes whose score exceeds the threshold
// (0..1, typical 0.3). Results are ordered by time.
func (r *Runner) DetectScenes(ctx context.Context, input string, threshold float64) ([]SceneCut, error) {
	args := []string{
		"-i", input,
		"-vf", fmt.Sprintf("select='gt(scene,%.3f)',metadata=print", threshold),
		"-an",
		"-f", "null", "-",
	}

	stderr, err := r.runCapture(ctx, args)
	if err != nil {
		return nil, err
	}
	return parseSceneCuts(stderr), nil
}

var (
	ptsTimeRe    = regexp.MustCompile(`pts_time:([\d.]+)`)
	sceneScoreRe = regexp.MustCompile(`lavfi\.scene_score=([\d.]+)`)
)

// parseSceneCuts reads metadata-filter output. Each detected frame prints
// a pts_time line followed by its scene_score line.
func parseSceneCuts(out string) []SceneCut {
	var cuts []SceneCut
	var pending *SceneCut

	for _, line := range strings.Split(out, "\n") {
		if m := ptsTimeRe.FindStringSubmatch(line); m != nil {
			t, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			pending = &SceneCut{Time: t}
			continue
		}
		if pending == nil {
			continue
		}
		if m := sceneScoreRe.FindStringSubmatch(line); m != nil {
			if score, err := strconv.ParseFloat(m[1], 64); err == nil {
				pending.Score = score
				cuts = append(cuts, *pending)
			}
			pending = nil
		}
	}
	return cuts
}

// Silence is a span of near-silent audio.
type Silence struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// DetectSilences finds silent spans at least minDuration long, using the
// given noise floor in dB (typical -30).
func (r *Runner) DetectSilences(ctx context.Context, input string, noiseDB float64, minDuration time.Duration) ([]Silence, error) {
	args := []string{
		"-i", input,
		"-af", fmt.Sprintf("silencedetect=noise=%.0fdB:d=%.1f", noiseDB, minDuration.Seconds()),
		"-f", "null", "-",
	}

	stderr, err := r.runCapture(ctx, args)
	if err != nil {
		return nil, err
	}
	return parseSilences(stderr), nil
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*([\d.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*([\d.]+)`)
)

func parseSilences(out string) []Silence {
	var silences []Silence
	var start float64
	open := false

	for _, line := range strings.Split(out, "\n") {
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				start = v
				open = true
			}
			continue
		}
		if !open {
			continue
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				silences = append(silences, Silence{Start: start, End: v})
			}
			open = false
		}
	}
	return silences
}

// EnergyPoint is one loudness sample on the energy timeline.
type EnergyPoint struct {
	Time  float64 `json:"time"`
	Value float64 `json:"value"`
}

// MeasureEnergy samples RMS loudness in windows of windowSec and returns a
// normalized (0..1 linear amplitude) energy timeline.
func (r *Runner) MeasureEnergy(ctx context.Context, input string, sampleRate int, windowSec float64) ([]EnergyPoint, error) {
	samplesPerWindow := int(float64(sampleRate) * windowSec)
	if samplesPerWindow < 1 {
		samplesPerWindow = sampleRate / 2
	}

	args := []string{
		"-i", input,
		"-af", fmt.Sprintf(
			"asetnsamples=n=%d,astats=metadata=1:reset=1,ametadata=print:key=lavfi.astats.Overall.RMS_level",
			samplesPerWindow),
		"-f", "null", "-",
	}

	stderr, err := r.runCapture(ctx, args)
	if err != nil {
		return nil, err
	}
	return parseEnergy(stderr), nil
}

var rmsLevelRe = regexp.MustCompile(`lavfi\.astats\.Overall\.RMS_level=(-?[\d.]+|-inf)`)

// parseEnergy converts per-window RMS dB readings into linear amplitudes.
func parseEnergy(out string) []EnergyPoint {
	var points []EnergyPoint
	var at float64
	haveTime := false

	for _, line := range strings.Split(out, "\n") {
		if m := ptsTimeRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				at = v
				haveTime = true
			}
			continue
		}
		if !haveTime {
			continue
		}
		if m := rmsLevelRe.FindStringSubmatch(line); m != nil {
			value := 0.0
			if m[1] != "-inf" {
				if db, err := strconv.ParseFloat(m[1], 64); err == nil {
					value = math.Pow(10, db/20)
					if value > 1 {
						value = 1
					}
				}
			}
			points = append(points, EnergyPoint{Time: at, Value: value})
			haveTime = false
		}
	}
	return points
}

// run executes ffmpeg, forwarding percentage progress parsed from the
// -progress stream. The context kills the process when it fires.
func (r *Runner) run(ctx context.Context, args []string, durationSec float64, onProgress ProgressFunc) error {
	full := append([]string{"-hide_banner", "-loglevel", "error", "-nostats", "-y"}, args...)
	if onProgress != nil && durationSec > 0 {
		full = append([]string{"-progress", "pipe:1"}, full...)
	}

	cmd := exec.CommandContext(ctx, r.ffmpegPath, full...)

	var stderrTail tailBuffer
	cmd.Stderr = &stderrTail

	if onProgress != nil && durationSec > 0 {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("getting stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("starting ffmpeg: %w", err)
		}

		scanner := bufio.NewScanner(stdout)
		var last float64
		for scanner.Scan() {
			pos, ok := parseOutTime(scanner.Text())
			if !ok {
				continue
			}
			pct := math.Min(pos/durationSec*100, 99)
			if pct > last {
				last = pct
				onProgress(pct)
			}
		}

		if err := cmd.Wait(); err != nil {
			return r.wrapExitError(ctx, err, &stderrTail)
		}
		onProgress(100)
		return nil
	}

	if err := cmd.Run(); err != nil {
		return r.wrapExitError(ctx, err, &stderrTail)
	}
	return nil
}

// runCapture executes ffmpeg and returns its stderr, where the analysis
// filters print their findings.
func (r *Runner) runCapture(ctx context.Context, args []string) (string, error) {
	full := append([]string{"-hide_banner", "-nostats"}, args...)

	cmd := exec.CommandContext(ctx, r.ffmpegPath, full...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ffmpeg interrupted: %w", context.Cause(ctx))
		}
		return "", fmt.Errorf("ffmpeg analysis failed: %w: %s", err, lastLines(stderr.String(), 3))
	}
	return stderr.String(), nil
}

func (r *Runner) wrapExitError(ctx context.Context, err error, tail *tailBuffer) error {
	if ctx.Err() != nil {
		return fmt.Errorf("ffmpeg interrupted: %w", context.Cause(ctx))
	}
	detail := tail.String()
	if detail == "" {
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	return fmt.Errorf("ffmpeg failed: %w: %s", err, detail)
}

// parseOutTime reads one -progress key=value line. ffmpeg reports both
// out_time_us and out_time_ms; the values of both are microseconds.
func parseOutTime(line string) (float64, bool) {
	var raw string
	switch {
	case strings.HasPrefix(line, "out_time_us="):
		raw = strings.TrimPrefix(line, "out_time_us=")
	case strings.HasPrefix(line, "out_time_ms="):
		raw = strings.TrimPrefix(line, "out_time_ms=")
	default:
		return 0, false
	}

	us, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return float64(us) / 1e6, true
}

func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

// tailBuffer keeps the last few stderr lines for error reporting without
// holding a whole transcode log in memory.
type tailBuffer struct {
	lines []string
	part  strings.Builder
}

const tailKeep = 5

func (b *tailBuffer) Write(p []byte) (int, error) {
	for _, c := range string(p) {
		if c != '\n' {
			b.part.WriteRune(c)
			continue
		}
		line := strings.TrimSpace(b.part.String())
		b.part.Reset()
		if line == "" {
			continue
		}
		b.lines = append(b.lines, line)
		if len(b.lines) > tailKeep {
			b.lines = b.lines[1:]
		}
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	lines := b.lines
	if rest := strings.TrimSpace(b.part.String()); rest != "" {
		lines = append(append([]string{}, lines...), rest)
		if len(lines) > tailKeep {
			lines = lines[len(lines)-tailKeep:]
		}
	}
	return strings.Join(lines, "; ")
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.Join(lines, "; ")
}
