package media

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// TranscriptWord is one word with timing, present when the model emits
// word-level timestamps.
type TranscriptWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TranscriptSegment is one spoken phrase.
type TranscriptSegment struct {
	ID    int              `json:"id"`
	Start float64          `json:"start"`
	End   float64          `json:"end"`
	Text  string           `json:"text"`
	Words []TranscriptWord `json:"words,omitempty"`
}

// Transcript is the speech-to-text result for one audio file.
type Transcript struct {
	Language string              `json:"language"`
	Text     string              `json:"text"`
	Segments []TranscriptSegment `json:"segments"`
}

// Transcriber runs the whisper CLI against extracted audio.
type Transcriber struct {
	whisperPath string
	model       string
	logger      *slog.Logger
}

// NewTranscriber creates a transcriber using the given binary and model
// name. Empty values fall back to "whisper" and "base".
func NewTranscriber(whisperPath, model string) *Transcriber {
	if whisperPath == "" {
		whisperPath = "whisper"
	}
	if model == "" {
		model = "base"
	}
	return &Transcriber{
		whisperPath: whisperPath,
		model:       model,
		logger:      slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (t *Transcriber) WithLogger(logger *slog.Logger) *Transcriber {
	t.logger = logger
	return t
}

// segmentLineRe matches whisper's per-segment stdout lines, e.g.
// "[01:23.000 --> 01:27.440]  some words".
var segmentLineRe = regexp.MustCompile(`-->\s*(?:(\d+):)?(\d+):(\d+(?:\.\d+)?)\]`)

// Transcribe runs whisper on audioPath, writing its JSON output into
// outputDir and returning the parsed transcript. durationSec drives
// progress percentages; language forces the decode language when set.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath, outputDir string, durationSec float64, language string, onProgress ProgressFunc) (*Transcript, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating transcript dir: %w", err)
	}

	args := []string{
		audioPath,
		"--model", t.model,
		"--output_format", "json",
		"--output_dir", outputDir,
		"--word_timestamps", "True",
	}
	if language != "" {
		args = append(args, "--language", language)
	}

	cmd := exec.CommandContext(ctx, t.whisperPath, args...)

	var stderrTail tailBuffer
	cmd.Stderr = &stderrTail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting whisper: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var last float64
	for scanner.Scan() {
		if onProgress == nil || durationSec <= 0 {
			continue
		}
		end, ok := parseSegmentEnd(scanner.Text())
		if !ok {
			continue
		}
		pct := math.Min(end/durationSec*100, 99)
		if pct > last {
			last = pct
			onProgress(pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("whisper interrupted: %w", context.Cause(ctx))
		}
		return nil, fmt.Errorf("whisper failed: %w: %s", err, stderrTail.String())
	}

	transcript, err := readTranscriptJSON(audioPath, outputDir)
	if err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return transcript, nil
}

// parseSegmentEnd extracts the end timestamp from a segment stdout line.
func parseSegmentEnd(line string) (float64, bool) {
	m := segmentLineRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}

	var hours float64
	if m[1] != "" {
		h, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		hours = h
	}
	minutes, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	return hours*3600 + minutes*60 + seconds, true
}

// readTranscriptJSON loads the whisper output document written next to
// the audio basename.
func readTranscriptJSON(audioPath, outputDir string) (*Transcript, error) {
	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	jsonPath := filepath.Join(outputDir, base+".json")

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("reading transcript %s: %w", jsonPath, err)
	}

	var transcript Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return nil, fmt.Errorf("parsing transcript: %w", err)
	}

	transcript.Text = strings.TrimSpace(transcript.Text)
	for i := range transcript.Segments {
		transcript.Segments[i].Text = strings.TrimSpace(transcript.Segments[i].Text)
	}
	return &transcript, nil
}
