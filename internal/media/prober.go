package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeResult mirrors the ffprobe JSON document.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat is the container-level section of ffprobe output.
type ProbeFormat struct {
	Filename       string `json:"filename"`
	NBStreams      int    `json:"nb_streams"`
	FormatName     string `json:"format_name"`
	FormatLongName string `json:"format_long_name"`
	Duration       string `json:"duration"`
	Size           string `json:"size"`
	BitRate        string `json:"bit_rate"`
}

// ProbeStream is one stream entry of ffprobe output.
type ProbeStream struct {
	Index         int    `json:"index"`
	CodecName     string `json:"codec_name"`
	CodecLongName string `json:"codec_long_name"`
	CodecType     string `json:"codec_type"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	RFrameRate    string `json:"r_frame_rate,omitempty"`
	AvgFrameRate  string `json:"avg_frame_rate,omitempty"`
	SampleRate    string `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	Duration      string `json:"duration,omitempty"`
	BitRate       string `json:"bit_rate,omitempty"`
}

// MediaInfo is the condensed proberesult the pipeline stores on projects.
type MediaInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	DurationSec float64 `json:"duration"`
	FPS         float64 `json:"fps"`
	VideoCodec  string  `json:"video_codec"`
	AudioCodec  string  `json:"audio_codec,omitempty"`
	AudioTracks int     `json:"audio_tracks"`
	Format      string  `json:"format"`
	SizeBytes   int64   `json:"size_bytes"`
	BitRate     int64   `json:"bit_rate,omitempty"`
}

// Prober runs ffprobe against local files.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a prober for the given ffprobe binary. An empty path
// resolves from PATH.
func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
	}
}

// WithTimeout sets the per-probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Probe returns the raw ffprobe document for a file.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("ffprobe timed out after %s", p.timeout)
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var result ProbeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}

// ProbeMedia probes a file and condenses the result. It fails when the
// file has no video stream.
func (p *Prober) ProbeMedia(ctx context.Context, path string) (*MediaInfo, error) {
	result, err := p.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	info := condense(result)
	if info == nil {
		return nil, fmt.Errorf("no video stream in %s", path)
	}
	return info, nil
}

// condense reduces an ffprobe document to the fields the pipeline keeps,
// returning nil when the file has no video stream.
func condense(result *ProbeResult) *MediaInfo {
	info := &MediaInfo{
		Format:      result.Format.FormatName,
		DurationSec: parseProbeFloat(result.Format.Duration),
		SizeBytes:   parseProbeInt(result.Format.Size),
		BitRate:     parseProbeInt(result.Format.BitRate),
	}

	for _, stream := range result.Streams {
		switch stream.CodecType {
		case "video":
			if info.VideoCodec != "" {
				continue
			}
			info.VideoCodec = stream.CodecName
			info.Width = stream.Width
			info.Height = stream.Height
			info.FPS = parseFramerate(stream.RFrameRate)
			if info.FPS == 0 {
				info.FPS = parseFramerate(stream.AvgFrameRate)
			}
			if info.DurationSec == 0 {
				info.DurationSec = parseProbeFloat(stream.Duration)
			}
		case "audio":
			info.AudioTracks++
			if info.AudioCodec == "" {
				info.AudioCodec = stream.CodecName
			}
		}
	}

	if info.VideoCodec == "" {
		return nil
	}
	return info
}

// parseFramerate converts ffprobe rational rates like "30000/1001" to a
// float, returning 0 for missing or degenerate values.
func parseFramerate(rate string) float64 {
	if rate == "" || rate == "0/0" {
		return 0
	}

	num, den, found := strings.Cut(rate, "/")
	if !found {
		v, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return 0
		}
		return v
	}

	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseProbeFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseProbeInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
