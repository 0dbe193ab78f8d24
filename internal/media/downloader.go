package media

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// URLInfo is remote video metadata resolved without downloading.
type URLInfo struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	DurationSec  float64 `json:"duration"`
	ThumbnailURL string  `json:"thumbnailUrl"`
	Channel      string  `json:"channel"`
	ChannelID    string  `json:"channelId"`
	UploadDate   string  `json:"uploadDate"`
	ViewCount    int64   `json:"viewCount"`
	URL          string  `json:"url"`
	Platform     string  `json:"platform"`
}

const maxDescriptionLen = 500

// Downloader fetches remote videos through yt-dlp.
type Downloader struct {
	ytdlpPath string
	logger    *slog.Logger
}

// NewDownloader creates a downloader for the given yt-dlp binary. An
// empty path resolves from PATH.
func NewDownloader(ytdlpPath string) *Downloader {
	if ytdlpPath == "" {
		ytdlpPath = "yt-dlp"
	}
	return &Downloader{
		ytdlpPath: ytdlpPath,
		logger:    slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (d *Downloader) WithLogger(logger *slog.Logger) *Downloader {
	d.logger = logger
	return d
}

var (
	youtubeURLRe = regexp.MustCompile(`^(https?://)?(www\.)?(youtube\.com/watch\?v=|youtu\.be/)[\w-]+`)
	twitchURLRe  = regexp.MustCompile(`^(https?://)?(www\.)?twitch\.tv/videos/\d+`)
)

// DetectPlatform classifies a URL by hosting platform, returning "" for
// anything unrecognized.
func DetectPlatform(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, "youtube.com") || strings.Contains(lower, "youtu.be"):
		return "youtube"
	case strings.Contains(lower, "twitch.tv"):
		return "twitch"
	default:
		return ""
	}
}

// IsSupportedURL reports whether a URL points at a downloadable video on
// a supported platform.
func IsSupportedURL(url string) bool {
	return youtubeURLRe.MatchString(url) || twitchURLRe.MatchString(url)
}

// ytdlpInfo is the subset of --dump-json output we keep.
type ytdlpInfo struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Duration    float64 `json:"duration"`
	Thumbnail   string  `json:"thumbnail"`
	Channel     string  `json:"channel"`
	ChannelID   string  `json:"channel_id"`
	Uploader    string  `json:"uploader"`
	UploaderID  string  `json:"uploader_id"`
	UploadDate  string  `json:"upload_date"`
	ViewCount   int64   `json:"view_count"`
	WebpageURL  string  `json:"webpage_url"`
}

// URLInfo resolves metadata for a video URL without downloading it.
func (d *Downloader) URLInfo(ctx context.Context, url string) (*URLInfo, error) {
	if !IsSupportedURL(url) {
		return nil, fmt.Errorf("unsupported video URL: %s", url)
	}

	cmd := exec.CommandContext(ctx, d.ytdlpPath,
		"--dump-json",
		"--no-download",
		"--no-warnings",
		url,
	)

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("yt-dlp interrupted: %w", context.Cause(ctx))
		}
		return nil, fmt.Errorf("resolving %s: %w", url, err)
	}

	var raw ytdlpInfo
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parsing yt-dlp output: %w", err)
	}
	return toURLInfo(raw, url), nil
}

// toURLInfo maps raw yt-dlp metadata onto the API shape, backfilling
// channel fields from uploader fields when a platform omits them.
func toURLInfo(raw ytdlpInfo, requestURL string) *URLInfo {
	info := &URLInfo{
		ID:           raw.ID,
		Title:        raw.Title,
		Description:  truncateRunes(raw.Description, maxDescriptionLen),
		DurationSec:  raw.Duration,
		ThumbnailURL: raw.Thumbnail,
		Channel:      raw.Channel,
		ChannelID:    raw.ChannelID,
		UploadDate:   raw.UploadDate,
		ViewCount:    raw.ViewCount,
		URL:          raw.WebpageURL,
		Platform:     DetectPlatform(requestURL),
	}
	if info.Channel == "" {
		info.Channel = raw.Uploader
	}
	if info.ChannelID == "" {
		info.ChannelID = raw.UploaderID
	}
	if info.URL == "" {
		info.URL = requestURL
	}
	return info
}

var (
	percentLineRe   = regexp.MustCompile(`([\d.]+)\s*%`)
	destinationRe   = regexp.MustCompile(`\[download\] Destination:\s*(.+)`)
	alreadyDoneRe   = regexp.MustCompile(`\[download\]\s+(.+?) has already been downloaded`)
	mergerOutputRe  = regexp.MustCompile(`\[Merger\] Merging formats into "(.+)"`)
	extractAudioRe  = regexp.MustCompile(`\[ExtractAudio\] Destination:\s*(.+)`)
)

// Download fetches a video into outputDir at the requested quality
// ("best", "1080p", "720p", "480p") and returns the downloaded file path.
func (d *Downloader) Download(ctx context.Context, url, outputDir, quality string, onProgress ProgressFunc) (string, error) {
	if !IsSupportedURL(url) {
		return "", fmt.Errorf("unsupported video URL: %s", url)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating download dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, d.ytdlpPath,
		"-f", formatSpec(quality),
		"-o", filepath.Join(outputDir, "%(title)s [%(id)s].%(ext)s"),
		"--no-warnings",
		"--newline",
		"--progress-template", "%(progress._percent_str)s",
		url,
	)

	var stderrTail tailBuffer
	cmd.Stderr = &stderrTail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("getting stdout pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting yt-dlp: %w", err)
	}

	var destination string
	var last float64
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()

		// The last destination line wins: with merged video+audio
		// downloads, intermediate tracks come first.
		if m := destinationRe.FindStringSubmatch(line); m != nil {
			destination = strings.TrimSpace(m[1])
			continue
		}
		if m := alreadyDoneRe.FindStringSubmatch(line); m != nil {
			destination = strings.TrimSpace(m[1])
			continue
		}
		if m := mergerOutputRe.FindStringSubmatch(line); m != nil {
			destination = strings.TrimSpace(m[1])
			continue
		}
		if m := extractAudioRe.FindStringSubmatch(line); m != nil {
			destination = strings.TrimSpace(m[1])
			continue
		}

		if onProgress == nil {
			continue
		}
		if m := percentLineRe.FindStringSubmatch(line); m != nil {
			pct, err := strconv.ParseFloat(m[1], 64)
			if err != nil || pct > 100 {
				continue
			}
			if pct > last {
				last = pct
				onProgress(pct)
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("yt-dlp interrupted: %w", context.Cause(ctx))
		}
		return "", fmt.Errorf("yt-dlp failed: %w: %s", err, stderrTail.String())
	}

	if destination != "" {
		if _, err := os.Stat(destination); err == nil {
			return destination, nil
		}
		// Merged downloads can rename the container extension after the
		// destination line was printed.
		base := strings.TrimSuffix(destination, filepath.Ext(destination))
		matches, _ := filepath.Glob(base + ".*")
		if len(matches) > 0 {
			return matches[0], nil
		}
	}

	path, err := newestFile(outputDir, started)
	if err != nil {
		return "", fmt.Errorf("locating downloaded file: %w", err)
	}
	return path, nil
}

// formatSpec maps a quality label to a yt-dlp format selector. Unknown
// labels behave like "best".
func formatSpec(quality string) string {
	height := 0
	switch strings.ToLower(strings.TrimSpace(quality)) {
	case "1080p", "1080":
		height = 1080
	case "720p", "720":
		height = 720
	case "480p", "480":
		height = 480
	}

	if height == 0 {
		return "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	}
	return fmt.Sprintf(
		"bestvideo[height<=%d][ext=mp4]+bestaudio[ext=m4a]/best[height<=%d][ext=mp4]/best",
		height, height)
}

// newestFile returns the most recently modified regular file in dir,
// preferring files touched after the download began.
func newestFile(dir string, after time.Time) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var best string
	var bestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".part") || strings.HasSuffix(entry.Name(), ".ytdl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(bestMod) {
			best = filepath.Join(dir, entry.Name())
			bestMod = info.ModTime()
		}
	}

	if best == "" || bestMod.Before(after.Add(-time.Second)) {
		return "", fmt.Errorf("no downloaded file found in %s", dir)
	}
	return best, nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
