package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/clipforge/clipforge/pkg/format"
	"github.com/clipforge/clipforge/pkg/httpclient"
)

// Fetcher downloads direct-link media files over HTTP. It covers source
// URLs that point straight at a file rather than at a hosting platform
// yt-dlp knows how to unwrap.
type Fetcher struct {
	client *httpclient.Client
	logger *slog.Logger
}

// NewFetcher creates a fetcher. A zero timeout falls back to the
// httpclient default, an empty userAgent to the clipforge one.
func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	cfg := httpclient.DefaultConfig()
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	if userAgent != "" {
		cfg.UserAgent = userAgent
	}
	return &Fetcher{
		client: httpclient.New(cfg),
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (f *Fetcher) WithLogger(logger *slog.Logger) *Fetcher {
	f.logger = logger
	return f
}

// Fetch streams the URL into outputDir and returns the path of the
// downloaded file. Progress is reported from Content-Length when the
// server sends one, otherwise only at completion.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, outputDir string, onProgress ProgressFunc) (string, error) {
	resp, err := f.client.Get(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetching %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	name := fileNameFor(rawURL, resp.Header.Get("Content-Disposition"))
	dest := filepath.Join(outputDir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", dest, err)
	}
	defer out.Close()

	total := resp.ContentLength
	written, err := copyWithProgress(ctx, out, resp.Body, total, onProgress)
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("downloading %s: %w", rawURL, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("flushing %s: %w", dest, err)
	}

	if onProgress != nil {
		onProgress(100)
	}
	f.logger.Info("Direct download complete",
		"url", rawURL,
		"file", name,
		"size", format.Bytes(written))
	return dest, nil
}

// copyWithProgress is io.Copy with percentage callbacks and context
// cancellation between chunks.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, onProgress ProgressFunc) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if onProgress != nil && total > 0 {
				pct := float64(written) / float64(total) * 100
				if pct > 100 {
					pct = 100
				}
				onProgress(pct)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// fileNameFor picks a filename from the Content-Disposition header or
// the URL path, defaulting to source.mp4 when neither yields one.
func fileNameFor(rawURL, disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := sanitizeFileName(params["filename"]); name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if name := sanitizeFileName(path.Base(u.Path)); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return "source.mp4"
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}
