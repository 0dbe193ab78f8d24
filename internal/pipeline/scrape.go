package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clipforge/clipforge/internal/dispatch"
	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/storage"
)

// ScrapePayload carries the arguments of a scrape job.
type ScrapePayload struct {
	// URL overrides the project's stored source URL.
	URL string `json:"url,omitempty"`
	// Quality selects the download quality: best, 1080p, 720p or 480p.
	Quality string `json:"quality,omitempty"`
	// AutoIngest chains an ingest job after the download lands.
	AutoIngest bool `json:"auto_ingest,omitempty"`
	// AutoAnalyze is forwarded to the chained ingest job.
	AutoAnalyze bool `json:"auto_analyze,omitempty"`
}

// scrapeHandler downloads a remote source and materializes it under the
// project directory.
type scrapeHandler struct {
	deps *Deps
}

// NewScrapeHandler returns the handler for scrape jobs.
func NewScrapeHandler(deps *Deps) dispatch.Handler {
	return &scrapeHandler{deps: deps}
}

func (h *scrapeHandler) Kind() models.JobKind { return models.JobKindScrape }

func (h *scrapeHandler) NewPayload() any { return &ScrapePayload{} }

func (h *scrapeHandler) Execute(ctx context.Context, job *models.Job, payload any, report dispatch.ReportFunc) (models.JSONMap, error) {
	p := payload.(*ScrapePayload)
	d := h.deps

	project, err := d.loadProject(ctx, job)
	if err != nil {
		return nil, err
	}

	url := p.URL
	if url == "" {
		url = project.SourceURL
	}
	if url == "" {
		return nil, fmt.Errorf("project %s has no source URL: %w", project.ID, models.ErrPrecondition)
	}

	if err := d.setStatus(ctx, project, models.ProjectStatusDownloading); err != nil {
		return nil, err
	}
	report(1, "download", "Starting download")

	tempRoot, err := d.Sandbox.TempDir()
	if err != nil {
		return nil, d.failStage(ctx, job, project, err)
	}
	workDir, err := os.MkdirTemp(tempRoot, "scrape-*")
	if err != nil {
		return nil, d.failStage(ctx, job, project, fmt.Errorf("creating download dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	// Download drives 0-90; publishing the file takes the rest.
	onProgress := func(pct float64) {
		report(pct*0.9, "download", fmt.Sprintf("Downloading %.0f%%", pct))
	}
	platform := media.DetectPlatform(url)
	var downloaded string
	if platform == "" && d.Fetcher != nil {
		// No platform claimed the URL, treat it as a direct file link.
		downloaded, err = d.Fetcher.Fetch(ctx, url, workDir, onProgress)
	} else {
		downloaded, err = d.Downloader.Download(ctx, url, workDir, p.Quality, onProgress)
	}
	if err != nil {
		return nil, d.failStage(ctx, job, project, fmt.Errorf("downloading source: %w", err))
	}

	ext := strings.TrimPrefix(filepath.Ext(downloaded), ".")
	if ext == "" {
		ext = "mp4"
	}
	destRel := storage.SourceFile(project.ID, ext)

	report(95, "publish", "Publishing source file")
	if err := d.Sandbox.AtomicPublish(downloaded, destRel); err != nil {
		return nil, d.failStage(ctx, job, project, fmt.Errorf("publishing source: %w", err))
	}
	destAbs, err := d.Sandbox.ResolvePath(destRel)
	if err != nil {
		return nil, d.failStage(ctx, job, project, err)
	}

	project.SourcePath = destAbs
	if err := d.Projects.Update(ctx, project); err != nil {
		return nil, d.failStage(ctx, job, project, fmt.Errorf("saving project: %w", err))
	}
	if err := d.setStatus(ctx, project, models.ProjectStatusCreated); err != nil {
		return nil, err
	}

	d.advance(ctx, job, project)
	report(100, "complete", "Download complete")

	return models.JSONMap{
		"source_path": destAbs,
		"platform":    platform,
	}, nil
}
