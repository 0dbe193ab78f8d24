package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clipforge/clipforge/internal/dispatch"
	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/stepcache"
	"github.com/clipforge/clipforge/internal/storage"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fixture wires the handlers against an in-memory store, a throwaway
// sandbox and fake subprocess wrappers.
type fixture struct {
	deps        *Deps
	jobs        repository.JobRepository
	projects    repository.ProjectRepository
	segments    repository.SegmentRepository
	sandbox     *storage.Sandbox
	cache       *stepcache.Cache
	runner      *fakeRunner
	prober      *fakeProber
	transcriber *fakeTranscriber
	downloader  *fakeDownloader
	fetcher     *fakeFetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Job{}, &models.Project{}, &models.Segment{}))

	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		jobs:        repository.NewJobRepository(db),
		projects:    repository.NewProjectRepository(db),
		segments:    repository.NewSegmentRepository(db),
		sandbox:     sandbox,
		cache:       stepcache.New(sandbox).WithLogger(quiet),
		runner:      &fakeRunner{},
		prober:      &fakeProber{},
		transcriber: &fakeTranscriber{},
		downloader:  &fakeDownloader{},
		fetcher:     &fakeFetcher{},
	}

	bus := progress.NewBus(quiet)
	f.deps = &Deps{
		Jobs:        f.jobs,
		Projects:    f.projects,
		Segments:    f.segments,
		Sandbox:     sandbox,
		Cache:       f.cache,
		Runner:      f.runner,
		Prober:      f.prober,
		Transcriber: f.transcriber,
		Downloader:  f.downloader,
		Fetcher:     f.fetcher,
		Sequencer:   NewSequencer(f.jobs, f.projects, bus).WithLogger(quiet),
		Bus:         bus,
		Logger:      quiet,
	}
	return f
}

func (f *fixture) createProject(t *testing.T, status models.ProjectStatus) *models.Project {
	t.Helper()
	project := &models.Project{Name: "stream vod", Status: status}
	require.NoError(t, f.projects.Create(context.Background(), project))
	return project
}

// withSource materializes a stub source file and points the project at it.
func (f *fixture) withSource(t *testing.T, project *models.Project) {
	t.Helper()
	rel := storage.SourceFile(project.ID, "mp4")
	require.NoError(t, f.sandbox.WriteFile(rel, []byte("source")))
	abs, err := f.sandbox.ResolvePath(rel)
	require.NoError(t, err)
	project.SourcePath = abs
	require.NoError(t, f.projects.Update(context.Background(), project))
}

// withAudio materializes a stub audio file and points the project at it.
func (f *fixture) withAudio(t *testing.T, project *models.Project) {
	t.Helper()
	rel := storage.AudioFile(project.ID)
	require.NoError(t, f.sandbox.WriteFile(rel, []byte("audio")))
	abs, err := f.sandbox.ResolvePath(rel)
	require.NoError(t, err)
	project.AudioPath = abs
	require.NoError(t, f.projects.Update(context.Background(), project))
}

func (f *fixture) createSegment(t *testing.T, project *models.Project, start, end, score float64, title string, details models.JSONMap) *models.Segment {
	t.Helper()
	segment := &models.Segment{
		ProjectID: project.ID,
		StartSec:  start,
		EndSec:    end,
		Score:     score,
		Title:     title,
		Details:   details,
	}
	require.NoError(t, f.segments.Create(context.Background(), segment))
	return segment
}

// startJob stores a running job the way the dispatcher would hand it to a
// handler.
func (f *fixture) startJob(t *testing.T, kind models.JobKind, project *models.Project, payload models.JSONMap) *models.Job {
	t.Helper()
	job := models.NewJob(kind, project.ID, payload)
	job.MarkRunning("test-worker")
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return job
}

func boolPtr(v bool) *bool { return &v }

func (f *fixture) reloadProject(t *testing.T, id models.ULID) *models.Project {
	t.Helper()
	project, err := f.projects.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, project)
	return project
}

// reportRecorder collects handler progress reports.
type reportRecorder struct {
	mu      sync.Mutex
	entries []reportEntry
}

type reportEntry struct {
	progress float64
	stage    string
	message  string
}

func (r *reportRecorder) fn() dispatch.ReportFunc {
	return func(progress float64, stage, message string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.entries = append(r.entries, reportEntry{progress, stage, message})
	}
}

// stageEntries returns the reports for one stage, in order.
func (r *reportRecorder) stageEntries(stage string) []reportEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []reportEntry
	for _, e := range r.entries {
		if e.stage == stage {
			out = append(out, e)
		}
	}
	return out
}

func (r *reportRecorder) sawStage(stage string) bool {
	return len(r.stageEntries(stage)) > 0
}

// fakeRunner satisfies MediaRunner and writes stub output files so atomic
// publishing has something to move.
type fakeRunner struct {
	mu sync.Mutex

	proxyErr  error
	audioErr  error
	renderErr error
	frameErr  error
	scenesErr error
	energyErr error

	scenes   []media.SceneCut
	silences []media.Silence
	energy   []media.EnergyPoint

	proxyCalls  int
	audioCalls  int
	frameCalls  int
	renderCalls []media.ClipOptions
}

func (f *fakeRunner) CreateProxy(_ context.Context, _, output string, _ media.ProxyOptions, _ float64, onProgress media.ProgressFunc) error {
	f.mu.Lock()
	f.proxyCalls++
	err := f.proxyErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return os.WriteFile(output, []byte("proxy"), 0o644)
}

func (f *fakeRunner) ExtractAudio(_ context.Context, _, output string, _ media.AudioOptions, _ float64, onProgress media.ProgressFunc) error {
	f.mu.Lock()
	f.audioCalls++
	err := f.audioErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return os.WriteFile(output, []byte("audio"), 0o644)
}

func (f *fakeRunner) RenderClip(_ context.Context, _, output string, opts media.ClipOptions, onProgress media.ProgressFunc) error {
	f.mu.Lock()
	f.renderCalls = append(f.renderCalls, opts)
	err := f.renderErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return os.WriteFile(output, []byte("clip"), 0o644)
}

func (f *fakeRunner) ExtractFrame(_ context.Context, _, output string, _ float64, _, _ int) error {
	f.mu.Lock()
	f.frameCalls++
	err := f.frameErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(output, []byte("frame"), 0o644)
}

func (f *fakeRunner) DetectScenes(context.Context, string, float64) ([]media.SceneCut, error) {
	return f.scenes, f.scenesErr
}

func (f *fakeRunner) DetectSilences(context.Context, string, float64, time.Duration) ([]media.Silence, error) {
	return f.silences, nil
}

func (f *fakeRunner) MeasureEnergy(context.Context, string, int, float64) ([]media.EnergyPoint, error) {
	return f.energy, f.energyErr
}

// fakeProber satisfies MediaProber.
type fakeProber struct {
	info *media.MediaInfo
	err  error
}

func (f *fakeProber) ProbeMedia(context.Context, string) (*media.MediaInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.info != nil {
		return f.info, nil
	}
	return &media.MediaInfo{
		Width: 1920, Height: 1080, DurationSec: 120, FPS: 30,
		VideoCodec: "h264", AudioCodec: "aac", AudioTracks: 1,
		Format: "mov,mp4,m4a", SizeBytes: 1 << 20,
	}, nil
}

// fakeTranscriber satisfies SpeechTranscriber.
type fakeTranscriber struct {
	transcript *media.Transcript
	err        error
	calls      int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _, _ string, _ float64, _ string, onProgress media.ProgressFunc) (*media.Transcript, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if onProgress != nil {
		onProgress(100)
	}
	if f.transcript != nil {
		return f.transcript, nil
	}
	return &media.Transcript{Language: "fr"}, nil
}

// fakeDownloader satisfies SourceDownloader.
type fakeDownloader struct {
	err   error
	calls int
}

func (f *fakeDownloader) URLInfo(_ context.Context, url string) (*media.URLInfo, error) {
	return &media.URLInfo{Title: "stream vod", URL: url, Platform: media.DetectPlatform(url)}, nil
}

func (f *fakeDownloader) Download(_ context.Context, _, outputDir, _ string, onProgress media.ProgressFunc) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if onProgress != nil {
		onProgress(50)
		onProgress(100)
	}
	path := filepath.Join(outputDir, "video.mp4")
	return path, os.WriteFile(path, []byte("video"), 0o644)
}

// fakeFetcher satisfies SourceFetcher.
type fakeFetcher struct {
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _, outputDir string, onProgress media.ProgressFunc) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if onProgress != nil {
		onProgress(100)
	}
	path := filepath.Join(outputDir, "direct.mkv")
	return path, os.WriteFile(path, []byte("direct"), 0o644)
}
