package handlers_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/clipforge/clipforge/internal/dispatch"
	"github.com/clipforge/clipforge/internal/http/handlers"
	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/service"
	"github.com/clipforge/clipforge/internal/stepcache"
	"github.com/clipforge/clipforge/internal/storage"
)

func handlerTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopPayload struct {
	Note string `json:"note,omitempty"`
}

// noopHandler satisfies the dispatch registry so jobs of any pipeline
// kind can be created without a worker pool behind them.
type noopHandler struct {
	kind models.JobKind
}

func (h *noopHandler) Kind() models.JobKind { return h.kind }
func (h *noopHandler) NewPayload() any      { return &noopPayload{} }
func (h *noopHandler) Execute(ctx context.Context, job *models.Job, payload any, report dispatch.ReportFunc) (models.JSONMap, error) {
	return nil, nil
}

// apiEnv is the full handler stack over an in-memory database.
type apiEnv struct {
	router   *chi.Mux
	api      huma.API
	bus      *progress.Bus
	jobs     repository.JobRepository
	projects repository.ProjectRepository
	segments repository.SegmentRepository
	jobSvc   *service.JobService
	projSvc  *service.ProjectService
	sandbox  *storage.Sandbox
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Job{}, &models.Project{}, &models.Segment{}))

	jobs := repository.NewJobRepository(db)
	projects := repository.NewProjectRepository(db)
	segments := repository.NewSegmentRepository(db)

	log := handlerTestLogger()
	bus := progress.NewBus(log)
	sequencer := pipeline.NewSequencer(jobs, projects, bus).WithLogger(log)

	sandbox, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)

	registry := dispatch.NewRegistry()
	for _, kind := range []models.JobKind{
		models.JobKindScrape,
		models.JobKindIngest,
		models.JobKindAnalyze,
		models.JobKindExport,
		models.JobKindRenderVariants,
	} {
		registry.MustRegister(&noopHandler{kind: kind})
	}
	registry.Freeze()

	jobSvc := service.NewJobService(jobs, registry).WithLogger(log).WithBus(bus)
	projSvc := service.NewProjectService(projects, jobs, segments, sequencer).
		WithLogger(log).
		WithBus(bus).
		WithStorage(sandbox, stepcache.New(sandbox))

	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))

	handlers.NewJobHandler(jobSvc).Register(api)
	handlers.NewProjectHandler(projSvc).
		WithJobLister(jobSvc).
		Register(api)

	return &apiEnv{
		router:   router,
		api:      api,
		bus:      bus,
		jobs:     jobs,
		projects: projects,
		segments: segments,
		jobSvc:   jobSvc,
		projSvc:  projSvc,
		sandbox:  sandbox,
	}
}

func (e *apiEnv) createProject(t *testing.T, name string, status models.ProjectStatus) *models.Project {
	t.Helper()
	project := &models.Project{
		Name:       name,
		Status:     status,
		SourcePath: "/library/" + name + ".mp4",
	}
	require.NoError(t, e.projects.Create(context.Background(), project))
	return project
}

func localMediaFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really video"), 0600))
	return path
}
