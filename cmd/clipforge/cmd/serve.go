package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/database/migrations"
	"github.com/clipforge/clipforge/internal/dispatch"
	internalhttp "github.com/clipforge/clipforge/internal/http"
	"github.com/clipforge/clipforge/internal/http/handlers"
	"github.com/clipforge/clipforge/internal/maintenance"
	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/probe"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/service"
	"github.com/clipforge/clipforge/internal/service/logs"
	"github.com/clipforge/clipforge/internal/startup"
	"github.com/clipforge/clipforge/internal/stepcache"
	"github.com/clipforge/clipforge/internal/storage"
	"github.com/clipforge/clipforge/internal/supervisor"
	"github.com/clipforge/clipforge/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the clipforge server",
	Long: `Start the clipforge HTTP server, job dispatcher and supervisor.

The server provides:
- REST API for projects, jobs and pipeline stage triggers
- SSE push channel for job progress and supervisor broadcasts
- Health check endpoint
- OpenAPI documentation at /docs`,
}

func init() {
	serveCmd.RunE = runServe
	rootCmd.AddCommand(serveCmd)

	// Server flags
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database", "clipforge.db", "Database file path")
	serveCmd.Flags().String("data-dir", "./data", "Data directory for project artifacts")
	serveCmd.Flags().Int("workers", 0, "Concurrent job workers (0 = config default)")

	// Bind flags to viper
	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
	viper.BindPFlag("storage.data_dir", serveCmd.Flags().Lookup("data-dir"))
	viper.BindPFlag("queue.workers", serveCmd.Flags().Lookup("workers"))
}

func runServe(cmd *cobra.Command, args []string) error {
	// Capture all slog output in the in-memory log service so the API can
	// serve recent entries and stats.
	logsService := logs.New()
	slog.SetDefault(slog.New(logsService.WrapHandler(slog.Default().Handler())))
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	// Clean up scratch directories left behind by a previous run.
	if removed, err := startup.CleanupSystemTempDirs(logger); err != nil {
		logger.Warn("failed to clean orphaned temp directories",
			slog.String("error", err.Error()),
		)
	} else if removed > 0 {
		logger.Info("cleaned orphaned temp directories on startup",
			slog.Int("removed_count", removed),
		)
	}

	// Database
	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Repositories
	jobRepo := repository.NewJobRepository(db.DB)
	projectRepo := repository.NewProjectRepository(db.DB)
	segmentRepo := repository.NewSegmentRepository(db.DB)

	// Storage sandbox and per-stage analysis cache
	sandbox, err := storage.NewSandbox(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	cache := stepcache.New(sandbox).WithLogger(logger)

	if tempDir, err := sandbox.TempDir(); err == nil {
		if _, err := startup.CleanupWorkspaceTemp(logger, tempDir); err != nil {
			logger.Warn("failed to clear workspace temp directory",
				slog.String("error", err.Error()),
			)
		}
	}

	// External tool wrappers
	runner := media.NewRunner(cfg.Tools.FFmpeg).WithLogger(logger)
	prober := media.NewProber(cfg.Tools.FFprobe)
	transcriber := media.NewTranscriber(cfg.Tools.Whisper, cfg.Tools.WhisperModel).WithLogger(logger)
	downloader := media.NewDownloader(cfg.Tools.YtDlp).WithLogger(logger)
	fetcher := media.NewFetcher(cfg.Download.HTTPTimeout, cfg.Download.UserAgent).WithLogger(logger)

	// Graceful shutdown context; everything below stops when it ends.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Progress bus with its foreground delivery loop
	bus := progress.NewBus(logger)
	foreground := progress.NewForeground(logger)
	bus.SetForeground(foreground)
	foreground.Start(ctx)

	sequencer := pipeline.NewSequencer(jobRepo, projectRepo, bus).WithLogger(logger)

	// Stage handler registry
	deps := &pipeline.Deps{
		Jobs:        jobRepo,
		Projects:    projectRepo,
		Segments:    segmentRepo,
		Sandbox:     sandbox,
		Cache:       cache,
		Runner:      runner,
		Prober:      prober,
		Transcriber: transcriber,
		Downloader:  downloader,
		Fetcher:     fetcher,
		Sequencer:   sequencer,
		Bus:         bus,
		Logger:      logger,
	}

	registry := dispatch.NewRegistry()
	registry.MustRegister(pipeline.NewScrapeHandler(deps))
	registry.MustRegister(pipeline.NewIngestHandler(deps))
	registry.MustRegister(pipeline.NewAnalyzeHandler(deps))
	registry.MustRegister(pipeline.NewRenderHandler(deps))
	registry.MustRegister(pipeline.NewExportHandler(deps))
	registry.Freeze()

	// Jobs left running by a crashed process become claimable again.
	if _, err := startup.RequeueInterruptedJobs(ctx, logger, jobRepo); err != nil {
		return fmt.Errorf("requeueing interrupted jobs: %w", err)
	}

	// Dispatcher
	executor := dispatch.NewExecutor(registry, jobRepo, bus).WithLogger(logger)
	dispatcher := dispatch.NewDispatcher(jobRepo, executor).
		WithLogger(logger).
		WithConfig(dispatch.Config{
			Workers:         cfg.Queue.Workers,
			PollInterval:    cfg.Queue.PollInterval,
			FreshnessWindow: cfg.Queue.FreshnessWindow,
			HandlerTimeout:  cfg.Queue.HandlerTimeout,
			CancelGrace:     cfg.Queue.CancelGrace,
		})
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	// Supervisor
	sup := supervisor.New(supervisor.Deps{
		Jobs:       jobRepo,
		Projects:   projectRepo,
		Dispatcher: dispatcher,
		Sequencer:  sequencer,
		Probe:      probe.New(cfg.Storage.DataDir),
		Logs:       logsService,
		Bus:        bus,
		Checks: append(
			supervisor.DefaultChecks(db.DB, cfg.Tools.FFmpeg, cfg.Tools.Whisper, cfg.Tools.YtDlp),
			supervisor.DiskCheck(cfg.Storage.DataDir, cfg.Storage.MinFreeDisk.Bytes()),
		),
		Logger:     logger,
	}).WithConfig(supervisor.Config{
		TickInterval:         cfg.Supervisor.TickInterval,
		StuckThreshold:       cfg.Supervisor.StuckThreshold,
		OrphanAge:            cfg.Supervisor.OrphanThreshold,
		RetryWindow:          cfg.Supervisor.RetryWindow,
		RetryMax:             cfg.Supervisor.RetryMax,
		RetryEveryTicks:      cfg.Supervisor.RetryEveryTicks,
		ContinuityEveryTicks: cfg.Supervisor.ContinuityEveryTicks,
	})
	auto := cfg.Supervisor.AutoRecovery
	sup.UpdateConfig(supervisor.ConfigPatch{AutoRecovery: &auto})
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}
	defer sup.Stop()

	// Retention janitor
	janitor := maintenance.New(jobRepo, sandbox).
		WithLogger(logger).
		WithConfig(maintenance.Config{
			Enabled:  cfg.Retention.Enabled,
			Schedule: cfg.Retention.Cron,
			Age:      cfg.Retention.Age.Duration(),
		})
	if err := janitor.Start(); err != nil {
		return fmt.Errorf("starting retention janitor: %w", err)
	}
	defer janitor.Stop()

	// Services
	jobService := service.NewJobService(jobRepo, registry).
		WithLogger(logger).
		WithDispatcher(dispatcher).
		WithBus(bus)
	projectService := service.NewProjectService(projectRepo, jobRepo, segmentRepo, sequencer).
		WithLogger(logger).
		WithBus(bus).
		WithStorage(sandbox, cache)
	thumbnailService := service.NewThumbnailService(projectRepo, runner, sandbox).
		WithLogger(logger)

	// HTTP server
	serverConfig := internalhttp.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	if cfg.Server.ReadTimeout > 0 {
		serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	}
	if cfg.Server.ShutdownTimeout > 0 {
		serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	handlers.NewHealthHandler(version.Version).WithDB(db.DB).Register(server.API())
	handlers.NewJobHandler(jobService).Register(server.API())
	handlers.NewProjectHandler(projectService).
		WithThumbnails(thumbnailService).
		WithJobLister(jobService).
		Register(server.API())
	handlers.NewSupervisorHandler(sup).
		WithJobService(jobService).
		WithLogs(logsService).
		WithJanitor(janitor).
		Register(server.API())
	handlers.NewEventsHandler(bus).RegisterSSE(server.Router())

	// Shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting clipforge server",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version),
		slog.String("data_dir", cfg.Storage.DataDir),
	)

	return server.ListenAndServe(ctx)
}

// applyFlagOverrides copies explicitly set serve flags over the loaded
// config. config.Load reads its own viper instance, so the flag bindings
// on the global one do not reach it.
func applyFlagOverrides(cfg *config.Config) {
	flags := serveCmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("database") {
		cfg.Database.DSN, _ = flags.GetString("database")
	}
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("workers") {
		cfg.Queue.Workers, _ = flags.GetInt("workers")
	}
}
