package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/repository"
)

// Dispatcher runs the worker pool that claims pending jobs and executes
// them. Workers never share a job: the store's claim transaction hands
// each row to exactly one of them.
type Dispatcher struct {
	mu sync.RWMutex

	jobRepo  repository.JobRepository
	executor *Executor
	logger   *slog.Logger

	// Configuration
	workerCount     int
	pollInterval    time.Duration
	freshnessWindow time.Duration
	handlerTimeout  time.Duration
	cancelGrace     time.Duration
	workerID        string

	// Cancel handles for in-flight jobs, keyed by job ID. External cancel
	// requests reach running handlers through these.
	inFlight map[models.ULID]context.CancelCauseFunc

	// Running state. Claiming and handler execution use separate contexts
	// so Stop can end claiming while handlers drain.
	claimCtx      context.Context
	claimCancel   context.CancelFunc
	handlerCtx    context.Context
	handlerCancel context.CancelCauseFunc
	wg            sync.WaitGroup
}

// Config holds configuration for the dispatcher.
type Config struct {
	// Workers is the number of concurrent claim loops.
	// Default: 1
	Workers int

	// PollInterval is the idle sleep between claim attempts.
	// Default: 2 seconds
	PollInterval time.Duration

	// FreshnessWindow bounds how old a pending job may be and still get
	// claimed. Older rows are left for the retention purge.
	// Default: 24 hours
	FreshnessWindow time.Duration

	// HandlerTimeout is the maximum duration of a single handler run.
	// Default: 2 hours
	HandlerTimeout time.Duration

	// CancelGrace is how long Stop waits for in-flight handlers before
	// cancelling their contexts, which force-kills owned subprocesses.
	// Default: 30 seconds
	CancelGrace time.Duration

	// WorkerID is the claim attribution prefix recorded in locked_by.
	// Default: hostname plus a random suffix
	WorkerID string
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         1,
		PollInterval:    2 * time.Second,
		FreshnessWindow: 24 * time.Hour,
		HandlerTimeout:  2 * time.Hour,
		CancelGrace:     30 * time.Second,
		WorkerID:        defaultWorkerID(),
	}
}

// defaultWorkerID derives a claim attribution from the hostname plus a
// random suffix so two processes on one host stay distinguishable.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "clipforge"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// NewDispatcher creates a dispatcher with default configuration.
func NewDispatcher(jobRepo repository.JobRepository, executor *Executor) *Dispatcher {
	config := DefaultConfig()
	return &Dispatcher{
		jobRepo:         jobRepo,
		executor:        executor,
		logger:          slog.Default(),
		workerCount:     config.Workers,
		pollInterval:    config.PollInterval,
		freshnessWindow: config.FreshnessWindow,
		handlerTimeout:  config.HandlerTimeout,
		cancelGrace:     config.CancelGrace,
		workerID:        config.WorkerID,
		inFlight:        make(map[models.ULID]context.CancelCauseFunc),
	}
}

// WithLogger sets a custom logger.
func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// WithConfig applies configuration to the dispatcher.
func (d *Dispatcher) WithConfig(config Config) *Dispatcher {
	if config.Workers > 0 {
		d.workerCount = config.Workers
	}
	if config.PollInterval > 0 {
		d.pollInterval = config.PollInterval
	}
	if config.FreshnessWindow > 0 {
		d.freshnessWindow = config.FreshnessWindow
	}
	if config.HandlerTimeout > 0 {
		d.handlerTimeout = config.HandlerTimeout
	}
	if config.CancelGrace > 0 {
		d.cancelGrace = config.CancelGrace
	}
	if config.WorkerID != "" {
		d.workerID = config.WorkerID
	}
	return d
}

// Start begins the worker pool. The parent context bounds claiming only;
// shutdown of running handlers is Stop's job, so a cancelled parent never
// yanks a handler mid-subprocess.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.claimCtx != nil {
		return fmt.Errorf("dispatcher already started")
	}

	d.claimCtx, d.claimCancel = context.WithCancel(ctx)
	d.handlerCtx, d.handlerCancel = context.WithCancelCause(context.Background())

	for i := 0; i < d.workerCount; i++ {
		workerID := fmt.Sprintf("%s-%d", d.workerID, i)
		d.wg.Add(1)
		go d.worker(d.claimCtx, d.handlerCtx, workerID)
	}

	d.logger.Info("dispatcher started",
		slog.Int("workers", d.workerCount),
		slog.Duration("poll_interval", d.pollInterval),
		slog.String("worker_id", d.workerID))

	return nil
}

// Stop ends claiming, waits up to the cancel grace for in-flight handlers,
// then cancels their contexts and waits for the workers to exit. Handler
// contexts are what owned subprocesses watch, so the late cancellation is
// the force-kill path.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.claimCancel == nil {
		d.mu.Unlock()
		return
	}
	claimCancel := d.claimCancel
	handlerCancel := d.handlerCancel
	d.mu.Unlock()

	claimCancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.cancelGrace):
		d.logger.Warn("cancel grace elapsed, cancelling in-flight handlers",
			slog.Int("in_flight", d.InFlight()))
		handlerCancel(errShuttingDown)
		<-done
	}

	handlerCancel(nil)

	d.mu.Lock()
	d.claimCtx, d.claimCancel = nil, nil
	d.handlerCtx, d.handlerCancel = nil, nil
	d.mu.Unlock()

	d.logger.Info("dispatcher stopped")
}

// Cancel signals the running handler for the given job, if this dispatcher
// currently executes it. Returns false when the job is not in flight here.
// The caller writes the terminal row either way; the handler is only asked
// to stop burning work.
func (d *Dispatcher) Cancel(jobID models.ULID) bool {
	d.mu.RLock()
	cancel, ok := d.inFlight[jobID]
	d.mu.RUnlock()

	if ok {
		cancel(ErrCancelRequested)
	}
	return ok
}

// InFlight returns the number of jobs currently executing.
func (d *Dispatcher) InFlight() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.inFlight)
}

// Status reports the dispatcher state for the supervisor broadcast.
type Status struct {
	Running      bool          `json:"running"`
	Workers      int           `json:"workers"`
	WorkerID     string        `json:"worker_id"`
	InFlight     int           `json:"in_flight"`
	PollInterval time.Duration `json:"poll_interval"`
}

// GetStatus returns the current dispatcher status.
func (d *Dispatcher) GetStatus() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	running := d.claimCtx != nil && d.claimCtx.Err() == nil

	return Status{
		Running:      running,
		Workers:      d.workerCount,
		WorkerID:     d.workerID,
		InFlight:     len(d.inFlight),
		PollInterval: d.pollInterval,
	}
}

// worker is the main claim loop.
func (d *Dispatcher) worker(claimCtx, handlerCtx context.Context, workerID string) {
	defer d.wg.Done()

	d.logger.Debug("worker started", slog.String("worker_id", workerID))

	for {
		select {
		case <-claimCtx.Done():
			d.logger.Debug("worker stopping", slog.String("worker_id", workerID))
			return
		default:
			if err := d.processJob(claimCtx, handlerCtx, workerID); err != nil {
				// Only log unexpected errors, not "no jobs available".
				if err != errNoJobs {
					d.logger.Error("error processing job",
						slog.String("worker_id", workerID),
						slog.Any("error", err))
				}

				// Wait before polling again.
				select {
				case <-claimCtx.Done():
					return
				case <-time.After(d.pollInterval):
				}
			}
		}
	}
}

var errNoJobs = fmt.Errorf("no jobs available")

// processJob claims and executes a single job.
func (d *Dispatcher) processJob(claimCtx, handlerCtx context.Context, workerID string) error {
	job, err := d.jobRepo.ClaimNext(claimCtx, workerID, d.freshnessWindow)
	if err != nil {
		return fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return errNoJobs
	}

	d.logger.Debug("claimed job",
		slog.String("worker_id", workerID),
		slog.String("job_id", job.ID.String()),
		slog.String("kind", string(job.Kind)))

	// Per-job context: cancellable by external cancel requests, bounded by
	// the handler timeout, force-cancelled by Stop after the grace.
	jobCtx, jobCancel := context.WithCancelCause(handlerCtx)
	runCtx, timeoutCancel := context.WithTimeout(jobCtx, d.handlerTimeout)

	d.track(job.ID, jobCancel)
	defer func() {
		d.untrack(job.ID)
		timeoutCancel()
		jobCancel(nil)
	}()

	if err := d.executor.Execute(runCtx, job); err != nil {
		return fmt.Errorf("executing job: %w", err)
	}
	return nil
}

// track records the cancel handle for an in-flight job.
func (d *Dispatcher) track(id models.ULID, cancel context.CancelCauseFunc) {
	d.mu.Lock()
	d.inFlight[id] = cancel
	d.mu.Unlock()
}

// untrack removes the cancel handle once the job settles.
func (d *Dispatcher) untrack(id models.ULID) {
	d.mu.Lock()
	delete(d.inFlight, id)
	d.mu.Unlock()
}
