package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/repository"
)

// ErrCancelRequested is the cancellation cause installed when an external
// cancel request targets a running job. Handlers see it through their
// context; the executor maps it to the cancelled terminal state.
var ErrCancelRequested = errors.New("job cancel requested")

// errShuttingDown is the cancellation cause used when the dispatcher force
// stops in-flight handlers. Jobs interrupted this way stay running in the
// store so the startup reset can return them to pending.
var errShuttingDown = errors.New("dispatcher shutting down")

// progressWriteTimeout bounds a single progress write so a slow store
// cannot stall handler work.
const progressWriteTimeout = 5 * time.Second

// finishWriteTimeout bounds the terminal write. It runs on a fresh context
// because the handler context is usually already cancelled or expired by
// the time the outcome is recorded.
const finishWriteTimeout = 30 * time.Second

// Executor resolves claimed jobs to their handlers and records outcomes.
type Executor struct {
	registry *Registry
	jobRepo  repository.JobRepository
	bus      *progress.Bus
	logger   *slog.Logger
}

// NewExecutor creates an executor backed by the given registry and store.
func NewExecutor(registry *Registry, jobRepo repository.JobRepository, bus *progress.Bus) *Executor {
	return &Executor{
		registry: registry,
		jobRepo:  jobRepo,
		bus:      bus,
		logger:   slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	e.logger = logger
	return e
}

// Execute drives one claimed job to its terminal state. Handler errors are
// recorded on the job rather than returned, so a misbehaving handler can
// never take the worker loop down with it. The returned error reports
// store trouble only.
func (e *Executor) Execute(ctx context.Context, job *models.Job) error {
	logger := e.logger.With(
		slog.String("job_id", job.ID.String()),
		slog.String("kind", string(job.Kind)))

	handler, ok := e.registry.Resolve(job.Kind)
	if !ok {
		logger.Error("claimed job has no registered handler")
		job.MarkFailed(fmt.Errorf("no handler registered for kind %q", job.Kind))
		return e.recordOutcome(job)
	}

	payload, err := DecodePayload(handler, job)
	if err != nil {
		logger.Error("job payload rejected", slog.Any("error", err))
		job.MarkFailed(err)
		return e.recordOutcome(job)
	}

	// A cancel or shutdown that lands between claim and start skips the
	// handler entirely.
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), errShuttingDown) {
			logger.Info("shutdown before handler start; leaving job for startup recovery")
			return nil
		}
		job.MarkCancelled()
		return e.recordOutcome(job)
	}

	e.bus.PublishJobUpdate(job)
	logger.Info("executing job", slog.String("subject_id", job.SubjectID.String()))

	tracker := &progressTracker{}
	started := time.Now()
	result, runErr := e.run(ctx, handler, job, payload, e.reporter(job, tracker))
	elapsed := time.Since(started)
	cause := context.Cause(ctx)

	// Carry the handler's last report into the terminal write so Finish
	// never lowers the stored progress.
	if p := tracker.Last(); p > job.Progress {
		job.Progress = p
	}

	switch {
	case errors.Is(cause, ErrCancelRequested):
		// The cancel request already wrote the cancelled row; the Finish
		// guard turns our write into a no-op and whatever the handler
		// returned is discarded.
		job.MarkCancelled()
		logger.Info("job cancelled", slog.Duration("elapsed", elapsed))
	case runErr == nil:
		job.MarkCompleted(result)
		logger.Info("job completed", slog.Duration("elapsed", elapsed))
	case errors.Is(cause, errShuttingDown):
		// Leave the row running: the startup reset turns it back into
		// claimable work on the next boot.
		logger.Warn("job interrupted by shutdown", slog.Duration("elapsed", elapsed))
		return nil
	case errors.Is(runErr, context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded):
		job.MarkFailed(fmt.Errorf("handler timed out after %s", elapsed.Round(time.Second)))
		logger.Error("job timed out", slog.Duration("elapsed", elapsed))
	default:
		job.MarkFailed(runErr)
		logger.Error("job failed",
			slog.Any("error", runErr),
			slog.Duration("elapsed", elapsed))
	}

	return e.recordOutcome(job)
}

// run invokes the handler with panic containment.
func (e *Executor) run(ctx context.Context, handler Handler, job *models.Job, payload any, report ReportFunc) (result models.JSONMap, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked",
				slog.String("job_id", job.ID.String()),
				slog.String("kind", string(job.Kind)),
				slog.Any("panic", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler.Execute(ctx, job, payload, report)
}

// reporter builds the progress callback handed to a handler. Reports go
// through the store guard (running rows only, progress never lowered) and
// are mirrored onto the bus. The callback works on its own copy of the job
// so handler goroutines never share the claimed row.
func (e *Executor) reporter(job *models.Job, tracker *progressTracker) ReportFunc {
	base := *job
	return func(pct float64, stage, message string) {
		if pct < 0 {
			pct = 0
		} else if pct > 100 {
			pct = 100
		}
		tracker.Observe(pct)

		ctx, cancel := context.WithTimeout(context.Background(), progressWriteTimeout)
		defer cancel()

		if err := e.jobRepo.UpdateProgress(ctx, base.ID, pct, stage, message); err != nil {
			e.logger.Debug("progress update dropped",
				slog.String("job_id", base.ID.String()),
				slog.Any("error", err))
			return
		}

		snap := base
		snap.Progress = pct
		snap.Stage = stage
		snap.Message = message
		e.bus.PublishJobUpdate(&snap)
	}
}

// progressTracker remembers the highest progress a handler reported.
// Reports may arrive from any handler goroutine, so it is lock-free.
type progressTracker struct {
	bits atomic.Uint64
}

// Observe records a progress value if it exceeds the current maximum.
func (p *progressTracker) Observe(v float64) {
	for {
		old := p.bits.Load()
		if math.Float64frombits(old) >= v {
			return
		}
		if p.bits.CompareAndSwap(old, math.Float64bits(v)) {
			return
		}
	}
}

// Last returns the highest progress observed, zero if none.
func (p *progressTracker) Last() float64 {
	return math.Float64frombits(p.bits.Load())
}

// recordOutcome persists the terminal fields and publishes the final
// snapshot. The guarded store write keeps an earlier terminal state (an
// external cancel, typically) intact.
func (e *Executor) recordOutcome(job *models.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), finishWriteTimeout)
	defer cancel()

	if err := e.jobRepo.Finish(ctx, job); err != nil {
		e.logger.Error("failed to record job outcome",
			slog.String("job_id", job.ID.String()),
			slog.Any("error", err))
		return fmt.Errorf("recording job outcome: %w", err)
	}

	e.bus.PublishJobUpdate(job)
	return nil
}
