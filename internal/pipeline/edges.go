package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/repository"
)

// Edge declares a hand-off: when a job of kind From completes and Guard
// holds, a job of kind To is created for the same project.
type Edge struct {
	From models.JobKind
	To   models.JobKind

	// Guard decides whether the hand-off fires. The job is the completed
	// predecessor, the project reflects the state the predecessor left it in.
	Guard func(job *models.Job, project *models.Project) bool

	// Payload builds the successor's payload from the predecessor.
	Payload func(job *models.Job) models.JSONMap
}

// edges is the static pipeline topology. Analysis is deliberately a sink:
// render and export stay operator-triggered.
var edges = []Edge{
	{
		From: models.JobKindScrape,
		To:   models.JobKindIngest,
		Guard: func(job *models.Job, _ *models.Project) bool {
			return job.AutoIngest()
		},
		Payload: func(job *models.Job) models.JSONMap {
			return models.JSONMap{"auto_analyze": job.AutoAnalyze()}
		},
	},
	{
		From: models.JobKindIngest,
		To:   models.JobKindAnalyze,
		Guard: func(job *models.Job, project *models.Project) bool {
			return job.AutoAnalyze() && project.Status == models.ProjectStatusIngested
		},
		Payload: func(_ *models.Job) models.JSONMap {
			return models.JSONMap{}
		},
	},
}

// Sequencer creates jobs along the pipeline edges and keeps the subject
// project's transient status in step with the work it schedules.
type Sequencer struct {
	jobs     repository.JobRepository
	projects repository.ProjectRepository
	bus      *progress.Bus
	logger   *slog.Logger
}

// NewSequencer creates a sequencer over the given stores.
func NewSequencer(jobs repository.JobRepository, projects repository.ProjectRepository, bus *progress.Bus) *Sequencer {
	return &Sequencer{
		jobs:     jobs,
		projects: projects,
		bus:      bus,
		logger:   slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *Sequencer) WithLogger(logger *slog.Logger) *Sequencer {
	s.logger = logger
	return s
}

// Advance fires the completed job's outgoing edge, if any. Returns the
// created successor, or nil when no edge matched, the guard declined, or an
// equivalent job is already live.
func (s *Sequencer) Advance(ctx context.Context, job *models.Job, project *models.Project) (*models.Job, error) {
	for _, edge := range edges {
		if edge.From != job.Kind {
			continue
		}
		if edge.Guard != nil && !edge.Guard(job, project) {
			continue
		}

		next, err := s.Launch(ctx, edge.To, project, edge.Payload(job))
		if err != nil {
			if errors.Is(err, models.ErrConflict) {
				s.logger.Debug("hand-off target already live",
					slog.String("from", string(edge.From)),
					slog.String("to", string(edge.To)),
					slog.String("project_id", project.ID.String()))
				return nil, nil
			}
			return nil, err
		}

		s.logger.Info("hand-off created",
			slog.String("from", string(edge.From)),
			slog.String("to", string(edge.To)),
			slog.String("job_id", next.ID.String()),
			slog.String("project_id", project.ID.String()))
		return next, nil
	}
	return nil, nil
}

// Launch creates a pending job of the given kind for the project. At most
// one live job per (kind, project) is allowed; a collision returns
// ErrConflict. The project moves into the kind's transient status so the
// queued work is visible immediately.
func (s *Sequencer) Launch(ctx context.Context, kind models.JobKind, project *models.Project, payload models.JSONMap) (*models.Job, error) {
	existing, err := s.jobs.FindActive(ctx, kind, project.ID)
	if err != nil {
		return nil, fmt.Errorf("checking for active %s job: %w", kind, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%s job %s already active for project %s: %w",
			kind, existing.ID, project.ID, models.ErrConflict)
	}

	job := models.NewJob(kind, project.ID, payload)
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating %s job: %w", kind, err)
	}

	if transient := models.TransientStatusForKind(kind); transient != "" && project.Status != transient {
		if err := s.projects.UpdateStatus(ctx, project.ID, transient); err != nil {
			s.logger.Warn("project status not updated for launched job",
				slog.String("project_id", project.ID.String()),
				slog.String("status", string(transient)),
				slog.Any("error", err))
		} else {
			project.Status = transient
			if s.bus != nil {
				s.bus.PublishSubjectUpdate(project)
			}
		}
	}

	if s.bus != nil {
		s.bus.PublishJobUpdate(job)
	}
	return job, nil
}
