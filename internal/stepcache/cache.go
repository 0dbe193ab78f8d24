// Package stepcache persists per-project analysis step results so a rerun
// after a crash or failure resumes instead of recomputing.
package stepcache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/clipforge/clipforge/internal/models"
	"github.com/clipforge/clipforge/internal/storage"
)

// Step names an analysis sub-step with cacheable output.
type Step string

const (
	// StepTranscript is the speech-to-text output.
	StepTranscript Step = "transcript"
	// StepAudioAnalysis is the loudness/energy profile.
	StepAudioAnalysis Step = "audio_analysis"
	// StepScenes is the scene boundary list.
	StepScenes Step = "scenes"
	// StepLayout is the framing/crop layout decision.
	StepLayout Step = "layout"
	// StepTimeline is the assembled timeline document.
	StepTimeline Step = "timeline"
)

// AllSteps lists the cacheable steps in pipeline order.
var AllSteps = []Step{StepTranscript, StepAudioAnalysis, StepScenes, StepLayout, StepTimeline}

// errorKey marks an entry as a recorded failure. Entries carrying it are
// never served as results; the next run recomputes and overwrites them.
const errorKey = "error"

// Cache stores step results as JSON files under each project's analysis
// directory. Entries are written atomically and never mutated in place.
type Cache struct {
	sandbox *storage.Sandbox
	logger  *slog.Logger
}

// New creates a step cache over the given data sandbox.
func New(sandbox *storage.Sandbox) *Cache {
	return &Cache{
		sandbox: sandbox,
		logger:  slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (c *Cache) WithLogger(logger *slog.Logger) *Cache {
	c.logger = logger
	return c
}

// Path returns the absolute path of a step entry. Used for results that
// double as artifacts, like the timeline document.
func (c *Cache) Path(projectID models.ULID, step Step) (string, error) {
	return c.sandbox.ResolvePath(storage.AnalysisEntry(projectID, string(step)))
}

// Load reads a cached step result into target. It returns false for
// misses, entries that recorded a previous failure, and entries that no
// longer decode; the caller recomputes in every false case.
func (c *Cache) Load(projectID models.ULID, step Step, target any) bool {
	rel := storage.AnalysisEntry(projectID, string(step))

	data, err := c.sandbox.ReadFile(rel)
	if err != nil {
		if !os.IsNotExist(unwrapPathError(err)) {
			c.logger.Debug("step cache read failed",
				slog.String("project_id", projectID.String()),
				slog.String("step", string(step)),
				slog.Any("error", err))
		}
		return false
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		c.logger.Warn("step cache entry undecodable, recomputing",
			slog.String("project_id", projectID.String()),
			slog.String("step", string(step)),
			slog.Any("error", err))
		return false
	}
	if _, failed := probe[errorKey]; failed {
		return false
	}

	if err := json.Unmarshal(data, target); err != nil {
		c.logger.Warn("step cache entry shape changed, recomputing",
			slog.String("project_id", projectID.String()),
			slog.String("step", string(step)),
			slog.Any("error", err))
		return false
	}

	return true
}

// Has reports whether a valid (non-failure) entry exists for a step.
func (c *Cache) Has(projectID models.ULID, step Step) bool {
	var discard map[string]json.RawMessage
	return c.Load(projectID, step, &discard)
}

// Store atomically persists a step result.
func (c *Cache) Store(projectID models.ULID, step Step, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s entry: %w", step, err)
	}

	rel := storage.AnalysisEntry(projectID, string(step))
	if err := c.sandbox.AtomicWrite(rel, data); err != nil {
		return fmt.Errorf("writing %s entry: %w", step, err)
	}

	c.logger.Debug("step cache entry written",
		slog.String("project_id", projectID.String()),
		slog.String("step", string(step)),
		slog.Int("bytes", len(data)))
	return nil
}

// StoreError records a failed sub-step as {"error": message}. The failure
// survives restarts without ever being served as a result.
func (c *Cache) StoreError(projectID models.ULID, step Step, cause error) error {
	message := "unknown failure"
	if cause != nil {
		message = cause.Error()
	}
	return c.Store(projectID, step, map[string]string{errorKey: message})
}

// Invalidate removes the given step entries; with no steps it removes the
// whole analysis directory. Used by project deletion and forced
// re-analysis.
func (c *Cache) Invalidate(projectID models.ULID, steps ...Step) error {
	if len(steps) == 0 {
		return c.sandbox.RemoveAll(storage.AnalysisDir(projectID))
	}

	for _, step := range steps {
		rel := storage.AnalysisEntry(projectID, string(step))
		if err := c.sandbox.Remove(rel); err != nil && !os.IsNotExist(unwrapPathError(err)) {
			return fmt.Errorf("removing %s entry: %w", step, err)
		}
	}
	return nil
}

// unwrapPathError digs the os-level error out of the sandbox's wrapping so
// IsNotExist checks work.
func unwrapPathError(err error) error {
	for {
		unwrapped, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := unwrapped.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
