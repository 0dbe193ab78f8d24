// Package dispatch claims pending jobs from the store and drives them
// through their registered handlers.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/clipforge/clipforge/internal/models"
)

// ReportFunc publishes progress from inside a handler. Implementations are
// safe for concurrent use and never block handler work; a report that
// cannot be recorded is dropped.
type ReportFunc func(progress float64, stage, message string)

// Handler executes jobs of a single kind.
type Handler interface {
	// Kind returns the job kind this handler serves.
	Kind() models.JobKind

	// NewPayload returns a fresh value the job's payload map is decoded
	// into before Execute runs. Returning nil skips decoding; handlers that
	// take no arguments do this.
	NewPayload() any

	// Execute runs the job to completion. The returned map becomes the job
	// result. Handlers must observe ctx cancellation between expensive
	// steps and terminate any owned subprocesses when it fires.
	Execute(ctx context.Context, job *models.Job, payload any, report ReportFunc) (models.JSONMap, error)
}

// Registry maps job kinds to handlers. It is populated during startup
// wiring and frozen before the dispatcher starts, so the handler set never
// changes underneath a running worker.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.JobKind]Handler
	frozen   bool
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[models.JobKind]Handler),
	}
}

// Register binds a handler to its kind. Registration is rejected after
// Freeze and for duplicate kinds.
func (r *Registry) Register(handler Handler) error {
	kind := handler.Kind()
	if kind == "" {
		return fmt.Errorf("handler reports an empty kind")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen: cannot register handler for kind %q", kind)
	}
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for kind %q", kind)
	}

	r.handlers[kind] = handler
	return nil
}

// MustRegister registers a handler and panics on failure. Startup wiring
// uses this; a duplicate or post-freeze registration is a programming
// error.
func (r *Registry) MustRegister(handler Handler) {
	if err := r.Register(handler); err != nil {
		panic(fmt.Sprintf("registering job handler: %v", err))
	}
}

// Freeze closes the registry for further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve returns the handler for a kind.
func (r *Registry) Resolve(kind models.JobKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[kind]
	return handler, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []models.JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]models.JobKind, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// DecodePayload projects a job's payload map onto the handler's payload
// struct. Keys the handler does not understand stay in the stored map
// untouched; only the fields the struct names are decoded.
func DecodePayload(handler Handler, job *models.Job) (any, error) {
	target := handler.NewPayload()
	if target == nil {
		return nil, nil
	}
	if len(job.Payload) == 0 {
		return target, nil
	}

	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", handler.Kind(), err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", handler.Kind(), err)
	}
	return target, nil
}
