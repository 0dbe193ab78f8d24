package models

import "errors"

// Common validation errors for models.
var (
	// ErrNameRequired indicates a required name field is empty.
	ErrNameRequired = errors.New("name is required")

	// ErrJobKindRequired indicates a job has no kind.
	ErrJobKindRequired = errors.New("job kind is required")

	// ErrProgressOutOfRange indicates a progress value outside [0, 100].
	ErrProgressOutOfRange = errors.New("progress must be between 0 and 100")

	// ErrSegmentProjectRequired indicates a segment without a project.
	ErrSegmentProjectRequired = errors.New("segment project id is required")

	// ErrSegmentBoundsInvalid indicates a segment whose end does not follow
	// its start.
	ErrSegmentBoundsInvalid = errors.New("segment end must be after start")
)

// Outcome sentinels. Handlers and services wrap these with context via
// fmt.Errorf("...: %w", Err...); the HTTP layer switches on errors.Is to
// pick a status code.
var (
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPrecondition indicates a stage was asked to run before its
	// required artifacts exist. Fail fast, no retry.
	ErrPrecondition = errors.New("precondition not met")

	// ErrConflict indicates the request collides with live state, such as
	// a second job of the same kind for a subject that already has one.
	ErrConflict = errors.New("conflict")

	// ErrStoreInconsistency indicates the persistence layer refused an
	// expected transition. Surfaces as a 5xx and is never auto-retried.
	ErrStoreInconsistency = errors.New("store inconsistency")
)
