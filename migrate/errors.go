package migrate

import "errors"

var (
	// ErrPlanInvalid is returned when plan construction preconditions are
	// violated: a move with source == target, a duplicate key, or a fresh
	// placement under a planner that rejects them.
	ErrPlanInvalid = errors.New("migration plan invalid")

	// ErrVerificationMismatch marks a failed copy verification. Recoverable:
	// the executor rolls the move back to Copying and retries.
	ErrVerificationMismatch = errors.New("verification mismatch")

	// ErrCheckpointConflict is returned when two executors race on the same
	// plan's checkpoint.
	ErrCheckpointConflict = errors.New("checkpoint conflict")

	// ErrSchemaVersion is returned when a persisted checkpoint carries a
	// schema version this build does not understand.
	ErrSchemaVersion = errors.New("unsupported checkpoint schema version")
)
