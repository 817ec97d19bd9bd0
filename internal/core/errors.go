package core

import "errors"

// errShortHash is returned when a hex string decodes to the wrong length.
var errShortHash = errors.New("core: hash must be 32 bytes")

// Sentinel errors implementing the error taxonomy of spec §7. Callers
// use errors.Is against these, matching the teacher's
// errors.Is(err, sql.ErrNoRows) convention.
var (
	// ErrNotFound is returned by lookups that find no matching row.
	ErrNotFound = errors.New("chronoshare: not found")

	// ErrDuplicateAction is returned when an action for an already-seen
	// (device, seq) is submitted again. Callers treat this as an
	// idempotent no-op, not a failure.
	ErrDuplicateAction = errors.New("chronoshare: duplicate action")

	// ErrMissingPrerequisite names the case of a DELETE emitted for a
	// filename with no prior UPDATE (or one already deleted). No operation
	// returns it: ActionLog.AddLocalDelete treats that case as a no-op and
	// returns (nil, nil).
	ErrMissingPrerequisite = errors.New("chronoshare: missing prerequisite action")

	// ErrProtocol marks a malformed action body, wrong shared-folder, or
	// unparseable name. Protocol errors are dropped, never retried.
	ErrProtocol = errors.New("chronoshare: protocol error")

	// ErrPersistence marks a database operational failure. It is fatal
	// to the enclosing transaction, which is rolled back.
	ErrPersistence = errors.New("chronoshare: persistence error")
)
