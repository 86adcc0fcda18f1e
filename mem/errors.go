package mem

import "errors"

// The error kinds shared by all memory-management operations. Callers are
// expected to test them with errors.Is. Conditions that indicate corrupted
// bookkeeping are not reported as errors; they panic.
var (
	// ErrInvalidArgument indicates a malformed or out-of-contract argument.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTemporaryOutage indicates that a resource is exhausted right now
	// but may become available again later.
	ErrTemporaryOutage = errors.New("temporary resource outage")

	// ErrAlreadyInProgress indicates that the requested range is already
	// claimed by an earlier operation.
	ErrAlreadyInProgress = errors.New("already in progress")

	// ErrNoSuchResource indicates that the named resource does not exist.
	ErrNoSuchResource = errors.New("no such resource")

	// ErrUnsupported indicates an operation that is recognized but not
	// implemented.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrCancelled indicates that an iteration was stopped by its visitor.
	// It never escapes to public APIs.
	ErrCancelled = errors.New("cancelled")
)
