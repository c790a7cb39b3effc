package reconcile

import "errors"

// Error taxonomy for reconciliation failures, checkable with errors.Is()
var (
	// ErrTransient is returned for remote API or network failures that are
	// eligible for retry on a later run.
	ErrTransient = errors.New("transient external failure")

	// ErrConfigConflict is returned when existing state contradicts the
	// target and must not be auto-resolved.
	ErrConfigConflict = errors.New("existing state conflicts with target")

	// ErrUnsupportedBackend is returned when no adapter exists for the
	// observed platform component.
	ErrUnsupportedBackend = errors.New("unsupported backend")

	// ErrFatal is returned for unrecoverable conditions such as an
	// unwritable required path or a missing required tool. It is the only
	// error class that halts a run.
	ErrFatal = errors.New("fatal reconciliation failure")
)
