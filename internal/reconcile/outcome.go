package reconcile

// Outcome classifies the result of a single reconciliation action.
type Outcome int

const (
	// Unchanged means the observed state already matched the target.
	Unchanged Outcome = iota

	// Changed means the action modified state to match the target.
	Changed

	// NotFound means the thing to change could not be located, for example
	// a kernel version with no matching boot entry.
	NotFound

	// Conflict means existing state contradicts the target and was left
	// untouched for a human to resolve.
	Conflict

	// Unsupported means no backend for the observed platform exists, for
	// example an unrecognized bootloader or package manager.
	Unsupported

	// Unknown means the action could not determine the current state, for
	// example a DNS record that is not yet visible.
	Unknown
)

// String returns the lowercase name of the outcome.
func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case NotFound:
		return "not-found"
	case Conflict:
		return "conflict"
	case Unsupported:
		return "unsupported"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Settled reports whether the outcome represents a satisfied target. Only
// Changed and Unchanged count; everything else leaves a delta behind.
func (o Outcome) Settled() bool {
	return o == Changed || o == Unchanged
}
