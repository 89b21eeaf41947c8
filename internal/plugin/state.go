package plugin

// State is the lifecycle state of a plugin. It is owned exclusively by
// the Manager; discovery and the sandbox only produce inputs to
// transitions.
type State int

// Lifecycle states.
const (
	// StateDiscovered - metadata parsed, no trust decision made.
	StateDiscovered State = iota

	// StateValidated - passed sandbox admission.
	StateValidated

	// StateLoaded - entry point executed, hooks not yet registered.
	StateLoaded

	// StateActive - setup complete, participating in hook dispatch.
	StateActive

	// StateFailed - a lifecycle step failed; terminal unless the
	// operator retries discovery.
	StateFailed

	// StateUnloaded - torn down; hooks and permissions revoked.
	StateUnloaded
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateValidated:
		return "validated"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// IsUsable returns true if the plugin can receive calls.
func (s State) IsUsable() bool {
	return s == StateLoaded || s == StateActive
}
