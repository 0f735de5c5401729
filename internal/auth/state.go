package auth

// State is the lifecycle state of a Manager.
type State int

const (
	StateUninitialized State = iota
	StateCacheLoaded
	StateValid
	StateExpired
	StateSilentRefreshFailed
	StateInteractiveFlowPending
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCacheLoaded:
		return "cache_loaded"
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	case StateSilentRefreshFailed:
		return "silent_refresh_failed"
	case StateInteractiveFlowPending:
		return "interactive_flow_pending"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}
