package lifecycle

import "fmt"

// State is the per-invocation lifecycle state of one service.
type State int

const (
	StatePending State = iota
	StateExcluded
	StateStarting
	StateAwaitingReady
	StateInitializingPostStart
	StateRunning
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateExcluded:
		return "Excluded"
	case StateStarting:
		return "Starting"
	case StateAwaitingReady:
		return "AwaitingReady"
	case StateInitializingPostStart:
		return "InitializingPostStart"
	case StateRunning:
		return "Running"
	case StateFailed:
		return "Failed"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateExcluded, StateRunning, StateFailed, StateStopped:
		return true
	}
	return false
}

// LifecycleError reports a failed lifecycle step: a hook that returned an
// error, or the readiness poll exhausting its deadline. Scoped to one
// service; the scheduler propagates it to dependents only.
type LifecycleError struct {
	Service string
	Step    string // "pre_start", "ping", "post_start", "render env", "build", "dependency"
	Err     error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("service %s: %s: %v", e.Service, e.Step, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }
