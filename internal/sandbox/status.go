package sandbox

import "sync"

// ContainerState tracks where a sandbox container is in its lifecycle.
type ContainerState string

const (
	StateNotCreated   ContainerState = "not_created"
	StateCreated      ContainerState = "created"
	StateInitializing ContainerState = "initializing"
	StateRunning      ContainerState = "running"
	StateError        ContainerState = "error"
	StateRestarting   ContainerState = "restarting"
	StateStopping     ContainerState = "stopping"
	StateStopped      ContainerState = "stopped"
	StateExited       ContainerState = "exited"
)

// StatusSummary is a point-in-time snapshot of a container's lifecycle.
// Error is only set when State is StateError, and in that case Message is
// empty. A running container always reports 100 percent.
type StatusSummary struct {
	StartupPercentage int            `json:"startup_percentage"`
	State             ContainerState `json:"state"`
	Message           string         `json:"message,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// statusTracker owns the mutable status fields and keeps every mutation in
// one place. Observers get value snapshots, never pointers into the tracker.
type statusTracker struct {
	mu       sync.Mutex
	current  StatusSummary
	onChange func(StatusSummary)
}

func newStatusTracker(onChange func(StatusSummary)) *statusTracker {
	return &statusTracker{
		current:  StatusSummary{State: StateNotCreated},
		onChange: onChange,
	}
}

// Summary returns the latest snapshot.
func (t *statusTracker) Summary() StatusSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// set transitions to a new state with a progress percentage and optional
// progress message, clearing any previous error.
func (t *statusTracker) set(state ContainerState, percentage int, message string) {
	if state == StateRunning {
		percentage = 100
	}
	t.publish(StatusSummary{
		StartupPercentage: percentage,
		State:             state,
		Message:           message,
	})
}

// fail transitions to the error state. The error text replaces any
// progress message.
func (t *statusTracker) fail(percentage int, errText string) {
	t.publish(StatusSummary{
		StartupPercentage: percentage,
		State:             StateError,
		Error:             errText,
	})
}

// note updates only the progress message, preserving state and percentage.
func (t *statusTracker) note(message string) {
	t.mu.Lock()
	next := t.current
	t.mu.Unlock()
	if next.State == StateError {
		return
	}
	next.Message = message
	t.publish(next)
}

func (t *statusTracker) publish(s StatusSummary) {
	t.mu.Lock()
	t.current = s
	cb := t.onChange
	t.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}
