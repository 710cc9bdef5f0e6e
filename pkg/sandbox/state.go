package sandbox

// State is the lifecycle state of a project's sandbox.
type State string

const (
	StateIdle     State = "idle"
	StateCreating State = "creating"
	StateActive   State = "active"
	StatePaused   State = "paused"
	StateExpired  State = "expired"
	StateError    State = "error"
)

// LifecycleEvent drives the sandbox state machine.
type LifecycleEvent string

const (
	EventCreate  LifecycleEvent = "CREATE"
	EventCreated LifecycleEvent = "CREATED"
	EventError   LifecycleEvent = "ERROR"
	EventPause   LifecycleEvent = "PAUSE"
	EventResume  LifecycleEvent = "RESUME"
	EventExpire  LifecycleEvent = "EXPIRE"
	EventRetry   LifecycleEvent = "RETRY"
	EventCleanup LifecycleEvent = "CLEANUP"
)

// nextState returns the target state for an event, or false when the
// transition is not in the table. Anything not listed is rejected with no
// side effects.
func nextState(from State, event LifecycleEvent) (State, bool) {
	switch from {
	case StateIdle:
		if event == EventCreate {
			return StateCreating, true
		}
	case StateCreating:
		switch event {
		case EventCreated:
			return StateActive, true
		case EventError:
			return StateError, true
		}
	case StateActive:
		switch event {
		case EventPause:
			return StatePaused, true
		case EventExpire:
			return StateExpired, true
		case EventError:
			return StateError, true
		case EventCleanup:
			return StateIdle, true
		}
	case StatePaused:
		switch event {
		case EventResume:
			return StateActive, true
		case EventExpire:
			return StateExpired, true
		case EventCleanup:
			return StateIdle, true
		}
	case StateExpired:
		switch event {
		case EventCreate:
			return StateCreating, true
		case EventCleanup:
			return StateIdle, true
		}
	case StateError:
		switch event {
		case EventRetry:
			return StateCreating, true
		case EventCleanup:
			return StateIdle, true
		}
	}
	return "", false
}
