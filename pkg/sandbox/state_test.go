package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStates = []State{StateIdle, StateCreating, StateActive, StatePaused, StateExpired, StateError}

var allEvents = []LifecycleEvent{
	EventCreate, EventCreated, EventError, EventPause,
	EventResume, EventExpire, EventRetry, EventCleanup,
}

// legal is the full transition table. Everything else must be rejected.
var legal = map[State]map[LifecycleEvent]State{
	StateIdle: {
		EventCreate: StateCreating,
	},
	StateCreating: {
		EventCreated: StateActive,
		EventError:   StateError,
	},
	StateActive: {
		EventPause:   StatePaused,
		EventExpire:  StateExpired,
		EventError:   StateError,
		EventCleanup: StateIdle,
	},
	StatePaused: {
		EventResume:  StateActive,
		EventExpire:  StateExpired,
		EventCleanup: StateIdle,
	},
	StateExpired: {
		EventCreate:  StateCreating,
		EventCleanup: StateIdle,
	},
	StateError: {
		EventRetry:   StateCreating,
		EventCleanup: StateIdle,
	},
}

func TestTransitionTableComplete(t *testing.T) {
	for _, from := range allStates {
		for _, event := range allEvents {
			got, ok := nextState(from, event)
			want, legalOK := legal[from][event]
			assert.Equal(t, legalOK, ok, "%s + %s", from, event)
			if legalOK {
				assert.Equal(t, want, got, "%s + %s", from, event)
			}
		}
	}
}
