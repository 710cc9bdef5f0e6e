package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge-io/appforge/pkg/faults"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got atomic.Value
	sub := bus.Subscribe(Filter{Types: []Type{TypeFilesChanged}, ProjectID: "p1"}, func(e Event) {
		got.Store(e)
	})
	defer sub.Close()

	bus.Publish(Event{Type: TypeFilesChanged, ProjectID: "p1", Payload: FilesChangedPayload{Paths: []string{"a", "b", "c"}}})

	waitFor(t, func() bool { return got.Load() != nil })
	e := got.Load().(Event)
	assert.Equal(t, TypeFilesChanged, e.Type)
	assert.Len(t, e.Payload.(FilesChangedPayload).Paths, 3)
	assert.False(t, e.Timestamp.IsZero())
}

func TestFilterExcludesOtherProjectsAndTypes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count atomic.Int32
	sub := bus.Subscribe(Filter{Types: []Type{TypeFilesChanged}, ProjectID: "p1"}, func(Event) {
		count.Add(1)
	})
	defer sub.Close()

	bus.Publish(Event{Type: TypeFilesChanged, ProjectID: "p2"})
	bus.Publish(Event{Type: TypeToolExecuted, ProjectID: "p1"})
	bus.Publish(Event{Type: TypeFilesChanged, ProjectID: "p1"})

	waitFor(t, func() bool { return count.Load() == 1 })
	// Give the mismatches a moment to (incorrectly) arrive.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestEmptyFilterMatchesEverything(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count atomic.Int32
	sub := bus.Subscribe(Filter{}, func(Event) { count.Add(1) })
	defer sub.Close()

	bus.Publish(Event{Type: TypeProjectUpdated, ProjectID: "a"})
	bus.Publish(Event{Type: TypeContextChanged, ProjectID: "b"})

	waitFor(t, func() bool { return count.Load() == 2 })
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var delivered atomic.Int32
	panicky := bus.Subscribe(Filter{}, func(Event) { panic("boom") })
	defer panicky.Close()
	healthy := bus.Subscribe(Filter{}, func(Event) { delivered.Add(1) })
	defer healthy.Close()

	bus.Publish(Event{Type: TypeProjectUpdated, ProjectID: "p1"})
	bus.Publish(Event{Type: TypeProjectUpdated, ProjectID: "p1"})

	waitFor(t, func() bool { return delivered.Load() == 2 })
}

func TestFIFOPerSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var order []string
	sub := bus.Subscribe(Filter{ProjectID: "p1"}, func(e Event) {
		mu.Lock()
		order = append(order, e.Payload.(string))
		mu.Unlock()
	})
	defer sub.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: TypeProjectUpdated, ProjectID: "p1", Payload: fmt.Sprintf("e%d", i)})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 10
	})
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		assert.Equal(t, fmt.Sprintf("e%d", i), v)
	}
}

func TestHistoryRingBounded(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	for i := 0; i < historyCapacity+25; i++ {
		bus.Publish(Event{Type: TypeProjectUpdated, ProjectID: "p1", Payload: i})
	}

	recent := bus.Recent()
	require.Len(t, recent, historyCapacity)
	// Oldest surviving event is number 25.
	assert.Equal(t, 25, recent[0].Payload.(int))
	assert.Equal(t, historyCapacity+24, recent[len(recent)-1].Payload.(int))
}

func TestWaitForEventReceives(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.Publish(Event{Type: TypeSandboxStateChanged, ProjectID: "p1"})
	}()

	e, err := bus.WaitForEvent(context.Background(),
		Filter{Types: []Type{TypeSandboxStateChanged}, ProjectID: "p1"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, TypeSandboxStateChanged, e.Type)
}

func TestWaitForEventTimesOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, err := bus.WaitForEvent(context.Background(),
		Filter{Types: []Type{TypeSandboxStateChanged}}, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, faults.KindTimeout, faults.KindOf(err))
}

func TestDebouncedFiresOnceWithLastEvent(t *testing.T) {
	var mu sync.Mutex
	var calls []Event
	h := Debounced(30*time.Millisecond, func(e Event) {
		mu.Lock()
		calls = append(calls, e)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		h(Event{Type: TypeFilesChanged, Payload: i})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, calls[0].Payload.(int))
}

func TestThrottledSuppressesBurst(t *testing.T) {
	var count atomic.Int32
	h := Throttled(time.Second, func(Event) { count.Add(1) })

	for i := 0; i < 5; i++ {
		h(Event{Type: TypeFilesChanged})
	}

	assert.Equal(t, int32(1), count.Load())
}
