package events

import (
	"context"
	"sync"
	"time"

	"github.com/appforge-io/appforge/pkg/faults"
)

// WaitForEvent blocks until an event matching the filter is published, the
// timeout elapses, or the context is cancelled.
func (b *Bus) WaitForEvent(ctx context.Context, filter Filter, timeout time.Duration) (Event, error) {
	ch := make(chan Event, 1)
	sub := b.Subscribe(filter, func(e Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer sub.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-ch:
		return e, nil
	case <-timer.C:
		return Event{}, faults.Timeout("no matching event within %s", timeout)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Debounced wraps a handler so that a burst of events produces a single call
// with the last event, fired once the bus has been quiet for the duration.
func Debounced(d time.Duration, handler Handler) Handler {
	var mu sync.Mutex
	var timer *time.Timer
	var last Event

	return func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		last = e
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(d, func() {
			mu.Lock()
			fire := last
			mu.Unlock()
			handler(fire)
		})
	}
}

// Throttled wraps a handler so it runs at most once per interval. Events
// arriving inside the interval are discarded.
func Throttled(interval time.Duration, handler Handler) Handler {
	var mu sync.Mutex
	var lastFired time.Time

	return func(e Event) {
		mu.Lock()
		if time.Since(lastFired) < interval {
			mu.Unlock()
			return
		}
		lastFired = time.Now()
		mu.Unlock()
		handler(e)
	}
}
