package events

import (
	"log/slog"
	"sync"
	"time"
)

// historyCapacity bounds the debug ring of recently published events.
const historyCapacity = 100

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls this far behind starts dropping its oldest pending events; the bus
// never blocks publishers on slow handlers.
const subscriberBuffer = 64

// Filter selects which events a subscriber receives. Zero values match
// everything: an empty Types list matches all types, an empty ProjectID
// matches all projects.
type Filter struct {
	Types     []Type
	ProjectID string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if f.ProjectID != "" && f.ProjectID != e.ProjectID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Handler processes one event. Handlers run on the subscriber's own
// goroutine; panics are recovered and logged, never re-thrown to emitters.
type Handler func(Event)

// Subscription is a handle for removing a subscriber from the bus.
type Subscription struct {
	bus *Bus
	id  int
}

// Close detaches the subscriber. Events already queued are still delivered.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

type subscriber struct {
	filter  Filter
	handler Handler
	ch      chan Event
	done    chan struct{}
}

// Bus is an in-process publish/subscribe event bus. Delivery is FIFO per
// subscriber; handlers for different subscribers run independently with no
// cross-subscriber ordering guarantee.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	history []Event // ring of the last historyCapacity events
	histPos int
	closed  bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[int]*subscriber),
		history: make([]Event, 0, historyCapacity),
	}
}

// Subscribe registers a handler for events matching the filter.
func (b *Bus) Subscribe(filter Filter, handler Handler) *Subscription {
	sub := &subscriber{
		filter:  filter,
		handler: handler,
		ch:      make(chan Event, subscriberBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run()

	return &Subscription{bus: b, id: id}
}

func (s *subscriber) run() {
	for e := range s.ch {
		s.dispatch(e)
	}
	close(s.done)
}

func (s *subscriber) dispatch(e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked",
				"event_type", e.Type, "project_id", e.ProjectID, "panic", r)
		}
	}()
	s.handler(e)
}

// Publish records the event in the debug ring and dispatches it
// asynchronously to every matching subscriber. Never blocks: a subscriber
// whose queue is full loses its oldest pending event.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.history) < historyCapacity {
		b.history = append(b.history, e)
	} else {
		b.history[b.histPos] = e
		b.histPos = (b.histPos + 1) % historyCapacity
	}
	// Snapshot matching subscriber channels so sends happen outside the lock.
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(e) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		for {
			select {
			case sub.ch <- e:
			default:
				// Queue full — drop the oldest pending event and retry so the
				// newest event always gets through.
				select {
				case dropped := <-sub.ch:
					slog.Warn("Slow event subscriber, dropping oldest event",
						"dropped_type", dropped.Type, "project_id", dropped.ProjectID)
				default:
				}
				continue
			}
			break
		}
	}
}

// Recent returns the debug ring contents in publish order.
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, len(b.history))
	out = append(out, b.history[b.histPos:]...)
	out = append(out, b.history[:b.histPos]...)
	return out
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
		<-sub.done
	}
}

// Close detaches every subscriber and stops accepting publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
		<-sub.done
	}
}
