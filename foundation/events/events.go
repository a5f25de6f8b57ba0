// Package events broadcasts builder events to registered subscribers such
// as websocket clients.
package events

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// messageBuffer is the number of events a subscriber can fall behind before
// events are dropped for it.
const messageBuffer = 100

// Event is a single message reported by one of the builder components.
type Event struct {
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Parse builds an event from an event handler message. The source is the
// text before the first colon, e.g. "payload" for "payload: Build: ...".
func Parse(s string, now time.Time) Event {
	source := "builder"
	if i := strings.Index(s, ":"); i > 0 && !strings.ContainsAny(s[:i], " []") {
		source = s[:i]
	}

	return Event{
		Source:  source,
		Message: s,
		Time:    now,
	}
}

// Events maintains a mapping of unique id and channels so goroutines
// can register and receive events.
type Events struct {
	m       map[string]chan Event
	sources map[string]map[string]struct{}
	mu      sync.RWMutex
}

// New constructs an events for registering and receiving events.
func New() *Events {
	return &Events{
		m:       make(map[string]chan Event),
		sources: make(map[string]map[string]struct{}),
	}
}

// Shutdown closes and removes all channels that were provided by
// the call to Acquire.
func (evt *Events) Shutdown() {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	for id, ch := range evt.m {
		delete(evt.m, id)
		delete(evt.sources, id)
		close(ch)
	}
}

// Acquire takes a unique id and returns a channel that can be used to
// receive events. When sources are specified only events from those sources
// are delivered.
func (evt *Events) Acquire(id string, sources ...string) chan Event {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	ch, exists := evt.m[id]
	if exists {
		return ch
	}

	if len(sources) > 0 {
		filter := make(map[string]struct{}, len(sources))
		for _, s := range sources {
			filter[s] = struct{}{}
		}
		evt.sources[id] = filter
	}

	evt.m[id] = make(chan Event, messageBuffer)
	return evt.m[id]
}

// Release closes and removes the channel that was provided by
// the call to Acquire.
func (evt *Events) Release(id string) error {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	ch, exists := evt.m[id]
	if !exists {
		return fmt.Errorf("id %q does not exist", id)
	}

	delete(evt.m, id)
	delete(evt.sources, id)
	close(ch)
	return nil
}

// Send signals an event to every registered channel interested in its
// source. Send will not block waiting for a receiver on any given channel.
func (evt *Events) Send(e Event) {
	evt.mu.RLock()
	defer evt.mu.RUnlock()

	for id, ch := range evt.m {
		if filter, exists := evt.sources[id]; exists {
			if _, wanted := filter[e.Source]; !wanted {
				continue
			}
		}

		select {
		case ch <- e:
		default:
		}
	}
}

// Count returns the number of registered subscribers.
func (evt *Events) Count() int {
	evt.mu.RLock()
	defer evt.mu.RUnlock()

	return len(evt.m)
}
