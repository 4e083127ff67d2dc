// Package events carries engine notifications to whoever is listening:
// the HTTP event stream, the CLI, logs.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a notification.
type Kind string

const (
	RecordingStarted   Kind = "recording-started"
	RecordingFinalized Kind = "recording-finalized"
	RecordingAutoSaved Kind = "recording-auto-saved"
	RecordingSaved     Kind = "recording-saved"
	RecordingDiscarded Kind = "recording-discarded"
	RecordingExpired   Kind = "recording-expired"
	RecordingFailed    Kind = "recording-failed"
)

// ErrorKind classifies user-visible failures.
type ErrorKind string

const (
	ErrorEncoding ErrorKind = "encoding"
	ErrorIO       ErrorKind = "io"
)

// Event is a single notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id,omitempty"`
	Title     string    `json:"title,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Path      string    `json:"path,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is implemented by Bus; components depend on this instead.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// subscriberBuffer holds a burst of events for a slow reader.
const subscriberBuffer = 64

// Bus fans out events to subscribers without ever blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	dropped     atomic.Uint64
}

// Subscriber receives events on C until unsubscribed.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Done is closed when the subscriber is removed from the bus.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{
		C:    make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and signals it to stop. Calling it twice
// is a no-op.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[s]; !ok {
		return
	}
	delete(b.subscribers, s)
	close(s.done)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish delivers ev to every subscriber. Subscribers whose buffer is full
// miss the event.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
