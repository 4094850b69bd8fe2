// Package eventbus implements the orchestrator's broadcast event stream:
// a monotone (epoch_id, seq) envelope around every published event, and
// per-subscriber ring-buffered delivery that drops the oldest entries
// under overload rather than blocking the publisher. A lagging
// subscriber receives a single synthetic EventsDropped marker the next
// time it successfully reads, and is expected to call GetStateSnapshot
// to reconcile.
package eventbus

import (
	"context"
	"io"
	"sync"
	"time"
)

// Event kinds, per spec §4.7.
const (
	KindMachineConnected    = "MachineConnected"
	KindMachineDisconnected = "MachineDisconnected"
	KindMachineUpdated      = "MachineUpdated"
	KindSessionCreated      = "SessionCreated"
	KindSessionClosed       = "SessionClosed"
	KindSessionOutput       = "SessionOutput"
	KindOrchestratorStatus  = "OrchestratorStatus"
	KindEventsDropped       = "EventsDropped"
)

// Event is the envelope every publish produces and every subscriber
// receives, in order, modulo the lossy-drop contract.
type Event struct {
	EpochID   string    `json:"epoch_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
}

// EventsDropped is the synthetic payload carried by a KindEventsDropped
// event, itself never subject to being dropped (it replaces whatever was
// evicted).
type EventsDropped struct {
	Missed int `json:"missed"`
}

// DefaultSubscriberCapacity matches spec §4.7's default outbound event
// buffer per control-plane client.
const DefaultSubscriberCapacity = 1024

// DefaultSessionOutputCapacity matches spec §4.7's narrower
// session-output broadcast channel, used for SessionOutput-only
// subscriptions (one per subscribed session per client) rather than the
// general per-client event stream.
const DefaultSessionOutputCapacity = 256

// Subscriber is a bounded, lossy, ordered event queue. Publish(push)
// never blocks; Recv blocks until an event is available, the context is
// canceled, or the subscriber is closed.
type Subscriber struct {
	mu       sync.Mutex
	buf      []Event
	head     int
	count    int
	dropped  int
	pending  bool // an EventsDropped marker is due before the next real event
	closed   bool
	notifyCh chan struct{}
}

// NewSubscriber creates a Subscriber with the given ring capacity. A
// capacity <= 0 uses DefaultSubscriberCapacity.
func NewSubscriber(capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = DefaultSubscriberCapacity
	}
	return &Subscriber{
		buf:      make([]Event, capacity),
		notifyCh: make(chan struct{}, 1),
	}
}

// push enqueues ev, evicting the oldest entry and recording a drop if the
// ring is full. Never blocks.
func (s *Subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	cap := len(s.buf)
	if s.count == cap {
		s.head = (s.head + 1) % cap
		s.count--
		s.dropped++
		s.pending = true
	}
	writeAt := (s.head + s.count) % cap
	s.buf[writeAt] = ev
	s.count++
	s.mu.Unlock()

	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Recv returns the next event, or the deferred EventsDropped marker if
// the ring overflowed since the last successful receive. Returns io.EOF
// once the subscriber is closed and drained.
func (s *Subscriber) Recv(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.pending {
			missed := s.dropped
			s.dropped = 0
			s.pending = false
			s.mu.Unlock()
			return Event{Kind: KindEventsDropped, Timestamp: time.Now(), Payload: EventsDropped{Missed: missed}}, nil
		}
		if s.count > 0 {
			ev := s.buf[s.head]
			s.head = (s.head + 1) % len(s.buf)
			s.count--
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notifyCh:
		}
	}
}

// Close marks the subscriber closed; any blocked Recv wakes with io.EOF
// once its buffer is drained.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Pending reports the number of events currently buffered, for tests and
// diagnostics.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Bus is the one per-orchestrator broadcast bus: it stamps every publish
// with a monotone seq under the current epoch and fans it out to every
// registered Subscriber.
type Bus struct {
	epochID string

	mu          sync.Mutex
	seq         uint64
	subscribers map[uint64]*Subscriber
	nextID      uint64
}

func New(epochID string) *Bus {
	return &Bus{
		epochID:     epochID,
		subscribers: make(map[uint64]*Subscriber),
	}
}

// EpochID returns the epoch this bus publishes under. It never changes
// for the lifetime of a Bus — a new epoch means a new orchestrator run,
// hence a new Bus.
func (b *Bus) EpochID() string {
	return b.epochID
}

// CurrentSeq returns the seq of the most recently published event, or 0
// if nothing has been published yet.
func (b *Bus) CurrentSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Publish stamps and fans out an event to every subscriber registered at
// the moment of the call. It never blocks on a subscriber: delivery past
// this point is each Subscriber's own lossy-ring problem.
func (b *Bus) Publish(kind string, payload any) Event {
	b.mu.Lock()
	b.seq++
	ev := Event{EpochID: b.epochID, Seq: b.seq, Timestamp: time.Now(), Kind: kind, Payload: payload}
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
	return ev
}

// PublishTo stamps an event under the bus's monotone seq, exactly like
// Publish, but delivers it only to the listed subscriber ids instead of
// every subscriber. Used for high-volume per-session streams (e.g.
// SessionOutput) that only the clients who asked for that session
// should receive, while still sharing one global, strictly increasing
// seq space (spec §8 property 3).
func (b *Bus) PublishTo(ids []uint64, kind string, payload any) Event {
	b.mu.Lock()
	b.seq++
	ev := Event{EpochID: b.epochID, Seq: b.seq, Timestamp: time.Now(), Kind: kind, Payload: payload}
	subs := make([]*Subscriber, 0, len(ids))
	for _, id := range ids {
		if s, ok := b.subscribers[id]; ok {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
	return ev
}

// Subscribe registers a new Subscriber with the given capacity (0 uses
// DefaultSubscriberCapacity) and returns it along with an id for later
// Unsubscribe.
func (b *Bus) Subscribe(capacity int) (id uint64, sub *Subscriber) {
	sub = NewSubscriber(capacity)
	b.mu.Lock()
	b.nextID++
	id = b.nextID
	b.subscribers[id] = sub
	b.mu.Unlock()
	return id, sub
}

// Unsubscribe removes and closes the subscriber for id, if present.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// SubscriberCount reports the number of live subscriptions, used by
// tests that check SubscribeSession/UnsubscribeSession symmetry.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
