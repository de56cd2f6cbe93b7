// Package events fans call and registration lifecycle events out to
// in-process observers and, through the webhook emitter, to external
// listeners. Publishing never blocks: a slow subscriber loses its oldest
// events first and the loss is counted.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event. The values are stable strings; webhook consumers
// switch on them.
type Type string

const (
	CallStarted  Type = "call.started"
	CallRinging  Type = "call.ringing"
	CallAnswered Type = "call.answered"
	CallHeld     Type = "call.held"
	CallResumed  Type = "call.resumed"
	CallEnded    Type = "call.ended"

	RegistrationAdded   Type = "registration.added"
	RegistrationExpired Type = "registration.expired"
	RegistrationRemoved Type = "registration.removed"

	VoicemailDeposited Type = "voicemail.deposited"
	TransferCompleted  Type = "transfer.completed"
	ConferenceJoined   Type = "conference.joined"
	ConferenceLeft     Type = "conference.left"
)

// Event is one lifecycle occurrence. CallID and AOR are set when they
// apply; everything else rides in Fields.
type Event struct {
	Type   Type              `json:"type"`
	At     time.Time         `json:"at"`
	CallID string            `json:"call_id,omitempty"`
	AOR    string            `json:"aor,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// defaultBuffer is the per-subscriber queue depth when the caller asks
// for zero.
const defaultBuffer = 64

// Subscription is one observer's view of the bus. Read from C; call
// Cancel when done. After Cancel the channel is closed.
type Subscription struct {
	bus     *Bus
	id      int
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the event channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber has lost to overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.ch)
	})
}

// Bus is the in-process event hub.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With("component", "events"),
		subs:   make(map[int]*Subscription),
	}
}

// Subscribe attaches a new observer with the given buffer depth
// (0 = default). Subscriptions opened after Close return a closed channel.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{bus: b, ch: make(chan Event, buffer)}
	if b.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every subscriber without blocking. A full
// subscriber queue sheds its oldest event to make room.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: drop the oldest, then try once more. The second
		// send can still lose a race with the consumer; count it either way.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
			sub.dropped.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close detaches every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
