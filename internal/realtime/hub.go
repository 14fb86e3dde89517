// Package realtime fans booking state changes out to long-lived
// subscriber connections, without polling.
package realtime

import (
	"context"
	"sync"
	"time"

	"valetdrive/internal/booking"
)

// Envelope is the tagged message sent to subscribers.
type Envelope struct {
	Type    string             `json:"type"` // connected | snapshot | update | heartbeat
	Booking *booking.Booking   `json:"booking,omitempty"`
	Drivers map[string]Profile `json:"drivers,omitempty"`
	At      time.Time          `json:"at"`
}

// Profile is the public driver view joined into each payload.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// ProfileResolver looks up a driver's public profile. It is called again
// on every notification rather than cached, favoring correctness over
// latency.
type ProfileResolver func(ctx context.Context, driverID string) (Profile, bool)

// Sink receives envelopes for one subscriber. A Send error marks the sink
// dead; the hub removes it without disturbing sibling subscribers.
type Sink interface {
	Send(Envelope) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Envelope) error

func (f SinkFunc) Send(e Envelope) error { return f(e) }

type subscriber struct {
	id   int64
	sink Sink
}

// Hub is the per-booking subscriber registry. It is injected where
// needed rather than living as a package singleton, and has an explicit
// Shutdown. Add, remove, and iterate are safe under concurrency.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[int64]*subscriber
	nextID  int64
	resolve ProfileResolver
	closed  bool
}

func NewHub(resolve ProfileResolver) *Hub {
	return &Hub{subs: make(map[string]map[int64]*subscriber), resolve: resolve}
}

// Subscribe registers a sink for a booking and returns its unsubscribe
// function. Unsubscribing is idempotent.
func (h *Hub) Subscribe(bookingID string, sink Sink) func() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	h.nextID++
	sub := &subscriber{id: h.nextID, sink: sink}
	if h.subs[bookingID] == nil {
		h.subs[bookingID] = make(map[int64]*subscriber)
	}
	h.subs[bookingID][sub.id] = sub
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(bookingID, sub.id) })
	}
}

// Notify synchronously delivers the committed state to every current
// subscriber of the booking. It runs on the mutating request's own path,
// so subscribers observe mutations in commit order.
func (h *Hub) Notify(b booking.Booking) {
	h.deliver(b, "update")
}

// SendSnapshot delivers the current state to a single sink, for the
// initial payload of a new connection.
func (h *Hub) SendSnapshot(sink Sink, b booking.Booking) error {
	return sink.Send(h.envelope(b, "snapshot"))
}

// SubscriberCount reports live sinks for a booking.
func (h *Hub) SubscriberCount(bookingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[bookingID])
}

// Shutdown drops every subscriber and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	h.subs = make(map[string]map[int64]*subscriber)
	h.mu.Unlock()
}

func (h *Hub) deliver(b booking.Booking, kind string) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs[b.ID]))
	for _, sub := range h.subs[b.ID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	env := h.envelope(b, kind)
	for _, sub := range targets {
		if err := sub.sink.Send(env); err != nil {
			h.remove(b.ID, sub.id)
		}
	}
}

func (h *Hub) envelope(b booking.Booking, kind string) Envelope {
	env := Envelope{Type: kind, Booking: &b, At: time.Now()}
	if h.resolve == nil {
		return env
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	drivers := make(map[string]Profile)
	if b.PickupLeg.DriverID != "" {
		if p, ok := h.resolve(ctx, b.PickupLeg.DriverID); ok {
			drivers["pickup"] = p
		}
	}
	if b.ReturnLeg.DriverID != "" {
		if p, ok := h.resolve(ctx, b.ReturnLeg.DriverID); ok {
			drivers["return"] = p
		}
	}
	if len(drivers) > 0 {
		env.Drivers = drivers
	}
	return env
}

func (h *Hub) remove(bookingID string, id int64) {
	h.mu.Lock()
	if subs, ok := h.subs[bookingID]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.subs, bookingID)
		}
	}
	h.mu.Unlock()
}
