// Package delivery defines the at-least-once delivery primitive the
// orchestrator consumes (spec.md §1 "out of scope... only their
// interfaces matter", §6 "Delivery primitive interface"), plus a
// reference in-memory implementation good enough to drive timeout and
// redelivery scenarios in tests.
package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"taskorchestrator/correlation"
)

// Factory builds the outbound message once a delivery id has been
// allocated, so the id can be embedded in the message (spec.md §4.1:
// "computing the message via createMessage(C)").
type Factory func(d correlation.DeliveryID) any

// Sink receives every (re)transmission of a delivered message. A
// production implementation would route this to the real destination
// actor; tests can supply a Sink that simply records sends or feeds a
// simulated destination.
type Sink interface {
	Send(dest correlation.Path, d correlation.DeliveryID, message any)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(dest correlation.Path, d correlation.DeliveryID, message any)

func (f SinkFunc) Send(dest correlation.Path, d correlation.DeliveryID, message any) {
	f(dest, d, message)
}

// Primitive is the interface the engine depends on: deliver a message,
// get back a delivery id, and later confirm it so redelivery stops.
type Primitive interface {
	Deliver(dest correlation.Path, build Factory) (correlation.DeliveryID, error)
	Confirm(d correlation.DeliveryID) error
}

type outstanding struct {
	dest      correlation.Path
	message   any
	confirmed bool
	timer     *time.Timer
}

// Memory is a reference Primitive: it allocates monotonic delivery ids,
// sends through Sink, and retransmits on a fixed interval until Confirm
// is called. It never drops a delivery on its own.
type Memory struct {
	sink          Sink
	retryInterval time.Duration

	mu      sync.Mutex
	nextID  correlation.DeliveryID
	pending map[correlation.DeliveryID]*outstanding
	closed  bool
}

// NewMemory creates a reference delivery primitive. retryInterval is the
// redelivery cadence; it is only consulted while a delivery remains
// unconfirmed.
func NewMemory(sink Sink, retryInterval time.Duration) *Memory {
	return &Memory{
		sink:          sink,
		retryInterval: retryInterval,
		pending:       make(map[correlation.DeliveryID]*outstanding),
	}
}

func (m *Memory) Deliver(dest correlation.Path, build Factory) (correlation.DeliveryID, error) {
	if dest.Name == "" {
		// Anonymous destination: mint a fallback label so logs and the
		// Sink still see something other than an empty string.
		dest.Name = "anon-" + uuid.New().String()[:8]
	}

	m.mu.Lock()
	d := m.nextID
	m.nextID++
	message := build(d)
	entry := &outstanding{dest: dest, message: message}
	m.pending[d] = entry
	m.mu.Unlock()

	m.send(d, entry)
	m.armRetry(d, entry)
	return d, nil
}

func (m *Memory) send(d correlation.DeliveryID, entry *outstanding) {
	if m.sink != nil {
		m.sink.Send(entry.dest, d, entry.message)
	}
}

func (m *Memory) armRetry(d correlation.DeliveryID, entry *outstanding) {
	if m.retryInterval <= 0 {
		return
	}
	entry.timer = time.AfterFunc(m.retryInterval, func() {
		m.mu.Lock()
		cur, ok := m.pending[d]
		if !ok || cur.confirmed || m.closed {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.send(d, cur)
		m.armRetry(d, cur)
	})
}

func (m *Memory) Confirm(d correlation.DeliveryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pending[d]
	if !ok {
		return nil
	}
	entry.confirmed = true
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return nil
}

// Close stops all retry timers, for clean test teardown.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, entry := range m.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}
