package eventlog

import "sync"

// Memory is an in-process Log backed by a slice. It is the default used
// by tests and by callers who only need crash-recovery semantics to
// survive an orchestrator restart within the same process, not an actual
// process restart.
type Memory struct {
	mu         sync.Mutex
	events     []Event
	snapshotAt int
	snapshot   []byte
	hasSnap    bool
}

// NewMemory creates an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Replay returns the most recent snapshot (if any) plus every event
// appended since that snapshot was taken, so applying them in order never
// double-applies events the snapshot already accounts for.
func (m *Memory) Replay() ([]byte, bool, []Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasSnap {
		events := make([]Event, len(m.events))
		copy(events, m.events)
		return nil, false, events, nil
	}

	tail := m.events[m.snapshotAt:]
	events := make([]Event, len(tail))
	copy(events, tail)

	snap := make([]byte, len(m.snapshot))
	copy(snap, m.snapshot)
	return snap, true, events, nil
}

func (m *Memory) SaveSnapshot(state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := make([]byte, len(state))
	copy(snap, state)
	m.snapshot = snap
	m.hasSnap = true
	m.events = append(m.events, Event{Kind: SnapshotOfferEvent, Snapshot: snap})
	m.snapshotAt = len(m.events)
	return nil
}
