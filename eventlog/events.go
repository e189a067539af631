// Package eventlog defines the persisted event taxonomy (spec.md §4.6,
// C6) and the persistence-layer interface the orchestrator core consumes.
// The concrete store (event append, snapshot save/load) is, per spec.md
// §1, an external collaborator; Log is the minimal contract the core
// needs, and Memory/File below are reference implementations good enough
// to drive the recovery tests in spec.md §8.
package eventlog

import (
	"taskorchestrator/correlation"
)

// Kind discriminates the four persisted event types named in spec.md §4.6.
type Kind int

const (
	StartOrchestratorEvent Kind = iota
	MessageSentEvent
	MessageReceivedEvent
	// TaskTimedOutEvent is the recommended-but-optional event (spec.md §9
	// Open Question) that makes timeout-driven transitions independent of
	// the wall clock during replay. This implementation persists it
	// whenever Settings.ReplayDeterministicTimeouts is true (the default).
	TaskTimedOutEvent
	SnapshotOfferEvent
)

func (k Kind) String() string {
	switch k {
	case StartOrchestratorEvent:
		return "StartOrchestrator"
	case MessageSentEvent:
		return "MessageSent"
	case MessageReceivedEvent:
		return "MessageReceived"
	case TaskTimedOutEvent:
		return "TaskTimedOut"
	case SnapshotOfferEvent:
		return "SnapshotOffer"
	default:
		return "Unknown"
	}
}

// Event is a single persisted record. Only the fields relevant to Kind
// are populated: a flat, explicitly-tagged struct rather than one
// interface type per event, which keeps replay a
// single switch instead of a type-registry.
type Event struct {
	Kind Kind

	// StartOrchestrator
	StartID uint64

	// MessageSent / MessageReceived / TaskTimedOut
	TaskIndex     uint32
	DeliveryID    correlation.DeliveryID
	CorrelationID correlation.CorrelationID

	// MessageReceived: the reply (or TimeoutSignal sentinel) dispatched
	// to the task's behavior.
	Message any

	// SnapshotOffer: an opaque, orchestrator-serialized state blob.
	Snapshot []byte
}

// Log is the persistence layer interface the orchestrator core consumes
// (spec.md §6 "Persistence layer interface").
type Log interface {
	// Append persists event as the next record in this orchestrator's log.
	Append(event Event) error

	// Replay returns the most recent snapshot, if any (hasSnapshot ==
	// true), followed by every event persisted after it, in order.
	Replay() (snapshot []byte, hasSnapshot bool, events []Event, err error)

	// SaveSnapshot persists state as the most recent SnapshotOffer. The log
	// also records a SnapshotOfferEvent, but Replay hands the state back
	// only as its snapshot result, never among the returned events, so a
	// SaveSnapshot followed by no further appends replays zero events.
	SaveSnapshot(state []byte) error
}
