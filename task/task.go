package task

import (
	"fmt"
	"time"

	"taskorchestrator/correlation"
)

// NoTimeout marks a task as having no timeout (∞ in spec.md §3). Go's
// time.Duration zero value is itself a valid, immediately-expiring finite
// timeout, so it cannot double as "no timeout"; a negative sentinel is
// used instead.
const NoTimeout time.Duration = -1

// Def is a task's immutable definition, frozen once the owning
// orchestrator is constructed (spec.md §3 "Task (T)").
type Def struct {
	Index        uint32
	Name         string
	Destination  correlation.Path
	Dependencies map[uint32]struct{}
	Timeout      time.Duration
	Behavior     BehaviorFunc

	// CreateMessage builds the outbound request embedding c, the
	// correlation id placed on the wire (spec.md §4.1 "computing the
	// message via createMessage(C)"). It must be pure and side-effect
	// free: it may run again during replay.
	CreateMessage func(c correlation.CorrelationID) any

	// Composite, when set, makes this a composite task (spec.md §4.4):
	// "from the outer orchestrator's view it is a single Task" whose
	// completion is driven by something other than a correlation-matched
	// external reply. CreateMessage/Destination/Timeout are ignored for
	// composite tasks; the orchestrator calls Composite.Start once and
	// waits for resolve to be invoked exactly once with the task's
	// outcome.
	Composite CompositeStarter
}

// CompositeStarter is implemented by composite task constructs (quorum
// being the only one this package defines a consumer for). Start is
// invoked once, when the task becomes runnable; resolve must be called
// exactly once, from any goroutine, with the task's final Finish/Abort
// outcome (Ignore is not a meaningful outcome for a composite task).
type CompositeStarter interface {
	Start(resolve func(Action))
}

// Instance is the mutable runtime half of a task: its current state plus
// the transient fields recorded while Waiting. Only the owning
// orchestrator's mailbox goroutine may call the mutating methods below.
type Instance struct {
	Def Def

	state State

	expectedDeliveryID    correlation.DeliveryID
	expectedCorrelationID correlation.CorrelationID

	result      any
	abortCause  error
}

// NewInstance creates a fresh Unstarted instance for def.
func NewInstance(def Def) *Instance {
	return &Instance{Def: def, state: Unstarted}
}

func (t *Instance) State() State { return t.state }

// Result returns the finished result, if any.
func (t *Instance) Result() (any, bool) {
	if t.state != Finished {
		return nil, false
	}
	return t.result, true
}

// AbortCause returns the abort cause, if any.
func (t *Instance) AbortCause() (error, bool) {
	if t.state != Aborted {
		return nil, false
	}
	return t.abortCause, true
}

// ExpectedDeliveryID returns the delivery id this task is waiting on.
// Only meaningful while State() == Waiting (invariant I2).
func (t *Instance) ExpectedDeliveryID() correlation.DeliveryID { return t.expectedDeliveryID }

// ExpectedCorrelationID returns the correlation id placed on the wire for
// the outstanding request. Only meaningful while State() == Waiting.
func (t *Instance) ExpectedCorrelationID() correlation.CorrelationID {
	return t.expectedCorrelationID
}

// DependenciesSatisfied reports whether every dependency index is present
// (and thus Finished) in finished.
func (t *Instance) DependenciesSatisfied(finished map[uint32]struct{}) bool {
	for dep := range t.Def.Dependencies {
		if _, ok := finished[dep]; !ok {
			return false
		}
	}
	return true
}

// MarkWaiting transitions Unstarted -> Waiting, recording the delivery and
// correlation ids allocated for the outbound request (spec.md §4.2
// start(), step 2).
func (t *Instance) MarkWaiting(d correlation.DeliveryID, c correlation.CorrelationID) error {
	if t.state != Unstarted {
		return fmt.Errorf("task %d (%s): cannot start from state %s", t.Def.Index, t.Def.Name, t.state)
	}
	t.state = Waiting
	t.expectedDeliveryID = d
	t.expectedCorrelationID = c
	return nil
}

// MarkFinished transitions Waiting -> Finished with the given result.
func (t *Instance) MarkFinished(result any) error {
	if t.state != Waiting {
		return fmt.Errorf("task %d (%s): cannot finish from state %s", t.Def.Index, t.Def.Name, t.state)
	}
	t.state = Finished
	t.result = result
	return nil
}

// MarkAborted transitions Waiting -> Aborted with the given cause.
func (t *Instance) MarkAborted(cause error) error {
	if t.state != Waiting {
		return fmt.Errorf("task %d (%s): cannot abort from state %s", t.Def.Index, t.Def.Name, t.state)
	}
	t.state = Aborted
	t.abortCause = cause
	return nil
}

// RestoreState force-sets a task's terminal state during snapshot
// recovery, bypassing the normal Unstarted->Waiting->{Finished,Aborted}
// transition guards: the snapshot already encodes a history that was
// valid when it was taken.
func (t *Instance) RestoreState(state State, result any, cause error) {
	t.state = state
	t.result = result
	t.abortCause = cause
}

// Apply resolves the behavior's Action against this waiting task. Ignore
// leaves the task Waiting (the caller decides separately whether an
// ignored Timeout must instead become Aborted(ErrTimeout)).
func (t *Instance) Apply(action Action) error {
	switch action.Kind {
	case Finish:
		return t.MarkFinished(action.Result)
	case Abort:
		return t.MarkAborted(action.Cause)
	default:
		return nil
	}
}

// MatchID implements matchId (spec.md §4.1): does an incoming reply
// carrying correlation id c, from sender (nil during recovery, where the
// sender check is skipped), belong to this waiting task?
func (t *Instance) MatchID(ids *correlation.Identifiers, c correlation.CorrelationID, sender *correlation.Path, duringRecovery bool) bool {
	if t.state != Waiting {
		return false
	}

	if ids.Mode() == correlation.Shared {
		return t.expectedDeliveryID == correlation.DeliveryID(c)
	}

	d, err := ids.CorrelationToDelivery(t.Def.Destination, c)
	if err != nil {
		return false
	}
	if t.expectedDeliveryID != d {
		return false
	}
	if duringRecovery {
		return true
	}
	return sender != nil && *sender == t.Def.Destination
}
