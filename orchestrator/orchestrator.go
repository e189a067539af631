// Package orchestrator implements C3: the single-threaded, crash-
// recoverable execution engine that owns a frozen set of tasks, starts
// them as their dependencies become satisfied, matches incoming replies
// against outstanding deliveries, and reports or propagates completion.
//
// Concurrency model (spec.md §5): each Orchestrator owns exactly one
// mailbox goroutine. Every exported method enqueues a closure and,
// where a result is needed, blocks on a private channel for it. No field
// on Orchestrator is touched from any other goroutine, so the mailbox
// loop needs no locks of its own — the same "single owner goroutine
// reads one channel" shape as a classic work dispatcher, generalized
// from a fixed command set to arbitrary closures.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskorchestrator/correlation"
	"taskorchestrator/delivery"
	"taskorchestrator/eventlog"
	"taskorchestrator/internal/obslog"
	"taskorchestrator/orcerr"
	"taskorchestrator/report"
	"taskorchestrator/task"
)

// GenerateStartID mints a random start id for a caller that has no
// natural id scheme of its own (spec.md §4.2's start id is caller-
// supplied; most callers key it to an external run/request id, but one
// has to come from somewhere for ad-hoc or one-off starts).
func GenerateStartID() uint64 {
	u := uuid.New()
	return binaryLE(u[:8])
}

func binaryLE(b []byte) uint64 {
	var v uint64
	for i, x := range b {
		v |= uint64(x) << (8 * i)
	}
	return v
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithHooks installs lifecycle callbacks (termination, per-task
// completion). Unset fields keep their no-op default.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = fillHooks(h) }
}

// WithName sets the orchestrator's identity for logging and for the
// names it mints for any inner orchestrator it owns (quorum composite
// tasks).
func WithName(name string) Option {
	return func(o *Orchestrator) { o.name = name }
}

// WithLogger installs a lifecycle logger. The default discards everything.
func WithLogger(l obslog.Logger) Option {
	return func(o *Orchestrator) { o.obs = l }
}

// WithContinueOnAbort suppresses the default termination-on-abort
// (spec.md §4.3 "default on_abort... stops the orchestrator"): every
// abort still reaches OnTaskTerminal, but the orchestrator keeps
// matching replies for its other waiting tasks and never calls OnAbort
// on its own. This is the "custom on_abort that keeps the orchestrator
// running" spec.md §7 allows for, used by quorum's inner orchestrator,
// which must keep counting votes after some inner tasks abort; the owner
// decides termination itself (quorum's decision rules) and stops the
// orchestrator explicitly via TimeoutTasksNow/ShutdownOrchestrator.
func WithContinueOnAbort() Option {
	return func(o *Orchestrator) { o.continueOnAbort = true }
}

// Orchestrator is C3. Construct with New, then call Start (fresh) or
// Recover (crash recovery) before sending any replies.
type Orchestrator struct {
	name     string
	mode     correlation.Mode
	ids      *correlation.Identifiers
	log      eventlog.Log
	delivery delivery.Primitive
	settings Settings
	hooks    Hooks
	obs      obslog.Logger

	continueOnAbort bool

	mailbox chan func()

	tasksByIndex []*task.Instance
	unstarted    map[uint32]struct{}
	waiting      map[uint32]struct{}
	finished     map[uint32]struct{}
	aborted      map[uint32]struct{}

	startID      uint64
	started      bool
	terminated   bool
	instigator   *report.Report
	innerCount   uint32
	sinceSnap    uint32
	compositeSeq uint64

	timers map[uint32]*time.Timer
}

// New constructs an Orchestrator over a frozen task set. defs must have
// contiguous indices starting at 0 matching their position, and
// dependency indices must reference only earlier tasks (acyclic by
// construction, spec.md §3 invariant I1).
func New(defs []task.Def, mode correlation.Mode, log eventlog.Log, deliveryPrimitive delivery.Primitive, settings Settings, opts ...Option) (*Orchestrator, error) {
	if log == nil {
		return nil, orcerr.IllegalArgument("log is required")
	}
	if deliveryPrimitive == nil {
		return nil, orcerr.IllegalArgument("delivery primitive is required")
	}

	o := &Orchestrator{
		mode:      mode,
		ids:       correlation.New(mode),
		log:       log,
		delivery:  deliveryPrimitive,
		settings:  settings,
		hooks:     noopHooks(),
		obs:       obslog.Noop{},
		mailbox:   make(chan func(), 64),
		unstarted: make(map[uint32]struct{}, len(defs)),
		waiting:   make(map[uint32]struct{}),
		finished:  make(map[uint32]struct{}),
		aborted:   make(map[uint32]struct{}),
		timers:    make(map[uint32]*time.Timer),
	}

	o.tasksByIndex = make([]*task.Instance, len(defs))
	for i, def := range defs {
		if def.Index != uint32(i) {
			return nil, orcerr.IllegalArgument(fmt.Sprintf("task at position %d has index %d", i, def.Index))
		}
		for dep := range def.Dependencies {
			if dep >= def.Index {
				return nil, orcerr.IllegalArgument(fmt.Sprintf("task %d depends on non-earlier task %d", def.Index, dep))
			}
		}
		o.tasksByIndex[i] = task.NewInstance(def)
		o.unstarted[def.Index] = struct{}{}
	}

	for _, opt := range opts {
		opt(o)
	}

	go o.run()
	return o, nil
}

func (o *Orchestrator) run() {
	for fn := range o.mailbox {
		fn()
	}
}

// post enqueues fn without waiting for it to run, for internal events
// (deliveries, timer fires) that do not need a synchronous reply.
func (o *Orchestrator) post(fn func()) {
	o.mailbox <- fn
}

// postSync enqueues fn and blocks until it has run, for commands whose
// caller needs a result (Status, SaveSnapshot, Start, Shutdown).
func (o *Orchestrator) postSync(fn func()) {
	done := make(chan struct{})
	o.mailbox <- func() {
		fn()
		close(done)
	}
	<-done
}

// NextInnerName mints a display name for an inner orchestrator this one
// owns (quorum composite tasks, spec.md §4.4 design note). The suffix is
// a uuid rather than a sequence number: inner orchestrator names are a
// logging convenience only (nothing in the event log keys off them), so
// nothing depends on them being reproducible across a restart.
func (o *Orchestrator) NextInnerName() string {
	var name string
	o.postSync(func() {
		o.innerCount++
		name = fmt.Sprintf("%s/inner-%s", o.name, uuid.New().String()[:8])
	})
	return name
}

// StartOrchestrator begins execution under the given start id (spec.md
// §4.2, §6). It is idempotent only in the sense that calling it twice on
// a live orchestrator is a programming error; recovery uses Recover
// instead.
func (o *Orchestrator) StartOrchestrator(id uint64) {
	o.postSync(func() {
		if o.started {
			return
		}
		o.log.Append(eventlog.Event{Kind: eventlog.StartOrchestratorEvent, StartID: id})
		o.handleStart(id)
	})
}

func (o *Orchestrator) handleStart(id uint64) {
	o.startID = id
	o.started = true
	if len(o.tasksByIndex) == 0 {
		o.checkAllFinished()
		return
	}
	o.startReadyTasks()
}

// startReadyTasks starts every Unstarted task whose dependencies are
// already satisfied, in ascending index order (spec.md P5).
func (o *Orchestrator) startReadyTasks() {
	for _, inst := range o.tasksByIndex {
		idx := inst.Def.Index
		if _, ok := o.unstarted[idx]; !ok {
			continue
		}
		if inst.DependenciesSatisfied(o.finished) {
			o.beginTask(inst)
		}
	}
}

// beginTask implements tasks[i].start() (spec.md §4.2): allocate a
// delivery, derive its correlation id, deliver the request, persist
// MessageSent, and arm the timeout timer. Composite tasks (spec.md §4.4)
// take a different path: there is no destination or delivery, only a
// resolution callback.
func (o *Orchestrator) beginTask(inst *task.Instance) {
	if inst.Def.Composite != nil {
		o.beginCompositeTask(inst)
		return
	}

	idx := inst.Def.Index
	dest := inst.Def.Destination

	var c correlation.CorrelationID
	d, _ := o.delivery.Deliver(dest, func(d correlation.DeliveryID) any {
		c = o.ids.DeliveryToCorrelation(dest, d)
		if inst.Def.CreateMessage != nil {
			return inst.Def.CreateMessage(c)
		}
		return nil
	})

	_ = inst.MarkWaiting(d, c)
	delete(o.unstarted, idx)
	o.waiting[idx] = struct{}{}

	o.log.Append(eventlog.Event{Kind: eventlog.MessageSentEvent, TaskIndex: idx, DeliveryID: d, CorrelationID: c})
	o.obs.TaskStarted(context.Background(), o.name, idx, inst.Def.Name)
	o.armTimeout(inst, c)
}

// beginCompositeTask starts a composite task (spec.md §4.4): it persists
// a MessageSent exactly like any other task, for a uniform event log, but
// the "delivery" id is a purely local bookkeeping counter since nothing
// is actually sent anywhere; resolution arrives later via resolve,
// posted back onto this orchestrator's own mailbox so the single-owner-
// goroutine invariant holds even though resolve may be called from the
// inner orchestrator's goroutine.
func (o *Orchestrator) beginCompositeTask(inst *task.Instance) {
	idx := inst.Def.Index
	o.compositeSeq++
	d := correlation.DeliveryID(o.compositeSeq)
	c := correlation.CorrelationID(o.compositeSeq)

	_ = inst.MarkWaiting(d, c)
	delete(o.unstarted, idx)
	o.waiting[idx] = struct{}{}
	o.log.Append(eventlog.Event{Kind: eventlog.MessageSentEvent, TaskIndex: idx, DeliveryID: d, CorrelationID: c})
	o.obs.TaskStarted(context.Background(), o.name, idx, inst.Def.Name)

	inst.Def.Composite.Start(func(action task.Action) {
		o.post(func() {
			if o.terminated || inst.State() != task.Waiting {
				return
			}
			o.applyMatched(inst, action, action, false)
		})
	})
}

func (o *Orchestrator) armTimeout(inst *task.Instance, c correlation.CorrelationID) {
	idx := inst.Def.Index
	if inst.Def.Timeout == task.NoTimeout {
		return
	}
	timer := time.AfterFunc(inst.Def.Timeout, func() {
		o.post(func() { o.handleTaskTimeout(idx, c) })
	})
	o.timers[idx] = timer
}

func (o *Orchestrator) cancelTimer(idx uint32) {
	if t, ok := o.timers[idx]; ok {
		t.Stop()
		delete(o.timers, idx)
	}
}

// Deliver dispatches an inbound reply (spec.md §4.1 on_reply): find the
// waiting task whose expected ids match, and invoke its behavior.
// sender is nil when the transport does not distinguish senders (Shared
// mode callers may always pass nil).
func (o *Orchestrator) Deliver(sender *correlation.Path, c correlation.CorrelationID, message any) {
	o.post(func() { o.handleReply(sender, c, message, false) })
}

func (o *Orchestrator) handleReply(sender *correlation.Path, c correlation.CorrelationID, message any, replaying bool) {
	if o.terminated {
		return
	}
	var matched *task.Instance
	for _, inst := range o.tasksByIndex {
		if _, ok := o.waiting[inst.Def.Index]; !ok {
			continue
		}
		if inst.Def.Composite != nil {
			// A composite task's expected ids are a local bookkeeping
			// counter (o.compositeSeq), not a delivery id: it never
			// receives a reply through Deliver, only through its own
			// resolve callback (beginCompositeTask). Matching it here
			// would let an external reply whose id happens to collide
			// with compositeSeq's sequence be routed to it instead of
			// its intended destination.
			continue
		}
		if inst.MatchID(o.ids, c, sender, replaying) {
			matched = inst
			break
		}
	}
	if matched == nil {
		return
	}

	action := matched.Def.Behavior(message)
	o.applyMatched(matched, message, action, replaying)
}

func (o *Orchestrator) applyMatched(inst *task.Instance, message any, action task.Action, replaying bool) {
	idx := inst.Def.Index

	if !replaying {
		o.log.Append(eventlog.Event{Kind: eventlog.MessageReceivedEvent, TaskIndex: idx, Message: message})
		o.maybeAutoSnapshot()
	}
	_ = o.delivery.Confirm(inst.ExpectedDeliveryID())
	o.cancelTimer(idx)
	o.obs.TaskMatched(context.Background(), o.name, idx, inst.Def.Name)

	switch action.Kind {
	case task.Finish:
		_ = inst.MarkFinished(action.Result)
		o.onTaskFinished(inst)
	case task.Abort:
		_ = inst.MarkAborted(action.Cause)
		o.onTaskAborted(inst, action.Cause)
	default:
		if _, isTimeout := message.(task.TimeoutSignal); isTimeout {
			_ = inst.MarkAborted(orcerr.ErrTimeout)
			o.onTaskAborted(inst, orcerr.ErrTimeout)
		}
		// otherwise the behavior declined a real reply; the task stays Waiting.
	}
}

func (o *Orchestrator) handleTaskTimeout(idx uint32, c correlation.CorrelationID) {
	if o.terminated {
		return
	}
	inst := o.tasksByIndex[idx]
	if inst.State() != task.Waiting || inst.ExpectedCorrelationID() != c {
		return
	}

	if o.settings.ReplayDeterministicTimeouts {
		o.log.Append(eventlog.Event{Kind: eventlog.TaskTimedOutEvent, TaskIndex: idx, CorrelationID: c})
	}
	o.obs.TaskTimedOut(context.Background(), o.name, idx, inst.Def.Name)

	action := inst.Def.Behavior(task.TimeoutSignal{CorrelationID: uint64(c)})
	if action.Kind == task.Finish {
		o.log.Append(eventlog.Event{Kind: eventlog.MessageReceivedEvent, TaskIndex: idx, Message: task.TimeoutSignal{CorrelationID: uint64(c)}})
		o.maybeAutoSnapshot()
		_ = o.delivery.Confirm(inst.ExpectedDeliveryID())
		o.cancelTimer(idx)
		_ = inst.MarkFinished(action.Result)
		o.onTaskFinished(inst)
		return
	}

	_ = o.delivery.Confirm(inst.ExpectedDeliveryID())
	o.cancelTimer(idx)
	_ = inst.MarkAborted(orcerr.ErrTimeout)
	o.onTaskAborted(inst, orcerr.ErrTimeout)
}

// TimeoutTasks forces every currently-waiting task's timeout path to fire
// immediately, regardless of its configured duration. This is how a
// quorum composite task cancels the inner tasks that lost the vote
// (spec.md §4.4). Call this from outside the orchestrator's own mailbox
// goroutine; from within a hook (OnTaskTerminal/OnFinish/OnAbort) of this
// same orchestrator, call TimeoutTasksNow instead to avoid deadlocking
// against the very loop iteration the hook is running in.
func (o *Orchestrator) TimeoutTasks() {
	o.postSync(o.timeoutAllWaiting)
}

// TimeoutTasksNow runs the same cancellation as TimeoutTasks but inline,
// without posting to the mailbox. It is safe only when the caller is
// already executing on this orchestrator's own mailbox goroutine, which
// is exactly the case for a quorum composite task's vote-counting hook
// reacting to its inner orchestrator's task completions.
func (o *Orchestrator) TimeoutTasksNow() {
	o.timeoutAllWaiting()
}

func (o *Orchestrator) timeoutAllWaiting() {
	waiting := make([]uint32, 0, len(o.waiting))
	for idx := range o.waiting {
		waiting = append(waiting, idx)
	}
	for _, idx := range waiting {
		inst := o.tasksByIndex[idx]
		if inst.State() != task.Waiting {
			continue
		}
		o.handleTaskTimeout(idx, inst.ExpectedCorrelationID())
	}
}

func (o *Orchestrator) onTaskFinished(inst *task.Instance) {
	idx := inst.Def.Index
	delete(o.waiting, idx)
	o.finished[idx] = struct{}{}
	o.hooks.OnTaskTerminal(report.Of(inst, destPtr(inst)))
	o.startReadyTasks()
	o.checkAllFinished()
}

func (o *Orchestrator) onTaskAborted(inst *task.Instance, cause error) {
	idx := inst.Def.Index
	delete(o.waiting, idx)
	o.aborted[idx] = struct{}{}
	r := report.Of(inst, destPtr(inst))
	o.obs.TaskAborted(context.Background(), o.name, idx, inst.Def.Name, cause)
	o.hooks.OnTaskTerminal(r)

	if o.continueOnAbort || o.terminated {
		return
	}
	o.terminated = true
	o.instigator = &r
	o.hooks.OnAbort(r, cause, o.startID)
}

func (o *Orchestrator) checkAllFinished() {
	if o.terminated {
		return
	}
	if len(o.finished) != len(o.tasksByIndex) {
		return
	}
	o.terminated = true
	o.hooks.OnFinish(o.statusLocked())
}

func destPtr(inst *task.Instance) *correlation.Path {
	d := inst.Def.Destination
	return &d
}

// Status returns a point-in-time snapshot of every task (spec.md §4.5).
func (o *Orchestrator) Status() report.StatusResponse {
	var s report.StatusResponse
	o.postSync(func() { s = o.statusLocked() })
	return s
}

func (o *Orchestrator) statusLocked() report.StatusResponse {
	out := make(report.StatusResponse, 0, len(o.tasksByIndex))
	for _, inst := range o.tasksByIndex {
		out = append(out, report.Of(inst, destPtr(inst)))
	}
	return out
}

// ShutdownOrchestrator stops the orchestrator from matching any further
// replies or firing any further timeouts. It does not invoke OnFinish or
// OnAbort: this is a graceful stop, not a termination outcome.
func (o *Orchestrator) ShutdownOrchestrator() {
	o.postSync(func() {
		for idx := range o.timers {
			o.cancelTimer(idx)
		}
		o.terminated = true
	})
}

func (o *Orchestrator) maybeAutoSnapshot() {
	if o.settings.SaveSnapshotRoughlyEveryXMessages == 0 {
		return
	}
	o.sinceSnap++
	if o.sinceSnap >= o.settings.SaveSnapshotRoughlyEveryXMessages {
		o.sinceSnap = 0
		if data, err := o.marshalSnapshot(); err == nil {
			_ = o.log.SaveSnapshot(data)
			o.obs.SnapshotSaved(context.Background(), o.name)
		}
	}
}

// SaveSnapshot persists the current state to the log as a SnapshotOffer
// (spec.md §6), so a subsequent Recover can skip replaying events prior
// to it.
func (o *Orchestrator) SaveSnapshot() error {
	var err error
	o.postSync(func() {
		var data []byte
		data, err = o.marshalSnapshot()
		if err != nil {
			return
		}
		err = o.log.SaveSnapshot(data)
		if err == nil {
			o.obs.SnapshotSaved(context.Background(), o.name)
		}
	})
	return err
}

// snapshotState is the JSON-serializable projection of an Orchestrator's
// mutable state (invariant I6: deterministic serialization).
type snapshotState struct {
	StartID    uint64
	Started    bool
	Terminated bool
	Tasks      []snapshotTask
	Mappings   map[string][]snapshotMapping
}

type snapshotTask struct {
	Index  uint32
	State  task.State
	Result json.RawMessage `json:",omitempty"`
	Cause  string          `json:",omitempty"`

	// Populated only for State == Waiting: the snapshot is taken mid-flight,
	// before the outstanding reply arrived, and the MessageSent event that
	// originally recorded these ids is exactly what the snapshot's offset
	// skips on replay (eventlog.Memory/File.Replay).
	DeliveryID    correlation.DeliveryID    `json:",omitempty"`
	CorrelationID correlation.CorrelationID `json:",omitempty"`
}

type snapshotMapping struct {
	C uint64
	D uint64
}

// Recover replays the log (spec.md §4.3): apply a snapshot offer if one
// exists, then re-apply every event persisted since, reproducing the
// exact pre-crash state without redelivering anything the log didn't
// record as undelivered. Call this instead of StartOrchestrator when
// resuming an existing orchestrator id.
func (o *Orchestrator) Recover() error {
	snapshot, hasSnapshot, events, err := o.log.Replay()
	if err != nil {
		return orcerr.Wrap(err, "orchestrator: replay")
	}

	var recoverErr error
	o.postSync(func() {
		o.obs.Recovering(context.Background(), o.name, len(events), hasSnapshot)

		if hasSnapshot {
			if err := o.restoreSnapshot(snapshot); err != nil {
				recoverErr = orcerr.Wrap(err, "orchestrator: restore snapshot")
				return
			}
		}

		for i, ev := range events {
			switch ev.Kind {
			case eventlog.StartOrchestratorEvent:
				o.startID = ev.StartID
				o.started = true
			case eventlog.MessageSentEvent:
				o.replayMessageSent(ev)
			case eventlog.MessageReceivedEvent:
				o.replayMessageReceived(ev)
			case eventlog.TaskTimedOutEvent:
				// With ReplayDeterministicTimeouts set, handleTaskTimeout
				// appends TaskTimedOutEvent whether or not the behavior
				// went on to handle Timeout
				// (spec.md §9): a handled timeout additionally appends a
				// MessageReceivedEvent right after it. When that follow-up
				// is present, leave the transition to replayMessageReceived
				// below instead of forcing an abort here.
				if followedByHandledTimeout(events, i, ev.TaskIndex) {
					continue
				}
				o.replayTaskTimedOut(ev)
			case eventlog.SnapshotOfferEvent:
				// accounted for by the snapshot read above.
			}
		}

		for idx := range o.waiting {
			inst := o.tasksByIndex[idx]
			o.armTimeout(inst, inst.ExpectedCorrelationID())
		}
		if o.started && !o.terminated {
			o.startReadyTasks()
			o.checkAllFinished()
		}
	})
	return recoverErr
}

// replayMessageSent re-applies tasks[i].start()'s state transition
// without re-delivering: the persisted delivery/correlation ids are
// trusted as-is rather than re-derived, since the delivery primitive's
// own redelivery of still-unconfirmed messages is a concern external to
// this log (spec.md §1, delivery primitive out of scope).
func (o *Orchestrator) replayMessageSent(ev eventlog.Event) {
	inst := o.tasksByIndex[ev.TaskIndex]
	if inst.State() != task.Unstarted {
		return
	}
	_ = inst.MarkWaiting(ev.DeliveryID, ev.CorrelationID)
	delete(o.unstarted, ev.TaskIndex)
	o.waiting[ev.TaskIndex] = struct{}{}
	o.ids.RestoreMapping(inst.Def.Destination, ev.CorrelationID, ev.DeliveryID)
}

func (o *Orchestrator) replayMessageReceived(ev eventlog.Event) {
	inst := o.tasksByIndex[ev.TaskIndex]
	if inst.State() != task.Waiting {
		return
	}
	action := inst.Def.Behavior(ev.Message)
	o.applyMatched(inst, ev.Message, action, true)
}

// followedByHandledTimeout reports whether events[i], a TaskTimedOutEvent
// for taskIndex, is immediately followed by the MessageReceivedEvent that
// handleTaskTimeout appends only when the behavior handled Timeout by
// finishing. It never inspects events[i].Message itself: TaskTimedOutEvent
// carries no such flag, the adjacency of the two events on the log is the
// only signal.
func followedByHandledTimeout(events []eventlog.Event, i int, taskIndex uint32) bool {
	if i+1 >= len(events) {
		return false
	}
	next := events[i+1]
	return next.Kind == eventlog.MessageReceivedEvent && next.TaskIndex == taskIndex
}

// replayTaskTimedOut forces the abort-on-timeout path directly instead of
// re-invoking the behavior (spec.md §4.3: "the task's timeout path is
// taken regardless of whether the behavior handles it"). Called only
// when the timeout was not handled: a handled timeout's state transition
// comes from the MessageReceivedEvent that follows it on the log, via
// replayMessageReceived, exactly like any other reply.
func (o *Orchestrator) replayTaskTimedOut(ev eventlog.Event) {
	inst := o.tasksByIndex[ev.TaskIndex]
	if inst.State() != task.Waiting {
		return
	}
	_ = o.delivery.Confirm(inst.ExpectedDeliveryID())
	_ = inst.MarkAborted(orcerr.ErrTimeout)
	o.onTaskAborted(inst, orcerr.ErrTimeout)
}

func (o *Orchestrator) restoreSnapshot(data []byte) error {
	var s snapshotState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	o.startID = s.StartID
	o.started = s.Started

	// Re-install every persisted (destination, C) -> D mapping before
	// replaying any further events, so a destination whose only task
	// already reached a terminal state before the snapshot still keeps its
	// correlation counter past the ids it already handed out (I5).
	destByString := make(map[string]correlation.Path, len(o.tasksByIndex))
	for _, inst := range o.tasksByIndex {
		destByString[inst.Def.Destination.String()] = inst.Def.Destination
	}
	for destStr, entries := range s.Mappings {
		dest, ok := destByString[destStr]
		if !ok {
			continue
		}
		for _, m := range entries {
			o.ids.RestoreMapping(dest, correlation.CorrelationID(m.C), correlation.DeliveryID(m.D))
		}
	}

	for _, st := range s.Tasks {
		if int(st.Index) >= len(o.tasksByIndex) {
			continue
		}
		inst := o.tasksByIndex[st.Index]
		switch st.State {
		case task.Waiting:
			_ = inst.MarkWaiting(st.DeliveryID, st.CorrelationID)
			delete(o.unstarted, st.Index)
			o.waiting[st.Index] = struct{}{}
		case task.Finished:
			var result any
			if len(st.Result) > 0 {
				_ = json.Unmarshal(st.Result, &result)
			}
			inst.RestoreState(task.Finished, result, nil)
			delete(o.unstarted, st.Index)
			delete(o.waiting, st.Index)
			o.finished[st.Index] = struct{}{}
		case task.Aborted:
			var cause error
			if st.Cause != "" {
				cause = fmt.Errorf("%s", st.Cause)
			}
			inst.RestoreState(task.Aborted, nil, cause)
			delete(o.unstarted, st.Index)
			delete(o.waiting, st.Index)
			o.aborted[st.Index] = struct{}{}
			if o.instigator == nil {
				r := report.Of(inst, destPtr(inst))
				o.instigator = &r
				o.terminated = true
			}
		}
		// Unstarted tasks are left alone: a MessageSent for them, if any,
		// was persisted after this snapshot and still replays below.
	}
	return nil
}

func (o *Orchestrator) marshalSnapshot() ([]byte, error) {
	s := snapshotState{
		StartID:    o.startID,
		Started:    o.started,
		Terminated: o.terminated,
		Mappings:   make(map[string][]snapshotMapping),
	}
	for _, inst := range o.tasksByIndex {
		st := snapshotTask{Index: inst.Def.Index, State: inst.State()}
		if result, ok := inst.Result(); ok {
			if raw, err := json.Marshal(result); err == nil {
				st.Result = raw
			}
		}
		if cause, ok := inst.AbortCause(); ok {
			st.Cause = cause.Error()
		}
		if inst.State() == task.Waiting {
			st.DeliveryID = inst.ExpectedDeliveryID()
			st.CorrelationID = inst.ExpectedCorrelationID()
		}
		s.Tasks = append(s.Tasks, st)
	}
	for dest, entries := range o.ids.Snapshot() {
		var ms []snapshotMapping
		for _, e := range entries {
			ms = append(ms, snapshotMapping{C: uint64(e.C), D: uint64(e.D)})
		}
		s.Mappings[dest.String()] = ms
	}
	return json.Marshal(s)
}
