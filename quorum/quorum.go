// Package quorum implements C4: the composite task that spawns N inner
// tasks against distinct destinations and decides finish/abort from a
// configurable vote threshold, grounded on spec.md §4.4.
//
// From the owning orchestrator's point of view a quorum task is exactly
// one task.Def (task.Def.Composite, orchestrator/orchestrator.go
// beginCompositeTask) — its inner orchestrator, vote counting, and
// cancellation are entirely internal.
package quorum

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"taskorchestrator/correlation"
	"taskorchestrator/delivery"
	"taskorchestrator/eventlog"
	"taskorchestrator/orcerr"
	"taskorchestrator/orchestrator"
	"taskorchestrator/report"
	"taskorchestrator/task"
)

// Threshold selects how many of N inner votes are required (spec.md
// §4.4): Majority, All, or AtLeast(k).
type Threshold struct {
	kind string
	k    int
}

// Majority requires ⌊N/2⌋ + 1 votes.
func Majority() Threshold { return Threshold{kind: "majority"} }

// All requires every inner task to vote the same value.
func All() Threshold { return Threshold{kind: "all"} }

// AtLeast requires at least k votes (a k below 1 is raised to 1 here; a k
// above N is clamped to N at compute time).
func AtLeast(k int) Threshold {
	if k < 1 {
		k = 1
	}
	return Threshold{kind: "atleast", k: k}
}

func (t Threshold) compute(n int) int {
	switch t.kind {
	case "majority":
		return n/2 + 1
	case "all":
		return n
	default:
		if t.k > n {
			return n
		}
		return t.k
	}
}

// Config describes one quorum composite task.
type Config struct {
	// InnerName identifies the inner orchestrator and is used to build
	// its tasks' logical names; defaults to the outer task's name.
	InnerName string

	Threshold Threshold

	// InnerTasks builds the N inner task.Defs given the inner
	// orchestrator's name. Each must have a distinct Destination (W1)
	// and, ignoring the embedded correlation id, an identical
	// CreateMessage payload (W2) — spec.md §4.4's well-formedness checks.
	InnerTasks func(innerName string) []task.Def

	// Log/Delivery/Mode configure the inner orchestrator exactly like
	// orchestrator.New's corresponding parameters; Log and Delivery
	// default to in-memory reference implementations when nil.
	Log      eventlog.Log
	Delivery delivery.Primitive
	Mode     correlation.Mode
	Settings orchestrator.Settings

	// StartID is passed to the inner orchestrator's StartOrchestrator.
	StartID uint64
}

// New builds the task.Def the owning orchestrator schedules for a quorum
// composite task: index/name/dependencies are the outer task's identity,
// exactly as for any other task.Def.
func New(index uint32, name string, dependencies map[uint32]struct{}, cfg Config) (task.Def, error) {
	innerName := cfg.InnerName
	if innerName == "" {
		innerName = name
	}

	defs := cfg.InnerTasks(innerName)
	if err := checkWellFormed(defs); err != nil {
		return task.Def{}, err
	}

	n := len(defs)
	threshold := cfg.Threshold.compute(n)
	tolerance := n - threshold

	log := cfg.Log
	if log == nil {
		log = eventlog.NewMemory()
	}
	deliveryPrimitive := cfg.Delivery
	if deliveryPrimitive == nil {
		deliveryPrimitive = delivery.NewMemory(nil, 0)
	}

	q := &composite{
		threshold: threshold,
		tolerance: tolerance,
		n:         n,
		buckets:   make(map[string]int),
		values:    make(map[string]any),
		startID:   cfg.StartID,
	}

	inner, err := orchestrator.New(defs, cfg.Mode, log, deliveryPrimitive, cfg.Settings,
		orchestrator.WithName(innerName),
		orchestrator.WithContinueOnAbort(),
		orchestrator.WithHooks(orchestrator.Hooks{OnTaskTerminal: q.onInnerTerminal}),
	)
	if err != nil {
		return task.Def{}, orcerr.Wrap(err, "quorum: inner orchestrator")
	}
	q.inner = inner

	return task.Def{
		Index:        index,
		Name:         name,
		Dependencies: dependencies,
		Timeout:      task.NoTimeout,
		Behavior:     func(msg any) task.Action { return msg.(task.Action) },
		Composite:    q,
	}, nil
}

// checkWellFormed runs W1/W2 eagerly at construction (spec.md §4.4).
func checkWellFormed(defs []task.Def) error {
	if len(defs) == 0 {
		return orcerr.IllegalArgument("tasks with distinct destinations")
	}

	seenDest := make(map[correlation.Path]struct{}, len(defs))
	for _, d := range defs {
		if _, exists := seenDest[d.Destination]; exists {
			return orcerr.IllegalArgument("tasks with distinct destinations")
		}
		seenDest[d.Destination] = struct{}{}
	}

	// Compare payloads built with a shared placeholder correlation id, so
	// the comparison is on the outbound message's content, not on the
	// per-destination correlation id every inner task necessarily embeds
	// differently.
	var first any
	haveFirst := false
	for _, d := range defs {
		if d.CreateMessage == nil {
			continue
		}
		msg := d.CreateMessage(0)
		if !haveFirst {
			first, haveFirst = msg, true
			continue
		}
		if !reflect.DeepEqual(first, msg) {
			return orcerr.IllegalArgument("tasks with the same message")
		}
	}
	return nil
}

// composite implements task.CompositeStarter and the vote-counting
// protocol (spec.md §4.4). All mutable fields except resolve are only
// ever touched from the inner orchestrator's own mailbox goroutine (the
// OnTaskTerminal hook runs synchronously there); resolve is written by
// the outer orchestrator's goroutine and read by the inner's, so it is
// guarded by mu.
type composite struct {
	mu      sync.Mutex
	resolve func(task.Action)

	inner     *orchestrator.Orchestrator
	n         int
	threshold int
	tolerance int
	startID   uint64

	abortedCount int
	buckets      map[string]int
	values       map[string]any
	decided      bool
}

func (q *composite) Start(resolve func(task.Action)) {
	q.mu.Lock()
	q.resolve = resolve
	q.mu.Unlock()
	q.inner.StartOrchestrator(q.startID)
}

// onInnerTerminal implements the vote-counting protocol's per-terminal-
// event step (spec.md §4.4): bucket the vote or count the abort, then
// re-check the decision rules in order. The lock is released before
// acting on a decision (cancelling remaining inner tasks, calling
// resolve): TimeoutTasksNow synchronously cascades back into this same
// method for every cancelled inner task, and mu is not reentrant.
func (q *composite) onInnerTerminal(r report.Report) {
	q.mu.Lock()
	if q.decided {
		q.mu.Unlock()
		return
	}

	switch r.State {
	case task.Finished:
		key := fmt.Sprintf("%#v", r.Result)
		q.buckets[key]++
		q.values[key] = r.Result
	case task.Aborted:
		q.abortedCount++
	default:
		q.mu.Unlock()
		return
	}

	decided, action := q.evaluateLocked()
	if decided {
		q.decided = true
	}
	resolve := q.resolve
	q.mu.Unlock()

	if decided {
		q.inner.TimeoutTasksNow()
		resolve(action)
	}
}

func (q *composite) totalVotes() int {
	total := 0
	for _, c := range q.buckets {
		total += c
	}
	return total
}

func (q *composite) maxBucket() int {
	best := 0
	for _, c := range q.buckets {
		if c > best {
			best = c
		}
	}
	return best
}

// evaluateLocked checks the decision rules in order (spec.md §4.4) and
// reports whether the quorum has decided, plus the resulting action.
// Called with mu held; performs no side effects of its own.
func (q *composite) evaluateLocked() (bool, task.Action) {
	// (a) a bucket already reached threshold. Keys are visited in sorted
	// order so that, on the rare occasion two buckets could cross the
	// threshold on the same terminal event, the result is deterministic.
	keys := make([]string, 0, len(q.buckets))
	for k := range q.buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if q.buckets[k] >= q.threshold {
			return true, task.FinishWith(q.values[k])
		}
	}

	// (b) too many aborts.
	if q.abortedCount > q.tolerance {
		return true, task.AbortWith(orcerr.ErrQuorumImpossibleToAchieve)
	}

	// (c) early-unreachable: even a clean sweep of remaining votes onto
	// the current leader cannot reach threshold.
	remainingWaiting := q.n - q.abortedCount - q.totalVotes()
	if q.abortedCount+remainingWaiting < q.threshold-q.maxBucket() {
		return true, task.AbortWith(orcerr.ErrQuorumNotAchieved)
	}

	// (d) else wait for more votes.
	return false, task.Action{}
}
