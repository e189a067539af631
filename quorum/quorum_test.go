package quorum_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskorchestrator/correlation"
	"taskorchestrator/delivery"
	"taskorchestrator/eventlog"
	"taskorchestrator/orcerr"
	"taskorchestrator/orchestrator"
	"taskorchestrator/quorum"
	"taskorchestrator/report"
	"taskorchestrator/task"
)

// capturingSink records every send, keyed by destination name, so a test
// can address a reply to a specific inner task by name.
type capturingSink struct {
	mu   sync.Mutex
	byID map[string]correlation.DeliveryID
	seen chan string
}

func newCapturingSink() *capturingSink {
	return &capturingSink{byID: make(map[string]correlation.DeliveryID), seen: make(chan string, 64)}
}

func (s *capturingSink) Send(dest correlation.Path, d correlation.DeliveryID, _ any) {
	s.mu.Lock()
	s.byID[dest.Name] = d
	s.mu.Unlock()
	s.seen <- dest.Name
}

func (s *capturingSink) waitAll(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for inner task %d/%d to start", i+1, n)
		}
	}
}

func (s *capturingSink) deliveryFor(name string) correlation.DeliveryID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[name]
}

// innerVote replies, echoing result, for a named inner task once the
// delivery has been recorded by the sink.
func innerVote(t *testing.T, o *orchestrator.Orchestrator, sink *capturingSink, name string, result any) {
	t.Helper()
	d := sink.deliveryFor(name)
	o.Deliver(&correlation.Path{Name: name}, correlation.CorrelationID(d), result)
}

func votingDefs(innerName string) []task.Def {
	names := []string{"v0", "v1", "v2", "v3", "v4"}
	defs := make([]task.Def, len(names))
	for i, n := range names {
		defs[i] = task.Def{
			Index:        uint32(i),
			Name:         innerName + "/" + n,
			Destination:  correlation.Path{Name: n},
			Dependencies: nil,
			Timeout:      task.NoTimeout,
			CreateMessage: func(c correlation.CorrelationID) any {
				return map[string]any{"vote": "cast"}
			},
			Behavior: func(msg any) task.Action {
				if s, ok := msg.(string); ok {
					if s == "abort" {
						return task.AbortWith(orcerr.ErrTimeout)
					}
					return task.FinishWith(s)
				}
				return task.IgnoreAction
			},
		}
	}
	return defs
}

func newQuorumOuter(t *testing.T, threshold quorum.Threshold, onAbort func(report.Report, error, uint64)) (*orchestrator.Orchestrator, *capturingSink) {
	t.Helper()
	sink := newCapturingSink()
	dp := delivery.NewMemory(sink, 0)

	qdef, err := quorum.New(0, "q", nil, quorum.Config{
		InnerName: "inner",
		Threshold: threshold,
		InnerTasks: func(innerName string) []task.Def {
			return votingDefs(innerName)
		},
		Delivery: dp,
		Mode:     correlation.Shared,
		Settings: orchestrator.DefaultSettings(),
	})
	require.NoError(t, err)

	o, err := orchestrator.New([]task.Def{qdef}, correlation.Shared, eventlog.NewMemory(), delivery.NewMemory(nil, 0), orchestrator.DefaultSettings(),
		orchestrator.WithHooks(orchestrator.Hooks{OnAbort: onAbort}),
	)
	require.NoError(t, err)
	return o, sink
}

func TestQuorum_Majority_FinishesWhenThresholdReached(t *testing.T) {
	o, sink := newQuorumOuter(t, quorum.Majority(), nil)
	o.StartOrchestrator(1)
	sink.waitAll(t, 5)

	innerVote(t, o, sink, "v0", "6")
	innerVote(t, o, sink, "v1", "6")
	innerVote(t, o, sink, "v2", "6")

	require.Eventually(t, func() bool {
		return o.Status()[0].State == task.Finished
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "6", o.Status()[0].Result)
}

func TestQuorum_ToleranceExceeded_AbortsEarly(t *testing.T) {
	var instigator report.Report
	var cause error
	o, sink := newQuorumOuter(t, quorum.Majority(), func(r report.Report, c error, _ uint64) {
		instigator, cause = r, c
	})
	o.StartOrchestrator(1)
	sink.waitAll(t, 5)

	// Majority of 5 is 3; tolerance is 2. Three aborts makes the
	// threshold mathematically unreachable before any bucket gets there.
	innerVote(t, o, sink, "v0", "abort")
	innerVote(t, o, sink, "v1", "abort")
	innerVote(t, o, sink, "v2", "abort")

	require.Eventually(t, func() bool {
		return o.Status()[0].State == task.Aborted
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, uint32(0), instigator.Index)
	require.Error(t, cause)
}

func TestQuorum_ToleranceExactlyMet_StillFinishesOnRemainingVotes(t *testing.T) {
	// Majority of 5 is 3, tolerance is 2: exactly two aborts must still
	// allow the remaining three votes to reach a 3-vote bucket. This is
	// the scenario that originally broke without WithContinueOnAbort: the
	// inner orchestrator must keep matching replies after the first abort.
	o, sink := newQuorumOuter(t, quorum.Majority(), nil)
	o.StartOrchestrator(1)
	sink.waitAll(t, 5)

	innerVote(t, o, sink, "v0", "abort")
	innerVote(t, o, sink, "v1", "abort")
	innerVote(t, o, sink, "v2", "6")
	innerVote(t, o, sink, "v3", "6")
	innerVote(t, o, sink, "v4", "6")

	require.Eventually(t, func() bool {
		return o.Status()[0].State == task.Finished
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "6", o.Status()[0].Result)
}

func TestQuorum_DecidedEarly_LaterAbortsDoNotFlipTheOutcome(t *testing.T) {
	// N=5, Majority (threshold 3). v0..v2 reply "6" (bucket reaches 3,
	// decided Finished); v3/v4 then Abort. The decision must stick.
	o, sink := newQuorumOuter(t, quorum.Majority(), nil)
	o.StartOrchestrator(1)
	sink.waitAll(t, 5)

	innerVote(t, o, sink, "v0", "6")
	innerVote(t, o, sink, "v1", "6")
	innerVote(t, o, sink, "v2", "6")

	require.Eventually(t, func() bool {
		return o.Status()[0].State == task.Finished
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "6", o.Status()[0].Result)

	// v3/v4 were cancelled by TimeoutTasksNow once decided; delivering to
	// them now must be a no-op rather than reopening the decision.
	innerVote(t, o, sink, "v3", "9")
	innerVote(t, o, sink, "v4", "9")
	require.Equal(t, task.Finished, o.Status()[0].State)
	require.Equal(t, "6", o.Status()[0].Result)
}

func TestQuorum_SplitVotes_AbortsAsUnreachable(t *testing.T) {
	// N=5, Majority (threshold 3, tolerance 2). Zero aborts: v0..v3 each
	// cast a distinct value, so every bucket tops out at 1. After the
	// fourth distinct vote only one voter remains, which cannot lift any
	// bucket to 3 — rule (c) must decide Aborted(ErrQuorumNotAchieved)
	// without waiting for v4 and without a single abort ever occurring.
	var cause error
	o, sink := newQuorumOuter(t, quorum.Majority(), func(_ report.Report, c error, _ uint64) {
		cause = c
	})
	o.StartOrchestrator(1)
	sink.waitAll(t, 5)

	innerVote(t, o, sink, "v0", "a")
	innerVote(t, o, sink, "v1", "b")
	innerVote(t, o, sink, "v2", "c")
	innerVote(t, o, sink, "v3", "d")

	require.Eventually(t, func() bool {
		return o.Status()[0].State == task.Aborted
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, cause, orcerr.ErrQuorumNotAchieved)
}

func TestQuorum_CheckWellFormed_RejectsSharedDestination(t *testing.T) {
	_, err := quorum.New(0, "q", nil, quorum.Config{
		Threshold: quorum.All(),
		InnerTasks: func(innerName string) []task.Def {
			d := votingDefs(innerName)
			d[1].Destination = d[0].Destination
			return d
		},
	})
	require.Error(t, err)
}

func TestQuorum_CheckWellFormed_RejectsMismatchedMessages(t *testing.T) {
	_, err := quorum.New(0, "q", nil, quorum.Config{
		Threshold: quorum.All(),
		InnerTasks: func(innerName string) []task.Def {
			d := votingDefs(innerName)
			d[1].CreateMessage = func(c correlation.CorrelationID) any {
				return map[string]any{"vote": "different"}
			}
			return d
		},
	})
	require.Error(t, err)
}
