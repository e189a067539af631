package orchestrator

import "taskorchestrator/report"

// Hooks are the orchestrator's notifications to whatever owns it (spec.md
// §4.4 "a user-defined success message or TaskAborted(...) to the
// parent"). They are plain callbacks, not a become/unbecome-capable
// behavior, so a caller can observe termination but can never install a
// handler that changes how the orchestrator itself matches replies
// (spec.md §9 design note: enforced by construction, not documentation).
type Hooks struct {
	// OnTaskTerminal fires once for every task as it reaches Finished or
	// Aborted, before the orchestrator-level completion check runs. This
	// is what quorum's vote counter observes (spec.md §4.4): it needs
	// per-task visibility, not just the aggregate outcome.
	OnTaskTerminal func(r report.Report)

	// OnFinish fires once, when every task has Finished.
	OnFinish func(final report.StatusResponse)

	// OnAbort fires once, the first time any task Aborts. instigator is
	// that task's report; the orchestrator stops matching further replies
	// afterward (spec.md §4.4 default on_abort).
	OnAbort func(instigator report.Report, cause error, startID uint64)
}

func noopHooks() Hooks {
	return Hooks{
		OnTaskTerminal: func(report.Report) {},
		OnFinish:       func(report.StatusResponse) {},
		OnAbort:        func(report.Report, error, uint64) {},
	}
}

func fillHooks(h Hooks) Hooks {
	d := noopHooks()
	if h.OnTaskTerminal != nil {
		d.OnTaskTerminal = h.OnTaskTerminal
	}
	if h.OnFinish != nil {
		d.OnFinish = h.OnFinish
	}
	if h.OnAbort != nil {
		d.OnAbort = h.OnAbort
	}
	return d
}
