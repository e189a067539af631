package orchestrator

// Settings configures one orchestrator instance (spec.md §9 design notes,
// §1 Open Questions).
type Settings struct {
	// SaveSnapshotRoughlyEveryXMessages, when non-zero, makes the
	// orchestrator call SaveSnapshot on its own log every X processed
	// MessageReceived events. Zero disables automatic snapshotting;
	// callers drive SaveSnapshot explicitly instead.
	SaveSnapshotRoughlyEveryXMessages uint32

	// ReplayDeterministicTimeouts resolves spec.md §9's open question in
	// favor of determinism: when true (the default), every timeout that
	// fires while the behavior does not handle it is persisted as a
	// TaskTimedOutEvent, so recovery reproduces the abort without
	// depending on the wall clock. When false, an unhandled timeout is
	// not persisted at all and recovery instead re-arms a fresh timer for
	// the task's configured duration, which only matches pre-crash
	// behavior if the process restarts quickly enough.
	ReplayDeterministicTimeouts bool
}

// DefaultSettings returns the recommended configuration: no automatic
// snapshotting, deterministic timeout replay.
func DefaultSettings() Settings {
	return Settings{
		SaveSnapshotRoughlyEveryXMessages: 0,
		ReplayDeterministicTimeouts:       true,
	}
}
