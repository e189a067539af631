package task

// ActionKind is the discriminant of Action, modeling the TaskAction sum
// type named in spec.md §3 (Task.behavior: (reply_message) -> TaskAction).
type ActionKind int

const (
	// Ignore means the behavior does not handle this message; the task
	// stays Waiting. For the synthetic Timeout message this specifically
	// means "the behavior does not handle Timeout" (spec.md §4.2), which
	// the dispatcher turns into Aborted(TimeoutError).
	Ignore ActionKind = iota
	Finish
	Abort
)

// Action is the result of invoking a task's behavior against a reply.
type Action struct {
	Kind   ActionKind
	Result any
	Cause  error
}

// FinishWith builds a Finish action carrying the task's typed result.
func FinishWith(result any) Action { return Action{Kind: Finish, Result: result} }

// AbortWith builds an Abort action carrying the cause.
func AbortWith(cause error) Action { return Action{Kind: Abort, Cause: cause} }

// IgnoreAction is the zero-value Ignore action, returned by behaviors
// that decline to handle a given reply.
var IgnoreAction = Action{Kind: Ignore}

// TimeoutSignal is the synthetic message delivered to a task's behavior
// when its timeout fires before any reply matched (spec.md §4.2).
type TimeoutSignal struct {
	CorrelationID uint64
}

// BehaviorFunc is a task's reply handler: a partial function from an
// arbitrary reply message (or TimeoutSignal) to an Action. Implementations
// type-switch on msg and return IgnoreAction for anything they don't
// recognize (design note §9: "a typed pattern-match closure").
type BehaviorFunc func(msg any) Action
