// Package report defines the read-only status surface (spec.md §4.5, C5):
// a point-in-time snapshot of a task's progress, never aliasing the
// orchestrator's live, mutable state.
package report

import (
	"taskorchestrator/correlation"
	"taskorchestrator/task"
)

// Report is a value snapshot of a single task. Dependencies is a copy,
// never the orchestrator's internal slice/map, so callers cannot observe
// or corrupt live state by holding a Report.
type Report struct {
	Index        uint32
	Name         string
	Dependencies []uint32
	State        task.State
	Destination  *correlation.Path
	Result       any

	// AbortCause is populated only when State is Aborted. It is an
	// addition beyond spec.md's literal {index,name,dependencies,state,
	// destination,result} field list: without it a Status caller can see
	// that a task aborted but not why, which spec.md §4.4's on_abort path
	// already threads through to the parent as a separate value. Exposing
	// it here too costs nothing and saves callers from re-deriving it.
	AbortCause error
}

// StatusResponse is the ordered (by Index) vector of Reports returned by
// an orchestrator's Status command.
type StatusResponse []Report

// Of builds a Report for inst, copying Dependencies so the result does
// not alias inst's internal map.
func Of(inst *task.Instance, dest *correlation.Path) Report {
	deps := make([]uint32, 0, len(inst.Def.Dependencies))
	for d := range inst.Def.Dependencies {
		deps = append(deps, d)
	}
	sortUint32(deps)

	r := Report{
		Index:        inst.Def.Index,
		Name:         inst.Def.Name,
		Dependencies: deps,
		State:        inst.State(),
		Destination:  dest,
	}
	if result, ok := inst.Result(); ok {
		r.Result = result
	}
	if cause, ok := inst.AbortCause(); ok {
		r.AbortCause = cause
	}
	return r
}

func sortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
