package broadcast

import "github.com/rcpx/rcpx/internal/engine"

// Filter selects which committed events a global (WATCH_ALL) subscription
// receives. Within a category, values OR; across categories, AND. An
// empty or nil category matches everything.
type Filter struct {
	Machines   []string
	Events     []string
	FromStates []string
	ToStates   []string
}

func matchesAny(values []string, v string) bool {
	if len(values) == 0 {
		return true
	}
	for _, want := range values {
		if want == v {
			return true
		}
	}
	return false
}

func (f Filter) matches(ev engine.InstanceEvent) bool {
	return matchesAny(f.Machines, ev.Machine) &&
		matchesAny(f.Events, ev.EventName) &&
		matchesAny(f.FromStates, ev.FromState) &&
		matchesAny(f.ToStates, ev.ToState)
}
