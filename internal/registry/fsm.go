package registry

// legalTransitions encodes the FSM from spec section 3 (Lifecycle) and
// section 8 invariant 1: observed transitions must be a subset of this
// table. DEAD has no outgoing edges: it is terminal.
var legalTransitions = map[Status]map[Status]bool{
	StatusStarting: {
		StatusIdle:  true,
		StatusError: true,
		StatusDead:  true,
	},
	StatusIdle: {
		StatusBusy:  true,
		StatusDead:  true,
	},
	StatusBusy: {
		StatusIdle:      true,
		StatusCompleted: true,
		StatusError:     true,
		StatusDead:      true,
	},
	StatusCompleted: {
		StatusIdle: true,
		StatusDead: true,
	},
	StatusError: {
		StatusDead: true,
	},
	StatusDead: {},
}

// isLegalTransition reports whether moving from `from` to `to` is allowed.
// A terminal transitioning to its own current status is always a no-op and
// permitted (idempotent re-announcement), except out of DEAD which never
// accepts further transitions.
func isLegalTransition(from, to Status) bool {
	if from == to {
		return from != StatusDead
	}
	edges, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
