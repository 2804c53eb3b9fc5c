// Package registry implements the Terminal Registry (spec section 4.2, C2):
// the authoritative id -> TerminalState map, the sole mutator of terminal
// status, and the single-writer lock every other component serializes
// through. Hold time under the lock is O(1); callers never perform mux I/O
// or block on channels while holding it (spec section 5).
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FC4b/cli-agent-orchestrator/internal/apperr"
	"github.com/FC4b/cli-agent-orchestrator/internal/provider"
)

// IdleWaiter is notified whenever a terminal transitions to a new status.
// The Orchestrator uses this to release callers waiting for a freshly
// launched terminal to reach IDLE; the Bus uses it to learn about
// `* -> IDLE` edges so it can deliver queued messages.
type IdleWaiter func(id string, status Status)

// Registry holds every known terminal for the lifetime of this process.
// There is no cross-restart persistence (spec section 1, Non-goals).
type Registry struct {
	mu        sync.Mutex
	terminals map[string]*TerminalState
	watchers  []IdleWaiter
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		terminals: make(map[string]*TerminalState),
	}
}

// OnTransition registers a callback invoked (outside the lock) after every
// successful status transition. Registered once at startup by the Bus and
// the Orchestrator's start-waiters; not intended for dynamic
// subscribe/unsubscribe churn, so no removal API is provided.
func (r *Registry) OnTransition(fn IdleWaiter) {
	r.mu.Lock()
	r.watchers = append(r.watchers, fn)
	r.mu.Unlock()
}

// NewTerminal allocates a fresh id and STARTING-state record. It does not
// talk to the mux; the Orchestrator creates the tmux session separately and
// only then relies on this record existing.
func (r *Registry) NewTerminal(agentProfile string, prov provider.Key, cwd, sessionName, parentID string) *TerminalState {
	now := time.Now()
	t := &TerminalState{
		ID:             uuid.NewString(),
		SessionName:    sessionName,
		AgentProfile:   agentProfile,
		Provider:       prov,
		CWD:            cwd,
		Status:         StatusStarting,
		ParentID:       parentID,
		CreatedAt:      now,
		LastStatusAt:   now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	r.terminals[t.ID] = t
	r.mu.Unlock()

	return t.clone()
}

// Get returns a snapshot of the terminal, or a not-found error.
func (r *Registry) Get(id string) (*TerminalState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.terminals[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "unknown terminal %q", id)
	}
	return t.clone(), nil
}

// List returns a snapshot of every known terminal.
func (r *Registry) List() []*TerminalState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TerminalState, 0, len(r.terminals))
	for _, t := range r.terminals {
		out = append(out, t.clone())
	}
	return out
}

// UpdateStatus attempts a status transition, enforcing the FSM in fsm.go.
// On success it also touches LastActivityAt and notifies watchers; watcher
// calls happen after the lock is released.
func (r *Registry) UpdateStatus(id string, newStatus Status) error {
	return r.updateStatus(id, newStatus, "")
}

// SetError is a convenience for the common ERROR transition that also
// records the failure text.
func (r *Registry) SetError(id, message string) error {
	return r.updateStatus(id, StatusError, message)
}

func (r *Registry) updateStatus(id string, newStatus Status, errMessage string) error {
	r.mu.Lock()
	t, ok := r.terminals[id]
	if !ok {
		r.mu.Unlock()
		return apperr.Newf(apperr.KindNotFound, "unknown terminal %q", id)
	}
	if !isLegalTransition(t.Status, newStatus) {
		r.mu.Unlock()
		return apperr.Newf(apperr.KindInvalidTransition, "terminal %s: %s -> %s", id, t.Status, newStatus)
	}

	now := time.Now()
	t.Status = newStatus
	t.LastStatusAt = now
	t.LastActivityAt = now
	if newStatus == StatusError && errMessage != "" {
		t.ErrorMessage = errMessage
	}
	if newStatus == StatusDead {
		t.Inbox = nil
	}
	watchers := append([]IdleWaiter(nil), r.watchers...)
	r.mu.Unlock()

	for _, w := range watchers {
		w(id, newStatus)
	}
	return nil
}

// TouchActivity refreshes LastActivityAt without altering status. The
// Reader calls it when a task completes; otherwise LastActivityAt changes
// only on status transitions, not on pane-content changes.
func (r *Registry) TouchActivity(id string) {
	r.mu.Lock()
	if t, ok := r.terminals[id]; ok {
		t.LastActivityAt = time.Now()
	}
	r.mu.Unlock()
}

// SetCurrentTask records an observability-only description of the in-flight
// task.
func (r *Registry) SetCurrentTask(id, task string) {
	r.mu.Lock()
	if t, ok := r.terminals[id]; ok {
		t.CurrentTask = task
	}
	r.mu.Unlock()
}

// Enqueue appends a message to id's inbox. Returns a not-found error if the
// terminal is unknown and a dead-recipient error if it is DEAD (spec
// section 4.4).
func (r *Registry) Enqueue(id string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.terminals[id]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "unknown terminal %q", id)
	}
	if t.Status == StatusDead {
		return apperr.Newf(apperr.KindDeadRecipient, "terminal %q is not available", id).WithTerminal(id)
	}
	t.Inbox = append(t.Inbox, msg)
	return nil
}

// PopReady pops and returns the head message if and only if the terminal is
// currently IDLE (spec section 4.2 and invariant: inbox drained only when
// IDLE). Returns (nil, nil) when there is nothing to deliver.
func (r *Registry) PopReady(id string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.terminals[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "unknown terminal %q", id)
	}
	if t.Status != StatusIdle || len(t.Inbox) == 0 {
		return nil, nil
	}
	msg := t.Inbox[0]
	t.Inbox = t.Inbox[1:]
	return &msg, nil
}

// Remove marks id DEAD and frees its inbox. Removing an already-dead or
// unknown terminal is not an error (spec section 8, idempotence).
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	t, ok := r.terminals[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if t.Status == StatusDead {
		r.mu.Unlock()
		return nil
	}
	t.Status = StatusDead
	t.LastStatusAt = time.Now()
	t.Inbox = nil
	watchers := append([]IdleWaiter(nil), r.watchers...)
	r.mu.Unlock()

	for _, w := range watchers {
		w(id, StatusDead)
	}
	return nil
}
