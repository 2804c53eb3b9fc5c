// Package orchestrator implements the Orchestrator (spec section 4.5, C5):
// handoff, assign, send_message and shutdown, built directly on top of the
// Registry, Bus and Injector. It owns terminal creation end to end — the
// other components never create a mux session on their own.
package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FC4b/cli-agent-orchestrator/internal/apperr"
	"github.com/FC4b/cli-agent-orchestrator/internal/bus"
	"github.com/FC4b/cli-agent-orchestrator/internal/injector"
	"github.com/FC4b/cli-agent-orchestrator/internal/muxadapter"
	"github.com/FC4b/cli-agent-orchestrator/internal/provider"
	"github.com/FC4b/cli-agent-orchestrator/internal/registry"
)

// Defaults from spec section 5, Cancellation & timeouts.
const (
	DefaultStartupTimeout = 60 * time.Second
	// DefaultHandoffTimeout of zero means unbounded, matching the spec's
	// "default: none" for HANDOFF_TIMEOUT.
	DefaultHandoffTimeout = 0
)

// Config tunes the Orchestrator's built-in deadlines. Zero values take the
// package defaults; a zero HandoffTimeout means unbounded.
type Config struct {
	StartupTimeout time.Duration
	HandoffTimeout time.Duration
}

// Orchestrator coordinates terminal creation, injection and delivery. One
// instance is shared process-wide.
type Orchestrator struct {
	reg     *registry.Registry
	backend muxadapter.Backend
	bus     *bus.Bus
	inj     *injector.Injector

	startupTimeout time.Duration
	handoffTimeout time.Duration

	mu           sync.Mutex
	startWaiters map[string]chan struct{}
}

// HandoffResult is what handoff returns to its caller.
type HandoffResult struct {
	TerminalID string
	Output     string
	Status     registry.Status
}

// New wires an Orchestrator to its dependencies and subscribes to Registry
// transitions so it can unblock callers waiting for a freshly launched
// terminal to reach IDLE.
func New(backend muxadapter.Backend, reg *registry.Registry, b *bus.Bus, inj *injector.Injector, cfg Config) *Orchestrator {
	startup := cfg.StartupTimeout
	if startup <= 0 {
		startup = DefaultStartupTimeout
	}
	o := &Orchestrator{
		reg:            reg,
		backend:        backend,
		bus:            b,
		inj:            inj,
		startupTimeout: startup,
		handoffTimeout: cfg.HandoffTimeout,
		startWaiters:   make(map[string]chan struct{}),
	}
	reg.OnTransition(o.onTransition)
	return o
}

func (o *Orchestrator) onTransition(id string, status registry.Status) {
	if status != registry.StatusIdle {
		return
	}
	o.mu.Lock()
	ch, ok := o.startWaiters[id]
	if ok {
		delete(o.startWaiters, id)
	}
	o.mu.Unlock()
	if ok {
		close(ch)
	}
}

// spawn allocates a Registry record, launches the mux session under the
// resolved provider command, and starts the Reader poll loop for it. It
// does not wait for IDLE; callers do that separately so spawn stays a pure
// "create" step reusable by handoff, assign, and the flow scheduler.
func (o *Orchestrator) spawn(agentProfile string, provKey provider.Key, cwd, parentID string) (*registry.TerminalState, error) {
	prof := provider.Lookup(provKey)
	nonce := uuid.NewString()[:8]
	session := muxadapter.SessionName(agentProfile, nonce)

	term := o.reg.NewTerminal(agentProfile, prof.Key, cwd, session, parentID)

	waitCh := make(chan struct{})
	o.mu.Lock()
	o.startWaiters[term.ID] = waitCh
	o.mu.Unlock()

	launchCmd := fmt.Sprintf("env CAO_TERMINAL_ID=%s %s", term.ID, prof.BuildLaunchCommand(agentProfile))
	if err := o.backend.Create(session, cwd, launchCmd); err != nil {
		o.failStartup(term.ID)
		return nil, apperr.Wrap(apperr.KindLaunchFailure, err).WithTerminal(term.ID)
	}

	o.inj.StartPolling(term.ID, session, prof)
	slog.Info("orchestrator: spawned terminal", "terminal", term.ID, "session", session, "agent", agentProfile, "provider", prof.Key)
	return term, nil
}

// failStartup tears down the start-waiter bookkeeping for a terminal whose
// launch failed before the mux session ever came up, and marks it ERROR.
func (o *Orchestrator) failStartup(id string) {
	o.mu.Lock()
	ch, ok := o.startWaiters[id]
	if ok {
		delete(o.startWaiters, id)
	}
	o.mu.Unlock()
	if ok {
		close(ch)
	}
	_ = o.reg.SetError(id, "mux session failed to launch")
}

// awaitIdle blocks until id reaches IDLE or startupTimeout elapses. On
// timeout it kills the session, marks the terminal ERROR, and returns a
// launch-failure error (spec section 4.5, handoff step 2).
func (o *Orchestrator) awaitIdle(term *registry.TerminalState) error {
	o.mu.Lock()
	ch, waiting := o.startWaiters[term.ID]
	o.mu.Unlock()
	if !waiting {
		// The waiter already fired (real IDLE transition or a startup
		// failure) before we got here; resolve from current status.
		return o.resolveAwaitIdle(term)
	}

	select {
	case <-ch:
		return o.resolveAwaitIdle(term)
	case <-time.After(o.startupTimeout):
		o.mu.Lock()
		delete(o.startWaiters, term.ID)
		o.mu.Unlock()
		o.inj.StopPolling(term.ID)
		_ = o.backend.Kill(term.SessionName)
		_ = o.reg.SetError(term.ID, "startup timed out waiting for ready prompt")
		return apperr.Newf(apperr.KindLaunchFailure, "terminal %s did not become ready within %s", term.ID, o.startupTimeout).WithTerminal(term.ID)
	}
}

// resolveAwaitIdle turns a woken (or already-settled) start-waiter into a
// definitive result by reading current status: the wake itself doesn't say
// whether it was a genuine IDLE transition or a launch failure cleanup.
func (o *Orchestrator) resolveAwaitIdle(term *registry.TerminalState) error {
	snap, err := o.reg.Get(term.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindLaunchFailure, err).WithTerminal(term.ID)
	}
	if snap.Status == registry.StatusIdle {
		return nil
	}
	return apperr.Newf(apperr.KindLaunchFailure, "terminal %s failed to start: %s", term.ID, snap.ErrorMessage).WithTerminal(term.ID)
}

// killAndRemove kills the mux session and marks the terminal DEAD,
// tolerating an already-gone session.
func (o *Orchestrator) killAndRemove(term *registry.TerminalState) {
	o.inj.StopPolling(term.ID)
	if err := o.backend.Kill(term.SessionName); err != nil {
		slog.Warn("orchestrator: kill failed", "terminal", term.ID, "session", term.SessionName, "err", err)
	}
	_ = o.reg.Remove(term.ID)
}
