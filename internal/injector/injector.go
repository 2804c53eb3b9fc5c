// Package injector implements the Injector/Reader (spec section 4.3, C3):
// it turns "run this task" requests into keystrokes and, via a background
// poller per terminal, is the only source of status transitions out of
// BUSY.
package injector

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FC4b/cli-agent-orchestrator/internal/apperr"
	"github.com/FC4b/cli-agent-orchestrator/internal/muxadapter"
	"github.com/FC4b/cli-agent-orchestrator/internal/provider"
	"github.com/FC4b/cli-agent-orchestrator/internal/registry"
)

// Defaults from spec section 4.3 / 5.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultIdleTimeout  = 24 * time.Hour
	tailCaptureLines    = 4000
)

// Config tunes the Injector's polling behavior. Zero values take the
// package defaults.
type Config struct {
	PollInterval time.Duration
	IdleTimeout  time.Duration
}

// Injector submits keystrokes and polls panes to detect completion. One
// Injector is shared by every terminal; per-terminal state lives in
// termTrack, guarded by mu.
type Injector struct {
	backend muxadapter.Backend
	reg     *registry.Registry

	pollInterval time.Duration
	idleTimeout  time.Duration

	mu     sync.Mutex
	tracks map[string]*termTrack
}

// termTrack is the bookkeeping the Reader needs for one terminal between
// injection and completion.
type termTrack struct {
	session       string
	profile       *provider.Profile
	injectedLines map[string]bool // exact lines of the text most recently sent, for echo exclusion
	injectedAt    time.Time
	doneMarker    string
	errorMarker   string
	result        string
	errorOutput   string
	idleTimeout   time.Duration
	stop          chan struct{}

	// outcomeCh is closed by the poll loop the moment the current task
	// settles (completed, errored, or timed out). A fresh channel is
	// installed on every InjectTask call so a caller holding a stale
	// reference from a previous task can never be woken by the wrong
	// outcome. outcome/result/errorOutput are safe to read only after
	// outcomeCh is observed closed.
	outcomeCh chan struct{}
	outcome   registry.Status
}

// New creates an Injector bound to backend and reg.
func New(backend muxadapter.Backend, reg *registry.Registry, cfg Config) *Injector {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Injector{
		backend:      backend,
		reg:          reg,
		pollInterval: poll,
		idleTimeout:  idle,
		tracks:       make(map[string]*termTrack),
	}
}

// StartPolling launches the background poll loop for id and returns
// immediately. The loop exits on its own once the terminal reaches DEAD
// or is stopped explicitly via StopPolling.
func (inj *Injector) StartPolling(id, session string, prof *provider.Profile) {
	stop := make(chan struct{})
	inj.mu.Lock()
	inj.tracks[id] = &termTrack{session: session, profile: prof, stop: stop, idleTimeout: inj.idleTimeout}
	inj.mu.Unlock()

	go inj.pollLoop(id, session, stop)
}

// StopPolling stops the poll loop for id, if running. Safe to call more
// than once.
func (inj *Injector) StopPolling(id string) {
	inj.mu.Lock()
	t, ok := inj.tracks[id]
	if ok {
		delete(inj.tracks, id)
	}
	inj.mu.Unlock()
	if ok {
		close(t.stop)
	}
}

// track returns the tracking record for id, or nil.
func (inj *Injector) track(id string) *termTrack {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.tracks[id]
}

// InjectTask submits body as a new task: the body itself, followed by a
// sentinel suffix instructing the agent to print the completion or error
// marker (spec section 4.3, Injection protocol). The terminal must be IDLE;
// on success it immediately becomes BUSY.
func (inj *Injector) InjectTask(id, session, body string) error {
	t := inj.track(id)
	if t == nil {
		return apperr.Newf(apperr.KindInternal, "terminal %s is not being polled", id).WithTerminal(id)
	}

	doneMarker := provider.CompletionMarker(id)
	errMarker := provider.ErrorMarker(id)
	full := fmt.Sprintf("%s\n\nWhen you finish this task, print exactly: %s\nIf the task fails, print exactly: %s",
		body, doneMarker, errMarker)

	if err := inj.backend.SendKeys(session, full, true); err != nil {
		return apperr.Wrap(apperr.KindMuxUnavailable, err).WithTerminal(id)
	}

	inj.mu.Lock()
	t.injectedLines = injectedLineSet(full)
	t.injectedAt = time.Now()
	t.doneMarker = doneMarker
	t.errorMarker = errMarker
	t.result = ""
	t.errorOutput = ""
	t.outcome = ""
	t.outcomeCh = make(chan struct{})
	inj.mu.Unlock()

	if err := inj.reg.UpdateStatus(id, registry.StatusBusy); err != nil {
		return err
	}
	inj.reg.SetCurrentTask(id, firstLine(body))
	return nil
}

// InjectMessage implements bus.Injector. Per the resolved open question in
// SPEC_FULL.md, queued Bus messages get the same completion-marker suffix
// as a first task injection so the server can detect when the follow-up
// turn ends.
func (inj *Injector) InjectMessage(id, body string) error {
	t := inj.track(id)
	if t == nil {
		return apperr.Newf(apperr.KindInternal, "terminal %s is not being polled", id).WithTerminal(id)
	}
	return inj.InjectTask(id, t.session, body)
}

// Wait returns a channel that closes when the terminal's in-flight task
// settles (StatusCompleted or StatusError), and whether a task was in
// flight at all; the outcome itself is read afterwards with Outcome.
// Callers such as the Orchestrator's handoff select on the returned channel
// against their own timeout without holding any Injector or Registry lock.
func (inj *Injector) Wait(id string) (ch <-chan struct{}, ok bool) {
	t := inj.track(id)
	if t == nil {
		return nil, false
	}
	inj.mu.Lock()
	c := t.outcomeCh
	inj.mu.Unlock()
	if c == nil {
		return nil, false
	}
	return c, true
}

// Outcome returns the settled status, the captured result (on COMPLETED),
// and the captured error output (on ERROR) of the terminal's most recent
// task. Only meaningful after the channel from Wait has closed.
func (inj *Injector) Outcome(id string) (status registry.Status, result, errOutput string) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	t, ok := inj.tracks[id]
	if !ok {
		return "", "", ""
	}
	return t.outcome, t.result, t.errorOutput
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
