package injector

import (
	"log/slog"
	"strings"
	"time"

	"github.com/FC4b/cli-agent-orchestrator/internal/apperr"
	"github.com/FC4b/cli-agent-orchestrator/internal/registry"
)

// pollLoop is the Reader half of the component: one goroutine per live
// terminal, captures the pane tail on a fixed interval, and applies the
// priority-ordered match spec section 4.3 describes:
//
//  1. error marker present -> BUSY -> ERROR
//  2. completion marker present -> BUSY -> COMPLETED, then IDLE on a later
//     poll once the ready prompt appears below the marker
//  3. ready-prompt regex matches -> STARTING -> IDLE (and COMPLETED -> IDLE
//     as in step 2). A BUSY terminal is not returned to IDLE by the ready
//     prompt: it leaves BUSY only through a marker, the provider's error
//     signature, or the idle timeout
//  4. nothing matches and the terminal has been BUSY longer than its idle
//     timeout -> ERROR (kind timeout)
//
// A marker embedded in both is resolved by resolveTieBreak; the loop exits
// when stop is closed or the terminal reaches DEAD.
func (inj *Injector) pollLoop(id, session string, stop chan struct{}) {
	ticker := time.NewTicker(inj.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if inj.pollOnce(id, session) {
				return
			}
		}
	}
}

// pollOnce runs a single capture-and-classify pass. It returns true when
// the poll loop should stop (terminal removed or dead).
func (inj *Injector) pollOnce(id, session string) bool {
	snap, err := inj.reg.Get(id)
	if err != nil {
		return true
	}
	if snap.Status == registry.StatusDead {
		return true
	}

	exists, err := inj.backend.Exists(session)
	if err != nil {
		slog.Warn("injector: exists check failed", "terminal", id, "err", err)
		return false
	}
	if !exists {
		slog.Warn("injector: session gone, marking dead", "terminal", id, "session", session)
		_ = inj.reg.SetError(id, "mux session no longer exists")
		_ = inj.reg.Remove(id)
		inj.settle(id, registry.StatusError, "", "mux session no longer exists")
		return true
	}

	raw, err := inj.backend.Capture(session, tailCaptureLines)
	if err != nil {
		slog.Warn("injector: capture failed", "terminal", id, "err", err)
		return false
	}
	lines := strings.Split(stripANSI(raw), "\n")

	t := inj.track(id)
	if t == nil {
		return true
	}

	switch snap.Status {
	case registry.StatusBusy:
		inj.classifyBusy(id, t, lines)
	case registry.StatusStarting:
		inj.classifyStarting(id, t, lines)
	case registry.StatusCompleted:
		inj.classifyCompleted(id, t, lines)
	}
	return false
}

func (inj *Injector) classifyBusy(id string, t *termTrack, lines []string) {
	inj.mu.Lock()
	injectedLines := t.injectedLines
	doneMarker := t.doneMarker
	errMarker := t.errorMarker
	injectedAt := t.injectedAt
	idleTimeout := t.idleTimeout
	inj.mu.Unlock()

	doneHit := findMarker(lines, doneMarker, injectedLines)
	errHit := findMarker(lines, errMarker, injectedLines)

	switch resolveTieBreak(doneHit, errHit) {
	case "done":
		result := extractResult(lines, injectedLines, doneHit.line)
		if err := inj.reg.UpdateStatus(id, registry.StatusCompleted); err != nil {
			slog.Error("injector: completed transition failed", "terminal", id, "err", err)
			return
		}
		inj.reg.TouchActivity(id)
		inj.settle(id, registry.StatusCompleted, result, "")
		return
	case "error":
		out := extractResult(lines, injectedLines, errHit.line)
		if err := inj.reg.SetError(id, firstNonEmptyLine(out, "task failed")); err != nil {
			slog.Error("injector: error transition failed", "terminal", id, "err", err)
			return
		}
		inj.settle(id, registry.StatusError, "", out)
		return
	}

	if t.profile != nil && t.profile.ErrorSignature != nil && t.profile.ErrorSignature.MatchString(strings.Join(lines, "\n")) {
		_ = inj.reg.SetError(id, "agent reported a fatal error")
		inj.settle(id, registry.StatusError, "", "agent reported a fatal error")
		return
	}

	if !injectedAt.IsZero() && time.Since(injectedAt) > idleTimeout {
		_ = inj.reg.SetError(id, apperr.New(apperr.KindTimeout, "task exceeded idle timeout").Error())
		inj.settle(id, registry.StatusError, "", "task exceeded idle timeout")
		return
	}
}

// classifyCompleted watches for the ready prompt to reappear once a task
// has finished, re-arming COMPLETED -> IDLE the same way classifyStarting
// re-arms STARTING -> IDLE, rather than declaring the terminal ready for
// more input before the agent has actually said so.
func (inj *Injector) classifyCompleted(id string, t *termTrack, lines []string) {
	inj.mu.Lock()
	injectedLines := t.injectedLines
	doneMarker := t.doneMarker
	inj.mu.Unlock()
	// Only a prompt printed after the completion marker counts; a prompt
	// left in the scrollback from before the task does not.
	if hit := findMarker(lines, doneMarker, injectedLines); hit.found {
		lines = lines[hit.line+1:]
	}
	if !readyPromptMatches(t, lines) {
		return
	}
	if err := inj.reg.UpdateStatus(id, registry.StatusIdle); err != nil {
		slog.Error("injector: completed->idle failed", "terminal", id, "err", err)
	}
}

// classifyStarting watches for the ready prompt so a freshly launched
// terminal advances STARTING -> IDLE once the agent CLI has finished
// booting.
func (inj *Injector) classifyStarting(id string, t *termTrack, lines []string) {
	if !readyPromptMatches(t, lines) {
		return
	}
	if err := inj.reg.UpdateStatus(id, registry.StatusIdle); err != nil {
		slog.Error("injector: starting->idle failed", "terminal", id, "err", err)
	}
}

// readyPromptMatches reports whether the agent's ready prompt appears
// anywhere in the captured lines.
func readyPromptMatches(t *termTrack, lines []string) bool {
	return t.profile != nil && t.profile.ReadyPrompt != nil && t.profile.ReadyPrompt.MatchString(strings.Join(lines, "\n"))
}

// settle records the outcome of the in-flight task and wakes anyone
// blocked on Wait. Safe to call even if no one is waiting.
func (inj *Injector) settle(id string, outcome registry.Status, result, errOutput string) {
	inj.mu.Lock()
	t, ok := inj.tracks[id]
	if !ok {
		inj.mu.Unlock()
		return
	}
	t.outcome = outcome
	t.result = result
	t.errorOutput = errOutput
	ch := t.outcomeCh
	t.outcomeCh = nil
	inj.mu.Unlock()

	if ch != nil {
		close(ch)
	}
}

func firstNonEmptyLine(s, fallback string) string {
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			return l
		}
	}
	return fallback
}
