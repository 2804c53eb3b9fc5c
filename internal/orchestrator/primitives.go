package orchestrator

import (
	"fmt"
	"time"

	"github.com/FC4b/cli-agent-orchestrator/internal/apperr"
	"github.com/FC4b/cli-agent-orchestrator/internal/provider"
	"github.com/FC4b/cli-agent-orchestrator/internal/registry"
)

// CreateTerminal launches a bare terminal with no task injected, returning
// as soon as the mux session exists (spec section 6, POST /terminals). The
// terminal reaches IDLE asynchronously once its ready prompt appears;
// callers poll GET /terminals/{id} to observe that transition.
func (o *Orchestrator) CreateTerminal(agentProfile string, provKey provider.Key, cwd, parentID string) (*registry.TerminalState, error) {
	return o.spawn(agentProfile, provKey, cwd, parentID)
}

// Handoff implements the synchronous spawn+run+await+kill primitive (spec
// section 4.5). It blocks the calling goroutine until the new terminal
// reaches COMPLETED or ERROR, or until HandoffTimeout elapses if one is
// configured. The caller's own HTTP request is expected to block for the
// same duration; an HTTP client disconnecting does not cancel this call
// (spec section 5, Cancellation & timeouts).
func (o *Orchestrator) Handoff(fromID, agentProfile string, provKey provider.Key, body, cwd string) (*HandoffResult, error) {
	term, err := o.spawn(agentProfile, provKey, cwd, fromID)
	if err != nil {
		return nil, err
	}

	if err := o.awaitIdle(term); err != nil {
		return nil, err
	}

	if err := o.inj.InjectTask(term.ID, term.SessionName, body); err != nil {
		o.killAndRemove(term)
		return nil, err
	}

	outcomeCh, ok := o.inj.Wait(term.ID)
	if !ok {
		o.killAndRemove(term)
		return nil, apperr.Newf(apperr.KindInternal, "terminal %s lost its injector track", term.ID).WithTerminal(term.ID)
	}

	if err := o.blockOn(outcomeCh); err != nil {
		_ = o.reg.SetError(term.ID, "handoff timed out")
		return nil, err.WithTerminal(term.ID)
	}

	status, result, errOutput := o.inj.Outcome(term.ID)
	switch status {
	case registry.StatusCompleted:
		o.killAndRemove(term)
		return &HandoffResult{TerminalID: term.ID, Output: result, Status: registry.StatusCompleted}, nil
	case registry.StatusError:
		// Left alive for inspection per spec section 4.5 step 5: a task
		// failure is not a transport-level error, it's a normal handoff
		// response carrying a failure status.
		return &HandoffResult{TerminalID: term.ID, Output: errOutput, Status: registry.StatusError}, nil
	default:
		return &HandoffResult{TerminalID: term.ID, Status: status}, nil
	}
}

// blockOn waits on ch, honoring handoffTimeout when one is configured (zero
// means unbounded, per spec section 5 defaults).
func (o *Orchestrator) blockOn(ch <-chan struct{}) *apperr.Error {
	if o.handoffTimeout <= 0 {
		<-ch
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-time.After(o.handoffTimeout):
		return apperr.New(apperr.KindTimeout, "handoff exceeded HANDOFF_TIMEOUT")
	}
}

// Assign implements the asynchronous spawn+run+callback primitive (spec
// section 4.5). It blocks only through the launch+await-IDLE phase, then
// injects the task with a callback instruction and returns the new
// terminal's id immediately; the task itself keeps running unsupervised by
// the caller.
func (o *Orchestrator) Assign(fromID, agentProfile string, provKey provider.Key, body, cwd, callbackTerminalID string) (*registry.TerminalState, error) {
	term, err := o.spawn(agentProfile, provKey, cwd, fromID)
	if err != nil {
		return nil, err
	}

	if err := o.awaitIdle(term); err != nil {
		return nil, err
	}

	callback := callbackTerminalID
	if callback == "" {
		callback = fromID
	}
	taskBody := fmt.Sprintf("%s\n\nWhen you are completely done, use the send_message tool to report your result to terminal %s.", body, callback)

	if err := o.inj.InjectTask(term.ID, term.SessionName, taskBody); err != nil {
		o.killAndRemove(term)
		return nil, err
	}

	return term, nil
}

// SendMessage implements the direct inter-agent messaging primitive (spec
// section 4.5). delivered reports whether the recipient was IDLE and
// received the message immediately, as opposed to it sitting queued.
func (o *Orchestrator) SendMessage(fromID, toID, body string) (delivered bool, err error) {
	return o.bus.Send(fromID, toID, body, registry.KindUser)
}

// Shutdown kills a single terminal's mux session and marks it DEAD. An
// unknown or already-dead id is not an error (spec section 8, idempotence).
func (o *Orchestrator) Shutdown(id string) error {
	snap, err := o.reg.Get(id)
	if err != nil {
		return nil
	}
	o.killAndRemove(snap)
	return nil
}

// ShutdownAll tears down every terminal currently known to the Registry.
func (o *Orchestrator) ShutdownAll() {
	for _, t := range o.reg.List() {
		if t.Status == registry.StatusDead {
			continue
		}
		o.killAndRemove(t)
	}
}
