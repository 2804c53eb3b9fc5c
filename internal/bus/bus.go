// Package bus implements the Message Bus (spec section 4.4, C4): the sole
// delivery mechanism for send_message and assign's callback continuation.
// It reacts to Registry `* -> IDLE` edges and asks the Injector to deliver
// exactly one queued message per edge, preserving per-terminal turn
// boundaries (spec section 4.4 and invariant 2 in section 8).
package bus

import (
	"log/slog"
	"time"

	"github.com/FC4b/cli-agent-orchestrator/internal/registry"
)

// Injector is the subset of the Injector/Reader component the Bus needs:
// the ability to inject a message body into a live terminal. Kept as a
// narrow interface so the Bus can be tested without a real tmux session.
type Injector interface {
	InjectMessage(id, body string) error
}

// Bus wires itself to a Registry's transition notifications at
// construction time. There is nothing to start or stop: delivery happens
// synchronously inside the registry's transition callback, off the
// registry's own lock (spec section 5: watcher calls happen after the lock
// is released).
type Bus struct {
	reg *registry.Registry
	inj Injector
}

// New creates a Bus and subscribes it to reg's transitions.
func New(reg *registry.Registry, inj Injector) *Bus {
	b := &Bus{reg: reg, inj: inj}
	reg.OnTransition(b.onTransition)
	return b
}

func (b *Bus) onTransition(id string, status registry.Status) {
	if status != registry.StatusIdle {
		return
	}
	b.DeliverIfReady(id)
}

// DeliverIfReady pops and injects one queued message for id if it is
// currently IDLE and has a pending message. It is safe to call redundantly
// (e.g. once from the transition callback and once after Enqueue) because
// PopReady only succeeds while IDLE, and injecting the message
// immediately moves the terminal to BUSY so a second concurrent call finds
// nothing to pop. Returns whether a message was actually delivered.
func (b *Bus) DeliverIfReady(id string) bool {
	msg, err := b.reg.PopReady(id)
	if err != nil {
		slog.Warn("bus: pop-ready failed", "terminal", id, "err", err)
		return false
	}
	if msg == nil {
		return false
	}

	if err := b.inj.InjectMessage(id, msg.Body); err != nil {
		slog.Error("bus: delivery failed", "terminal", id, "from", msg.From, "err", err)
		return false
	}
	slog.Info("bus: delivered queued message", "terminal", id, "from", msg.From, "kind", msg.Kind)
	return true
}

// Send enqueues body from `from` to `to`. If `to` is currently IDLE, the
// enqueue below is immediately followed by a delivery attempt so senders
// do not have to wait for some unrelated future edge. The returned bool
// reports "delivered" (true) vs "queued" (false) per spec section 4.5's
// send_message result. Returns "dead-recipient" (surfaced by
// Registry.Enqueue) when the target is gone.
func (b *Bus) Send(from, to, body string, kind registry.MessageKind) (bool, error) {
	msg := registry.Message{
		From:       from,
		To:         to,
		Body:       body,
		Kind:       kind,
		EnqueuedAt: time.Now(),
	}
	if err := b.reg.Enqueue(to, msg); err != nil {
		return false, err
	}
	// The enqueue may have landed while `to` was already IDLE (no further
	// transition will fire to trigger delivery), so give it an immediate
	// chance in addition to the transition-driven path.
	return b.DeliverIfReady(to), nil
}
