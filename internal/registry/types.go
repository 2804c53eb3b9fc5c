package registry

import (
	"time"

	"github.com/FC4b/cli-agent-orchestrator/internal/provider"
)

// Status is a terminal's lifecycle state (spec section 3).
type Status string

const (
	StatusStarting  Status = "STARTING"
	StatusIdle      Status = "IDLE"
	StatusBusy      Status = "BUSY"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
	StatusDead      Status = "DEAD"
)

// MessageKind distinguishes the three message kinds from spec section 3.
type MessageKind string

const (
	KindUser   MessageKind = "user"
	KindSystem MessageKind = "system"
	KindResult MessageKind = "result"
)

// Message is a queued turn addressed to a terminal's inbox.
type Message struct {
	From       string      `json:"from_id"`
	To         string      `json:"to_id"`
	Body       string      `json:"body"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Kind       MessageKind `json:"kind"`
}

// TerminalState is the authoritative record for one managed terminal.
// Copies returned by Registry methods are snapshots; mutate the terminal
// only through Registry methods.
type TerminalState struct {
	ID             string        `json:"id"`
	SessionName    string        `json:"session_name"`
	AgentProfile   string        `json:"agent_profile"`
	Provider       provider.Key  `json:"provider"`
	CWD            string        `json:"cwd"`
	Status         Status        `json:"status"`
	Inbox          []Message     `json:"inbox"`
	CurrentTask    string        `json:"current_task,omitempty"`
	ParentID       string        `json:"parent_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	LastStatusAt   time.Time     `json:"last_status_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// clone returns a deep-enough copy for safe return across the Registry
// boundary (the inbox slice is copied so callers cannot mutate it behind
// the lock).
func (t *TerminalState) clone() *TerminalState {
	cp := *t
	if len(t.Inbox) > 0 {
		cp.Inbox = append([]Message(nil), t.Inbox...)
	}
	return &cp
}
