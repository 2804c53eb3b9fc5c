package muxadapter

import "fmt"

// Backend is the Mux Adapter interface from spec section 4.1. The
// Orchestrator, Injector and Reader depend only on this interface, never on
// *Tmux directly, so a future backend (e.g. a containerized multiplexer)
// can be substituted without touching orchestration logic.
type Backend interface {
	// Create starts a detached session named name in cwd running
	// initialCommand.
	Create(name, cwd, initialCommand string) error
	// SendKeys submits text to the session. When appendEnter is true the
	// text is submitted with a trailing Enter; otherwise it is left in the
	// input line unsubmitted.
	SendKeys(name, text string, appendEnter bool) error
	// Capture returns the last tailLines lines of the pane.
	Capture(name string, tailLines int) (string, error)
	// Kill terminates the session. Killing a missing session is not an
	// error.
	Kill(name string) error
	// Exists reports whether the session is currently live.
	Exists(name string) (bool, error)
	// List returns all live session names.
	List() ([]string, error)
}

// TmuxBackend implements Backend over a local *Tmux driver.
type TmuxBackend struct {
	tmux *Tmux
}

// NewTmuxBackend wraps t as a Backend.
func NewTmuxBackend(t *Tmux) *TmuxBackend {
	return &TmuxBackend{tmux: t}
}

func (b *TmuxBackend) Create(name, cwd, initialCommand string) error {
	return b.tmux.NewSessionWithCommand(name, cwd, initialCommand)
}

func (b *TmuxBackend) SendKeys(name, text string, appendEnter bool) error {
	if appendEnter {
		return b.tmux.SendKeys(name, text)
	}
	return b.tmux.SendKeysLiteral(name, text)
}

func (b *TmuxBackend) Capture(name string, tailLines int) (string, error) {
	return b.tmux.CapturePane(name, tailLines)
}

func (b *TmuxBackend) Kill(name string) error {
	exists, err := b.tmux.HasSession(name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return b.tmux.KillSession(name)
}

func (b *TmuxBackend) Exists(name string) (bool, error) {
	return b.tmux.HasSession(name)
}

func (b *TmuxBackend) List() ([]string, error) {
	return b.tmux.ListSessions()
}

// SessionName derives the tmux session name for an agent, following the
// "cao-<slug>-<nonce>" convention from spec section 3.
func SessionName(slug, nonce string) string {
	return fmt.Sprintf("cao-%s-%s", slug, nonce)
}
