package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"time"

	"github.com/FC4b/cli-agent-orchestrator/internal/apperr"
	"github.com/FC4b/cli-agent-orchestrator/internal/orchestrator"
	"github.com/FC4b/cli-agent-orchestrator/internal/registry"
)

// DefaultTickInterval is the scheduler's tick period (spec section 4.6
// step 0: "a single scheduler tick runs every 30s").
const DefaultTickInterval = 30 * time.Second

// schedulerTerminalID is the synthetic "from" id flow-triggered assigns
// carry, since a scheduled flow has no calling terminal of its own.
const schedulerTerminalID = "flow-scheduler"

// gateResult is the JSON object a flow's gate script must print to stdout
// to control whether the flow actually fires.
type gateResult struct {
	Execute bool              `json:"execute"`
	Output  map[string]string `json:"output"`
}

// Scheduler ticks a Store on a fixed interval, firing every due and enabled
// flow through the Orchestrator's assign primitive.
type Scheduler struct {
	store *Store
	orc   *orchestrator.Orchestrator
	tick  time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler wires a Scheduler to its Store and Orchestrator. A zero tick
// takes DefaultTickInterval.
func NewScheduler(store *Store, orc *orchestrator.Orchestrator, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	return &Scheduler{store: store, orc: orc, tick: tick}
}

// Run ticks until ctx is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tickOnce(now)
		}
	}
}

// Stop signals Run to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

// tickOnce fires every due, enabled flow. One flow's failure never blocks
// another's (spec section 8, invariant: flow firings are independent).
func (s *Scheduler) tickOnce(now time.Time) {
	for _, f := range s.store.List() {
		if !f.IsEnabled() || f.NextFireAt.After(now) {
			continue
		}
		go s.fire(f, now)
	}
}

// fire runs f's optional gate script, interpolates its prompt template, and
// assigns it to a new terminal, advancing next_fire_at regardless of
// outcome (spec section 4.6 step 4: missed or skipped firings never
// catch up).
func (s *Scheduler) fire(f *Flow, now time.Time) {
	defer func() {
		if err := s.store.AdvanceNextFire(f.Name, now); err != nil {
			slog.Warn("flow scheduler: advance next_fire_at failed", "flow", f.Name, "err", err)
		}
	}()

	term, err := s.runFlow(f)
	if err != nil {
		slog.Warn("flow scheduler: firing skipped", "flow", f.Name, "err", err)
		return
	}
	if term == nil {
		slog.Info("flow scheduler: gate script declined to execute", "flow", f.Name)
		return
	}
	slog.Info("flow scheduler: fired", "flow", f.Name, "terminal", term.ID)
}

// runFlow executes f's gate script and, if it permits, assigns the
// interpolated prompt to a new terminal. A nil terminal with a nil error
// means the gate declined to execute.
func (s *Scheduler) runFlow(f *Flow) (*registry.TerminalState, error) {
	prompt, ok, err := s.prepare(f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.orc.Assign(schedulerTerminalID, f.AgentProfile, f.ProviderKey(), prompt, "", "")
}

// RunNow triggers name's gate+assign immediately, outside the tick loop,
// without touching its next_fire_at (spec section 6, POST /flows/{name}/run
// is a manual trigger, not a schedule advance).
func (s *Scheduler) RunNow(name string) (*registry.TerminalState, error) {
	f, err := s.store.Get(name)
	if err != nil {
		return nil, err
	}
	return s.runFlow(f)
}

// prepare runs f's gate script if any and returns the interpolated prompt
// and whether the flow should actually execute.
func (s *Scheduler) prepare(f *Flow) (prompt string, execute bool, err error) {
	vars := map[string]string{}
	if f.Script != "" {
		gate, gerr := runGateScript(f.Script)
		if gerr != nil {
			return "", false, gerr
		}
		if !gate.Execute {
			return "", false, nil
		}
		vars = gate.Output
	}
	return Interpolate(f.PromptTemplate, vars), true, nil
}

// DryRun runs a flow's gate script and interpolation without assigning a
// terminal, for the "preview what would fire" HTTP endpoint.
func (s *Scheduler) DryRun(name string) (prompt string, execute bool, err error) {
	f, err := s.store.Get(name)
	if err != nil {
		return "", false, err
	}
	return s.prepare(f)
}

// runGateScript runs path and parses its stdout as a gateResult. A non-zero
// exit or malformed JSON is a script-failure error, not a skipped firing:
// spec section 4.6 step 1 distinguishes "the script said no" from "the
// script is broken".
func runGateScript(path string) (*gateResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, apperr.Newf(apperr.KindScriptFailure, "gate script %s failed: %v (stderr: %s)", path, err, stderr.String())
	}

	var res gateResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, apperr.Newf(apperr.KindScriptFailure, "gate script %s printed invalid JSON: %v", path, err)
	}
	return &res, nil
}
