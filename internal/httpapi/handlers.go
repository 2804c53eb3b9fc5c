package httpapi

import (
	"io"
	"net/http"
	"sort"

	"github.com/FC4b/cli-agent-orchestrator/internal/apperr"
	"github.com/FC4b/cli-agent-orchestrator/internal/flow"
	"github.com/FC4b/cli-agent-orchestrator/internal/provider"
	"github.com/FC4b/cli-agent-orchestrator/internal/registry"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statsResponse is the GET /stats payload: counts of terminals by status
// and, when a flow store is attached, flows by enabled/disabled.
type statsResponse struct {
	TerminalsByStatus map[registry.Status]int `json:"terminals_by_status"`
	TotalInboxDepth   int                     `json:"total_inbox_depth"`
	FlowsEnabled      int                     `json:"flows_enabled"`
	FlowsDisabled     int                     `json:"flows_disabled"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := statsResponse{TerminalsByStatus: make(map[registry.Status]int)}
	for _, t := range s.reg.List() {
		stats.TerminalsByStatus[t.Status]++
		stats.TotalInboxDepth += len(t.Inbox)
	}
	if s.store != nil {
		for _, f := range s.store.List() {
			if f.IsEnabled() {
				stats.FlowsEnabled++
			} else {
				stats.FlowsDisabled++
			}
		}
	}
	jsonResponse(w, http.StatusOK, stats)
}

type createTerminalRequest struct {
	Agent    string `json:"agent"`
	Provider string `json:"provider,omitempty"`
	CWD      string `json:"cwd,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

type createTerminalResponse struct {
	ID          string          `json:"id"`
	SessionName string          `json:"session_name"`
	Status      registry.Status `json:"status"`
}

func (s *Server) handleCreateTerminal(w http.ResponseWriter, r *http.Request) {
	var req createTerminalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Agent == "" {
		writeError(w, apperr.New(apperr.KindInvalidRequest, "agent is required"))
		return
	}

	term, err := s.orc.CreateTerminal(req.Agent, provider.Key(req.Provider), req.CWD, req.ParentID)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, createTerminalResponse{
		ID:          term.ID,
		SessionName: term.SessionName,
		Status:      term.Status,
	})
}

func (s *Server) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	terms := s.reg.List()
	sort.Slice(terms, func(i, j int) bool { return terms[i].CreatedAt.Before(terms[j].CreatedAt) })
	jsonResponse(w, http.StatusOK, terms)
}

func (s *Server) handleGetTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	term, err := s.reg.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, term)
}

func (s *Server) handleDeleteTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orc.Shutdown(id); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

type sendMessageRequest struct {
	FromID string `json:"from_id"`
	Body   string `json:"body"`
	Kind   string `json:"kind,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Body == "" {
		writeError(w, apperr.New(apperr.KindInvalidRequest, "body is required"))
		return
	}

	delivered, err := s.orc.SendMessage(req.FromID, id, req.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	status := "queued"
	if delivered {
		status = "delivered"
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": status})
}

type handoffRequest struct {
	FromID   string `json:"from_id"`
	Agent    string `json:"agent"`
	Provider string `json:"provider,omitempty"`
	Body     string `json:"body"`
	CWD      string `json:"cwd,omitempty"`
}

type handoffResponse struct {
	TerminalID string          `json:"terminal_id"`
	Output     string          `json:"output"`
	Status     registry.Status `json:"status"`
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Agent == "" || req.Body == "" {
		writeError(w, apperr.New(apperr.KindInvalidRequest, "agent and body are required"))
		return
	}

	res, err := s.orc.Handoff(req.FromID, req.Agent, provider.Key(req.Provider), req.Body, req.CWD)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, handoffResponse{TerminalID: res.TerminalID, Output: res.Output, Status: res.Status})
}

type assignRequest struct {
	FromID   string `json:"from_id"`
	Agent    string `json:"agent"`
	Provider string `json:"provider,omitempty"`
	Body     string `json:"body"`
	CWD      string `json:"cwd,omitempty"`
	Callback string `json:"callback,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Agent == "" || req.Body == "" {
		writeError(w, apperr.New(apperr.KindInvalidRequest, "agent and body are required"))
		return
	}

	term, err := s.orc.Assign(req.FromID, req.Agent, provider.Key(req.Provider), req.Body, req.CWD, req.Callback)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"terminal_id": term.ID})
}

func (s *Server) requireFlowStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, apperr.New(apperr.KindInternal, "flow store is not enabled on this server"))
		return false
	}
	return true
}

// handleCreateFlow accepts a raw flow file (YAML front-matter + prompt
// body) as the request body, per spec section 6's "flow file body".
func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	if !s.requireFlowStore(w) {
		return
	}
	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidRequest, err))
		return
	}

	parsed, err := flow.Parse("", content)
	if err != nil {
		writeError(w, err)
		return
	}
	saved, err := s.store.Save(parsed.Definition, parsed.PromptTemplate)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, map[string]string{"name": saved.Name})
}

type flowSummary struct {
	Name         string `json:"name"`
	Schedule     string `json:"schedule"`
	AgentProfile string `json:"agent_profile"`
	Enabled      bool   `json:"enabled"`
	NextFireAt   string `json:"next_fire_at"`
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	if !s.requireFlowStore(w) {
		return
	}
	flows := s.store.List()
	out := make([]flowSummary, 0, len(flows))
	for _, f := range flows {
		out = append(out, flowSummary{
			Name:         f.Name,
			Schedule:     f.Schedule,
			AgentProfile: f.AgentProfile,
			Enabled:      f.IsEnabled(),
			NextFireAt:   f.NextFireAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	jsonResponse(w, http.StatusOK, out)
}

func (s *Server) handleRunFlow(w http.ResponseWriter, r *http.Request) {
	if !s.requireFlowStore(w) {
		return
	}
	name := r.PathValue("name")
	if s.sched == nil {
		writeError(w, apperr.New(apperr.KindInternal, "flow scheduler is not enabled on this server"))
		return
	}

	if r.URL.Query().Get("dry_run") == "true" {
		prompt, execute, err := s.sched.DryRun(name)
		if err != nil {
			writeError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, map[string]interface{}{"execute": execute, "prompt": prompt})
		return
	}

	term, err := s.sched.RunNow(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if term == nil {
		jsonResponse(w, http.StatusOK, map[string]interface{}{"executed": false})
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"terminal_id": term.ID})
}

type patchFlowRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
}

func (s *Server) handlePatchFlow(w http.ResponseWriter, r *http.Request) {
	if !s.requireFlowStore(w) {
		return
	}
	name := r.PathValue("name")
	var req patchFlowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled != nil {
		if err := s.store.SetEnabled(name, *req.Enabled); err != nil {
			writeError(w, err)
			return
		}
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	if !s.requireFlowStore(w) {
		return
	}
	name := r.PathValue("name")
	if err := s.store.Remove(name); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}
