package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FC4b/cli-agent-orchestrator/internal/bus"
	"github.com/FC4b/cli-agent-orchestrator/internal/flow"
	"github.com/FC4b/cli-agent-orchestrator/internal/injector"
	"github.com/FC4b/cli-agent-orchestrator/internal/orchestrator"
	"github.com/FC4b/cli-agent-orchestrator/internal/provider"
	"github.com/FC4b/cli-agent-orchestrator/internal/registry"
)

const httpTestProvider provider.Key = "httpapi_test_cli"

func init() {
	provider.Register(&provider.Profile{
		Key:         httpTestProvider,
		Command:     "true %s",
		ReadyPrompt: regexp.MustCompile(`(?m)^READY$`),
	})
}

type fakeBackend struct {
	mu       sync.Mutex
	sessions map[string]bool
	lines    map[string][]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{sessions: make(map[string]bool), lines: make(map[string][]string)}
}

func (f *fakeBackend) Create(name, cwd, initialCommand string) error {
	f.mu.Lock()
	f.sessions[name] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) SendKeys(name, text string, appendEnter bool) error {
	f.mu.Lock()
	f.lines[name] = append(f.lines[name], strings.Split(text, "\n")...)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Capture(name string, tailLines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.lines[name], "\n"), nil
}

func (f *fakeBackend) Kill(name string) error {
	f.mu.Lock()
	delete(f.sessions, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Exists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name], nil
}

func (f *fakeBackend) List() ([]string, error) { return nil, nil }

func (f *fakeBackend) appendLine(name, s string) {
	f.mu.Lock()
	f.lines[name] = append(f.lines[name], s)
	f.mu.Unlock()
}

func newTestServer(t *testing.T) (*Server, *registry.Registry, *fakeBackend) {
	t.Helper()
	reg := registry.New()
	backend := newFakeBackend()
	inj := injector.New(backend, reg, injector.Config{PollInterval: 10 * time.Millisecond, IdleTimeout: time.Second})
	b := bus.New(reg, inj)
	orc := orchestrator.New(backend, reg, b, inj, orchestrator.Config{StartupTimeout: time.Second})

	dir := t.TempDir()
	store, err := flow.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	sched := flow.NewScheduler(store, orc, time.Hour)

	return NewServer(reg, orc, store, sched), reg, backend
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateListGetDeleteTerminal(t *testing.T) {
	srv, reg, backend := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/terminals", createTerminalRequest{Agent: "reviewer", Provider: string(httpTestProvider)})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var created createTerminalResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a terminal id")
	}

	listRec := doJSON(t, srv, "GET", "/terminals", nil)
	var terms []*registry.TerminalState
	if err := json.Unmarshal(listRec.Body.Bytes(), &terms); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(terms) != 1 {
		t.Fatalf("len(terms) = %d, want 1", len(terms))
	}

	getRec := doJSON(t, srv, "GET", "/terminals/"+created.ID, nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d", getRec.Code)
	}

	_ = backend
	delRec := doJSON(t, srv, "DELETE", "/terminals/"+created.ID, nil)
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", delRec.Code)
	}

	snap, err := reg.Get(created.ID)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if snap.Status != registry.StatusDead {
		t.Fatalf("status = %s, want DEAD", snap.Status)
	}
}

func TestGetUnknownTerminalReturnsNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/terminals/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Kind != "not-found" {
		t.Fatalf("kind = %s", env.Kind)
	}
}

func TestSendMessageToDeadRecipient(t *testing.T) {
	srv, reg, backend := newTestServer(t)
	term := reg.NewTerminal("reviewer", httpTestProvider, "/tmp", "cao-reviewer-1", "")
	backend.sessions[term.SessionName] = true
	if err := srv.orc.Shutdown(term.ID); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	rec := doJSON(t, srv, "POST", "/terminals/"+term.ID+"/messages", sendMessageRequest{FromID: "supervisor", Body: "hi"})
	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rec.Code)
	}
}

func TestFlowCreateListPatchDelete(t *testing.T) {
	srv, _, _ := newTestServer(t)

	flowBody := "---\nname: \"nightly\"\nschedule: \"0 9 * * *\"\nagent_profile: \"writer\"\n---\nwrite the digest\n"
	req := httptest.NewRequest("POST", "/flows", strings.NewReader(flowBody))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create flow status = %d body=%s", rec.Code, rec.Body.String())
	}

	listRec := doJSON(t, srv, "GET", "/flows", nil)
	var flows []flowSummary
	if err := json.Unmarshal(listRec.Body.Bytes(), &flows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(flows) != 1 || flows[0].Name != "nightly" {
		t.Fatalf("flows = %+v", flows)
	}

	patchRec := doJSON(t, srv, "PATCH", "/flows/nightly", patchFlowRequest{Enabled: boolPtr(false)})
	if patchRec.Code != http.StatusOK {
		t.Fatalf("patch status = %d", patchRec.Code)
	}

	deleteRec := doJSON(t, srv, "DELETE", "/flows/nightly", nil)
	if deleteRec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", deleteRec.Code)
	}

	finalList := doJSON(t, srv, "GET", "/flows", nil)
	var remaining []flowSummary
	if err := json.Unmarshal(finalList.Body.Bytes(), &remaining); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no flows after delete, got %+v", remaining)
	}
}

func TestFlowDryRun(t *testing.T) {
	srv, _, _ := newTestServer(t)
	flowBody := "---\nname: \"preview\"\nschedule: \"0 9 * * *\"\nagent_profile: \"writer\"\n---\nhello [[who]]\n"
	req := httptest.NewRequest("POST", "/flows", strings.NewReader(flowBody))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create flow status = %d", rec.Code)
	}

	runRec := doJSON(t, srv, "POST", "/flows/preview/run?dry_run=true", nil)
	if runRec.Code != http.StatusOK {
		t.Fatalf("dry run status = %d body=%s", runRec.Code, runRec.Body.String())
	}
	var out map[string]interface{}
	if err := json.Unmarshal(runRec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["execute"] != true {
		t.Fatalf("expected execute=true, got %+v", out)
	}
	if out["prompt"] != "hello " {
		t.Fatalf("prompt = %+v", out["prompt"])
	}
}

func boolPtr(b bool) *bool { return &b }
