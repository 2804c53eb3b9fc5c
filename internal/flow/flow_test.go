package flow

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleFlow = `---
name: "nightly-digest"
schedule: "0 9 * * *"
agent_profile: "digest-writer"
enabled: true
---
Summarize yesterday's [[channel]] activity.
`

func TestParseBasicFlow(t *testing.T) {
	f, err := Parse("nightly-digest.md", []byte(sampleFlow))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Name != "nightly-digest" || f.AgentProfile != "digest-writer" {
		t.Fatalf("unexpected definition: %+v", f.Definition)
	}
	if !f.IsEnabled() {
		t.Fatal("expected flow to be enabled")
	}
	if f.PromptTemplate != "Summarize yesterday's [[channel]] activity." {
		t.Fatalf("prompt template = %q", f.PromptTemplate)
	}
}

func TestParseDefaultsEnabledWhenOmitted(t *testing.T) {
	content := `---
name: "x"
schedule: "* * * * *"
agent_profile: "p"
---
body
`
	f, err := Parse("x.md", []byte(content))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !f.IsEnabled() {
		t.Fatal("expected enabled to default to true when omitted")
	}
}

func TestParseRejectsMissingFields(t *testing.T) {
	content := `---
schedule: "* * * * *"
---
body
`
	if _, err := Parse("bad.md", []byte(content)); err == nil {
		t.Fatal("expected an error for a flow missing name and agent_profile")
	}
}

func TestParseSixFieldSchedule(t *testing.T) {
	content := `---
name: "frequent"
schedule: "*/15 * * * * *"
agent_profile: "p"
---
body
`
	f, err := Parse("frequent.md", []byte(content))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := f.Next(base)
	if next.Sub(base) > 15*time.Second {
		t.Fatalf("next fire %v is more than 15s after %v, six-field seconds schedule not honored", next, base)
	}
}

func TestInterpolate(t *testing.T) {
	out := Interpolate("hello [[name]], your [[thing]] is ready. unknown: [[missing]]", map[string]string{
		"name":  "alice",
		"thing": "report",
	})
	want := "hello alice, your report is ready. unknown: "
	if out != want {
		t.Fatalf("Interpolate = %q, want %q", out, want)
	}
}

func TestRenderRoundTrips(t *testing.T) {
	enabled := false
	def := Definition{
		Name:         "my-flow",
		Schedule:     "0 * * * *",
		AgentProfile: "writer",
		Script:       "/usr/local/bin/gate.sh",
		Enabled:      &enabled,
	}
	rendered, err := Render(def, "do the thing with [[x]]")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	f, err := Parse("my-flow.md", []byte(rendered))
	if err != nil {
		t.Fatalf("reparse rendered flow: %v\n%s", err, rendered)
	}
	if f.Name != def.Name || f.Schedule != def.Schedule || f.AgentProfile != def.AgentProfile || f.Script != def.Script {
		t.Fatalf("round trip mismatch: %+v", f.Definition)
	}
	if f.IsEnabled() {
		t.Fatal("expected round-tripped flow to remain disabled")
	}
	if f.PromptTemplate != "do the thing with [[x]]" {
		t.Fatalf("prompt template = %q", f.PromptTemplate)
	}
}

func TestStoreSaveListGetRemove(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	def := Definition{Name: "alpha", Schedule: "* * * * *", AgentProfile: "p"}
	if _, err := store.Save(def, "prompt body"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get("alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PromptTemplate != "prompt body" {
		t.Fatalf("prompt template = %q", got.PromptTemplate)
	}

	list := store.List()
	if len(list) != 1 {
		t.Fatalf("List returned %d flows, want 1", len(list))
	}

	if err := store.SetEnabled("alpha", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	got, err = store.Get("alpha")
	if err != nil {
		t.Fatalf("Get after SetEnabled: %v", err)
	}
	if got.IsEnabled() {
		t.Fatal("expected flow to be disabled after SetEnabled(false)")
	}

	if err := store.Remove("alpha"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Get("alpha"); err == nil {
		t.Fatal("expected Get to fail after Remove")
	}
	if _, err := os.Stat(filepath.Join(dir, "alpha.md")); !os.IsNotExist(err) {
		t.Fatalf("expected flow file to be deleted, stat err = %v", err)
	}
}

func TestStoreLoadsExistingFilesOnStartup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preexisting.md")
	if err := os.WriteFile(path, []byte(sampleFlow), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	if _, err := store.Get("nightly-digest"); err != nil {
		t.Fatalf("expected preexisting flow to be loaded: %v", err)
	}
}

func TestStoreReloadPicksUpExternalWrite(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	if err := os.WriteFile(filepath.Join(dir, "external.md"), []byte(sampleFlow), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, err := store.Get("nightly-digest"); err != nil {
		t.Fatalf("expected externally written flow to be picked up: %v", err)
	}
}
