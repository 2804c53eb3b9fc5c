package flow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/FC4b/cli-agent-orchestrator/internal/apperr"
)

// Store owns the on-disk directory of flow files: it loads them at
// startup, re-reads the directory on add/remove/enable/disable (spec
// section 4.6, Persistence) and on external filesystem changes via
// fsnotify, and serializes writes with a sibling lock file so a concurrent
// reload never observes a half-written flow.
type Store struct {
	dir string

	mu    sync.RWMutex
	flows map[string]*Flow

	watcher *fsnotify.Watcher
	closeCh chan struct{}
}

// NewStore loads every *.md flow file under dir and starts watching it for
// external changes. dir is created if it does not yet exist.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err)
	}

	s := &Store{dir: dir, flows: make(map[string]*Flow)}
	if err := s.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, apperr.Wrap(apperr.KindInternal, err)
	}
	s.watcher = watcher
	s.closeCh = make(chan struct{})
	go s.watchLoop()

	return s, nil
}

// Close stops the directory watcher. Safe to call once.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.closeCh)
	return s.watcher.Close()
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.closeCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			slog.Debug("flow store: directory change", "event", event.Op, "file", event.Name)
			if err := s.Reload(); err != nil {
				slog.Warn("flow store: reload after fs event failed", "err", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("flow store: watch error", "err", err)
		}
	}
}

// Reload rescans dir and replaces the in-memory flow set. next_fire_at is
// recomputed from the current time for every flow, per spec section 4.6.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err)
	}

	loaded := make(map[string]*Flow, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		f, err := s.readLocked(path)
		if err != nil {
			if err == errFileLocked {
				// A write is in flight; keep whatever this flow's previous
				// in-memory copy was, if any, rather than dropping it.
				s.mu.RLock()
				if prev, ok := s.flows[strings.TrimSuffix(e.Name(), ".md")]; ok {
					loaded[prev.Name] = prev
				}
				s.mu.RUnlock()
				continue
			}
			slog.Warn("flow store: skipping unparseable flow file", "path", path, "err", err)
			continue
		}
		loaded[f.Name] = f
	}

	s.mu.Lock()
	s.flows = loaded
	s.mu.Unlock()
	return nil
}

var errFileLocked = fmt.Errorf("flow file is locked for writing")

// readLocked parses path, skipping it (errFileLocked) if a writer currently
// holds the exclusive lock.
func (s *Store) readLocked(path string) (*Flow, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryRLock()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err)
	}
	if !ok {
		return nil, errFileLocked
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err)
	}
	return Parse(path, data)
}

// List returns a snapshot of every loaded flow.
func (s *Store) List() []*Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	return out
}

// Get returns the named flow, or a not-found error.
func (s *Store) Get(name string) (*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[name]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "unknown flow %q", name)
	}
	return f, nil
}

// AdvanceNextFire recomputes name's next_fire_at strictly after now. Called
// once per firing, whether or not the firing actually spawned a terminal
// (spec section 8, invariant 6: next_fire_at advances even on a skipped,
// script-gated firing).
func (s *Store) AdvanceNextFire(name string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[name]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "unknown flow %q", name)
	}
	f.NextFireAt = f.Next(now)
	return nil
}

// SetEnabled flips name's enabled flag, persisting it back to disk.
func (s *Store) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	f, ok := s.flows[name]
	s.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "unknown flow %q", name)
	}
	f.Enabled = &enabled
	return s.writeLocked(f)
}

// Save writes a new or replacement flow file to disk and loads it.
func (s *Store) Save(def Definition, template string) (*Flow, error) {
	if def.Name == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "flow name is required")
	}
	path := filepath.Join(s.dir, def.Name+".md")
	f := &Flow{Definition: def, PromptTemplate: template, Path: path}
	if err := s.writeLocked(f); err != nil {
		return nil, err
	}
	return s.readAndInsert(path, def.Name)
}

// Remove deletes name's flow file and drops it from memory. Idempotent.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	f, ok := s.flows[name]
	if ok {
		delete(s.flows, name)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindInternal, err)
	}
	_ = os.Remove(f.Path + ".lock")
	return nil
}

// writeLocked serializes a definition+template to disk under an exclusive
// flock, writing to a temp file and renaming into place so a concurrent
// reader never observes a partial write.
func (s *Store) writeLocked(f *Flow) error {
	rendered, err := Render(f.Definition, f.PromptTemplate)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err)
	}

	lock := flock.New(f.Path + ".lock")
	if err := lock.Lock(); err != nil {
		return apperr.Wrap(apperr.KindInternal, err)
	}
	defer func() { _ = lock.Unlock() }()

	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(rendered), 0o644); err != nil {
		return apperr.Wrap(apperr.KindInternal, err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return apperr.Wrap(apperr.KindInternal, err)
	}
	return nil
}

func (s *Store) readAndInsert(path, name string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err)
	}
	f, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.flows[name] = f
	s.mu.Unlock()
	return f, nil
}
