package filesync

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestWatcher(t *testing.T, root string) (*Watcher, *Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(logger, nil, nil)
	return NewWatcher([]string{root}, registry, nil, logger, nil), registry
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRescanInitialSeedIsSilent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.go"), "package a")
	w, registry := newTestWatcher(t, dir)
	registry.Register("agent-a")

	changes, err := w.Rescan(context.Background())
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if changes != 0 {
		t.Fatalf("initial rescan changes = %d, want 0", changes)
	}
	if got := registry.Pending("agent-a"); len(got) != 0 {
		t.Fatalf("initial seed produced notifications: %v", got)
	}
}

func TestRescanDetectsModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	writeFile(t, path, "package a")
	w, registry := newTestWatcher(t, dir)
	registry.Register("agent-a")

	if _, err := w.Rescan(context.Background()); err != nil {
		t.Fatalf("seed rescan: %v", err)
	}
	writeFile(t, path, "package a // changed")

	changes, err := w.Rescan(context.Background())
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if changes != 1 {
		t.Fatalf("changes = %d, want 1", changes)
	}
	pending := registry.Pending("agent-a")
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1", len(pending))
	}
	if pending[0].Operation != OpModify || pending[0].Path != path {
		t.Fatalf("notification = %+v, want modify on %s", pending[0], path)
	}
}

func TestRescanDetectsCreateAndDelete(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale.go")
	writeFile(t, stale, "package stale")
	w, registry := newTestWatcher(t, dir)
	registry.Register("agent-a")

	if _, err := w.Rescan(context.Background()); err != nil {
		t.Fatalf("seed rescan: %v", err)
	}
	fresh := filepath.Join(dir, "fresh.go")
	writeFile(t, fresh, "package fresh")
	if err := os.Remove(stale); err != nil {
		t.Fatalf("remove: %v", err)
	}

	changes, err := w.Rescan(context.Background())
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if changes != 2 {
		t.Fatalf("changes = %d, want 2", changes)
	}

	ops := map[string]Operation{}
	for _, n := range registry.Pending("agent-a") {
		ops[n.Path] = n.Operation
	}
	if ops[fresh] != OpCreate {
		t.Fatalf("ops[%s] = %q, want create", fresh, ops[fresh])
	}
	if ops[stale] != OpDelete {
		t.Fatalf("ops[%s] = %q, want delete", stale, ops[stale])
	}
}

func TestRescanUnchangedContentIsQuiet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	writeFile(t, path, "package a")
	w, registry := newTestWatcher(t, dir)
	registry.Register("agent-a")

	if _, err := w.Rescan(context.Background()); err != nil {
		t.Fatalf("seed rescan: %v", err)
	}
	// Rewrite identical content; the fingerprint must not change.
	writeFile(t, path, "package a")

	changes, err := w.Rescan(context.Background())
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if changes != 0 {
		t.Fatalf("changes = %d, want 0 for identical content", changes)
	}
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	dir := t.TempDir()
	w, _ := newTestWatcher(t, dir)
	s := NewScheduler(w, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Start(context.Background(), "not a cron"); err == nil {
		t.Fatalf("Start accepted an invalid cron expression")
	}
}

func TestSchedulerEmptyExprDisabled(t *testing.T) {
	dir := t.TempDir()
	w, _ := newTestWatcher(t, dir)
	s := NewScheduler(w, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start with empty expr: %v", err)
	}
	s.Stop()
}
