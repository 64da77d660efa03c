package filesync

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sandrasocial/agent-bridge/internal/bus"
	"github.com/sandrasocial/agent-bridge/internal/otel"
)

// Watcher maintains the watch state table: a content fingerprint per tracked
// path. Changes reach it two ways, fsnotify events and explicit rescans, and
// both fan out through the registry and the event bus.
type Watcher struct {
	roots    []string
	registry *Registry
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics

	mu           sync.Mutex
	fingerprints map[string]uint64
	seeded       bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWatcher(roots []string, registry *Registry, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	var cp []string
	for _, r := range roots {
		if strings.TrimSpace(r) != "" {
			cp = append(cp, r)
		}
	}
	return &Watcher{
		roots:        cp,
		registry:     registry,
		bus:          eventBus,
		logger:       logger.With("component", "filesync"),
		metrics:      metrics,
		fingerprints: make(map[string]uint64),
	}
}

// Start seeds the fingerprint table and begins consuming fsnotify events.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := w.Rescan(ctx); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	for _, root := range w.roots {
		if err := w.addTree(fsw, root); err != nil {
			w.logger.Warn("watch root unavailable", "root", root, "error", err)
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx, fsw)
	w.logger.Info("file watcher started", "roots", len(w.roots))
	return nil
}

// Stop cancels the event loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	return filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil && !os.IsNotExist(err) {
				w.logger.Warn("watch add failed", "path", path, "error", err)
			}
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer func() { _ = fsw.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	info, statErr := os.Stat(ev.Name)
	if statErr == nil && info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			// New directories join the watch set as they appear.
			_ = fsw.Add(ev.Name)
		}
		return
	}

	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.mu.Lock()
		_, known := w.fingerprints[ev.Name]
		delete(w.fingerprints, ev.Name)
		w.mu.Unlock()
		if known {
			w.fanOut(ev.Name, OpDelete)
		}
	case statErr != nil:
		// Raced with a delete; the Remove event will follow.
	default:
		fp, err := fingerprintFile(ev.Name)
		if err != nil {
			w.logger.Warn("fingerprint failed", "path", ev.Name, "error", err)
			return
		}
		w.mu.Lock()
		prev, known := w.fingerprints[ev.Name]
		w.fingerprints[ev.Name] = fp
		w.mu.Unlock()
		switch {
		case !known:
			w.fanOut(ev.Name, OpCreate)
		case prev != fp:
			w.fanOut(ev.Name, OpModify)
		}
	}
}

func (w *Watcher) fanOut(path string, op Operation) {
	agents := w.registry.NotifyAll(path, op)
	if w.bus != nil {
		w.bus.Publish(bus.TopicFileChanged, bus.FileChangedEvent{
			Path:      path,
			Operation: string(op),
			Agents:    agents,
		})
	}
	w.logger.Debug("file change fanned out", "path", path, "op", op, "agents", agents)
}

// Rescan recomputes every tracked fingerprint from disk and fans out a
// notification for each divergence. It returns the number of changes found.
func (w *Watcher) Rescan(ctx context.Context) (int, error) {
	started := time.Now()
	current := make(map[string]uint64)
	for _, root := range w.roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return 0, fmt.Errorf("resolve root %s: %w", root, err)
		}
		err = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			fp, err := fingerprintFile(path)
			if err != nil {
				w.logger.Warn("fingerprint failed", "path", path, "error", err)
				return nil
			}
			current[path] = fp
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	w.mu.Lock()
	previous := w.fingerprints
	w.fingerprints = current
	initial := !w.seeded
	w.seeded = true
	w.mu.Unlock()

	changes := 0
	if !initial {
		for path, fp := range current {
			prev, known := previous[path]
			switch {
			case !known:
				w.fanOut(path, OpCreate)
				changes++
			case prev != fp:
				w.fanOut(path, OpModify)
				changes++
			}
		}
		for path := range previous {
			if _, still := current[path]; !still {
				w.fanOut(path, OpDelete)
				changes++
			}
		}
	}

	if w.bus != nil {
		w.bus.Publish(bus.TopicFileRescan, map[string]any{"paths": len(current), "changes": changes})
	}
	if w.metrics != nil {
		w.metrics.RescanDuration.Record(ctx, time.Since(started).Seconds())
	}
	w.logger.Debug("rescan finished", "paths", len(current), "changes", changes, "took", time.Since(started))
	return changes, nil
}

// fingerprintFile hashes file content with FNV-64a. Cheap and collision
// resistant enough for change detection on a workspace-sized tree.
func fingerprintFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := fnv.New64a()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
