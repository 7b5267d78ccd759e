package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/storage"
	"github.com/khoj-ai/pipali/pkg/tools"
)

// File-watch event classifications.
const (
	eventCreate = "create"
	eventModify = "modify"
	eventDelete = "delete"
)

type pendingFire struct {
	timer *time.Timer
	event string
}

type watch struct {
	automation *models.Automation
	cfg        models.FileWatchTriggerConfig
	debounce   time.Duration
	watcher    *fsnotify.Watcher
}

// FileWatcher fires filesystem-triggered automations. Each watched path is
// observed recursively; raw events are filtered by glob pattern and event
// type, then debounced per (automation, path) before enqueueing.
type FileWatcher struct {
	executor        *Executor
	automations     *storage.AutomationRepo
	debounceDefault time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch       // automation id → watch
	pending map[string]*pendingFire // automation id + "|" + path
	wg      sync.WaitGroup
}

// NewFileWatcher creates a watcher with the default debounce window.
func NewFileWatcher(executor *Executor, automations *storage.AutomationRepo, debounceDefault time.Duration, logger *slog.Logger) *FileWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		executor:        executor,
		automations:     automations,
		debounceDefault: debounceDefault,
		logger:          logger.With("component", "file_watcher"),
		watches:         make(map[string]*watch),
		pending:         make(map[string]*pendingFire),
	}
}

// Watch installs (or replaces) the filesystem watch for an automation.
func (f *FileWatcher) Watch(a *models.Automation) error {
	var cfg models.FileWatchTriggerConfig
	if err := json.Unmarshal(a.TriggerConfig, &cfg); err != nil {
		return fmt.Errorf("decoding file watch config: %w", err)
	}
	if len(cfg.Paths) == 0 {
		return fmt.Errorf("file watch automation has no paths")
	}

	debounce := f.debounceDefault
	if cfg.DebounceMs > 0 {
		debounce = time.Duration(cfg.DebounceMs) * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	for _, p := range cfg.Paths {
		expanded := tools.ExpandHome(p)
		if err := addRecursive(watcher, expanded); err != nil {
			watcher.Close()
			return fmt.Errorf("watching %s: %w", expanded, err)
		}
	}

	f.Remove(a.ID)

	w := &watch{automation: a, cfg: cfg, debounce: debounce, watcher: watcher}
	f.mu.Lock()
	f.watches[a.ID] = w
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run(w)
	}()

	f.logger.Info("File watch installed",
		"automation_id", a.ID, "paths", cfg.Paths, "pattern", cfg.Pattern, "debounce", debounce)
	return nil
}

// Remove uninstalls an automation's watch and drops its pending debounces.
func (f *FileWatcher) Remove(automationID string) {
	f.mu.Lock()
	w, ok := f.watches[automationID]
	if ok {
		delete(f.watches, automationID)
	}
	prefix := automationID + "|"
	for key, p := range f.pending {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			p.timer.Stop()
			delete(f.pending, key)
		}
	}
	f.mu.Unlock()
	if ok {
		w.watcher.Close()
	}
}

// Reload drops all watches and reinstalls them from active file-watch
// automations in the DB.
func (f *FileWatcher) Reload(ctx context.Context) error {
	f.mu.Lock()
	ids := make([]string, 0, len(f.watches))
	for id := range f.watches {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.Remove(id)
	}

	active, err := f.automations.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, a := range active {
		if a.TriggerType == nil || *a.TriggerType != models.TriggerFileWatch {
			continue
		}
		if err := f.Watch(a); err != nil {
			f.logger.Error("Failed to install file watch", "automation_id", a.ID, "error", err)
		}
	}
	return nil
}

// Close tears down every watch.
func (f *FileWatcher) Close() {
	f.mu.Lock()
	ids := make([]string, 0, len(f.watches))
	for id := range f.watches {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.Remove(id)
	}
	f.wg.Wait()
}

func (f *FileWatcher) run(w *watch) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			f.handleEvent(w, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("Watcher error", "automation_id", w.automation.ID, "error", err)
		}
	}
}

func (f *FileWatcher) handleEvent(w *watch, ev fsnotify.Event) {
	// Newly created directories join the recursive watch.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addRecursive(w.watcher, ev.Name); err != nil {
				f.logger.Warn("Failed to extend watch", "path", ev.Name, "error", err)
			}
			return
		}
	}

	if w.cfg.Pattern != "" {
		matched, err := filepath.Match(w.cfg.Pattern, filepath.Base(ev.Name))
		if err != nil || !matched {
			return
		}
	}

	eventType := classify(ev)
	if len(w.cfg.Events) > 0 && !contains(w.cfg.Events, eventType) {
		return
	}

	f.debounceFire(w, ev.Name, eventType)
}

// debounceFire coalesces bursts per (automation, path): each event restarts
// the timer and overwrites the classification, so only the last event of a
// burst enqueues.
func (f *FileWatcher) debounceFire(w *watch, path, eventType string) {
	key := w.automation.ID + "|" + path

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pending[key]; ok {
		p.event = eventType
		p.timer.Reset(w.debounce)
		return
	}
	p := &pendingFire{event: eventType}
	p.timer = time.AfterFunc(w.debounce, func() {
		f.mu.Lock()
		event := p.event
		delete(f.pending, key)
		f.mu.Unlock()
		f.fire(w, path, event)
	})
	f.pending[key] = p
}

func (f *FileWatcher) fire(w *watch, path, eventType string) {
	file := map[string]any{"path": path}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		file["size_bytes"] = info.Size()
	}
	trigger, _ := json.Marshal(map[string]any{
		"trigger":  "file_watch",
		"event":    eventType,
		"file":     file,
		"fired_at": time.Now().UTC().Format(time.RFC3339),
	})

	if _, err := f.executor.Enqueue(context.Background(), w.automation.ID, trigger); err != nil {
		f.logger.Warn("File watch fire not queued",
			"automation_id", w.automation.ID, "path", path, "error", err)
	}
}

// classify maps a raw fsnotify op to create/modify/delete using the file's
// existence after the event; rename away and remove both read as delete.
func classify(ev fsnotify.Event) string {
	if _, err := os.Stat(ev.Name); err != nil {
		return eventDelete
	}
	if ev.Op.Has(fsnotify.Create) {
		return eventCreate
	}
	return eventModify
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
