package crewconfig

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceInterval is the delay after the last fsnotify event before the
// documents are reloaded. Editors often write a file as several events.
const DebounceInterval = 100 * time.Millisecond

// Source hands out the configuration a review run should use.
type Source interface {
	Current() (*Config, error)
}

// Static is a Source that always returns the same configuration.
type Static struct {
	Config *Config
}

func (s Static) Current() (*Config, error) {
	return s.Config, nil
}

type snapshot struct {
	cfg *Config
	err error
}

// Watcher keeps the documents of a config directory loaded and reloads them
// when either file changes. A reload that fails to load or validate is
// reported by Current until the documents are fixed; the previous config is
// not kept, so a broken file fails runs fast instead of silently reviewing
// with stale prompts.
type Watcher struct {
	dir      string
	validate func(*Config) error
	current  atomic.Pointer[snapshot]

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	reloaded chan struct{}
}

// NewWatcher loads dir once and fails if that first load fails. validate
// may be nil.
func NewWatcher(dir string, validate func(*Config) error) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	w := &Watcher{
		dir:      abs,
		validate: validate,
		reloaded: make(chan struct{}, 1),
	}
	w.reload()
	if _, err := w.Current(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watcher) Dir() string {
	return w.dir
}

func (w *Watcher) Current() (*Config, error) {
	s := w.current.Load()
	return s.cfg, s.err
}

// Reloaded is signalled (non-blocking) after every reload. Used by tests.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

func (w *Watcher) reload() {
	cfg, err := LoadDir(w.dir)
	if err == nil && w.validate != nil {
		err = w.validate(cfg)
	}
	if err != nil {
		slog.Error("failed to reload crew configuration", "dir", w.dir, "error", err)
		w.current.Store(&snapshot{err: err})
	} else {
		slog.Info("crew configuration loaded", "dir", w.dir, "agents", len(cfg.Agents), "tasks", len(cfg.Tasks))
		w.current.Store(&snapshot{cfg: cfg})
	}
	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}

// Run watches the directory until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the directory rather than the files so atomic saves
	// (write temp + rename) keep being observed.
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			switch filepath.Base(event.Name) {
			case AgentsFile, TasksFile:
			default:
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(DebounceInterval, w.reload)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("fsnotify error", "dir", w.dir, "error", err)
		}
	}
}

// Watching reports whether Run has registered its fsnotify watch.
func (w *Watcher) Watching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsw != nil
}
