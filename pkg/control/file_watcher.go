package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultDebounce is how long the watcher waits after the last file event
// before reloading.
const DefaultDebounce = 100 * time.Millisecond

// WatcherOption configures a FileWatcher.
type WatcherOption func(*FileWatcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the logger for reload messages.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// FileWatcher publishes the contents of a YAML control file into a State and
// keeps doing so whenever the file changes. A file that fails to parse is
// logged and ignored; the last good signal stays in effect.
//
//	paused: true
//	focus: equities
type FileWatcher struct {
	path     string
	state    *State
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileWatcher creates a watcher for path. Nothing is read until Load or Start.
func NewFileWatcher(path string, state *State, opts ...WatcherOption) (*FileWatcher, error) {
	if state == nil {
		return nil, errors.New("control file watcher requires a state")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	w := &FileWatcher{
		path:     absPath,
		state:    state,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the absolute path being watched.
func (w *FileWatcher) Path() string {
	return w.path
}

// Load reads and parses the control file and publishes the result.
func (w *FileWatcher) Load() (Signal, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(w.path)
	if err != nil {
		return Signal{}, fmt.Errorf("failed to read control file: %w", err)
	}
	sig, err := parseSignal(data)
	if err != nil {
		return Signal{}, err
	}
	w.state.Publish(sig)
	return sig, nil
}

// Start performs an initial load and watches the file's directory until ctx
// ends or Stop is called. A missing file is not an error; it is picked up
// once created.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return errors.New("control file watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	if sig, err := w.Load(); err != nil {
		w.logger.Warn("Initial control file load failed", "path", w.path, "error", err)
	} else {
		w.logger.Info("Control file loaded", "path", w.path, "paused", sig.Paused, "focus", sig.Focus)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.watchLoop(ctx, watcher, w.done)
	return nil
}

// Stop ends the watch loop and releases the fsnotify watcher.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	watcher, cancel, done := w.watcher, w.cancel, w.done
	w.watcher, w.cancel, w.done = nil, nil, nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	cancel()
	err := watcher.Close()
	<-done
	return err
}

func (w *FileWatcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Control file watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		sig, err := w.Load()
		if err != nil {
			w.logger.Warn("Control file reload failed", "path", w.path, "error", err)
			return
		}
		w.logger.Info("Control file reloaded", "path", w.path, "paused", sig.Paused, "focus", sig.Focus)
	})
}

func parseSignal(data []byte) (Signal, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Signal{}, errors.New("control file is empty")
	}

	var sig Signal
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sig); err != nil {
		return Signal{}, fmt.Errorf("failed to parse control file: %w", err)
	}
	return sig, nil
}
