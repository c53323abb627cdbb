package cm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Static errors for the file watcher
var (
	ErrUnsupportedFormat = errors.New("unsupported configuration file format")
	ErrWatcherRunning    = errors.New("file watcher already running")
)

// FileOption configures a FileWatcher
type FileOption func(*FileWatcher)

// WithRescanSchedule sets a cron schedule (e.g. "@every 30s") on which the
// directory is rescanned in addition to filesystem notifications.
func WithRescanSchedule(schedule string) FileOption {
	return func(w *FileWatcher) { w.schedule = schedule }
}

// WithFileLogger sets the logger used to report unreadable files.
func WithFileLogger(logger Logger) FileOption {
	return func(w *FileWatcher) { w.logger = logger }
}

// FileWatcher mirrors a directory of configuration files into a MemoryStore.
// A file named <pid>.<ext> holds a singleton configuration, a file named
// <factoryPid>~<name>.<ext> one factory configuration. Supported extensions
// are yaml, yml, toml and json.
type FileWatcher struct {
	dir      string
	store    *MemoryStore
	schedule string
	logger   Logger

	mu      sync.Mutex
	known   map[string]string // file path -> pid
	watcher *fsnotify.Watcher
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFileWatcher creates a watcher for dir feeding store.
func NewFileWatcher(dir string, store *MemoryStore, opts ...FileOption) *FileWatcher {
	w := &FileWatcher{
		dir:   dir,
		store: store,
		known: make(map[string]string),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ParseFileName splits a configuration file name into pid and factory pid.
// ok is false for files the watcher ignores.
func ParseFileName(name string) (pid, factoryPID string, ok bool) {
	ext := filepath.Ext(name)
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", ".toml", ".json":
	default:
		return "", "", false
	}
	base := strings.TrimSuffix(filepath.Base(name), ext)
	if base == "" || strings.HasPrefix(base, ".") {
		return "", "", false
	}
	if factory, instance, found := strings.Cut(base, FactorySeparator); found {
		if factory == "" || instance == "" {
			return "", "", false
		}
		return base, factory, true
	}
	return base, "", true
}

// DecodeFile reads one configuration file into a property map.
func DecodeFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	props := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &props)
	case ".toml":
		err = toml.Unmarshal(data, &props)
	case ".json":
		err = json.Unmarshal(data, &props)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return props, nil
}

// Load scans the directory once, applying new and changed files and deleting
// configurations whose file has disappeared.
func (w *FileWatcher) Load() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scanning configuration directory: %w", err)
	}

	seen := make(map[string]bool)
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if _, _, ok := ParseFileName(path); !ok {
			continue
		}
		seen[path] = true
		if err := w.apply(path); err != nil {
			errs = append(errs, err)
		}
	}

	w.mu.Lock()
	var gone []string
	for path := range w.known {
		if !seen[path] {
			gone = append(gone, path)
		}
	}
	w.mu.Unlock()
	for _, path := range gone {
		w.remove(path)
	}
	return errors.Join(errs...)
}

func (w *FileWatcher) apply(path string) error {
	pid, factoryPID, ok := ParseFileName(path)
	if !ok {
		return nil
	}
	props, err := DecodeFile(path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("Skipping configuration file", "path", path, "error", err)
		}
		return err
	}
	changed, err := w.store.Put(pid, factoryPID, props)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.known[path] = pid
	w.mu.Unlock()

	if changed && w.logger != nil {
		w.logger.Debug("Applied configuration file", "path", path, "pid", pid)
	}
	return nil
}

func (w *FileWatcher) remove(path string) {
	w.mu.Lock()
	pid, ok := w.known[path]
	delete(w.known, path)
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := w.store.Delete(pid); err != nil && !errors.Is(err, ErrConfigurationNotFound) && w.logger != nil {
		w.logger.Error("Failed to delete configuration", "pid", pid, "error", err)
	}
	if w.logger != nil {
		w.logger.Debug("Removed configuration file", "path", path, "pid", pid)
	}
}

// Start loads the directory and keeps watching it until ctx is cancelled or
// Stop is called.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return ErrWatcherRunning
	}
	w.mu.Unlock()

	if err := w.Load(); err != nil && w.logger != nil {
		w.logger.Warn("Initial configuration scan incomplete", "dir", w.dir, "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	var scheduler *cron.Cron
	if w.schedule != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(w.schedule, w.rescan); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("invalid rescan schedule %q: %w", w.schedule, err)
		}
		scheduler.Start()
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = watcher
	w.cron = scheduler
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx, watcher)
	return nil
}

func (w *FileWatcher) rescan() {
	if err := w.Load(); err != nil && w.logger != nil {
		w.logger.Warn("Configuration rescan incomplete", "dir", w.dir, "error", err)
	}
}

func (w *FileWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Error("Configuration watcher error", "error", err)
			}
		}
	}
}

func (w *FileWatcher) handle(ev fsnotify.Event) {
	if _, _, ok := ParseFileName(ev.Name); !ok {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.remove(ev.Name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		_ = w.apply(ev.Name)
	}
}

// Stop ends watching. Configurations already in the store are kept.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	watcher, scheduler, cancel := w.watcher, w.cron, w.cancel
	w.watcher, w.cron, w.cancel = nil, nil, nil
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	cancel()
	err := watcher.Close()
	w.wg.Wait()
	return err
}
