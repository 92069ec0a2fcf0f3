package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultDebounce coalesces the bursts of write events editors produce
// into one reload.
const DefaultDebounce = 100 * time.Millisecond

// Loader reads a pipelines YAML file and watches it for changes.
type Loader struct {
	// Debounce is the quiet period after the last change before reloading.
	Debounce time.Duration

	path     string
	logger   *slog.Logger
	mu       sync.RWMutex
	current  *PipelinesFile
	onChange []func(*PipelinesFile)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	l := &Loader{path: path, Debounce: DefaultDebounce, logger: logger.With("component", "pipelines-file", "path", path)}
	file, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = file
	return l, nil
}

// Path returns the watched file path.
func (l *Loader) Path() string { return l.path }

// Pipelines returns the current (latest) file contents.
func (l *Loader) Pipelines() *PipelinesFile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the file reloads.
func (l *Loader) OnChange(fn func(*PipelinesFile)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that reloads the file on change.
// The parent directory is watched so editors that replace the file by
// rename are still picked up. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pipelines watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("pipelines watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					pending = time.After(l.Debounce)
				}
			case <-pending:
				pending = nil
				if _, err := l.Reload(); err != nil {
					l.logger.Warn("pipelines reload skipped, keeping previous file", "err", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("pipelines watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the file and notifies callbacks.
func (l *Loader) Reload() (*PipelinesFile, error) {
	file, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = file
	callbacks := make([]func(*PipelinesFile), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(file)
	}
	return file, nil
}

func (l *Loader) load() (*PipelinesFile, error) {
	return ReadPipelines(l.path)
}

// ReadPipelines parses a pipelines file without watching it.
func ReadPipelines(path string) (*PipelinesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipelines %s: %w", path, err)
	}
	var file PipelinesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pipelines %s: %w", path, err)
	}
	return &file, nil
}
