package hook

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Source serves the current Registry and reloads it when the file changes.
// A malformed reload keeps the previous registry.
type Source struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Registry]

	mu        sync.Mutex
	listeners []func(*Registry)
}

// NewSource loads path. The initial load must succeed.
func NewSource(path string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve hook config path: %w", err)
	}
	r, err := Load(abs)
	if err != nil {
		return nil, err
	}
	s := &Source{path: abs, logger: logger.With("hook_config", abs)}
	s.current.Store(r)
	return s, nil
}

// Registry returns the current snapshot.
func (s *Source) Registry() *Registry {
	return s.current.Load()
}

// Lookup resolves a hook against the current snapshot.
func (s *Source) Lookup(name string) (Hook, error) {
	return s.current.Load().Lookup(name)
}

// OnReload registers fn to run after each successful reload.
func (s *Source) OnReload(fn func(*Registry)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Reload re-reads the file. On error the previous registry stays active.
func (s *Source) Reload() error {
	r, err := Load(s.path)
	if err != nil {
		s.logger.Error("hook config reload rejected; keeping previous configuration", "error", err)
		return err
	}
	s.current.Store(r)
	s.logger.Info("hook config reloaded", "hooks", len(r.hooks))

	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(r)
	}
	return nil
}

// Watch reloads the file on change until ctx ends. The parent directory is
// watched so editors that replace the file by rename are handled.
func (s *Source) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create hook config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(reloadDebounce)
		case <-debounce.C:
			_ = s.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("hook config watcher error", "error", err)
		}
	}
}
