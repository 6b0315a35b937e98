// Package hook loads the versioned hook configuration document and decides
// how each hook's deliveries are dispatched into the pipeline.
package hook

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onnwee/hookpulse/internal/event"
)

// SupportedVersion is the only configuration document version understood.
const SupportedVersion = 1

// Timeout limits.
const (
	DefaultTimeout = 5 * time.Second
	MaxTimeout     = 10 * time.Minute
)

// Configuration errors.
var (
	ErrInvalidConfig = errors.New("invalid hook configuration")
	ErrUnknownHook   = errors.New("unknown hook")
	ErrHookDisabled  = errors.New("hook disabled")
)

// Mode is how a delivery waits for the pipeline.
type Mode string

// Dispatch modes.
const (
	// ModeBlocking waits for the event to be persisted or the timeout.
	ModeBlocking Mode = "blocking"
	// ModeDetached returns as soon as the event is queued.
	ModeDetached Mode = "detached"
)

// Strategy is a dispatch mode with its deadline.
type Strategy struct {
	Mode    Mode
	Timeout time.Duration
}

// Blocking returns a blocking strategy.
func Blocking(timeout time.Duration) Strategy { return Strategy{Mode: ModeBlocking, Timeout: timeout} }

// Detached returns a detached strategy.
func Detached(timeout time.Duration) Strategy { return Strategy{Mode: ModeDetached, Timeout: timeout} }

// Hook is a validated hook definition.
type Hook struct {
	Name    string        `json:"name"`
	Enabled bool          `json:"enabled"`
	Script  string        `json:"script"`
	Trigger event.Trigger `json:"trigger"`
	Timeout time.Duration `json:"-"`
	Async   bool          `json:"async"`
}

// Strategy returns the dispatch strategy for deliveries of h.
func (h Hook) Strategy() Strategy {
	if h.Async {
		return Detached(h.Timeout)
	}
	return Blocking(h.Timeout)
}

type document struct {
	Version *int                `yaml:"version"`
	Hooks   map[string]*rawHook `yaml:"hooks"`
}

type rawHook struct {
	Enabled   *bool  `yaml:"enabled"`
	Script    string `yaml:"script"`
	Trigger   string `yaml:"trigger"`
	TimeoutMs *int   `yaml:"timeout_ms"`
	Async     bool   `yaml:"async"`
}

// Registry is an immutable snapshot of the configured hooks.
type Registry struct {
	version  int
	hooks    map[string]Hook
	loadedAt time.Time
}

// Parse validates a YAML or JSON configuration document. Every problem
// found is reported in the returned error.
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var errs []error
	switch {
	case doc.Version == nil:
		errs = append(errs, fmt.Errorf("%w: version is required", ErrInvalidConfig))
	case *doc.Version != SupportedVersion:
		errs = append(errs, fmt.Errorf("%w: unsupported version %d", ErrInvalidConfig, *doc.Version))
	}
	if len(doc.Hooks) == 0 {
		errs = append(errs, fmt.Errorf("%w: no hooks defined", ErrInvalidConfig))
	}

	hooks := make(map[string]Hook, len(doc.Hooks))
	for name, raw := range doc.Hooks {
		h, err := validate(name, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		hooks[name] = h
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Registry{version: *doc.Version, hooks: hooks, loadedAt: time.Now()}, nil
}

func validate(name string, raw *rawHook) (Hook, error) {
	fail := func(format string, args ...any) (Hook, error) {
		return Hook{}, fmt.Errorf("%w: hook %q: %s", ErrInvalidConfig, name, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(name) == "" {
		return fail("name is empty")
	}
	if raw == nil {
		return fail("definition is empty")
	}
	if strings.TrimSpace(raw.Script) == "" {
		return fail("script is required")
	}
	if raw.Trigger == "" {
		return fail("trigger is required")
	}
	trigger, err := event.ParseTrigger(raw.Trigger)
	if err != nil {
		return fail("%v", err)
	}
	timeout := DefaultTimeout
	if raw.TimeoutMs != nil {
		timeout = time.Duration(*raw.TimeoutMs) * time.Millisecond
		if timeout <= 0 || timeout > MaxTimeout {
			return fail("timeout_ms must be in (0, %d]", MaxTimeout.Milliseconds())
		}
	}
	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}
	return Hook{
		Name:    name,
		Enabled: enabled,
		Script:  raw.Script,
		Trigger: trigger,
		Timeout: timeout,
		Async:   raw.Async,
	}, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hook config: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Version returns the document version.
func (r *Registry) Version() int { return r.version }

// LoadedAt returns when the snapshot was parsed.
func (r *Registry) LoadedAt() time.Time { return r.loadedAt }

// Lookup returns an enabled hook by name.
func (r *Registry) Lookup(name string) (Hook, error) {
	h, ok := r.hooks[name]
	if !ok {
		return Hook{}, fmt.Errorf("%w: %q", ErrUnknownHook, name)
	}
	if !h.Enabled {
		return h, fmt.Errorf("%w: %q", ErrHookDisabled, name)
	}
	return h, nil
}

// Hooks returns every hook ordered by name.
func (r *Registry) Hooks() []Hook {
	out := make([]Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForTrigger returns the enabled hooks bound to a trigger, ordered by name.
func (r *Registry) ForTrigger(t event.Trigger) []Hook {
	var out []Hook
	for _, h := range r.Hooks() {
		if h.Enabled && h.Trigger == t {
			out = append(out, h)
		}
	}
	return out
}
