// Package registry holds the catalog of check plugin definitions and the
// named default-parameter values they reference. Both are written once at
// startup and read-only afterwards.
package registry

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/HerbHall/vigil/pkg/check"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateName is returned when a plugin or default-parameters name
	// is registered twice.
	ErrDuplicateName = errors.New("name already registered")

	// ErrUnknownPlugin is returned by Lookup for names never registered.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrFrozen is returned by Register after Freeze was called.
	ErrFrozen = errors.New("registry is frozen")
)

// Registry is the catalog of check plugin definitions.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]check.Definition
	order    []string // registration order
	index    map[string]int
	defaults *Defaults
	frozen   bool
	logger   *zap.Logger
}

// New creates an empty registry. Definitions naming default parameters are
// validated against defaults; pass nil to skip that check.
func New(defaults *Defaults, logger *zap.Logger) *Registry {
	return &Registry{
		defs:     make(map[string]check.Definition),
		index:    make(map[string]int),
		defaults: defaults,
		logger:   logger,
	}
}

// Register adds a definition. Names are unique; re-registering a name is an
// error, never an overwrite.
func (r *Registry) Register(def check.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %q: %w", def.Name, ErrFrozen)
	}
	if def.Name == "" {
		return fmt.Errorf("plugin has empty name")
	}
	if def.Plugin == nil {
		return fmt.Errorf("plugin %q has no implementation", def.Name)
	}
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("plugin %q: %w", def.Name, ErrDuplicateName)
	}
	if def.DefaultParams != "" && r.defaults != nil && !r.defaults.Has(def.DefaultParams) {
		return fmt.Errorf("plugin %q references default parameters %q: %w",
			def.Name, def.DefaultParams, ErrUnknownDefaults)
	}

	def.Sections = append([]string(nil), def.Sections...)
	r.defs[def.Name] = def
	r.index[def.Name] = len(r.order)
	r.order = append(r.order, def.Name)

	r.logger.Info("check plugin registered",
		zap.String("name", def.Name),
		zap.String("group", def.Group),
		zap.Stringer("classification", def.Classification),
	)
	return nil
}

// Freeze ends the registration phase. Later Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	if r.defaults != nil {
		r.defaults.freeze()
	}
	r.logger.Info("plugin registry frozen", zap.Int("plugins", len(r.order)))
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (check.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return check.Definition{}, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}
	return detach(def), nil
}

// Index returns the registration position of name, or -1.
func (r *Registry) Index(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return -1
	}
	return i
}

// All returns the definitions in registration order. The sequence is lazy
// and can be ranged over any number of times.
func (r *Registry) All() iter.Seq[check.Definition] {
	return func(yield func(check.Definition) bool) {
		r.mu.RLock()
		names := r.order[:len(r.order):len(r.order)]
		r.mu.RUnlock()

		for _, name := range names {
			r.mu.RLock()
			def := detach(r.defs[name])
			r.mu.RUnlock()
			if !yield(def) {
				return
			}
		}
	}
}

// detach copies the mutable parts of def so callers cannot alter the
// registered definition.
func detach(def check.Definition) check.Definition {
	def.Sections = append([]string(nil), def.Sections...)
	return def
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Groups returns the distinct rule groups in first-registration order.
func (r *Registry) Groups() []string {
	seen := make(map[string]bool)
	var groups []string
	for def := range r.All() {
		if def.Group == "" || seen[def.Group] {
			continue
		}
		seen[def.Group] = true
		groups = append(groups, def.Group)
	}
	return groups
}

// Defaults returns the default-parameters registry, which may be nil.
func (r *Registry) Defaults() *Defaults {
	return r.defaults
}
