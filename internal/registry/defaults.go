package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/HerbHall/vigil/pkg/check"
)

// ErrUnknownDefaults is returned for default-parameter names never registered.
var ErrUnknownDefaults = errors.New("unknown default parameters")

// Defaults maps names to default parameter values. Values are cloned on the
// way in and on the way out so callers never share them.
type Defaults struct {
	mu     sync.RWMutex
	values map[string]check.Params
	frozen bool
}

// NewDefaults creates an empty default-parameters registry.
func NewDefaults() *Defaults {
	return &Defaults{values: make(map[string]check.Params)}
}

// RegisterDefaults stores params under name.
func (d *Defaults) RegisterDefaults(name string, params check.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frozen {
		return fmt.Errorf("register defaults %q: %w", name, ErrFrozen)
	}
	if name == "" {
		return fmt.Errorf("default parameters have empty name")
	}
	if params == nil {
		return fmt.Errorf("default parameters %q are nil", name)
	}
	if _, exists := d.values[name]; exists {
		return fmt.Errorf("default parameters %q: %w", name, ErrDuplicateName)
	}
	d.values[name] = params.Clone()
	return nil
}

// DefaultsFor returns a private copy of the parameters stored under name.
func (d *Defaults) DefaultsFor(name string) (check.Params, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDefaults, name)
	}
	return p.Clone(), nil
}

// Has reports whether name is registered.
func (d *Defaults) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.values[name]
	return ok
}

// Names returns the registered names sorted.
func (d *Defaults) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.values))
	for n := range d.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d *Defaults) freeze() {
	d.mu.Lock()
	d.frozen = true
	d.mu.Unlock()
}
