package rules

import (
	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/pkg/check"
	"go.uber.org/zap"
)

// Store supplies rules and overrides. Returned values are read-only.
type Store interface {
	// RulesForGroup returns the rules of group in administrator order.
	RulesForGroup(group string) []Rule
	// OverrideFor returns the explicit parameters of one service, if any.
	OverrideFor(host string, id check.ServiceID) (check.Params, bool)
}

// Snapshotter is implemented by stores that can change at runtime. A
// snapshot stays consistent however the store changes afterwards.
type Snapshotter interface {
	Snapshot() Store
}

// DefaultsSource looks up registered default parameters by name.
type DefaultsSource interface {
	DefaultsFor(name string) (check.Params, error)
}

// Resolver resolves the effective parameters of discovered services.
type Resolver struct {
	store    Store
	defaults DefaultsSource
	logger   *zap.Logger
}

// NewResolver creates a resolver. A nil store means no rules.
func NewResolver(store Store, defaults DefaultsSource, logger *zap.Logger) *Resolver {
	if store == nil {
		store = EmptyStore{}
	}
	return &Resolver{store: store, defaults: defaults, logger: logger}
}

// Pin returns a resolver bound to the current snapshot of the store, for
// use during one cycle.
func (r *Resolver) Pin() *Resolver {
	s, ok := r.store.(Snapshotter)
	if !ok {
		return r
	}
	return &Resolver{store: s.Snapshot(), defaults: r.defaults, logger: r.logger}
}

// Effective returns the parameters def is evaluated with for svc on host.
// The layers, lowest first: registered defaults, parameters proposed by
// discovery, matching rules of the plugin group, the service override.
func (r *Resolver) Effective(host router.Host, def check.Definition, svc check.DiscoveredService) check.Params {
	var base check.Params
	if def.DefaultParams != "" && r.defaults != nil {
		p, err := r.defaults.DefaultsFor(def.DefaultParams)
		if err != nil {
			r.logger.Warn("default parameters unavailable",
				zap.String("plugin", def.Name),
				zap.String("defaults", def.DefaultParams),
				zap.Error(err),
			)
		} else {
			base = p
		}
	}
	base = Merge(base, svc.Params)

	target := Target{
		Host:        host.Name,
		Tags:        host.Tags,
		Service:     svc.ServiceID,
		Description: svc.Description,
	}
	override, _ := r.store.OverrideFor(host.Name, svc.ServiceID)
	return Resolve(base, r.store.RulesForGroup(def.Group), override, target)
}

// EmptyStore has no rules and no overrides.
type EmptyStore struct{}

func (EmptyStore) RulesForGroup(string) []Rule { return nil }

func (EmptyStore) OverrideFor(string, check.ServiceID) (check.Params, bool) { return nil, false }
