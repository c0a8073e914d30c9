// Package discovery turns the raw sections of a host into its inventory of
// monitored services.
package discovery

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/HerbHall/vigil/internal/isolate"
	"github.com/HerbHall/vigil/internal/metrics"
	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/pkg/check"
	"go.uber.org/zap"
)

// Catalog is the read side of the plugin registry used by discovery.
type Catalog interface {
	All() iter.Seq[check.Definition]
}

// Config holds discovery tuning.
type Config struct {
	PluginTimeout time.Duration `mapstructure:"plugin_timeout"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// DefaultConfig returns the discovery defaults.
func DefaultConfig() Config {
	return Config{
		PluginTimeout: 10 * time.Second,
		CacheTTL:      2 * time.Hour,
	}
}

// Engine runs the discovery function of every registered plugin against
// the sections the router deems eligible.
type Engine struct {
	catalog Catalog
	router  *router.Router
	cfg     Config
	logger  *zap.Logger
}

// NewEngine creates a discovery engine.
func NewEngine(catalog Catalog, rt *router.Router, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		catalog: catalog,
		router:  rt,
		cfg:     cfg,
		logger:  logger,
	}
}

// Outcome is the result of one discovery run over a host.
type Outcome struct {
	Services []check.DiscoveredService
	// Faulted names the plugins whose discovery failed this run. Their
	// services are absent from Services.
	Faulted []string
}

// Discover returns the deduplicated services of host, ordered by plugin
// registration order and then by item. A plugin that fails contributes no
// services; the others are unaffected. If ctx is cancelled nothing is
// returned but ctx.Err().
func (e *Engine) Discover(ctx context.Context, host router.Host, sections check.Sections) ([]check.DiscoveredService, error) {
	out, err := e.Run(ctx, host, sections)
	if err != nil {
		return nil, err
	}
	return out.Services, nil
}

// Run is Discover, additionally reporting which plugins failed.
func (e *Engine) Run(ctx context.Context, host router.Host, sections check.Sections) (Outcome, error) {
	start := time.Now()
	var out Outcome

	for def := range e.catalog.All() {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		found, err := e.discoverPlugin(ctx, host, def, sections)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Outcome{}, ctxErr
			}
			fault := check.FaultPlugin
			if errors.Is(err, isolate.ErrTimeout) {
				fault = check.FaultTimeout
			}
			e.logger.Warn("discovery function failed",
				zap.String("host", host.Name),
				zap.String("plugin", def.Name),
				zap.String("fault", string(fault)),
				zap.Error(err),
			)
			metrics.PluginFault(def.Name, "discover", string(fault))
			out.Faulted = append(out.Faulted, def.Name)
			continue
		}
		out.Services = append(out.Services, found...)
	}

	metrics.ObserveStage("discover", time.Since(start))
	e.logger.Debug("discovery finished",
		zap.String("host", host.Name),
		zap.Int("services", len(out.Services)),
		zap.Int("faulted", len(out.Faulted)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// discoverPlugin runs one plugin over each eligible route and merges the
// candidates. Host-sourced candidates evict management-sourced ones with
// the same item. Any failing route fails the whole plugin.
func (e *Engine) discoverPlugin(ctx context.Context, host router.Host, def check.Definition, sections check.Sections) ([]check.DiscoveredService, error) {
	routes := e.router.Route(host, def, sections)
	if len(routes) == 0 {
		return nil, nil
	}

	byItem := make(map[string]check.DiscoveredService)
	for _, route := range routes {
		candidates, err := isolate.Call(ctx, e.cfg.PluginTimeout, func(ctx context.Context) ([]check.Discovered, error) {
			return def.Plugin.Discover(ctx, route.Sections)
		})
		if err != nil {
			return nil, err
		}

		for _, c := range candidates {
			existing, dup := byItem[c.Item]
			if dup && !(existing.Source == check.SourceMgmt && route.Source == check.SourceHost) {
				continue
			}
			if dup {
				e.logger.Debug("host candidate replaces management candidate",
					zap.String("host", host.Name),
					zap.String("plugin", def.Name),
					zap.String("item", c.Item),
				)
			}
			var params check.Params
			if c.Params != nil {
				params = c.Params.Clone()
			}
			byItem[c.Item] = check.DiscoveredService{
				ServiceID:   check.ServiceID{Plugin: def.Name, Item: c.Item},
				Description: def.ServiceDescription(c.Item),
				Source:      route.Source,
				Params:      params,
			}
		}
	}

	services := make([]check.DiscoveredService, 0, len(byItem))
	for _, svc := range byItem {
		services = append(services, svc)
	}
	slices.SortFunc(services, func(a, b check.DiscoveredService) int {
		return strings.Compare(a.Item, b.Item)
	})
	return services, nil
}
