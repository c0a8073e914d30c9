// Package execution evaluates discovered services with their effective
// parameters and turns every failure into an UNKNOWN result.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/vigil/internal/isolate"
	"github.com/HerbHall/vigil/internal/metrics"
	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/internal/rules"
	"github.com/HerbHall/vigil/pkg/check"
	"go.uber.org/zap"
)

// Catalog is the lookup side of the plugin registry.
type Catalog interface {
	Lookup(name string) (check.Definition, error)
}

// Config holds execution tuning.
type Config struct {
	PluginTimeout time.Duration `mapstructure:"plugin_timeout"`
	Workers       int           `mapstructure:"workers"`
}

// DefaultConfig returns the execution defaults.
func DefaultConfig() Config {
	return Config{
		PluginTimeout: 10 * time.Second,
		Workers:       8,
	}
}

// Engine invokes plugin evaluation functions.
type Engine struct {
	catalog  Catalog
	router   *router.Router
	resolver *rules.Resolver
	cfg      Config
	logger   *zap.Logger
}

// NewEngine creates an execution engine.
func NewEngine(catalog Catalog, rt *router.Router, resolver *rules.Resolver, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Engine{
		catalog:  catalog,
		router:   rt,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
	}
}

// Evaluate produces the result of one service. It never fails: every
// problem becomes an UNKNOWN result naming the service and the fault.
func (e *Engine) Evaluate(ctx context.Context, host router.Host, svc check.DiscoveredService, sections check.Sections) check.Result {
	return e.evaluate(ctx, e.resolver.Pin(), host, svc, sections)
}

// EvaluateAll evaluates services concurrently against one rule snapshot
// and returns their results in input order. If ctx is cancelled no result
// is returned at all.
func (e *Engine) EvaluateAll(ctx context.Context, host router.Host, services []check.DiscoveredService, sections check.Sections) ([]check.Result, error) {
	start := time.Now()
	resolver := e.resolver.Pin()
	results := make([]check.Result, len(services))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, svc := range services {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.evaluate(gctx, resolver, host, svc, sections)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	metrics.ObserveStage("execute", time.Since(start))
	return results, nil
}

func (e *Engine) evaluate(ctx context.Context, resolver *rules.Resolver, host router.Host, svc check.DiscoveredService, sections check.Sections) check.Result {
	def, err := e.catalog.Lookup(svc.Plugin)
	if err != nil {
		return e.fault(host, svc, check.FaultPlugin, err)
	}

	secs := e.router.SectionsFor(def, svc.Source, sections)
	if len(secs) == 0 {
		e.logger.Debug("data source vanished",
			zap.String("host", host.Name),
			zap.Stringer("service", svc.ServiceID),
			zap.String("source", string(svc.Source)),
		)
		metrics.CheckResult(svc.Plugin, check.Unknown.String())
		return check.UnknownResult(check.FaultSourceVanished,
			"%s: data source vanished (no %s data)", svc.ServiceID, svc.Source)
	}

	params := resolver.Effective(host, def, svc)
	result, err := isolate.Call(ctx, e.cfg.PluginTimeout, func(ctx context.Context) (check.Result, error) {
		return def.Plugin.Evaluate(ctx, svc.Item, params, secs)
	})
	if err != nil {
		return e.fault(host, svc, classify(err), err)
	}
	if !result.State.Valid() {
		return e.fault(host, svc, check.FaultMalformed, fmt.Errorf("invalid state %d", int(result.State)))
	}
	if strings.TrimSpace(result.Message) == "" {
		return e.fault(host, svc, check.FaultMalformed, errors.New("empty message"))
	}

	metrics.CheckResult(svc.Plugin, result.State.String())
	return result
}

func classify(err error) check.FaultKind {
	switch {
	case errors.Is(err, check.ErrShapeMismatch):
		return check.FaultShape
	case errors.Is(err, isolate.ErrTimeout):
		return check.FaultTimeout
	default:
		return check.FaultPlugin
	}
}

func (e *Engine) fault(host router.Host, svc check.DiscoveredService, kind check.FaultKind, err error) check.Result {
	e.logger.Warn("check evaluation failed",
		zap.String("host", host.Name),
		zap.Stringer("service", svc.ServiceID),
		zap.String("fault", string(kind)),
		zap.Error(err),
	)
	metrics.PluginFault(svc.Plugin, "evaluate", string(kind))
	metrics.CheckResult(svc.Plugin, check.Unknown.String())

	// Panic errors carry a stack trace; the message keeps the first line.
	msg, _, _ := strings.Cut(err.Error(), "\n")
	return check.UnknownResult(kind, "%s: %s: %s", svc.ServiceID, strings.ReplaceAll(string(kind), "_", " "), msg)
}
