// Package pipeline runs the fetch, discovery and execution stages for one
// host per cycle and schedules cycles across hosts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/discovery"
	"github.com/HerbHall/vigil/internal/event"
	"github.com/HerbHall/vigil/internal/execution"
	"github.com/HerbHall/vigil/internal/metrics"
	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/pkg/check"
)

// ErrSourceUnavailable is returned by fetchers when a source has no data
// this cycle. It is not a failure of the cycle.
var ErrSourceUnavailable = errors.New("source unavailable")

// Fetcher acquires the raw sections one origin provides for a host.
type Fetcher interface {
	Fetch(ctx context.Context, host router.Host, origin check.Origin) ([]check.RawSection, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, host router.Host, origin check.Origin) ([]check.RawSection, error)

func (f FetcherFunc) Fetch(ctx context.Context, host router.Host, origin check.Origin) ([]check.RawSection, error) {
	return f(ctx, host, origin)
}

// Origins returns the origins a host is monitored through, host side first.
func Origins(host router.Host) []check.Origin {
	var out []check.Origin
	if host.Agent {
		out = append(out, check.OriginAgent)
	}
	if host.SNMP {
		out = append(out, check.OriginSNMP)
	}
	if host.Mgmt {
		out = append(out, check.OriginMgmt, check.OriginIPMI)
	}
	return out
}

// ServiceResult is the result of one service in a cycle.
type ServiceResult struct {
	Service     check.ServiceID `json:"service"`
	Description string          `json:"description"`
	Source      check.Source    `json:"source"`
	Result      check.Result    `json:"result"`
}

// CycleReport is everything one completed host cycle produced.
type CycleReport struct {
	ID       string          `json:"id"`
	Host     string          `json:"host"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
	Worst    check.State     `json:"worst"`
	Results  []ServiceResult `json:"results"`
}

// InventoryChange is published when rediscovery changed a host's services.
type InventoryChange struct {
	CycleID string            `json:"cycle_id"`
	Host    string            `json:"host"`
	Added   []check.ServiceID `json:"added,omitempty"`
	Removed []check.ServiceID `json:"removed,omitempty"`
	Changed []check.ServiceID `json:"changed,omitempty"`
}

// Runner executes host cycles.
type Runner struct {
	fetchers  map[check.Origin]Fetcher
	inventory *discovery.Cache
	engine    *execution.Engine
	bus       *event.Bus
	cfg       Config
	logger    *zap.Logger
}

// NewRunner creates a runner. Origins without a fetcher yield no data.
// bus may be nil.
func NewRunner(fetchers map[check.Origin]Fetcher, inventory *discovery.Cache, engine *execution.Engine, bus *event.Bus, cfg Config, logger *zap.Logger) *Runner {
	return &Runner{
		fetchers:  fetchers,
		inventory: inventory,
		engine:    engine,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
	}
}

// RunHost runs one full cycle for host. If ctx ends at any point the cycle
// is abandoned: nothing is published and only ctx.Err() is returned.
func (r *Runner) RunHost(ctx context.Context, host router.Host) (*CycleReport, error) {
	report := &CycleReport{
		ID:      uuid.New().String(),
		Host:    host.Name,
		Started: time.Now().UTC(),
	}

	start := time.Now()
	snap := r.Gather(ctx, host)
	metrics.ObserveStage("fetch", time.Since(start))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inv, err := r.inventory.Services(ctx, host, snap.Sections, snap.Failed)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", host.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	services := inv.Services

	results, err := r.engine.EvaluateAll(ctx, host, services, snap.Sections)
	if err != nil {
		return nil, err
	}

	states := make([]check.State, len(results))
	report.Results = make([]ServiceResult, len(results))
	for i, res := range results {
		svc := services[i]
		report.Results[i] = ServiceResult{
			Service:     svc.ServiceID,
			Description: svc.Description,
			Source:      svc.Source,
			Result:      res,
		}
		states[i] = res.State
	}
	report.Worst = check.Worst(states...)
	report.Finished = time.Now().UTC()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The inventory is stored only for cycles that complete, so a change is
	// never persisted without being published.
	if err := r.inventory.Commit(ctx, inv); err != nil {
		return nil, err
	}
	if changes := inv.Changes; changes != nil && !changes.Empty() {
		r.publish(ctx, event.TopicInventoryChanged, InventoryChange{
			CycleID: report.ID,
			Host:    host.Name,
			Added:   serviceIDs(changes.Added),
			Removed: serviceIDs(changes.Removed),
			Changed: serviceIDs(changes.Changed),
		})
	}
	r.publish(ctx, event.TopicCheckResults, report)

	r.logger.Debug("host cycle finished",
		zap.String("host", host.Name),
		zap.String("cycle", report.ID),
		zap.Int("services", len(report.Results)),
		zap.Stringer("worst", report.Worst),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)),
	)
	return report, nil
}

// Snapshot is the outcome of one collection pass over a host.
type Snapshot struct {
	Sections check.Sections
	// Failed lists the origins whose fetch failed. Origins that merely had
	// no data are not listed.
	Failed []check.Origin
}

// Collect fetches the sections of every origin of host concurrently. A
// failing origin contributes nothing. The snapshot lists origins in the
// order Origins returns them.
func (r *Runner) Collect(ctx context.Context, host router.Host) check.Sections {
	return r.Gather(ctx, host).Sections
}

// Gather is Collect, additionally reporting the origins that failed.
func (r *Runner) Gather(ctx context.Context, host router.Host) Snapshot {
	origins := Origins(host)
	perOrigin := make([][]check.RawSection, len(origins))
	failed := make([]bool, len(origins))

	var wg sync.WaitGroup
	for i, origin := range origins {
		f, ok := r.fetchers[origin]
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			perOrigin[i], failed[i] = r.fetch(ctx, f, host, origin)
		}()
	}
	wg.Wait()

	var snap Snapshot
	for i, secs := range perOrigin {
		snap.Sections = append(snap.Sections, secs...)
		if failed[i] {
			snap.Failed = append(snap.Failed, origins[i])
		}
	}
	return snap
}

// fetch reports failed for fetch errors other than ErrSourceUnavailable.
func (r *Runner) fetch(ctx context.Context, f Fetcher, host router.Host, origin check.Origin) (secs []check.RawSection, failed bool) {
	fctx := ctx
	if r.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()
	}

	secs, err := f.Fetch(fctx, host, origin)
	switch {
	case err == nil:
	case errors.Is(err, ErrSourceUnavailable):
		r.logger.Debug("source unavailable",
			zap.String("host", host.Name),
			zap.String("origin", string(origin)),
			zap.Error(err),
		)
		return nil, false
	default:
		if ctx.Err() == nil {
			r.logger.Warn("fetch failed",
				zap.String("host", host.Name),
				zap.String("origin", string(origin)),
				zap.Error(err),
			)
			metrics.FetchFailure(string(origin))
		}
		return nil, true
	}

	// The origin is stamped here so fetchers cannot misroute data.
	for i := range secs {
		secs[i].Origin = origin
	}
	return secs, false
}

func (r *Runner) publish(ctx context.Context, topic string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, event.Event{
		Topic:     topic,
		Source:    "pipeline",
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

func serviceIDs(services []check.DiscoveredService) []check.ServiceID {
	if len(services) == 0 {
		return nil
	}
	out := make([]check.ServiceID, len(services))
	for i, svc := range services {
		out[i] = svc.ServiceID
	}
	return out
}
