package discovery

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/HerbHall/vigil/internal/metrics"
	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/pkg/check"
	"go.uber.org/zap"
)

// Discoverer is implemented by Engine.
type Discoverer interface {
	Run(ctx context.Context, host router.Host, sections check.Sections) (Outcome, error)
}

// Cache runs discovery at most once per TTL per host and keeps the stored
// inventory in between. The inventory is only rewritten when it changed.
type Cache struct {
	engine Discoverer
	store  InventoryStore
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	lastRuns map[string]time.Time
}

// NewCache wraps engine with a per-host TTL. A zero ttl rediscovers on
// every call.
func NewCache(engine Discoverer, store InventoryStore, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		engine:   engine,
		store:    store,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
		lastRuns: make(map[string]time.Time),
	}
}

// Inventory is the services of one host for one cycle. A rediscovered
// inventory is pending until passed to Commit.
type Inventory struct {
	Host     string
	Services []check.DiscoveredService
	// Changes is nil when the stored inventory was served as-is.
	Changes *Changes

	// partial is set when a plugin or an origin failed, so the run must not
	// count against the TTL.
	partial bool
}

// Services returns the inventory of host, rediscovering it from sections
// when the cached one expired. Nothing is written until Commit.
//
// failed lists the origins whose fetch failed this cycle. Stored services
// routed to the side of a failed origin are kept as they are, as are the
// stored services of plugins whose discovery faulted; they then evaluate to
// "data source vanished" instead of being removed or rerouted. A snapshot
// without any section keeps the whole stored inventory.
func (c *Cache) Services(ctx context.Context, host router.Host, sections check.Sections, failed []check.Origin) (*Inventory, error) {
	stored, err := c.store.Load(ctx, host.Name)
	if err != nil {
		return nil, fmt.Errorf("load inventory of %s: %w", host.Name, err)
	}

	if c.fresh(host.Name) || (len(sections) == 0 && len(stored) > 0) {
		return &Inventory{Host: host.Name, Services: stored}, nil
	}

	out, err := c.engine.Run(ctx, host, sections)
	if err != nil {
		return nil, err
	}

	degraded := make(map[check.Source]bool, len(failed))
	for _, origin := range failed {
		degraded[origin.Source()] = true
	}
	current := preserve(stored, out.Services, func(svc check.DiscoveredService) bool {
		return degraded[svc.Source] || slices.Contains(out.Faulted, svc.Plugin)
	})

	diff := Diff(stored, current)
	return &Inventory{
		Host:     host.Name,
		Services: current,
		Changes:  &diff,
		partial:  len(degraded) > 0 || len(out.Faulted) > 0,
	}, nil
}

// Commit stores a rediscovered inventory and starts its TTL. Inventories
// served from the store are a no-op.
func (c *Cache) Commit(ctx context.Context, inv *Inventory) error {
	if inv == nil || inv.Changes == nil {
		return nil
	}
	if !inv.Changes.Empty() {
		if err := c.store.Replace(ctx, inv.Host, inv.Services); err != nil {
			return fmt.Errorf("store inventory of %s: %w", inv.Host, err)
		}
		c.logger.Info("inventory changed",
			zap.String("host", inv.Host),
			zap.Int("added", len(inv.Changes.Added)),
			zap.Int("removed", len(inv.Changes.Removed)),
			zap.Int("changed", len(inv.Changes.Changed)),
			zap.Bool("partial", inv.partial),
		)
	}

	if !inv.partial {
		c.mu.Lock()
		c.lastRuns[inv.Host] = c.now()
		c.mu.Unlock()
	}

	metrics.DiscoveredServices(inv.Host, len(inv.Services))
	return nil
}

// Invalidate forces the next Services call for host to rediscover.
func (c *Cache) Invalidate(host string) {
	c.mu.Lock()
	delete(c.lastRuns, host)
	c.mu.Unlock()
}

func (c *Cache) fresh(host string) bool {
	if c.ttl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastRuns[host]
	return ok && c.now().Sub(last) < c.ttl
}

// preserve returns current with every stored service matching keep carried
// over unchanged. A kept service replaces the rediscovered one with the same
// identity in place; kept services that were not rediscovered are appended
// in stored order.
func preserve(stored, current []check.DiscoveredService, keep func(check.DiscoveredService) bool) []check.DiscoveredService {
	kept := make(map[check.ServiceID]check.DiscoveredService)
	for _, svc := range stored {
		if keep(svc) {
			kept[svc.ServiceID] = svc
		}
	}
	if len(kept) == 0 {
		return current
	}

	out := make([]check.DiscoveredService, 0, len(current)+len(kept))
	placed := make(map[check.ServiceID]bool, len(kept))
	for _, svc := range current {
		if old, ok := kept[svc.ServiceID]; ok {
			out = append(out, old)
			placed[svc.ServiceID] = true
			continue
		}
		out = append(out, svc)
	}
	for _, svc := range stored {
		if _, ok := kept[svc.ServiceID]; ok && !placed[svc.ServiceID] {
			out = append(out, svc)
		}
	}
	return out
}
