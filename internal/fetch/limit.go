package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/pkg/check"
)

// LimitConfig bounds how often one target may be queried.
type LimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Limited wraps a fetcher with a per-target token bucket so that devices
// reached through several hosts (a shared management board, an SNMP proxy)
// are not queried in bursts. A fetch waits for a token or the context.
type Limited struct {
	next    pipeline.Fetcher
	rateVal rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[string]*limitEntry
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimited creates a rate-limited fetcher. A non-positive RPS disables
// limiting and returns next unchanged.
func NewLimited(next pipeline.Fetcher, cfg LimitConfig) pipeline.Fetcher {
	if cfg.RPS <= 0 {
		return next
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limited{
		next:     next,
		rateVal:  rate.Limit(cfg.RPS),
		burst:    cfg.Burst,
		limiters: make(map[string]*limitEntry),
	}
}

func (l *Limited) Fetch(ctx context.Context, host router.Host, origin check.Origin) ([]check.RawSection, error) {
	target := string(origin) + "/" + hostAddress(host, origin)
	if err := l.limiter(target).Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for %s: %w", target, err)
	}
	return l.next.Fetch(ctx, host, origin)
}

func (l *Limited) limiter(target string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[target]
	if !ok {
		if len(l.limiters) >= 10000 {
			l.cleanup()
		}
		e = &limitEntry{limiter: rate.NewLimiter(l.rateVal, l.burst)}
		l.limiters[target] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// cleanup removes entries not seen in the last hour.
// Must be called with l.mu held.
func (l *Limited) cleanup() {
	cutoff := time.Now().Add(-time.Hour)
	for target, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, target)
		}
	}
}
