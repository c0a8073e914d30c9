package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/router"
)

// HostLister supplies the hosts to monitor. It is consulted every tick.
type HostLister interface {
	Hosts(ctx context.Context) ([]router.Host, error)
}

// HostRunner runs one cycle for one host. Runner implements it.
type HostRunner interface {
	RunHost(ctx context.Context, host router.Host) (*CycleReport, error)
}

// ErrUnknownHost is returned by Lookup for a host that is not monitored.
var ErrUnknownHost = errors.New("unknown host")

// StaticHosts is a fixed host list, usually read from configuration.
type StaticHosts []router.Host

func (s StaticHosts) Hosts(context.Context) ([]router.Host, error) {
	return s, nil
}

// Lookup returns the host called name.
func (s StaticHosts) Lookup(name string) (router.Host, error) {
	for _, h := range s {
		if h.Name == name {
			return h, nil
		}
	}
	return router.Host{}, fmt.Errorf("%w: %q", ErrUnknownHost, name)
}

// Scheduler runs host cycles on a periodic interval using a worker pool.
// A host whose previous cycle is still running is skipped; a host that
// disappears from the host list has its running cycle cancelled.
type Scheduler struct {
	hosts  HostLister
	runner HostRunner
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// sem bounds running cycles across overlapping ticks.
	sem chan struct{}

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
}

// NewScheduler creates a scheduler that dispatches host cycles to runner.
func NewScheduler(hosts HostLister, runner HostRunner, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Scheduler{
		hosts:    hosts,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
		sem:      make(chan struct{}, cfg.Workers),
		inFlight: make(map[string]context.CancelFunc),
	}
}

// Start begins the scheduling loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		// Run immediately on start, then on each tick.
		s.tick()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop cancels running cycles and waits for them to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Running reports whether the scheduling loop is active.
func (s *Scheduler) Running() bool {
	return s.ctx != nil && s.ctx.Err() == nil
}

// tick loads the host list, cancels cycles of removed hosts and starts a
// cycle for every idle host. Cycles run in the background bounded by the
// worker count, so a slow host never delays the next tick.
func (s *Scheduler) tick() {
	listCtx, cancel := context.WithTimeout(s.ctx, s.cfg.Interval)
	hosts, err := s.hosts.Hosts(listCtx)
	cancel()
	if err != nil {
		s.logger.Warn("scheduler: failed to list hosts", zap.Error(err))
		return
	}

	s.cancelRemoved(hosts)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var wg sync.WaitGroup

	dispatch:
		for _, host := range hosts {
			cycleCtx, ok := s.claim(host.Name)
			if !ok {
				s.logger.Debug("previous cycle still running, skipping host", zap.String("host", host.Name))
				continue
			}

			select {
			case <-s.ctx.Done():
				s.release(host.Name)
				break dispatch
			case <-cycleCtx.Done():
				// Removed while waiting for a worker.
				s.release(host.Name)
				continue
			case s.sem <- struct{}{}:
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-s.sem }()
				defer s.release(host.Name)
				s.run(cycleCtx, host)
			}()
		}
		wg.Wait()
	}()
}

func (s *Scheduler) run(ctx context.Context, host router.Host) {
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}
	if _, err := s.runner.RunHost(ctx, host); err != nil {
		if ctx.Err() != nil {
			s.logger.Info("host cycle abandoned",
				zap.String("host", host.Name),
				zap.Error(ctx.Err()),
			)
			return
		}
		s.logger.Warn("host cycle failed", zap.String("host", host.Name), zap.Error(err))
	}
}

// claim registers a cycle for host and returns its context, or false when
// one is already running.
func (s *Scheduler) claim(host string) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[host]; busy {
		return nil, false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.inFlight[host] = cancel
	return ctx, true
}

func (s *Scheduler) release(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.inFlight[host]; ok {
		cancel()
		delete(s.inFlight, host)
	}
}

func (s *Scheduler) cancelRemoved(hosts []router.Host) {
	current := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		current[h.Name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, cancel := range s.inFlight {
		if !current[name] {
			s.logger.Info("host removed, cancelling its cycle", zap.String("host", name))
			cancel()
		}
	}
}
