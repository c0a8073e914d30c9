package fetch

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/pkg/check"
)

// PingSection is the section produced by the ICMP fetcher. Its single
// record is: average RTT in milliseconds, packet loss in percent, packets
// sent, packets received.
const PingSection = "icmp"

// PingConfig holds ICMP probe settings.
type PingConfig struct {
	Count      int           `mapstructure:"count"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Privileged bool          `mapstructure:"privileged"`
}

// DefaultPingConfig returns sensible ICMP defaults.
func DefaultPingConfig() PingConfig {
	return PingConfig{
		Count:      3,
		Timeout:    3 * time.Second,
		Privileged: runtime.GOOS == "windows",
	}
}

// Ping probes a host with ICMP echo requests. An unreachable host is not a
// fetch error: the section reports 100% loss so that a check can alert.
type Ping struct {
	cfg    PingConfig
	logger *zap.Logger
}

// NewPing creates an ICMP fetcher.
func NewPing(cfg PingConfig, logger *zap.Logger) *Ping {
	if cfg.Count <= 0 {
		cfg.Count = DefaultPingConfig().Count
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPingConfig().Timeout
	}
	return &Ping{cfg: cfg, logger: logger}
}

func (p *Ping) Fetch(ctx context.Context, host router.Host, origin check.Origin) ([]check.RawSection, error) {
	addr := hostAddress(host, origin)
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return nil, fmt.Errorf("create pinger for %s: %w", addr, err)
	}
	pinger.Count = p.cfg.Count
	pinger.Timeout = p.cfg.Timeout
	pinger.SetPrivileged(p.cfg.Privileged)

	// Run with context for cancellation support.
	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("ping %s: %w", addr, err)
	}

	stats := pinger.Statistics()
	p.logger.Debug("ping finished",
		zap.String("host", host.Name),
		zap.String("addr", addr),
		zap.Int("sent", stats.PacketsSent),
		zap.Int("recv", stats.PacketsRecv),
		zap.Duration("avg_rtt", stats.AvgRtt),
	)
	return []check.RawSection{PingRecord(stats)}, nil
}

// PingRecord renders probe statistics as the icmp section.
func PingRecord(stats *probing.Statistics) check.RawSection {
	rtt := float64(stats.AvgRtt) / float64(time.Millisecond)
	return check.RawSection{
		Name: PingSection,
		Records: [][]string{{
			strconv.FormatFloat(rtt, 'f', 3, 64),
			strconv.FormatFloat(stats.PacketLoss, 'f', 1, 64),
			strconv.Itoa(stats.PacketsSent),
			strconv.Itoa(stats.PacketsRecv),
		}},
	}
}
