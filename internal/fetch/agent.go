// Package fetch acquires raw sections from the data sources a host is
// monitored through: the TCP agent, SNMP, ICMP and local section files.
package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/pkg/check"
)

// DefaultAgentPort is the TCP port agents listen on.
const DefaultAgentPort = 6556

// maxAgentOutput bounds how much a single agent dump may contain.
const maxAgentOutput = 32 << 20

// AgentConfig holds agent connection settings.
type AgentConfig struct {
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultAgentConfig returns sensible agent defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Port:    DefaultAgentPort,
		Timeout: 10 * time.Second,
	}
}

// Agent reads the section dump an agent writes to every new TCP connection.
type Agent struct {
	cfg    AgentConfig
	logger *zap.Logger
}

// NewAgent creates an agent fetcher.
func NewAgent(cfg AgentConfig, logger *zap.Logger) *Agent {
	if cfg.Port <= 0 {
		cfg.Port = DefaultAgentPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAgentConfig().Timeout
	}
	return &Agent{cfg: cfg, logger: logger}
}

// Fetch connects to the agent of host and parses its output.
func (a *Agent) Fetch(ctx context.Context, host router.Host, origin check.Origin) ([]check.RawSection, error) {
	target := hostPort(hostAddress(host, origin), a.cfg.Port)

	dialer := net.Dialer{Timeout: a.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("connect to agent %s: %w", target, err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetReadDeadline(time.Now().Add(a.cfg.Timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	// Unblock the read when the cycle is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sections, err := ParseAgentOutput(io.LimitReader(conn, maxAgentOutput))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read agent %s: %w", target, err)
	}

	a.logger.Debug("agent output received",
		zap.String("host", host.Name),
		zap.String("target", target),
		zap.Int("sections", len(sections)),
	)
	return sections, nil
}

// ParseAgentOutput splits agent output into sections. A header line
// "<<<name>>>" starts a section whose records are whitespace separated;
// "<<<name:sep(N)>>>" separates fields by the character with code N.
// Other header options are ignored. Piggyback blocks ("<<<<host>>>>") are
// skipped, as are lines outside any section. Repeated sections are joined.
func ParseAgentOutput(r io.Reader) ([]check.RawSection, error) {
	var (
		out       []check.RawSection
		index     = make(map[string]int)
		current   = -1
		sep       rune
		piggyback bool
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if strings.HasPrefix(line, "<<<<") && strings.HasSuffix(line, ">>>>") {
			piggyback = line != "<<<<>>>>"
			current = -1
			continue
		}
		if piggyback {
			continue
		}

		if strings.HasPrefix(line, "<<<") && strings.HasSuffix(line, ">>>") {
			name, s := parseHeader(line[3 : len(line)-3])
			if name == "" {
				current = -1
				continue
			}
			sep = s
			i, ok := index[name]
			if !ok {
				i = len(out)
				index[name] = i
				out = append(out, check.RawSection{Name: name})
			}
			current = i
			continue
		}

		if current < 0 || strings.TrimSpace(line) == "" {
			continue
		}
		out[current].Records = append(out[current].Records, splitRecord(line, sep))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseHeader returns the section name and field separator of a header.
// A zero separator means whitespace.
func parseHeader(header string) (string, rune) {
	parts := strings.Split(header, ":")
	var sep rune
	for _, opt := range parts[1:] {
		if !strings.HasPrefix(opt, "sep(") || !strings.HasSuffix(opt, ")") {
			continue
		}
		n, err := strconv.Atoi(opt[4 : len(opt)-1])
		if err == nil && n > 0 {
			sep = rune(n)
		}
	}
	return strings.TrimSpace(parts[0]), sep
}

func splitRecord(line string, sep rune) []string {
	if sep == 0 {
		return strings.Fields(line)
	}
	return strings.Split(line, string(sep))
}

// hostAddress picks the address to contact for origin.
func hostAddress(host router.Host, origin check.Origin) string {
	if origin.Source() == check.SourceMgmt && host.MgmtAddress != "" {
		return host.MgmtAddress
	}
	if host.Address != "" {
		return host.Address
	}
	return host.Name
}

// hostPort appends port unless addr already carries one.
func hostPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}
