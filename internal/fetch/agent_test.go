package fetch

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/internal/testutil"
	"github.com/HerbHall/vigil/pkg/check"
)

const sampleAgentOutput = `<<<check_mk>>>
Version: 2.3.0
AgentOS: linux
<<<df>>>
/dev/sda1     ext4  41152736 10485760 28550864  27% /
/dev/sdb1     xfs   10475520  9437184  1038336  91% /var

<<<av_signature:sep(59)>>>
ClamAV;1719216000;0.103.11
<<<<dockerhost>>>>
<<<df>>>
overlay overlay 1 1 0 100% /
<<<<>>>>
<<<cpu_load>>>
0.52 0.58 0.59 4
<<<df>>>
tmpfs tmpfs 1024 0 1024 0% /run
`

func TestParseAgentOutput(t *testing.T) {
	secs, err := ParseAgentOutput(strings.NewReader(sampleAgentOutput))
	if err != nil {
		t.Fatalf("ParseAgentOutput() error = %v", err)
	}

	names := make([]string, len(secs))
	for i, s := range secs {
		names[i] = s.Name
	}
	if got, want := strings.Join(names, ","), "check_mk,df,av_signature,cpu_load"; got != want {
		t.Fatalf("section names = %s, want %s", got, want)
	}

	sections := check.Sections(secs)
	df := sections.Records("df")
	if len(df) != 3 {
		t.Fatalf("df records = %d, want 3 (piggyback data excluded, repeats joined)", len(df))
	}
	if df[1][6] != "/var" || df[2][6] != "/run" {
		t.Errorf("df mount points = %q, %q", df[1][6], df[2][6])
	}

	av := sections.Records("av_signature")
	if len(av) != 1 || len(av[0]) != 3 || av[0][1] != "1719216000" {
		t.Errorf("av_signature records = %q", av)
	}
}

func TestParseAgentOutput_Headers(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantSec string
		wantSep rune
	}{
		{"plain", "df", "df", 0},
		{"separator", "mssql:sep(124)", "mssql", '|'},
		{"options ignored", "logwatch:cached(1719216000,300):sep(0)", "logwatch", 0},
		{"reset", "", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, sep := parseHeader(tt.header)
			if name != tt.wantSec || sep != tt.wantSep {
				t.Errorf("parseHeader(%q) = %q, %q; want %q, %q", tt.header, name, sep, tt.wantSec, tt.wantSep)
			}
		})
	}
}

func TestParseAgentOutput_IgnoresLinesOutsideSections(t *testing.T) {
	secs, err := ParseAgentOutput(strings.NewReader("garbage\n<<<df>>>\na b\n<<<>>>\nstray\n"))
	if err != nil {
		t.Fatalf("ParseAgentOutput() error = %v", err)
	}
	if len(secs) != 1 || len(secs[0].Records) != 1 {
		t.Errorf("sections = %+v, want one df record", secs)
	}
}

// serveOnce answers one connection with payload and returns the listener port.
func serveOnce(t *testing.T, payload string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte(payload))
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestAgent_Fetch(t *testing.T) {
	port := serveOnce(t, sampleAgentOutput)
	a := NewAgent(AgentConfig{Port: port, Timeout: 2 * time.Second}, zap.NewNop())
	host := testutil.NewHost("srv1", func(h *router.Host) { h.Address = "127.0.0.1" })

	secs, err := a.Fetch(context.Background(), host, check.OriginAgent)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(secs) != 4 {
		t.Errorf("Fetch() = %d sections, want 4", len(secs))
	}
}

func TestAgent_FetchConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	a := NewAgent(AgentConfig{Timeout: time.Second}, zap.NewNop())
	host := testutil.NewHost("srv1", func(h *router.Host) { h.Address = addr })
	if _, err := a.Fetch(context.Background(), host, check.OriginAgent); err == nil {
		t.Error("Fetch() error = nil, want connection error")
	}
}

func TestAgent_FetchCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	// Accept but never answer.
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			time.Sleep(2 * time.Second)
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	a := NewAgent(AgentConfig{Timeout: 5 * time.Second}, zap.NewNop())
	host := testutil.NewHost("srv1", func(h *router.Host) { h.Address = ln.Addr().String() })

	start := time.Now()
	_, err = a.Fetch(ctx, host, check.OriginAgent)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Fetch() did not return promptly after cancellation")
	}
}

func TestHostAddress(t *testing.T) {
	host := router.Host{Name: "srv1", Address: "10.0.0.5", MgmtAddress: "10.0.1.5"}
	if got := hostAddress(host, check.OriginAgent); got != "10.0.0.5" {
		t.Errorf("agent address = %q", got)
	}
	if got := hostAddress(host, check.OriginIPMI); got != "10.0.1.5" {
		t.Errorf("ipmi address = %q", got)
	}
	if got := hostAddress(router.Host{Name: "srv2"}, check.OriginMgmt); got != "srv2" {
		t.Errorf("fallback address = %q", got)
	}
	if got := hostPort("10.0.0.5", 6556); got != "10.0.0.5:"+strconv.Itoa(6556) {
		t.Errorf("hostPort = %q", got)
	}
	if got := hostPort("10.0.0.5:7000", 6556); got != "10.0.0.5:7000" {
		t.Errorf("hostPort kept port = %q", got)
	}
}
