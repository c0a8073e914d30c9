package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/discovery"
	"github.com/HerbHall/vigil/internal/event"
	"github.com/HerbHall/vigil/internal/execution"
	"github.com/HerbHall/vigil/internal/registry"
	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/internal/rules"
	"github.com/HerbHall/vigil/internal/testutil"
	"github.com/HerbHall/vigil/pkg/check"
)

type harness struct {
	runner    *Runner
	bus       *event.Bus
	inventory *discovery.MemoryStore
	latest    *Latest
	changes   []InventoryChange
}

func newHarness(t *testing.T, fetchers map[check.Origin]Fetcher, defs ...check.Definition) *harness {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(registry.NewDefaults(), logger)
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("Register(%q): %v", def.Name, err)
		}
	}
	reg.Freeze()

	rt := router.New(nil)
	inv := discovery.NewMemoryStore()
	cache := discovery.NewCache(
		discovery.NewEngine(reg, rt, discovery.DefaultConfig(), logger),
		inv, 0, logger,
	)
	engine := execution.NewEngine(reg, rt, rules.NewResolver(nil, reg.Defaults(), logger), execution.DefaultConfig(), logger)

	h := &harness{bus: event.NewBus(logger), inventory: inv, latest: NewLatest()}
	h.bus.Subscribe(event.TopicCheckResults, h.latest.Handle)
	h.bus.Subscribe(event.TopicInventoryChanged, func(_ context.Context, ev event.Event) {
		h.changes = append(h.changes, ev.Payload.(InventoryChange))
	})
	h.runner = NewRunner(fetchers, cache, engine, h.bus, DefaultConfig(), logger)
	return h
}

func staticFetcher(secs ...check.RawSection) Fetcher {
	return FetcherFunc(func(context.Context, router.Host, check.Origin) ([]check.RawSection, error) {
		out := make([]check.RawSection, len(secs))
		copy(out, secs)
		return out, nil
	})
}

func TestRunHost_EndToEnd(t *testing.T) {
	failing := &testutil.FuncPlugin{
		DiscoverFunc: testutil.ItemsFromSection("broken").DiscoverFunc,
		EvaluateFunc: func(context.Context, string, check.Params, check.Sections) (check.Result, error) {
			return check.Result{}, errors.New("boom")
		},
	}
	fetchers := map[check.Origin]Fetcher{
		check.OriginAgent: staticFetcher(
			testutil.Section("df", "", []string{"/"}, []string{"/var"}),
			testutil.Section("broken", "", []string{"x"}),
		),
		check.OriginMgmt: staticFetcher(testutil.Section("temperature", "", []string{"inlet"})),
		check.OriginIPMI: FetcherFunc(func(context.Context, router.Host, check.Origin) ([]check.RawSection, error) {
			return nil, ErrSourceUnavailable
		}),
	}
	h := newHarness(t, fetchers,
		testutil.NewDefinition("df", testutil.WithClassification(check.HostOnly)),
		testutil.NewDefinition("broken", testutil.WithPlugin(failing)),
		testutil.NewDefinition("temperature"),
	)
	host := testutil.NewHost("srv1", testutil.WithMgmt())

	report, err := h.runner.RunHost(context.Background(), host)
	if err != nil {
		t.Fatalf("RunHost() error = %v", err)
	}
	if report.ID == "" || report.Host != "srv1" {
		t.Errorf("report identity = %q/%q", report.ID, report.Host)
	}

	want := []struct {
		id     string
		source check.Source
		state  check.State
	}{
		{"df[/]", check.SourceHost, check.OK},
		{"df[/var]", check.SourceHost, check.OK},
		{"broken[x]", check.SourceHost, check.Unknown},
		{"temperature[inlet]", check.SourceMgmt, check.OK},
	}
	if len(report.Results) != len(want) {
		t.Fatalf("report has %d results, want %d", len(report.Results), len(want))
	}
	for i, w := range want {
		got := report.Results[i]
		if got.Service.String() != w.id || got.Source != w.source || got.Result.State != w.state {
			t.Errorf("Results[%d] = %s@%s %v, want %s@%s %v",
				i, got.Service, got.Source, got.Result.State, w.id, w.source, w.state)
		}
	}
	if report.Worst != check.Unknown {
		t.Errorf("Worst = %v, want UNKNOWN", report.Worst)
	}

	if latest, ok := h.latest.Get("srv1"); !ok || latest.ID != report.ID {
		t.Error("cycle report was not published")
	}
	if len(h.changes) != 1 || len(h.changes[0].Added) != 4 {
		t.Fatalf("inventory changes = %+v, want one change adding 4 services", h.changes)
	}

	// Second cycle: same data, no inventory change event.
	if _, err := h.runner.RunHost(context.Background(), host); err != nil {
		t.Fatalf("second RunHost() error = %v", err)
	}
	if len(h.changes) != 1 {
		t.Errorf("unchanged inventory published %d change events, want 1", len(h.changes))
	}
}

func TestRunHost_FetchFailureIsNoData(t *testing.T) {
	fetchers := map[check.Origin]Fetcher{
		check.OriginAgent: FetcherFunc(func(context.Context, router.Host, check.Origin) ([]check.RawSection, error) {
			return nil, errors.New("connection refused")
		}),
	}
	h := newHarness(t, fetchers, testutil.NewDefinition("df"))
	host := testutil.NewHost("srv1")

	// Previously discovered services evaluate to "data source vanished".
	if err := h.inventory.Replace(context.Background(), "srv1", []check.DiscoveredService{{
		ServiceID: check.ServiceID{Plugin: "df", Item: "/"},
		Source:    check.SourceHost,
	}}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	report, err := h.runner.RunHost(context.Background(), host)
	if err != nil {
		t.Fatalf("RunHost() error = %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].Result.Fault != check.FaultSourceVanished {
		t.Errorf("Results = %+v, want one vanished-source result", report.Results)
	}
}

func TestRunHost_CancelledPublishesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetchers := map[check.Origin]Fetcher{
		check.OriginAgent: FetcherFunc(func(context.Context, router.Host, check.Origin) ([]check.RawSection, error) {
			cancel()
			return []check.RawSection{testutil.Section("df", "", []string{"/"})}, nil
		}),
	}
	h := newHarness(t, fetchers, testutil.NewDefinition("df"))

	report, err := h.runner.RunHost(ctx, testutil.NewHost("srv1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunHost() error = %v, want context.Canceled", err)
	}
	if report != nil {
		t.Error("RunHost() returned a report for a cancelled cycle")
	}
	if len(h.latest.All()) != 0 || len(h.changes) != 0 {
		t.Error("cancelled cycle published events")
	}
}

func TestRunHost_CancelledDuringEvaluationStoresNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var cancelled bool
	plugin := &testutil.FuncPlugin{
		DiscoverFunc: testutil.ItemsFromSection("df").DiscoverFunc,
		EvaluateFunc: func(context.Context, string, check.Params, check.Sections) (check.Result, error) {
			if !cancelled {
				cancelled = true
				cancel()
			}
			return check.Result{State: check.OK}, nil
		},
	}
	fetchers := map[check.Origin]Fetcher{
		check.OriginAgent: staticFetcher(testutil.Section("df", "", []string{"/"})),
	}
	h := newHarness(t, fetchers, testutil.NewDefinition("df", testutil.WithPlugin(plugin)))
	host := testutil.NewHost("srv1")

	if _, err := h.runner.RunHost(ctx, host); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunHost() error = %v, want context.Canceled", err)
	}
	if stored, _ := h.inventory.Load(context.Background(), "srv1"); len(stored) != 0 {
		t.Errorf("cancelled cycle stored %d services, want 0", len(stored))
	}
	if len(h.changes) != 0 {
		t.Errorf("cancelled cycle published %d inventory changes", len(h.changes))
	}

	// The next complete cycle still reports the new service.
	if _, err := h.runner.RunHost(context.Background(), host); err != nil {
		t.Fatalf("RunHost() error = %v", err)
	}
	if len(h.changes) != 1 || len(h.changes[0].Added) != 1 {
		t.Errorf("inventory changes = %+v, want one change adding df[/]", h.changes)
	}
}

func TestRunHost_FailedOriginKeepsServices(t *testing.T) {
	agentUp := true
	fetchers := map[check.Origin]Fetcher{
		check.OriginAgent: FetcherFunc(func(context.Context, router.Host, check.Origin) ([]check.RawSection, error) {
			if !agentUp {
				return nil, errors.New("connection refused")
			}
			return []check.RawSection{testutil.Section("temperature", "", []string{"cpu"})}, nil
		}),
		check.OriginMgmt: staticFetcher(testutil.Section("temperature", "", []string{"cpu"})),
	}
	h := newHarness(t, fetchers, testutil.NewDefinition("temperature"))
	host := testutil.NewHost("srv1", testutil.WithMgmt())

	if _, err := h.runner.RunHost(context.Background(), host); err != nil {
		t.Fatalf("RunHost() error = %v", err)
	}

	agentUp = false
	report, err := h.runner.RunHost(context.Background(), host)
	if err != nil {
		t.Fatalf("RunHost() error = %v", err)
	}
	if len(report.Results) != 1 {
		t.Fatalf("Results = %+v, want one service", report.Results)
	}
	got := report.Results[0]
	if got.Source != check.SourceHost || got.Result.Fault != check.FaultSourceVanished {
		t.Errorf("agent down: %s@%s fault %q, want host-sourced vanished", got.Service, got.Source, got.Result.Fault)
	}
	if len(h.changes) != 1 {
		t.Errorf("agent outage published %d inventory changes, want only the initial one", len(h.changes))
	}
}

func TestGather_ReportsFailedOrigins(t *testing.T) {
	fetchers := map[check.Origin]Fetcher{
		check.OriginAgent: FetcherFunc(func(context.Context, router.Host, check.Origin) ([]check.RawSection, error) {
			return nil, errors.New("connection refused")
		}),
		check.OriginMgmt: staticFetcher(testutil.Section("temperature", "", []string{"inlet"})),
		check.OriginIPMI: FetcherFunc(func(context.Context, router.Host, check.Origin) ([]check.RawSection, error) {
			return nil, ErrSourceUnavailable
		}),
	}
	h := newHarness(t, fetchers)

	snap := h.runner.Gather(context.Background(), testutil.NewHost("srv1", testutil.WithMgmt()))
	if len(snap.Sections) != 1 {
		t.Errorf("Sections = %d, want 1", len(snap.Sections))
	}
	if len(snap.Failed) != 1 || snap.Failed[0] != check.OriginAgent {
		t.Errorf("Failed = %v, want [agent]", snap.Failed)
	}
}

func TestCollect_StampsOriginAndTimesOut(t *testing.T) {
	fetchers := map[check.Origin]Fetcher{
		check.OriginSNMP: staticFetcher(testutil.Section("if", check.OriginAgent, []string{"1"})),
		check.OriginMgmt: FetcherFunc(func(ctx context.Context, _ router.Host, _ check.Origin) ([]check.RawSection, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	h := newHarness(t, fetchers)
	h.runner.cfg.FetchTimeout = 20 * time.Millisecond

	host := testutil.NewHost("sw1", testutil.WithSNMP(), testutil.WithMgmt())
	secs := h.runner.Collect(context.Background(), host)
	if len(secs) != 1 {
		t.Fatalf("Collect() = %d sections, want 1", len(secs))
	}
	if secs[0].Origin != check.OriginSNMP {
		t.Errorf("Origin = %q, want %q", secs[0].Origin, check.OriginSNMP)
	}
}

func TestOrigins(t *testing.T) {
	tests := []struct {
		name string
		host router.Host
		want []check.Origin
	}{
		{"agent", testutil.NewHost("a"), []check.Origin{check.OriginAgent}},
		{"snmp", testutil.NewHost("s", testutil.WithSNMP()), []check.Origin{check.OriginSNMP}},
		{"agent with board", testutil.NewHost("m", testutil.WithMgmt()),
			[]check.Origin{check.OriginAgent, check.OriginMgmt, check.OriginIPMI}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Origins(tt.host)
			if len(got) != len(tt.want) {
				t.Fatalf("Origins() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Origins()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
