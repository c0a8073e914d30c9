package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/vigil/internal/registry"
	"github.com/HerbHall/vigil/internal/router"
	"github.com/HerbHall/vigil/internal/rules"
	"github.com/HerbHall/vigil/internal/testutil"
	"github.com/HerbHall/vigil/pkg/check"
	"go.uber.org/zap"
)

type fixture struct {
	reg      *registry.Registry
	defaults *registry.Defaults
	store    rules.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := registry.NewDefaults()
	return &fixture{reg: registry.New(d, zap.NewNop()), defaults: d}
}

func (f *fixture) register(t *testing.T, defs ...check.Definition) {
	t.Helper()
	for _, def := range defs {
		if err := f.reg.Register(def); err != nil {
			t.Fatalf("Register(%q): %v", def.Name, err)
		}
	}
}

func (f *fixture) engine(timeout time.Duration) *Engine {
	cfg := DefaultConfig()
	cfg.PluginTimeout = timeout
	resolver := rules.NewResolver(f.store, f.defaults, zap.NewNop())
	return NewEngine(f.reg, router.New(nil), resolver, cfg, zap.NewNop())
}

func service(plugin, item string) check.DiscoveredService {
	return check.DiscoveredService{
		ServiceID:   check.ServiceID{Plugin: plugin, Item: item},
		Description: plugin + " " + item,
		Source:      check.SourceHost,
	}
}

func evaluating(fn func(ctx context.Context, item string, params check.Params, sections check.Sections) (check.Result, error)) check.Plugin {
	return &testutil.FuncPlugin{EvaluateFunc: fn}
}

func TestEvaluateAll_FailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.register(t,
		testutil.NewDefinition("panics", testutil.WithPlugin(evaluating(
			func(context.Context, string, check.Params, check.Sections) (check.Result, error) {
				var m map[string]int
				m["boom"]++
				return check.Result{}, nil
			}))),
		testutil.NewDefinition("errors", testutil.WithPlugin(evaluating(
			func(context.Context, string, check.Params, check.Sections) (check.Result, error) {
				return check.Result{}, errors.New("device returned garbage")
			}))),
		testutil.NewDefinition("healthy", testutil.WithPlugin(evaluating(
			func(_ context.Context, item string, _ check.Params, _ check.Sections) (check.Result, error) {
				return check.Result{State: check.Warn, Message: "item " + item + " degraded"}, nil
			}))),
	)
	e := f.engine(time.Second)

	sections := check.Sections{
		testutil.Section("panics", check.OriginAgent, []string{"a"}),
		testutil.Section("errors", check.OriginAgent, []string{"b"}),
		testutil.Section("healthy", check.OriginAgent, []string{"c"}),
	}
	services := []check.DiscoveredService{
		service("panics", "a"),
		service("healthy", "c1"),
		service("errors", "b"),
		service("healthy", "c2"),
	}

	results, err := e.EvaluateAll(context.Background(), testutil.NewHost("srv1"), services, sections)
	if err != nil {
		t.Fatalf("EvaluateAll() error = %v", err)
	}
	if len(results) != len(services) {
		t.Fatalf("EvaluateAll() = %d results, want %d", len(results), len(services))
	}

	tests := []struct {
		idx       int
		state     check.State
		fault     check.FaultKind
		msgSubstr string
	}{
		{0, check.Unknown, check.FaultPlugin, "panics[a]: plugin fault"},
		{1, check.Warn, check.FaultNone, "item c1 degraded"},
		{2, check.Unknown, check.FaultPlugin, "device returned garbage"},
		{3, check.Warn, check.FaultNone, "item c2 degraded"},
	}
	for _, tt := range tests {
		r := results[tt.idx]
		if r.State != tt.state || r.Fault != tt.fault {
			t.Errorf("results[%d] = %v/%q, want %v/%q", tt.idx, r.State, r.Fault, tt.state, tt.fault)
		}
		if !strings.Contains(r.Message, tt.msgSubstr) {
			t.Errorf("results[%d].Message = %q, want it to contain %q", tt.idx, r.Message, tt.msgSubstr)
		}
	}
	if strings.Contains(results[0].Message, "\n") {
		t.Errorf("panic message contains a stack trace: %q", results[0].Message)
	}
}

func TestEvaluate_Faults(t *testing.T) {
	f := newFixture(t)
	f.register(t,
		testutil.NewDefinition("slow", testutil.WithPlugin(evaluating(
			func(ctx context.Context, _ string, _ check.Params, _ check.Sections) (check.Result, error) {
				<-ctx.Done()
				return check.Result{}, ctx.Err()
			}))),
		testutil.NewDefinition("shape", testutil.WithPlugin(evaluating(
			func(_ context.Context, _ string, params check.Params, _ check.Sections) (check.Result, error) {
				if _, err := check.Levels(params, "levels"); err != nil {
					return check.Result{}, fmt.Errorf("read levels: %w", err)
				}
				return check.Result{State: check.OK, Message: "fine"}, nil
			}))),
		testutil.NewDefinition("bad_state", testutil.WithPlugin(evaluating(
			func(context.Context, string, check.Params, check.Sections) (check.Result, error) {
				return check.Result{State: check.State(7), Message: "seven"}, nil
			}))),
		testutil.NewDefinition("no_message", testutil.WithPlugin(evaluating(
			func(context.Context, string, check.Params, check.Sections) (check.Result, error) {
				return check.Result{State: check.OK, Message: "  "}, nil
			}))),
	)
	e := f.engine(20 * time.Millisecond)
	host := testutil.NewHost("srv1")
	sections := check.Sections{
		testutil.Section("slow", check.OriginAgent),
		testutil.Section("shape", check.OriginAgent),
		testutil.Section("bad_state", check.OriginAgent),
		testutil.Section("no_message", check.OriginAgent),
	}

	tests := []struct {
		name  string
		svc   check.DiscoveredService
		fault check.FaultKind
	}{
		{"timeout", service("slow", ""), check.FaultTimeout},
		{"shape mismatch", service("shape", "x"), check.FaultShape},
		{"invalid state", service("bad_state", ""), check.FaultMalformed},
		{"empty message", service("no_message", ""), check.FaultMalformed},
		{"unregistered plugin", service("gone", ""), check.FaultPlugin},
		{"vanished source", check.DiscoveredService{ServiceID: check.ServiceID{Plugin: "shape", Item: "x"}, Source: check.SourceMgmt}, check.FaultSourceVanished},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.Evaluate(context.Background(), host, tt.svc, sections)
			if r.State != check.Unknown {
				t.Errorf("State = %v, want UNKNOWN", r.State)
			}
			if r.Fault != tt.fault {
				t.Errorf("Fault = %q, want %q", r.Fault, tt.fault)
			}
			if !strings.HasPrefix(r.Message, tt.svc.ServiceID.String()+":") {
				t.Errorf("Message = %q, want it to name %s", r.Message, tt.svc.ServiceID)
			}
		})
	}
}

func TestEvaluate_VanishedMessage(t *testing.T) {
	f := newFixture(t)
	f.register(t, testutil.NewDefinition("df"))
	e := f.engine(time.Second)

	r := e.Evaluate(context.Background(), testutil.NewHost("srv1"), service("df", "/"), nil)
	if r.State != check.Unknown || !strings.Contains(r.Message, "data source vanished") {
		t.Errorf("Evaluate() = %+v, want UNKNOWN data source vanished", r)
	}
}

func TestEvaluate_ParamsPassedUncoerced(t *testing.T) {
	f := newFixture(t)
	if err := f.defaults.RegisterDefaults("pair", check.PairParams{Warn: 80, Crit: 90}); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}
	if err := f.defaults.RegisterDefaults("map", check.MapParams{"levels": check.PairParams{Warn: 1, Crit: 2}}); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}

	var got []check.Params
	record := evaluating(func(_ context.Context, _ string, params check.Params, _ check.Sections) (check.Result, error) {
		got = append(got, params)
		return check.Result{State: check.OK, Message: "ok"}, nil
	})
	f.register(t,
		testutil.NewDefinition("legacy", testutil.WithPlugin(record), testutil.WithDefaultParams("pair")),
		testutil.NewDefinition("modern", testutil.WithPlugin(record), testutil.WithDefaultParams("map")),
	)
	e := f.engine(time.Second)
	host := testutil.NewHost("srv1")
	sections := check.Sections{
		testutil.Section("legacy", check.OriginAgent),
		testutil.Section("modern", check.OriginAgent),
	}

	e.Evaluate(context.Background(), host, service("legacy", ""), sections)
	e.Evaluate(context.Background(), host, service("modern", ""), sections)

	if len(got) != 2 {
		t.Fatalf("plugin called %d times, want 2", len(got))
	}
	if _, ok := got[0].(check.PairParams); !ok {
		t.Errorf("legacy plugin got %T, want check.PairParams", got[0])
	}
	if _, ok := got[1].(check.MapParams); !ok {
		t.Errorf("modern plugin got %T, want check.MapParams", got[1])
	}
}

func TestEvaluate_SignatureAgeRule(t *testing.T) {
	f := newFixture(t)
	if err := f.defaults.RegisterDefaults("av_signature_default", check.MapParams{
		"signature_age": check.PairParams{Warn: 86400, Crit: 604800},
	}); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}
	snap, err := rules.Parse([]byte("rules:\n  - {id: fast, group: av_signature, value: {signature_age: [3600, 7200]}}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f.store = snap

	f.register(t, testutil.NewDefinition("av_signature",
		testutil.WithDefaultParams("av_signature_default"),
		testutil.WithClassification(check.HostOnly),
		testutil.WithPlugin(evaluating(func(_ context.Context, _ string, params check.Params, _ check.Sections) (check.Result, error) {
			levels, err := check.Levels(params, "signature_age")
			if err != nil {
				return check.Result{}, err
			}
			state, msg := check.CheckLevels(5000, levels, nil, "Signature age")
			return check.Result{State: state, Message: msg}, nil
		})),
	))
	e := f.engine(time.Second)

	r := e.Evaluate(context.Background(), testutil.NewHost("ws01"), service("av_signature", ""),
		check.Sections{testutil.Section("av_signature", check.OriginAgent)})
	if r.State != check.Warn {
		t.Errorf("State = %v (%s), want WARN", r.State, r.Message)
	}
	if !strings.Contains(r.Message, "3600/7200") {
		t.Errorf("Message = %q, want crossed thresholds 3600/7200", r.Message)
	}
}

func TestEvaluateAll_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	f.register(t, testutil.NewDefinition("cancelling", testutil.WithPlugin(evaluating(
		func(context.Context, string, check.Params, check.Sections) (check.Result, error) {
			if calls.Add(1) == 1 {
				cancel()
			}
			return check.Result{State: check.OK, Message: "ok"}, nil
		}))))
	e := f.engine(time.Second)
	e.cfg.Workers = 1

	services := make([]check.DiscoveredService, 10)
	for i := range services {
		services[i] = service("cancelling", fmt.Sprint(i))
	}
	results, err := e.EvaluateAll(ctx, testutil.NewHost("srv1"), services,
		check.Sections{testutil.Section("cancelling", check.OriginAgent)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("EvaluateAll() error = %v, want context.Canceled", err)
	}
	if results != nil {
		t.Errorf("EvaluateAll() returned %d results after cancellation, want none", len(results))
	}
}

func TestEvaluateAll_Concurrent(t *testing.T) {
	f := newFixture(t)
	var inFlight, peak atomic.Int32
	f.register(t, testutil.NewDefinition("sleepy", testutil.WithPlugin(evaluating(
		func(_ context.Context, item string, _ check.Params, _ check.Sections) (check.Result, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return check.Result{State: check.OK, Message: item}, nil
		}))))
	e := f.engine(time.Second)
	e.cfg.Workers = 4

	services := make([]check.DiscoveredService, 12)
	for i := range services {
		services[i] = service("sleepy", fmt.Sprint(i))
	}
	results, err := e.EvaluateAll(context.Background(), testutil.NewHost("srv1"), services,
		check.Sections{testutil.Section("sleepy", check.OriginAgent)})
	if err != nil {
		t.Fatalf("EvaluateAll() error = %v", err)
	}
	for i, r := range results {
		if r.Message != fmt.Sprint(i) {
			t.Errorf("results[%d].Message = %q, want input order", i, r.Message)
		}
	}
	if p := peak.Load(); p > 4 {
		t.Errorf("peak concurrency = %d, want at most 4", p)
	}
}
