package rules

import (
	"testing"

	"github.com/HerbHall/vigil/internal/registry"
	"github.com/HerbHall/vigil/internal/testutil"
	"github.com/HerbHall/vigil/pkg/check"
	"go.uber.org/zap"
)

func testDefaults(t *testing.T) *registry.Defaults {
	t.Helper()
	d := registry.NewDefaults()
	if err := d.RegisterDefaults("if_default", check.MapParams{"errors": check.PairParams{Warn: 0.01, Crit: 0.1}, "speed": 100.0}); err != nil {
		t.Fatalf("RegisterDefaults: %v", err)
	}
	return d
}

func TestResolver_Layers(t *testing.T) {
	snap, err := Parse([]byte(`
rules:
  - {id: fast-links, group: if, condition: {tags: [core]}, value: {speed: 10000}}
overrides:
  - {host: sw1, plugin: if, item: "1", value: {errors: [1, 2]}}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r := NewResolver(snap, testDefaults(t), zap.NewNop())

	def := testutil.NewDefinition("if", testutil.WithDefaultParams("if_default"))
	svc := check.DiscoveredService{
		ServiceID: check.ServiceID{Plugin: "if", Item: "1"},
		Source:    check.SourceHost,
		Params:    check.MapParams{"speed": 1000.0, "state": "up"},
	}

	tests := []struct {
		name string
		host string
		tags []string
		want check.Params
	}{
		{
			name: "discovered params over defaults",
			host: "sw2",
			want: check.MapParams{"errors": check.PairParams{Warn: 0.01, Crit: 0.1}, "speed": 1000.0, "state": "up"},
		},
		{
			name: "rule over discovered params",
			host: "sw2",
			tags: []string{"core"},
			want: check.MapParams{"errors": check.PairParams{Warn: 0.01, Crit: 0.1}, "speed": 10000.0, "state": "up"},
		},
		{
			name: "override last",
			host: "sw1",
			tags: []string{"core"},
			want: check.MapParams{"errors": check.PairParams{Warn: 1, Crit: 2}, "speed": 10000.0, "state": "up"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := testutil.NewHost(tt.host, testutil.WithTags(tt.tags...))
			got := r.Effective(host, def, svc)
			if !check.Equal(got, tt.want) {
				t.Errorf("Effective() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolver_UnknownDefaultsDegrades(t *testing.T) {
	r := NewResolver(nil, registry.NewDefaults(), zap.NewNop())
	def := testutil.NewDefinition("df", testutil.WithDefaultParams("gone"))
	got := r.Effective(testutil.NewHost("h"), def, check.DiscoveredService{ServiceID: check.ServiceID{Plugin: "df"}})
	if got != nil {
		t.Errorf("Effective() = %v, want nil", got)
	}
}

func TestResolver_Pin(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, "rules:\n  - {id: a, group: df, value: [1, 2]}\n")
	fs, err := NewFileStore(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	r := NewResolver(fs, nil, zap.NewNop())
	pinned := r.Pin()

	writeRules(t, dir, "rules:\n  - {id: a, group: df, value: [3, 4]}\n")
	if err := fs.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	def := testutil.NewDefinition("df")
	svc := check.DiscoveredService{ServiceID: check.ServiceID{Plugin: "df", Item: "/"}}
	host := testutil.NewHost("h")
	if got := pinned.Effective(host, def, svc); got != (check.PairParams{Warn: 1, Crit: 2}) {
		t.Errorf("pinned Effective() = %v, want (1, 2)", got)
	}
	if got := r.Effective(host, def, svc); got != (check.PairParams{Warn: 3, Crit: 4}) {
		t.Errorf("live Effective() = %v, want (3, 4)", got)
	}
}
