package rules

import (
	"bytes"
	"testing"

	"github.com/HerbHall/vigil/pkg/check"
)

func mustEncode(t *testing.T, p check.Params) []byte {
	t.Helper()
	b, err := check.Encode(p)
	if err != nil {
		t.Fatalf("Encode(%v): %v", p, err)
	}
	return b
}

func matchAll(id string, value check.Params) Rule {
	return Rule{ID: id, Value: value}
}

func TestResolve_LaterRuleWinsOnTouchedKeysOnly(t *testing.T) {
	defaults := check.MapParams{"a": 1.0, "b": 2.0}
	rules := []Rule{
		matchAll("rule1", check.MapParams{"b": 3.0}),
		matchAll("rule2", check.MapParams{"a": 9.0}),
	}

	got := Resolve(defaults, rules, nil, Target{Host: "srv1"})
	want := check.MapParams{"a": 9.0, "b": 3.0}
	if !check.Equal(got, want) {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}
	if !check.Equal(defaults, check.MapParams{"a": 1.0, "b": 2.0}) {
		t.Errorf("defaults modified to %v", defaults)
	}
}

func TestResolve_SignatureAgeReplacement(t *testing.T) {
	defaults := check.MapParams{"signature_age": check.PairParams{Warn: 86400, Crit: 604800}}
	rules := []Rule{{
		ID:        "fast-av",
		Condition: Condition{Hosts: []string{"ws01"}},
		Value:     check.MapParams{"signature_age": check.PairParams{Warn: 3600, Crit: 7200}},
	}}

	got := Resolve(defaults, rules, nil, Target{Host: "ws01", Service: check.ServiceID{Plugin: "av_signature"}})
	levels, err := check.Levels(got, "signature_age")
	if err != nil {
		t.Fatalf("Levels() error = %v", err)
	}
	if levels != (check.PairParams{Warn: 3600, Crit: 7200}) {
		t.Fatalf("signature_age = %v, want (3600, 7200)", levels)
	}

	state, _ := check.CheckLevels(5000, levels, nil, "age")
	if state != check.Warn {
		t.Errorf("state for age 5000 = %v, want WARN", state)
	}
}

func TestResolve_ShapeMismatchReplaces(t *testing.T) {
	tests := []struct {
		name     string
		defaults check.Params
		rules    []Rule
		override check.Params
		want     check.Params
	}{
		{
			name:     "map rule replaces pair default",
			defaults: check.PairParams{Warn: 80, Crit: 90},
			rules:    []Rule{matchAll("r", check.MapParams{"levels": check.PairParams{Warn: 70, Crit: 75}})},
			want:     check.MapParams{"levels": check.PairParams{Warn: 70, Crit: 75}},
		},
		{
			name:     "pair rule replaces map default",
			defaults: check.MapParams{"levels": check.PairParams{Warn: 1, Crit: 2}},
			rules:    []Rule{matchAll("r", check.PairParams{Warn: 3, Crit: 4})},
			want:     check.PairParams{Warn: 3, Crit: 4},
		},
		{
			name:     "later pair replaces earlier pair",
			defaults: check.PairParams{Warn: 80, Crit: 90},
			rules: []Rule{
				matchAll("loose", check.PairParams{Warn: 90, Crit: 95}),
				matchAll("tight", check.PairParams{Warn: 50, Crit: 60}),
			},
			want: check.PairParams{Warn: 50, Crit: 60},
		},
		{
			name:     "override applied last",
			defaults: check.MapParams{"a": 1.0},
			rules:    []Rule{matchAll("r", check.MapParams{"a": 2.0, "b": 2.0})},
			override: check.MapParams{"a": 3.0},
			want:     check.MapParams{"a": 3.0, "b": 2.0},
		},
		{
			name:     "no defaults",
			rules:    []Rule{matchAll("r", check.MapParams{"x": true})},
			want:     check.MapParams{"x": true},
		},
		{
			name: "nothing at all",
			want: nil,
		},
		{
			name:     "disabled and non-matching rules skipped",
			defaults: check.PairParams{Warn: 1, Crit: 2},
			rules: []Rule{
				{ID: "off", Value: check.PairParams{Warn: 9, Crit: 9}, Disabled: true},
				{ID: "other", Condition: Condition{Hosts: []string{"elsewhere"}}, Value: check.PairParams{Warn: 8, Crit: 8}},
			},
			want: check.PairParams{Warn: 1, Crit: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.defaults, tt.rules, tt.override, Target{Host: "srv1"})
			if !check.Equal(got, tt.want) {
				t.Errorf("Resolve() = %s, want %s", mustEncode(t, got), mustEncode(t, tt.want))
			}
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	defaults := check.MapParams{
		"levels": check.PairParams{Warn: 80, Crit: 90},
		"nested": check.MapParams{"z": 1.0, "a": []any{"x", 2.0}},
		"mode":   "strict",
	}
	rules := []Rule{
		matchAll("one", check.MapParams{"mode": "relaxed", "k": 1.0}),
		{ID: "two", Condition: Condition{Items: []string{"/var"}}, Value: check.MapParams{"levels": check.PairParams{Warn: 1, Crit: 2}}},
	}
	override := check.MapParams{"extra": false}
	target := Target{Host: "srv1", Service: check.ServiceID{Plugin: "df", Item: "/var/log"}}

	first := mustEncode(t, Resolve(defaults, rules, override, target))
	for i := 0; i < 20; i++ {
		again := mustEncode(t, Resolve(defaults, rules, override, target))
		if !bytes.Equal(first, again) {
			t.Fatalf("run %d: Resolve() = %s, first run %s", i, again, first)
		}
	}
}

func TestResolve_ResultIsPrivate(t *testing.T) {
	defaults := check.MapParams{"nested": check.MapParams{"a": 1.0}}
	ruleValue := check.MapParams{"b": 2.0}
	rules := []Rule{matchAll("r", ruleValue)}

	got := Resolve(defaults, rules, nil, Target{}).(check.MapParams)
	got["b"] = 100.0
	got["nested"].(check.MapParams)["a"] = 100.0

	if ruleValue["b"] != 2.0 {
		t.Errorf("rule value modified through result: %v", ruleValue)
	}
	if defaults["nested"].(check.MapParams)["a"] != 1.0 {
		t.Errorf("defaults modified through result: %v", defaults)
	}
}

func TestMerge_NilLayerKeepsRunning(t *testing.T) {
	running := check.PairParams{Warn: 1, Crit: 2}
	if got := Merge(running, nil); got != check.Params(running) {
		t.Errorf("Merge(pair, nil) = %v, want %v", got, running)
	}
	if got := Merge(nil, nil); got != nil {
		t.Errorf("Merge(nil, nil) = %v, want nil", got)
	}
}
