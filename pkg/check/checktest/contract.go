// Package checktest provides shared contract tests that verify a
// check.Definition behaves correctly. Every plugin's test file should call
// TestPluginContract with a representative section snapshot.
package checktest

import (
	"context"
	"testing"

	"github.com/HerbHall/vigil/pkg/check"
)

// TestPluginContract runs behavioral contract tests against def. sections
// must contain data from which def discovers at least one service, and
// defaults are the parameters Evaluate is called with.
//
//	func TestContract(t *testing.T) {
//	    checktest.TestPluginContract(t, checks.DF(), testSections(), check.PairParams{Warn: 80, Crit: 90})
//	}
func TestPluginContract(t *testing.T, def check.Definition, sections check.Sections, defaults check.Params) {
	t.Helper()

	t.Run("Definition_has_valid_metadata", func(t *testing.T) {
		if def.Name == "" {
			t.Error("Definition.Name must not be empty")
		}
		if def.Plugin == nil {
			t.Error("Definition.Plugin must not be nil")
		}
		if def.Group == "" {
			t.Error("Definition.Group must not be empty")
		}
	})

	t.Run("Discover_finds_services", func(t *testing.T) {
		found, err := def.Plugin.Discover(context.Background(), sections)
		if err != nil {
			t.Fatalf("Discover() error = %v", err)
		}
		if len(found) == 0 {
			t.Fatal("Discover() returned no services for the contract sections")
		}
	})

	t.Run("Discover_is_idempotent", func(t *testing.T) {
		a, errA := def.Plugin.Discover(context.Background(), sections)
		b, errB := def.Plugin.Discover(context.Background(), sections)
		if errA != nil || errB != nil {
			t.Fatalf("Discover() errors = %v, %v", errA, errB)
		}
		if len(a) != len(b) {
			t.Fatalf("Discover() returned %d then %d services", len(a), len(b))
		}
		for i := range a {
			if a[i].Item != b[i].Item || !check.Equal(a[i].Params, b[i].Params) {
				t.Errorf("Discover()[%d] = %+v then %+v", i, a[i], b[i])
			}
		}
	})

	t.Run("Discover_empty_sections", func(t *testing.T) {
		found, err := def.Plugin.Discover(context.Background(), nil)
		if err != nil {
			t.Fatalf("Discover(nil) error = %v", err)
		}
		if len(found) != 0 {
			t.Errorf("Discover(nil) = %d services, want 0", len(found))
		}
	})

	t.Run("Evaluate_returns_valid_state", func(t *testing.T) {
		found, err := def.Plugin.Discover(context.Background(), sections)
		if err != nil {
			t.Fatalf("Discover() error = %v", err)
		}
		for _, d := range found {
			res, err := def.Plugin.Evaluate(context.Background(), d.Item, defaults, sections)
			if err != nil {
				t.Errorf("Evaluate(%q) error = %v", d.Item, err)
				continue
			}
			if !res.State.Valid() {
				t.Errorf("Evaluate(%q) state = %v, want a valid state", d.Item, res.State)
			}
			if res.Message == "" {
				t.Errorf("Evaluate(%q) returned an empty message", d.Item)
			}
		}
	})

	t.Run("Evaluate_missing_item_does_not_panic", func(t *testing.T) {
		_, _ = def.Plugin.Evaluate(context.Background(), "no-such-item", defaults, sections)
	})
}
