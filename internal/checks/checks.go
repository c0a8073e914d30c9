// Package checks holds the built-in check plugins. They are deliberately
// thin: each reads one section, applies resolved thresholds and reports.
package checks

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/HerbHall/vigil/internal/registry"
	"github.com/HerbHall/vigil/pkg/check"
)

// Builtin pairs a definition with the default parameters it references.
type Builtin struct {
	Definition check.Definition
	Defaults   check.Params
}

// Builtins returns every built-in plugin in registration order. now is
// the clock used by age based checks.
func Builtins(now func() time.Time) []Builtin {
	if now == nil {
		now = time.Now
	}
	return []Builtin{
		{CPULoad(), cpuLoadDefaults()},
		{DF(), dfDefaults()},
		{AVSignature(now), avSignatureDefaults()},
		{Temperature(), temperatureDefaults()},
		{IPMISensors(), ipmiSensorsDefaults()},
		{ICMP(), icmpDefaults()},
	}
}

// Register adds every built-in plugin and its default parameters to reg.
func Register(reg *registry.Registry) error {
	for _, b := range Builtins(nil) {
		if b.Defaults != nil {
			if err := reg.Defaults().RegisterDefaults(b.Definition.DefaultParams, b.Defaults); err != nil {
				return err
			}
		}
		if err := reg.Register(b.Definition); err != nil {
			return err
		}
	}
	return nil
}

// itemNotFound is the result for a discovered item missing from the data.
func itemNotFound(item string) check.Result {
	return check.Result{State: check.Unknown, Message: fmt.Sprintf("item %q not found in monitoring data", item)}
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func renderPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64) + "%"
}

func renderFixed(unit string) check.RenderFunc {
	return func(v float64) string {
		return strconv.FormatFloat(v, 'f', 1, 64) + unit
	}
}
