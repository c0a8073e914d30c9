package checks

import (
	"context"
	"fmt"
	"strings"

	"github.com/HerbHall/vigil/pkg/check"
)

// IPMISensors reports the status a management controller assigns to each
// of its sensors. Records are sensor name, reading and status code
// (ok, nc, cr, nr, ns). Parameters map "status_states" to a mapping from
// status code to state name; sensors whose status is "ns" (not present)
// are not discovered.
func IPMISensors() check.Definition {
	return check.Definition{
		Name:           "ipmi_sensors",
		Description:    "IPMI sensor %s",
		DefaultParams:  "ipmi_sensors_default_states",
		Group:          "ipmi",
		Classification: check.MgmtOnly,
		Sections:       []string{"ipmi_sensors"},
		Plugin:         ipmiSensorsPlugin{},
	}
}

func ipmiSensorsDefaults() check.Params {
	return check.MapParams{
		"status_states": check.MapParams{
			"ok": "OK",
			"nc": "WARN",
			"cr": "CRIT",
			"nr": "CRIT",
		},
	}
}

type ipmiSensorsPlugin struct{}

func (ipmiSensorsPlugin) Discover(_ context.Context, sections check.Sections) ([]check.Discovered, error) {
	var out []check.Discovered
	seen := make(map[string]bool)
	for _, rec := range sections.Records("ipmi_sensors") {
		if len(rec) < 3 {
			continue
		}
		name := strings.TrimSpace(rec[0])
		if name == "" || seen[name] || strings.TrimSpace(rec[2]) == "ns" {
			continue
		}
		seen[name] = true
		out = append(out, check.Discovered{Item: name})
	}
	return out, nil
}

func (ipmiSensorsPlugin) Evaluate(_ context.Context, item string, params check.Params, sections check.Sections) (check.Result, error) {
	m, ok := params.(check.MapParams)
	if !ok {
		return check.Result{}, fmt.Errorf("%w: want a mapping, got %v", check.ErrShapeMismatch, kindOf(params))
	}
	states, ok := m["status_states"].(check.MapParams)
	if !ok {
		return check.Result{}, fmt.Errorf("%w: missing mapping %q", check.ErrShapeMismatch, "status_states")
	}

	for _, rec := range sections.Records("ipmi_sensors") {
		if len(rec) < 3 || strings.TrimSpace(rec[0]) != item {
			continue
		}
		reading := strings.TrimSpace(rec[1])
		status := strings.TrimSpace(rec[2])

		msg := "Status: " + status
		if reading != "" {
			msg += ", " + reading
		}
		name, ok := states.Text(status)
		if !ok {
			return check.Result{State: check.Unknown, Message: msg + " (unknown status code)"}, nil
		}
		var state check.State
		if err := state.UnmarshalText([]byte(name)); err != nil {
			return check.Result{}, fmt.Errorf("%w: status %q maps to %q", check.ErrShapeMismatch, status, name)
		}
		return check.Result{State: state, Message: msg}, nil
	}
	return itemNotFound(item), nil
}

func kindOf(p check.Params) string {
	if p == nil {
		return "nothing"
	}
	return p.Kind().String()
}
