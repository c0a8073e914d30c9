package checks

import (
	"context"

	"github.com/HerbHall/vigil/pkg/check"
)

// Temperature monitors temperature sensors. The data may come from the
// host (agent or SNMP) or from its management controller; the host proper
// wins when both report. Records are sensor name and reading in degrees
// Celsius.
func Temperature() check.Definition {
	return check.Definition{
		Name:           "temperature",
		Description:    "Temperature %s",
		DefaultParams:  "temperature_default_levels",
		Group:          "temperature",
		Classification: check.HostPrecedence,
		Sections:       []string{"temperature"},
		Plugin:         temperaturePlugin{},
	}
}

func temperatureDefaults() check.Params {
	return check.PairParams{Warn: 70, Crit: 80}
}

type temperaturePlugin struct{}

func (temperaturePlugin) Discover(_ context.Context, sections check.Sections) ([]check.Discovered, error) {
	var out []check.Discovered
	seen := make(map[string]bool)
	for _, rec := range sections.Records("temperature") {
		if len(rec) < 2 || rec[0] == "" || seen[rec[0]] {
			continue
		}
		if _, ok := parseFloat(rec[1]); !ok {
			continue
		}
		seen[rec[0]] = true
		out = append(out, check.Discovered{Item: rec[0]})
	}
	return out, nil
}

func (temperaturePlugin) Evaluate(_ context.Context, item string, params check.Params, sections check.Sections) (check.Result, error) {
	levels, err := check.Levels(params, "levels")
	if err != nil {
		return check.Result{}, err
	}

	for _, rec := range sections.Records("temperature") {
		if len(rec) < 2 || rec[0] != item {
			continue
		}
		value, ok := parseFloat(rec[1])
		if !ok {
			return check.Result{State: check.Unknown, Message: "sensor reports no reading"}, nil
		}
		state, msg := check.CheckLevels(value, levels, renderFixed(" °C"), "")
		return check.Result{
			State:   state,
			Message: msg,
			Metrics: []check.Metric{check.NewMetric("temp", value, &levels)},
		}, nil
	}
	return itemNotFound(item), nil
}
