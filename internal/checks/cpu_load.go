package checks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/HerbHall/vigil/pkg/check"
)

// CPULoad monitors the 15 minute load average of a host. The cpu_load
// section holds one record: load1 load5 load15 and, optionally, the number
// of CPUs. Parameters map "levels" to a (warn, crit) pair per CPU.
func CPULoad() check.Definition {
	return check.Definition{
		Name:           "cpu_load",
		Description:    "CPU load",
		DefaultParams:  "cpu_load_default_levels",
		Group:          "cpu_load",
		Classification: check.HostOnly,
		Sections:       []string{"cpu_load"},
		Plugin:         cpuLoadPlugin{},
	}
}

func cpuLoadDefaults() check.Params {
	return check.MapParams{
		"levels": check.PairParams{Warn: 5, Crit: 10},
	}
}

type cpuLoadPlugin struct{}

type loadAverage struct {
	load [3]float64
	cpus int
}

func parseLoad(sections check.Sections) (loadAverage, bool) {
	recs := sections.Records("cpu_load")
	if len(recs) == 0 || len(recs[0]) < 3 {
		return loadAverage{}, false
	}
	var la loadAverage
	for i := range la.load {
		v, ok := parseFloat(recs[0][i])
		if !ok {
			return loadAverage{}, false
		}
		la.load[i] = v
	}
	la.cpus = 1
	if len(recs[0]) > 3 {
		if n, err := strconv.Atoi(recs[0][3]); err == nil && n > 0 {
			la.cpus = n
		}
	}
	return la, true
}

func (cpuLoadPlugin) Discover(_ context.Context, sections check.Sections) ([]check.Discovered, error) {
	if _, ok := parseLoad(sections); !ok {
		return nil, nil
	}
	return []check.Discovered{{}}, nil
}

func (cpuLoadPlugin) Evaluate(_ context.Context, _ string, params check.Params, sections check.Sections) (check.Result, error) {
	perCPU, err := check.Levels(params, "levels")
	if err != nil {
		return check.Result{}, err
	}

	la, ok := parseLoad(sections)
	if !ok {
		return check.Result{State: check.Unknown, Message: "no load average in monitoring data"}, nil
	}

	levels := check.PairParams{Warn: perCPU.Warn * float64(la.cpus), Crit: perCPU.Crit * float64(la.cpus)}
	state, msg := check.CheckLevels(la.load[2], levels, nil, "15 min load")
	msg = fmt.Sprintf("%s at %d CPUs", msg, la.cpus)
	return check.Result{
		State:   state,
		Message: msg,
		Metrics: []check.Metric{
			check.NewMetric("load1", la.load[0], nil),
			check.NewMetric("load5", la.load[1], nil),
			check.NewMetric("load15", la.load[2], &levels),
		},
	}, nil
}
