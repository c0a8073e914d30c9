package checks

import (
	"context"
	"strings"

	"github.com/HerbHall/vigil/pkg/check"
)

// ICMP reports reachability from the icmp section written by the ping
// fetcher: average round trip time in milliseconds, packet loss in percent,
// packets sent and received. Parameters map "rta" and "loss" to pairs.
func ICMP() check.Definition {
	return check.Definition{
		Name:           "icmp",
		Description:    "PING",
		DefaultParams:  "icmp_default_levels",
		Group:          "icmp",
		Classification: check.HostOnly,
		Sections:       []string{"icmp"},
		Plugin:         icmpPlugin{},
	}
}

func icmpDefaults() check.Params {
	return check.MapParams{
		"rta":  check.PairParams{Warn: 200, Crit: 500},
		"loss": check.PairParams{Warn: 80, Crit: 100},
	}
}

type icmpPlugin struct{}

func (icmpPlugin) Discover(_ context.Context, sections check.Sections) ([]check.Discovered, error) {
	recs := sections.Records("icmp")
	if len(recs) == 0 || len(recs[0]) < 2 {
		return nil, nil
	}
	return []check.Discovered{{}}, nil
}

func (icmpPlugin) Evaluate(_ context.Context, _ string, params check.Params, sections check.Sections) (check.Result, error) {
	rtaLevels, err := check.Levels(params, "rta")
	if err != nil {
		return check.Result{}, err
	}
	lossLevels, err := check.Levels(params, "loss")
	if err != nil {
		return check.Result{}, err
	}

	recs := sections.Records("icmp")
	if len(recs) == 0 || len(recs[0]) < 2 {
		return check.Result{State: check.Unknown, Message: "no ping statistics in monitoring data"}, nil
	}
	rta, ok1 := parseFloat(recs[0][0])
	loss, ok2 := parseFloat(recs[0][1])
	if !ok1 || !ok2 {
		return check.Result{State: check.Unknown, Message: "invalid ping statistics"}, nil
	}

	lossState, lossMsg := check.CheckLevels(loss, lossLevels, renderFixed("%"), "Packet loss")
	if loss >= 100 {
		return check.Result{
			State:   lossState,
			Message: "Host unreachable, " + lossMsg,
			Metrics: []check.Metric{check.NewMetric("pl", loss, &lossLevels)},
		}, nil
	}
	rtaState, rtaMsg := check.CheckLevels(rta, rtaLevels, renderFixed(" ms"), "Round trip average")
	return check.Result{
		State:   check.Worst(rtaState, lossState),
		Message: strings.Join([]string{rtaMsg, lossMsg}, ", "),
		Metrics: []check.Metric{
			check.NewMetric("rta", rta, &rtaLevels),
			check.NewMetric("pl", loss, &lossLevels),
		},
	}, nil
}
