package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/HerbHall/vigil/pkg/check"
)

// AVSignature monitors how old the signature database of an antivirus
// engine is. Records are engine name, signature timestamp (Unix seconds)
// and an optional engine version. Parameters map "signature_age" to a
// (warn, crit) pair in seconds.
func AVSignature(now func() time.Time) check.Definition {
	return check.Definition{
		Name:           "av_signature",
		Description:    "AV signature %s",
		DefaultParams:  "av_signature_default_levels",
		Group:          "antivirus",
		Classification: check.HostOnly,
		Sections:       []string{"av_signature"},
		Plugin:         avSignaturePlugin{now: now},
	}
}

func avSignatureDefaults() check.Params {
	return check.MapParams{
		"signature_age": check.PairParams{Warn: 86400, Crit: 604800},
	}
}

type avSignaturePlugin struct {
	now func() time.Time
}

func (avSignaturePlugin) Discover(_ context.Context, sections check.Sections) ([]check.Discovered, error) {
	var out []check.Discovered
	for _, rec := range sections.Records("av_signature") {
		if len(rec) < 2 || rec[0] == "" {
			continue
		}
		out = append(out, check.Discovered{Item: rec[0]})
	}
	return out, nil
}

func (p avSignaturePlugin) Evaluate(_ context.Context, item string, params check.Params, sections check.Sections) (check.Result, error) {
	levels, err := check.Levels(params, "signature_age")
	if err != nil {
		return check.Result{}, err
	}

	for _, rec := range sections.Records("av_signature") {
		if len(rec) < 2 || rec[0] != item {
			continue
		}
		ts, ok := parseFloat(rec[1])
		if !ok {
			return check.Result{State: check.Unknown, Message: fmt.Sprintf("invalid signature timestamp %q", rec[1])}, nil
		}
		age := p.now().Sub(time.Unix(int64(ts), 0)).Seconds()
		if age < 0 {
			age = 0
		}
		state, msg := check.CheckLevels(age, levels, renderAge, "Signature age")
		if len(rec) > 2 && rec[2] != "" {
			msg += ", engine " + rec[2]
		}
		return check.Result{
			State:   state,
			Message: msg,
			Metrics: []check.Metric{check.NewMetric("signature_age", age, &levels)},
		}, nil
	}
	return itemNotFound(item), nil
}

func renderAge(seconds float64) string {
	return (time.Duration(seconds) * time.Second).String()
}
