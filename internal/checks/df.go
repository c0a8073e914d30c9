package checks

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/HerbHall/vigil/pkg/check"
)

// Pseudo filesystems that never fill up in a meaningful way.
var ignoredFSTypes = map[string]bool{
	"tmpfs":    true,
	"devtmpfs": true,
	"squashfs": true,
	"overlay":  true,
}

// DF monitors filesystem usage. The df section has one record per
// filesystem: device, type, size, used and available in KiB, use percent
// and mount point. Parameters are either a (warn, crit) pair in percent
// used or a mapping holding that pair under "levels".
func DF() check.Definition {
	return check.Definition{
		Name:           "df",
		Description:    "Filesystem %s",
		DefaultParams:  "df_default_levels",
		Group:          "filesystem",
		Classification: check.HostOnly,
		Sections:       []string{"df"},
		Plugin:         dfPlugin{},
	}
}

func dfDefaults() check.Params {
	return check.PairParams{Warn: 80, Crit: 90}
}

type dfPlugin struct{}

type filesystem struct {
	fstype string
	size   float64 // KiB
	used   float64 // KiB
	mount  string
}

func parseDF(sections check.Sections) []filesystem {
	var out []filesystem
	for _, rec := range sections.Records("df") {
		if len(rec) < 7 {
			continue
		}
		size, ok1 := parseFloat(rec[2])
		used, ok2 := parseFloat(rec[3])
		if !ok1 || !ok2 || size < 0 || used < 0 {
			continue
		}
		out = append(out, filesystem{fstype: rec[1], size: size, used: used, mount: rec[6]})
	}
	return out
}

func (dfPlugin) Discover(_ context.Context, sections check.Sections) ([]check.Discovered, error) {
	var out []check.Discovered
	seen := make(map[string]bool)
	for _, fs := range parseDF(sections) {
		if ignoredFSTypes[fs.fstype] || fs.size == 0 || seen[fs.mount] {
			continue
		}
		seen[fs.mount] = true
		out = append(out, check.Discovered{Item: fs.mount})
	}
	return out, nil
}

func (dfPlugin) Evaluate(_ context.Context, item string, params check.Params, sections check.Sections) (check.Result, error) {
	levels, err := check.Levels(params, "levels")
	if err != nil {
		return check.Result{}, err
	}

	for _, fs := range parseDF(sections) {
		if fs.mount != item {
			continue
		}
		if fs.size <= 0 {
			return check.Result{State: check.Unknown, Message: "filesystem reports zero size"}, nil
		}
		pct := fs.used / fs.size * 100
		state, msg := check.CheckLevels(pct, levels, renderPercent, "Used")
		msg = fmt.Sprintf("%s - %s of %s", msg,
			humanize.IBytes(uint64(fs.used)*1024), humanize.IBytes(uint64(fs.size)*1024))
		return check.Result{
			State:   state,
			Message: msg,
			Metrics: []check.Metric{
				check.NewMetric("fs_used_percent", pct, &levels),
				check.NewMetric("fs_used", fs.used*1024, nil),
				check.NewMetric("fs_size", fs.size*1024, nil),
			},
		}, nil
	}
	return itemNotFound(item), nil
}
