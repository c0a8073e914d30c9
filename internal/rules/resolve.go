package rules

import (
	"github.com/HerbHall/vigil/pkg/check"
)

// Merge applies layer on top of running and returns the result. Neither
// argument is modified.
//
//   - nil layer: running is kept.
//   - pair layer: replaces running wholesale.
//   - map layer over a map: keys of layer overwrite those of running.
//   - map layer over anything else: replaces running.
func Merge(running, layer check.Params) check.Params {
	switch l := layer.(type) {
	case nil:
		if running == nil {
			return nil
		}
		return running.Clone()
	case check.PairParams:
		return l
	case check.MapParams:
		switch r := running.(type) {
		case check.MapParams:
			out := r.Clone().(check.MapParams)
			for k, v := range l.Clone().(check.MapParams) {
				out[k] = v
			}
			return out
		case check.PairParams, nil:
			return l.Clone()
		}
	}
	// Unreachable while Params has two variants.
	return layer
}

// Resolve computes the effective parameters for target. It starts from a
// copy of defaults, applies every enabled matching rule in order and then
// override. The result shares no mutable state with any input.
//
// Resolve does not validate the shape of the result; plugins report shape
// problems when they evaluate.
func Resolve(defaults check.Params, rules []Rule, override check.Params, target Target) check.Params {
	running := Merge(nil, defaults)
	for _, r := range rules {
		if r.Applies(target) {
			running = Merge(running, r.Value)
		}
	}
	return Merge(running, override)
}
