package check

import "fmt"

// RenderFunc formats a measured value or threshold for messages.
type RenderFunc func(float64) string

// CheckLevels derives a state from a measured value and an upper
// (warn, crit) pair. Both bounds are inclusive: value >= crit is CRIT,
// value >= warn is WARN, anything below is OK.
//
// The message always contains the rendered value, prefixed by label when
// one is given. For WARN and CRIT it also names the crossed thresholds as
// "(warn/crit at W/C)".
func CheckLevels(value float64, levels PairParams, render RenderFunc, label string) (State, string) {
	if render == nil {
		render = formatNumber
	}

	state := OK
	switch {
	case value >= levels.Crit:
		state = Crit
	case value >= levels.Warn:
		state = Warn
	}

	msg := render(value)
	if label != "" {
		msg = label + ": " + msg
	}
	if state != OK {
		msg = fmt.Sprintf("%s (warn/crit at %s/%s)", msg, render(levels.Warn), render(levels.Crit))
	}
	return state, msg
}

// Levels extracts a threshold pair from params. A PairParams is used as-is;
// a MapParams must hold a pair under key.
func Levels(params Params, key string) (PairParams, error) {
	switch p := params.(type) {
	case PairParams:
		return p, nil
	case MapParams:
		return p.Pair(key)
	case nil:
		return PairParams{}, fmt.Errorf("%w: no parameters", ErrShapeMismatch)
	default:
		return PairParams{}, fmt.Errorf("%w: unsupported parameter type %T", ErrShapeMismatch, params)
	}
}
