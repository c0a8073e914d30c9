package check

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ParamsKind identifies which variant a Params value holds.
type ParamsKind int

const (
	KindPair ParamsKind = iota + 1
	KindMap
)

func (k ParamsKind) String() string {
	switch k {
	case KindPair:
		return "pair"
	case KindMap:
		return "map"
	default:
		return "ParamsKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Params is the parameter value handed to a plugin. It is either a
// PairParams (legacy warn/crit tuple) or a MapParams. Both shapes stay
// supported; nothing converts one into the other implicitly.
type Params interface {
	Kind() ParamsKind
	Clone() Params
	isParams()
}

// PairParams is the legacy ordered pair of (warning, critical) thresholds.
type PairParams struct {
	Warn float64
	Crit float64
}

func (PairParams) Kind() ParamsKind { return KindPair }
func (p PairParams) Clone() Params  { return p }
func (PairParams) isParams()        {}

func (p PairParams) String() string {
	return "(" + formatNumber(p.Warn) + ", " + formatNumber(p.Crit) + ")"
}

// MarshalJSON encodes the pair as a two element array.
func (p PairParams) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Warn, p.Crit})
}

// MapParams maps parameter keys to values. Values are PairParams, float64,
// string, bool, []any or nested MapParams.
type MapParams map[string]any

func (MapParams) Kind() ParamsKind { return KindMap }
func (MapParams) isParams()        {}

// Clone returns a deep copy of m.
func (m MapParams) Clone() Params {
	return m.clone()
}

func (m MapParams) clone() MapParams {
	if m == nil {
		return MapParams{}
	}
	out := make(MapParams, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the keys of m in sorted order.
func (m MapParams) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Pair returns the threshold pair stored under key.
func (m MapParams) Pair(key string) (PairParams, error) {
	v, ok := m[key]
	if !ok {
		return PairParams{}, fmt.Errorf("%w: missing key %q", ErrShapeMismatch, key)
	}
	p, ok := v.(PairParams)
	if !ok {
		return PairParams{}, fmt.Errorf("%w: key %q is %T, want threshold pair", ErrShapeMismatch, key, v)
	}
	return p, nil
}

// Float returns the number stored under key.
func (m MapParams) Float(key string) (float64, bool) {
	return toFloat(m[key])
}

// Text returns the string stored under key.
func (m MapParams) Text(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case MapParams:
		return t.clone()
	case map[string]any:
		return MapParams(t).clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Encode returns the canonical JSON form of p. Map keys are sorted and
// pairs are two element arrays, so equal parameters encode to equal bytes.
func Encode(p Params) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal(p)
}

// Equal reports whether a and b encode to the same canonical form.
func Equal(a, b Params) bool {
	ab, err := Encode(a)
	if err != nil {
		return false
	}
	bb, err := Encode(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Decode parses the canonical JSON form produced by Encode.
func Decode(data []byte) (Params, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return FromValue(raw)
}

// FromValue converts a generic decoded value (from JSON or YAML) into
// Params. A list of exactly two numbers becomes a PairParams, a mapping
// becomes a MapParams; anything else at the top level is an error.
func FromValue(v any) (Params, error) {
	switch n := normalizeValue(v).(type) {
	case PairParams:
		return n, nil
	case MapParams:
		return n, nil
	default:
		return nil, fmt.Errorf("%w: top-level parameters must be a pair or a mapping, got %T", ErrShapeMismatch, v)
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case PairParams, MapParams:
		return t
	case map[string]any:
		out := make(MapParams, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		if len(t) == 2 {
			w, okw := toFloat(t[0])
			c, okc := toFloat(t[1])
			if okw && okc {
				return PairParams{Warn: w, Crit: c}
			}
		}
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalizeValue(t[i])
		}
		return out
	default:
		if f, ok := toFloat(v); ok {
			return f
		}
		return v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
