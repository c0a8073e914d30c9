package check

import "fmt"

// FaultKind classifies why a result is UNKNOWN. The zero value means the
// plugin produced the result itself.
type FaultKind string

const (
	FaultNone           FaultKind = ""
	FaultPlugin         FaultKind = "plugin_fault"
	FaultTimeout        FaultKind = "timeout"
	FaultShape          FaultKind = "shape_mismatch"
	FaultMalformed      FaultKind = "malformed_result"
	FaultSourceVanished FaultKind = "source_vanished"
)

// Metric is one structured measurement attached to a result.
type Metric struct {
	Name  string   `json:"name"`
	Value float64  `json:"value"`
	Warn  *float64 `json:"warn,omitempty"`
	Crit  *float64 `json:"crit,omitempty"`
}

// NewMetric builds a metric, attaching levels when given.
func NewMetric(name string, value float64, levels *PairParams) Metric {
	m := Metric{Name: name, Value: value}
	if levels != nil {
		w, c := levels.Warn, levels.Crit
		m.Warn = &w
		m.Crit = &c
	}
	return m
}

// Result is the outcome of one evaluation of one service.
type Result struct {
	State   State     `json:"state"`
	Message string    `json:"message"`
	Metrics []Metric  `json:"metrics,omitempty"`
	Fault   FaultKind `json:"fault,omitempty"`
}

// UnknownResult builds an UNKNOWN result carrying a fault classification.
func UnknownResult(fault FaultKind, format string, args ...any) Result {
	return Result{
		State:   Unknown,
		Message: fmt.Sprintf(format, args...),
		Fault:   fault,
	}
}
