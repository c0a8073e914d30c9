package check

import "fmt"

// State is the health verdict for one service at one point in time.
type State int

const (
	OK State = iota
	Warn
	Crit
	Unknown
)

func (s State) String() string {
	switch s {
	case OK:
		return "OK"
	case Warn:
		return "WARN"
	case Crit:
		return "CRIT"
	case Unknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Valid reports whether s is one of the four defined states.
func (s State) Valid() bool {
	return s >= OK && s <= Unknown
}

// severity orders states for aggregation: CRIT > UNKNOWN > WARN > OK.
func (s State) severity() int {
	switch s {
	case OK:
		return 0
	case Warn:
		return 1
	case Unknown:
		return 2
	case Crit:
		return 3
	default:
		return 2
	}
}

// Worst returns the most severe of the given states, OK if none are given.
func Worst(states ...State) State {
	worst := OK
	for _, s := range states {
		if s.severity() > worst.severity() {
			worst = s
		}
	}
	return worst
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name as produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "OK":
		*s = OK
	case "WARN":
		*s = Warn
	case "CRIT":
		*s = Crit
	case "UNKNOWN":
		*s = Unknown
	default:
		return fmt.Errorf("unknown state %q", text)
	}
	return nil
}
