package tor

import "fmt"

// State is the readiness of one Tor handle.
type State int

const (
	StateNotStarted State = iota
	StateInstalling
	StateLaunching
	StateBootstrapping
	StateReady
	StateFailed
)

var stateNames = map[State]string{
	StateNotStarted:    "not_started",
	StateInstalling:    "installing",
	StateLaunching:     "launching",
	StateBootstrapping: "bootstrapping",
	StateReady:         "ready",
	StateFailed:        "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	parsed, ok := ParseState(string(text))
	if !ok {
		return fmt.Errorf("tor: unknown state %q", text)
	}
	*s = parsed
	return nil
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return StateNotStarted, false
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateReady || s == StateFailed
}

// canTransition reports whether from -> to is a legal step.
// Failed is reachable from every non-terminal state.
func canTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return to == from+1
}
