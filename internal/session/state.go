package session

import "fmt"

// State is the lifecycle state of the connection to the avatar service
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateSpeaking
	StateClosed
)

var stateNames = [...]string{
	StateUninitialized: "uninitialized",
	StateConnecting:    "connecting",
	StateReady:         "ready",
	StateSpeaking:      "speaking",
	StateClosed:        "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState is the inverse of String
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown session state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Connected reports whether speak tasks can be submitted in this state
func (s State) Connected() bool {
	return s == StateReady || s == StateSpeaking
}
