package session

import (
	"fmt"
	"time"
)

// State is the session lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time copy of the session bookkeeping.
type Status struct {
	State     State      `json:"state"`
	IsRunning bool       `json:"isRunning"`
	Polling   bool       `json:"polling"`
	LastCheck *time.Time `json:"lastCheck"`
	LastError *string    `json:"error"`
}
