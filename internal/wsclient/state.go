package wsclient

import (
	"errors"
	"fmt"
)

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	BackoffWait
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case BackoffWait:
		return "backoff_wait"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, BackoffWait, Disconnected},
	Connected:    {BackoffWait, Disconnected},
	BackoffWait:  {Connecting, Disconnected},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
