package group

import "fmt"

// State is the position of a group session in the election cycle.
type State int

const (
	Idle State = iota
	Electing
	Follower
	Leader
	Reconnecting
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Electing:
		return "electing"
	case Follower:
		return "follower"
	case Leader:
		return "leader"
	case Reconnecting:
		return "reconnecting"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	Idle:         {Electing, Terminated},
	Electing:     {Follower, Leader, Idle, Terminated},
	Follower:     {Reconnecting, Terminated},
	Leader:       {Reconnecting, Terminated},
	Reconnecting: {Electing, Terminated},
}

// CanTransition reports whether a session may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
