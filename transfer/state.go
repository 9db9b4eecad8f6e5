package transfer

import "fmt"

// State is a step of the per-object upload state machine.
type State int

const (
	StatePending State = iota
	StatePlanned
	StateUploading
	StateCompleting
	StateVerifying
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StatePending:    "PENDING",
	StatePlanned:    "PLANNED",
	StateUploading:  "UPLOADING",
	StateCompleting: "COMPLETING",
	StateVerifying:  "VERIFYING",
	StateDone:       "DONE",
	StateFailed:     "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transitions lists the allowed successors of each state. Single chunk
// uploads go from UPLOADING straight to VERIFYING.
var transitions = map[State][]State{
	StatePending:    {StatePlanned},
	StatePlanned:    {StateUploading},
	StateUploading:  {StateCompleting, StateVerifying, StateFailed},
	StateCompleting: {StateVerifying, StateFailed},
	StateVerifying:  {StateDone, StateFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
