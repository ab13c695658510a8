package executor

import (
	"github.com/stakepool-labs/cranker/pkg/types"
)

// Outcome is where one operation ended up.
type Outcome struct {
	Operation types.Operation      `json:"operation"`
	State     types.OperationState `json:"state"`
	Attempts  int                  `json:"attempts"`
	Handle    string               `json:"handle,omitempty"`
	Err       error                `json:"-"`
	Error     string               `json:"error,omitempty"`
}

// Summary reports a full pass over an epoch's operations.
type Summary struct {
	Epoch    uint64    `json:"epoch"`
	Outcomes []Outcome `json:"outcomes"`
}

// Count returns how many operations ended in state.
func (s Summary) Count(state types.OperationState) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.State == state {
			n++
		}
	}
	return n
}

// Confirmed returns the operations the chain confirmed.
func (s Summary) Confirmed() []Outcome { return s.filter(types.StateConfirmed) }

// Abandoned returns the operations that ran out of retries.
func (s Summary) Abandoned() []Outcome { return s.filter(types.StateAbandoned) }

// Drained reports whether every operation reached a terminal state.
func (s Summary) Drained() bool {
	for _, o := range s.Outcomes {
		if !o.State.Terminal() {
			return false
		}
	}
	return true
}

func (s Summary) filter(state types.OperationState) []Outcome {
	var out []Outcome
	for _, o := range s.Outcomes {
		if o.State == state {
			out = append(out, o)
		}
	}
	return out
}
