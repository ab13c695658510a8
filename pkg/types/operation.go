package types

import (
	"fmt"

	"github.com/stakepool-labs/cranker/pkg/utils"
)

// OperationKind is the direction of a stake move.
type OperationKind string

const (
	OperationIncrease OperationKind = "increase"
	OperationDecrease OperationKind = "decrease"
	OperationNoOp     OperationKind = "noop"
)

// Operation moves one validator's stake from Current toward Target.
type Operation struct {
	Epoch       uint64        `json:"epoch"`
	VoteAccount VoteAccount   `json:"vote_account"`
	Kind        OperationKind `json:"kind"`
	Amount      uint64        `json:"amount"`
	Target      uint64        `json:"target"`
	Current     uint64        `json:"current"`
}

// NewOperation derives the operation that takes current to target, or a NoOp when the
// distance does not exceed dust.
func NewOperation(epoch uint64, va VoteAccount, target, current, dust uint64) Operation {
	op := Operation{Epoch: epoch, VoteAccount: va, Target: target, Current: current, Kind: OperationNoOp}
	delta, up := utils.AbsDiff(target, current)
	if delta <= dust {
		return op
	}
	op.Amount = delta
	if up {
		op.Kind = OperationIncrease
	} else {
		op.Kind = OperationDecrease
	}
	return op
}

// IdempotencyKey is stable for a given epoch, validator and target, so a gateway can drop duplicates.
func (o Operation) IdempotencyKey() string {
	return fmt.Sprintf("%d:%s:%d", o.Epoch, o.VoteAccount, o.Target)
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %s %d (current=%d target=%d)", o.Kind, o.VoteAccount, o.Amount, o.Current, o.Target)
}

// OperationState tracks one operation through execution.
type OperationState string

const (
	StatePending   OperationState = "pending"
	StateSubmitted OperationState = "submitted"
	StateConfirmed OperationState = "confirmed"
	StateFailed    OperationState = "failed"
	StateAbandoned OperationState = "abandoned"
	// StateSkipped: a re-read showed the change already applied, or the run is a dry run.
	StateSkipped OperationState = "skipped"
)

// Terminal reports whether no further transitions happen from s.
func (s OperationState) Terminal() bool {
	return s == StateConfirmed || s == StateAbandoned || s == StateSkipped
}

// ConfirmStatus is what the chain reports for a submitted operation.
type ConfirmStatus int

const (
	ConfirmPending ConfirmStatus = iota
	ConfirmConfirmed
	ConfirmFailed
)
