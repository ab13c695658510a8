package reconciler

import (
	"sort"

	"github.com/stakepool-labs/cranker/pkg/types"
	"github.com/stakepool-labs/cranker/pkg/utils"
)

// Config holds reconciliation tunables.
type Config struct {
	// DustThreshold is the largest |target-current| that is left alone.
	DustThreshold uint64
}

// ChainState is a point-in-time view of the pool's stake.
type ChainState struct {
	Stakes  map[types.VoteAccount]uint64 `json:"stakes"`
	Reserve uint64                       `json:"reserve"`
}

// Reconcile diffs plan against state and returns the operations needed to reach the plan.
// Validators staked on-chain but absent from the plan are drawn down to zero.
//
// When the increases need more than the reserve holds, every decrease is ordered before every
// increase so the freed stake funds them. Otherwise operations follow vote account order.
func Reconcile(cfg Config, plan types.DelegationPlan, state ChainState) []types.Operation {
	accounts := make(map[types.VoteAccount]struct{}, len(plan.Targets)+len(state.Stakes))
	for va := range plan.Targets {
		accounts[va] = struct{}{}
	}
	for va := range state.Stakes {
		accounts[va] = struct{}{}
	}

	ops := make([]types.Operation, 0, len(accounts))
	var increases uint64
	for va := range accounts {
		op := types.NewOperation(plan.Epoch, va, plan.Targets[va].Total(), state.Stakes[va], cfg.DustThreshold)
		if op.Kind == types.OperationNoOp {
			continue
		}
		if op.Kind == types.OperationIncrease {
			increases = utils.SaturatingAdd(increases, op.Amount)
		}
		ops = append(ops, op)
	}

	constrained := increases > state.Reserve
	sort.Slice(ops, func(i, j int) bool {
		if constrained && ops[i].Kind != ops[j].Kind {
			return ops[i].Kind == types.OperationDecrease
		}
		return ops[i].VoteAccount < ops[j].VoteAccount
	})
	return ops
}
