package reconciler_test

import (
	"context"
	"testing"

	"github.com/stakepool-labs/cranker/pkg/reconciler"
	"github.com/stakepool-labs/cranker/pkg/testutil"
	"github.com/stakepool-labs/cranker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func plan(epoch uint64, targets map[types.VoteAccount]uint64) types.DelegationPlan {
	p := types.DelegationPlan{Epoch: epoch, Targets: map[types.VoteAccount]types.Target{}}
	for va, amount := range targets {
		p.Targets[va] = types.Target{Standard: amount}
	}
	return p
}

func TestReconcileDustSuppression(t *testing.T) {
	p := plan(10, map[types.VoteAccount]uint64{"a": 1_000, "b": 2_000})
	state := reconciler.ChainState{
		Stakes:  map[types.VoteAccount]uint64{"a": 1_000 - 5, "b": 2_000},
		Reserve: 1_000_000,
	}

	ops := reconciler.Reconcile(reconciler.Config{DustThreshold: 10}, p, state)
	assert.Empty(t, ops)
}

func TestReconcileDrawsDownUnplannedValidators(t *testing.T) {
	p := plan(10, map[types.VoteAccount]uint64{"a": 1_000})
	state := reconciler.ChainState{
		Stakes:  map[types.VoteAccount]uint64{"a": 1_000, "gone": 700, "tiny": 3},
		Reserve: 1_000_000,
	}

	ops := reconciler.Reconcile(reconciler.Config{DustThreshold: 10}, p, state)
	require.Len(t, ops, 1)
	assert.Equal(t, types.Operation{
		Epoch: 10, VoteAccount: "gone", Kind: types.OperationDecrease, Amount: 700, Target: 0, Current: 700,
	}, ops[0])
}

func TestReconcileOrdersByAccountWhenReserveSuffices(t *testing.T) {
	p := plan(3, map[types.VoteAccount]uint64{"a": 500, "b": 0, "c": 900})
	state := reconciler.ChainState{
		Stakes:  map[types.VoteAccount]uint64{"a": 0, "b": 400, "c": 100},
		Reserve: 10_000,
	}

	ops := reconciler.Reconcile(reconciler.Config{}, p, state)
	require.Len(t, ops, 3)
	assert.Equal(t, []types.VoteAccount{"a", "b", "c"}, accounts(ops))
}

func TestReconcileOrdersDecreasesFirstWhenConstrained(t *testing.T) {
	p := plan(3, map[types.VoteAccount]uint64{"a": 500, "b": 0, "c": 900, "d": 100})
	state := reconciler.ChainState{
		Stakes:  map[types.VoteAccount]uint64{"a": 0, "b": 400, "c": 100, "d": 600},
		Reserve: 100,
	}

	ops := reconciler.Reconcile(reconciler.Config{}, p, state)
	require.Len(t, ops, 4)
	assert.Equal(t, []types.VoteAccount{"b", "d", "a", "c"}, accounts(ops))
	assert.Equal(t, types.OperationDecrease, ops[0].Kind)
	assert.Equal(t, types.OperationDecrease, ops[1].Kind)
	assert.Equal(t, types.OperationIncrease, ops[2].Kind)
	assert.Equal(t, types.OperationIncrease, ops[3].Kind)
}

func TestReconcileIncludesDirectedStake(t *testing.T) {
	p := types.DelegationPlan{Epoch: 1, Targets: map[types.VoteAccount]types.Target{
		"a": {Standard: 100, Directed: 50},
	}}
	ops := reconciler.Reconcile(reconciler.Config{}, p, reconciler.ChainState{Reserve: 1_000})
	require.Len(t, ops, 1)
	assert.Equal(t, uint64(150), ops[0].Amount)
	assert.Equal(t, uint64(150), ops[0].Target)
}

// Re-running against a chain where half the operations already landed yields only the rest.
func TestReconcileIdempotentResume(t *testing.T) {
	p := plan(5, map[types.VoteAccount]uint64{"a": 1_000, "b": 1_000, "c": 1_000, "d": 1_000})
	initial := reconciler.ChainState{Stakes: map[types.VoteAccount]uint64{}, Reserve: 10_000}

	ops := reconciler.Reconcile(reconciler.Config{}, p, initial)
	require.Len(t, ops, 4)

	partial := reconciler.ChainState{Stakes: map[types.VoteAccount]uint64{"a": 1_000, "b": 1_000}, Reserve: 8_000}
	rest := reconciler.Reconcile(reconciler.Config{}, p, partial)
	assert.Equal(t, ops[2:], rest)

	done := reconciler.ChainState{Stakes: map[types.VoteAccount]uint64{"a": 1_000, "b": 1_000, "c": 1_000, "d": 1_000}}
	assert.Empty(t, reconciler.Reconcile(reconciler.Config{}, p, done))
}

func TestLoadChainState(t *testing.T) {
	chain := testutil.NewChain(types.EpochInfo{Epoch: 5}, map[types.VoteAccount]uint64{"a": 100, "b": 200, "empty": 0})
	chain.Pool = types.PoolInfo{ReserveLamports: 77}
	p := plan(5, map[types.VoteAccount]uint64{"a": 100, "new": 300})

	state, err := reconciler.LoadChainState(context.Background(), zaptest.NewLogger(t), chain, p, 4)
	require.NoError(t, err)

	assert.Equal(t, uint64(77), state.Reserve)
	assert.Equal(t, map[types.VoteAccount]uint64{"a": 100, "b": 200, "new": 0}, state.Stakes)
}

func TestLoadChainStateFailsOnAnyRead(t *testing.T) {
	chain := testutil.NewChain(types.EpochInfo{Epoch: 5}, map[types.VoteAccount]uint64{"a": 100, "b": 200})
	chain.ReadFailures["b"] = 1

	_, err := reconciler.LoadChainState(context.Background(), zaptest.NewLogger(t), chain, plan(5, nil), 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

func accounts(ops []types.Operation) []types.VoteAccount {
	out := make([]types.VoteAccount, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.VoteAccount)
	}
	return out
}
