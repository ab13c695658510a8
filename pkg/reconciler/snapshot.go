package reconciler

import (
	"context"
	"fmt"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/stakepool-labs/cranker/pkg/types"
	"go.uber.org/zap"
)

// StakeReader is the slice of the chain reader the reconciler needs.
type StakeReader interface {
	PoolInfo(ctx context.Context) (types.PoolInfo, error)
	PoolValidators(ctx context.Context) ([]types.VoteAccount, error)
	ValidatorStake(ctx context.Context, va types.VoteAccount) (uint64, error)
}

// LoadChainState reads the current stake of every pool validator and every plan target.
// Reads fan out over at most parallelism workers. A single failed read fails the whole load:
// a missing reading must never be mistaken for zero stake.
func LoadChainState(ctx context.Context, logger *zap.Logger, reader StakeReader, plan types.DelegationPlan, parallelism int) (ChainState, error) {
	if parallelism <= 0 {
		parallelism = 1
	}

	info, err := reader.PoolInfo(ctx)
	if err != nil {
		return ChainState{}, fmt.Errorf("read pool info: %w", err)
	}
	onChain, err := reader.PoolValidators(ctx)
	if err != nil {
		return ChainState{}, fmt.Errorf("read pool validators: %w", err)
	}

	seen := make(map[types.VoteAccount]struct{}, len(onChain)+len(plan.Targets))
	accounts := make([]types.VoteAccount, 0, len(onChain)+len(plan.Targets))
	for _, list := range [][]types.VoteAccount{onChain, plan.Accounts()} {
		for _, va := range list {
			if _, ok := seen[va]; ok {
				continue
			}
			seen[va] = struct{}{}
			accounts = append(accounts, va)
		}
	}

	state := ChainState{Stakes: make(map[types.VoteAccount]uint64, len(accounts)), Reserve: info.ReserveLamports}
	if len(accounts) == 0 {
		return state, nil
	}

	var mu sync.Mutex
	pool := pond.NewPool(parallelism, pond.WithQueueSize(len(accounts)))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, va := range accounts {
		group.SubmitErr(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			stake, err := reader.ValidatorStake(groupCtx, va)
			if err != nil {
				return fmt.Errorf("read stake of %s: %w", va, err)
			}
			mu.Lock()
			state.Stakes[va] = stake
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		logger.Warn("chain state read failed",
			zap.Uint64("epoch", plan.Epoch),
			zap.Int("accounts", len(accounts)),
			zap.Error(err))
		return ChainState{}, err
	}

	// Validators that hold nothing and are not planned add no information.
	for va, stake := range state.Stakes {
		if stake == 0 {
			if _, planned := plan.Targets[va]; !planned {
				delete(state.Stakes, va)
			}
		}
	}

	logger.Debug("chain state loaded",
		zap.Uint64("epoch", plan.Epoch),
		zap.Int("validators", len(state.Stakes)),
		zap.Uint64("reserve", state.Reserve))
	return state, nil
}
