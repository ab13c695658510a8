package rpc

import (
	"context"

	"github.com/stakepool-labs/cranker/pkg/types"
)

// ChainReader is the read side of the chain gateway.
type ChainReader interface {
	EpochInfo(ctx context.Context) (types.EpochInfo, error)
	PoolInfo(ctx context.Context) (types.PoolInfo, error)
	PoolValidators(ctx context.Context) ([]types.VoteAccount, error)
	ValidatorStake(ctx context.Context, va types.VoteAccount) (uint64, error)
}

// ChainWriter is the write side of the chain gateway.
type ChainWriter interface {
	Submit(ctx context.Context, op types.Operation) (string, error)
	Confirm(ctx context.Context, handle string) (types.ConfirmStatus, error)
}

// Client is the full chain gateway.
type Client interface {
	ChainReader
	ChainWriter
}

var _ Client = (*HTTPClient)(nil)
