package rpc

import (
	"context"
	"fmt"

	"github.com/stakepool-labs/cranker/pkg/types"
)

const (
	methodEpochInfo         = "getEpochInfo"
	methodStakePool         = "getStakePool"
	methodPoolValidators    = "getPoolValidators"
	methodValidatorStake    = "getPoolValidatorStake"
	methodSubmitStakeOp     = "submitStakeOperation"
	methodSignatureStatuses = "getSignatureStatuses"
)

type validatorEntry struct {
	VoteAccount         string `json:"voteAccount"`
	ActiveStakeLamports uint64 `json:"activeStakeLamports"`
}

type validatorStake struct {
	ActiveStakeLamports uint64 `json:"activeStakeLamports"`
}

type submitRequest struct {
	Pool           string `json:"pool"`
	VoteAccount    string `json:"voteAccount"`
	Kind           string `json:"kind"`
	Lamports       uint64 `json:"lamports"`
	Epoch          uint64 `json:"epoch"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type submitResponse struct {
	Signature string `json:"signature"`
}

type signatureStatus struct {
	Slot               uint64 `json:"slot"`
	Confirmations      *int   `json:"confirmations"`
	Err                any    `json:"err"`
	ConfirmationStatus string `json:"confirmationStatus"`
}

type signatureStatuses struct {
	Value []*signatureStatus `json:"value"`
}

// EpochInfo returns the chain's current epoch reading.
func (c *HTTPClient) EpochInfo(ctx context.Context) (types.EpochInfo, error) {
	var out types.EpochInfo
	if err := c.call(ctx, methodEpochInfo, nil, &out, true); err != nil {
		return types.EpochInfo{}, err
	}
	return out, nil
}

// PoolInfo returns the pool's totals.
func (c *HTTPClient) PoolInfo(ctx context.Context) (types.PoolInfo, error) {
	var out types.PoolInfo
	if err := c.call(ctx, methodStakePool, []any{c.pool}, &out, true); err != nil {
		return types.PoolInfo{}, err
	}
	return out, nil
}

// PoolValidators returns the validators the pool currently stakes to.
func (c *HTTPClient) PoolValidators(ctx context.Context) ([]types.VoteAccount, error) {
	var entries []validatorEntry
	if err := c.call(ctx, methodPoolValidators, []any{c.pool}, &entries, true); err != nil {
		return nil, err
	}
	out := make([]types.VoteAccount, 0, len(entries))
	for _, e := range entries {
		if e.VoteAccount == "" {
			continue
		}
		out = append(out, types.VoteAccount(e.VoteAccount))
	}
	return out, nil
}

// ValidatorStake returns the pool's active stake on a validator.
func (c *HTTPClient) ValidatorStake(ctx context.Context, va types.VoteAccount) (uint64, error) {
	var out validatorStake
	if err := c.call(ctx, methodValidatorStake, []any{c.pool, string(va)}, &out, true); err != nil {
		return 0, err
	}
	return out.ActiveStakeLamports, nil
}

// Submit sends a stake operation and returns its signature. Never retried across endpoints.
func (c *HTTPClient) Submit(ctx context.Context, op types.Operation) (string, error) {
	if op.Kind != types.OperationIncrease && op.Kind != types.OperationDecrease {
		return "", fmt.Errorf("%w: cannot submit %s operation", types.ErrInvalidInput, op.Kind)
	}
	req := submitRequest{
		Pool:           c.pool,
		VoteAccount:    string(op.VoteAccount),
		Kind:           string(op.Kind),
		Lamports:       op.Amount,
		Epoch:          op.Epoch,
		IdempotencyKey: op.IdempotencyKey(),
	}
	var out submitResponse
	if err := c.call(ctx, methodSubmitStakeOp, []any{req}, &out, false); err != nil {
		return "", err
	}
	if out.Signature == "" {
		return "", fmt.Errorf("%s: empty signature: %w", methodSubmitStakeOp, types.ErrUnavailable)
	}
	return out.Signature, nil
}

// Confirm reports the status of a submitted signature.
func (c *HTTPClient) Confirm(ctx context.Context, signature string) (types.ConfirmStatus, error) {
	var out signatureStatuses
	params := []any{[]string{signature}, map[string]bool{"searchTransactionHistory": true}}
	if err := c.call(ctx, methodSignatureStatuses, params, &out, true); err != nil {
		return types.ConfirmPending, err
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return types.ConfirmPending, nil
	}
	status := out.Value[0]
	if status.Err != nil {
		return types.ConfirmFailed, nil
	}
	switch status.ConfirmationStatus {
	case "confirmed", "finalized":
		return types.ConfirmConfirmed, nil
	default:
		return types.ConfirmPending, nil
	}
}
