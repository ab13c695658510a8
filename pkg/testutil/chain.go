// Package testutil holds in-memory collaborators shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stakepool-labs/cranker/pkg/types"
)

// Chain is an in-memory chain that applies submitted operations immediately.
// Failure knobs are consumed one unit per matching call.
type Chain struct {
	mu sync.Mutex

	Epoch  types.EpochInfo
	Pool   types.PoolInfo
	Stakes map[types.VoteAccount]uint64

	// EpochErr fails every EpochInfo call while set.
	EpochErr error
	// ReadFailures fails the next N ValidatorStake reads of a validator.
	ReadFailures map[types.VoteAccount]int
	// SubmitFailures rejects the next N submissions for a validator before they reach the chain.
	SubmitFailures map[types.VoteAccount]int
	// TxFailures lands the next N submissions for a validator as failed transactions. Stake is untouched.
	TxFailures map[types.VoteAccount]int
	// LostConfirmations applies the next N submissions for a validator but never reports them confirmed.
	LostConfirmations map[types.VoteAccount]int

	Submissions []types.Operation
	statuses    map[string]types.ConfirmStatus
}

// NewChain returns a chain at the given epoch reading with the given stakes.
func NewChain(epoch types.EpochInfo, stakes map[types.VoteAccount]uint64) *Chain {
	if stakes == nil {
		stakes = map[types.VoteAccount]uint64{}
	}
	return &Chain{
		Epoch:             epoch,
		Stakes:            stakes,
		ReadFailures:      map[types.VoteAccount]int{},
		SubmitFailures:    map[types.VoteAccount]int{},
		TxFailures:        map[types.VoteAccount]int{},
		LostConfirmations: map[types.VoteAccount]int{},
		statuses:          map[string]types.ConfirmStatus{},
	}
}

func (c *Chain) EpochInfo(_ context.Context) (types.EpochInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EpochErr != nil {
		return types.EpochInfo{}, c.EpochErr
	}
	return c.Epoch, nil
}

func (c *Chain) PoolInfo(_ context.Context) (types.PoolInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Pool, nil
}

func (c *Chain) PoolValidators(_ context.Context) ([]types.VoteAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.VoteAccount, 0, len(c.Stakes))
	for va := range c.Stakes {
		out = append(out, va)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (c *Chain) ValidatorStake(_ context.Context, va types.VoteAccount) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if consume(c.ReadFailures, va) {
		return 0, fmt.Errorf("read %s: %w", va, types.ErrUnavailable)
	}
	return c.Stakes[va], nil
}

func (c *Chain) Submit(_ context.Context, op types.Operation) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Submissions = append(c.Submissions, op)
	if consume(c.SubmitFailures, op.VoteAccount) {
		return "", fmt.Errorf("submit %s: %w", op.VoteAccount, types.ErrUnavailable)
	}

	handle := fmt.Sprintf("sig-%d", len(c.Submissions))
	if consume(c.TxFailures, op.VoteAccount) {
		c.statuses[handle] = types.ConfirmFailed
		return handle, nil
	}

	switch op.Kind {
	case types.OperationIncrease:
		c.Stakes[op.VoteAccount] += op.Amount
	case types.OperationDecrease:
		if op.Amount >= c.Stakes[op.VoteAccount] {
			c.Stakes[op.VoteAccount] = 0
		} else {
			c.Stakes[op.VoteAccount] -= op.Amount
		}
	}

	if consume(c.LostConfirmations, op.VoteAccount) {
		c.statuses[handle] = types.ConfirmPending
	} else {
		c.statuses[handle] = types.ConfirmConfirmed
	}
	return handle, nil
}

func (c *Chain) Confirm(_ context.Context, handle string) (types.ConfirmStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.statuses[handle]
	if !ok {
		return types.ConfirmPending, nil
	}
	return status, nil
}

// SubmissionsFor returns how many times va was submitted.
func (c *Chain) SubmissionsFor(va types.VoteAccount) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, op := range c.Submissions {
		if op.VoteAccount == va {
			n++
		}
	}
	return n
}

// Stake returns the current stake of va.
func (c *Chain) Stake(va types.VoteAccount) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Stakes[va]
}

func consume(m map[types.VoteAccount]int, va types.VoteAccount) bool {
	if m[va] > 0 {
		m[va]--
		return true
	}
	return false
}
