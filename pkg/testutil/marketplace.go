package testutil

import (
	"context"
	"sync"

	"github.com/stakepool-labs/cranker/pkg/marketplace"
	"github.com/stakepool-labs/cranker/pkg/types"
)

// Marketplace is an in-memory marketplace that answers for whatever epoch it is asked about
// unless Epoch is set.
type Marketplace struct {
	mu sync.Mutex

	// Epoch, when non-zero, is reported instead of the requested epoch.
	Epoch         uint64
	Total         uint64
	Participating uint64
	Validators    []marketplace.Validator
	Directed      map[types.VoteAccount]uint64

	StakeErr     error
	ValidatorErr error
	DirectedErr  error

	Calls int
}

func (m *Marketplace) NetworkStakeWeight(_ context.Context, epoch uint64) (marketplace.NetworkStake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.StakeErr != nil {
		return marketplace.NetworkStake{}, m.StakeErr
	}
	if m.Epoch != 0 {
		epoch = m.Epoch
	}
	return marketplace.NetworkStake{Epoch: epoch, Total: m.Total, Participating: m.Participating}, nil
}

func (m *Marketplace) EligibleValidators(_ context.Context, _ uint64) ([]marketplace.Validator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.ValidatorErr != nil {
		return nil, m.ValidatorErr
	}
	return append([]marketplace.Validator(nil), m.Validators...), nil
}

func (m *Marketplace) DirectedTargets(_ context.Context, _ uint64) (map[types.VoteAccount]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.DirectedErr != nil {
		return nil, m.DirectedErr
	}
	out := make(map[types.VoteAccount]uint64, len(m.Directed))
	for va, v := range m.Directed {
		out[va] = v
	}
	return out, nil
}
