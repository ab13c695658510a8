package types

import (
	"sort"

	"github.com/stakepool-labs/cranker/pkg/utils"
)

// Target is the desired stake for one validator, split by where it came from.
type Target struct {
	Standard uint64 `json:"standard"`
	Directed uint64 `json:"directed"`
}

// Total is Standard + Directed, saturating.
func (t Target) Total() uint64 {
	return utils.SaturatingAdd(t.Standard, t.Directed)
}

// DelegationPlan maps validators to their desired stake for one epoch.
// The sum of Standard amounts never exceeds AvailableDelegationStake.
type DelegationPlan struct {
	Epoch                    uint64                 `json:"epoch"`
	AvailableDelegationStake uint64                 `json:"available_delegation_stake"`
	Targets                  map[VoteAccount]Target `json:"targets"`
}

// Accounts returns the plan's validators in ascending order.
func (p DelegationPlan) Accounts() []VoteAccount {
	out := make([]VoteAccount, 0, len(p.Targets))
	for va := range p.Targets {
		out = append(out, va)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StandardTotal sums the standard shares.
func (p DelegationPlan) StandardTotal() uint64 {
	var sum uint64
	for _, t := range p.Targets {
		sum = utils.SaturatingAdd(sum, t.Standard)
	}
	return sum
}

// DirectedTotal sums the directed amounts.
func (p DelegationPlan) DirectedTotal() uint64 {
	var sum uint64
	for _, t := range p.Targets {
		sum = utils.SaturatingAdd(sum, t.Directed)
	}
	return sum
}
