// Package allocator turns one epoch's network stake reading and validator eligibility into a
// delegation plan. Everything here is pure: the same input always yields the same plan.
package allocator

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/stakepool-labs/cranker/pkg/types"
	"github.com/stakepool-labs/cranker/pkg/utils"
)

// Config carries the tunables of the allocation formula.
type Config struct {
	Schedule Schedule
	// OverrideAvailableStake, when non-zero, replaces the tier result. It is still capped at the
	// total network stake weight.
	OverrideAvailableStake uint64
}

// Stake is the epoch's stake reading.
type Stake struct {
	// Total network stake weight.
	Total uint64
	// Participating is the stake of validators running the marketplace client. It selects the tier.
	Participating uint64
	// Pool is the pool's own delegatable stake. The tier rate applies to it.
	Pool uint64
}

// Candidate is a validator considered for a standard share.
type Candidate struct {
	VoteAccount types.VoteAccount
	IsEligible  bool
	Reason      string
}

// Input is everything Allocate needs for one epoch.
type Input struct {
	Epoch      uint64
	Stake      Stake
	Candidates []Candidate
	// Directed maps a validator to an amount it receives on top of any standard share.
	Directed map[types.VoteAccount]uint64
}

// Result is the plan plus the facts recorded alongside it.
type Result struct {
	Plan        types.DelegationPlan         `json:"plan"`
	Metrics     types.EpochMetrics           `json:"metrics"`
	Eligibility []types.ValidatorEligibility `json:"eligibility"`
}

// Allocate computes the delegation plan. The returned metrics carry no timestamp.
func Allocate(cfg Config, in Input) (Result, error) {
	if err := cfg.Schedule.Validate(); err != nil {
		return Result{}, err
	}
	if in.Stake.Participating > in.Stake.Total {
		return Result{}, fmt.Errorf("%w: participating stake %d exceeds total %d", types.ErrInvalidInput, in.Stake.Participating, in.Stake.Total)
	}

	eligible, reasons := collapseCandidates(in.Candidates)
	if in.Stake.Total == 0 && len(eligible) > 0 {
		return Result{}, fmt.Errorf("%w: total network stake weight is zero with %d eligible validators", types.ErrInvalidInput, len(eligible))
	}

	available, rate := AvailableStake(cfg, in.Stake)

	plan := types.DelegationPlan{
		Epoch:                    in.Epoch,
		AvailableDelegationStake: available,
		Targets:                  make(map[types.VoteAccount]types.Target, len(eligible)+len(in.Directed)),
	}

	shares := splitEvenly(available, eligible)
	for i, va := range eligible {
		plan.Targets[va] = types.Target{Standard: shares[i]}
	}

	for va, amount := range in.Directed {
		if amount == 0 {
			continue
		}
		t := plan.Targets[va]
		t.Directed = utils.SaturatingAdd(t.Directed, amount)
		plan.Targets[va] = t
	}

	metrics := types.EpochMetrics{
		Epoch:                    in.Epoch,
		TotalNetworkStakeWeight:  in.Stake.Total,
		ParticipatingStakeWeight: in.Stake.Participating,
		PoolStake:                in.Stake.Pool,
		AllocationBps:            rate,
		AvailableDelegationStake: available,
		DirectedStakeTotal:       plan.DirectedTotal(),
		EligibleValidatorCount:   uint64(len(eligible)),
	}

	return Result{
		Plan:        plan,
		Metrics:     metrics,
		Eligibility: eligibilityRows(in.Epoch, plan, eligible, reasons),
	}, nil
}

// AvailableStake applies the tier schedule: min(pool * rate, total). Products are taken in
// 256 bits so no input combination can overflow; the result always fits in uint64 since it is
// capped by total.
func AvailableStake(cfg Config, s Stake) (uint64, uint32) {
	if s.Total == 0 {
		return 0, 0
	}

	ratio := new(uint256.Int).Mul(uint256.NewInt(s.Participating), uint256.NewInt(BpsDenominator))
	ratio.Div(ratio, uint256.NewInt(s.Total))
	rate := cfg.Schedule.Rate(ratio.Uint64())

	total := uint256.NewInt(s.Total)
	avail := new(uint256.Int)
	if cfg.OverrideAvailableStake > 0 {
		avail.SetUint64(cfg.OverrideAvailableStake)
	} else {
		avail.Mul(uint256.NewInt(s.Pool), uint256.NewInt(uint64(rate)))
		avail.Div(avail, uint256.NewInt(BpsDenominator))
	}
	if avail.Gt(total) {
		avail = total
	}
	return avail.Uint64(), rate
}

// collapseCandidates returns eligible validators in ascending order and the rejection reason of
// the rest. A validator listed more than once is eligible only if every listing says so.
func collapseCandidates(cands []Candidate) ([]types.VoteAccount, map[types.VoteAccount]string) {
	status := make(map[types.VoteAccount]bool, len(cands))
	reasons := make(map[types.VoteAccount]string)
	for _, c := range cands {
		if c.VoteAccount == "" {
			continue
		}
		prev, seen := status[c.VoteAccount]
		status[c.VoteAccount] = c.IsEligible && (!seen || prev)
		if !c.IsEligible {
			if _, ok := reasons[c.VoteAccount]; !ok {
				reasons[c.VoteAccount] = c.Reason
			}
		}
	}

	eligible := make([]types.VoteAccount, 0, len(status))
	for va, ok := range status {
		if ok {
			eligible = append(eligible, va)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i] < eligible[j] })
	return eligible, reasons
}

// splitEvenly divides amount across n sorted validators. The remainder goes one unit each to
// the first validators in order, so the shares always sum to amount.
func splitEvenly(amount uint64, accounts []types.VoteAccount) []uint64 {
	n := uint64(len(accounts))
	if n == 0 {
		return nil
	}
	base, rem := amount/n, amount%n
	shares := make([]uint64, n)
	for i := range shares {
		shares[i] = base
		if uint64(i) < rem {
			shares[i]++
		}
	}
	return shares
}

func eligibilityRows(epoch uint64, plan types.DelegationPlan, eligible []types.VoteAccount, reasons map[types.VoteAccount]string) []types.ValidatorEligibility {
	rows := make(map[types.VoteAccount]*types.ValidatorEligibility, len(plan.Targets)+len(reasons))
	for _, va := range eligible {
		rows[va] = &types.ValidatorEligibility{Epoch: epoch, VoteAccount: va, IsEligible: true}
	}
	for va, reason := range reasons {
		rows[va] = &types.ValidatorEligibility{Epoch: epoch, VoteAccount: va, IneligibilityReason: reason}
	}
	for va, t := range plan.Targets {
		row, ok := rows[va]
		if !ok {
			row = &types.ValidatorEligibility{Epoch: epoch, VoteAccount: va}
			rows[va] = row
		}
		row.StandardShare = t.Standard
		row.DirectedStake = t.Directed
		row.IsDirectedStakeTarget = t.Directed > 0
	}

	out := make([]types.ValidatorEligibility, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoteAccount < out[j].VoteAccount })
	return out
}
