package types

import "time"

// VoteAccount identifies a validator.
type VoteAccount string

// EpochInfo is a chain reading of the current epoch and how far into it the chain is.
type EpochInfo struct {
	Epoch        uint64 `json:"epoch"`
	SlotIndex    uint64 `json:"slotIndex"`
	SlotsInEpoch uint64 `json:"slotsInEpoch"`
	AbsoluteSlot uint64 `json:"absoluteSlot"`
}

// Progress returns the elapsed fraction of the epoch in [0, 1).
// A reading with SlotsInEpoch == 0 has no meaningful progress and reports ok=false.
func (e EpochInfo) Progress() (float64, bool) {
	if e.SlotsInEpoch == 0 {
		return 0, false
	}
	if e.SlotIndex >= e.SlotsInEpoch {
		return float64(e.SlotsInEpoch-1) / float64(e.SlotsInEpoch), true
	}
	return float64(e.SlotIndex) / float64(e.SlotsInEpoch), true
}

// EpochMetrics is the per-epoch allocation fact. Written once per epoch, rewritten on rerun.
type EpochMetrics struct {
	Epoch                    uint64    `json:"epoch" ch:"epoch"`
	TotalNetworkStakeWeight  uint64    `json:"total_network_stake_weight" ch:"total_network_stake_weight"`
	ParticipatingStakeWeight uint64    `json:"participating_stake_weight" ch:"participating_stake_weight"`
	PoolStake                uint64    `json:"pool_stake" ch:"pool_stake"`
	AllocationBps            uint32    `json:"allocation_bps" ch:"allocation_bps"`
	AvailableDelegationStake uint64    `json:"available_delegation_stake" ch:"available_delegation_stake"`
	DirectedStakeTotal       uint64    `json:"directed_stake_total" ch:"directed_stake_total"`
	EligibleValidatorCount   uint64    `json:"eligible_validator_count" ch:"eligible_validator_count"`
	Timestamp                time.Time `json:"timestamp" ch:"updated_at"`
}

// ValidatorEligibility is one validator's standing for an epoch. A directed target need not be eligible.
type ValidatorEligibility struct {
	Epoch                 uint64      `json:"epoch" ch:"epoch"`
	VoteAccount           VoteAccount `json:"vote_account" ch:"vote_account"`
	IsEligible            bool        `json:"is_eligible" ch:"is_eligible"`
	IsDirectedStakeTarget bool        `json:"is_directed_stake_target" ch:"is_directed_stake_target"`
	StandardShare         uint64      `json:"standard_share" ch:"standard_share"`
	DirectedStake         uint64      `json:"directed_stake" ch:"directed_stake"`
	IneligibilityReason   string      `json:"ineligibility_reason,omitempty" ch:"ineligibility_reason"`
}

// PoolInfo is the pool's account-level state.
type PoolInfo struct {
	TotalLamports   uint64 `json:"totalLamports"`
	ReserveLamports uint64 `json:"reserveLamports"`
	LastUpdateEpoch uint64 `json:"lastUpdateEpoch"`
}
