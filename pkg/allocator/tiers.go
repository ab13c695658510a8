package allocator

import (
	"fmt"

	"github.com/stakepool-labs/cranker/pkg/types"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10_000

// Tier allocates RateBps of the pool's stake once marketplace participation reaches ThresholdBps.
type Tier struct {
	ThresholdBps uint32 `json:"threshold_bps" yaml:"threshold_bps" mapstructure:"threshold_bps"`
	RateBps      uint32 `json:"rate_bps" yaml:"rate_bps" mapstructure:"rate_bps"`
}

// Schedule is a list of tiers ordered by ascending threshold.
type Schedule []Tier

// DefaultSchedule mirrors the published delegation criteria: 20% of the pool at launch,
// stepping up to 100% once 40% of the network participates.
func DefaultSchedule() Schedule {
	return Schedule{
		{ThresholdBps: 0, RateBps: 2_000},
		{ThresholdBps: 2_000, RateBps: 3_000},
		{ThresholdBps: 2_500, RateBps: 4_000},
		{ThresholdBps: 3_000, RateBps: 5_000},
		{ThresholdBps: 3_500, RateBps: 7_000},
		{ThresholdBps: 4_000, RateBps: 10_000},
	}
}

// Validate checks the schedule is monotonic: thresholds strictly ascending, rates non-decreasing,
// nothing above 100%.
func (s Schedule) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: tier schedule is empty", types.ErrInvalidInput)
	}
	for i, t := range s {
		if t.ThresholdBps > BpsDenominator || t.RateBps > BpsDenominator {
			return fmt.Errorf("%w: tier %d exceeds %d bps", types.ErrInvalidInput, i, BpsDenominator)
		}
		if i == 0 {
			continue
		}
		prev := s[i-1]
		if t.ThresholdBps <= prev.ThresholdBps {
			return fmt.Errorf("%w: tier %d threshold %d not above %d", types.ErrInvalidInput, i, t.ThresholdBps, prev.ThresholdBps)
		}
		if t.RateBps < prev.RateBps {
			return fmt.Errorf("%w: tier %d rate %d below previous %d", types.ErrInvalidInput, i, t.RateBps, prev.RateBps)
		}
	}
	return nil
}

// Rate returns the rate of the highest tier whose threshold is at or below ratioBps, or 0.
func (s Schedule) Rate(ratioBps uint64) uint32 {
	var rate uint32
	for _, t := range s {
		if uint64(t.ThresholdBps) > ratioBps {
			break
		}
		rate = t.RateBps
	}
	return rate
}
