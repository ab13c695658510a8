package history

import (
	"time"

	"github.com/stakepool-labs/cranker/pkg/db/clickhouse"
	"github.com/stakepool-labs/cranker/pkg/types"
)

const (
	EpochMetricsTableName         = "epoch_metrics"
	ValidatorEligibilityTableName = "validator_eligibility"
)

// EpochMetricsColumns is the epoch_metrics schema. ReplacingMergeTree(updated_at) ORDER BY epoch.
var EpochMetricsColumns = []clickhouse.ColumnDef{
	{Name: "epoch", Type: "UInt64", Codec: "Delta, ZSTD(3)"},
	{Name: "total_network_stake_weight", Type: "UInt64"},
	{Name: "participating_stake_weight", Type: "UInt64"},
	{Name: "pool_stake", Type: "UInt64"},
	{Name: "allocation_bps", Type: "UInt32"},
	{Name: "available_delegation_stake", Type: "UInt64"},
	{Name: "directed_stake_total", Type: "UInt64"},
	{Name: "eligible_validator_count", Type: "UInt64"},
	{Name: "updated_at", Type: "DateTime64(3)"},
}

// ValidatorEligibilityColumns is the validator_eligibility schema.
// ReplacingMergeTree(updated_at) ORDER BY (epoch, vote_account).
var ValidatorEligibilityColumns = []clickhouse.ColumnDef{
	{Name: "epoch", Type: "UInt64", Codec: "Delta, ZSTD(3)"},
	{Name: "vote_account", Type: "String", Codec: "ZSTD(1)"},
	{Name: "is_eligible", Type: "Bool"},
	{Name: "is_directed_stake_target", Type: "Bool"},
	{Name: "standard_share", Type: "UInt64"},
	{Name: "directed_stake", Type: "UInt64"},
	{Name: "ineligibility_reason", Type: "String", Codec: "ZSTD(1)"},
	{Name: "updated_at", Type: "DateTime64(3)"},
}

// EligibilityRow is the stored form of a types.ValidatorEligibility.
type EligibilityRow struct {
	Epoch                 uint64    `ch:"epoch"`
	VoteAccount           string    `ch:"vote_account"`
	IsEligible            bool      `ch:"is_eligible"`
	IsDirectedStakeTarget bool      `ch:"is_directed_stake_target"`
	StandardShare         uint64    `ch:"standard_share"`
	DirectedStake         uint64    `ch:"directed_stake"`
	IneligibilityReason   string    `ch:"ineligibility_reason"`
	UpdatedAt             time.Time `ch:"updated_at"`
}

func (r EligibilityRow) toType() types.ValidatorEligibility {
	return types.ValidatorEligibility{
		Epoch:                 r.Epoch,
		VoteAccount:           types.VoteAccount(r.VoteAccount),
		IsEligible:            r.IsEligible,
		IsDirectedStakeTarget: r.IsDirectedStakeTarget,
		StandardShare:         r.StandardShare,
		DirectedStake:         r.DirectedStake,
		IneligibilityReason:   r.IneligibilityReason,
	}
}
