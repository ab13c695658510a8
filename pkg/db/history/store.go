// Package history records what the crank decided each epoch: the epoch's allocation metrics and
// every validator's eligibility. It is a reporting store; nothing in a crank cycle reads it back.
package history

import (
	"context"
	"time"

	"github.com/stakepool-labs/cranker/pkg/types"
)

// Store persists epoch facts. Writes are upserts keyed by epoch and (epoch, vote_account).
type Store interface {
	UpsertEpochMetrics(ctx context.Context, m types.EpochMetrics) error
	UpsertValidatorEligibility(ctx context.Context, rows []types.ValidatorEligibility, at time.Time) error
	LatestEpochMetrics(ctx context.Context) (*types.EpochMetrics, error)
	EligibilityByEpoch(ctx context.Context, epoch uint64) ([]types.ValidatorEligibility, error)
	Close() error
}

// Discard is the Store used when persistence is disabled.
type Discard struct{}

func (Discard) UpsertEpochMetrics(context.Context, types.EpochMetrics) error { return nil }
func (Discard) UpsertValidatorEligibility(context.Context, []types.ValidatorEligibility, time.Time) error {
	return nil
}
func (Discard) LatestEpochMetrics(context.Context) (*types.EpochMetrics, error) { return nil, nil }
func (Discard) EligibilityByEpoch(context.Context, uint64) ([]types.ValidatorEligibility, error) {
	return nil, nil
}
func (Discard) Close() error { return nil }

var (
	_ Store = Discard{}
	_ Store = (*DB)(nil)
)
