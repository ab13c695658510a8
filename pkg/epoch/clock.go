package epoch

import (
	"context"
	"fmt"

	"github.com/stakepool-labs/cranker/pkg/types"
	"go.uber.org/zap"
)

// Reader reports the chain's current epoch.
type Reader interface {
	EpochInfo(ctx context.Context) (types.EpochInfo, error)
}

// CompletionStore answers whether the crank already ran for an epoch.
type CompletionStore interface {
	IsComplete(ctx context.Context, epoch uint64) (bool, error)
}

// Clock decides when the crank should run. It never writes anything.
type Clock struct {
	reader      Reader
	completions CompletionStore
	logger      *zap.Logger
}

// NewClock returns a Clock over the given chain reader and completion store.
func NewClock(reader Reader, completions CompletionStore, logger *zap.Logger) *Clock {
	return &Clock{reader: reader, completions: completions, logger: logger.With(zap.String("component", "epoch_clock"))}
}

// CurrentEpoch returns the chain's current epoch.
func (c *Clock) CurrentEpoch(ctx context.Context) (uint64, error) {
	info, err := c.reader.EpochInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("read epoch info: %w", err)
	}
	return info.Epoch, nil
}

// EpochProgress returns the elapsed fraction of the current epoch in [0, 1).
func (c *Clock) EpochProgress(ctx context.Context) (float64, error) {
	_, progress, err := c.read(ctx)
	return progress, err
}

// IsCrankDue reports whether the current epoch is at least threshold through and has not been
// cranked yet, along with that epoch. Any read failure answers false.
func (c *Clock) IsCrankDue(ctx context.Context, threshold float64) (bool, uint64) {
	info, progress, err := c.read(ctx)
	if err != nil {
		c.logger.Warn("epoch reading unavailable, crank not due", zap.Error(err))
		return false, 0
	}
	if progress < threshold {
		return false, info.Epoch
	}

	done, err := c.completions.IsComplete(ctx, info.Epoch)
	if err != nil {
		c.logger.Warn("completion marker unavailable, crank not due",
			zap.Uint64("epoch", info.Epoch),
			zap.Error(err))
		return false, info.Epoch
	}
	if done {
		return false, info.Epoch
	}

	c.logger.Debug("crank due",
		zap.Uint64("epoch", info.Epoch),
		zap.Float64("progress", progress),
		zap.Float64("threshold", threshold))
	return true, info.Epoch
}

func (c *Clock) read(ctx context.Context) (types.EpochInfo, float64, error) {
	info, err := c.reader.EpochInfo(ctx)
	if err != nil {
		return types.EpochInfo{}, 0, fmt.Errorf("read epoch info: %w", err)
	}
	progress, ok := info.Progress()
	if !ok {
		return types.EpochInfo{}, 0, fmt.Errorf("epoch %d reports no slots: %w", info.Epoch, types.ErrUnavailable)
	}
	return info, progress, nil
}
