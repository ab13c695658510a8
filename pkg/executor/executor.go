package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stakepool-labs/cranker/pkg/retry"
	"github.com/stakepool-labs/cranker/pkg/types"
	"go.uber.org/zap"
)

// Writer submits stake operations and reports on them.
type Writer interface {
	Submit(ctx context.Context, op types.Operation) (string, error)
	Confirm(ctx context.Context, handle string) (types.ConfirmStatus, error)
}

// StakeReader re-reads a validator's stake before any resubmission.
type StakeReader interface {
	ValidatorStake(ctx context.Context, va types.VoteAccount) (uint64, error)
}

// Journal remembers submissions across restarts.
type Journal interface {
	SaveSubmitted(ctx context.Context, epoch uint64, va types.VoteAccount, handle string) error
	Submitted(ctx context.Context, epoch uint64) (map[types.VoteAccount]string, error)
	ClearSubmitted(ctx context.Context, epoch uint64, va types.VoteAccount) error
}

// Config bounds execution.
type Config struct {
	// RetryBudget is the number of attempts an operation gets before it is abandoned.
	RetryBudget int
	// Backoff shapes the wait between attempts. Its MaxRetries is ignored.
	Backoff             retry.Config
	SubmitTimeout       time.Duration
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
	DustThreshold       uint64
	DryRun              bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RetryBudget: 5,
		Backoff: retry.Config{
			InitialDelay:  2 * time.Second,
			MaxDelay:      60 * time.Second,
			Multiplier:    2.0,
			JitterEnabled: true,
		},
		SubmitTimeout:       30 * time.Second,
		ConfirmTimeout:      60 * time.Second,
		ConfirmPollInterval: 2 * time.Second,
		DustThreshold:       1_000_000_000,
	}
}

// Executor drives operations to a terminal state one at a time, in the order given.
type Executor struct {
	cfg     Config
	writer  Writer
	reader  StakeReader
	journal Journal
	logger  *zap.Logger
	sleep   retry.SleepFunc
}

// New returns an Executor.
func New(cfg Config, writer Writer, reader StakeReader, journal Journal, logger *zap.Logger) *Executor {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 1
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * cfg.ConfirmPollInterval
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	return &Executor{
		cfg:     cfg,
		writer:  writer,
		reader:  reader,
		journal: journal,
		logger:  logger.With(zap.String("component", "executor")),
		sleep:   retry.Sleep,
	}
}

// WithSleep replaces the backoff sleep. Tests use it to skip real waits.
func (e *Executor) WithSleep(sleep retry.SleepFunc) *Executor {
	e.sleep = sleep
	return e
}

// Execute runs every operation and reports where each ended.
//
// ctx is the shutdown signal. It is checked before each submission only: an operation already
// submitted always finishes its confirmation wait. Operations not reached stay Pending.
func (e *Executor) Execute(ctx context.Context, epoch uint64, ops []types.Operation) Summary {
	summary := Summary{Epoch: epoch, Outcomes: make([]Outcome, 0, len(ops))}

	journalled, err := e.journal.Submitted(context.WithoutCancel(ctx), epoch)
	if err != nil {
		// Without the journal every operation is treated as possibly submitted.
		e.logger.Warn("submission journal unavailable, re-reading stake before every submission",
			zap.Uint64("epoch", epoch),
			zap.Error(err))
		journalled = nil
	}

	for _, op := range ops {
		_, seen := journalled[op.VoteAccount]
		reread := seen || err != nil
		out := e.run(ctx, op, reread)
		if out.Err != nil {
			out.Error = out.Err.Error()
		}
		summary.Outcomes = append(summary.Outcomes, out)
	}

	e.logger.Info("execution finished",
		zap.Uint64("epoch", epoch),
		zap.Int("operations", len(ops)),
		zap.Int("confirmed", summary.Count(types.StateConfirmed)),
		zap.Int("skipped", summary.Count(types.StateSkipped)),
		zap.Int("abandoned", summary.Count(types.StateAbandoned)),
		zap.Int("pending", summary.Count(types.StatePending)))
	return summary
}

func (e *Executor) run(ctx context.Context, op types.Operation, reread bool) Outcome {
	out := Outcome{Operation: op, State: types.StatePending}
	log := e.logger.With(
		zap.Uint64("epoch", op.Epoch),
		zap.String("vote_account", string(op.VoteAccount)),
		zap.String("kind", string(op.Kind)))

	if e.cfg.DryRun {
		log.Info("dry run, not submitting", zap.Uint64("amount", op.Amount), zap.Uint64("target", op.Target))
		out.State = types.StateSkipped
		return out
	}

	// Work on a context detached from shutdown; each call below carries its own timeout.
	work := context.WithoutCancel(ctx)

	for out.Attempts < e.cfg.RetryBudget {
		if ctx.Err() != nil {
			log.Info("shutdown requested, leaving operation pending", zap.Int("attempts", out.Attempts))
			out.State = types.StatePending
			return out
		}

		if reread {
			current, err := e.readStake(work, op.VoteAccount)
			if err != nil {
				out.Attempts++
				out.State = types.StateFailed
				out.Err = err
				log.Warn("stake re-read failed", zap.Int("attempt", out.Attempts), zap.Error(err))
				if !e.backoff(ctx, &out) {
					return out
				}
				continue
			}
			op = types.NewOperation(op.Epoch, op.VoteAccount, op.Target, current, e.cfg.DustThreshold)
			out.Operation = op
			if op.Kind == types.OperationNoOp {
				log.Info("stake already at target, not resubmitting", zap.Uint64("current", current))
				out.State = types.StateSkipped
				out.Err = nil
				e.clearJournal(work, op)
				return out
			}
		}

		out.Attempts++
		// Anything past this point may have reached the chain.
		reread = true

		handle, err := e.submit(work, op)
		if err != nil {
			out.State = types.StateFailed
			out.Err = err
			log.Warn("submission failed", zap.Int("attempt", out.Attempts), zap.Error(err))
			if !e.backoff(ctx, &out) {
				return out
			}
			continue
		}

		out.State = types.StateSubmitted
		out.Handle = handle
		if err := e.journal.SaveSubmitted(work, op.Epoch, op.VoteAccount, handle); err != nil {
			log.Warn("failed to journal submission", zap.String("handle", handle), zap.Error(err))
		}

		status := e.awaitConfirmation(work, handle)
		if status == types.ConfirmConfirmed {
			log.Info("operation confirmed",
				zap.String("handle", handle),
				zap.Uint64("amount", op.Amount),
				zap.Int("attempts", out.Attempts))
			out.State = types.StateConfirmed
			out.Err = nil
			e.clearJournal(work, op)
			return out
		}

		out.State = types.StateFailed
		if status == types.ConfirmFailed {
			out.Err = fmt.Errorf("transaction %s failed", handle)
		} else {
			out.Err = fmt.Errorf("transaction %s not confirmed within %s", handle, e.cfg.ConfirmTimeout)
		}
		log.Warn("operation not confirmed", zap.Int("attempt", out.Attempts), zap.Error(out.Err))
		if !e.backoff(ctx, &out) {
			return out
		}
	}

	out.State = types.StateAbandoned
	out.Err = fmt.Errorf("%w: %s after %d attempts: %v", types.ErrOperationAbandoned, op.VoteAccount, out.Attempts, out.Err)
	log.Error("operation abandoned", zap.Int("attempts", out.Attempts), zap.Error(out.Err))
	e.clearJournal(work, op)
	return out
}

// backoff waits before the next attempt. It returns false when the wait was cut short by
// shutdown, leaving the operation Pending. No wait happens once the budget is spent.
func (e *Executor) backoff(ctx context.Context, out *Outcome) bool {
	if out.Attempts >= e.cfg.RetryBudget {
		return true
	}
	delay := retry.Backoff(e.cfg.Backoff, out.Attempts)
	if err := e.sleep(ctx, delay); err != nil {
		out.State = types.StatePending
		return false
	}
	out.State = types.StatePending
	return true
}

func (e *Executor) readStake(ctx context.Context, va types.VoteAccount) (uint64, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	return e.reader.ValidatorStake(rctx, va)
}

func (e *Executor) submit(ctx context.Context, op types.Operation) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	return e.writer.Submit(sctx, op)
}

// awaitConfirmation polls until the chain settles the handle or ConfirmTimeout passes.
// A timeout reports ConfirmPending; the caller treats it as a lost confirmation.
func (e *Executor) awaitConfirmation(ctx context.Context, handle string) types.ConfirmStatus {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		status, err := e.writer.Confirm(cctx, handle)
		switch {
		case err != nil && !errors.Is(err, context.DeadlineExceeded):
			e.logger.Debug("confirmation poll failed", zap.String("handle", handle), zap.Error(err))
		case err == nil && status != types.ConfirmPending:
			return status
		}

		select {
		case <-cctx.Done():
			return types.ConfirmPending
		case <-ticker.C:
		}
	}
}

func (e *Executor) clearJournal(ctx context.Context, op types.Operation) {
	if err := e.journal.ClearSubmitted(ctx, op.Epoch, op.VoteAccount); err != nil {
		e.logger.Warn("failed to clear journal entry",
			zap.String("vote_account", string(op.VoteAccount)),
			zap.Error(err))
	}
}
