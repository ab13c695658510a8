// Package orchestrator runs the crank: it polls the epoch clock and, once an epoch is due, takes
// it through allocation, reconciliation, execution and recording, strictly in that order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stakepool-labs/cranker/pkg/allocator"
	"github.com/stakepool-labs/cranker/pkg/db/history"
	"github.com/stakepool-labs/cranker/pkg/executor"
	"github.com/stakepool-labs/cranker/pkg/marketplace"
	"github.com/stakepool-labs/cranker/pkg/reconciler"
	"github.com/stakepool-labs/cranker/pkg/telemetry"
	"github.com/stakepool-labs/cranker/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const blacklistedReason = "blacklisted"

// Clock says whether the current epoch is due for a crank.
type Clock interface {
	IsCrankDue(ctx context.Context, threshold float64) (bool, uint64)
}

// Marketplace supplies the epoch's stake weights, candidates and directed stake.
type Marketplace interface {
	NetworkStakeWeight(ctx context.Context, epoch uint64) (marketplace.NetworkStake, error)
	EligibleValidators(ctx context.Context, epoch uint64) ([]marketplace.Validator, error)
	DirectedTargets(ctx context.Context, epoch uint64) (map[types.VoteAccount]uint64, error)
}

// Executor drives operations to a terminal state.
type Executor interface {
	Execute(ctx context.Context, epoch uint64, ops []types.Operation) executor.Summary
}

// Completions records that an epoch's crank is done.
type Completions interface {
	MarkComplete(ctx context.Context, epoch uint64) error
}

// Lock is a leader lock shared with other instances. Acquire also renews a held lock.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config holds the loop's tunables.
type Config struct {
	Threshold    float64
	PollInterval time.Duration
	StageTimeout time.Duration
	Allocator    allocator.Config
	Reconcile    reconciler.Config
	Parallelism  int
	// OverrideEligible are treated as eligible whatever the marketplace says.
	OverrideEligible []types.VoteAccount
	// Blacklist are never eligible for a standard share. Wins over OverrideEligible.
	Blacklist []types.VoteAccount
	// DryRun cycles record nothing and never mark an epoch complete; each epoch is
	// dry-run once per process.
	DryRun bool
	// LeaseRenewInterval is how often a held leader lock is renewed while a cycle runs.
	// Defaults to 30s; keep it well under the lock TTL.
	LeaseRenewInterval time.Duration
}

// Deps are the collaborators. History, Lock and Metrics are optional.
type Deps struct {
	Clock       Clock
	Marketplace Marketplace
	Chain       reconciler.StakeReader
	Executor    Executor
	Completions Completions
	History     history.Store
	Lock        Lock
	Metrics     *telemetry.Metrics
	Logger      *zap.Logger
}

// Orchestrator is the control loop. Tick is not safe for concurrent use; Run calls it serially.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu        sync.RWMutex
	state     State
	observers []func(CycleReport)
	running   atomic.Bool
	// dryRan is the last dry-run epoch plus one.
	dryRan atomic.Uint64
}

// Plan is the computed, not yet executed, work for an epoch.
type Plan struct {
	Allocation allocator.Result     `json:"allocation"`
	Chain      reconciler.ChainState `json:"chain"`
	Operations []types.Operation    `json:"operations"`
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Clock == nil, deps.Marketplace == nil, deps.Chain == nil, deps.Executor == nil, deps.Completions == nil:
		return nil, fmt.Errorf("%w: orchestrator is missing a collaborator", types.ErrConfig)
	case cfg.PollInterval <= 0, cfg.StageTimeout <= 0:
		return nil, fmt.Errorf("%w: poll interval and stage timeout must be positive", types.ErrConfig)
	case cfg.Threshold <= 0 || cfg.Threshold >= 1:
		return nil, fmt.Errorf("%w: threshold %v outside (0, 1)", types.ErrConfig, cfg.Threshold)
	}
	if err := cfg.Allocator.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrConfig, err)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.LeaseRenewInterval <= 0 {
		cfg.LeaseRenewInterval = 30 * time.Second
	}
	if deps.History == nil {
		deps.History = history.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	o := &Orchestrator{cfg: cfg, deps: deps, log: deps.Logger.With(zap.String("component", "orchestrator")), state: StateIdle}
	o.setState(StateIdle)
	return o, nil
}

// OnCycle registers fn to receive every cycle report. Register before Run.
func (o *Orchestrator) OnCycle(fn func(CycleReport)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Running reports whether Run is looping.
func (o *Orchestrator) Running() bool { return o.running.Load() }

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	if o.deps.Metrics != nil {
		o.deps.Metrics.SetState(string(s), States)
	}
}

// Run ticks immediately and then every PollInterval until ctx is done. An in-flight execution
// finishes its current operation before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.running.Store(true)
	defer o.running.Store(false)

	o.log.Info("crank loop started",
		zap.Float64("threshold", o.cfg.Threshold),
		zap.Duration("poll_interval", o.cfg.PollInterval))

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := o.Tick(ctx); err != nil {
			o.log.Warn("crank cycle did not complete", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			if o.deps.Lock != nil {
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				if err := o.deps.Lock.Release(rctx); err != nil {
					o.log.Warn("failed to release leader lock", zap.Error(err))
				}
				cancel()
			}
			o.log.Info("crank loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs at most one cycle. It returns nil, nil when no crank is due; otherwise the report,
// plus the cause when the cycle was deferred or aborted.
func (o *Orchestrator) Tick(ctx context.Context) (*CycleReport, error) {
	if ctx.Err() != nil {
		return nil, nil
	}

	due, epoch := o.deps.Clock.IsCrankDue(ctx, o.cfg.Threshold)
	if o.deps.Metrics != nil && epoch > 0 {
		o.deps.Metrics.Epoch.Set(float64(epoch))
	}
	if !due || (o.cfg.DryRun && o.dryRan.Load() == epoch+1) {
		return nil, nil
	}

	report := &CycleReport{Epoch: epoch, StartedAt: time.Now().UTC()}
	defer func() {
		o.setState(StateIdle)
		report.FinishedAt = time.Now().UTC()
		o.publish(*report)
	}()

	cycleCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if o.deps.Lock != nil {
		held, err := o.deps.Lock.Acquire(ctx)
		if err != nil || !held {
			report.Result = ResultSkipped
			if err != nil {
				report.Error = err.Error()
			}
			o.log.Info("leader lock held elsewhere, skipping cycle", zap.Uint64("epoch", epoch), zap.Error(err))
			return report, nil
		}
		stop := o.keepLease(cycleCtx, cancel)
		defer stop()
	}
	ctx = cycleCtx

	log := o.log.With(zap.Uint64("epoch", epoch))
	log.Info("crank due, starting cycle")

	plan, err := o.plan(ctx, epoch)
	if err != nil {
		err = o.failed(report, err)
		log.Warn("cycle stopped before execution",
			zap.String("stage", string(report.Stage)),
			zap.String("result", string(report.Result)),
			zap.Error(err))
		return report, err
	}
	report.Metrics = &plan.Allocation.Metrics

	o.setState(StateExecuting)
	started := time.Now()
	summary := o.deps.Executor.Execute(ctx, epoch, plan.Operations)
	o.observe(StateExecuting, started)
	report.summarize(summary)
	o.countOperations(summary)

	if o.cfg.DryRun {
		if report.Result != ResultDeferred {
			report.Result = ResultDryRun
			o.dryRan.Store(epoch + 1)
		}
	} else {
		o.record(ctx, epoch, plan, summary, report)
	}

	log.Info("cycle finished",
		zap.String("result", string(report.Result)),
		zap.Int("operations", report.Operations),
		zap.Int("confirmed", report.Confirmed),
		zap.Int("abandoned", report.Abandoned),
		zap.Int("pending", report.Pending))

	if report.Result == ResultDeferred {
		report.Err = errors.New("execution interrupted before every operation settled")
		if cause := context.Cause(ctx); errors.Is(cause, ErrLeaseLost) {
			report.Err = fmt.Errorf("execution interrupted: %w", cause)
		}
		report.Error = report.Err.Error()
		return report, report.Err
	}
	return report, nil
}

// ErrLeaseLost stops a cycle whose leader lock could not be renewed.
var ErrLeaseLost = errors.New("leader lease lost")

// keepLease renews the leader lock every LeaseRenewInterval until stop is called. A failed or
// refused renewal cancels the cycle with ErrLeaseLost: the executor submits nothing further and
// the epoch is left for whichever instance holds the lock next.
func (o *Orchestrator) keepLease(ctx context.Context, cancel context.CancelCauseFunc) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(o.cfg.LeaseRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := o.deps.Lock.Acquire(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !held {
				o.log.Warn("leader lease lost mid-cycle, stopping submissions", zap.Error(err))
				o.countError(StateExecuting, ErrLeaseLost)
				cancel(ErrLeaseLost)
				return
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// Plan computes the current plan and operation list for epoch without executing anything.
func (o *Orchestrator) Plan(ctx context.Context, epoch uint64) (Plan, error) {
	return o.plan(ctx, epoch)
}

func (o *Orchestrator) plan(ctx context.Context, epoch uint64) (Plan, error) {
	o.setState(StateComputing)
	started := time.Now()
	alloc, err := o.compute(ctx, epoch)
	o.observe(StateComputing, started)
	if err != nil {
		return Plan{}, &stageError{stage: StateComputing, err: err}
	}
	o.publishAllocation(alloc)

	o.setState(StateReconciling)
	started = time.Now()
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	chain, err := reconciler.LoadChainState(sctx, o.log, o.deps.Chain, alloc.Plan, o.cfg.Parallelism)
	o.observe(StateReconciling, started)
	if err != nil {
		return Plan{}, &stageError{stage: StateReconciling, err: err}
	}

	ops := reconciler.Reconcile(o.cfg.Reconcile, alloc.Plan, chain)
	o.log.Info("plan reconciled",
		zap.Uint64("epoch", epoch),
		zap.Uint64("available", alloc.Plan.AvailableDelegationStake),
		zap.Int("targets", len(alloc.Plan.Targets)),
		zap.Int("operations", len(ops)))

	return Plan{Allocation: alloc, Chain: chain, Operations: ops}, nil
}

type inputs struct {
	stake      marketplace.NetworkStake
	validators []marketplace.Validator
	directed   map[types.VoteAccount]uint64
	pool       types.PoolInfo
}

// compute gathers the four inputs concurrently and allocates. Any failed read fails the stage:
// a missing input is never read as zero.
func (o *Orchestrator) compute(ctx context.Context, epoch uint64) (allocator.Result, error) {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	var in inputs
	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() (err error) {
		in.stake, err = o.deps.Marketplace.NetworkStakeWeight(gctx, epoch)
		return wrapRead("network stake weight", err)
	})
	g.Go(func() (err error) {
		in.validators, err = o.deps.Marketplace.EligibleValidators(gctx, epoch)
		return wrapRead("eligible validators", err)
	})
	g.Go(func() (err error) {
		in.directed, err = o.deps.Marketplace.DirectedTargets(gctx, epoch)
		return wrapRead("directed targets", err)
	})
	g.Go(func() (err error) {
		in.pool, err = o.deps.Chain.PoolInfo(gctx)
		return wrapRead("pool info", err)
	})
	if err := g.Wait(); err != nil {
		return allocator.Result{}, err
	}

	if in.stake.Epoch != epoch {
		return allocator.Result{}, fmt.Errorf("%w: marketplace reports epoch %d, chain is at %d", types.ErrInvalidInput, in.stake.Epoch, epoch)
	}

	return allocator.Allocate(o.cfg.Allocator, allocator.Input{
		Epoch: epoch,
		Stake: allocator.Stake{
			Total:         in.stake.Total,
			Participating: in.stake.Participating,
			Pool:          in.pool.TotalLamports,
		},
		Candidates: o.candidates(in.validators),
		Directed:   in.directed,
	})
}

// candidates applies operator overrides and the blacklist to the marketplace's list.
func (o *Orchestrator) candidates(vs []marketplace.Validator) []allocator.Candidate {
	override := make(map[types.VoteAccount]bool, len(o.cfg.OverrideEligible))
	for _, va := range o.cfg.OverrideEligible {
		override[va] = true
	}
	blocked := make(map[types.VoteAccount]bool, len(o.cfg.Blacklist))
	for _, va := range o.cfg.Blacklist {
		blocked[va] = true
	}

	out := make([]allocator.Candidate, 0, len(vs)+len(override))
	seen := make(map[types.VoteAccount]bool, len(vs))
	for _, v := range vs {
		c := allocator.Candidate{VoteAccount: v.VoteAccount, IsEligible: v.Eligible, Reason: v.Reason}
		if override[v.VoteAccount] {
			c.IsEligible, c.Reason = true, ""
		}
		if blocked[v.VoteAccount] {
			c.IsEligible, c.Reason = false, blacklistedReason
		}
		seen[v.VoteAccount] = true
		out = append(out, c)
	}

	extra := make([]types.VoteAccount, 0, len(override))
	for va := range override {
		if !seen[va] && !blocked[va] {
			extra = append(extra, va)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	for _, va := range extra {
		out = append(out, allocator.Candidate{VoteAccount: va, IsEligible: true})
	}
	return out
}

// record persists the epoch's facts and, once the sequence drained, marks the epoch complete.
// Persisting runs detached from shutdown so a drained epoch is not re-entered after restart.
func (o *Orchestrator) record(ctx context.Context, epoch uint64, plan Plan, summary executor.Summary, report *CycleReport) {
	o.setState(StateRecording)
	started := time.Now()
	defer o.observe(StateRecording, started)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StageTimeout)
	defer cancel()

	now := time.Now().UTC()
	metrics := plan.Allocation.Metrics
	metrics.Timestamp = now
	if err := o.deps.History.UpsertEpochMetrics(rctx, metrics); err != nil {
		o.log.Warn("failed to record epoch metrics", zap.Uint64("epoch", epoch), zap.Error(err))
		o.countError(StateRecording, err)
	}
	if err := o.deps.History.UpsertValidatorEligibility(rctx, plan.Allocation.Eligibility, now); err != nil {
		o.log.Warn("failed to record validator eligibility", zap.Uint64("epoch", epoch), zap.Error(err))
		o.countError(StateRecording, err)
	}

	if !summary.Drained() {
		return
	}
	if err := o.deps.Completions.MarkComplete(rctx, epoch); err != nil {
		// The next tick re-enters the epoch and finds nothing left to do.
		o.log.Error("failed to mark epoch complete", zap.Uint64("epoch", epoch), zap.Error(err))
		o.countError(StateRecording, err)
		return
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.LastCompleted.Set(float64(epoch))
	}
}

func (o *Orchestrator) failed(report *CycleReport, err error) error {
	stage := StateComputing
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
	}
	report.fail(stage, err)
	o.countError(stage, err)
	return err
}

func (o *Orchestrator) publish(r CycleReport) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.Cycles.WithLabelValues(string(r.Result)).Inc()
	}
	o.mu.RLock()
	observers := o.observers
	o.mu.RUnlock()
	for _, fn := range observers {
		fn(r)
	}
}

func (o *Orchestrator) publishAllocation(res allocator.Result) {
	if o.deps.Metrics == nil {
		return
	}
	o.deps.Metrics.AvailableStake.Set(float64(res.Plan.AvailableDelegationStake))
	o.deps.Metrics.EligibleCount.Set(float64(res.Metrics.EligibleValidatorCount))
	o.deps.Metrics.DirectedStake.Set(float64(res.Metrics.DirectedStakeTotal))
}

func (o *Orchestrator) countOperations(s executor.Summary) {
	if o.deps.Metrics == nil {
		return
	}
	for _, out := range s.Outcomes {
		o.deps.Metrics.Operations.WithLabelValues(string(out.State), string(out.Operation.Kind)).Inc()
		if out.Err != nil {
			o.countError(StateExecuting, out.Err)
		}
	}
}

func (o *Orchestrator) countError(stage State, err error) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.Errors.WithLabelValues(string(stage), errorClass(err)).Inc()
	}
}

func (o *Orchestrator) observe(stage State, started time.Time) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveStage(string(stage), started)
	}
}

type stageError struct {
	stage State
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

func wrapRead(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("read %s: %w", what, err)
}
