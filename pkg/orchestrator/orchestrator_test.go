package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stakepool-labs/cranker/pkg/allocator"
	"github.com/stakepool-labs/cranker/pkg/checkpoint"
	"github.com/stakepool-labs/cranker/pkg/epoch"
	"github.com/stakepool-labs/cranker/pkg/executor"
	"github.com/stakepool-labs/cranker/pkg/marketplace"
	"github.com/stakepool-labs/cranker/pkg/orchestrator"
	"github.com/stakepool-labs/cranker/pkg/reconciler"
	"github.com/stakepool-labs/cranker/pkg/telemetry"
	fakes "github.com/stakepool-labs/cranker/pkg/testutil"
	"github.com/stakepool-labs/cranker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testEpoch = 10

type recordingStore struct {
	mu          sync.Mutex
	metrics     []types.EpochMetrics
	eligibility []types.ValidatorEligibility
	err         error
}

func (s *recordingStore) UpsertEpochMetrics(_ context.Context, m types.EpochMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *recordingStore) UpsertValidatorEligibility(_ context.Context, rows []types.ValidatorEligibility, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.eligibility = append(s.eligibility, rows...)
	return nil
}

func (s *recordingStore) LatestEpochMetrics(context.Context) (*types.EpochMetrics, error) {
	return nil, nil
}

func (s *recordingStore) EligibilityByEpoch(context.Context, uint64) ([]types.ValidatorEligibility, error) {
	return nil, nil
}

func (s *recordingStore) Close() error { return nil }

type fakeLock struct {
	held bool
	err  error
}

func (l *fakeLock) Acquire(context.Context) (bool, error) { return l.held, l.err }
func (l *fakeLock) Release(context.Context) error         { return nil }

type stalledExecutor struct{}

func (stalledExecutor) Execute(_ context.Context, epoch uint64, ops []types.Operation) executor.Summary {
	s := executor.Summary{Epoch: epoch}
	for _, op := range ops {
		s.Outcomes = append(s.Outcomes, executor.Outcome{Operation: op, State: types.StatePending})
	}
	return s
}

type harness struct {
	chain       *fakes.Chain
	market      *fakes.Marketplace
	checkpoints *checkpoint.LevelDB
	store       *recordingStore
	metrics     *telemetry.Metrics
	deps        orchestrator.Deps
	cfg         orchestrator.Config
}

func noSleep(context.Context, time.Duration) error { return nil }

// newHarness: pool of 1,000,000 at 10% participation (20% tier) gives 200,000 to split
// between alice and bob; carol is ineligible but directed 10,000; "old" is drawn down.
func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	chain := fakes.NewChain(types.EpochInfo{Epoch: testEpoch, SlotIndex: 90, SlotsInEpoch: 100},
		map[types.VoteAccount]uint64{"old": 5_000})
	chain.Pool = types.PoolInfo{TotalLamports: 1_000_000, ReserveLamports: 1_000_000}

	market := &fakes.Marketplace{
		Total:         10_000_000,
		Participating: 1_000_000,
		Validators: []marketplace.Validator{
			{VoteAccount: "alice", Eligible: true},
			{VoteAccount: "bob", Eligible: true},
			{VoteAccount: "carol", Eligible: false, Reason: "commission"},
		},
		Directed: map[types.VoteAccount]uint64{"carol": 10_000},
	}

	cps, err := checkpoint.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cps.Close() })

	execCfg := executor.DefaultConfig()
	execCfg.RetryBudget = 2
	execCfg.DustThreshold = 10
	execCfg.ConfirmTimeout = 50 * time.Millisecond
	execCfg.ConfirmPollInterval = time.Millisecond

	store := &recordingStore{}
	metrics := telemetry.New("test")

	h := &harness{
		chain:       chain,
		market:      market,
		checkpoints: cps,
		store:       store,
		metrics:     metrics,
		cfg: orchestrator.Config{
			Threshold:    0.85,
			PollInterval: 10 * time.Millisecond,
			StageTimeout: time.Second,
			Allocator:    allocator.Config{Schedule: allocator.DefaultSchedule()},
			Reconcile:    reconciler.Config{DustThreshold: 10},
			Parallelism:  4,
		},
	}
	h.deps = orchestrator.Deps{
		Clock:       epoch.NewClock(chain, cps, logger),
		Marketplace: market,
		Chain:       chain,
		Executor:    executor.New(execCfg, chain, chain, cps, logger).WithSleep(noSleep),
		Completions: cps,
		History:     store,
		Metrics:     metrics,
		Logger:      logger,
	}
	return h
}

func (h *harness) orchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(h.cfg, h.deps)
	require.NoError(t, err)
	return o
}

func (h *harness) complete(t *testing.T) bool {
	t.Helper()
	done, err := h.checkpoints.IsComplete(context.Background(), testEpoch)
	require.NoError(t, err)
	return done
}

func TestTickCompletesEpoch(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	var reports []orchestrator.CycleReport
	o.OnCycle(func(r orchestrator.CycleReport) { reports = append(reports, r) })

	report, err := o.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, orchestrator.ResultCompleted, report.Result)
	assert.Equal(t, 4, report.Operations)
	assert.Equal(t, 4, report.Confirmed)
	assert.Equal(t, uint64(100_000), h.chain.Stake("alice"))
	assert.Equal(t, uint64(100_000), h.chain.Stake("bob"))
	assert.Equal(t, uint64(10_000), h.chain.Stake("carol"))
	assert.Equal(t, uint64(0), h.chain.Stake("old"))
	assert.True(t, h.complete(t))
	assert.Equal(t, orchestrator.StateIdle, o.State())

	require.Len(t, h.store.metrics, 1)
	m := h.store.metrics[0]
	assert.Equal(t, uint64(200_000), m.AvailableDelegationStake)
	assert.Equal(t, uint32(2_000), m.AllocationBps)
	assert.Equal(t, uint64(10_000), m.DirectedStakeTotal)
	assert.False(t, m.Timestamp.IsZero())
	assert.Len(t, h.store.eligibility, 3)

	require.Len(t, reports, 1)
	assert.Equal(t, orchestrator.ResultCompleted, reports[0].Result)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("completed")))
	assert.Equal(t, float64(testEpoch), testutil.ToFloat64(h.metrics.LastCompleted))

	// Progress is still past the threshold, but the epoch is done.
	again, err := o.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Len(t, h.chain.Submissions, 4)
}

func TestTickNotDueBeforeThreshold(t *testing.T) {
	h := newHarness(t)
	h.chain.Epoch.SlotIndex = 50
	o := h.orchestrator(t)

	report, err := o.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Zero(t, h.market.Calls)
	assert.Empty(t, h.chain.Submissions)
}

func TestTickDefersOnUnavailableMarketplace(t *testing.T) {
	h := newHarness(t)
	h.market.ValidatorErr = fmt.Errorf("validators: %w", types.ErrUnavailable)
	o := h.orchestrator(t)

	report, err := o.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnavailable)
	require.NotNil(t, report)
	assert.Equal(t, orchestrator.ResultDeferred, report.Result)
	assert.Equal(t, orchestrator.StateComputing, report.Stage)
	assert.Empty(t, h.chain.Submissions)
	assert.Empty(t, h.store.metrics)
	assert.False(t, h.complete(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Errors.WithLabelValues("computing", "unavailable")))
}

func TestTickAbortsOnEpochSkew(t *testing.T) {
	h := newHarness(t)
	h.market.Epoch = testEpoch - 1
	o := h.orchestrator(t)

	report, err := o.Tick(context.Background())
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	require.NotNil(t, report)
	assert.Equal(t, orchestrator.ResultAborted, report.Result)
	assert.Empty(t, h.chain.Submissions)
	assert.False(t, h.complete(t))
}

func TestTickAbortsOnInconsistentStake(t *testing.T) {
	h := newHarness(t)
	h.market.Total = 0
	o := h.orchestrator(t)

	report, err := o.Tick(context.Background())
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	assert.Equal(t, orchestrator.ResultAborted, report.Result)
	assert.Empty(t, h.chain.Submissions)
}

func TestTickDefersOnChainReadFailure(t *testing.T) {
	h := newHarness(t)
	h.chain.ReadFailures["alice"] = 1
	o := h.orchestrator(t)

	report, err := o.Tick(context.Background())
	assert.ErrorIs(t, err, types.ErrUnavailable)
	assert.Equal(t, orchestrator.StateReconciling, report.Stage)
	assert.Equal(t, orchestrator.ResultDeferred, report.Result)
	assert.Empty(t, h.chain.Submissions)

	// The next tick retries the same epoch and succeeds.
	report, err = o.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ResultCompleted, report.Result)
}

func TestTickPartialStillCompletesEpoch(t *testing.T) {
	h := newHarness(t)
	h.chain.SubmitFailures["bob"] = 10
	o := h.orchestrator(t)

	report, err := o.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ResultPartial, report.Result)
	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, 3, report.Confirmed)
	assert.Equal(t, uint64(100_000), h.chain.Stake("alice"))
	assert.Equal(t, uint64(0), h.chain.Stake("bob"))
	assert.True(t, h.complete(t))
}

func TestTickInterruptedExecutionIsNotComplete(t *testing.T) {
	h := newHarness(t)
	h.deps.Executor = stalledExecutor{}
	o := h.orchestrator(t)

	report, err := o.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, orchestrator.ResultDeferred, report.Result)
	assert.Equal(t, 4, report.Pending)
	assert.False(t, h.complete(t))
	assert.Len(t, h.store.metrics, 1, "facts are still recorded")
}

func TestTickRecordingFailureDoesNotBlockCompletion(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("clickhouse down")
	o := h.orchestrator(t)

	report, err := o.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ResultCompleted, report.Result)
	assert.True(t, h.complete(t))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Errors.WithLabelValues("recording", "other")))
}

func TestTickSkipsWithoutLeaderLock(t *testing.T) {
	h := newHarness(t)
	h.deps.Lock = &fakeLock{held: false}
	o := h.orchestrator(t)

	report, err := o.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ResultSkipped, report.Result)
	assert.Zero(t, h.market.Calls)
	assert.Empty(t, h.chain.Submissions)
	assert.False(t, h.complete(t))
}

func TestTickIsIdempotentAfterRestart(t *testing.T) {
	h := newHarness(t)
	h.chain.Stakes["alice"] = 100_000 // landed before the restart

	report, err := h.orchestrator(t).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Operations)
	assert.Zero(t, h.chain.SubmissionsFor("alice"))
}

func TestPlanAppliesOverridesAndBlacklist(t *testing.T) {
	h := newHarness(t)
	h.cfg.OverrideEligible = []types.VoteAccount{"carol", "zed"}
	h.cfg.Blacklist = []types.VoteAccount{"alice", "zed"}
	o := h.orchestrator(t)

	plan, err := o.Plan(context.Background(), testEpoch)
	require.NoError(t, err)

	targets := plan.Allocation.Plan.Targets
	assert.Equal(t, types.Target{Standard: 100_000}, targets["bob"])
	assert.Equal(t, types.Target{Standard: 100_000, Directed: 10_000}, targets["carol"])
	assert.NotContains(t, targets, types.VoteAccount("alice"))
	assert.NotContains(t, targets, types.VoteAccount("zed"))
	assert.Empty(t, h.chain.Submissions, "planning never submits")

	for _, row := range plan.Allocation.Eligibility {
		if row.VoteAccount == "alice" {
			assert.False(t, row.IsEligible)
			assert.Equal(t, "blacklisted", row.IneligibilityReason)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	cycles := make(chan orchestrator.CycleReport, 1)
	o.OnCycle(func(r orchestrator.CycleReport) {
		select {
		case cycles <- r:
		default:
		}
	})

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	select {
	case r := <-cycles:
		assert.Equal(t, orchestrator.ResultCompleted, r.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle reported")
	}
	assert.Eventually(t, o.Running, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, o.Running())
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	h := newHarness(t)
	h.deps.Marketplace = nil
	_, err := orchestrator.New(h.cfg, h.deps)
	assert.ErrorIs(t, err, types.ErrConfig)

	h = newHarness(t)
	h.cfg.Threshold = 1.2
	_, err = orchestrator.New(h.cfg, h.deps)
	assert.ErrorIs(t, err, types.ErrConfig)
}

type leaseLock struct {
	mu       sync.Mutex
	grants   int // Acquire calls that succeed before the lease is refused
	acquires int
	released bool
}

func (l *leaseLock) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	return l.acquires <= l.grants, nil
}

func (l *leaseLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

func (l *leaseLock) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires
}

// blockingExecutor holds every operation until ctx is cancelled, then leaves them pending.
type blockingExecutor struct{}

func (blockingExecutor) Execute(ctx context.Context, epoch uint64, ops []types.Operation) executor.Summary {
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
	return stalledExecutor{}.Execute(ctx, epoch, ops)
}

type slowExecutor struct {
	inner orchestrator.Executor
	delay time.Duration
}

func (e slowExecutor) Execute(ctx context.Context, epoch uint64, ops []types.Operation) executor.Summary {
	time.Sleep(e.delay)
	return e.inner.Execute(ctx, epoch, ops)
}

func TestDryRunLeavesEpochForLiveCrank(t *testing.T) {
	h := newHarness(t)
	live := h.deps.Executor

	dryCfg := executor.DefaultConfig()
	dryCfg.DryRun = true
	h.deps.Executor = executor.New(dryCfg, h.chain, h.chain, h.checkpoints, zaptest.NewLogger(t))
	h.cfg.DryRun = true
	dry := h.orchestrator(t)

	report, err := dry.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, orchestrator.ResultDryRun, report.Result)
	assert.Equal(t, 4, report.Skipped)
	assert.Empty(t, h.chain.Submissions)
	assert.False(t, h.complete(t))
	assert.Empty(t, h.store.metrics)
	assert.Empty(t, h.store.eligibility)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("dry_run")))

	again, err := dry.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, again, "an epoch is dry-run once")

	h.deps.Executor = live
	h.cfg.DryRun = false
	report, err = h.orchestrator(t).Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, orchestrator.ResultCompleted, report.Result)
	assert.Len(t, h.chain.Submissions, 4)
	assert.True(t, h.complete(t))
}

func TestTickStopsWhenLeaseIsLost(t *testing.T) {
	h := newHarness(t)
	lock := &leaseLock{grants: 1}
	h.deps.Lock = lock
	h.deps.Executor = blockingExecutor{}
	h.cfg.LeaseRenewInterval = 5 * time.Millisecond
	o := h.orchestrator(t)

	started := time.Now()
	report, err := o.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrLeaseLost)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, orchestrator.ResultDeferred, report.Result)
	assert.Equal(t, 4, report.Pending)
	assert.False(t, h.complete(t))
	assert.Equal(t, 2, lock.calls())
}

func TestTickRenewsLeaseWhileExecuting(t *testing.T) {
	h := newHarness(t)
	lock := &leaseLock{grants: 1000}
	h.deps.Lock = lock
	h.deps.Executor = slowExecutor{inner: h.deps.Executor, delay: 60 * time.Millisecond}
	h.cfg.LeaseRenewInterval = 5 * time.Millisecond
	o := h.orchestrator(t)

	report, err := o.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ResultCompleted, report.Result)
	assert.True(t, h.complete(t))
	assert.Greater(t, lock.calls(), 2)

	// The keeper stops with the cycle.
	settled := lock.calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, lock.calls())
}
