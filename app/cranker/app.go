package cranker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stakepool-labs/cranker/pkg/checkpoint"
	"github.com/stakepool-labs/cranker/pkg/config"
	"github.com/stakepool-labs/cranker/pkg/db/clickhouse"
	"github.com/stakepool-labs/cranker/pkg/db/history"
	"github.com/stakepool-labs/cranker/pkg/epoch"
	"github.com/stakepool-labs/cranker/pkg/executor"
	"github.com/stakepool-labs/cranker/pkg/marketplace"
	"github.com/stakepool-labs/cranker/pkg/notify"
	"github.com/stakepool-labs/cranker/pkg/orchestrator"
	"github.com/stakepool-labs/cranker/pkg/reconciler"
	"github.com/stakepool-labs/cranker/pkg/redis"
	"github.com/stakepool-labs/cranker/pkg/rpc"
	"github.com/stakepool-labs/cranker/pkg/telemetry"
	"github.com/stakepool-labs/cranker/pkg/types"
)

// reportsKept is how many epochs of cycle reports /status serves.
const reportsKept = 16

// ChainReader is what the pool metrics job reads.
type ChainReader interface {
	EpochInfo(ctx context.Context) (types.EpochInfo, error)
	PoolInfo(ctx context.Context) (types.PoolInfo, error)
	PoolValidators(ctx context.Context) ([]types.VoteAccount, error)
}

// App wires the crank loop to its stores, the status server and the pool metrics job.
type App struct {
	Config *config.Config

	Chain        ChainReader
	Orchestrator *orchestrator.Orchestrator
	Checkpoints  checkpoint.Store
	History      history.Store
	// RedisClient is nil when Redis is disabled.
	RedisClient *redis.Client
	// Alerts is nil when no webhook is configured.
	Alerts      *notify.Webhook
	Metrics     *telemetry.Metrics

	// Reports holds the latest cycle report per epoch.
	Reports *xsync.Map[uint64, orchestrator.CycleReport]

	Cron     *cron.Cron
	CronSpec string

	Logger *zap.Logger
	Server *http.Server
}

// Initialize builds every collaborator from cfg. Failures here are configuration or
// collaborator-unavailability errors and should stop the process. Anything opened before a
// failure is closed again.
//
// A dry run never touches shared state: checkpoints are kept in memory, nothing is written to
// the history store and the leader lock is not taken.
func Initialize(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				logger.Warn("closing after failed initialization", zap.Error(cerr))
			}
		}
	}()

	dryRun := cfg.Executor.DryRun
	if dryRun {
		logger.Info("dry run - checkpoints in memory, history and leader lock disabled")
	}
	metrics := telemetry.New(cfg.Cluster)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		rc, err := redis.NewClient(ctx, logger, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return nil, fmt.Errorf("%w: redis: %w", types.ErrUnavailable, err)
		}
		redisClient = rc
		closers = append(closers, rc.Close)
	} else {
		logger.Info("Redis disabled - leader lock, shared checkpoints and /ws will not be available")
	}

	var checkpoints checkpoint.Store
	if dryRun {
		checkpoints, err = checkpoint.OpenMemory()
	} else {
		var cmd checkpoint.RedisCmdable
		if redisClient != nil {
			cmd = redisClient.GetClient()
		}
		checkpoints, err = checkpoint.Open(cfg.Checkpoint.Backend, cfg.Checkpoint.Path, cmd)
	}
	if err != nil {
		return nil, err
	}
	closers = append(closers, checkpoints.Close)

	var store history.Store = history.Discard{}
	if cfg.Store.Backend == "clickhouse" && !dryRun {
		db, err := history.Open(ctx, logger, clickhouse.Options{Database: cfg.Store.Database})
		if err != nil {
			return nil, err
		}
		store = db
		closers = append(closers, db.Close)
	}

	chain := rpc.NewHTTPWithOpts(cfg.RPCOpts())
	market, err := marketplace.New(cfg.MarketplaceConfig(), logger)
	if err != nil {
		return nil, err
	}

	var alerts *notify.Webhook
	if cfg.Alerts.WebhookURL != "" {
		if alerts, err = notify.New(cfg.AlertsConfig(), logger); err != nil {
			return nil, err
		}
	}

	deps := orchestrator.Deps{
		Clock:       epoch.NewClock(chain, checkpoints, logger),
		Marketplace: market,
		Chain:       chain,
		Executor:    executor.New(cfg.ExecutorConfig(), chain, chain, checkpoints, logger),
		Completions: checkpoints,
		History:     store,
		Metrics:     metrics,
		Logger:      logger,
	}
	if cfg.Lock.Enabled && !dryRun {
		deps.Lock = redisClient.NewLock(fmt.Sprintf("cranker:%s:leader:%s", cfg.Cluster, cfg.PoolAddress), cfg.Lock.TTL)
	}

	orch, err := orchestrator.New(OrchestratorConfig(cfg), deps)
	if err != nil {
		return nil, err
	}

	app = New(cfg, chain, orch, checkpoints, store, redisClient, metrics, logger)
	app.Alerts = alerts
	if err = app.SetupScheduler(ctx, cfg.Metrics.PoolCron); err != nil {
		return nil, fmt.Errorf("%w: metrics.pool_cron: %w", types.ErrConfig, err)
	}
	app.SetupServer()
	return app, nil
}

// New assembles an App from already built collaborators and subscribes it to cycle reports.
func New(cfg *config.Config, chain ChainReader, orch *orchestrator.Orchestrator, checkpoints checkpoint.Store,
	store history.Store, redisClient *redis.Client, metrics *telemetry.Metrics, logger *zap.Logger) *App {
	app := &App{
		Config:       cfg,
		Chain:        chain,
		Orchestrator: orch,
		Checkpoints:  checkpoints,
		History:      store,
		RedisClient:  redisClient,
		Metrics:      metrics,
		Reports:      xsync.NewMap[uint64, orchestrator.CycleReport](),
		Logger:       logger,
	}
	orch.OnCycle(app.onCycle)
	return app
}

// OrchestratorConfig maps the process configuration onto the loop's.
func OrchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Threshold:          cfg.Crank.Threshold,
		PollInterval:       cfg.Crank.PollInterval,
		StageTimeout:       cfg.Crank.StageTimeout,
		Allocator:          cfg.AllocatorConfig(),
		Reconcile:          reconciler.Config{DustThreshold: cfg.Reconcile.DustThreshold},
		Parallelism:        cfg.Reconcile.Parallelism,
		OverrideEligible:   voteAccounts(cfg.Allocation.OverrideEligible),
		Blacklist:          voteAccounts(cfg.Allocation.Blacklist),
		DryRun:             cfg.Executor.DryRun,
		LeaseRenewInterval: cfg.LeaseRenewInterval(),
	}
}

// CycleChannel is the Pub/Sub channel cycle reports are published on.
func (a *App) CycleChannel() string {
	return fmt.Sprintf("cranker:%s:cycle", a.Config.Cluster)
}

// CycleStream is the capped stream cycle reports are appended to.
func (a *App) CycleStream() string {
	return fmt.Sprintf("cranker:%s:cycles", a.Config.Cluster)
}

func (a *App) onCycle(r orchestrator.CycleReport) {
	a.alert(r)
	a.Reports.Store(r.Epoch, r)
	if a.Reports.Size() > reportsKept {
		epochs := a.reportEpochs()
		for _, e := range epochs[reportsKept:] {
			a.Reports.Delete(e)
		}
	}

	if a.RedisClient == nil {
		return
	}
	payload, err := marshalReport(r)
	if err != nil {
		a.Logger.Warn("failed to encode cycle report", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	a.RedisClient.Publish(ctx, a.CycleChannel(), payload)
	a.RedisClient.XAdd(ctx, a.CycleStream(), map[string]interface{}{
		"epoch":  r.Epoch,
		"result": string(r.Result),
		"report": payload,
	})
}

// alert posts aborted and partial cycles to the configured webhook.
func (a *App) alert(r orchestrator.CycleReport) {
	if a.Alerts == nil || (r.Result != orchestrator.ResultAborted && r.Result != orchestrator.ResultPartial) {
		return
	}
	msg := notify.Alert{
		Text:    fmt.Sprintf("cranker %s: epoch %d %s for pool %s", a.Config.Cluster, r.Epoch, r.Result, a.Config.PoolAddress),
		Cluster: a.Config.Cluster,
		Pool:    a.Config.PoolAddress,
		Epoch:   r.Epoch,
		Result:  string(r.Result),
		Error:   r.Error,
	}
	if r.Summary != nil {
		for _, op := range r.Summary.Abandoned() {
			msg.Abandoned = append(msg.Abandoned, notify.Abandoned{
				VoteAccount: string(op.Operation.VoteAccount),
				Kind:        string(op.Operation.Kind),
				Lamports:    op.Operation.Amount,
				Error:       op.Error,
			})
		}
		if n := len(msg.Abandoned); n > 0 {
			msg.Text += fmt.Sprintf(", %d operation(s) abandoned", n)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Alerts.Notify(ctx, msg); err != nil {
		a.Logger.Warn("failed to post alert", zap.Uint64("epoch", r.Epoch), zap.Error(err))
	}
}

// reportEpochs returns the epochs with a stored report, newest first.
func (a *App) reportEpochs() []uint64 {
	epochs := make([]uint64, 0, a.Reports.Size())
	a.Reports.Range(func(e uint64, _ orchestrator.CycleReport) bool {
		epochs = append(epochs, e)
		return true
	})
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] > epochs[j] })
	return epochs
}

// SetupScheduler registers the pool metrics job.
func (a *App) SetupScheduler(ctx context.Context, cronSpec string) error {
	logger := cronLogger{a.Logger.Named("cron").Sugar()}
	a.Cron = cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	a.CronSpec = cronSpec

	_, err := a.Cron.AddFunc(cronSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
		if err := a.ReportPoolMetrics(rctx); err != nil {
			a.Logger.Warn("pool metrics job failed", zap.Error(err))
		}
	})
	return err
}

// ReportPoolMetrics refreshes the epoch progress and pool gauges.
func (a *App) ReportPoolMetrics(ctx context.Context) error {
	info, err := a.Chain.EpochInfo(ctx)
	if err != nil {
		return fmt.Errorf("epoch info: %w", err)
	}
	a.Metrics.Epoch.Set(float64(info.Epoch))
	if progress, ok := info.Progress(); ok {
		a.Metrics.EpochProgress.Set(progress)
	}

	pool, err := a.Chain.PoolInfo(ctx)
	if err != nil {
		return fmt.Errorf("pool info: %w", err)
	}
	a.Metrics.PoolStake.Set(float64(pool.TotalLamports))
	a.Metrics.PoolReserve.Set(float64(pool.ReserveLamports))

	validators, err := a.Chain.PoolValidators(ctx)
	if err != nil {
		return fmt.Errorf("pool validators: %w", err)
	}
	a.Metrics.ManagedValidators.Set(float64(len(validators)))
	return nil
}

// Ready reports whether the crank loop is running.
func (a *App) Ready() bool { return a.Orchestrator.Running() }

// Start serves HTTP, starts the metrics job and runs the crank loop until ctx is done, then
// shuts everything down in reverse order.
func (a *App) Start(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.Cron.Start()
	a.Logger.Info("Cron started", zap.String("cronSpec", a.CronSpec))

	runErr := a.Orchestrator.Run(ctx)

	a.Logger.Info("shutting down…")
	<-a.Cron.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("server shutdown", zap.Error(err))
	}
	a.Close()

	select {
	case err := <-serverErr:
		return errors.Join(runErr, err)
	default:
		return runErr
	}
}

// Close releases the stores and connections.
func (a *App) Close() {
	if err := a.Checkpoints.Close(); err != nil {
		a.Logger.Warn("closing checkpoints", zap.Error(err))
	}
	if err := a.History.Close(); err != nil {
		a.Logger.Warn("closing history store", zap.Error(err))
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Warn("closing redis", zap.Error(err))
		}
	}
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

func voteAccounts(in []string) []types.VoteAccount {
	out := make([]types.VoteAccount, 0, len(in))
	for _, s := range in {
		out = append(out, types.VoteAccount(s))
	}
	return out
}
