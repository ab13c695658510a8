// cranker runs the epoch boundary crank for a liquid staking pool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/stakepool-labs/cranker/app/cranker"
	"github.com/stakepool-labs/cranker/pkg/config"
	"github.com/stakepool-labs/cranker/pkg/logging"
)

var (
	version = "dev"

	configFlag = cli.StringFlag{
		Name:   "config",
		Usage:  "path to a YAML/TOML/JSON config file",
		EnvVar: "CRANKER_CONFIG",
	}
	networkFlag = cli.StringFlag{
		Name:  "network",
		Usage: "cluster name: mainnet, testnet, devnet or localnet",
	}
	rpcURLFlag = cli.StringFlag{
		Name:  "rpc-url",
		Usage: "chain RPC endpoint, overrides the network default",
	}
	marketplaceURLFlag = cli.StringFlag{
		Name:  "marketplace-url",
		Usage: "stake marketplace API base URL",
	}
	poolFlag = cli.StringFlag{
		Name:  "pool",
		Usage: "stake pool address",
	}
	thresholdFlag = cli.Float64Flag{
		Name:  "threshold",
		Usage: "epoch progress in (0, 1) after which the crank runs",
	}
	pollIntervalFlag = cli.DurationFlag{
		Name:  "poll-interval",
		Usage: "how often the epoch clock is polled",
	}
	dryRunFlag = cli.BoolFlag{
		Name:  "dry-run",
		Usage: "plan and log operations without submitting them",
	}
	logLevelFlag = cli.StringFlag{
		Name:   "log-level",
		Value:  "info",
		Usage:  "debug, info, warn or error",
		EnvVar: "LOG_LEVEL",
	}

	flags = []cli.Flag{
		configFlag,
		networkFlag,
		rpcURLFlag,
		marketplaceURLFlag,
		poolFlag,
		thresholdFlag,
		pollIntervalFlag,
		dryRunFlag,
		logLevelFlag,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "cranker"
	app.Version = version
	app.Usage = "epoch boundary delegation crank for a liquid staking pool"
	app.Flags = flags
	app.Action = run
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the crank loop and the status server",
			Flags:  flags,
			Action: run,
		},
		{
			Name:   "plan",
			Usage:  "print the delegation plan and operations for the current epoch, then exit",
			Flags:  flags,
			Action: plan,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := cranker.Initialize(ctx, cfg, logger)
	if err != nil {
		logger.Error("initialization failed", zap.Error(err))
		return err
	}

	logger.Info("cranker starting",
		zap.String("version", version),
		zap.String("cluster", cfg.Cluster),
		zap.String("pool", cfg.PoolAddress),
		zap.Float64("threshold", cfg.Crank.Threshold),
		zap.Bool("dryRun", cfg.Executor.DryRun))

	if err := a.Start(ctx); err != nil {
		logger.Error("cranker stopped with error", zap.Error(err))
		return err
	}
	logger.Info("cranker stopped")
	return nil
}

func plan(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := cranker.Initialize(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.Chain.EpochInfo(ctx)
	if err != nil {
		return fmt.Errorf("epoch info: %w", err)
	}
	p, err := a.Orchestrator.Plan(ctx, info.Epoch)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

// setup loads the configuration, letting explicitly set flags win over file and environment.
func setup(c *cli.Context) (*config.Config, *zap.Logger, error) {
	logger, err := logging.NewWithLevel(c.String(logLevelFlag.Name))
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	v, err := config.New(c.String(configFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	applyFlags(c, v)

	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func applyFlags(c *cli.Context, v *viper.Viper) {
	if c.IsSet(networkFlag.Name) {
		v.Set("cluster", c.String(networkFlag.Name))
	}
	if c.IsSet(rpcURLFlag.Name) {
		v.Set("rpc.endpoints", []string{c.String(rpcURLFlag.Name)})
	}
	if c.IsSet(marketplaceURLFlag.Name) {
		v.Set("marketplace.url", c.String(marketplaceURLFlag.Name))
	}
	if c.IsSet(poolFlag.Name) {
		v.Set("pool_address", c.String(poolFlag.Name))
	}
	if c.IsSet(thresholdFlag.Name) {
		v.Set("crank.threshold", c.Float64(thresholdFlag.Name))
	}
	if c.IsSet(pollIntervalFlag.Name) {
		v.Set("crank.poll_interval", c.Duration(pollIntervalFlag.Name))
	}
	if c.IsSet(dryRunFlag.Name) {
		v.Set("executor.dry_run", true)
	}
}
