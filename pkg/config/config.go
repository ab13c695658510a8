// Package config loads the cranker configuration from an optional file, CRANKER_* environment
// variables and defaults, in that order of precedence (environment wins over the file).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"github.com/stakepool-labs/cranker/pkg/allocator"
	"github.com/stakepool-labs/cranker/pkg/executor"
	"github.com/stakepool-labs/cranker/pkg/marketplace"
	"github.com/stakepool-labs/cranker/pkg/notify"
	"github.com/stakepool-labs/cranker/pkg/retry"
	"github.com/stakepool-labs/cranker/pkg/rpc"
	"github.com/stakepool-labs/cranker/pkg/types"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CRANKER"

// Networks maps a cluster name to its public RPC endpoint.
var Networks = map[string]string{
	"mainnet":  "https://api.mainnet-beta.solana.com",
	"testnet":  "https://api.testnet.solana.com",
	"devnet":   "https://api.devnet.solana.com",
	"localnet": "http://127.0.0.1:8899",
}

type RPC struct {
	Endpoints       []string      `mapstructure:"endpoints"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RPS             int           `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

type Marketplace struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryEnabled bool          `mapstructure:"retry_enabled"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type Crank struct {
	Threshold    float64       `mapstructure:"threshold"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
}

type Allocation struct {
	Tiers                  allocator.Schedule `mapstructure:"tiers"`
	TiersFile              string             `mapstructure:"tiers_file"`
	OverrideAvailableStake uint64             `mapstructure:"override_available_stake"`
	// OverrideEligible forces these vote accounts eligible regardless of the marketplace verdict.
	OverrideEligible []string `mapstructure:"override_eligible"`
	// Blacklist removes these vote accounts from the standard split. Directed stake still applies.
	Blacklist []string `mapstructure:"blacklist"`
}

type Reconcile struct {
	DustThreshold uint64 `mapstructure:"dust_threshold"`
	Parallelism   int    `mapstructure:"parallelism"`
}

type Executor struct {
	RetryBudget         int           `mapstructure:"retry_budget"`
	InitialBackoff      time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff"`
	SubmitTimeout       time.Duration `mapstructure:"submit_timeout"`
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
	ConfirmPollInterval time.Duration `mapstructure:"confirm_poll_interval"`
	DryRun              bool          `mapstructure:"dry_run"`
}

type Checkpoint struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type Redis struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Store struct {
	Backend  string `mapstructure:"backend"`
	Database string `mapstructure:"database"`
}

type Lock struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type Server struct {
	Addr string `mapstructure:"addr"`
}

type Metrics struct {
	PoolCron string `mapstructure:"pool_cron"`
}

// Alerts posts aborted and partial cycles to a chat webhook. Disabled when WebhookURL is empty.
type Alerts struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Config is the full process configuration.
type Config struct {
	Cluster     string      `mapstructure:"cluster"`
	PoolAddress string      `mapstructure:"pool_address"`
	RPC         RPC         `mapstructure:"rpc"`
	Marketplace Marketplace `mapstructure:"marketplace"`
	Crank       Crank       `mapstructure:"crank"`
	Allocation  Allocation  `mapstructure:"allocation"`
	Reconcile   Reconcile   `mapstructure:"reconcile"`
	Executor    Executor    `mapstructure:"executor"`
	Checkpoint  Checkpoint  `mapstructure:"checkpoint"`
	Redis       Redis       `mapstructure:"redis"`
	Store       Store       `mapstructure:"store"`
	Lock        Lock        `mapstructure:"lock"`
	Server      Server      `mapstructure:"server"`
	Metrics     Metrics     `mapstructure:"metrics"`
	Alerts      Alerts      `mapstructure:"alerts"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cluster", "mainnet")
	v.SetDefault("pool_address", "")

	v.SetDefault("rpc.endpoints", []string{})
	v.SetDefault("rpc.timeout", 15*time.Second)
	v.SetDefault("rpc.rps", 20)
	v.SetDefault("rpc.burst", 40)
	v.SetDefault("rpc.breaker_failures", 3)
	v.SetDefault("rpc.breaker_cooldown", 5*time.Second)

	v.SetDefault("marketplace.url", "")
	v.SetDefault("marketplace.timeout", 30*time.Second)
	v.SetDefault("marketplace.retry_enabled", true)
	v.SetDefault("marketplace.max_retries", 3)

	v.SetDefault("crank.threshold", 0.85)
	v.SetDefault("crank.poll_interval", 30*time.Second)
	v.SetDefault("crank.stage_timeout", 2*time.Minute)

	v.SetDefault("allocation.tiers_file", "")
	v.SetDefault("allocation.override_available_stake", uint64(0))
	v.SetDefault("allocation.override_eligible", []string{})
	v.SetDefault("allocation.blacklist", []string{})

	v.SetDefault("reconcile.dust_threshold", uint64(1_000_000_000))
	v.SetDefault("reconcile.parallelism", 8)

	v.SetDefault("executor.retry_budget", 5)
	v.SetDefault("executor.initial_backoff", 2*time.Second)
	v.SetDefault("executor.max_backoff", 60*time.Second)
	v.SetDefault("executor.submit_timeout", 30*time.Second)
	v.SetDefault("executor.confirm_timeout", 60*time.Second)
	v.SetDefault("executor.confirm_poll_interval", 2*time.Second)
	v.SetDefault("executor.dry_run", false)

	v.SetDefault("checkpoint.backend", "leveldb")
	v.SetDefault("checkpoint.path", "data/checkpoints")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.backend", "none")
	v.SetDefault("store.database", "cranker")

	v.SetDefault("lock.enabled", false)
	v.SetDefault("lock.ttl", 2*time.Minute)

	v.SetDefault("server.addr", ":3010")
	v.SetDefault("metrics.pool_cron", "@every 1m")

	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.timeout", 10*time.Second)
	v.SetDefault("alerts.max_retries", 3)
}

// New returns a viper instance with defaults and environment binding. path may be empty.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", types.ErrConfig, path, err)
		}
	}
	return v, nil
}

// Load reads path (optional) and the environment into a validated Config.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper decodes and validates v. Callers apply flag overrides with v.Set before calling.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", types.ErrConfig, err)
	}

	// Comma separated lists arrive as one element from the environment.
	cfg.RPC.Endpoints = splitList(cfg.RPC.Endpoints)
	cfg.Allocation.OverrideEligible = splitList(cfg.Allocation.OverrideEligible)
	cfg.Allocation.Blacklist = splitList(cfg.Allocation.Blacklist)

	if len(cfg.RPC.Endpoints) == 0 {
		if url, ok := Networks[cfg.Cluster]; ok {
			cfg.RPC.Endpoints = []string{url}
		}
	}

	if cfg.Allocation.TiersFile != "" {
		tiers, err := LoadTiers(cfg.Allocation.TiersFile)
		if err != nil {
			return nil, err
		}
		cfg.Allocation.Tiers = tiers
	}
	if len(cfg.Allocation.Tiers) == 0 {
		cfg.Allocation.Tiers = allocator.DefaultSchedule()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first problem that would stop the process from running.
func (c *Config) Validate() error {
	var errs []error
	if c.PoolAddress == "" {
		errs = append(errs, errors.New("pool_address is required"))
	}
	if len(c.RPC.Endpoints) == 0 {
		errs = append(errs, fmt.Errorf("rpc.endpoints is empty and cluster %q has no default", c.Cluster))
	}
	if c.Marketplace.URL == "" {
		errs = append(errs, errors.New("marketplace.url is required"))
	}
	if c.Crank.Threshold <= 0 || c.Crank.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("crank.threshold %v outside (0, 1)", c.Crank.Threshold))
	}
	if c.Crank.PollInterval <= 0 {
		errs = append(errs, errors.New("crank.poll_interval must be positive"))
	}
	if c.Crank.StageTimeout <= 0 {
		errs = append(errs, errors.New("crank.stage_timeout must be positive"))
	}
	if err := c.Allocation.Tiers.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Reconcile.Parallelism <= 0 {
		errs = append(errs, errors.New("reconcile.parallelism must be positive"))
	}
	if c.Executor.RetryBudget <= 0 {
		errs = append(errs, errors.New("executor.retry_budget must be positive"))
	}
	if c.Executor.ConfirmPollInterval <= 0 || c.Executor.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("executor confirmation timings must be positive"))
	}
	switch c.Checkpoint.Backend {
	case "leveldb", "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("checkpoint.backend redis needs redis.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint.backend %q", c.Checkpoint.Backend))
	}
	switch c.Store.Backend {
	case "clickhouse", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if c.Lock.Enabled && !c.Redis.Enabled {
		errs = append(errs, errors.New("lock.enabled needs redis.enabled"))
	}
	if c.Lock.Enabled && c.Lock.TTL < 3*time.Second {
		errs = append(errs, errors.New("lock.ttl must be at least 3s"))
	}
	if c.Alerts.WebhookURL != "" {
		if u, err := url.Parse(c.Alerts.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, errors.New("alerts.webhook_url is not an http(s) URL"))
		}
	}
	if _, err := cron.ParseStandard(c.Metrics.PoolCron); err != nil {
		errs = append(errs, fmt.Errorf("metrics.pool_cron: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", types.ErrConfig, errors.Join(errs...))
	}
	return nil
}

// RPCOpts returns the chain client options.
func (c *Config) RPCOpts() rpc.Opts {
	return rpc.Opts{
		Endpoints:       c.RPC.Endpoints,
		PoolAddress:     c.PoolAddress,
		Timeout:         c.RPC.Timeout,
		RPS:             c.RPC.RPS,
		Burst:           c.RPC.Burst,
		BreakerFailures: c.RPC.BreakerFailures,
		BreakerCooldown: c.RPC.BreakerCooldown,
	}
}

// MarketplaceConfig returns the marketplace client configuration.
func (c *Config) MarketplaceConfig() marketplace.Config {
	return marketplace.Config{
		BaseURL:      c.Marketplace.URL,
		Timeout:      c.Marketplace.Timeout,
		RetryEnabled: c.Marketplace.RetryEnabled,
		MaxRetries:   c.Marketplace.MaxRetries,
	}
}

// AllocatorConfig returns the allocator configuration.
func (c *Config) AllocatorConfig() allocator.Config {
	return allocator.Config{Schedule: c.Allocation.Tiers, OverrideAvailableStake: c.Allocation.OverrideAvailableStake}
}

// AlertsConfig returns the webhook configuration.
func (c *Config) AlertsConfig() notify.Config {
	return notify.Config{URL: c.Alerts.WebhookURL, Timeout: c.Alerts.Timeout, MaxRetries: c.Alerts.MaxRetries}
}

// LeaseRenewInterval is how often a held leader lock is renewed during a cycle.
func (c *Config) LeaseRenewInterval() time.Duration {
	return c.Lock.TTL / 3
}

// ExecutorConfig returns the executor configuration.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		RetryBudget: c.Executor.RetryBudget,
		Backoff: retry.Config{
			InitialDelay:  c.Executor.InitialBackoff,
			MaxDelay:      c.Executor.MaxBackoff,
			Multiplier:    2.0,
			JitterEnabled: true,
		},
		SubmitTimeout:       c.Executor.SubmitTimeout,
		ConfirmTimeout:      c.Executor.ConfirmTimeout,
		ConfirmPollInterval: c.Executor.ConfirmPollInterval,
		DustThreshold:       c.Reconcile.DustThreshold,
		DryRun:              c.Executor.DryRun,
	}
}

type tiersFile struct {
	Version int                `yaml:"version"`
	Tiers   allocator.Schedule `yaml:"tiers"`
}

// LoadTiers reads a versioned tier schedule:
//
//	version: 1
//	tiers:
//	  - {threshold_bps: 0, rate_bps: 2000}
func LoadTiers(path string) (allocator.Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read tiers: %v", types.ErrConfig, err)
	}
	var f tiersFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: parse tiers %s: %v", types.ErrConfig, path, err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("%w: tiers %s: unsupported version %d", types.ErrConfig, path, f.Version)
	}
	if err := f.Tiers.Validate(); err != nil {
		return nil, fmt.Errorf("%w: tiers %s: %w", types.ErrConfig, path, err)
	}
	return f.Tiers, nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
