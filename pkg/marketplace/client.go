// Package marketplace reads the block-space marketplace's view of the network: how much stake
// participates, which validators are eligible and which receive directed stake.
package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stakepool-labs/cranker/pkg/retry"
	"github.com/stakepool-labs/cranker/pkg/types"
	"github.com/stakepool-labs/cranker/pkg/utils"
	"go.uber.org/zap"
)

const (
	apiVersion = "v1"

	stakeWeightPath = "/network/stake-weight"
	validatorsPath  = "/validators"
	directedPath    = "/directed-stake"

	maxErrorBody = 4 << 10
)

// Config configures the client.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	RetryEnabled bool
	MaxRetries   int
	HTTPClient   *http.Client
}

// DefaultConfig: 30s timeout, three retries.
func DefaultConfig(baseURL string) Config {
	return Config{BaseURL: baseURL, Timeout: 30 * time.Second, RetryEnabled: true, MaxRetries: 3}
}

// NetworkStake is the epoch's stake weight reading.
type NetworkStake struct {
	Epoch         uint64
	Total         uint64
	Participating uint64
}

// Validator is one candidate as judged by the marketplace.
type Validator struct {
	VoteAccount types.VoteAccount
	Eligible    bool
	Reason      string
}

// Client talks to the marketplace REST API.
type Client struct {
	baseURL string
	http    *http.Client
	retry   retry.Config
	logger  *zap.Logger
	sleep   retry.SleepFunc
}

// New returns a Client. BaseURL must be an absolute http(s) URL.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: marketplace url %q", types.ErrConfig, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	attempts := 1
	if cfg.RetryEnabled && cfg.MaxRetries > 0 {
		attempts += cfg.MaxRetries
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		retry: retry.Config{
			MaxRetries:   attempts,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
		},
		logger: logger.With(zap.String("component", "marketplace")),
		sleep:  retry.Sleep,
	}, nil
}

// WithSleep replaces the backoff sleep.
func (c *Client) WithSleep(sleep retry.SleepFunc) *Client {
	c.sleep = sleep
	return c
}

type stakeWeightResponse struct {
	Epoch                    uint64      `json:"epoch"`
	TotalStakeWeight         json.Number `json:"total_stake_weight"`
	ParticipatingStakeWeight json.Number `json:"participating_stake_weight"`
}

type validatorsResponse struct {
	Epoch      uint64 `json:"epoch"`
	Validators []struct {
		VoteAccount         string `json:"vote_account"`
		Eligible            bool   `json:"eligible"`
		IneligibilityReason string `json:"ineligibility_reason"`
	} `json:"validators"`
}

type directedResponse struct {
	Epoch   uint64 `json:"epoch"`
	Targets []struct {
		VoteAccount string      `json:"vote_account"`
		Lamports    json.Number `json:"lamports"`
	} `json:"targets"`
}

// NetworkStakeWeight returns total and participating stake weight for epoch.
func (c *Client) NetworkStakeWeight(ctx context.Context, epoch uint64) (NetworkStake, error) {
	var resp stakeWeightResponse
	if err := c.get(ctx, stakeWeightPath, epoch, &resp); err != nil {
		return NetworkStake{}, err
	}
	if err := checkEpoch(stakeWeightPath, epoch, resp.Epoch); err != nil {
		return NetworkStake{}, err
	}
	total, err := amount("total_stake_weight", resp.TotalStakeWeight)
	if err != nil {
		return NetworkStake{}, err
	}
	participating, err := amount("participating_stake_weight", resp.ParticipatingStakeWeight)
	if err != nil {
		return NetworkStake{}, err
	}
	return NetworkStake{Epoch: resp.Epoch, Total: total, Participating: participating}, nil
}

// EligibleValidators returns every candidate for epoch with its eligibility.
func (c *Client) EligibleValidators(ctx context.Context, epoch uint64) ([]Validator, error) {
	var resp validatorsResponse
	if err := c.get(ctx, validatorsPath, epoch, &resp); err != nil {
		return nil, err
	}
	if err := checkEpoch(validatorsPath, epoch, resp.Epoch); err != nil {
		return nil, err
	}
	out := make([]Validator, 0, len(resp.Validators))
	for _, v := range resp.Validators {
		if v.VoteAccount == "" {
			return nil, fmt.Errorf("%w: validator without vote account", types.ErrInvalidInput)
		}
		out = append(out, Validator{VoteAccount: types.VoteAccount(v.VoteAccount), Eligible: v.Eligible, Reason: v.IneligibilityReason})
	}
	return out, nil
}

// DirectedTargets returns directed stake amounts for epoch. Repeated entries are summed.
func (c *Client) DirectedTargets(ctx context.Context, epoch uint64) (map[types.VoteAccount]uint64, error) {
	var resp directedResponse
	if err := c.get(ctx, directedPath, epoch, &resp); err != nil {
		return nil, err
	}
	if err := checkEpoch(directedPath, epoch, resp.Epoch); err != nil {
		return nil, err
	}
	out := make(map[types.VoteAccount]uint64, len(resp.Targets))
	for _, t := range resp.Targets {
		if t.VoteAccount == "" {
			return nil, fmt.Errorf("%w: directed target without vote account", types.ErrInvalidInput)
		}
		lamports, err := amount("lamports", t.Lamports)
		if err != nil {
			return nil, err
		}
		va := types.VoteAccount(t.VoteAccount)
		out[va] = utils.SaturatingAdd(out[va], lamports)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, epoch uint64, out any) error {
	endpoint := fmt.Sprintf("%s/api/%s%s?epoch=%d", c.baseURL, apiVersion, path, epoch)

	err := retry.WithBackoffSleep(ctx, c.retry, c.logger, "marketplace GET "+path, c.sleep, func() error {
		err := c.do(ctx, endpoint, out)
		if err == nil || retryable(err) {
			return err
		}
		return retry.Permanent(err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrInvalidInput) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrUnavailable, err)
}

func (c *Client) do(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, readBody(resp.Body))
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusRequestTimeout:
		return ErrTimeout
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &APIError{Status: resp.StatusCode, Body: readBody(resp.Body)}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", types.ErrInvalidInput, endpoint, err)
	}
	return nil
}

func retryable(err error) bool {
	if errors.Is(err, types.ErrInvalidInput) || errors.Is(err, ErrNotFound) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return utils.RetryableStatus(apiErr.Status)
	}
	// Timeouts, rate limits and transport failures.
	return true
}

func checkEpoch(path string, want, got uint64) error {
	if want != got {
		return fmt.Errorf("%w: %s answered for epoch %d, chain is at %d", types.ErrInvalidInput, path, got, want)
	}
	return nil
}

// amount parses a non-negative integer amount. Negative or fractional values are invalid input.
func amount(field string, n json.Number) (uint64, error) {
	s := n.String()
	if s == "" {
		return 0, fmt.Errorf("%w: %s missing", types.ErrInvalidInput, field)
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("%w: %s is negative (%s)", types.ErrInvalidInput, field, s)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a lamport amount (%s)", types.ErrInvalidInput, field, s)
	}
	return v, nil
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
