// Package oracle is an HTTP client for the external proof-verification
// service. The service receives the public inputs and the proof bytes and
// answers with a boolean verdict.
package oracle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/zkvault/vault-engine/internal/epoch"
)

var ErrBadResponse = errors.New("oracle: malformed response")

// Config holds the verification service settings.
type Config struct {
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"` // requests per second
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	APIKey         string        `mapstructure:"api_key"`
}

// verifyRequest is the JSON body POSTed to /verify.
type verifyRequest struct {
	PublicInputs epoch.PublicInputs `json:"public_inputs"`
	Proof        string             `json:"proof"` // hex, 0x-prefixed
}

type verifyResponse struct {
	Valid *bool  `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Client implements epoch.Oracle. A failed call is reported as an error and
// never retried here; the epoch stays closed and the owner resubmits.
type Client struct {
	client  *resty.Client
	limiter *rate.Limiter
}

// ensure Client implements the interface
var _ epoch.Oracle = (*Client)(nil)

// New creates a client for the service at cfg.URL.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &Client{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Verify asks the service whether proof is valid for in.
func (c *Client) Verify(ctx context.Context, in epoch.PublicInputs, proof []byte) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var out verifyResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(verifyRequest{PublicInputs: in, Proof: "0x" + hex.EncodeToString(proof)}).
		SetResult(&out).
		SetError(&out).
		Post("/verify")
	if err != nil {
		return false, fmt.Errorf("verify request failed: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("verify request failed with status %s: %s", resp.Status(), out.Error)
	}
	if out.Valid == nil {
		return false, fmt.Errorf("%w: missing \"valid\"", ErrBadResponse)
	}

	slog.Info("proof verified by oracle",
		"epoch_id", in.EpochID,
		"valid", *out.Valid,
		"latency_ms", resp.Time().Milliseconds(),
	)
	return *out.Valid, nil
}
