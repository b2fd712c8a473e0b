// Package square implements order.PaymentGateway on the Square Orders,
// Payments and Refunds APIs.
package square

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

type Config struct {
	BaseURL        string
	AccessToken    string
	LocationID     string
	APIVersion     string
	Timeout        time.Duration
	MaxRetryPeriod time.Duration
}

type Client struct {
	cfg        Config
	http       *http.Client
	newBackOff func() backoff.BackOff
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBackOff replaces the retry policy used for 429 and 5xx responses.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = cfg.MaxRetryPeriod
		return b
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type errorResponse struct {
	Errors []order.GatewayErrorDetail `json:"errors"`
}

// retryable is returned for responses worth another attempt.
type retryable struct {
	status int
	body   string
}

func (e *retryable) Error() string {
	return fmt.Sprintf("square: status %d: %s", e.status, e.body)
}

// do sends one API call, retrying throttling, server errors and transport
// failures. Other 4xx responses are returned as *order.GatewayError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("square: failed to encode %s %s: %w", method, path, err)
		}
	}

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("square: failed to build request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.cfg.APIVersion != "" {
			req.Header.Set("Square-Version", c.cfg.APIVersion)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			log.Warn().Ctx(ctx).Err(err).Str("path", path).Int("attempt", attempt).Msg("square: request failed, retrying")
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("square: failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return backoff.Permanent(fmt.Errorf("square: failed to decode %s %s: %w", method, path, err))
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			log.Warn().Ctx(ctx).Int("status", resp.StatusCode).Str("path", path).Int("attempt", attempt).Msg("square: retryable response")
			return &retryable{status: resp.StatusCode, body: string(body)}
		default:
			gwErr := &order.GatewayError{StatusCode: resp.StatusCode}
			var er errorResponse
			if json.Unmarshal(body, &er) == nil {
				gwErr.Errors = er.Errors
			}
			return backoff.Permanent(gwErr)
		}
	}

	err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil {
		var gwErr *order.GatewayError
		if !errors.As(err, &gwErr) {
			log.Error().Ctx(ctx).Err(err).Str("method", method).Str("path", path).Int("attempts", attempt).Msg("square: call failed")
		}
		return err
	}
	return nil
}
