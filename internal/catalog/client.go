// Package catalog is the HTTP client for the menu service that prices carts
// and owns the fulfillment configurations.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
	"github.com/vasiliy-maslov/food-order-service/internal/pkg/cache"
)

type Config struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type Client struct {
	cfg        Config
	http       *http.Client
	cache      cache.Cache
	newBackOff func() backoff.BackOff
}

var _ order.Catalog = (*Client)(nil)

type Option func(*Client)

func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

func NewClient(cfg Config, c cache.Cache, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cl := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: c,
	}
	cl.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxElapsedTime = 5 * time.Second
		return b
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

var errNotFound = errors.New("catalog: not found")

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("catalog: failed to encode request: %w", err)
		}
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(errNotFound)
		case resp.StatusCode >= 500:
			return fmt.Errorf("catalog: %s %s: status %d", method, path, resp.StatusCode)
		case resp.StatusCode >= 300:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return backoff.Permanent(fmt.Errorf("catalog: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body))))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("catalog: failed to decode %s: %w", path, err))
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))
}

// Fulfillment returns the fulfillment configuration, served from cache when
// possible.
func (c *Client) Fulfillment(ctx context.Context, id string) (*order.FulfillmentConfig, error) {
	key := c.cache.GenerateKey("fulfillment", id)
	if raw, err := c.cache.Get(ctx, key); err != nil {
		log.Warn().Ctx(ctx).Err(err).Str("fulfillment_id", id).Msg("catalog: cache read failed")
	} else if raw != "" {
		var cfg order.FulfillmentConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err == nil {
			return &cfg, nil
		}
	}

	var cfg order.FulfillmentConfig
	err := c.call(ctx, http.MethodGet, "/v1/fulfillments/"+url.PathEscape(id), nil, &cfg)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("catalog: fulfillment %s: %w", id, order.ErrFulfillmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to get fulfillment %s: %w", id, err)
	}

	if raw, err := json.Marshal(cfg); err == nil {
		if err := c.cache.Set(ctx, key, raw, c.cfg.CacheTTL); err != nil {
			log.Warn().Ctx(ctx).Err(err).Str("fulfillment_id", id).Msg("catalog: cache write failed")
		}
	}
	return &cfg, nil
}

type rebuildRequest struct {
	Cart          []order.CartEntry `json:"cart"`
	At            time.Time         `json:"at"`
	FulfillmentID string            `json:"fulfillment_id"`
}

func (c *Client) RebuildCart(ctx context.Context, cart []order.CartEntry, at time.Time, fulfillmentID string) (*order.RebuiltCart, error) {
	var out order.RebuiltCart
	err := c.call(ctx, http.MethodPost, "/v1/carts/rebuild", rebuildRequest{Cart: cart, At: at, FulfillmentID: fulfillmentID}, &out)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("catalog: rebuild cart: %w", order.ErrFulfillmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to rebuild cart: %w", err)
	}
	return &out, nil
}

type leadTimeResponse struct {
	Minutes int `json:"lead_time_minutes"`
}

func (c *Client) LeadTime(ctx context.Context, cart []order.CartEntry, fulfillmentID string) (time.Duration, error) {
	var out leadTimeResponse
	err := c.call(ctx, http.MethodPost, "/v1/carts/lead-time", rebuildRequest{Cart: cart, FulfillmentID: fulfillmentID}, &out)
	if err != nil {
		return 0, fmt.Errorf("catalog: failed to get lead time: %w", err)
	}
	return time.Duration(out.Minutes) * time.Minute, nil
}

type mapRequest struct {
	Items []order.RemoteLineItem `json:"items"`
}

type mapResponse struct {
	Entries []order.CartEntry `json:"entries"`
}

func (c *Client) MapRemoteLineItems(ctx context.Context, items []order.RemoteLineItem) ([]order.CartEntry, error) {
	if len(items) == 0 {
		return nil, nil
	}
	var out mapResponse
	if err := c.call(ctx, http.MethodPost, "/v1/line-items/map", mapRequest{Items: items}, &out); err != nil {
		return nil, fmt.Errorf("catalog: failed to map %d line items: %w", len(items), err)
	}
	return out.Entries, nil
}
