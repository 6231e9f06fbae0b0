// Package broker is the REST client for the broker's order-management API.
//
// The client does exactly two things the cleanup worker needs: cancel an
// order and modify an order's quantity. Calls are paced by a client-side
// rate limiter so a burst of position events cannot trip the broker's own
// throttling; retry and fast-fail policy live with the caller's circuit
// breaker, not here.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// Config for the broker API connection.
type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RateLimit float64 // requests per second
	RateBurst int
}

// Client talks to the broker's order endpoints.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient builds a client. The token goes into the Authorization header
// of every request.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}

	httpc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.Token).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:  logger.With("component", "broker"),
	}
}

type apiError struct {
	Message string `json:"message"`
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, accountID, brokerOrderID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"account": accountID, "order": brokerOrderID}).
		SetError(&apiErr).
		Delete("/accounts/{account}/orders/{order}")
	if err != nil {
		return fmt.Errorf("broker: cancel %s: %w", brokerOrderID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("broker: cancel %s: %s: %s", brokerOrderID, resp.Status(), apiErr.Message)
	}

	c.logger.Info("order cancelled", "account", accountID, "order", brokerOrderID)
	return nil
}

// ModifyOrder changes a resting order's quantity.
func (c *Client) ModifyOrder(ctx context.Context, accountID, brokerOrderID string, newQuantity int64) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"account": accountID, "order": brokerOrderID}).
		SetBody(map[string]int64{"quantity": newQuantity}).
		SetError(&apiErr).
		Patch("/accounts/{account}/orders/{order}")
	if err != nil {
		return fmt.Errorf("broker: modify %s: %w", brokerOrderID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("broker: modify %s: %s: %s", brokerOrderID, resp.Status(), apiErr.Message)
	}

	c.logger.Info("order modified", "account", accountID, "order", brokerOrderID, "quantity", newQuantity)
	return nil
}
