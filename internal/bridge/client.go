// Package bridge is the HTTP client for the broker/market-data adapter.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twquant/autotrader/pkg/types"
)

// OrderRequest is the order submission payload.
type OrderRequest struct {
	Symbol   string  `json:"symbol"`
	Action   string  `json:"action"` // "BUY" or "SELL"
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price,omitempty"` // hint; 0 means market
}

// OrderResponse is the adapter's reply to an order submission.
type OrderResponse struct {
	Status  string  `json:"status"` // "filled" or "rejected"
	OrderID string  `json:"order_id"`
	Price   float64 `json:"price"` // fill price when filled
	Reason  string  `json:"reason,omitempty"`
}

// Filled reports whether the order completed.
func (r OrderResponse) Filled() bool {
	return r.Status == "filled"
}

// AccountInfo is the adapter's account snapshot.
type AccountInfo struct {
	Equity          float64 `json:"equity"`
	AvailableMargin float64 `json:"available_margin"`
}

// HealthInfo is the adapter's health report.
type HealthInfo struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Mode      string `json:"mode"`
}

// SignalSnapshot is the adapter's per-symbol market read.
type SignalSnapshot struct {
	CurrentPrice float64 `json:"current_price"`
	Direction    string  `json:"direction,omitempty"`
	Momentum3m   float64 `json:"momentum_3m"`
	Momentum5m   float64 `json:"momentum_5m"`
	VolumeRatio  float64 `json:"volume_ratio"`
	ExitSignal   bool    `json:"exit_signal"`
}

// quoteEnvelope wraps the quote stream reply.
type quoteEnvelope struct {
	Quotes []types.Quote `json:"quotes"`
	Count  int           `json:"count"`
}

// Client talks to the bridge over HTTP JSON. It tracks the last successful
// contact for staleness checks.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger

	mu          sync.Mutex
	lastHealthy time.Time
}

// NewClient creates a Client for the given base URL.
func NewClient(cfg types.BridgeConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: cfg.URL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("bridge"),
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health probes the adapter and records the contact time when the adapter
// reports a live upstream connection.
func (c *Client) Health(ctx context.Context) error {
	var out HealthInfo
	if err := c.get(ctx, "/health", &out); err != nil {
		return err
	}
	if !out.Connected {
		return fmt.Errorf("bridge not connected (status %q, mode %q)", out.Status, out.Mode)
	}
	c.mu.Lock()
	c.lastHealthy = time.Now()
	c.mu.Unlock()
	return nil
}

// LastHealthy returns the time of the last successful health probe.
func (c *Client) LastHealthy() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHealthy
}

// Quotes fetches up to limit recent quotes for a symbol. The adapter omits
// the symbol from each row, so it is backfilled here.
func (c *Client) Quotes(ctx context.Context, symbol string, limit int) ([]types.Quote, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out quoteEnvelope
	if err := c.get(ctx, "/stream/quotes?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	for i := range out.Quotes {
		if out.Quotes[i].Symbol == "" {
			out.Quotes[i].Symbol = symbol
		}
	}
	return out.Quotes, nil
}

// OrderBook fetches the order book snapshot for a symbol.
func (c *Client) OrderBook(ctx context.Context, symbol string) (types.OrderBookData, error) {
	var out types.OrderBookData
	if err := c.get(ctx, "/orderbook/"+symbol, &out); err != nil {
		return types.OrderBookData{}, err
	}
	if out.Symbol == "" {
		out.Symbol = symbol
	}
	return out, nil
}

// Signal fetches the adapter's momentum read for a symbol.
func (c *Client) Signal(ctx context.Context, symbol string) (SignalSnapshot, error) {
	var out SignalSnapshot
	if err := c.get(ctx, "/signal?symbol="+url.QueryEscape(symbol), &out); err != nil {
		return SignalSnapshot{}, err
	}
	return out, nil
}

// SubmitOrder submits an order and returns the adapter's response.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	var out OrderResponse
	if err := c.post(ctx, "/order", req, &out); err != nil {
		return OrderResponse{}, err
	}
	return out, nil
}

// Account fetches the adapter's account snapshot.
func (c *Client) Account(ctx context.Context) (AccountInfo, error) {
	var out AccountInfo
	if err := c.get(ctx, "/account", &out); err != nil {
		return AccountInfo{}, err
	}
	return out, nil
}

// Shutdown asks the adapter to stop streaming for this session.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.post(ctx, "/shutdown", nil, nil)
}
