// Package binance implements the exchange collaborators: a REST client for
// historical klines and a websocket subscription for live kline updates.
//
// Kline REST response format (array per candle, prices quoted as strings):
//
//	[
//	  [1499040000000, "0.01634790", "0.80000000", "0.01575800",
//	   "0.01577100", "148976.11427815", 1499644799999, ...],
//	  ...
//	]
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Error kinds. REST failures (call failed, bad status, malformed payload)
// are ErrAPI; websocket connection and read failures are ErrTransport.
var (
	ErrAPI       = errors.New("binance: api error")
	ErrTransport = errors.New("binance: transport error")
)

const (
	// DefaultRESTBaseURL is the Binance spot REST endpoint.
	DefaultRESTBaseURL = "https://api.binance.com"

	// MaxKlineLimit is the exchange's pagination limit per klines request.
	MaxKlineLimit = 1000

	requestTimeout = 10 * time.Second

	// 10 req/s keeps roughly 100ms between paginated requests, the
	// politeness spacing the exchange documentation asks for.
	requestsPerSecond = 10
)

// Kline is one candle tuple from the REST API. Times are epoch milliseconds;
// prices and volume keep the exchange's decimal representation exactly.
type Kline struct {
	OpenTime  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime int64
}

// Client fetches historical klines over REST. Safe for concurrent use; the
// internal rate limiter is shared across all callers.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// NewClient creates a REST client against the public Binance endpoint.
func NewClient(logger *logrus.Logger) *Client {
	return NewClientWithBaseURL(DefaultRESTBaseURL, logger)
}

// NewClientWithBaseURL creates a REST client against a custom endpoint.
// Used by tests pointing at a local server.
func NewClientWithBaseURL(baseURL string, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:     logger,
	}
}

// Klines fetches candles for [startMs, endMs] ordered by open time.
// limit is capped at MaxKlineLimit; the caller paginates by advancing startMs.
func (c *Client) Klines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]Kline, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(startMs, 10))
	q.Set("endTime", strconv.FormatInt(endMs, 10))
	q.Set("limit", strconv.Itoa(limit))

	reqURL := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAPI, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrAPI, resp.StatusCode)
	}

	var rows [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrAPI, err)
	}

	klines := make([]Kline, 0, len(rows))
	for i, row := range rows {
		k, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrAPI, i, err)
		}
		klines = append(klines, k)
	}

	c.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"count":  len(klines),
	}).Debug("fetched klines")

	return klines, nil
}

// parseKline decodes one kline row. The exchange sends open time and close
// time as numbers and every price field as a quoted decimal string.
func parseKline(row []json.RawMessage) (Kline, error) {
	var k Kline
	if len(row) < 7 {
		return k, fmt.Errorf("expected at least 7 fields, got %d", len(row))
	}

	if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
		return k, fmt.Errorf("open time: %v", err)
	}
	if err := json.Unmarshal(row[6], &k.CloseTime); err != nil {
		return k, fmt.Errorf("close time: %v", err)
	}

	fields := []struct {
		name string
		dst  *decimal.Decimal
		raw  json.RawMessage
	}{
		{"open", &k.Open, row[1]},
		{"high", &k.High, row[2]},
		{"low", &k.Low, row[3]},
		{"close", &k.Close, row[4]},
		{"volume", &k.Volume, row[5]},
	}
	for _, f := range fields {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return k, fmt.Errorf("%s: %v", f.name, err)
		}
	}
	return k, nil
}
