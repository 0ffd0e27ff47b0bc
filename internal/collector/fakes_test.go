package collector

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"safetradelab/collector/internal/binance"
	"safetradelab/collector/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// mkKline builds a closed-or-open kline starting at open with the given width.
func mkKline(open time.Time, interval time.Duration, price string) binance.Kline {
	p := decimal.RequireFromString(price)
	return binance.Kline{
		OpenTime:  open.UnixMilli(),
		Open:      p,
		High:      p,
		Low:       p,
		Close:     p,
		Volume:    decimal.RequireFromString("1.5"),
		CloseTime: open.Add(interval).UnixMilli() - 1,
	}
}

type fetchCall struct {
	symbol   string
	interval string
	startMs  int64
	endMs    int64
	limit    int
}

// fakeFetcher records every Klines call and answers from a scripted handler.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   []fetchCall
	handler func(call fetchCall) ([]binance.Kline, error)
}

func (f *fakeFetcher) Klines(_ context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]binance.Kline, error) {
	f.mu.Lock()
	call := fetchCall{symbol: symbol, interval: interval, startMs: startMs, endMs: endMs, limit: limit}
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	if f.handler == nil {
		return nil, nil
	}
	return f.handler(call)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) call(i int) fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// fakeStore is an in-memory Store keyed exactly like the real table:
// (timestamp_local, symbol, timeframe).
type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]models.Candle
	upsertErr error
	latestErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]models.Candle)}
}

func storeKey(c *models.Candle) string {
	return c.Symbol + "|" + c.Timeframe + "|" + c.TimestampLocal.UTC().Format(time.RFC3339Nano)
}

func (s *fakeStore) Upsert(_ context.Context, c *models.Candle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return false, s.upsertErr
	}
	k := storeKey(c)
	_, exists := s.rows[k]
	s.rows[k] = *c
	return !exists, nil
}

func (s *fakeStore) LatestBoundary(_ context.Context, symbol, timeframe string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestErr != nil {
		return time.Time{}, false, s.latestErr
	}
	var latest time.Time
	found := false
	for _, c := range s.rows {
		if c.Symbol != symbol || c.Timeframe != timeframe {
			continue
		}
		if !found || c.TimestampLocal.After(latest) {
			latest = c.TimestampLocal
			found = true
		}
	}
	return latest, found, nil
}

func (s *fakeStore) FirstBoundary(_ context.Context, symbol, timeframe string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first time.Time
	found := false
	for _, c := range s.rows {
		if c.Symbol != symbol || c.Timeframe != timeframe {
			continue
		}
		if !found || c.TimestampLocal.Before(first) {
			first = c.TimestampLocal
			found = true
		}
	}
	return first, found, nil
}

func (s *fakeStore) Count(_ context.Context, symbol string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.rows {
		if c.Symbol == symbol {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CountAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *fakeStore) Symbols(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for _, c := range s.rows {
		seen[c.Symbol] = true
	}
	symbols := make([]string, 0, len(seen))
	for sym := range seen {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (s *fakeStore) Recent(_ context.Context, symbol string, limit int) ([]models.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candles []models.Candle
	for _, c := range s.rows {
		if c.Symbol == symbol {
			candles = append(candles, c)
		}
	}
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].TimestampLocal.After(candles[j].TimestampLocal)
	})
	if len(candles) > limit {
		candles = candles[:limit]
	}
	return candles, nil
}

func (s *fakeStore) DeleteBySymbol(_ context.Context, symbol string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, c := range s.rows {
		if c.Symbol == symbol {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) DeleteAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.rows))
	s.rows = make(map[string]models.Candle)
	return n, nil
}

func (s *fakeStore) Ping(_ context.Context) error { return nil }

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) get(c *models.Candle) (models.Candle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[storeKey(c)]
	return row, ok
}

// fakeSubscriber scripts one Subscribe outcome per connection attempt.
type fakeSubscriber struct {
	mu       sync.Mutex
	attempts int
	script   func(attempt int, ctx context.Context, symbol string, h binance.StreamHandler) error
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, symbol, _ string, h binance.StreamHandler) error {
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	f.mu.Unlock()
	return f.script(attempt, ctx, symbol, h)
}

func (f *fakeSubscriber) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}
