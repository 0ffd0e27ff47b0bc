package collector

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safetradelab/collector/internal/binance"
	"safetradelab/collector/internal/clock"
	"safetradelab/collector/internal/models"
	"safetradelab/collector/internal/storage"
)

func newTestRealtime(t *testing.T, cfg Config, stream KlineSubscriber, fetcher KlineFetcher, store *fakeStore, now time.Time) *Realtime {
	t.Helper()
	r := NewRealtime("BTCUSDT", cfg, stream, fetcher, store, clock.NewNormalizer(3), testLogger())
	r.now = func() time.Time { return now }
	return r
}

func closedEvent(open time.Time, interval time.Duration, price string) binance.KlineEvent {
	p := decimal.RequireFromString(price)
	return binance.KlineEvent{
		Event:     "kline",
		EventTime: open.Add(interval).UnixMilli(),
		Symbol:    "BTCUSDT",
		Kline: binance.StreamKline{
			OpenTime:  open.UnixMilli(),
			CloseTime: open.Add(interval).UnixMilli() - 1,
			Symbol:    "BTCUSDT",
			Interval:  "5m",
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    decimal.RequireFromString("7.25"),
			Closed:    true,
		},
	}
}

func openEvent(open time.Time, interval time.Duration, price string) binance.KlineEvent {
	ev := closedEvent(open, interval, price)
	ev.Kline.Closed = false
	return ev
}

func TestRealtimeStopsAfterMaxRetries(t *testing.T) {
	cfg := testConfig()
	stream := &fakeSubscriber{script: func(int, context.Context, string, binance.StreamHandler) error {
		return binance.ErrTransport
	}}
	r := newTestRealtime(t, cfg, stream, nil, newFakeStore(), time.Now())

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrStreamStopped)
	assert.Equal(t, cfg.MaxStreamRetries, stream.attemptCount())
	assert.Equal(t, StateStopped, r.State())
}

func TestRealtimeSuccessfulConnectResetsRetryBudget(t *testing.T) {
	cfg := testConfig() // budget of 3
	stream := &fakeSubscriber{}
	stream.script = func(attempt int, _ context.Context, _ string, h binance.StreamHandler) error {
		if attempt == 2 {
			h.OnConnect()
		}
		return binance.ErrTransport
	}
	r := newTestRealtime(t, cfg, stream, nil, newFakeStore(), time.Now())

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrStreamStopped)
	// The connect on attempt 2 zeroed the counter, so the budget of 3
	// consecutive failures only ran out on attempt 4.
	assert.Equal(t, 4, stream.attemptCount())
}

func TestRealtimePersistsClosedEventsOnly(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	boundary := now.Add(-5 * time.Minute)
	cfg := testConfig()

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeSubscriber{script: func(_ int, _ context.Context, _ string, h binance.StreamHandler) error {
		h.OnConnect()
		h.OnEvent(openEvent(boundary, cfg.Interval, "60000"))
		h.OnEvent(closedEvent(boundary, cfg.Interval, "60010.5"))
		cancel()
		return nil
	}}
	store := newFakeStore()
	r := newTestRealtime(t, cfg, stream, nil, store, now)

	err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, r.State())
	require.Equal(t, 1, store.count())

	row, ok := store.get(&models.Candle{
		TimestampLocal: boundary.Add(3 * time.Hour),
		Symbol:         "BTCUSDT",
		Timeframe:      "5m",
	})
	require.True(t, ok)
	assert.True(t, row.Close.Equal(decimal.RequireFromString("60010.5")))
	assert.Equal(t, boundary, row.TimestampUTC)
}

func TestRealtimeDuplicateEventsKeepOneRow(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	boundary := now.Add(-5 * time.Minute)
	cfg := testConfig()

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeSubscriber{script: func(_ int, _ context.Context, _ string, h binance.StreamHandler) error {
		h.OnConnect()
		h.OnEvent(closedEvent(boundary, cfg.Interval, "60000"))
		h.OnEvent(closedEvent(boundary, cfg.Interval, "60001"))
		cancel()
		return nil
	}}
	store := newFakeStore()
	r := newTestRealtime(t, cfg, stream, nil, store, now)

	require.NoError(t, r.Run(ctx))
	assert.Equal(t, 1, store.count())

	row, ok := store.get(&models.Candle{
		TimestampLocal: boundary.Add(3 * time.Hour),
		Symbol:         "BTCUSDT",
		Timeframe:      "5m",
	})
	require.True(t, ok)
	assert.True(t, row.Close.Equal(decimal.RequireFromString("60001")),
		"last event wins on a duplicate boundary")
}

func TestRealtimeStoreFailureKeepsStreamAlive(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeSubscriber{script: func(_ int, _ context.Context, _ string, h binance.StreamHandler) error {
		h.OnConnect()
		h.OnEvent(closedEvent(now.Add(-5*time.Minute), cfg.Interval, "60000"))
		cancel()
		return nil
	}}
	store := newFakeStore()
	store.upsertErr = storage.ErrConnection
	r := newTestRealtime(t, cfg, stream, nil, store, now)

	err := r.Run(ctx)
	assert.NoError(t, err, "a dropped event must not kill the stream")
	assert.Zero(t, store.count())
}

func TestRealtimeCancelDuringBackoffReturnsNil(t *testing.T) {
	cfg := testConfig()
	cfg.StreamRetryInterval = time.Hour // park in backoff

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeSubscriber{script: func(int, context.Context, string, binance.StreamHandler) error {
		go cancel()
		return binance.ErrTransport
	}}
	r := newTestRealtime(t, cfg, stream, nil, newFakeStore(), time.Now())

	err := r.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, StateStopped, r.State())
}

func TestRealtimePrimesLastClosedCandle(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 3, 0, 0, time.UTC)
	cfg := testConfig()

	closedOpen := now.Add(-8 * time.Minute) // closes at 11:59:59.999, already over
	openOpen := now.Add(-3 * time.Minute)   // closes at 12:04:59.999, in progress

	fetcher := &fakeFetcher{handler: func(fetchCall) ([]binance.Kline, error) {
		return []binance.Kline{
			mkKline(closedOpen, cfg.Interval, "59000"),
			mkKline(openOpen, cfg.Interval, "59100"),
		}, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeSubscriber{script: func(int, context.Context, string, binance.StreamHandler) error {
		cancel()
		return nil
	}}
	store := newFakeStore()
	r := newTestRealtime(t, cfg, stream, fetcher, store, now)

	require.NoError(t, r.Run(ctx))
	require.Equal(t, 1, store.count())

	row, ok := store.get(&models.Candle{
		TimestampLocal: closedOpen.Add(3 * time.Hour),
		Symbol:         "BTCUSDT",
		Timeframe:      "5m",
	})
	require.True(t, ok)
	assert.True(t, row.Close.Equal(decimal.RequireFromString("59000")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
