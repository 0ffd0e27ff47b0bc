package collector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"safetradelab/collector/internal/binance"
	"safetradelab/collector/internal/clock"
	"safetradelab/collector/internal/models"
	"safetradelab/collector/internal/storage"
)

// ErrStreamStopped reports that the live stream gave up after exhausting its
// reconnect budget. Fatal for that symbol only.
var ErrStreamStopped = errors.New("collector: stream retries exhausted")

// State is the live ingestor's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// KlineSubscriber is the exchange's "subscribe to candle events" capability.
// One Subscribe call covers one connection; it blocks until the transport
// fails or ctx is cancelled.
type KlineSubscriber interface {
	Subscribe(ctx context.Context, symbol, interval string, h binance.StreamHandler) error
}

// Realtime consumes the live kline stream for one symbol and persists every
// closed candle. Events arrive in non-decreasing boundary order; duplicates
// are tolerated because the store upsert is idempotent.
type Realtime struct {
	symbol        string
	timeframe     string
	interval      time.Duration
	stream        KlineSubscriber
	fetcher       KlineFetcher // optional, primes the last closed candle
	store         storage.Store
	clock         clock.Normalizer
	maxRetries    int
	retryInterval time.Duration
	logger        *logrus.Entry

	state atomic.Int32
	now   func() time.Time
}

// NewRealtime creates the live ingestor for one symbol.
func NewRealtime(symbol string, cfg Config, stream KlineSubscriber, fetcher KlineFetcher, store storage.Store, clk clock.Normalizer, logger *logrus.Logger) *Realtime {
	return &Realtime{
		symbol:        symbol,
		timeframe:     cfg.Timeframe,
		interval:      cfg.Interval,
		stream:        stream,
		fetcher:       fetcher,
		store:         store,
		clock:         clk,
		maxRetries:    cfg.MaxStreamRetries,
		retryInterval: cfg.StreamRetryInterval,
		logger: logger.WithFields(logrus.Fields{
			"component": "realtime",
			"symbol":    symbol,
		}),
		now: time.Now,
	}
}

// State returns the current connection state.
func (r *Realtime) State() State {
	return State(r.state.Load())
}

func (r *Realtime) setState(s State) {
	r.state.Store(int32(s))
}

// Run drives the Disconnected -> Connecting -> Streaming state machine until
// ctx is cancelled (clean stop, returns nil) or maxRetries consecutive
// connection attempts have failed (returns ErrStreamStopped). A successful
// connection resets the retry counter.
func (r *Realtime) Run(ctx context.Context) error {
	r.primeLastClosed(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryInterval
	bo.MaxInterval = 30 * time.Second
	bo.Reset()

	retries := 0
	for {
		if ctx.Err() != nil {
			r.setState(StateStopped)
			return nil
		}

		r.setState(StateConnecting)
		r.logger.WithField("attempt", retries+1).Info("connecting to kline stream")

		err := r.stream.Subscribe(ctx, r.symbol, r.timeframe, binance.StreamHandler{
			OnConnect: func() {
				r.setState(StateStreaming)
				retries = 0
				bo.Reset()
				r.logger.Info("streaming live candles")
			},
			OnEvent: func(ev binance.KlineEvent) {
				r.handleEvent(ctx, ev)
			},
		})

		if ctx.Err() != nil {
			r.setState(StateStopped)
			r.logger.Info("stream stopped")
			return nil
		}

		r.setState(StateDisconnected)
		retries++
		if retries >= r.maxRetries {
			r.setState(StateStopped)
			r.logger.WithField("retries", retries).Error("max retries reached, stopping stream")
			if err != nil {
				return fmt.Errorf("%w: %v", ErrStreamStopped, err)
			}
			return ErrStreamStopped
		}

		wait := bo.NextBackOff()
		r.logger.WithError(err).WithField("delay", wait).Warn("stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			r.setState(StateStopped)
			return nil
		case <-time.After(wait):
		}
	}
}

// handleEvent persists a closed candle from the stream. Open candles are
// observed but never stored. A storage failure drops this single event and
// keeps the stream alive; the next reconcile closes the hole.
func (r *Realtime) handleEvent(ctx context.Context, ev binance.KlineEvent) {
	k := ev.Kline
	if !k.Closed {
		r.logger.WithFields(logrus.Fields{
			"close":  k.Close,
			"volume": k.Volume,
		}).Debug("candle update, still open")
		return
	}

	openUTC := time.UnixMilli(k.OpenTime).UTC()
	inserted, err := r.store.Upsert(ctx, &models.Candle{
		TimestampUTC:   openUTC,
		TimestampLocal: r.clock.ToStorage(openUTC),
		Symbol:         r.symbol,
		Timeframe:      r.timeframe,
		Open:           k.Open,
		High:           k.High,
		Low:            k.Low,
		Close:          k.Close,
		Volume:         k.Volume,
	})
	if err != nil {
		r.logger.WithError(err).WithField("boundary", openUTC).Error("failed to save closed candle")
		return
	}

	r.logger.WithFields(logrus.Fields{
		"boundary": r.clock.ToStorage(openUTC),
		"close":    k.Close,
		"volume":   k.Volume,
		"new":      inserted,
	}).Info("saved closed candle")
}

// primeLastClosed persists the most recent closed candle over REST before the
// stream attaches, so the table is current even when the first stream event
// is still minutes away. Best effort: failures are logged, not fatal.
func (r *Realtime) primeLastClosed(ctx context.Context) {
	if r.fetcher == nil {
		return
	}

	now := r.now().UTC()
	start := now.Add(-2 * r.interval)
	klines, err := r.fetcher.Klines(ctx, r.symbol, r.timeframe, start.UnixMilli(), now.UnixMilli(), 2)
	if err != nil {
		r.logger.WithError(err).Warn("could not prime last closed candle")
		return
	}

	for i := len(klines) - 1; i >= 0; i-- {
		k := klines[i]
		if !clock.IsClosed(time.UnixMilli(k.CloseTime).UTC(), now) {
			continue
		}

		openUTC := time.UnixMilli(k.OpenTime).UTC()
		if _, err := r.store.Upsert(ctx, &models.Candle{
			TimestampUTC:   openUTC,
			TimestampLocal: r.clock.ToStorage(openUTC),
			Symbol:         r.symbol,
			Timeframe:      r.timeframe,
			Open:           k.Open,
			High:           k.High,
			Low:            k.Low,
			Close:          k.Close,
			Volume:         k.Volume,
		}); err != nil {
			r.logger.WithError(err).Warn("could not prime last closed candle")
			return
		}

		r.logger.WithField("boundary", openUTC).Info("primed last closed candle")
		return
	}
}
