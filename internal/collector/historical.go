// Package collector implements the gap reconciliation engine and the live
// stream ingestor that together keep the candle table gap-free: backfill any
// history missing since the last run, then append closed candles as the
// exchange emits them.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"safetradelab/collector/internal/binance"
	"safetradelab/collector/internal/clock"
	"safetradelab/collector/internal/models"
	"safetradelab/collector/internal/storage"
)

const (
	// maxFetchIterations bounds one fetchRange call so a pathological
	// exchange response can never loop forever.
	maxFetchIterations = 500

	// emptyPageSkip is how far the cursor jumps over windows the exchange
	// has no data for, and the forced advance when a page fails to move it.
	emptyPageSkip = time.Hour
)

// KlineFetcher is the exchange's "fetch candles in a window" capability.
type KlineFetcher interface {
	Klines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]binance.Kline, error)
}

// Historical backfills missing candles for one symbol over REST.
type Historical struct {
	symbol    string
	timeframe string
	interval  time.Duration
	lookback  time.Duration
	fetcher   KlineFetcher
	store     storage.Store
	clock     clock.Normalizer
	logger    *logrus.Entry

	now func() time.Time
}

// NewHistorical creates the backfill engine for one symbol.
func NewHistorical(symbol string, cfg Config, fetcher KlineFetcher, store storage.Store, clk clock.Normalizer, logger *logrus.Logger) *Historical {
	return &Historical{
		symbol:    symbol,
		timeframe: cfg.Timeframe,
		interval:  cfg.Interval,
		lookback:  time.Duration(cfg.MaxLookbackDays) * 24 * time.Hour,
		fetcher:   fetcher,
		store:     store,
		clock:     clk,
		logger: logger.WithFields(logrus.Fields{
			"component": "historical",
			"symbol":    symbol,
		}),
		now: time.Now,
	}
}

// Reconcile computes the missing closed-candle range for the symbol and
// fetches it. It runs both as the startup backfill and as the gap fill right
// before the live stream attaches. Returns the count of newly inserted rows.
func (h *Historical) Reconcile(ctx context.Context) (int, error) {
	now := h.now().UTC()
	floor := now.Add(-h.lookback)

	latest, ok, err := h.store.LatestBoundary(ctx, h.symbol, h.timeframe)
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", h.symbol, err)
	}

	if !ok {
		h.logger.WithField("days", int(h.lookback.Hours()/24)).
			Info("store is empty, bootstrapping full lookback window")
		return h.fetchRange(ctx, floor, now)
	}

	lastUTC := h.clock.FromStorage(latest).UTC()
	start := lastUTC.Add(h.interval)
	if lastUTC.Before(floor) {
		h.logger.WithFields(logrus.Fields{
			"last_stored": lastUTC,
			"clamped_to":  floor,
		}).Warn("last stored candle older than lookback ceiling, truncating backfill window")
		start = floor
	}

	missing := h.missingClosedCandles(lastUTC, now)
	if missing < 1 {
		h.logger.WithField("last_stored", lastUTC).Info("no missing closed candles, store is up to date")
		return 0, nil
	}

	h.logger.WithFields(logrus.Fields{
		"last_stored": lastUTC,
		"from":        start,
		"to":          now,
		"estimate":    missing,
	}).Info("gap detected, filling")

	return h.fetchRange(ctx, start, now)
}

// missingClosedCandles estimates how many closed candles lie between the last
// stored boundary and now. The candle still in progress is excluded: a
// fractional trailing interval belongs to the open candle, and when the
// elapsed time is an exact multiple of the interval the final whole slot is
// the one that just opened.
func (h *Historical) missingClosedCandles(lastStored, now time.Time) int {
	elapsed := now.Sub(lastStored)
	if elapsed <= 0 {
		return 0
	}
	estimate := int(elapsed / h.interval)
	if elapsed%h.interval == 0 {
		estimate--
	}
	return estimate
}

// fetchRange pages through [start, end) and upserts every closed candle.
// The cursor always advances: after an empty or stalled page it jumps
// emptyPageSkip forward, and the iteration cap bounds the loop regardless.
// Returns the count of newly inserted rows.
func (h *Historical) fetchRange(ctx context.Context, start, end time.Time) (int, error) {
	total := 0
	cursor := start

	h.logger.WithFields(logrus.Fields{"from": start, "to": end}).Info("fetching range")

	for iteration := 0; cursor.Before(end) && iteration < maxFetchIterations; iteration++ {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		klines, err := h.fetcher.Klines(ctx, h.symbol, h.timeframe,
			cursor.UnixMilli(), end.UnixMilli(), binance.MaxKlineLimit)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			next := cursor.Add(emptyPageSkip)
			if !next.Before(end) {
				return total, fmt.Errorf("fetch range %s [%s, %s): %w",
					h.symbol, cursor.Format(time.RFC3339), end.Format(time.RFC3339), err)
			}
			h.logger.WithError(err).WithField("cursor", cursor).
				Warn("page fetch failed, skipping forward")
			cursor = next
			continue
		}

		if len(klines) == 0 {
			if end.Sub(cursor) <= h.interval {
				break
			}
			h.logger.WithField("cursor", cursor).Warn("no klines returned, skipping forward")
			cursor = cursor.Add(emptyPageSkip)
			continue
		}

		inserted, corrected, skippedOpen, err := h.savePage(ctx, klines)
		if err != nil {
			return total, err
		}
		total += inserted
		h.logger.WithFields(logrus.Fields{
			"inserted":     inserted,
			"corrected":    corrected,
			"skipped_open": skippedOpen,
		}).Debug("page saved")

		next := time.UnixMilli(klines[len(klines)-1].OpenTime).UTC().Add(h.interval)
		if !next.After(cursor) {
			h.logger.WithField("cursor", cursor).Warn("cursor not advancing, forcing skip")
			next = cursor.Add(emptyPageSkip)
		}
		cursor = next
	}

	h.logger.WithField("inserted", total).Info("range fetch complete")
	return total, nil
}

// savePage upserts the closed candles of one page. Candles whose close time
// has not elapsed yet are skipped, never stored speculatively.
func (h *Historical) savePage(ctx context.Context, klines []binance.Kline) (inserted, corrected, skippedOpen int, err error) {
	now := h.now().UTC()

	for _, k := range klines {
		closeTime := time.UnixMilli(k.CloseTime).UTC()
		if !clock.IsClosed(closeTime, now) {
			skippedOpen++
			continue
		}

		created, err := h.store.Upsert(ctx, h.toCandle(k))
		if err != nil {
			return inserted, corrected, skippedOpen, fmt.Errorf("save %s candle: %w", h.symbol, err)
		}
		if created {
			inserted++
		} else {
			corrected++
		}
	}
	return inserted, corrected, skippedOpen, nil
}

func (h *Historical) toCandle(k binance.Kline) *models.Candle {
	openUTC := time.UnixMilli(k.OpenTime).UTC()
	return &models.Candle{
		TimestampUTC:   openUTC,
		TimestampLocal: h.clock.ToStorage(openUTC),
		Symbol:         h.symbol,
		Timeframe:      h.timeframe,
		Open:           k.Open,
		High:           k.High,
		Low:            k.Low,
		Close:          k.Close,
		Volume:         k.Volume,
	}
}
