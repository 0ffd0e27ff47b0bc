package collector

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"safetradelab/collector/internal/clock"
	"safetradelab/collector/internal/storage"
)

// Default stream retry policy, overridable through Config.
const (
	defaultMaxStreamRetries    = 5
	defaultStreamRetryInterval = 5 * time.Second
)

// Config holds the collection settings shared by every symbol pipeline.
type Config struct {
	// Symbols lists the trading pairs to collect.
	Symbols []string

	// Timeframe is the exchange interval string (e.g., "5m").
	Timeframe string

	// Interval is the parsed width of Timeframe.
	Interval time.Duration

	// MaxLookbackDays caps how far back reconcile will ever fetch.
	MaxLookbackDays int

	// MaxStreamRetries is the reconnect budget before a symbol's stream
	// stops permanently. Zero means the default.
	MaxStreamRetries int

	// StreamRetryInterval is the initial reconnect backoff delay.
	// Zero means the default.
	StreamRetryInterval time.Duration
}

// Collector orchestrates the reconcile-then-stream pipeline for every
// configured symbol. Symbols run concurrently and independently; the shared
// store's uniqueness constraint is the only coordination between them.
type Collector struct {
	cfg     Config
	fetcher KlineFetcher
	stream  KlineSubscriber
	store   storage.Store
	clock   clock.Normalizer
	logger  *logrus.Logger
}

// New creates the orchestrator. Zero retry settings take defaults.
func New(cfg Config, fetcher KlineFetcher, stream KlineSubscriber, store storage.Store, clk clock.Normalizer, logger *logrus.Logger) *Collector {
	if cfg.MaxStreamRetries == 0 {
		cfg.MaxStreamRetries = defaultMaxStreamRetries
	}
	if cfg.StreamRetryInterval == 0 {
		cfg.StreamRetryInterval = defaultStreamRetryInterval
	}
	return &Collector{
		cfg:     cfg,
		fetcher: fetcher,
		stream:  stream,
		store:   store,
		clock:   clk,
		logger:  logger,
	}
}

// Run blocks until every symbol pipeline has finished. A permanent stream
// failure on one symbol never halts the others. Cancelling ctx stops all
// pipelines and waits for in-flight store writes to drain.
func (c *Collector) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, symbol := range c.cfg.Symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			c.runSymbol(ctx, symbol)
		}(symbol)
	}

	wg.Wait()
	return nil
}

// runSymbol drives one symbol: bootstrap backfill, then a second reconcile to
// close the window between backfill and subscription, then the live stream.
func (c *Collector) runSymbol(ctx context.Context, symbol string) {
	log := c.logger.WithField("symbol", symbol)

	hist := NewHistorical(symbol, c.cfg, c.fetcher, c.store, c.clock, c.logger)
	rt := NewRealtime(symbol, c.cfg, c.stream, c.fetcher, c.store, c.clock, c.logger)

	log.Info("bootstrap backfill starting")
	inserted, err := hist.Reconcile(ctx)
	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		log.WithError(err).Error("bootstrap backfill failed")
	default:
		log.WithField("inserted", inserted).Info("bootstrap backfill complete")
	}

	// Anything that closed while the backfill ran is fetched now, right
	// before the stream attaches.
	inserted, err = hist.Reconcile(ctx)
	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		log.WithError(err).Error("pre-stream gap fill failed")
	case inserted > 0:
		log.WithField("inserted", inserted).Info("pre-stream gap filled")
	}

	if err := rt.Run(ctx); err != nil {
		log.WithError(err).Error("live stream permanently stopped")
	}
}
