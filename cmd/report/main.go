// Statistics report over the collected candles: total rows, and per symbol
// the row count, first/last stored boundary and the most recent records.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"safetradelab/collector/configs"
	"safetradelab/collector/internal/storage"
)

const timeLayout = "2006-01-02 15:04:05 MST"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "report failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := configs.AppLoad()
	if err != nil {
		return err
	}

	store, err := storage.NewGormStore(cfg.DBDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	total, err := store.CountAll(ctx)
	if err != nil {
		return err
	}

	symbols, err := store.Symbols(ctx)
	if err != nil {
		return err
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("SafeTradeLab - Database Statistics")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("\nTotal records: %d\n", total)

	for _, symbol := range symbols {
		fmt.Printf("\n%s\n", strings.Repeat("-", 80))
		fmt.Printf("Symbol: %s\n", symbol)
		fmt.Println(strings.Repeat("-", 80))

		count, err := store.Count(ctx, symbol)
		if err != nil {
			return err
		}
		fmt.Printf("Records: %d\n", count)

		if first, ok, err := store.FirstBoundary(ctx, symbol, cfg.Interval); err != nil {
			return err
		} else if ok {
			fmt.Printf("First record: %s\n", first.Format(timeLayout))
		}
		if last, ok, err := store.LatestBoundary(ctx, symbol, cfg.Interval); err != nil {
			return err
		} else if ok {
			fmt.Printf("Last record:  %s\n", last.Format(timeLayout))
		}

		recent, err := store.Recent(ctx, symbol, 5)
		if err != nil {
			return err
		}
		if len(recent) > 0 {
			fmt.Println("\nLast records:")
			for _, c := range recent {
				fmt.Printf("  %s | utc %s | close %s | vol %s\n",
					c.TimestampLocal.Format(timeLayout),
					c.TimestampUTC.Format(timeLayout),
					c.Close.StringFixed(2),
					c.Volume.StringFixed(4),
				)
			}
		}
	}

	fmt.Printf("\n%s\n", strings.Repeat("=", 80))
	return nil
}
