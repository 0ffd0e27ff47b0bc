// Administrative bulk delete over the candle table: everything, or a single
// symbol with -symbol. Prompts before deleting unless -y is given.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"safetradelab/collector/configs"
	"safetradelab/collector/internal/storage"
)

func main() {
	symbol := flag.String("symbol", "", "delete only this symbol (default: all data)")
	yes := flag.Bool("y", false, "skip the confirmation prompt")
	flag.Parse()

	if err := run(*symbol, *yes); err != nil {
		fmt.Fprintf(os.Stderr, "cleanup failed: %v\n", err)
		os.Exit(1)
	}
}

func run(symbol string, skipConfirm bool) error {
	cfg, err := configs.AppLoad()
	if err != nil {
		return err
	}

	store, err := storage.NewGormStore(cfg.DBDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		return err
	}

	var count int64
	if symbol != "" {
		count, err = store.Count(ctx, symbol)
	} else {
		count, err = store.CountAll(ctx)
	}
	if err != nil {
		return err
	}

	if count == 0 {
		fmt.Println("Nothing to delete.")
		return nil
	}

	target := "ALL symbols"
	if symbol != "" {
		target = symbol
	}
	fmt.Printf("WARNING: about to delete %d records for %s\n", count, target)

	if !skipConfirm && !confirm() {
		fmt.Println("Cleanup cancelled.")
		return nil
	}

	var deleted int64
	if symbol != "" {
		deleted, err = store.DeleteBySymbol(ctx, symbol)
	} else {
		deleted, err = store.DeleteAll(ctx)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Deleted %d records.\n", deleted)
	return nil
}

// confirm asks for an explicit yes on stdin.
func confirm() bool {
	fmt.Print("Are you sure you want to continue? (yes/no): ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
