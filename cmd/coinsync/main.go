// coinsync keeps a local daily price history for the top-ranked crypto
// assets in sync with the exchange.
//
// Usage:
//
//	coinsync                      # one pipeline pass (same as "coinsync run")
//	coinsync daemon --interval 24h
//	coinsync watermark BTC ETH
//	coinsync export --out data/archive
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
