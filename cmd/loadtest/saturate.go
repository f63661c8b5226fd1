package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convo/chat-app/internal/loadtest/stats"
)

// runSaturate opens the requested number of connections, then holds them
// while counting how many the server drops.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	df := registerDialFlags(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *df.url, *df.rampUp, *hold, *df.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	res := ramp(ctx, df, *connections, collector)

	dropped := 0
	if !res.interrupted {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d connections for %s...\n", len(res.clients), *hold)

		holdTimer := time.NewTimer(*hold)
		status := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-status.C:
				dropped = 0
				for _, c := range res.clients {
					select {
					case <-c.Done():
						dropped++
					default:
					}
				}
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n",
					len(res.clients)-dropped, len(res.clients), dropped)
			}
		}
		holdTimer.Stop()
		status.Stop()
	}

	closeAll(res.clients)
	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report(os.Stdout)
}
