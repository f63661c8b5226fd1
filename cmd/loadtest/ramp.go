package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convo/chat-app/internal/auth"
	"github.com/convo/chat-app/internal/loadtest/client"
	"github.com/convo/chat-app/internal/loadtest/stats"
)

// dialFlags are shared by every scenario.
type dialFlags struct {
	url         *string
	secret      *string
	issuer      *string
	rampUp      *time.Duration
	concurrency *int
}

func registerDialFlags(fs *flag.FlagSet) dialFlags {
	return dialFlags{
		url:         fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL"),
		secret:      fs.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret used to sign user tokens"),
		issuer:      fs.String("issuer", os.Getenv("JWT_ISSUER"), "Token issuer claim"),
		rampUp:      fs.Duration("ramp", 10*time.Second, "Ramp-up duration"),
		concurrency: fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up"),
	}
}

// rampResult is what a ramp-up phase leaves behind.
type rampResult struct {
	clients     []*client.Client
	interrupted bool
}

// ramp opens n connections spread over the ramp-up duration, each as a
// distinct user from a distinct forwarded address.
func ramp(ctx context.Context, f dialFlags, n int, collector *stats.Collector) rampResult {
	if *f.secret == "" {
		fmt.Fprintln(os.Stderr, "a signing secret is required (-secret or JWT_SECRET)")
		os.Exit(1)
	}
	runID := uuid.NewString()[:8]

	interval := *f.rampUp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		res     rampResult
		wg      sync.WaitGroup
		sem     = make(chan struct{}, *f.concurrency)
		stopped = make(chan struct{})
	)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last, lastTime := 0, time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				conns := collector.ConnectionCount()
				rate := float64(conns-last) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					conns, n, collector.ErrorCount(), rate)
				last, lastTime = conns, now
			case <-stopped:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			res.interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			c, err := dial(ctx, f, fmt.Sprintf("load-%s-%d", runID, i), i)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)
			mu.Lock()
			res.clients = append(res.clients, c)
			mu.Unlock()
		}(i)
	}

	wg.Wait()
	close(stopped)

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(res.clients), n, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return res
}

func dial(ctx context.Context, f dialFlags, userID string, i int) (*client.Client, error) {
	token, err := auth.Issue(*f.secret, *f.issuer, userID, time.Hour)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.New(ctx, *f.url, token, client.Options{ForwardedFor: fakeAddr(i)})
	if err != nil {
		return nil, err
	}
	if err := c.WaitConnected(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// fakeAddr spreads clients over 10.0.0.0/8 so the per-address connect limit
// applies to each simulated user separately.
func fakeAddr(i int) string {
	return fmt.Sprintf("10.%d.%d.%d", i>>16&0xff, i>>8&0xff, i&0xff)
}

func closeAll(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}
