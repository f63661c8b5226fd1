package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/convo/chat-app/internal/loadtest/client"
	"github.com/convo/chat-app/internal/loadtest/stats"
	"github.com/convo/chat-app/internal/protocol"
)

// runChat takes pairs of users through the whole flow: set_interests,
// find_match with the saved selection, one message each, and end_chat.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	df := registerDialFlags(fs)
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	interests := fs.String("interests", "Tech,Cars,Art", "Comma-separated interests every user saves")
	timeout := fs.Duration("timeout", 60*time.Second, "Per-user timeout from find_match to chat_ended")
	metricsURL := fs.String("metrics-url", "http://localhost:9090/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	total := *pairs * 2
	selection := splitList(*interests)

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, interests=%v, concurrency=%d)\n",
		*pairs, total, *df.url, *df.rampUp, selection, *df.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect all users ---")
	res := ramp(ctx, df, total, collector)
	if res.interrupted {
		closeAll(res.clients)
		scraper.Stop()
		collector.Report(os.Stdout)
		return
	}

	fmt.Println("\n--- Phase 2: Match and chat ---")
	var matched, ended atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	for _, c := range res.clients {
		wg.Add(1)
		done := runUser(c, selection, collector, &matched, &ended)
		go func() {
			defer wg.Done()
			timer := time.NewTimer(*timeout)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				collector.AddError()
			case <-ctx.Done():
			}
		}()
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	ticker := time.NewTicker(2 * time.Second)
wait:
	for {
		select {
		case <-allDone:
			break wait
		case <-ctx.Done():
			fmt.Println("\nInterrupted during chat phase.")
			break wait
		case <-ticker.C:
			fmt.Printf("  [chat] matched: %d/%d  ended: %d/%d  errors: %d\n",
				matched.Load(), total, ended.Load(), total, collector.ErrorCount())
		}
	}
	ticker.Stop()

	elapsed := time.Since(start)
	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Clients matched:   %d / %d\n", matched.Load(), total)
	fmt.Printf("Clients ended:     %d / %d\n", ended.Load(), total)
	fmt.Printf("Duration:          %s\n", elapsed.Round(time.Millisecond))
	if elapsed > 0 {
		fmt.Printf("Throughput:        %.1f chats/s\n", float64(ended.Load())/2/elapsed.Seconds())
	}

	closeAll(res.clients)
	scraper.Stop()
	collector.Report(os.Stdout)
}

// runUser registers the handlers that drive one user through a chat and
// starts the flow. The returned channel closes on chat_ended or disconnect.
func runUser(c *client.Client, selection []string, collector *stats.Collector, matched, ended *atomic.Int64) <-chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	var (
		mu          sync.Mutex
		searchStart time.Time
		sentAt      time.Time
		chatID      string
		ender       bool
		ownEcho     bool
		partnerMsg  bool
		endSent     bool
	)

	// The participant whose id sorts first ends the chat once both messages
	// have been relayed.
	maybeEnd := func() {
		if ender && ownEcho && partnerMsg && !endSent {
			endSent = true
			if err := c.Send(protocol.EndChatMsg{Type: protocol.TypeEndChat, ChatID: chatID}); err != nil {
				collector.AddError()
			}
		}
	}

	c.On(protocol.TypeInterestsSaved, func(json.RawMessage) {
		mu.Lock()
		searchStart = time.Now()
		mu.Unlock()
		if err := c.Send(protocol.FindMatchMsg{Type: protocol.TypeFindMatch, Saved: true}); err != nil {
			collector.AddError()
		}
	})

	c.On(protocol.TypeMatchFound, func(raw json.RawMessage) {
		var msg protocol.MatchFoundMsg
		if err := json.Unmarshal(raw, &msg); err != nil || msg.ChatID == "" {
			collector.AddError()
			return
		}
		matched.Add(1)

		mu.Lock()
		collector.Observe("match", time.Since(searchStart))
		chatID = msg.ChatID
		ender = c.UserID() < msg.PartnerID
		sentAt = time.Now()
		mu.Unlock()

		text := "hello from " + c.UserID()
		if err := c.Send(protocol.ChatMsg{Type: protocol.TypeMessage, ChatID: msg.ChatID, Text: text}); err != nil {
			collector.AddError()
		}
	})

	c.On(protocol.TypeMessage, func(raw json.RawMessage) {
		var msg protocol.ServerChatMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if msg.From == c.UserID() {
			if !ownEcho {
				collector.Observe("message", time.Since(sentAt))
			}
			ownEcho = true
		} else {
			partnerMsg = true
		}
		maybeEnd()
	})

	c.On(protocol.TypeChatEnded, func(json.RawMessage) {
		ended.Add(1)
		finish()
	})

	c.On(protocol.TypeError, func(json.RawMessage) {
		collector.AddError()
	})

	go func() {
		select {
		case <-c.Done():
			finish()
		case <-done:
		}
	}()

	if err := c.Send(protocol.SetInterestsMsg{Type: protocol.TypeSetInterests, Interests: selection}); err != nil {
		collector.AddError()
		finish()
	}
	return done
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
