// Package stats aggregates load test measurements from many clients and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from many load test clients. All methods are
// goroutine-safe.
type Collector struct {
	mu        sync.Mutex
	series    map[string][]time.Duration
	order     []string
	errors    int
	conns     int
	startTime time.Time
	scraper   *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{series: make(map[string][]time.Duration), startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.conns++
	c.mu.Unlock()
	c.Observe("connect", d)
}

// Observe records one latency sample in the named series.
func (c *Collector) Observe(name string, d time.Duration) {
	c.mu.Lock()
	if _, ok := c.series[name]; !ok {
		c.order = append(c.order, name)
	}
	c.series[name] = append(c.series[name], d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary is the distribution of one series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the distribution of durations. It sorts its argument.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return durations[int(math.Ceil(float64(n)*q))-1]
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: durations[n-1],
	}
}

// Summary returns the distribution of the named series.
func (c *Collector) Summary(name string) Summary {
	c.mu.Lock()
	samples := append([]time.Duration(nil), c.series[name]...)
	c.mu.Unlock()
	return Summarize(samples)
}

// Report writes the results to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	elapsed := time.Since(c.startTime)
	conns, errs := c.conns, c.errors
	order := append([]string(nil), c.order...)
	scraper := c.scraper
	c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", conns)
	fmt.Fprintf(w, "Errors:       %d\n", errs)
	if conns > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(errs)/float64(conns)*100)
	}

	for _, name := range order {
		s := c.Summary(name)
		fmt.Fprintf(w, "\n--- %s latency ---\n", name)
		fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			s.Avg.Round(time.Microsecond),
			s.P50.Round(time.Microsecond),
			s.P95.Round(time.Microsecond),
			s.P99.Round(time.Microsecond),
			s.Max.Round(time.Microsecond),
			s.N,
		)
	}

	if scraper != nil {
		scraper.Report(w)
	}
	fmt.Fprintln(w)
}
