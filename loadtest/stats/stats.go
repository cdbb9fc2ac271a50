// Package stats aggregates results from many load test clients and prints a
// summary report with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from multiple load test clients. All methods
// are goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	msgLatencies     []time.Duration
	errors           int
	rejections       int
	connections      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a metrics scraper whose report is printed after the
// client-side results.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddMsgLatency records the time between sending a message and seeing it
// broadcast back.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.msgLatencies = append(c.msgLatencies, d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// AddRejections adds n error_message replies.
func (c *Collector) AddRejections(n int) {
	c.mu.Lock()
	c.rejections += n
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints a summary of the collected metrics to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	fmt.Printf("Rejections:   %d\n", c.rejections)

	if c.connections > 0 {
		errorRate := float64(c.errors) / float64(c.connections) * 100
		fmt.Printf("Error rate:   %.2f%%\n", errorRate)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		fmt.Println(" ", Summarize(c.connectLatencies))
	}

	if len(c.msgLatencies) > 0 {
		fmt.Println("\n--- Broadcast Latency ---")
		fmt.Println(" ", Summarize(c.msgLatencies))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// Percentiles is a latency distribution summary.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func (p Percentiles) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N,
	)
}

// Summarize sorts durations in place and computes its distribution.
func Summarize(durations []time.Duration) Percentiles {
	n := len(durations)
	if n == 0 {
		return Percentiles{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}
}
