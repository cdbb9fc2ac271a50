package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the tracked server metrics at one point in time.
type metricSnapshot struct {
	timestamp     time.Time
	connections   float64
	messagesTotal float64
	rejections    float64
	roomMembers   float64
	latencySum    float64
	latencyCount  float64
}

// Scraper periodically fetches the server's Prometheus endpoint and keeps
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes an initial snapshot and then scrapes in the background until
// ctx is cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.timestamp = time.Now()

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseSnapshot reads a Prometheus text exposition. Labelled series of the
// same metric are summed.
func parseSnapshot(r io.Reader) (metricSnapshot, error) {
	var snap metricSnapshot
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "pitchtalk_connections_total":
			snap.connections = value
		case "pitchtalk_messages_total":
			snap.messagesTotal += value
		case "pitchtalk_rejections_total":
			snap.rejections += value
		case "pitchtalk_room_members":
			snap.roomMembers += value
		case "pitchtalk_message_latency_seconds_sum":
			snap.latencySum = value
		case "pitchtalk_message_latency_seconds_count":
			snap.latencyCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits "name{labels} value" into the bare name and value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		name = raw[:idx]
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", 0, false
		}
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak for every tracked metric.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	type gauge struct {
		label   string
		extract func(metricSnapshot) float64
	}
	gauges := []gauge{
		{"Connections", func(s metricSnapshot) float64 { return s.connections }},
		{"Room Members", func(s metricSnapshot) float64 { return s.roomMembers }},
		{"Messages Total", func(s metricSnapshot) float64 { return s.messagesTotal }},
		{"Rejections", func(s metricSnapshot) float64 { return s.rejections }},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, g := range gauges {
		initial, final := g.extract(first), g.extract(last)
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			g.label, initial, final, final-initial, peakValue(snaps, g.extract))
	}

	fmt.Println()
	deltaSum := last.latencySum - first.latencySum
	deltaCount := last.latencyCount - first.latencyCount
	if deltaCount > 0 {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Send Latency", deltaSum/deltaCount, deltaCount)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Send Latency")
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
