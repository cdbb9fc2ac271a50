package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pitchtalk/chat-server/loadtest/client"
	"github.com/pitchtalk/chat-server/loadtest/stats"
)

// rampConfig controls how connections are opened.
type rampConfig struct {
	url         string
	total       int
	ramp        time.Duration
	concurrency int
	label       string
	// token returns the token for the i-th client; "" connects as a guest.
	token func(i int) string
	// handlers returns the frame handlers for the i-th client.
	handlers func(i int) map[string]func(json.RawMessage)
}

// rampUp opens cfg.total connections spread over cfg.ramp with at most
// cfg.concurrency dials in flight. It returns the connected clients indexed
// by launch order; failed slots are nil. interrupted is true if ctx ended
// before every client was launched.
func rampUp(ctx context.Context, cfg rampConfig, collector *stats.Collector) (clients []*client.Client, interrupted bool) {
	clients = make([]*client.Client, cfg.total)

	interval := cfg.ramp / time.Duration(cfg.total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := collector.ConnectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [%s] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					cfg.label, current, cfg.total, collector.ErrorCount(), rate)
				lastCount = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampTicker := time.NewTicker(interval)
	defer rampTicker.Stop()

launch:
	for i := 0; i < cfg.total; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-rampTicker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			var token string
			if cfg.token != nil {
				token = cfg.token(i)
			}
			var handlers map[string]func(json.RawMessage)
			if cfg.handlers != nil {
				handlers = cfg.handlers(i)
			}

			c, err := client.New(connCtx, cfg.url, token, handlers)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSession(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}

			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients[i] = c
		}(i)
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()
	return clients, interrupted
}

// closeAll closes every non-nil client.
func closeAll(clients []*client.Client) {
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
}
