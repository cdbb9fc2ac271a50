package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/pitchtalk/chat-server/loadtest/stats"
)

// runSaturate opens the requested number of guest connections, ramping up
// over a configurable duration, then holds them open and reports drops. It
// finds the connection capacity of a single server.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	start := time.Now()
	clients, interrupted := rampUp(ctx, rampConfig{
		url:         *url,
		total:       *connections,
		ramp:        *ramp,
		concurrency: *concurrency,
		label:       "ramp",
	}, collector)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	var dropped int
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		initial := collector.ConnectionCount()
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				alive := 0
				for _, c := range clients {
					if c != nil && c.Alive() {
						alive++
					}
				}
				dropped = initial - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, dropped)
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)
	fmt.Println("All connections closed.")

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}
