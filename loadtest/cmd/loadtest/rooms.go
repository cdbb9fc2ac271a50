package main

import (
	"bufio"
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

	"github.com/pitchtalk/chat-server/loadtest/client"
	"github.com/pitchtalk/chat-server/loadtest/stats"
)

// maxText is the longest message the server accepts.
const maxText = 200

// roomClient tracks in-flight messages of one simulated user so the echo of
// its own broadcast can be timed.
type roomClient struct {
	mu      sync.Mutex
	pending map[string]time.Time
	seq     int
}

func (rc *roomClient) next(prefix string, size int) string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.seq++
	text := fmt.Sprintf("%s-%d ", prefix, rc.seq)
	if pad := size - len(text); pad > 0 {
		text += strings.Repeat("x", pad)
	}
	if len(text) > maxText {
		text = text[:maxText]
	}
	key := strings.TrimSpace(text)
	rc.pending[key] = time.Now()
	return text
}

func (rc *roomClient) observe(text string) (time.Duration, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	sent, ok := rc.pending[text]
	if !ok {
		return 0, false
	}
	delete(rc.pending, text)
	return time.Since(sent), true
}

// runRooms spreads clients round-robin over the rooms. Clients with a token
// send a message every interval and time the broadcast of their own message;
// the rest are guests that only listen.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	clientsN := fs.Int("clients", 200, "Number of clients")
	roomList := fs.String("rooms", "general,ballon-dor,transfers,goat", "Comma-separated rooms to join")
	tokenFile := fs.String("tokens", "", "File with one JWT per line; clients beyond the list connect as guests")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	duration := fs.Duration("duration", 30*time.Second, "How long senders keep chatting")
	msgInterval := fs.Duration("msg-interval", 2500*time.Millisecond, "Interval between messages per sender")
	msgSize := fs.Int("msg-size", 64, "Message size in bytes (max 200)")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	rooms := splitList(*roomList)
	if len(rooms) == 0 {
		fmt.Fprintln(os.Stderr, "at least one room is required")
		os.Exit(2)
	}
	tokens, err := readTokens(*tokenFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read tokens: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Rooms test: %d clients (%d senders) over %d rooms at %s (duration=%s, interval=%s)\n",
		*clientsN, min(len(tokens), *clientsN), len(rooms), *url, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var broadcasts atomic.Int64
	states := make([]*roomClient, *clientsN)
	for i := range states {
		states[i] = &roomClient{pending: make(map[string]time.Time)}
	}

	fmt.Println("\n--- Phase 1: Connect ---")
	clients, interrupted := rampUp(ctx, rampConfig{
		url:         *url,
		total:       *clientsN,
		ramp:        *ramp,
		concurrency: *concurrency,
		label:       "connect",
		token: func(i int) string {
			if i < len(tokens) {
				return tokens[i]
			}
			return ""
		},
		handlers: func(i int) map[string]func(json.RawMessage) {
			rc := states[i]
			return map[string]func(json.RawMessage){
				client.TypeNewMessage: func(raw json.RawMessage) {
					broadcasts.Add(1)
					var frame struct {
						Message client.ChatMessage `json:"message"`
					}
					if json.Unmarshal(raw, &frame) != nil {
						return
					}
					if d, ok := rc.observe(frame.Message.Text); ok {
						collector.AddMsgLatency(d)
					}
				},
			}
		},
	}, collector)

	if interrupted {
		fmt.Println("Interrupted, skipping chat phase.")
		finish(clients, collector, scraper)
		return
	}

	fmt.Println("\n--- Phase 2: Join rooms ---")
	for i, c := range clients {
		if c == nil {
			continue
		}
		if err := c.Join(rooms[i%len(rooms)]); err != nil {
			collector.AddError()
		}
	}

	fmt.Println("\n--- Phase 3: Chat ---")
	chatCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var wg sync.WaitGroup
	for i, c := range clients {
		if c == nil || c.Guest() {
			continue
		}
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()
			room := rooms[i%len(rooms)]
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			for {
				select {
				case <-chatCtx.Done():
					return
				case <-ticker.C:
					text := states[i].next(fmt.Sprintf("lt%d", i), *msgSize)
					if err := c.SendText(room, text); err != nil {
						collector.AddError()
						return
					}
				}
			}
		}(i, c)
	}

	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()
progressLoop:
	for {
		select {
		case <-chatCtx.Done():
			break progressLoop
		case <-progress.C:
			fmt.Printf("  [chat] broadcasts received: %d\n", broadcasts.Load())
		}
	}
	wg.Wait()

	// Let in-flight broadcasts land before closing.
	time.Sleep(500 * time.Millisecond)
	fmt.Printf("\nChat phase complete: %d broadcasts received\n", broadcasts.Load())
	finish(clients, collector, scraper)
}

func finish(clients []*client.Client, collector *stats.Collector, scraper *stats.Scraper) {
	for _, c := range clients {
		if c != nil {
			collector.AddRejections(int(c.GetMetrics().Rejections))
		}
	}
	closeAll(clients)
	scraper.Stop()
	collector.Report()
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func readTokens(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
			tokens = append(tokens, line)
		}
	}
	return tokens, scanner.Err()
}
