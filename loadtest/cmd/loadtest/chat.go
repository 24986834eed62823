package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/duet/chat-app/loadtest/client"
	"github.com/duet/chat-app/loadtest/stats"
)

// couple is one paired pair of simulated users exchanging messages.
type couple struct {
	a, b *client.Client
}

// runChat implements the full chat lifecycle load test. Each simulated
// couple goes through the complete flow: connect -> auth -> generate code ->
// redeem -> exchange messages -> unpair. This test measures end-to-end send
// acknowledgement latency and throughput for the entire chat experience.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of couples for full chat lifecycle")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each couple chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 20, "Maximum couples pairing simultaneously")
	pairTimeout := fs.Duration("pair-timeout", 15*time.Second, "Timeout for each couple's pairing flow")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d couples (%d clients) to %s (chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *chatDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1 — Connect and pair all couples
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect and pair ---")

	var mu sync.Mutex
	couples := make([]couple, 0, *pairs)

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	pairStart := time.Now()
	for i := 0; i < *pairs; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during pairing phase.")
			i = *pairs
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			defer func() { <-sem }()

			coupleCtx, cancel := context.WithTimeout(ctx, *pairTimeout)
			defer cancel()

			cp, err := connectCouple(coupleCtx, *url, seq, collector)
			if err != nil {
				collector.AddError()
				return
			}
			mu.Lock()
			couples = append(couples, cp)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	mu.Lock()
	paired := len(couples)
	mu.Unlock()
	fmt.Printf("Pairing complete: %d/%d couples in %s (%d errors)\n",
		paired, *pairs, time.Since(pairStart).Round(time.Millisecond), collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Phase 2 — Message exchange
	// -----------------------------------------------------------------------
	var sent, acked atomic.Int64

	if paired > 0 && ctx.Err() == nil {
		fmt.Println("\n--- Phase 2: Message exchange ---")

		payload := strings.Repeat("x", *msgSize)
		chatCtx, chatCancel := context.WithTimeout(ctx, *chatDuration)

		var chatWg sync.WaitGroup
		mu.Lock()
		for _, cp := range couples {
			for _, c := range []*client.Client{cp.a, cp.b} {
				chatWg.Add(1)
				go func(c *client.Client) {
					defer chatWg.Done()
					chatter(chatCtx, c, payload, *msgInterval, collector, &sent, &acked)
				}(c)
			}
		}
		mu.Unlock()
		chatWg.Wait()
		chatCancel()

		fmt.Printf("Message exchange complete: sent=%d acked=%d\n", sent.Load(), acked.Load())
	}

	// -----------------------------------------------------------------------
	// Phase 3 — Unpair and cleanup
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 3: Cleanup ---")
	mu.Lock()
	for _, cp := range couples {
		_ = cp.a.Send(map[string]string{"type": client.TypeUnpair})
		cp.a.Close()
		cp.b.Close()
	}
	mu.Unlock()
	fmt.Println("All connections closed.")

	scraper.Stop()
	collector.Report()
}

// connectCouple connects and pairs two clients, leaving both open for the
// chat phase.
func connectCouple(ctx context.Context, url string, seq int, collector *stats.Collector) (couple, error) {
	ownerID := fmt.Sprintf("loadtest-chat-%d-a", seq)
	redeemerID := fmt.Sprintf("loadtest-chat-%d-b", seq)

	owner, err := client.New(ctx, url)
	if err != nil {
		return couple{}, fmt.Errorf("owner connect: %w", err)
	}
	collector.AddConnect(owner.GetMetrics().ConnectLatency)

	redeemer, err := client.New(ctx, url)
	if err != nil {
		owner.Close()
		return couple{}, fmt.Errorf("redeemer connect: %w", err)
	}
	collector.AddConnect(redeemer.GetMetrics().ConnectLatency)

	fail := func(err error) (couple, error) {
		owner.Close()
		redeemer.Close()
		return couple{}, err
	}

	codeCh := make(chan string, 1)
	owner.On(client.TypeCodeGenerated, func(raw json.RawMessage) {
		var msg struct {
			Code string `json:"code"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Code != "" {
			select {
			case codeCh <- msg.Code:
			default:
			}
		}
	})

	redeemedCh := make(chan bool, 1)
	redeemer.On(client.TypeCodeRedeemed, func(raw json.RawMessage) {
		var msg struct {
			OK bool `json:"ok"`
		}
		_ = json.Unmarshal(raw, &msg)
		select {
		case redeemedCh <- msg.OK:
		default:
		}
	})

	if err := owner.Login(ownerID, ownerID); err != nil {
		return fail(err)
	}
	if err := owner.WaitForAuth(ctx); err != nil {
		return fail(err)
	}
	if err := redeemer.Login(redeemerID, redeemerID); err != nil {
		return fail(err)
	}
	if err := redeemer.WaitForAuth(ctx); err != nil {
		return fail(err)
	}

	if err := owner.Send(map[string]string{"type": client.TypeGenerateCode}); err != nil {
		return fail(err)
	}
	var code string
	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case code = <-codeCh:
	}

	if err := redeemer.Send(map[string]string{
		"type": client.TypeRedeemCode,
		"code": code,
	}); err != nil {
		return fail(err)
	}
	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case ok := <-redeemedCh:
		if !ok {
			return fail(fmt.Errorf("redemption rejected for couple %d", seq))
		}
	}

	return couple{a: owner, b: redeemer}, nil
}

// chatter sends messages on an interval and records ack round-trip latency.
func chatter(ctx context.Context, c *client.Client, payload string, interval time.Duration,
	collector *stats.Collector, sent, acked *atomic.Int64) {

	// Ack handler: each send waits for the next message_ack before the
	// following tick, so outstanding sends never overlap on one client.
	ackCh := make(chan struct{}, 1)
	c.On(client.TypeMessageAck, func(json.RawMessage) {
		select {
		case ackCh <- struct{}{}:
		default:
		}
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := c.Send(map[string]string{
				"type": client.TypeMessage,
				"text": payload,
			}); err != nil {
				collector.AddError()
				return
			}
			sent.Add(1)

			select {
			case <-ctx.Done():
				return
			case <-ackCh:
				acked.Add(1)
				collector.AddMsgLatency(time.Since(start))
			case <-time.After(10 * time.Second):
				collector.AddError()
			}
		}
	}
}
