package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/duet/chat-app/loadtest/client"
	"github.com/duet/chat-app/loadtest/stats"
)

// runPair implements the pairing flow load test. It drives couples through
// the full code lifecycle: one side authenticates and generates a pairing
// code, the other side authenticates and redeems it. The reported message
// latency is the time from code generation request to redemption
// confirmation.
func runPair(args []string) {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	couples := fs.Int("couples", 100, "Number of couples to pair")
	concurrency := fs.Int("concurrency", 20, "Maximum couples pairing simultaneously")
	timeout := fs.Duration("timeout", 15*time.Second, "Per-couple timeout")
	metricsURL := fs.String("metrics", "", "Prometheus metrics URL to scrape (optional)")
	fs.Parse(args)

	fmt.Printf("Pair test: %d couples to %s (concurrency=%d)\n", *couples, *url, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	for i := 0; i < *couples; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted.")
			i = *couples
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			defer func() { <-sem }()

			coupleCtx, cancel := context.WithTimeout(ctx, *timeout)
			defer cancel()

			if err := pairCouple(coupleCtx, *url, seq, collector); err != nil {
				collector.AddError()
			}
		}(i)
	}

	wg.Wait()
	collector.Report()
}

// pairCouple runs one generate-and-redeem cycle for a synthetic couple.
func pairCouple(ctx context.Context, url string, seq int, collector *stats.Collector) error {
	ownerID := fmt.Sprintf("loadtest-pair-%d-a", seq)
	redeemerID := fmt.Sprintf("loadtest-pair-%d-b", seq)

	owner, err := client.New(ctx, url)
	if err != nil {
		return fmt.Errorf("owner connect: %w", err)
	}
	defer owner.Close()
	collector.AddConnect(owner.GetMetrics().ConnectLatency)

	redeemer, err := client.New(ctx, url)
	if err != nil {
		return fmt.Errorf("redeemer connect: %w", err)
	}
	defer redeemer.Close()
	collector.AddConnect(redeemer.GetMetrics().ConnectLatency)

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
		return fmt.Errorf("owner login: %w", err)
	}
	if err := owner.WaitForAuth(ctx); err != nil {
		return fmt.Errorf("owner auth: %w", err)
	}
	if err := redeemer.Login(redeemerID, redeemerID); err != nil {
		return fmt.Errorf("redeemer login: %w", err)
	}
	if err := redeemer.WaitForAuth(ctx); err != nil {
		return fmt.Errorf("redeemer auth: %w", err)
	}

	start := time.Now()
	if err := owner.Send(map[string]string{"type": client.TypeGenerateCode}); err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	var code string
	select {
	case <-ctx.Done():
		return ctx.Err()
	case code = <-codeCh:
	}

	if err := redeemer.Send(map[string]string{
		"type": client.TypeRedeemCode,
		"code": code,
	}); err != nil {
		return fmt.Errorf("redeem: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ok := <-redeemedCh:
		if !ok {
			return fmt.Errorf("redemption rejected for couple %d", seq)
		}
	}

	collector.AddMsgLatency(time.Since(start))
	return nil
}
