// The notifier consumes queued push-notification requests from NATS and
// delivers them through the push relay. It runs separately from the chat
// server so a slow relay never backs up the message path.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/duet/chat-app/internal/messaging"
	"github.com/duet/chat-app/internal/metrics"
	"github.com/duet/chat-app/internal/notify"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsConfig.Name = "duet-notifier"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Push relay ---
	pushConfig := notify.Config{
		BaseURL: os.Getenv("PUSH_RELAY_URL"),
		APIKey:  os.Getenv("PUSH_RELAY_KEY"),
	}
	if pushConfig.BaseURL == "" {
		log.Fatalf("PUSH_RELAY_URL is required")
	}
	pusher := notify.NewClient(pushConfig)

	log.Printf("Duet notifier starting")
	log.Printf("  nats_url:   %s", natsConfig.URL)
	log.Printf("  relay_url:  %s", pushConfig.BaseURL)

	err = natsClient.SubscribePushRequests(func(data []byte) {
		req, err := notify.DecodeRequest(data)
		if err != nil {
			log.Printf("[notifier] bad request: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// Best effort: a dead token or relay hiccup is logged and dropped.
		if err := pusher.Send(ctx, req); err != nil {
			log.Printf("[notifier] delivery failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to push queue: %v", err)
	}

	// Metrics endpoint for scraping worker throughput.
	metricsAddr := ":9101"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Block until shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Printf("received signal %v, shutting down...", sig)
	natsClient.Close()
}
