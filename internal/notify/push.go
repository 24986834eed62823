// Package notify delivers push notifications through an external push
// relay over HTTP. Delivery is best effort: a partner with a dead device
// token must never fail a message send, so callers log and move on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/duet/chat-app/internal/metrics"
)

// Request is one push-notification job. It travels over the push queue as
// JSON and is consumed by notifier workers.
type Request struct {
	Token string            `json:"token"` // recipient device token
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"` // opaque payload for the client
}

// Encode marshals the request for the push queue.
func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest unmarshals a queued push request.
func DecodeRequest(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("notify: decode request: %w", err)
	}
	return &r, nil
}

// Client sends push requests to the relay endpoint.
type Client struct {
	http *resty.Client
}

// Config holds push relay settings.
type Config struct {
	BaseURL string        // relay endpoint, e.g. https://push.example.com
	APIKey  string        // bearer token for the relay
	Timeout time.Duration // per-request budget
}

// NewClient creates a push client. Retries are handled by resty with
// backoff; a request that still fails after retries is dropped.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return &Client{http: c}
}

// Send delivers one push notification. A non-2xx relay response is an
// error; the caller decides whether to log or drop.
func (c *Client) Send(ctx context.Context, req *Request) error {
	if req.Token == "" {
		return fmt.Errorf("notify: empty device token")
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/v1/send")
	if err != nil {
		metrics.PushesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("notify: send: %w", err)
	}
	if resp.IsError() {
		metrics.PushesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("notify: relay returned %s", resp.Status())
	}

	metrics.PushesTotal.WithLabelValues("delivered").Inc()
	return nil
}
