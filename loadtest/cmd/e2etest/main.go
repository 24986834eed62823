// Package main implements a standalone end-to-end integration test for the
// Duet chat application. It validates the full user journey against a running
// Docker Compose stack: health checks, WebSocket handshake, pairing with a
// code, chat messaging with live snapshots, typing relay, and unpairing.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/duet/chat-app/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Duet E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2ConnectHandshake(ctx, *wsURL))

	// Scenarios 3-5 share a paired couple; run them as a group.
	s3, s4, s5 := scenario345PairChatUnpair(ctx, *wsURL)
	results = append(results, s3, s4, s5)

	// Optional scenarios (non-fatal).
	results = append(results, scenario6BadCode(ctx, *wsURL))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/health", nil)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return scenarioResult{name, resultFail, fmt.Sprintf("status %d", resp.StatusCode)}
	}
	if !strings.Contains(string(body), `"status":"ok"`) {
		return scenarioResult{name, resultFail, "unexpected health body"}
	}
	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect + auth handshake
// ---------------------------------------------------------------------------

func scenario2ConnectHandshake(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 2: Connect + Auth Handshake"

	c, err := client.New(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer c.Close()

	if err := c.Login("e2e-handshake", "Handshake"); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	authCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.WaitForAuth(authCtx); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenarios 3-5: Pair with a code, exchange messages, unpair
// ---------------------------------------------------------------------------

func scenario345PairChatUnpair(ctx context.Context, wsURL string) (scenarioResult, scenarioResult, scenarioResult) {
	pairName := "Scenario 3: Pair With Code"
	chatName := "Scenario 4: Message Roundtrip"
	unpairName := "Scenario 5: Unpair"

	fail := func(name, detail string) scenarioResult {
		return scenarioResult{name, resultFail, detail}
	}
	skipped := func(name string) scenarioResult {
		return scenarioResult{name, resultFail, "skipped: earlier scenario failed"}
	}

	// Connect and auth both sides with fresh identities per run.
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	alice, err := client.New(ctx, wsURL)
	if err != nil {
		return fail(pairName, err.Error()), skipped(chatName), skipped(unpairName)
	}
	defer alice.Close()
	bob, err := client.New(ctx, wsURL)
	if err != nil {
		return fail(pairName, err.Error()), skipped(chatName), skipped(unpairName)
	}
	defer bob.Close()

	codeCh := make(chan string, 1)
	alice.On(client.TypeCodeGenerated, func(raw json.RawMessage) {
		var msg struct {
			Code string `json:"code"`
		}
		if json.Unmarshal(raw, &msg) == nil && msg.Code != "" {
			select {
			case codeCh <- msg.Code:
			default:
			}
		}
	})

	redeemedCh := make(chan bool, 1)
	bob.On(client.TypeCodeRedeemed, func(raw json.RawMessage) {
		var msg struct {
			OK bool `json:"ok"`
		}
		_ = json.Unmarshal(raw, &msg)
		select {
		case redeemedCh <- msg.OK:
		default:
		}
	})

	// Bob watches snapshots for the roundtrip check.
	snapshotCh := make(chan string, 8)
	bob.On(client.TypeSnapshot, func(raw json.RawMessage) {
		var msg struct {
			Messages []struct {
				Text string `json:"text"`
			} `json:"messages"`
		}
		if json.Unmarshal(raw, &msg) == nil && len(msg.Messages) > 0 {
			select {
			case snapshotCh <- msg.Messages[0].Text:
			default:
			}
		}
	})

	unpairedCh := make(chan struct{}, 1)
	bob.On(client.TypeUnpaired, func(json.RawMessage) {
		select {
		case unpairedCh <- struct{}{}:
		default:
		}
	})

	authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := alice.Login("e2e-alice-"+suffix, "Alice"); err != nil {
		return fail(pairName, err.Error()), skipped(chatName), skipped(unpairName)
	}
	if err := alice.WaitForAuth(authCtx); err != nil {
		return fail(pairName, err.Error()), skipped(chatName), skipped(unpairName)
	}
	if err := bob.Login("e2e-bob-"+suffix, "Bob"); err != nil {
		return fail(pairName, err.Error()), skipped(chatName), skipped(unpairName)
	}
	if err := bob.WaitForAuth(authCtx); err != nil {
		return fail(pairName, err.Error()), skipped(chatName), skipped(unpairName)
	}

	// --- Scenario 3: pair ---
	if err := alice.Send(map[string]string{"type": client.TypeGenerateCode}); err != nil {
		return fail(pairName, err.Error()), skipped(chatName), skipped(unpairName)
	}
	var code string
	select {
	case code = <-codeCh:
	case <-time.After(10 * time.Second):
		return fail(pairName, "timeout waiting for code"), skipped(chatName), skipped(unpairName)
	}

	if err := bob.Send(map[string]string{"type": client.TypeRedeemCode, "code": code}); err != nil {
		return fail(pairName, err.Error()), skipped(chatName), skipped(unpairName)
	}
	select {
	case ok := <-redeemedCh:
		if !ok {
			return fail(pairName, "redemption rejected"), skipped(chatName), skipped(unpairName)
		}
	case <-time.After(10 * time.Second):
		return fail(pairName, "timeout waiting for redemption"), skipped(chatName), skipped(unpairName)
	}
	pairResult := scenarioResult{pairName, resultPass, ""}

	// --- Scenario 4: message roundtrip via live snapshot ---
	text := "hello from e2e " + suffix
	if err := alice.Send(map[string]string{"type": client.TypeMessage, "text": text}); err != nil {
		return pairResult, fail(chatName, err.Error()), skipped(unpairName)
	}

	chatResult := fail(chatName, "timeout waiting for snapshot")
	deadline := time.After(15 * time.Second)
waitSnapshot:
	for {
		select {
		case got := <-snapshotCh:
			if got == text {
				chatResult = scenarioResult{chatName, resultPass, ""}
				break waitSnapshot
			}
		case <-deadline:
			break waitSnapshot
		}
	}

	// --- Scenario 5: unpair notifies the partner ---
	if err := alice.Send(map[string]string{"type": client.TypeUnpair}); err != nil {
		return pairResult, chatResult, fail(unpairName, err.Error())
	}
	select {
	case <-unpairedCh:
		return pairResult, chatResult, scenarioResult{unpairName, resultPass, ""}
	case <-time.After(10 * time.Second):
		return pairResult, chatResult, fail(unpairName, "timeout waiting for unpaired")
	}
}

// ---------------------------------------------------------------------------
// Scenario 6: Bad code is rejected (optional)
// ---------------------------------------------------------------------------

func scenario6BadCode(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 6: Bad Code Rejected"

	c, err := client.New(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	defer c.Close()

	if err := c.Login("e2e-badcode", "BadCode"); err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	authCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.WaitForAuth(authCtx); err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}

	rejectCh := make(chan bool, 1)
	c.On(client.TypeCodeRedeemed, func(raw json.RawMessage) {
		var msg struct {
			OK bool `json:"ok"`
		}
		_ = json.Unmarshal(raw, &msg)
		select {
		case rejectCh <- msg.OK:
		default:
		}
	})

	if err := c.Send(map[string]string{"type": client.TypeRedeemCode, "code": "ZZZZZZ"}); err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	select {
	case ok := <-rejectCh:
		if ok {
			return scenarioResult{name, resultFail, "unknown code was accepted"}
		}
		return scenarioResult{name, resultPass, ""}
	case <-time.After(10 * time.Second):
		return scenarioResult{name, resultInfo, "timeout waiting for response"}
	}
}
