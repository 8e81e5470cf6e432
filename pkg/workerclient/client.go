// Package workerclient is the reference HTTP client a worker process uses
// to pull and discharge tasks from asyncgate-server: claim, start, report
// progress, complete, and fail, each wrapped in the client's own retry and
// circuit breaker; it is the codebase's only outbound HTTP client.
package workerclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	mathrand "math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client talks to asyncgate-server's HTTP facade on behalf of one worker.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	breaker    *circuitBreaker
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		breaker:    newCircuitBreaker(5, 10*time.Second),
	}
}

// do executes method/path with a JSON body, retrying 5xx and network
// errors with exponential backoff and jitter, short-circuiting entirely
// once the breaker trips.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.doWithHeaders(ctx, method, path, body, out, nil)
}

func (c *Client) doWithHeaders(ctx context.Context, method, path string, body, out any, extraHeaders map[string]string) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("workerclient: circuit breaker open for %s", c.baseURL)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("workerclient: marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("workerclient: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Request-ID", uuid.NewString())
		req.Header.Set("traceparent", traceparent())
		for k, v := range extraHeaders {
			if v != "" {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			defer resp.Body.Close()
			if resp.StatusCode < 500 {
				c.breaker.Success()
				return decodeResponse(resp, out)
			}
			data, _ := io.ReadAll(resp.Body)
			lastErr = fmt.Errorf("workerclient: %s %s: status %d: %s", method, path, resp.StatusCode, data)
		}

		if attempt == c.maxRetries {
			break
		}
		time.Sleep(backoff(attempt))
	}

	c.breaker.Failure()
	return lastErr
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
			Code   string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&problem)
		return fmt.Errorf("workerclient: %s (%s): %s", problem.Title, problem.Code, problem.Detail)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func backoff(attempt int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * 200 * time.Millisecond
	jitter := time.Duration(mathrand.Intn(100)) * time.Millisecond
	return base + jitter
}

func traceparent() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("00-%032x-0000000000000001-01", time.Now().UnixNano())
	}
	return fmt.Sprintf("00-%s-0000000000000001-01", hex.EncodeToString(b[:]))
}

// circuitBreaker trips after threshold consecutive failures and refuses
// calls until resetTimeout has passed.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	open         bool
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTimeout: resetTimeout}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.open && time.Since(cb.lastFailure) > cb.resetTimeout {
		cb.open = false
		cb.failureCount = 0
	}
	return !cb.open
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.open = false
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.open = true
	}
}
