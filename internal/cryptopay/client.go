package cryptopay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const DefaultBaseURL = "https://pay.crypt.bot/api"

const tokenHeader = "Crypto-Pay-API-Token"

type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindTimeout     ErrorKind = "timeout"
	KindNetwork     ErrorKind = "network"
	KindDecode      ErrorKind = "decode"
	KindHTTP        ErrorKind = "http"
	KindAPI         ErrorKind = "api"
)

var ErrRateLimited = errors.New("cryptopay: local rate limit exceeded")

// APIError is a business error reported by the provider in the response envelope.
type APIError struct {
	Code        int    `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("cryptopay api error %s: %s", e.Name, e.Description)
	}
	return "cryptopay api error " + e.Name
}

// CallError wraps any failed provider call with its classification.
type CallError struct {
	Method string
	Kind   ErrorKind
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("cryptopay %s (%s): %v", e.Method, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error,omitempty"`
}

// Stats is the observability view of recent provider failures.
type Stats struct {
	ErrorStreak   int       `json:"errorStreak"`
	LastErrorAt   time.Time `json:"lastErrorAt,omitempty"`
	LastErrorKind ErrorKind `json:"lastErrorKind,omitempty"`
	Calls         int64     `json:"calls"`
	Failures      int64     `json:"failures"`
}

// Client performs authenticated calls against the provider API. Every call is
// admitted by the rate limiter first; failures feed the error streak.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *RateLimiter
	log     *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func NewClient(baseURL, token string, timeout time.Duration, limiter *RateLimiter, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if limiter == nil {
		limiter = NewRateLimiter(100, time.Minute)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		log:     logger,
	}
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Call executes method and decodes the result payload into out (which may be nil).
// GET sends params as a query string, POST as a form body.
func (c *Client) Call(ctx context.Context, httpMethod, method string, params url.Values, out any) error {
	if !c.limiter.Allow() {
		c.log.Warn("cryptopay request refused by rate limiter", "method", method)
		return &CallError{Method: method, Kind: KindRateLimited, Err: ErrRateLimited}
	}

	req, err := c.newRequest(ctx, httpMethod, method, params)
	if err != nil {
		return fmt.Errorf("cryptopay %s: build request: %w", method, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return c.fail(method, KindTimeout, err)
		}
		return c.fail(method, KindNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return c.fail(method, KindTimeout, err)
		}
		return c.fail(method, KindNetwork, err)
	}
	c.log.Debug("cryptopay response", "method", method, "status", resp.StatusCode, "body", string(body))

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return c.fail(method, KindHTTP, fmt.Errorf("http status %d", resp.StatusCode))
		}
		return c.fail(method, KindDecode, err)
	}
	if !env.OK {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Code: resp.StatusCode, Name: "UNKNOWN"}
		}
		c.log.Error("cryptopay api error", "method", method, "name", apiErr.Name, "description", apiErr.Description)
		return c.fail(method, KindAPI, apiErr)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return c.fail(method, KindDecode, err)
		}
	}
	c.succeed()
	return nil
}

func (c *Client) newRequest(ctx context.Context, httpMethod, method string, params url.Values) (*http.Request, error) {
	endpoint := c.baseURL + "/" + method
	var body io.Reader
	if httpMethod == http.MethodGet {
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
	} else if len(params) > 0 {
		body = strings.NewReader(params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(tokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req, nil
}

func (c *Client) fail(method string, kind ErrorKind, err error) error {
	c.mu.Lock()
	c.stats.Calls++
	c.mu.Unlock()
	return c.failed(method, kind, err)
}

// refused records a call that went through but whose result the caller
// rejects. The call itself was already counted by succeed.
func (c *Client) refused(method string, err error) error {
	return c.failed(method, KindAPI, err)
}

func (c *Client) failed(method string, kind ErrorKind, err error) error {
	c.mu.Lock()
	c.stats.Failures++
	c.stats.ErrorStreak++
	c.stats.LastErrorAt = time.Now().UTC()
	c.stats.LastErrorKind = kind
	streak := c.stats.ErrorStreak
	c.mu.Unlock()

	if kind != KindAPI {
		c.log.Warn("cryptopay call failed", "method", method, "kind", kind, "streak", streak, "err", err)
	} else if streak >= 3 {
		c.log.Warn("cryptopay api error streak", "streak", streak)
	}
	return &CallError{Method: method, Kind: kind, Err: err}
}

func (c *Client) succeed() {
	c.mu.Lock()
	c.stats.Calls++
	c.stats.ErrorStreak = 0
	c.mu.Unlock()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// KindOf returns the classification of err, or "" when err is not a CallError.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
