package aptos

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 500 * time.Millisecond
	DefaultMaxDelay     = 8 * time.Second
	DefaultBackoffMult  = 2.0
	DefaultPollInterval = 500 * time.Millisecond
)

// retryTransport rate limits outgoing node and indexer requests and retries
// transport errors, 429 and 5xx responses with exponential backoff. Other
// responses are returned to the caller untouched.
type retryTransport struct {
	base        http.RoundTripper
	apiKey      string
	limiter     *rate.Limiter
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	ctx := req.Context()
	delay := t.retryDelay

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * t.backoffMult)
			if delay > t.maxDelay {
				delay = t.maxDelay
			}
		}

		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		r := req.Clone(ctx)
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
		}
		if t.apiKey != "" {
			r.Header.Set("Authorization", "Bearer "+t.apiKey)
		}

		resp, err := t.base.RoundTrip(r)
		retry := (err != nil && ctx.Err() == nil) || (err == nil && retryableStatus(resp.StatusCode))
		if !retry || attempt >= t.maxRetries {
			return resp, err
		}
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// ClientOption configures the node and indexer connection.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout      time.Duration
	base         http.RoundTripper
	chainID      uint8
	pollInterval time.Duration
	transport    retryTransport
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *clientConfig) {
		c.transport.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.transport.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.transport.maxDelay = d
	}
}

// WithRoundTripper replaces the underlying transport.
func WithRoundTripper(rt http.RoundTripper) ClientOption {
	return func(c *clientConfig) {
		c.base = rt
	}
}

// WithAPIKey sends the key as a bearer token on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *clientConfig) {
		c.transport.apiKey = key
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *clientConfig) {
		if perSecond <= 0 {
			c.transport.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.transport.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithPollInterval sets how often WaitForTransaction polls the node.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.pollInterval = d
	}
}

// WithChainID pins the chain id signed into transactions. Zero asks the node.
func WithChainID(id uint8) ClientOption {
	return func(c *clientConfig) {
		c.chainID = id
	}
}

func newClientConfig(opts []ClientOption) *clientConfig {
	cfg := &clientConfig{
		timeout:      DefaultTimeout,
		base:         http.DefaultTransport,
		pollInterval: DefaultPollInterval,
		transport: retryTransport{
			maxRetries:  DefaultMaxRetries,
			retryDelay:  DefaultRetryDelay,
			maxDelay:    DefaultMaxDelay,
			backoffMult: DefaultBackoffMult,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// httpClient returns the client shared by the node and indexer connections.
func (c *clientConfig) httpClient() *http.Client {
	rt := c.transport
	rt.base = c.base
	return &http.Client{
		Timeout:   c.timeout,
		Transport: &rt,
	}
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
