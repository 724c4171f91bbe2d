package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Event is a credit event delivered over the server's SSE stream.
type Event struct {
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`

	Kind     string `json:"kind,omitempty"`
	Account  string `json:"account"`
	TokenID  string `json:"token_id,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Version  string `json:"version,omitempty"`
	Success  bool   `json:"success"`
	VMStatus string `json:"vm_status,omitempty"`

	MarketCount    int  `json:"market_count,omitempty"`
	PortfolioCount int  `json:"portfolio_count,omitempty"`
	IsAdmin        bool `json:"is_admin,omitempty"`

	OccurredAt  time.Time `json:"occurred_at"`
	PublishedAt time.Time `json:"published_at"`

	// Raw is the event's data line as sent by the server.
	Raw json.RawMessage `json:"-"`
}

// StreamOptions narrows the event stream.
type StreamOptions struct {
	Kind    string
	Account string
}

// ErrStopStream can be returned from a Stream callback to end the stream without error.
var ErrStopStream = errors.New("stop stream")

// Stream connects to the SSE endpoint and calls fn for every credit event
// until ctx is done, the server closes the stream, or fn returns an error.
func (c *Client) Stream(ctx context.Context, opts StreamOptions, fn func(Event) error) error {
	q := url.Values{}
	if opts.Kind != "" {
		q.Set("kind", opts.Kind)
	}
	if opts.Account != "" {
		q.Set("account", opts.Account)
	}
	u := c.baseURL + "/api/v1/stream/events"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The configured client may carry a timeout, which would cut the stream.
	streamClient := *c.httpClient
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	err = readSSE(resp.Body, func(name, data string) error {
		switch name {
		case "connected":
			c.logger.Debug("stream connected", "info", data)
			return nil
		case "error":
			return fmt.Errorf("server error: %s", data)
		}

		var event Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			c.logger.Warn("skipping malformed event", "event", name, "error", err)
			return nil
		}
		event.Raw = json.RawMessage(data)
		return fn(event)
	})

	switch {
	case errors.Is(err, ErrStopStream):
		return nil
	case err != nil && ctx.Err() != nil:
		return nil
	}
	return err
}

// readSSE splits an event stream into (event, data) frames. Comment lines
// are keepalives and are dropped.
func readSSE(r io.Reader, fn func(name, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var name string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(data) > 0 {
				if name == "" {
					name = "message"
				}
				if err := fn(name, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			name, data = "", nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}
