package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Action statuses as reported by the ledger.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// CreditRecord is one carbon credit token as shown in the marketplace or a portfolio.
type CreditRecord struct {
	TokenID      string `json:"token_id"`
	Owner        string `json:"owner"`
	TokenName    string `json:"token_name"`
	Description  string `json:"description"`
	ImageURL     string `json:"image_url"`
	Collection   string `json:"collection"`
	Amount       string `json:"amount"`
	CarbonAmount string `json:"carbon_amount"`
	ProjectName  string `json:"project_name"`
	Price        string `json:"price"`
	PriceOctas   uint64 `json:"price_octas"`
	Listed       bool   `json:"listed"`
}

// Records is a marketplace or portfolio view.
type Records struct {
	Account     string         `json:"account,omitempty"`
	Records     []CreditRecord `json:"records"`
	Count       int            `json:"count"`
	RefreshedAt time.Time      `json:"refreshed_at"`
}

// AssetType is a selectable project category.
type AssetType struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Image string `json:"image"`
}

// Catalog lists the asset types and regions a listing may use.
type Catalog struct {
	AssetTypes []AssetType `json:"asset_types"`
	Regions    []string    `json:"regions"`
	Defaults   struct {
		AssetType   string `json:"asset_type"`
		Region      string `json:"region"`
		ProjectName string `json:"project_name"`
		Amount      uint64 `json:"amount"`
		Price       string `json:"price"`
	} `json:"defaults"`
}

// Account is the operator account the server signs with.
type Account struct {
	Address    string `json:"address"`
	IsAdmin    bool   `json:"is_admin"`
	Configured bool   `json:"configured"`
}

// ListRequest describes a credit to mint and list. Empty fields take the
// server's catalog defaults.
type ListRequest struct {
	ProjectName string `json:"project_name,omitempty"`
	TokenName   string `json:"token_name,omitempty"`
	Amount      uint64 `json:"amount,omitempty"`
	Region      string `json:"region,omitempty"`
	AssetType   string `json:"asset_type,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	PriceAPT    string `json:"price_apt,omitempty"`
}

// ActionStarted is returned when the server accepts an action.
type ActionStarted struct {
	WorkflowID string `json:"workflow_id"`
	Kind       string `json:"kind"`
	TokenID    string `json:"token_id,omitempty"`
}

// Action is a ledger entry for one marketplace action.
type Action struct {
	WorkflowID string          `json:"workflow_id"`
	Kind       string          `json:"kind"`
	Sender     string          `json:"sender"`
	TokenID    *string         `json:"token_id,omitempty"`
	TxHash     *string         `json:"tx_hash,omitempty"`
	Status     string          `json:"status"`
	VMStatus   *string         `json:"vm_status,omitempty"`
	Version    *string         `json:"version,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Done reports whether the action reached a final status.
func (a *Action) Done() bool {
	return a.Status == StatusCompleted || a.Status == StatusFailed
}

// ListActionsOptions filters and paginates ListActions.
type ListActionsOptions struct {
	Sender string
	Kind   string
	Limit  int
	Offset int
}

// Watch is an account refresh schedule.
type Watch struct {
	Address  string `json:"address"`
	Interval string `json:"interval"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is the HTTP client for the carbonmove marketplace service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new marketplace service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Market returns the marketplace listings.
func (c *Client) Market(ctx context.Context) (*Records, error) {
	var out Records
	if err := c.do(ctx, "GET", "/api/v1/market", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("marketplace fetched", "count", out.Count)
	return &out, nil
}

// Portfolio returns the credits held by address.
func (c *Client) Portfolio(ctx context.Context, address string) (*Records, error) {
	var out Records
	if err := c.do(ctx, "GET", "/api/v1/portfolio/"+url.PathEscape(address), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("portfolio fetched", "account", out.Account, "count", out.Count)
	return &out, nil
}

// Catalog returns the asset types and regions accepted for listings.
func (c *Client) Catalog(ctx context.Context) (*Catalog, error) {
	var out Catalog
	if err := c.do(ctx, "GET", "/api/v1/catalog", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Account returns the server's signing account.
func (c *Client) Account(ctx context.Context) (*Account, error) {
	var out Account
	if err := c.do(ctx, "GET", "/api/v1/account", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List starts a workflow that mints and lists a new credit.
func (c *Client) List(ctx context.Context, req ListRequest) (*ActionStarted, error) {
	var out ActionStarted
	if err := c.do(ctx, "POST", "/api/v1/listings", req, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("list started", "workflow_id", out.WorkflowID)
	return &out, nil
}

// Buy starts a workflow that buys a listed credit.
func (c *Client) Buy(ctx context.Context, tokenID string) (*ActionStarted, error) {
	var out ActionStarted
	path := fmt.Sprintf("/api/v1/listings/%s/buy", url.PathEscape(tokenID))
	if err := c.do(ctx, "POST", path, nil, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("buy started", "token_id", tokenID, "workflow_id", out.WorkflowID)
	return &out, nil
}

// Retire starts a workflow that retires an owned credit.
func (c *Client) Retire(ctx context.Context, tokenID string) (*ActionStarted, error) {
	var out ActionStarted
	path := fmt.Sprintf("/api/v1/credits/%s/retire", url.PathEscape(tokenID))
	if err := c.do(ctx, "POST", path, nil, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("retire started", "token_id", tokenID, "workflow_id", out.WorkflowID)
	return &out, nil
}

// GetAction returns the ledger entry for a workflow.
func (c *Client) GetAction(ctx context.Context, workflowID string) (*Action, error) {
	var out Action
	if err := c.do(ctx, "GET", "/api/v1/actions/"+url.PathEscape(workflowID), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListActions returns ledger entries newest first.
func (c *Client) ListActions(ctx context.Context, opts ListActionsOptions) ([]*Action, error) {
	q := url.Values{}
	if opts.Sender != "" {
		q.Set("sender", opts.Sender)
	}
	if opts.Kind != "" {
		q.Set("kind", opts.Kind)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/api/v1/actions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Actions []*Action `json:"actions"`
	}
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// AwaitAction polls the ledger until the action completes or fails, or ctx is done.
// A workflow that has not written its ledger row yet reads as not found and is
// polled again.
func (c *Client) AwaitAction(ctx context.Context, workflowID string, pollInterval time.Duration) (*Action, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		action, err := c.GetAction(ctx, workflowID)
		switch {
		case err == nil && action.Done():
			return action, nil
		case err != nil && !IsNotFound(err):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for action %s: %w", workflowID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Watch creates or updates a periodic refresh for address. A zero interval
// uses the server default.
func (c *Client) Watch(ctx context.Context, address string, interval time.Duration) (*Watch, error) {
	path := "/api/v1/watches/" + url.PathEscape(address)
	if interval > 0 {
		path += "?interval=" + url.QueryEscape(interval.String())
	}
	var out Watch
	if err := c.do(ctx, "PUT", path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unwatch removes the periodic refresh for address.
func (c *Client) Unwatch(ctx context.Context, address string) error {
	return c.do(ctx, "DELETE", "/api/v1/watches/"+url.PathEscape(address), nil, http.StatusNoContent, nil)
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
