package aptos

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/carbonmove/service/metrics"
)

// RPCClient is an interface for the Aptos node and indexer operations we need.
// This allows us to mock the network layer in tests without hitting real nodes.
type RPCClient interface {
	GetAccountOwnedTokens(ctx context.Context, owner string) ([]OwnedToken, error)
	View(ctx context.Context, req ViewRequest) ([]json.RawMessage, error)
	SignAndSubmitTransaction(ctx context.Context, signer *Signer, payload EntryFunctionPayload) (string, error)
	WaitForTransaction(ctx context.Context, hash string) (*Transaction, error)
}

// Client provides the chain operations the marketplace uses.
// It wraps the RPC client with logging and metrics.
type Client struct {
	rpc     RPCClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a new Aptos client.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:     rpcClient,
		logger:  logger,
		metrics: m,
	}
}

func (c *Client) record(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordAptosCall(method, status, time.Since(start).Seconds())
}

// OwnedTokens returns the tokens held by owner.
func (c *Client) OwnedTokens(ctx context.Context, owner string) ([]OwnedToken, error) {
	start := time.Now()
	tokens, err := c.rpc.GetAccountOwnedTokens(ctx, owner)
	c.record("GetAccountOwnedTokens", start, err)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get owned tokens",
			"owner", owner,
			"error", err,
		)
		return nil, fmt.Errorf("failed to get owned tokens for %s: %w", owner, err)
	}

	c.logger.DebugContext(ctx, "fetched owned tokens",
		"owner", owner,
		"count", len(tokens),
	)
	return tokens, nil
}

// View calls a view function with no type arguments.
func (c *Client) View(ctx context.Context, function string, args ...any) ([]json.RawMessage, error) {
	start := time.Now()
	out, err := c.rpc.View(ctx, ViewRequest{
		Function:      function,
		TypeArguments: []string{},
		Arguments:     args,
	})
	c.record("View", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to call view %s: %w", function, err)
	}
	return out, nil
}

// SignAndSubmit builds, signs and submits a transaction for payload and
// returns the pending transaction hash.
func (c *Client) SignAndSubmit(ctx context.Context, signer *Signer, payload EntryFunctionPayload) (string, error) {
	start := time.Now()
	hash, err := c.rpc.SignAndSubmitTransaction(ctx, signer, payload)
	c.record("SignAndSubmitTransaction", start, err)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to submit transaction",
			"sender", signer.Address(),
			"function", payload.Function,
			"error", err,
		)
		return "", fmt.Errorf("failed to submit transaction: %w", err)
	}

	c.logger.InfoContext(ctx, "submitted transaction",
		"sender", signer.Address(),
		"function", payload.Function,
		"hash", hash,
	)
	return hash, nil
}

// WaitForTransaction blocks until hash is committed. It returns the committed
// transaction even when it failed, along with an ErrTransactionFailed error.
func (c *Client) WaitForTransaction(ctx context.Context, hash string) (*Transaction, error) {
	start := time.Now()
	txn, err := c.rpc.WaitForTransaction(ctx, hash)
	c.record("WaitForTransaction", start, err)
	if err != nil {
		c.logger.WarnContext(ctx, "transaction did not finalize successfully",
			"hash", hash,
			"error", err,
		)
		return txn, err
	}

	c.logger.InfoContext(ctx, "transaction committed",
		"hash", hash,
		"version", txn.Version,
		"vm_status", txn.VMStatus,
	)
	return txn, nil
}
