package aptos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sdk "github.com/aptos-labs/aptos-go-sdk"
	"github.com/aptos-labs/aptos-go-sdk/bcs"
)

const (
	defaultMaxGasAmount = 200000
	defaultTxnTTLSecs   = 60
)

// SDKClient implements RPCClient on the Aptos Go SDK. The node and indexer
// connections share one rate limited, retrying HTTP client.
type SDKClient struct {
	node         *sdk.NodeClient
	indexer      *sdk.IndexerClient
	pollInterval time.Duration
}

// NewSDKClient creates a client for the given fullnode (".../v1") and indexer
// GraphQL URLs.
func NewSDKClient(nodeURL, indexerURL string, opts ...ClientOption) (*SDKClient, error) {
	cfg := newClientConfig(opts)
	httpClient := cfg.httpClient()

	node, err := sdk.NewNodeClientWithHttpClient(strings.TrimRight(nodeURL, "/"), cfg.chainID, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create node client: %w", err)
	}
	return &SDKClient{
		node:         node,
		indexer:      sdk.NewIndexerClient(httpClient, indexerURL),
		pollInterval: cfg.pollInterval,
	}, nil
}

// ownedTokensQuery selects every token with a positive balance held by $owner.
type ownedTokensQuery struct {
	Tokens []OwnedToken `graphql:"current_token_ownerships_v2(where: {owner_address: {_eq: $owner}, amount: {_gt: 0}})"`
}

// GetAccountOwnedTokens queries the indexer for tokens held by owner.
func (c *SDKClient) GetAccountOwnedTokens(ctx context.Context, owner string) ([]OwnedToken, error) {
	addr, err := NormalizeAddress(owner)
	if err != nil {
		return nil, err
	}
	return call(ctx, func() ([]OwnedToken, error) {
		var q ownedTokensQuery
		if err := c.indexer.Query(&q, map[string]any{"owner": addr}); err != nil {
			return nil, fmt.Errorf("indexer query: %w", wrapSDKError(err))
		}
		return q.Tokens, nil
	})
}

// View calls a view function and returns each result value as raw JSON.
func (c *SDKClient) View(ctx context.Context, req ViewRequest) ([]json.RawMessage, error) {
	module, function, err := parseFunctionID(req.Function)
	if err != nil {
		return nil, err
	}
	args, err := encodeArgs(req.Arguments)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", req.Function, err)
	}
	values, err := call(ctx, func() ([]any, error) {
		return c.node.View(&sdk.ViewPayload{
			Module:   module,
			Function: function,
			ArgTypes: []sdk.TypeTag{},
			Args:     args,
		})
	})
	if err != nil {
		return nil, wrapSDKError(err)
	}

	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode view result %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}

// SignAndSubmitTransaction builds a transaction for payload with the
// sender's next sequence number and the node's gas estimate, signs it and
// submits it. It returns the pending transaction hash.
func (c *SDKClient) SignAndSubmitTransaction(ctx context.Context, signer *Signer, payload EntryFunctionPayload) (string, error) {
	entry, err := payload.entryFunction()
	if err != nil {
		return "", err
	}

	raw, err := call(ctx, func() (*sdk.RawTransaction, error) {
		return c.node.BuildTransaction(signer.account.Address,
			sdk.TransactionPayload{Payload: entry},
			sdk.MaxGasAmount(defaultMaxGasAmount),
			sdk.ExpirationSeconds(defaultTxnTTLSecs),
		)
	})
	if err != nil {
		return "", fmt.Errorf("failed to build transaction: %w", wrapSDKError(err))
	}

	signed, err := raw.SignedTransaction(signer.account)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	return call(ctx, func() (string, error) {
		resp, err := c.node.SubmitTransaction(signed)
		if err != nil {
			return "", wrapSDKError(err)
		}
		return resp.Hash, nil
	})
}

// WaitForTransaction polls until hash is committed or ctx is done. A committed
// transaction that did not succeed is returned along with an
// ErrTransactionFailed error.
func (c *SDKClient) WaitForTransaction(ctx context.Context, hash string) (*Transaction, error) {
	opts := []any{sdk.PollPeriod(c.pollInterval)}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, sdk.PollTimeout(time.Until(deadline)))
	}

	txn, err := call(ctx, func() (*Transaction, error) {
		committed, err := c.node.WaitForTransaction(hash, opts...)
		if err != nil {
			return nil, wrapSDKError(err)
		}
		return &Transaction{
			Type:     "user_transaction",
			Hash:     committed.Hash,
			Version:  strconv.FormatUint(committed.Version, 10),
			Success:  committed.Success,
			VMStatus: committed.VmStatus,
		}, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("timed out waiting for transaction %s: %w", hash, ctx.Err())
		}
		return nil, fmt.Errorf("failed to wait for transaction %s: %w", hash, err)
	}
	if !txn.Success {
		return txn, fmt.Errorf("%w: %s", ErrTransactionFailed, txn.VMStatus)
	}
	return txn, nil
}

// call runs an SDK request, which takes no context, and returns early when
// ctx is done. The request itself is bounded by the HTTP client timeout.
func call[T any](ctx context.Context, f func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := f()
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}

func wrapSDKError(err error) error {
	var httpErr *sdk.HttpError
	if errors.As(err, &httpErr) {
		return parseAPIError(httpErr.StatusCode, httpErr.Body)
	}
	return err
}

// parseFunctionID splits "0xaddr::module::function".
func parseFunctionID(id string) (sdk.ModuleId, string, error) {
	parts := strings.Split(id, "::")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return sdk.ModuleId{}, "", fmt.Errorf("invalid function id %q", id)
	}
	addr, err := ParseAddress(parts[0])
	if err != nil {
		return sdk.ModuleId{}, "", fmt.Errorf("invalid function id %q: %w", id, err)
	}
	return sdk.ModuleId{Address: addr, Name: parts[1]}, parts[2], nil
}

func (p EntryFunctionPayload) entryFunction() (*sdk.EntryFunction, error) {
	module, function, err := parseFunctionID(p.Function)
	if err != nil {
		return nil, err
	}
	if len(p.TypeArguments) > 0 {
		return nil, fmt.Errorf("%s: type arguments are not supported", p.Function)
	}
	args, err := encodeArgs(p.Arguments)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Function, err)
	}
	return &sdk.EntryFunction{
		Module:   module,
		Function: function,
		ArgTypes: []sdk.TypeTag{},
		Args:     args,
	}, nil
}

// encodeArgs BCS-encodes Move arguments.
func encodeArgs(args []any) ([][]byte, error) {
	out := make([][]byte, len(args))
	for i, arg := range args {
		var (
			b   []byte
			err error
		)
		switch v := arg.(type) {
		case Address:
			var addr sdk.AccountAddress
			addr, err = ParseAddress(string(v))
			b = addr[:]
		case string:
			b, err = bcs.SerializeSingle(func(ser *bcs.Serializer) { ser.WriteString(v) })
		case uint64:
			b, err = bcs.SerializeSingle(func(ser *bcs.Serializer) { ser.U64(v) })
		case bool:
			b, err = bcs.SerializeSingle(func(ser *bcs.Serializer) { ser.Bool(v) })
		default:
			err = fmt.Errorf("unsupported type %T", arg)
		}
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}
