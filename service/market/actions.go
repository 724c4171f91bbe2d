package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/brojonat/carbonmove/service/aptos"
	"github.com/brojonat/carbonmove/service/metrics"
)

// ActionKind names a marketplace action.
type ActionKind string

const (
	ActionList   ActionKind = "list"
	ActionBuy    ActionKind = "buy"
	ActionRetire ActionKind = "retire"
)

// Valid reports whether k is a known action.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionList, ActionBuy, ActionRetire:
		return true
	}
	return false
}

// Defaults for dispatch timing.
const (
	DefaultRefreshDelay    = 2 * time.Second
	DefaultFinalityTimeout = 20 * time.Second
)

var (
	// ErrNotAdmin is returned when a non-publisher account tries to list.
	ErrNotAdmin = errors.New("only the marketplace admin can list credits")

	// ErrInvalidAction is returned for malformed action input.
	ErrInvalidAction = errors.New("invalid action")
)

// ListRequest describes a credit to mint and list. Empty fields take the
// catalog defaults.
type ListRequest struct {
	ProjectName string `json:"project_name"`
	TokenName   string `json:"token_name"`
	Amount      uint64 `json:"amount"`
	Region      string `json:"region"`
	AssetType   string `json:"asset_type"`
	ImageURL    string `json:"image_url"`
	PriceAPT    string `json:"price_apt"`
	PriceOctas  uint64 `json:"price_octas,omitempty"`
}

// Action is a single marketplace transaction request.
type Action struct {
	Kind    ActionKind   `json:"kind"`
	TokenID string       `json:"token_id,omitempty"`
	Listing *ListRequest `json:"listing,omitempty"`
}

// ActionResult is the committed outcome of an action.
type ActionResult struct {
	Kind     ActionKind `json:"kind"`
	Sender   string     `json:"sender"`
	TokenID  string     `json:"token_id,omitempty"`
	Hash     string     `json:"hash"`
	Version  string     `json:"version,omitempty"`
	Success  bool       `json:"success"`
	VMStatus string     `json:"vm_status,omitempty"`
}

// ChainWriter is the write side of the chain the dispatcher needs.
type ChainWriter interface {
	SignAndSubmit(ctx context.Context, signer *aptos.Signer, payload aptos.EntryFunctionPayload) (string, error)
	WaitForTransaction(ctx context.Context, hash string) (*aptos.Transaction, error)
}

// Refresher re-aggregates state after an action lands.
type Refresher interface {
	Refresh(ctx context.Context, account string) (*Snapshot, error)
}

// Dispatcher turns actions into single transactions against the contract.
type Dispatcher struct {
	chain           ChainWriter
	contract        Contract
	catalog         *Catalog
	refresher       Refresher
	refreshDelay    time.Duration
	finalityTimeout time.Duration
	metrics         *metrics.Metrics
	logger          *slog.Logger

	onSubmit func(action Action, hash string)
	intn     func(n int) int
	sleep    func(ctx context.Context, d time.Duration) error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRefreshDelay sets the pause between finality and the follow-up refresh.
func WithRefreshDelay(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.refreshDelay = d
	}
}

// WithFinalityTimeout bounds how long to wait for a transaction to commit.
func WithFinalityTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.finalityTimeout = d
	}
}

// WithRefresher sets the component refreshed after each action. Without one,
// Execute returns as soon as the transaction commits.
func WithRefresher(r Refresher) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.refresher = r
	}
}

// WithSubmitHook registers f to observe each transaction once it is pending.
func WithSubmitHook(f func(action Action, hash string)) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.onSubmit = f
	}
}

// WithMetrics enables metrics recording.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.metrics = m
	}
}

// NewDispatcher creates a Dispatcher. A nil catalog uses the built-in catalog.
func NewDispatcher(chain ChainWriter, contract Contract, catalog *Catalog, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	d := &Dispatcher{
		chain:           chain,
		contract:        contract,
		catalog:         catalog,
		refreshDelay:    DefaultRefreshDelay,
		finalityTimeout: DefaultFinalityTimeout,
		logger:          logger,
		intn:            rand.IntN,
		sleep:           sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Prepare validates action for sender, fills listing defaults, and builds the
// entry function payload. The returned action is the normalized one.
func (d *Dispatcher) Prepare(sender string, action Action) (Action, aptos.EntryFunctionPayload, error) {
	switch action.Kind {
	case ActionList:
		if !d.contract.IsAdmin(sender) {
			return action, aptos.EntryFunctionPayload{}, ErrNotAdmin
		}
		listing, err := d.normalizeListing(action.Listing)
		if err != nil {
			return action, aptos.EntryFunctionPayload{}, err
		}
		action.Listing = listing
		action.TokenID = ""
		payload := aptos.NewEntryFunctionPayload(d.contract.FunctionID(FnMintAndList),
			listing.ProjectName,
			listing.TokenName,
			listing.Amount,
			listing.Region,
			listing.ImageURL,
			listing.PriceOctas,
		)
		return action, payload, nil

	case ActionBuy, ActionRetire:
		tokenID, err := aptos.NormalizeAddress(action.TokenID)
		if err != nil {
			return action, aptos.EntryFunctionPayload{}, fmt.Errorf("%w: token id: %v", ErrInvalidAction, err)
		}
		action.TokenID = tokenID
		action.Listing = nil
		fn := FnBuyListing
		if action.Kind == ActionRetire {
			fn = FnRetireCredit
		}
		return action, aptos.NewEntryFunctionPayload(d.contract.FunctionID(fn), aptos.Address(tokenID)), nil

	default:
		return action, aptos.EntryFunctionPayload{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, action.Kind)
	}
}

func (d *Dispatcher) normalizeListing(in *ListRequest) (*ListRequest, error) {
	var req ListRequest
	if in != nil {
		req = *in
	}
	defaults := d.catalog.Defaults

	req.ProjectName = strings.TrimSpace(req.ProjectName)
	if req.ProjectName == "" {
		req.ProjectName = defaults.ProjectName
	}
	req.TokenName = strings.TrimSpace(req.TokenName)
	if req.TokenName == "" {
		req.TokenName = fmt.Sprintf("Carbon-%d", d.intn(10000))
	}
	if req.Amount == 0 {
		req.Amount = defaults.Amount
	}
	if req.Region == "" {
		req.Region = defaults.Region
	}
	if !d.catalog.HasRegion(req.Region) {
		return nil, fmt.Errorf("%w: unknown region %q", ErrInvalidAction, req.Region)
	}
	if req.AssetType == "" {
		req.AssetType = defaults.AssetType
	}
	if req.ImageURL == "" {
		asset, ok := d.catalog.Asset(req.AssetType)
		if !ok {
			return nil, fmt.Errorf("%w: unknown asset type %q", ErrInvalidAction, req.AssetType)
		}
		req.ImageURL = asset.Image
	}
	if req.PriceAPT == "" {
		req.PriceAPT = defaults.Price
	}
	octas, err := APTToOctas(req.PriceAPT)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if octas == 0 {
		return nil, fmt.Errorf("%w: price must be at least one octa", ErrInvalidAction)
	}
	req.PriceOctas = octas

	if req.ProjectName == "" {
		return nil, fmt.Errorf("%w: project name is required", ErrInvalidAction)
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAction)
	}
	return &req, nil
}

// Submit prepares and submits action, returning the normalized action and the
// pending transaction hash. It sends exactly one transaction.
func (d *Dispatcher) Submit(ctx context.Context, signer *aptos.Signer, action Action) (Action, string, error) {
	action, payload, err := d.Prepare(signer.Address(), action)
	if err != nil {
		d.recordAction(action.Kind, "rejected")
		return action, "", err
	}

	hash, err := d.chain.SignAndSubmit(ctx, signer, payload)
	if err != nil {
		d.recordAction(action.Kind, "submit_failed")
		return action, "", fmt.Errorf("failed to submit %s: %w", action.Kind, err)
	}

	d.logger.InfoContext(ctx, "submitted marketplace action",
		"kind", action.Kind,
		"sender", signer.Address(),
		"token_id", action.TokenID,
		"hash", hash,
	)
	return action, hash, nil
}

// AwaitFinality waits for hash to commit and reports the outcome. A committed
// but failed transaction is returned as a result with Success false and an
// error wrapping aptos.ErrTransactionFailed.
func (d *Dispatcher) AwaitFinality(ctx context.Context, kind ActionKind, sender, tokenID, hash string) (*ActionResult, error) {
	start := time.Now()
	if d.finalityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.finalityTimeout)
		defer cancel()
	}

	txn, err := d.chain.WaitForTransaction(ctx, hash)
	if d.metrics != nil {
		d.metrics.RecordFinalityWait(string(kind), time.Since(start).Seconds())
	}

	result := &ActionResult{
		Kind:    kind,
		Sender:  sender,
		TokenID: tokenID,
		Hash:    hash,
	}
	if txn != nil {
		result.Version = txn.Version
		result.Success = txn.Success
		result.VMStatus = txn.VMStatus
	}
	if err != nil {
		d.recordAction(kind, "failed")
		if errors.Is(err, aptos.ErrTransactionFailed) {
			return result, err
		}
		return nil, fmt.Errorf("failed to await %s transaction %s: %w", kind, hash, err)
	}

	d.recordAction(kind, "completed")
	return result, nil
}

// Outcome is a committed action and the sender's view re-read after it.
type Outcome struct {
	Result   *ActionResult `json:"result"`
	Snapshot *Snapshot     `json:"snapshot,omitempty"`
}

// Execute submits action, waits for finality, then waits out the refresh
// delay and re-reads the sender's view. A transaction that commits but
// aborts is returned with its result and is not followed by a refresh. A
// failed refresh is logged and leaves Snapshot nil.
func (d *Dispatcher) Execute(ctx context.Context, signer *aptos.Signer, action Action) (*Outcome, error) {
	action, hash, err := d.Submit(ctx, signer, action)
	if err != nil {
		return nil, err
	}
	if d.onSubmit != nil {
		d.onSubmit(action, hash)
	}

	result, err := d.AwaitFinality(ctx, action.Kind, signer.Address(), action.TokenID, hash)
	if err != nil {
		if result != nil {
			return &Outcome{Result: result}, err
		}
		return nil, err
	}

	out := &Outcome{Result: result}
	if d.refresher == nil {
		return out, nil
	}
	if err := d.sleep(ctx, d.refreshDelay); err != nil {
		d.logger.WarnContext(ctx, "post-action refresh skipped",
			"account", signer.Address(),
			"error", err,
		)
		return out, nil
	}
	snap, err := d.refresher.Refresh(ctx, signer.Address())
	if err != nil {
		d.logger.WarnContext(ctx, "post-action refresh failed",
			"account", signer.Address(),
			"error", err,
		)
		return out, nil
	}
	out.Snapshot = snap
	return out, nil
}

// List mints a new credit and lists it on the marketplace. Admin only.
func (d *Dispatcher) List(ctx context.Context, signer *aptos.Signer, req ListRequest) (*Outcome, error) {
	return d.Execute(ctx, signer, Action{Kind: ActionList, Listing: &req})
}

// Buy purchases a listed credit.
func (d *Dispatcher) Buy(ctx context.Context, signer *aptos.Signer, tokenID string) (*Outcome, error) {
	return d.Execute(ctx, signer, Action{Kind: ActionBuy, TokenID: tokenID})
}

// Retire permanently burns a credit held by the signer.
func (d *Dispatcher) Retire(ctx context.Context, signer *aptos.Signer, tokenID string) (*Outcome, error) {
	return d.Execute(ctx, signer, Action{Kind: ActionRetire, TokenID: tokenID})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) recordAction(kind ActionKind, status string) {
	if d.metrics != nil {
		d.metrics.RecordAction(string(kind), status)
	}
}
