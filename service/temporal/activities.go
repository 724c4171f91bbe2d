package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/activity"
	temporalsdk "go.temporal.io/sdk/temporal"

	"github.com/brojonat/carbonmove/service/aptos"
	"github.com/brojonat/carbonmove/service/db"
	"github.com/brojonat/carbonmove/service/market"
	"github.com/brojonat/carbonmove/service/metrics"
	natspkg "github.com/brojonat/carbonmove/service/nats"
)

// heartbeatInterval is how often AwaitFinality heartbeats while polling.
const heartbeatInterval = 2 * time.Second

// Application error types that Temporal must not retry.
const (
	ErrTypeActionRejected = "ActionRejected"
	ErrTypeNotAdmin       = "NotAdmin"
)

// CreditActionInput contains the input for CreditActionWorkflow.
type CreditActionInput struct {
	Action       market.Action `json:"action"`
	RefreshDelay time.Duration `json:"refresh_delay"`
}

// CreditActionResult is the outcome of CreditActionWorkflow.
type CreditActionResult struct {
	WorkflowID string            `json:"workflow_id"`
	Kind       market.ActionKind `json:"kind"`
	Sender     string            `json:"sender"`
	TokenID    string            `json:"token_id,omitempty"`
	Hash       string            `json:"hash,omitempty"`
	Version    string            `json:"version,omitempty"`
	Success    bool              `json:"success"`
	VMStatus   string            `json:"vm_status,omitempty"`
	Refreshed  bool              `json:"refreshed"`
	Error      *string           `json:"error,omitempty"`
}

// SubmitCreditActionInput contains parameters for the SubmitCreditAction activity.
type SubmitCreditActionInput struct {
	WorkflowID string        `json:"workflow_id"`
	Action     market.Action `json:"action"`
}

// SubmitCreditActionResult contains the pending transaction for an action.
type SubmitCreditActionResult struct {
	Action market.Action `json:"action"`
	Sender string        `json:"sender"`
	Hash   string        `json:"hash"`
}

// AwaitFinalityInput contains parameters for the AwaitFinality activity.
type AwaitFinalityInput struct {
	WorkflowID string            `json:"workflow_id"`
	Kind       market.ActionKind `json:"kind"`
	Sender     string            `json:"sender"`
	TokenID    string            `json:"token_id,omitempty"`
	Hash       string            `json:"hash"`
}

// RecordActionInput contains parameters for the RecordAction activity.
type RecordActionInput struct {
	WorkflowID string               `json:"workflow_id"`
	Result     *market.ActionResult `json:"result"`
}

// MarkActionFailedInput contains parameters for the MarkActionFailed activity.
type MarkActionFailedInput struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason"`
}

// PublishActionEventInput contains parameters for the PublishActionEvent activity.
type PublishActionEventInput struct {
	WorkflowID string               `json:"workflow_id"`
	Result     *market.ActionResult `json:"result"`
}

// RefreshAccountInput contains parameters for refreshing an account view.
// An empty Account refreshes the marketplace only.
type RefreshAccountInput struct {
	Account string `json:"account"`
}

// RefreshAccountResult summarizes a refresh.
type RefreshAccountResult struct {
	Account        string    `json:"account,omitempty"`
	IsAdmin        bool      `json:"is_admin"`
	MarketCount    int       `json:"market_count"`
	PortfolioCount int       `json:"portfolio_count"`
	RefreshedAt    time.Time `json:"refreshed_at"`
}

// StoreInterface defines the ledger operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	CreateAction(context.Context, db.CreateActionParams) (*db.Action, error)
	MarkActionSubmitted(context.Context, string, string) (*db.Action, error)
	CompleteAction(context.Context, db.CompleteActionParams) (*db.Action, error)
	FailAction(context.Context, string, string) (*db.Action, error)
	GetAction(context.Context, string) (*db.Action, error)
}

// DispatcherInterface defines the chain operations needed by activities.
type DispatcherInterface interface {
	Submit(ctx context.Context, signer *aptos.Signer, action market.Action) (market.Action, string, error)
	AwaitFinality(ctx context.Context, kind market.ActionKind, sender, tokenID, hash string) (*market.ActionResult, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishEvent(ctx context.Context, event *natspkg.CreditEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	dispatcher DispatcherInterface
	refresher  market.Refresher
	store      StoreInterface
	publisher  PublisherInterface
	signer     *aptos.Signer
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// store, publisher and metrics may be nil.
func NewActivities(
	dispatcher DispatcherInterface,
	refresher market.Refresher,
	store StoreInterface,
	publisher PublisherInterface,
	signer *aptos.Signer,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		dispatcher: dispatcher,
		refresher:  refresher,
		store:      store,
		publisher:  publisher,
		signer:     signer,
		metrics:    m,
		logger:     logger,
	}
}

func (a *Activities) observe(activityName string, start time.Time, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	a.metrics.RecordActivityDuration(activityName, status, time.Since(start).Seconds())
}

// SubmitCreditAction records the action in the ledger and sends its single
// transaction. A ledger row that already carries a hash is returned as is,
// so the transaction is never sent twice for one workflow.
func (a *Activities) SubmitCreditAction(ctx context.Context, input SubmitCreditActionInput) (result *SubmitCreditActionResult, err error) {
	start := time.Now()
	defer func() { a.observe("SubmitCreditAction", start, err) }()

	if a.signer == nil {
		return nil, temporalsdk.NewNonRetryableApplicationError("no signer configured", ErrTypeActionRejected, nil)
	}
	sender := a.signer.Address()

	a.logger.DebugContext(ctx, "submitting credit action",
		"workflow_id", input.WorkflowID,
		"kind", input.Action.Kind,
		"token_id", input.Action.TokenID,
		"sender", sender,
	)

	if a.store != nil {
		existing, err := a.store.GetAction(ctx, input.WorkflowID)
		switch {
		case err == nil && existing.TxHash != nil:
			a.logger.InfoContext(ctx, "action already submitted, reusing hash",
				"workflow_id", input.WorkflowID,
				"hash", *existing.TxHash,
			)
			return &SubmitCreditActionResult{Action: input.Action, Sender: sender, Hash: *existing.TxHash}, nil
		case err == nil:
			// Recorded but never sent; fall through and send.
		case errors.Is(err, db.ErrNotFound):
			if _, err := a.store.CreateAction(ctx, db.CreateActionParams{
				WorkflowID: input.WorkflowID,
				Kind:       string(input.Action.Kind),
				Sender:     sender,
				TokenID:    optional(input.Action.TokenID),
				Payload:    marshalAction(input.Action),
			}); err != nil && !errors.Is(err, db.ErrDuplicateKey) {
				return nil, fmt.Errorf("failed to record action: %w", err)
			}
		default:
			return nil, fmt.Errorf("failed to look up action: %w", err)
		}
	}

	action, hash, err := a.dispatcher.Submit(ctx, a.signer, input.Action)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to submit credit action",
			"workflow_id", input.WorkflowID,
			"kind", input.Action.Kind,
			"error", err,
		)
		a.markFailed(ctx, input.WorkflowID, err.Error())
		switch {
		case errors.Is(err, market.ErrNotAdmin):
			return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypeNotAdmin, err)
		default:
			return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypeActionRejected, err)
		}
	}

	if a.store != nil {
		if _, err := a.store.MarkActionSubmitted(ctx, input.WorkflowID, hash); err != nil {
			// The transaction is in flight; the ledger catches up in RecordAction.
			a.logger.WarnContext(ctx, "failed to store pending hash",
				"workflow_id", input.WorkflowID,
				"hash", hash,
				"error", err,
			)
		}
	}

	a.logger.InfoContext(ctx, "credit action submitted",
		"workflow_id", input.WorkflowID,
		"kind", action.Kind,
		"hash", hash,
	)

	return &SubmitCreditActionResult{Action: action, Sender: sender, Hash: hash}, nil
}

// AwaitFinality polls until the transaction commits. A committed transaction
// that aborted is returned as a result with Success false rather than an
// error, since retrying cannot change it.
func (a *Activities) AwaitFinality(ctx context.Context, input AwaitFinalityInput) (result *market.ActionResult, err error) {
	start := time.Now()
	defer func() { a.observe("AwaitFinality", start, err) }()

	activity.RecordHeartbeat(ctx, input.Hash)
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, input.Hash)
			}
		}
	}()

	result, err = a.dispatcher.AwaitFinality(ctx, input.Kind, input.Sender, input.TokenID, input.Hash)
	if err != nil {
		if result != nil && errors.Is(err, aptos.ErrTransactionFailed) {
			a.logger.WarnContext(ctx, "credit action aborted on chain",
				"workflow_id", input.WorkflowID,
				"hash", input.Hash,
				"vm_status", result.VMStatus,
			)
			return result, nil
		}
		a.logger.ErrorContext(ctx, "failed to await finality",
			"workflow_id", input.WorkflowID,
			"hash", input.Hash,
			"error", err,
		)
		return nil, fmt.Errorf("failed to await finality: %w", err)
	}

	a.logger.InfoContext(ctx, "credit action committed",
		"workflow_id", input.WorkflowID,
		"hash", input.Hash,
		"version", result.Version,
	)
	return result, nil
}

// RecordAction writes the committed outcome to the ledger.
func (a *Activities) RecordAction(ctx context.Context, input RecordActionInput) (err error) {
	start := time.Now()
	defer func() { a.observe("RecordAction", start, err) }()

	if a.store == nil {
		return nil
	}
	if input.Result == nil {
		return temporalsdk.NewNonRetryableApplicationError("missing action result", ErrTypeActionRejected, nil)
	}

	_, err = a.store.CompleteAction(ctx, db.CompleteActionParams{
		WorkflowID: input.WorkflowID,
		TxHash:     input.Result.Hash,
		Version:    input.Result.Version,
		VMStatus:   input.Result.VMStatus,
		Success:    input.Result.Success,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to record action",
			"workflow_id", input.WorkflowID,
			"error", err,
		)
		return fmt.Errorf("failed to record action: %w", err)
	}
	return nil
}

// MarkActionFailed marks the ledger row failed with a reason.
func (a *Activities) MarkActionFailed(ctx context.Context, input MarkActionFailedInput) (err error) {
	start := time.Now()
	defer func() { a.observe("MarkActionFailed", start, err) }()

	if a.store == nil {
		return nil
	}
	if _, err := a.store.FailAction(ctx, input.WorkflowID, input.Reason); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("failed to mark action failed: %w", err)
	}
	return nil
}

// PublishActionEvent publishes the committed outcome to NATS.
func (a *Activities) PublishActionEvent(ctx context.Context, input PublishActionEventInput) (err error) {
	start := time.Now()
	defer func() { a.observe("PublishActionEvent", start, err) }()

	if a.publisher == nil {
		a.logger.DebugContext(ctx, "no publisher configured, skipping action event")
		return nil
	}
	if input.Result == nil {
		return temporalsdk.NewNonRetryableApplicationError("missing action result", ErrTypeActionRejected, nil)
	}

	event := natspkg.FromActionResult(input.WorkflowID, input.Result)
	if err := a.publisher.PublishEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to publish action event: %w", err)
	}
	return nil
}

// RefreshAccount re-aggregates the marketplace and the account's holdings and
// publishes a snapshot event. Publish failures are logged, not returned.
func (a *Activities) RefreshAccount(ctx context.Context, input RefreshAccountInput) (result *RefreshAccountResult, err error) {
	start := time.Now()
	defer func() { a.observe("RefreshAccount", start, err) }()

	snap, err := a.refresher.Refresh(ctx, input.Account)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to refresh account",
			"account", input.Account,
			"error", err,
		)
		return nil, fmt.Errorf("failed to refresh account: %w", err)
	}

	if a.publisher != nil {
		if err := a.publisher.PublishEvent(ctx, natspkg.FromSnapshot(snap)); err != nil {
			a.logger.WarnContext(ctx, "failed to publish snapshot event",
				"account", input.Account,
				"error", err,
			)
		}
	}

	a.logger.InfoContext(ctx, "account refreshed",
		"account", snap.Account,
		"market", len(snap.Market),
		"portfolio", len(snap.Portfolio),
	)

	return &RefreshAccountResult{
		Account:        snap.Account,
		IsAdmin:        snap.IsAdmin,
		MarketCount:    len(snap.Market),
		PortfolioCount: len(snap.Portfolio),
		RefreshedAt:    snap.RefreshedAt,
	}, nil
}

func (a *Activities) markFailed(ctx context.Context, workflowID, reason string) {
	if a.store == nil {
		return
	}
	if _, err := a.store.FailAction(ctx, workflowID, reason); err != nil {
		a.logger.WarnContext(ctx, "failed to mark action failed",
			"workflow_id", workflowID,
			"error", err,
		)
	}
}

func marshalAction(action market.Action) json.RawMessage {
	data, err := json.Marshal(action)
	if err != nil {
		return nil
	}
	return data
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
