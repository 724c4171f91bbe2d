package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/brojonat/carbonmove/service/market"
)

var a *Activities // for type-safe activity invocation

// finalityActivityTimeout bounds a single AwaitFinality attempt. The
// dispatcher applies its own finality timeout inside it.
const finalityActivityTimeout = 2 * time.Minute

func defaultRetryPolicy() *temporalsdk.RetryPolicy {
	return &temporalsdk.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    3,
	}
}

// CreditActionWorkflow executes one marketplace action end to end.
//
// The workflow performs these steps:
// 1. Record the action and submit its transaction (SubmitCreditAction, never retried)
// 2. Wait for the transaction to commit (AwaitFinality, heartbeating)
// 3. Write the outcome to the ledger (RecordAction)
// 4. Publish the outcome to NATS (PublishActionEvent)
// 5. Sleep for the refresh delay, then refresh the sender's view (RefreshAccount)
//
// Steps 4 and 5 are best effort: their failures are logged and do not fail
// the workflow once the transaction has committed.
func CreditActionWorkflow(ctx workflow.Context, input CreditActionInput) (*CreditActionResult, error) {
	logger := workflow.GetLogger(ctx)
	info := workflow.GetInfo(ctx)
	workflowID := info.WorkflowExecution.ID

	logger.Info("CreditActionWorkflow started",
		"workflow_id", workflowID,
		"kind", input.Action.Kind,
		"token_id", input.Action.TokenID,
	)

	result := &CreditActionResult{
		WorkflowID: workflowID,
		Kind:       input.Action.Kind,
		TokenID:    input.Action.TokenID,
	}
	fail := func(step string, err error) (*CreditActionResult, error) {
		errMsg := fmt.Sprintf("%s: %v", step, err)
		result.Error = &errMsg
		return result, fmt.Errorf("%s: %w", step, err)
	}

	// Step 1: submit exactly once
	submitCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	})
	var submitted *SubmitCreditActionResult
	err := workflow.ExecuteActivity(submitCtx, a.SubmitCreditAction, SubmitCreditActionInput{
		WorkflowID: workflowID,
		Action:     input.Action,
	}).Get(ctx, &submitted)
	if err != nil {
		logger.Error("failed to submit credit action", "error", err)
		return fail("failed to submit credit action", err)
	}
	result.Sender = submitted.Sender
	result.Hash = submitted.Hash
	result.TokenID = submitted.Action.TokenID

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         defaultRetryPolicy(),
	})

	// Step 2: wait for finality
	finalityCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: finalityActivityTimeout,
		HeartbeatTimeout:    10 * time.Second,
		RetryPolicy:         defaultRetryPolicy(),
	})
	var committed *market.ActionResult
	err = workflow.ExecuteActivity(finalityCtx, a.AwaitFinality, AwaitFinalityInput{
		WorkflowID: workflowID,
		Kind:       submitted.Action.Kind,
		Sender:     submitted.Sender,
		TokenID:    submitted.Action.TokenID,
		Hash:       submitted.Hash,
	}).Get(ctx, &committed)
	if err != nil {
		logger.Error("failed to await finality", "hash", submitted.Hash, "error", err)
		_ = workflow.ExecuteActivity(ctx, a.MarkActionFailed, MarkActionFailedInput{
			WorkflowID: workflowID,
			Reason:     err.Error(),
		}).Get(ctx, nil)
		return fail("failed to await finality", err)
	}
	result.Version = committed.Version
	result.Success = committed.Success
	result.VMStatus = committed.VMStatus

	// Step 3: ledger
	err = workflow.ExecuteActivity(ctx, a.RecordAction, RecordActionInput{
		WorkflowID: workflowID,
		Result:     committed,
	}).Get(ctx, nil)
	if err != nil {
		logger.Error("failed to record action", "error", err)
		return fail("failed to record action", err)
	}

	// Step 4: fan out
	err = workflow.ExecuteActivity(ctx, a.PublishActionEvent, PublishActionEventInput{
		WorkflowID: workflowID,
		Result:     committed,
	}).Get(ctx, nil)
	if err != nil {
		logger.Warn("failed to publish action event", "error", err)
	}

	if !committed.Success {
		logger.Info("CreditActionWorkflow completed with aborted transaction",
			"hash", committed.Hash,
			"vm_status", committed.VMStatus,
		)
		return result, nil
	}

	// Step 5: delayed refresh
	delay := input.RefreshDelay
	if delay <= 0 {
		delay = market.DefaultRefreshDelay
	}
	if err := workflow.Sleep(ctx, delay); err != nil {
		return fail("refresh delay interrupted", err)
	}

	var refreshed *RefreshAccountResult
	err = workflow.ExecuteActivity(ctx, a.RefreshAccount, RefreshAccountInput{
		Account: submitted.Sender,
	}).Get(ctx, &refreshed)
	if err != nil {
		logger.Warn("post-action refresh failed", "account", submitted.Sender, "error", err)
	} else {
		result.Refreshed = true
	}

	logger.Info("CreditActionWorkflow completed successfully",
		"workflow_id", workflowID,
		"hash", result.Hash,
		"version", result.Version,
	)

	return result, nil
}

// RefreshAccountWorkflow refreshes an account view and publishes a snapshot
// event. It is triggered by refresh schedules.
func RefreshAccountWorkflow(ctx workflow.Context, input RefreshAccountInput) (*RefreshAccountResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("RefreshAccountWorkflow started", "account", input.Account)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 120 * time.Second,
		RetryPolicy:         defaultRetryPolicy(),
	})

	var result *RefreshAccountResult
	if err := workflow.ExecuteActivity(ctx, a.RefreshAccount, input).Get(ctx, &result); err != nil {
		logger.Error("failed to refresh account", "account", input.Account, "error", err)
		return nil, fmt.Errorf("failed to refresh account: %w", err)
	}

	logger.Info("RefreshAccountWorkflow completed",
		"account", result.Account,
		"market_count", result.MarketCount,
		"portfolio_count", result.PortfolioCount,
	)
	return result, nil
}
