package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"github.com/brojonat/carbonmove/service/market"
	"github.com/brojonat/carbonmove/service/metrics"
)

// Client is a production implementation of Scheduler that talks to Temporal.
// It also starts and awaits credit action workflows.
type Client struct {
	client       client.Client
	taskQueue    string
	refreshDelay time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, refreshDelay time.Duration, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:       c,
		taskQueue:    taskQueue,
		refreshDelay: refreshDelay,
		metrics:      m,
		logger:       logger,
	}, nil
}

// ActionWorkflowID returns a new workflow id for an action.
func ActionWorkflowID(kind market.ActionKind) string {
	return fmt.Sprintf("credit-%s-%s", kind, uuid.NewString())
}

// StartCreditAction starts CreditActionWorkflow for action and returns the
// workflow id. It does not wait for the transaction.
func (c *Client) StartCreditAction(ctx context.Context, action market.Action) (string, error) {
	if !action.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", market.ErrInvalidAction, action.Kind)
	}

	id := ActionWorkflowID(action.Kind)
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"kind":       string(action.Kind),
			"token_id":   action.TokenID,
			"created_by": "carbonmove",
		},
	}, CreditActionWorkflow, CreditActionInput{
		Action:       action,
		RefreshDelay: c.refreshDelay,
	})
	if err != nil {
		c.logger.Error("failed to start credit action workflow",
			"kind", action.Kind,
			"workflow_id", id,
			"error", err,
		)
		return "", fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.Info("credit action workflow started",
		"kind", action.Kind,
		"token_id", action.TokenID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run.GetID(), nil
}

// AwaitCreditAction blocks until the workflow finishes and returns its result.
func (c *Client) AwaitCreditAction(ctx context.Context, workflowID string) (*CreditActionResult, error) {
	start := time.Now()
	var result CreditActionResult
	err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &result)

	if c.metrics != nil {
		status := "success"
		switch {
		case err != nil:
			status = "error"
		case !result.Success:
			status = "aborted"
		}
		c.metrics.RecordWorkflowDuration("CreditActionWorkflow", status, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("workflow %q failed: %w", workflowID, err)
	}
	return &result, nil
}

// CreateRefreshSchedule creates a new Temporal schedule for refreshing an account.
func (c *Client) CreateRefreshSchedule(ctx context.Context, account string, interval time.Duration) error {
	id := ScheduleID(account)

	c.logger.Debug("creating refresh schedule",
		"account", account,
		"schedule_id", id,
		"interval", interval,
	)

	workflowAction := client.ScheduleWorkflowAction{
		ID:        id + "-run",
		Workflow:  RefreshAccountWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{RefreshAccountInput{Account: account}},
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{
				{Every: interval},
			},
		},
		Action: &workflowAction,
		Memo: map[string]interface{}{
			"account":    account,
			"created_by": "carbonmove",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"account", account,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("refresh schedule created",
		"account", account,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// UpsertRefreshSchedule creates or updates the refresh schedule for an account.
// If the schedule already exists, it updates the interval.
func (c *Client) UpsertRefreshSchedule(ctx context.Context, account string, interval time.Duration) error {
	id := ScheduleID(account)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.CreateRefreshSchedule(ctx, account, interval)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"account", account,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("refresh schedule updated",
		"account", account,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// DeleteRefreshSchedule deletes the refresh schedule for an account.
func (c *Client) DeleteRefreshSchedule(ctx context.Context, account string) error {
	id := ScheduleID(account)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"account", account,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("refresh schedule deleted",
		"account", account,
		"schedule_id", id,
	)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
