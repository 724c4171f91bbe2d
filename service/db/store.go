package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/carbonmove/service/metrics"
)

// Action statuses.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a row with the same key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when parameters fail validation.
	ErrInvalidInput = errors.New("invalid input")
)

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
)

// Store provides database operations for the marketplace action ledger.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// NewPool creates a new Postgres connection pool and verifies it.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// Action is one marketplace action as recorded in the ledger.
type Action struct {
	WorkflowID string
	Kind       string
	Sender     string
	TokenID    *string
	TxHash     *string
	Status     string
	VMStatus   *string
	Version    *string
	Error      *string
	Payload    json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateActionParams contains the parameters for recording a new action.
type CreateActionParams struct {
	WorkflowID string
	Kind       string
	Sender     string
	TokenID    *string
	Payload    json.RawMessage
}

// CompleteActionParams records the committed outcome of an action.
type CompleteActionParams struct {
	WorkflowID string
	TxHash     string
	Version    string
	VMStatus   string
	Success    bool
}

// ListActionsParams contains filter and pagination parameters.
type ListActionsParams struct {
	Sender string
	Kind   string
	Limit  int32
	Offset int32
}

const actionColumns = `workflow_id, kind, sender, token_id, tx_hash, status, vm_status, version, error, payload, created_at, updated_at`

func (s *Store) record(operation string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, "credit_actions", time.Since(start).Seconds(), err)
	}
}

// CreateAction inserts a new pending action.
func (s *Store) CreateAction(ctx context.Context, params CreateActionParams) (*Action, error) {
	if params.WorkflowID == "" || params.Kind == "" || params.Sender == "" {
		return nil, fmt.Errorf("%w: workflow id, kind and sender are required", ErrInvalidInput)
	}
	payload := params.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO credit_actions (workflow_id, kind, sender, token_id, status, payload)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		RETURNING `+actionColumns,
		params.WorkflowID, params.Kind, params.Sender, params.TokenID, []byte(payload),
	)
	action, err := scanAction(row)
	s.record("create_action", start, err)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: action %s", ErrDuplicateKey, params.WorkflowID)
		}
		return nil, fmt.Errorf("failed to create action: %w", err)
	}
	return action, nil
}

// MarkActionSubmitted stores the pending transaction hash.
func (s *Store) MarkActionSubmitted(ctx context.Context, workflowID, txHash string) (*Action, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		UPDATE credit_actions
		SET status = 'submitted', tx_hash = $2, updated_at = now()
		WHERE workflow_id = $1
		RETURNING `+actionColumns,
		workflowID, txHash,
	)
	action, err := scanAction(row)
	s.record("mark_action_submitted", start, err)
	return action, wrapErr(err, "mark action submitted", workflowID)
}

// CompleteAction records the committed transaction. Unsuccessful transactions
// are stored with status failed.
func (s *Store) CompleteAction(ctx context.Context, params CompleteActionParams) (*Action, error) {
	status := StatusCompleted
	if !params.Success {
		status = StatusFailed
	}

	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		UPDATE credit_actions
		SET status = $2, tx_hash = $3, version = NULLIF($4, ''), vm_status = NULLIF($5, ''), updated_at = now()
		WHERE workflow_id = $1
		RETURNING `+actionColumns,
		params.WorkflowID, status, params.TxHash, params.Version, params.VMStatus,
	)
	action, err := scanAction(row)
	s.record("complete_action", start, err)
	return action, wrapErr(err, "complete action", params.WorkflowID)
}

// FailAction marks an action failed with a reason, e.g. a rejected submission.
func (s *Store) FailAction(ctx context.Context, workflowID, reason string) (*Action, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		UPDATE credit_actions
		SET status = 'failed', error = $2, updated_at = now()
		WHERE workflow_id = $1
		RETURNING `+actionColumns,
		workflowID, reason,
	)
	action, err := scanAction(row)
	s.record("fail_action", start, err)
	return action, wrapErr(err, "fail action", workflowID)
}

// GetAction retrieves an action by workflow id.
func (s *Store) GetAction(ctx context.Context, workflowID string) (*Action, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM credit_actions WHERE workflow_id = $1`, workflowID)
	action, err := scanAction(row)
	s.record("get_action", start, err)
	return action, wrapErr(err, "get action", workflowID)
}

// ListActions returns actions newest first, optionally filtered by sender and kind.
func (s *Store) ListActions(ctx context.Context, params ListActionsParams) ([]*Action, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrInvalidInput)
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+actionColumns+`
		FROM credit_actions
		WHERE ($1 = '' OR sender = $1) AND ($2 = '' OR kind = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		params.Sender, params.Kind, params.Limit, params.Offset,
	)
	if err != nil {
		s.record("list_actions", start, err)
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]*Action, 0)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			s.record("list_actions", start, err)
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}
	err = rows.Err()
	s.record("list_actions", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	return actions, nil
}

// DeleteActionsOlderThan removes finished actions created before the cutoff.
func (s *Store) DeleteActionsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM credit_actions
		WHERE created_at < $1 AND status IN ('completed', 'failed')`,
		before,
	)
	s.record("delete_actions", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to delete actions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAction(row pgx.Row) (*Action, error) {
	var (
		a       Action
		payload []byte
	)
	err := row.Scan(
		&a.WorkflowID,
		&a.Kind,
		&a.Sender,
		&a.TokenID,
		&a.TxHash,
		&a.Status,
		&a.VMStatus,
		&a.Version,
		&a.Error,
		&payload,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Payload = json.RawMessage(payload)
	return &a, nil
}

func wrapErr(err error, op, workflowID string) error {
	switch {
	case err == nil:
		return nil
	case isNotFoundError(err):
		return fmt.Errorf("%w: action %s", ErrNotFound, workflowID)
	case isDuplicateKeyError(err):
		return fmt.Errorf("%w: action %s", ErrDuplicateKey, workflowID)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
