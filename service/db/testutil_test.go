package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testStore wraps a Store with test cleanup functionality.
type testStore struct {
	*Store
	pool *pgxpool.Pool
}

// newTestStore connects to TEST_DATABASE_URL when set, otherwise starts a
// throwaway postgres container. Migrations are applied before returning.
// Tests are skipped when SKIP_DB_TESTS is set, in -short mode, or when no
// database can be reached.
func newTestStore(t *testing.T) *testStore {
	t.Helper()

	if os.Getenv("SKIP_DB_TESTS") != "" {
		t.Skip("Skipping database test (SKIP_DB_TESTS is set)")
	}
	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	ctx := context.Background()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		container, err := postgres.Run(ctx, "postgres:15-alpine",
			postgres.WithDatabase("carbonmove_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			t.Skipf("Skipping database test: cannot start postgres container: %v", err)
		}
		t.Cleanup(func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err, "failed to get connection string")
	}

	pool, err := NewPool(ctx, dsn)
	if err != nil {
		t.Skipf("Skipping database test: %v", err)
	}
	t.Cleanup(pool.Close)

	applied, err := Migrate(ctx, pool)
	require.NoError(t, err, "failed to apply migrations")
	for _, file := range applied {
		t.Logf("Applied migration: %s", file)
	}

	ts := &testStore{Store: NewStore(pool, nil), pool: pool}
	ts.cleanup(t)
	return ts
}

// cleanup removes all rows from the ledger.
func (ts *testStore) cleanup(t *testing.T) {
	t.Helper()
	_, err := ts.pool.Exec(context.Background(), "TRUNCATE TABLE credit_actions")
	require.NoError(t, err, "failed to cleanup test database")
}

// mustExec executes a SQL statement and fails the test if it errors.
func (ts *testStore) mustExec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := ts.pool.Exec(context.Background(), query, args...)
	require.NoError(t, err, "failed to execute query: %s", query)
}

// ptr is a helper to create pointers to values.
func ptr[T any](v T) *T {
	return &v
}
