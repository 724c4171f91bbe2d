package temporal

import (
	"context"
	"time"
)

// Scheduler manages Temporal schedules for periodic account refreshes.
// Each watched account gets its own schedule that triggers RefreshAccountWorkflow.
type Scheduler interface {
	// UpsertRefreshSchedule creates the schedule or updates its interval.
	// An empty account schedules a marketplace-only refresh.
	UpsertRefreshSchedule(ctx context.Context, account string, interval time.Duration) error

	// DeleteRefreshSchedule deletes the schedule for an account.
	DeleteRefreshSchedule(ctx context.Context, account string) error
}

// ScheduleID returns the Temporal schedule ID for an account.
func ScheduleID(account string) string {
	if account == "" {
		return "refresh-market"
	}
	return "refresh-account-" + account
}
