package nats

import (
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/carbonmove/service/market"
)

// Event types carried on the credits stream.
const (
	EventActionCompleted   = "action.completed"
	EventActionFailed      = "action.failed"
	EventSnapshotRefreshed = "snapshot.refreshed"
)

// CreditEvent is published to "credits.actions.{kind}" for marketplace actions
// and to "credits.snapshots.{account}" after a refresh.
type CreditEvent struct {
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`

	// Action fields
	Kind     string `json:"kind,omitempty"`
	Account  string `json:"account"`
	TokenID  string `json:"token_id,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Version  string `json:"version,omitempty"`
	Success  bool   `json:"success"`
	VMStatus string `json:"vm_status,omitempty"`

	// Snapshot fields
	MarketCount    int  `json:"market_count,omitempty"`
	PortfolioCount int  `json:"portfolio_count,omitempty"`
	IsAdmin        bool `json:"is_admin,omitempty"`

	OccurredAt  time.Time `json:"occurred_at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published on.
func (e *CreditEvent) Subject() string {
	if e.Type == EventSnapshotRefreshed {
		account := e.Account
		if account == "" {
			account = "market"
		}
		return fmt.Sprintf("%s.snapshots.%s", SubjectPrefix, account)
	}
	kind := e.Kind
	if kind == "" {
		kind = "unknown"
	}
	return fmt.Sprintf("%s.actions.%s", SubjectPrefix, strings.ToLower(kind))
}

// FromActionResult converts a committed action to an event.
func FromActionResult(workflowID string, result *market.ActionResult) *CreditEvent {
	eventType := EventActionCompleted
	if !result.Success {
		eventType = EventActionFailed
	}
	return &CreditEvent{
		Type:       eventType,
		WorkflowID: workflowID,
		Kind:       string(result.Kind),
		Account:    result.Sender,
		TokenID:    result.TokenID,
		Hash:       result.Hash,
		Version:    result.Version,
		Success:    result.Success,
		VMStatus:   result.VMStatus,
		OccurredAt: time.Now().UTC(),
	}
}

// FromSnapshot converts a refreshed snapshot to an event.
func FromSnapshot(snap *market.Snapshot) *CreditEvent {
	return &CreditEvent{
		Type:           EventSnapshotRefreshed,
		Account:        snap.Account,
		Success:        true,
		MarketCount:    len(snap.Market),
		PortfolioCount: len(snap.Portfolio),
		IsAdmin:        snap.IsAdmin,
		OccurredAt:     snap.RefreshedAt.UTC(),
	}
}
