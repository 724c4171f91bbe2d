package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	natspkg "github.com/brojonat/carbonmove/service/nats"
)

// CacheInvalidator drops cached views so the next read re-aggregates.
type CacheInvalidator interface {
	Invalidate(account string)
}

// InvalidateOnEvents consumes the credits stream and invalidates cached views
// as the worker commits actions and refreshes snapshots. It blocks until ctx
// is done.
func (p *SSEPublisher) InvalidateOnEvents(ctx context.Context, cache CacheInvalidator) error {
	cons, err := p.js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject: natspkg.StreamSubjects,
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create invalidation consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		applyInvalidation(cache, msg.Data(), p.logger)
	})
	if err != nil {
		return fmt.Errorf("failed to consume credit events: %w", err)
	}
	p.logger.Info("invalidating cached views on credit events", "subject", natspkg.StreamSubjects)

	<-ctx.Done()
	cc.Stop()
	return nil
}

// applyInvalidation marks views stale for one encoded credit event. Completed
// actions and refreshed snapshots invalidate the marketplace and the event's
// account. Failed actions left the chain untouched and are ignored.
func applyInvalidation(cache CacheInvalidator, data []byte, logger *slog.Logger) bool {
	var event natspkg.CreditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		logger.Warn("failed to unmarshal credit event", "error", err)
		return false
	}

	switch event.Type {
	case natspkg.EventActionCompleted, natspkg.EventSnapshotRefreshed:
		cache.Invalidate(event.Account)
		logger.Debug("invalidated cached views",
			"type", event.Type,
			"account", event.Account,
		)
		return true
	default:
		return false
	}
}
