package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/brojonat/carbonmove/service/aptos"
	"github.com/brojonat/carbonmove/service/metrics"
)

// Fetcher produces the records for one account.
type Fetcher interface {
	Fetch(ctx context.Context, owner string, marketplace bool) ([]CreditRecord, error)
}

// Cache bounds. Refreshes that outlive their callers stop after
// refreshTimeout; portfolios beyond maxPortfolios evict the oldest entry.
const (
	refreshTimeout = 2 * time.Minute
	maxPortfolios  = 1024
)

type portfolioEntry struct {
	records []CreditRecord
	at      time.Time
}

// Service holds the latest marketplace and portfolio views.
// Concurrent refreshes for the same account share one aggregation.
type Service struct {
	fetcher  Fetcher
	contract Contract
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	group         singleflight.Group
	maxPortfolios int

	mu         sync.RWMutex
	epoch      uint64
	market     []CreditRecord
	marketAt   time.Time
	portfolios map[string]portfolioEntry
}

// NewService creates a Service. If metrics is nil, no metrics will be recorded.
func NewService(fetcher Fetcher, contract Contract, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		fetcher:       fetcher,
		contract:      contract,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
		maxPortfolios: maxPortfolios,
		portfolios:    make(map[string]portfolioEntry),
	}
}

// Contract returns the contract the service aggregates.
func (s *Service) Contract() Contract {
	return s.contract
}

// IsAdmin reports whether account is the marketplace admin.
func (s *Service) IsAdmin(account string) bool {
	return s.contract.IsAdmin(account)
}

// Refresh re-aggregates the marketplace (credits held by the module account)
// and, when account is non-empty, the account's own credits. A failed
// owned-token lookup yields an empty list rather than an error; only a
// cancelled context fails the refresh.
//
// Callers refreshing the same account share one aggregation. The shared work
// is detached from any single caller, so a caller that gives up only stops
// waiting.
func (s *Service) Refresh(ctx context.Context, account string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := account
	if account != "" {
		if normalized, err := aptos.NormalizeAddress(account); err == nil {
			key = normalized
			account = normalized
		}
	}

	ch := s.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(shared, account)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.DebugContext(ctx, "joined in-flight refresh", "account", account)
		}
		return res.Val.(*Snapshot), nil
	}
}

// Invalidate marks the marketplace view, and the portfolio of account when it
// is non-empty, as stale so the next read re-aggregates. Refreshes already in
// flight still answer their callers but do not repopulate the cache.
func (s *Service) Invalidate(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.marketAt = time.Time{}
	if account == "" {
		return
	}
	if normalized, err := aptos.NormalizeAddress(account); err == nil {
		delete(s.portfolios, normalized)
	}
}

func (s *Service) refresh(ctx context.Context, account string) (*Snapshot, error) {
	s.mu.RLock()
	epoch := s.epoch
	s.mu.RUnlock()

	market := s.fetch(ctx, s.contract.Address, true)

	var portfolio []CreditRecord
	if account != "" {
		portfolio = s.fetch(ctx, account, false)
	}

	if err := ctx.Err(); err != nil {
		if s.metrics != nil {
			s.metrics.RecordSnapshotRefresh("cancelled")
		}
		return nil, err
	}

	now := s.now()
	s.mu.Lock()
	if s.epoch == epoch {
		s.market = market
		s.marketAt = now
		if account != "" {
			s.storePortfolio(account, portfolioEntry{records: portfolio, at: now})
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSnapshotRefresh("success")
	}
	s.logger.InfoContext(ctx, "refreshed marketplace snapshot",
		"account", account,
		"market", len(market),
		"portfolio", len(portfolio),
	)

	return &Snapshot{
		Account:     account,
		IsAdmin:     s.contract.IsAdmin(account),
		Market:      market,
		Portfolio:   nonNil(portfolio),
		RefreshedAt: now,
	}, nil
}

// storePortfolio caches entry for account, evicting the least recently
// refreshed portfolio when the cache is full. s.mu must be held.
func (s *Service) storePortfolio(account string, entry portfolioEntry) {
	if _, ok := s.portfolios[account]; !ok && len(s.portfolios) >= s.maxPortfolios {
		var oldest string
		var oldestAt time.Time
		for addr, e := range s.portfolios {
			if oldest == "" || e.at.Before(oldestAt) {
				oldest, oldestAt = addr, e.at
			}
		}
		delete(s.portfolios, oldest)
	}
	s.portfolios[account] = entry
}

func (s *Service) fetch(ctx context.Context, owner string, marketplace bool) []CreditRecord {
	records, err := s.fetcher.Fetch(ctx, owner, marketplace)
	if err != nil {
		s.logger.ErrorContext(ctx, "fetch failed, showing no credits",
			"owner", owner,
			"context", contextLabel(marketplace),
			"error", err,
		)
		return []CreditRecord{}
	}
	return nonNil(records)
}

// Market returns the cached marketplace listings, refreshing first when the
// cache is older than maxAge or has never been filled.
func (s *Service) Market(ctx context.Context, maxAge time.Duration) ([]CreditRecord, time.Time, error) {
	s.mu.RLock()
	market, at := s.market, s.marketAt
	s.mu.RUnlock()

	if !at.IsZero() && s.now().Sub(at) <= maxAge {
		return market, at, nil
	}

	snap, err := s.Refresh(ctx, "")
	if err != nil {
		return nil, time.Time{}, err
	}
	return snap.Market, snap.RefreshedAt, nil
}

// Portfolio returns the cached records for account, refreshing first when
// the cache is older than maxAge or missing.
func (s *Service) Portfolio(ctx context.Context, account string, maxAge time.Duration) ([]CreditRecord, time.Time, error) {
	normalized, err := aptos.NormalizeAddress(account)
	if err != nil {
		return nil, time.Time{}, err
	}

	s.mu.RLock()
	entry, ok := s.portfolios[normalized]
	s.mu.RUnlock()

	if ok && s.now().Sub(entry.at) <= maxAge {
		return entry.records, entry.at, nil
	}

	snap, err := s.Refresh(ctx, normalized)
	if err != nil {
		return nil, time.Time{}, err
	}
	return snap.Portfolio, snap.RefreshedAt, nil
}

func nonNil(records []CreditRecord) []CreditRecord {
	if records == nil {
		return []CreditRecord{}
	}
	return records
}
