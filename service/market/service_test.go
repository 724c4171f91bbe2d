package market

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/carbonmove/service/aptos"
)

type stubFetcher struct {
	mu      sync.Mutex
	calls   atomic.Int32
	records map[string][]CreditRecord
	errs    map[string]error
	block   chan struct{}
	seen    []string
}

func (s *stubFetcher) Fetch(ctx context.Context, owner string, marketplace bool) ([]CreditRecord, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.seen = append(s.seen, owner)
	s.mu.Unlock()
	if s.block != nil {
		<-s.block
	}
	if err := s.errs[owner]; err != nil {
		return nil, err
	}
	return s.records[owner], nil
}

func TestRefresh_MarketAndPortfolio(t *testing.T) {
	contract := testContract(t)
	fetcher := &stubFetcher{
		records: map[string][]CreditRecord{
			testModule: {{TokenID: tokenA, Listed: true, Price: "0.1"}},
			testUser:   {{TokenID: tokenB}},
		},
	}
	svc := NewService(fetcher, contract, nil, testLogger())

	snap, err := svc.Refresh(context.Background(), "0xAA")
	require.NoError(t, err)

	assert.Equal(t, testUser, snap.Account)
	assert.False(t, snap.IsAdmin)
	require.Len(t, snap.Market, 1)
	assert.Equal(t, tokenA, snap.Market[0].TokenID)
	require.Len(t, snap.Portfolio, 1)
	assert.Equal(t, tokenB, snap.Portfolio[0].TokenID)
	assert.False(t, snap.RefreshedAt.IsZero())
	assert.Equal(t, []string{testModule, testUser}, fetcher.seen)
}

func TestRefresh_NoAccount(t *testing.T) {
	fetcher := &stubFetcher{}
	svc := NewService(fetcher, testContract(t), nil, testLogger())

	snap, err := svc.Refresh(context.Background(), "")
	require.NoError(t, err)
	assert.NotNil(t, snap.Market)
	assert.NotNil(t, snap.Portfolio)
	assert.Empty(t, snap.Portfolio)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestRefresh_FetchErrorDegradesToEmpty(t *testing.T) {
	fetcher := &stubFetcher{
		records: map[string][]CreditRecord{testUser: {{TokenID: tokenB}}},
		errs:    map[string]error{testModule: errors.New("indexer down")},
	}
	svc := NewService(fetcher, testContract(t), nil, testLogger())

	snap, err := svc.Refresh(context.Background(), testUser)
	require.NoError(t, err)
	assert.Empty(t, snap.Market)
	assert.Len(t, snap.Portfolio, 1)
}

func TestRefresh_AdminSnapshot(t *testing.T) {
	svc := NewService(&stubFetcher{}, testContract(t), nil, testLogger())

	snap, err := svc.Refresh(context.Background(), "0xCC")
	require.NoError(t, err)
	assert.True(t, snap.IsAdmin)
	assert.True(t, svc.IsAdmin("0x00000000000000000000000000000000000000000000000000000000000000CC"))
	assert.False(t, svc.IsAdmin(""))
}

func TestRefresh_CancelledContext(t *testing.T) {
	svc := NewService(&stubFetcher{}, testContract(t), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Refresh(ctx, testUser)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRefresh_ConcurrentCallsShareOneAggregation(t *testing.T) {
	fetcher := &stubFetcher{block: make(chan struct{})}
	svc := NewService(fetcher, testContract(t), nil, testLogger())

	var wg sync.WaitGroup
	results := make([]*Snapshot, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := svc.Refresh(context.Background(), "")
			assert.NoError(t, err)
			results[i] = snap
		}()
	}

	// Let the goroutines pile up on the in-flight call before releasing it.
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fetcher.block)
	wg.Wait()

	assert.LessOrEqual(t, fetcher.calls.Load(), int32(5))
	for _, r := range results {
		assert.NotNil(t, r)
	}
}

func TestMarket_UsesCacheWithinMaxAge(t *testing.T) {
	fetcher := &stubFetcher{
		records: map[string][]CreditRecord{testModule: {{TokenID: tokenA}}},
	}
	svc := NewService(fetcher, testContract(t), nil, testLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	market, at, err := svc.Market(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Len(t, market, 1)
	assert.Equal(t, now, at)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	now = now.Add(30 * time.Second)
	_, _, err = svc.Market(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	now = now.Add(time.Minute)
	_, _, err = svc.Market(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestPortfolio_InvalidAddress(t *testing.T) {
	svc := NewService(&stubFetcher{}, testContract(t), nil, testLogger())

	_, _, err := svc.Portfolio(context.Background(), "nope", time.Minute)
	require.Error(t, err)
}

func TestPortfolio_RefreshesAndCaches(t *testing.T) {
	fetcher := &stubFetcher{
		records: map[string][]CreditRecord{testUser: {{TokenID: tokenB}}},
	}
	svc := NewService(fetcher, testContract(t), nil, testLogger())

	records, _, err := svc.Portfolio(context.Background(), testUser, time.Minute)
	require.NoError(t, err)
	require.Len(t, records, 1)
	calls := fetcher.calls.Load()

	records, _, err = svc.Portfolio(context.Background(), "0xaa", time.Minute)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, calls, fetcher.calls.Load())
}

func TestRefresh_CallerCancelDoesNotFailJoinedCallers(t *testing.T) {
	fetcher := &stubFetcher{
		block:   make(chan struct{}),
		records: map[string][]CreditRecord{testModule: {{TokenID: tokenA}}},
	}
	svc := NewService(fetcher, testContract(t), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(ctx, "")
		first <- err
	}()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		snap *Snapshot
		err  error
	}
	joined := make(chan outcome, 1)
	go func() {
		snap, err := svc.Refresh(context.Background(), "")
		joined <- outcome{snap, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(fetcher.block)
	res := <-joined
	require.NoError(t, res.err)
	require.Len(t, res.snap.Market, 1)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	// The detached aggregation still fills the cache.
	market, _, err := svc.Market(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Len(t, market, 1)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestInvalidate_NextReadRefreshes(t *testing.T) {
	fetcher := &stubFetcher{records: map[string][]CreditRecord{}}
	svc := NewService(fetcher, testContract(t), nil, testLogger())

	market, _, err := svc.Market(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, market)
	portfolio, _, err := svc.Portfolio(context.Background(), testUser, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, portfolio)

	// Another process lists a credit and sells one to the user.
	fetcher.records[testModule] = []CreditRecord{{TokenID: tokenA, Listed: true}}
	fetcher.records[testUser] = []CreditRecord{{TokenID: tokenB}}

	market, _, err = svc.Market(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, market)

	svc.Invalidate("0xAA")

	market, _, err = svc.Market(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Len(t, market, 1)
	assert.Equal(t, tokenA, market[0].TokenID)

	portfolio, _, err = svc.Portfolio(context.Background(), testUser, time.Minute)
	require.NoError(t, err)
	require.Len(t, portfolio, 1)
	assert.Equal(t, tokenB, portfolio[0].TokenID)
}

func TestInvalidate_InFlightRefreshDoesNotRepopulate(t *testing.T) {
	fetcher := &stubFetcher{block: make(chan struct{})}
	svc := NewService(fetcher, testContract(t), nil, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(context.Background(), "")
		done <- err
	}()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)

	svc.Invalidate("")
	close(fetcher.block)
	require.NoError(t, <-done)

	_, _, err := svc.Market(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestPortfolio_CacheIsBounded(t *testing.T) {
	svc := NewService(&stubFetcher{}, testContract(t), nil, testLogger())
	svc.maxPortfolios = 2
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	accounts := []string{"0xa1", "0xa2", "0xa3"}
	for _, account := range accounts {
		_, _, err := svc.Portfolio(context.Background(), account, time.Minute)
		require.NoError(t, err)
		now = now.Add(time.Second)
	}

	svc.mu.RLock()
	defer svc.mu.RUnlock()
	assert.Len(t, svc.portfolios, 2)
	for i, account := range accounts {
		normalized, err := aptos.NormalizeAddress(account)
		require.NoError(t, err)
		_, ok := svc.portfolios[normalized]
		assert.Equal(t, i > 0, ok, account)
	}
}
