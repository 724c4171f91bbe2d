package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/brojonat/carbonmove/service/aptos"
	"github.com/brojonat/carbonmove/service/metrics"
)

// OctasPerAPT is the number of octas in one APT.
const OctasPerAPT = 100_000_000

// DefaultViewConcurrency bounds how many tokens are resolved at once.
const DefaultViewConcurrency = 8

var octasPerAPT = decimal.NewFromInt(OctasPerAPT)

// ChainReader is the read side of the chain the aggregator needs.
type ChainReader interface {
	OwnedTokens(ctx context.Context, owner string) ([]aptos.OwnedToken, error)
	View(ctx context.Context, function string, args ...any) ([]json.RawMessage, error)
}

// Aggregator builds display records for the credits an account holds.
type Aggregator struct {
	chain       ChainReader
	contract    Contract
	concurrency int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewAggregator creates an Aggregator. concurrency <= 0 uses DefaultViewConcurrency.
// If metrics is nil, no metrics will be recorded.
func NewAggregator(chain ChainReader, contract Contract, concurrency int, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if concurrency <= 0 {
		concurrency = DefaultViewConcurrency
	}
	return &Aggregator{
		chain:       chain,
		contract:    contract,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger,
	}
}

// Fetch returns a record for every token owner holds in the marketplace
// collection, in indexer order. Only the owned-token lookup can fail the call;
// a failed view lookup is logged and leaves that field at its placeholder.
// The listing price is only resolved when marketplace is true.
func (a *Aggregator) Fetch(ctx context.Context, owner string, marketplace bool) ([]CreditRecord, error) {
	start := time.Now()
	label := contextLabel(marketplace)

	tokens, err := a.chain.OwnedTokens(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tokens for %s: %w", owner, err)
	}

	filtered := make([]aptos.OwnedToken, 0, len(tokens))
	for _, t := range tokens {
		if t.CollectionName() == a.contract.Collection {
			filtered = append(filtered, t)
		}
	}
	if a.metrics != nil {
		a.metrics.RecordTokensFiltered(label, len(tokens)-len(filtered))
	}

	records := make([]CreditRecord, len(filtered))
	g := new(errgroup.Group)
	g.SetLimit(a.concurrency)
	for i, token := range filtered {
		g.Go(func() error {
			records[i] = a.resolve(ctx, token, marketplace)
			return nil
		})
	}
	_ = g.Wait()

	if a.metrics != nil {
		a.metrics.RecordAggregation(label, len(records), time.Since(start).Seconds())
	}
	a.logger.DebugContext(ctx, "aggregated credit records",
		"owner", owner,
		"context", label,
		"owned", len(tokens),
		"records", len(records),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return records, nil
}

// resolve issues the per-token view calls concurrently and merges the results.
func (a *Aggregator) resolve(ctx context.Context, token aptos.OwnedToken, marketplace bool) CreditRecord {
	record := newRecord(token, marketplace)
	tokenID := token.TokenDataID

	var (
		wg         sync.WaitGroup
		amount     string
		project    string
		priceOctas uint64
		amountOK   bool
		projectOK  bool
		priceOK    bool
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		amount, amountOK = a.lookupString(ctx, FnGetCarbonAmount, "carbon_amount", tokenID)
	}()
	go func() {
		defer wg.Done()
		project, projectOK = a.lookupString(ctx, FnGetProjectName, "project_name", tokenID)
	}()
	if marketplace {
		wg.Add(1)
		go func() {
			defer wg.Done()
			priceOctas, priceOK = a.lookupUint(ctx, FnGetListingPrice, "listing_price", tokenID)
		}()
	}
	wg.Wait()

	if amountOK {
		record.CarbonAmount = amount
		if record.CarbonAmount == "" {
			record.CarbonAmount = EmptyCarbonAmount
		}
	}
	if projectOK {
		record.ProjectName = project
		if record.ProjectName == "" {
			record.ProjectName = EmptyProjectName
		}
	}
	if priceOK {
		record.PriceOctas = priceOctas
		record.Price = OctasToAPT(priceOctas)
	}
	return record
}

func (a *Aggregator) lookupString(ctx context.Context, function, field, tokenID string) (string, bool) {
	out, err := a.chain.View(ctx, a.contract.FunctionID(function), aptos.Address(tokenID))
	if err != nil {
		a.lookupFailed(ctx, field, tokenID, err)
		return "", false
	}
	a.lookupSucceeded(field)
	if len(out) == 0 {
		return "", true
	}
	return rawToString(out[0]), true
}

func (a *Aggregator) lookupUint(ctx context.Context, function, field, tokenID string) (uint64, bool) {
	out, err := a.chain.View(ctx, a.contract.FunctionID(function), aptos.Address(tokenID))
	if err != nil {
		a.lookupFailed(ctx, field, tokenID, err)
		return 0, false
	}
	if len(out) == 0 {
		a.lookupSucceeded(field)
		return 0, true
	}
	s := rawToString(out[0])
	if s == "" {
		a.lookupSucceeded(field)
		return 0, true
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		a.lookupFailed(ctx, field, tokenID, fmt.Errorf("unexpected %s value %q: %w", field, s, err))
		return 0, false
	}
	a.lookupSucceeded(field)
	return n, true
}

func (a *Aggregator) lookupSucceeded(field string) {
	if a.metrics != nil {
		a.metrics.RecordViewLookup(field, "success")
	}
}

func (a *Aggregator) lookupFailed(ctx context.Context, field, tokenID string, err error) {
	if a.metrics != nil {
		a.metrics.RecordViewLookup(field, "error")
	}
	a.logger.WarnContext(ctx, "view lookup failed, keeping placeholder",
		"field", field,
		"token_id", tokenID,
		"error", err,
	)
}

// rawToString renders a single view return value. Move u64 values arrive as
// JSON strings, strings as strings; anything else is kept as its JSON text.
// null becomes "".
func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return ""
	}
	return text
}

// OctasToAPT renders an octa amount as a decimal APT string, e.g. 10000000 -> "0.1".
func OctasToAPT(octas uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(octas), -8).String()
}

// APTToOctas converts a decimal APT amount to octas, rounding down.
func APTToOctas(apt string) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(apt))
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", apt, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid price %q: must not be negative", apt)
	}
	octas := d.Mul(octasPerAPT).Floor()
	if !octas.BigInt().IsUint64() {
		return 0, fmt.Errorf("invalid price %q: too large", apt)
	}
	return octas.BigInt().Uint64(), nil
}

func contextLabel(marketplace bool) string {
	if marketplace {
		return "market"
	}
	return "portfolio"
}
