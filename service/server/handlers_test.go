package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/carbonmove/service/aptos"
	"github.com/brojonat/carbonmove/service/db"
	"github.com/brojonat/carbonmove/service/market"
	natspkg "github.com/brojonat/carbonmove/service/nats"
	"github.com/brojonat/carbonmove/service/temporal"
)

const (
	adminAddr = "0x00000000000000000000000000000000000000000000000000000000000000ad"
	userAddr  = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	tokenAddr = "0x000000000000000000000000000000000000000000000000000000000000000a"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeMarket struct {
	mu         sync.Mutex
	admin      string
	market     []market.CreditRecord
	portfolios map[string][]market.CreditRecord
	err        error
	maxAges    []time.Duration
	at         time.Time
}

func (f *fakeMarket) Market(ctx context.Context, maxAge time.Duration) ([]market.CreditRecord, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxAges = append(f.maxAges, maxAge)
	if f.err != nil {
		return nil, time.Time{}, f.err
	}
	return f.market, f.at, nil
}

func (f *fakeMarket) Portfolio(ctx context.Context, account string, maxAge time.Duration) ([]market.CreditRecord, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, time.Time{}, f.err
	}
	records := f.portfolios[account]
	if records == nil {
		records = []market.CreditRecord{}
	}
	return records, f.at, nil
}

func (f *fakeMarket) IsAdmin(account string) bool {
	return aptos.AddressEqual(account, f.admin)
}

type fakeStarter struct {
	mu      sync.Mutex
	started []market.Action
	err     error
}

func (f *fakeStarter) StartCreditAction(ctx context.Context, action market.Action) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, action)
	return fmt.Sprintf("credit-%s-%d", action.Kind, len(f.started)), nil
}

type fakeStore struct {
	actions  map[string]*db.Action
	lastList db.ListActionsParams
	err      error
}

func (f *fakeStore) GetAction(ctx context.Context, workflowID string) (*db.Action, error) {
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.actions[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: action %s", db.ErrNotFound, workflowID)
	}
	return a, nil
}

func (f *fakeStore) ListActions(ctx context.Context, params db.ListActionsParams) ([]*db.Action, error) {
	f.lastList = params
	if f.err != nil {
		return nil, f.err
	}
	var out []*db.Action
	for _, a := range f.actions {
		if params.Sender != "" && a.Sender != params.Sender {
			continue
		}
		if params.Kind != "" && a.Kind != params.Kind {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func sampleRecords() []market.CreditRecord {
	return []market.CreditRecord{
		{
			TokenID:      tokenAddr,
			Owner:        adminAddr,
			TokenName:    "Solar Farm Credits #1",
			CarbonAmount: "100",
			ProjectName:  "Solar Farm",
			Price:        "0.1",
			PriceOctas:   10_000_000,
			Listed:       true,
		},
	}
}

type testServer struct {
	handler   http.Handler
	market    *fakeMarket
	starter   *fakeStarter
	store     *fakeStore
	scheduler *temporal.MockScheduler
}

func newTestServer(t *testing.T, signer string) *testServer {
	t.Helper()

	fm := &fakeMarket{
		admin:      adminAddr,
		market:     sampleRecords(),
		portfolios: map[string][]market.CreditRecord{},
		at:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	fs := &fakeStarter{}
	store := &fakeStore{actions: map[string]*db.Action{}}
	scheduler := temporal.NewMockScheduler()

	srv := New(":0", nil, fm, market.DefaultCatalog(), store, fs, scheduler, nil, signer, nil, testLogger())
	return &testServer{
		handler:   srv.Handler(),
		market:    fm,
		starter:   fs,
		store:     store,
		scheduler: scheduler,
	}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestGetMarket(t *testing.T) {
	ts := newTestServer(t, adminAddr)

	w := ts.do("GET", "/api/v1/market", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp recordsResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "Solar Farm", resp.Records[0].ProjectName)
	assert.Equal(t, "0.1", resp.Records[0].Price)
	assert.True(t, resp.RefreshedAt.Equal(ts.market.at))
	assert.Equal(t, []time.Duration{15 * time.Second}, ts.market.maxAges)
}

func TestGetMarket_UpstreamFailure(t *testing.T) {
	ts := newTestServer(t, adminAddr)
	ts.market.err = errors.New("indexer unavailable")

	w := ts.do("GET", "/api/v1/market", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "failed to load marketplace")
}

func TestGetPortfolio(t *testing.T) {
	ts := newTestServer(t, adminAddr)
	ts.market.portfolios[userAddr] = sampleRecords()

	t.Run("short address is normalized", func(t *testing.T) {
		w := ts.do("GET", "/api/v1/portfolio/0xAA", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp recordsResponse
		decodeBody(t, w, &resp)
		assert.Equal(t, userAddr, resp.Account)
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("empty portfolio is an empty list", func(t *testing.T) {
		w := ts.do("GET", "/api/v1/portfolio/0xbb", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"records":[]`)
	})

	t.Run("invalid address", func(t *testing.T) {
		w := ts.do("GET", "/api/v1/portfolio/not-an-address", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetCatalog(t *testing.T) {
	ts := newTestServer(t, adminAddr)

	w := ts.do("GET", "/api/v1/catalog", "")
	require.Equal(t, http.StatusOK, w.Code)

	var catalog market.Catalog
	decodeBody(t, w, &catalog)
	assert.NotEmpty(t, catalog.AssetTypes)
	assert.NotEmpty(t, catalog.Regions)
}

func TestGetAccount(t *testing.T) {
	tests := []struct {
		name       string
		signer     string
		admin      bool
		configured bool
	}{
		{name: "admin signer", signer: adminAddr, admin: true, configured: true},
		{name: "user signer", signer: userAddr, admin: false, configured: true},
		{name: "no signer", signer: "", admin: false, configured: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.signer)
			w := ts.do("GET", "/api/v1/account", "")
			require.Equal(t, http.StatusOK, w.Code)

			var resp accountResponse
			decodeBody(t, w, &resp)
			assert.Equal(t, tt.signer, resp.Address)
			assert.Equal(t, tt.admin, resp.IsAdmin)
			assert.Equal(t, tt.configured, resp.Configured)
		})
	}
}

func TestCreateListing(t *testing.T) {
	tests := []struct {
		name       string
		signer     string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "admin lists with defaults",
			signer:     adminAddr,
			body:       `{}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "admin lists with explicit fields",
			signer:     adminAddr,
			body:       `{"project_name":"Mangrove","amount":250,"price_apt":"1.5"}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "non-admin is forbidden",
			signer:     userAddr,
			body:       `{}`,
			wantStatus: http.StatusForbidden,
			wantError:  market.ErrNotAdmin.Error(),
		},
		{
			name:       "no signer",
			signer:     "",
			body:       `{}`,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "malformed body",
			signer:     adminAddr,
			body:       `{"amount":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "negative price",
			signer:     adminAddr,
			body:       `{"price_apt":"-1"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "must not be negative",
		},
		{
			name:       "zero price",
			signer:     adminAddr,
			body:       `{"price_apt":"0"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "greater than zero",
		},
		{
			name:       "unknown region",
			signer:     adminAddr,
			body:       `{"region":"Atlantis"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "unknown region",
		},
		{
			name:       "unknown asset type",
			signer:     adminAddr,
			body:       `{"asset_type":"coal"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "unknown asset_type",
		},
		{
			name:       "bad image url",
			signer:     adminAddr,
			body:       `{"image_url":"javascript:alert(1)"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "image_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.signer)

			w := ts.do("POST", "/api/v1/listings", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantError != "" {
				assert.Contains(t, w.Body.String(), tt.wantError)
			}

			if tt.wantStatus != http.StatusAccepted {
				assert.Empty(t, ts.starter.started)
				return
			}

			var resp actionStartedResponse
			decodeBody(t, w, &resp)
			assert.Equal(t, market.ActionList, resp.Kind)
			assert.Equal(t, "credit-list-1", resp.WorkflowID)

			require.Len(t, ts.starter.started, 1)
			assert.Equal(t, market.ActionList, ts.starter.started[0].Kind)
			assert.NotNil(t, ts.starter.started[0].Listing)
		})
	}
}

func TestTokenActions(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantKind   market.ActionKind
		wantStatus int
	}{
		{name: "buy", path: "/api/v1/listings/0xa/buy", wantKind: market.ActionBuy, wantStatus: http.StatusAccepted},
		{name: "retire", path: "/api/v1/credits/0xa/retire", wantKind: market.ActionRetire, wantStatus: http.StatusAccepted},
		{name: "buy invalid token", path: "/api/v1/listings/zzz/buy", wantStatus: http.StatusBadRequest},
		{name: "retire invalid token", path: "/api/v1/credits/0xnothex/retire", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, userAddr)

			w := ts.do("POST", tt.path, "")
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusAccepted {
				assert.Empty(t, ts.starter.started)
				return
			}

			require.Len(t, ts.starter.started, 1)
			action := ts.starter.started[0]
			assert.Equal(t, tt.wantKind, action.Kind)
			assert.Equal(t, tokenAddr, action.TokenID)
			assert.Nil(t, action.Listing)

			var resp actionStartedResponse
			decodeBody(t, w, &resp)
			assert.Equal(t, tokenAddr, resp.TokenID)
		})
	}
}

func TestTokenAction_StartFailures(t *testing.T) {
	t.Run("invalid action maps to 400", func(t *testing.T) {
		ts := newTestServer(t, userAddr)
		ts.starter.err = fmt.Errorf("%w: unknown kind", market.ErrInvalidAction)

		w := ts.do("POST", "/api/v1/listings/0xa/buy", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("temporal failure maps to 500", func(t *testing.T) {
		ts := newTestServer(t, userAddr)
		ts.starter.err = errors.New("temporal unavailable")

		w := ts.do("POST", "/api/v1/credits/0xa/retire", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "failed to start action")
	})
}

func TestGetAction(t *testing.T) {
	ts := newTestServer(t, userAddr)
	hash := "0xfeed"
	ts.store.actions["credit-buy-1"] = &db.Action{
		WorkflowID: "credit-buy-1",
		Kind:       "buy",
		Sender:     userAddr,
		TxHash:     &hash,
		Status:     db.StatusCompleted,
		Payload:    json.RawMessage(`{"kind":"buy"}`),
	}

	t.Run("found", func(t *testing.T) {
		w := ts.do("GET", "/api/v1/actions/credit-buy-1", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp actionResponse
		decodeBody(t, w, &resp)
		assert.Equal(t, "credit-buy-1", resp.WorkflowID)
		assert.Equal(t, db.StatusCompleted, resp.Status)
		require.NotNil(t, resp.TxHash)
		assert.Equal(t, hash, *resp.TxHash)
	})

	t.Run("not found", func(t *testing.T) {
		w := ts.do("GET", "/api/v1/actions/credit-buy-404", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		ts.store.err = errors.New("connection refused")
		defer func() { ts.store.err = nil }()

		w := ts.do("GET", "/api/v1/actions/credit-buy-1", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestListActions(t *testing.T) {
	ts := newTestServer(t, userAddr)
	ts.store.actions["a"] = &db.Action{WorkflowID: "a", Kind: "buy", Sender: userAddr, Status: db.StatusCompleted}
	ts.store.actions["b"] = &db.Action{WorkflowID: "b", Kind: "retire", Sender: userAddr, Status: db.StatusFailed}
	ts.store.actions["c"] = &db.Action{WorkflowID: "c", Kind: "list", Sender: adminAddr, Status: db.StatusSubmitted}

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCount  int
		validate   func(*testing.T, db.ListActionsParams)
	}{
		{
			name:       "defaults",
			query:      "",
			wantStatus: http.StatusOK,
			wantCount:  3,
			validate: func(t *testing.T, p db.ListActionsParams) {
				assert.Equal(t, int32(defaultActionLimit), p.Limit)
				assert.Equal(t, int32(0), p.Offset)
			},
		},
		{
			name:       "sender is normalized",
			query:      "?sender=0xAA",
			wantStatus: http.StatusOK,
			wantCount:  2,
			validate: func(t *testing.T, p db.ListActionsParams) {
				assert.Equal(t, userAddr, p.Sender)
			},
		},
		{
			name:       "kind filter",
			query:      "?kind=list",
			wantStatus: http.StatusOK,
			wantCount:  1,
		},
		{
			name:       "pagination",
			query:      "?limit=10&offset=5",
			wantStatus: http.StatusOK,
			wantCount:  3,
			validate: func(t *testing.T, p db.ListActionsParams) {
				assert.Equal(t, int32(10), p.Limit)
				assert.Equal(t, int32(5), p.Offset)
			},
		},
		{name: "invalid kind", query: "?kind=mint", wantStatus: http.StatusBadRequest},
		{name: "invalid sender", query: "?sender=bob", wantStatus: http.StatusBadRequest},
		{name: "limit too low", query: "?limit=0", wantStatus: http.StatusBadRequest},
		{name: "limit too high", query: "?limit=1000", wantStatus: http.StatusBadRequest},
		{name: "limit not a number", query: "?limit=ten", wantStatus: http.StatusBadRequest},
		{name: "negative offset", query: "?offset=-1", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do("GET", "/api/v1/actions"+tt.query, "")
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp struct {
				Actions []actionResponse `json:"actions"`
				Count   int              `json:"count"`
			}
			decodeBody(t, w, &resp)
			assert.Equal(t, tt.wantCount, resp.Count)
			assert.Len(t, resp.Actions, tt.wantCount)
			if tt.validate != nil {
				tt.validate(t, ts.store.lastList)
			}
		})
	}
}

func TestHealthAndCORS(t *testing.T) {
	ts := newTestServer(t, adminAddr)

	w := ts.do("GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = ts.do("OPTIONS", "/api/v1/listings", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{name: "short form", input: "0x1", want: "0x0000000000000000000000000000000000000000000000000000000000000001"},
		{name: "long form", input: userAddr, want: userAddr},
		{name: "empty", input: "", wantErr: "address is required"},
		{name: "too long", input: "0x" + strings.Repeat("a", 65), wantErr: "too long"},
		{name: "control character", input: "0x1\x00", wantErr: "control characters"},
		{name: "sql injection", input: "0x1; DROP TABLE credit_actions", wantErr: "invalid address format"},
		{name: "not hex", input: "0xzz", wantErr: "invalid address format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateAddress(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				var vErr *validationError
				assert.ErrorAs(t, err, &vErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStreamFilter(t *testing.T) {
	t.Run("default subscribes to everything", func(t *testing.T) {
		f, err := newStreamFilter("", "")
		require.NoError(t, err)
		assert.Equal(t, "credits.>", f.subject)
		assert.True(t, f.match(&natspkg.CreditEvent{Account: userAddr}))
	})

	t.Run("kind narrows the subject", func(t *testing.T) {
		f, err := newStreamFilter("retire", "")
		require.NoError(t, err)
		assert.Equal(t, "credits.actions.retire", f.subject)
	})

	t.Run("account filters events", func(t *testing.T) {
		f, err := newStreamFilter("", "0xAA")
		require.NoError(t, err)
		assert.True(t, f.match(&natspkg.CreditEvent{Account: userAddr}))
		assert.True(t, f.match(&natspkg.CreditEvent{Account: "0xaa"}))
		assert.False(t, f.match(&natspkg.CreditEvent{Account: adminAddr}))
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := newStreamFilter("mint", "")
		assert.Error(t, err)
		_, err = newStreamFilter("", "alice")
		assert.Error(t, err)
	})
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	err := writeSSEEvent(w, &natspkg.CreditEvent{
		Type:    natspkg.EventActionCompleted,
		Kind:    "buy",
		Account: userAddr,
		Hash:    "0xfeed",
		Success: true,
	})
	require.NoError(t, err)

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: action.completed\ndata: {"))
	assert.True(t, strings.HasSuffix(body, "}\n\n"))
	assert.Contains(t, body, `"hash":"0xfeed"`)
}
