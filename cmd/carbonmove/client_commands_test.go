package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/carbonmove/service/aptos"
	"github.com/brojonat/carbonmove/service/temporal"
)

const testToken = "0x00000000000000000000000000000000000000000000000000000000000000c1"

// fakeAPI serves the subset of the HTTP API the client commands use.
type fakeAPI struct {
	mu        sync.Mutex
	polls     int
	lastQuery string
	watched   map[string]string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}

	mux.HandleFunc("GET /api/v1/market", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"records": []map[string]interface{}{
				{"token_id": "0x1", "project_name": "Solar Farm", "carbon_amount": "100", "price": "0.5", "price_octas": 50000000, "listed": true},
				{"token_id": "0x2", "project_name": "Wind Park", "carbon_amount": "40", "price": "2", "price_octas": 200000000, "listed": true},
			},
			"count":        2,
			"refreshed_at": "2026-01-02T03:04:05Z",
		})
	})
	mux.HandleFunc("POST /api/v1/listings/{token_id}/buy", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"workflow_id": "credit-buy-1",
			"kind":        "buy",
			"token_id":    r.PathValue("token_id"),
		})
	})
	mux.HandleFunc("POST /api/v1/credits/{token_id}/retire", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"workflow_id": "credit-retire-1",
			"kind":        "retire",
			"token_id":    r.PathValue("token_id"),
		})
	})
	mux.HandleFunc("GET /api/v1/actions/{workflow_id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.polls++
		polls := f.polls
		f.mu.Unlock()

		id := r.PathValue("workflow_id")
		switch {
		case polls == 1:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "action not found"})
		case polls == 2:
			writeJSON(w, http.StatusOK, map[string]interface{}{"workflow_id": id, "kind": "buy", "status": "submitted"})
		case strings.HasPrefix(id, "credit-retire"):
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"workflow_id": id, "kind": "retire", "status": "failed",
				"vm_status": "Move abort: E_NOT_OWNER",
			})
		default:
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"workflow_id": id, "kind": "buy", "status": "completed",
				"token_id": testToken, "tx_hash": "0xabc", "version": "42",
			})
		}
	})
	mux.HandleFunc("GET /api/v1/actions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastQuery = r.URL.RawQuery
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"actions": []map[string]interface{}{
				{"workflow_id": "credit-buy-1", "kind": "buy", "status": "completed", "token_id": testToken, "created_at": "2026-01-02T03:04:05Z"},
			},
			"count": 1,
		})
	})
	mux.HandleFunc("PUT /api/v1/watches/{address}", func(w http.ResponseWriter, r *http.Request) {
		interval := r.URL.Query().Get("interval")
		if interval == "" {
			interval = "1m0s"
		}
		f.mu.Lock()
		f.watched[r.PathValue("address")] = interval
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"address": r.PathValue("address"), "interval": interval})
	})
	mux.HandleFunc("DELETE /api/v1/watches/{address}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		delete(f.watched, r.PathValue("address"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v1/stream/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {\"subject\":\"credits.>\"}\n\n")
		for i := 1; i <= 3; i++ {
			fmt.Fprintf(w, "event: action.completed\ndata: {\"type\":\"action.completed\",\"kind\":\"buy\",\"hash\":\"0x%d\",\"success\":true}\n\n", i)
		}
	})
	return mux
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{watched: map[string]string{}}
	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)
	return api, server
}

func TestClientMarketCommand_Where(t *testing.T) {
	_, server := newFakeAPI(t)
	out := captureOutput(t)

	err := newApp().Run([]string{
		"carbonmove", "--server-url", server.URL, "--json",
		"client", "market", "--where", ".price_octas < 100000000",
	})
	require.NoError(t, err)

	var records struct {
		Records []struct {
			TokenID string `json:"token_id"`
		} `json:"records"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &records))
	require.Len(t, records.Records, 1)
	assert.Equal(t, "0x1", records.Records[0].TokenID)
	assert.Equal(t, 1, records.Count)
}

func TestClientMarketCommand_JQ(t *testing.T) {
	_, server := newFakeAPI(t)
	out := captureOutput(t)

	err := newApp().Run([]string{
		"carbonmove", "--server-url", server.URL, "--jq", ".records[].project_name",
		"client", "market",
	})
	require.NoError(t, err)
	assert.Equal(t, "Solar Farm\nWind Park\n", out.String())
}

func TestClientMarketCommand_Table(t *testing.T) {
	_, server := newFakeAPI(t)
	out := captureOutput(t)

	err := newApp().Run([]string{"carbonmove", "--server-url", server.URL, "client", "market"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "TOKEN ID")
	assert.Contains(t, out.String(), "Wind Park")
}

func TestClientBuyCommand(t *testing.T) {
	_, server := newFakeAPI(t)
	out := captureOutput(t)

	err := newApp().Run([]string{"carbonmove", "--server-url", server.URL, "client", "buy", testToken})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "✓ buy accepted")
	assert.Contains(t, out.String(), "credit-buy-1")
}

func TestClientBuyCommand_Wait(t *testing.T) {
	api, server := newFakeAPI(t)
	out := captureOutput(t)

	err := newApp().Run([]string{
		"carbonmove", "--server-url", server.URL,
		"client", "buy", "--wait", "--poll-interval", "10ms", testToken,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Status:    completed")
	assert.Contains(t, out.String(), "Tx Hash:   0xabc")
	assert.Equal(t, 3, api.polls)
}

func TestClientRetireCommand_WaitFailed(t *testing.T) {
	_, server := newFakeAPI(t)
	out := captureOutput(t)

	err := newApp().Run([]string{
		"carbonmove", "--server-url", server.URL,
		"client", "retire", "--wait", "--poll-interval", "10ms", testToken,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retire failed")
	assert.Contains(t, out.String(), "E_NOT_OWNER")
}

func TestClientActionsCommand(t *testing.T) {
	api, server := newFakeAPI(t)
	out := captureOutput(t)

	err := newApp().Run([]string{
		"carbonmove", "--server-url", server.URL,
		"client", "actions", "--kind", "buy", "--limit", "10",
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "credit-buy-1")
	assert.Contains(t, api.lastQuery, "kind=buy")
	assert.Contains(t, api.lastQuery, "limit=10")
}

func TestClientWatchCommands(t *testing.T) {
	api, server := newFakeAPI(t)
	out := captureOutput(t)

	err := newApp().Run([]string{
		"carbonmove", "--server-url", server.URL,
		"client", "watch", "--interval", "5m", "0xaa",
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "✓ Watching 0xaa every 5m0s")
	assert.Equal(t, "5m0s", api.watched["0xaa"])

	err = newApp().Run([]string{"carbonmove", "--server-url", server.URL, "client", "unwatch", "0xaa"})
	require.NoError(t, err)
	assert.Empty(t, api.watched)
}

func TestClientStreamCommand_Limit(t *testing.T) {
	_, server := newFakeAPI(t)
	out := captureOutput(t)

	err := newApp().Run([]string{
		"carbonmove", "--server-url", server.URL, "--jq", ".hash",
		"client", "stream", "--limit", "2",
	})
	require.NoError(t, err)
	assert.Equal(t, "0x1\n0x2\n", out.String())
}

func TestClientCommand_MissingArgument(t *testing.T) {
	captureOutput(t)
	err := newApp().Run([]string{"carbonmove", "client", "buy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token ID")
}

func TestChainCatalogCommand(t *testing.T) {
	out := captureOutput(t)

	err := newApp().Run([]string{"carbonmove", "--jq", ".regions | length > 0", "chain", "catalog"})
	require.NoError(t, err)
	assert.Equal(t, "true\n", out.String())
}

func TestChainAccountCommand(t *testing.T) {
	const key = "0x9bf49a6a0755f953811fce125f2683d50429c3bb49e074147e0089a52eae155f"
	signer, err := aptos.NewSignerFromHex(key)
	require.NoError(t, err)

	out := captureOutput(t)
	err = newApp().Run([]string{
		"carbonmove", "--json",
		"chain", "--private-key", key, "--module-address", signer.Address(),
		"account",
	})
	require.NoError(t, err)

	var account map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &account))
	assert.Equal(t, signer.Address(), account["address"])
	assert.Equal(t, true, account["is_admin"])
}

func TestChainAccountCommand_NoSigner(t *testing.T) {
	t.Setenv("SIGNER_PRIVATE_KEY", "")
	t.Setenv("SIGNER_MNEMONIC", "")
	captureOutput(t)

	err := newApp().Run([]string{"carbonmove", "chain", "account"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a signer is required")
}

func TestResolveScheduleID(t *testing.T) {
	account := "0x00000000000000000000000000000000000000000000000000000000000000aa"

	id, err := resolveScheduleID("market")
	require.NoError(t, err)
	assert.Equal(t, temporal.ScheduleID(""), id)

	id, err = resolveScheduleID("0xAA")
	require.NoError(t, err)
	assert.Equal(t, temporal.ScheduleID(account), id)
	assert.Equal(t, account, scheduleTarget(id))
	assert.Equal(t, "marketplace", scheduleTarget(temporal.ScheduleID("")))

	id, err = resolveScheduleID("custom-schedule")
	require.NoError(t, err)
	assert.Equal(t, "custom-schedule", id)
	assert.Equal(t, "-", scheduleTarget(id))

	_, err = resolveScheduleID("0xzz")
	require.Error(t, err)
}

func TestSubscribeSubject(t *testing.T) {
	subject, err := subscribeSubject("", "")
	require.NoError(t, err)
	assert.Equal(t, "credits.>", subject)

	subject, err = subscribeSubject("Buy", "")
	require.NoError(t, err)
	assert.Equal(t, "credits.actions.buy", subject)

	subject, err = subscribeSubject("", "0xaa")
	require.NoError(t, err)
	assert.Equal(t, "credits.snapshots.0x00000000000000000000000000000000000000000000000000000000000000aa", subject)

	_, err = subscribeSubject("buy", "0xaa")
	require.Error(t, err)
}
