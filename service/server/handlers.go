package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/carbonmove/service/aptos"
	"github.com/brojonat/carbonmove/service/db"
	"github.com/brojonat/carbonmove/service/market"
	"github.com/brojonat/carbonmove/service/temporal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for a listing
	maxAddressLength   = 66      // 0x + 64 hex chars
	minWatchInterval   = 10 * time.Second
	maxWatchInterval   = 24 * time.Hour
	defaultActionLimit = 50
	maxActionLimit     = 500
)

// handleGetMarket returns a handler that serves the marketplace listings.
// GET /api/v1/market
func handleGetMarket(reader MarketReader, maxAge time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		records, refreshedAt, err := reader.Market(r.Context(), maxAge)
		if err != nil {
			logger.Error("failed to load marketplace", "error", err)
			writeError(w, "failed to load marketplace", http.StatusBadGateway)
			return
		}

		logger.Debug("marketplace served", "count", len(records), "refreshed_at", refreshedAt)
		writeJSON(w, recordsResponse{
			Records:     records,
			Count:       len(records),
			RefreshedAt: refreshedAt,
		}, http.StatusOK)
	})
}

// handleGetPortfolio returns a handler that serves the credits held by an account.
// GET /api/v1/portfolio/{address}
func handleGetPortfolio(reader MarketReader, maxAge time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address, err := validateAddress(r.PathValue("address"))
		if err != nil {
			logger.Debug("invalid address", "address", r.PathValue("address"), "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		records, refreshedAt, err := reader.Portfolio(r.Context(), address, maxAge)
		if err != nil {
			logger.Error("failed to load portfolio", "account", address, "error", err)
			writeError(w, "failed to load portfolio", http.StatusBadGateway)
			return
		}

		writeJSON(w, recordsResponse{
			Account:     address,
			Records:     records,
			Count:       len(records),
			RefreshedAt: refreshedAt,
		}, http.StatusOK)
	})
}

// handleGetCatalog returns a handler that serves the listing catalog.
// GET /api/v1/catalog
func handleGetCatalog(catalog *market.Catalog) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if catalog == nil {
			writeError(w, "catalog not configured", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, catalog, http.StatusOK)
	})
}

// handleGetAccount reports the operator account actions are signed with.
// GET /api/v1/account
func handleGetAccount(reader MarketReader, signer string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, accountResponse{
			Address:    signer,
			IsAdmin:    signer != "" && reader.IsAdmin(signer),
			Configured: signer != "",
		}, http.StatusOK)
	})
}

// handleCreateListing returns a handler that starts a list workflow.
// POST /api/v1/listings
func handleCreateListing(starter ActionStarter, reader MarketReader, catalog *market.Catalog, signer string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if signer == "" {
			writeError(w, "no signer configured", http.StatusServiceUnavailable)
			return
		}
		if !reader.IsAdmin(signer) {
			logger.Warn("listing rejected for non-admin signer", "signer", signer)
			writeError(w, market.ErrNotAdmin.Error(), http.StatusForbidden)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req market.ListRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("invalid listing body", "error", err)
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := validateListing(&req, catalog); err != nil {
			logger.Debug("invalid listing", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		startAction(w, r, starter, market.Action{Kind: market.ActionList, Listing: &req}, logger)
	})
}

// handleTokenAction returns a handler that starts a buy or retire workflow for
// the token in the path.
// POST /api/v1/listings/{token_id}/buy
// POST /api/v1/credits/{token_id}/retire
func handleTokenAction(starter ActionStarter, kind market.ActionKind, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenID, err := validateAddress(r.PathValue("token_id"))
		if err != nil {
			logger.Debug("invalid token id", "token_id", r.PathValue("token_id"), "error", err)
			writeError(w, "invalid token_id: "+err.Error(), http.StatusBadRequest)
			return
		}

		startAction(w, r, starter, market.Action{Kind: kind, TokenID: tokenID}, logger)
	})
}

func startAction(w http.ResponseWriter, r *http.Request, starter ActionStarter, action market.Action, logger *slog.Logger) {
	if starter == nil {
		writeError(w, "action workflows not configured", http.StatusServiceUnavailable)
		return
	}

	workflowID, err := starter.StartCreditAction(r.Context(), action)
	if err != nil {
		if errors.Is(err, market.ErrInvalidAction) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Error("failed to start action", "kind", action.Kind, "token_id", action.TokenID, "error", err)
		writeError(w, "failed to start action", http.StatusInternalServerError)
		return
	}

	logger.Info("action started", "kind", action.Kind, "token_id", action.TokenID, "workflow_id", workflowID)
	writeJSON(w, actionStartedResponse{
		WorkflowID: workflowID,
		Kind:       action.Kind,
		TokenID:    action.TokenID,
	}, http.StatusAccepted)
}

// handleGetAction returns a handler that reads one action from the ledger.
// GET /api/v1/actions/{workflow_id}
func handleGetAction(store ActionStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.PathValue("workflow_id")
		if workflowID == "" {
			writeError(w, "workflow_id is required", http.StatusBadRequest)
			return
		}

		action, err := store.GetAction(r.Context(), workflowID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "action not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get action", "workflow_id", workflowID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, actionToResponse(action), http.StatusOK)
	})
}

// handleListActions returns a handler that lists ledger entries newest first.
// GET /api/v1/actions?sender=ADDRESS&kind=KIND&limit=N&offset=N
func handleListActions(store ActionStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		params := db.ListActionsParams{Limit: defaultActionLimit}

		if sender := query.Get("sender"); sender != "" {
			normalized, err := validateAddress(sender)
			if err != nil {
				writeError(w, "invalid sender: "+err.Error(), http.StatusBadRequest)
				return
			}
			params.Sender = normalized
		}

		if kind := query.Get("kind"); kind != "" {
			if !market.ActionKind(kind).Valid() {
				writeError(w, "invalid kind: must be 'list', 'buy' or 'retire'", http.StatusBadRequest)
				return
			}
			params.Kind = kind
		}

		if limitStr := query.Get("limit"); limitStr != "" {
			limit, err := strconv.Atoi(limitStr)
			if err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if limit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if limit > maxActionLimit {
				writeError(w, fmt.Sprintf("limit cannot exceed %d", maxActionLimit), http.StatusBadRequest)
				return
			}
			params.Limit = int32(limit)
		}

		if offsetStr := query.Get("offset"); offsetStr != "" {
			offset, err := strconv.Atoi(offsetStr)
			if err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if offset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			params.Offset = int32(offset)
		}

		actions, err := store.ListActions(r.Context(), params)
		if err != nil {
			logger.Error("failed to list actions", "sender", params.Sender, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]actionResponse, len(actions))
		for i, a := range actions {
			resp[i] = actionToResponse(a)
		}

		writeJSON(w, map[string]interface{}{
			"actions": resp,
			"count":   len(resp),
			"limit":   params.Limit,
			"offset":  params.Offset,
		}, http.StatusOK)
	})
}

// handleWatch returns a handler that creates or updates a periodic refresh
// schedule for an account.
// PUT /api/v1/watches/{address}?interval=5m
func handleWatch(scheduler temporal.Scheduler, defaultInterval time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address, err := validateAddress(r.PathValue("address"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		interval := defaultInterval
		if s := r.URL.Query().Get("interval"); s != "" {
			interval, err = time.ParseDuration(s)
			if err != nil {
				writeError(w, "invalid interval: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		if err := validateWatchInterval(interval); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := scheduler.UpsertRefreshSchedule(r.Context(), address, interval); err != nil {
			logger.Error("failed to upsert refresh schedule", "account", address, "error", err)
			writeError(w, "failed to create watch", http.StatusInternalServerError)
			return
		}

		logger.Info("account watch set", "account", address, "interval", interval)
		writeJSON(w, watchResponse{Address: address, Interval: interval.String()}, http.StatusOK)
	})
}

// handleUnwatch returns a handler that removes an account's refresh schedule.
// DELETE /api/v1/watches/{address}
func handleUnwatch(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address, err := validateAddress(r.PathValue("address"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := scheduler.DeleteRefreshSchedule(r.Context(), address); err != nil {
			logger.Error("failed to delete refresh schedule", "account", address, "error", err)
			writeError(w, "failed to delete watch", http.StatusInternalServerError)
			return
		}

		logger.Info("account watch removed", "account", address)
		w.WriteHeader(http.StatusNoContent)
	})
}

// recordsResponse is the JSON response for market and portfolio views.
type recordsResponse struct {
	Account     string                `json:"account,omitempty"`
	Records     []market.CreditRecord `json:"records"`
	Count       int                   `json:"count"`
	RefreshedAt time.Time             `json:"refreshed_at"`
}

type accountResponse struct {
	Address    string `json:"address"`
	IsAdmin    bool   `json:"is_admin"`
	Configured bool   `json:"configured"`
}

type actionStartedResponse struct {
	WorkflowID string            `json:"workflow_id"`
	Kind       market.ActionKind `json:"kind"`
	TokenID    string            `json:"token_id,omitempty"`
}

type watchResponse struct {
	Address  string `json:"address"`
	Interval string `json:"interval"`
}

// actionResponse is the JSON response format for a ledger entry.
type actionResponse struct {
	WorkflowID string          `json:"workflow_id"`
	Kind       string          `json:"kind"`
	Sender     string          `json:"sender"`
	TokenID    *string         `json:"token_id,omitempty"`
	TxHash     *string         `json:"tx_hash,omitempty"`
	Status     string          `json:"status"`
	VMStatus   *string         `json:"vm_status,omitempty"`
	Version    *string         `json:"version,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func actionToResponse(a *db.Action) actionResponse {
	return actionResponse{
		WorkflowID: a.WorkflowID,
		Kind:       a.Kind,
		Sender:     a.Sender,
		TokenID:    a.TokenID,
		TxHash:     a.TxHash,
		Status:     a.Status,
		VMStatus:   a.VMStatus,
		Version:    a.Version,
		Error:      a.Error,
		Payload:    a.Payload,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress checks an account or object address and returns its long form.
func validateAddress(address string) (string, error) {
	if address == "" {
		return "", errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return "", errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return "", errorf("invalid characters in address: control characters not allowed")
		}
	}

	normalized, err := aptos.NormalizeAddress(address)
	if err != nil {
		return "", errorf("invalid address format: must be 0x-prefixed hex")
	}
	return normalized, nil
}

// validateListing checks the fields a caller set. Empty fields are left for
// the dispatcher to fill from the catalog defaults.
func validateListing(req *market.ListRequest, catalog *market.Catalog) error {
	if req.PriceAPT != "" {
		octas, err := market.APTToOctas(req.PriceAPT)
		if err != nil {
			return errorf("%v", err)
		}
		if octas == 0 {
			return errorf("price_apt must be greater than zero")
		}
	}

	if len(req.ProjectName) > 128 {
		return errorf("project_name cannot exceed 128 characters")
	}
	if len(req.TokenName) > 128 {
		return errorf("token_name cannot exceed 128 characters")
	}

	if catalog != nil {
		if req.Region != "" && !catalog.HasRegion(req.Region) {
			return errorf("unknown region %q", req.Region)
		}
		if req.AssetType != "" {
			if _, ok := catalog.Asset(req.AssetType); !ok {
				return errorf("unknown asset_type %q", req.AssetType)
			}
		}
	}

	if req.ImageURL != "" && !strings.HasPrefix(req.ImageURL, "https://") && !strings.HasPrefix(req.ImageURL, "http://") {
		return errorf("image_url must be an http(s) URL")
	}

	return nil
}

// validateWatchInterval validates a refresh interval for reasonable bounds.
func validateWatchInterval(interval time.Duration) error {
	if interval <= 0 {
		return errorf("interval must be positive")
	}

	if interval < minWatchInterval {
		return errorf("interval must be at least %v", minWatchInterval)
	}

	if interval > maxWatchInterval {
		return errorf("interval cannot exceed %v", maxWatchInterval)
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
