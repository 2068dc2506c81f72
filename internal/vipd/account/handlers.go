// Package account serves the user-facing VIP and transaction API.
package account

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	vperrors "github.com/lunarhq/vipd/internal/errors"
	"github.com/lunarhq/vipd/internal/logging"
	"github.com/lunarhq/vipd/internal/vipd/billing"
	"github.com/lunarhq/vipd/internal/vipd/catalog"
	"github.com/lunarhq/vipd/internal/vipd/store"
	"github.com/rs/zerolog/log"
)

const maxPageSize = 200

// TierLister is the catalog view the tier listing needs.
type TierLister interface {
	ListTiers() []catalog.Tier
}

type openTransactionRequest struct {
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
	TierID string `json:"tierId"`
	Amount int64  `json:"amount"`
}

// HandleOpenTransaction opens a checkout for the user.
// Route: POST /api/transactions
func HandleOpenTransaction(wf *billing.Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req openTransactionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		kind := store.TransactionKind(strings.ToUpper(strings.TrimSpace(req.Kind)))
		if kind == "" {
			kind = store.KindVIP
		}

		res, err := wf.Open(r.Context(), billing.OpenRequest{
			UserID: strings.TrimSpace(req.UserID),
			Kind:   kind,
			TierID: strings.TrimSpace(req.TierID),
			Amount: req.Amount,
		})
		if err != nil {
			writeError(w, r, err, "open transaction")
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

// HandleGetTransaction returns one ledger entry.
// Route: GET /api/transactions/{id}
func HandleGetTransaction(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id := strings.TrimSpace(r.PathValue("id"))
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}

		tx, err := db.Ledger().Get(r.Context(), id)
		if err != nil {
			log.Error().Err(err).Str("transaction_id", id).Msg("Failed to load transaction")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if tx == nil {
			writeError(w, r, vperrors.NotFound("get transaction", fmt.Errorf("transaction %q not found", id)), "get transaction")
			return
		}
		writeJSON(w, http.StatusOK, tx)
	}
}

// HandleListUserTransactions lists a user's ledger, newest first. Supports
// limit, offset, kind and status query parameters.
// Route: GET /api/users/{user_id}/transactions
func HandleListUserTransactions(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}

		filter, msg := parseFilter(r)
		if msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}

		txs, err := db.Ledger().ListByUser(r.Context(), userID, filter)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to list transactions")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if txs == nil {
			txs = []*store.Transaction{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"transactions": txs,
			"count":        len(txs),
		})
	}
}

// HandleTransactionStats summarises a user's spending.
// Route: GET /api/users/{user_id}/transactions/stats
func HandleTransactionStats(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}

		stats, err := db.Ledger().Stats(r.Context(), userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to compute transaction stats")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// HandleEntitlementStatus reports the user's VIP state.
// Route: GET /api/vip/status/{user_id}
func HandleEntitlementStatus(wf *billing.Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}

		status, err := wf.EntitlementStatus(r.Context(), userID)
		if err != nil {
			writeError(w, r, err, "entitlement status")
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// HandleListTiers lists the purchasable tiers, cheapest first.
// Route: GET /api/vip/tiers
func HandleListTiers(tiers TierLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		list := tiers.ListTiers()
		if list == nil {
			list = []catalog.Tier{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"tiers": list})
	}
}

type autoRenewRequest struct {
	AutoRenew *bool `json:"autoRenew"`
}

// HandleSetAutoRenew toggles automatic renewal for the user.
// Route: PUT /api/vip/auto-renew/{user_id}
func HandleSetAutoRenew(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}

		var req autoRenewRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.AutoRenew == nil {
			http.Error(w, "autoRenew is required", http.StatusBadRequest)
			return
		}

		if err := db.Entitlements().SetAutoRenew(r.Context(), userID, *req.AutoRenew); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to update auto-renew")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		log.Info().Str("user_id", userID).Bool("auto_renew", *req.AutoRenew).Msg("Auto-renew updated")
		writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "autoRenew": *req.AutoRenew})
	}
}

// HandleCheckoutRedirect sends the browser back to the frontend after checkout.
// Route: GET /api/transactions/success, GET /api/transactions/cancel
func HandleCheckoutRedirect(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if target == "" {
			http.Error(w, "frontend URL not configured", http.StatusNotFound)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func parseFilter(r *http.Request) (store.TransactionFilter, string) {
	q := r.URL.Query()
	var f store.TransactionFilter

	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, "limit must be a positive integer"
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		f.Limit = n
	}
	if v := strings.TrimSpace(q.Get("offset")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, "offset must be a non-negative integer"
		}
		f.Offset = n
	}
	if v := strings.TrimSpace(q.Get("kind")); v != "" {
		f.Kind = store.TransactionKind(strings.ToUpper(v))
		if !f.Kind.Valid() {
			return f, "unknown kind"
		}
	}
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		f.Status = store.TransactionStatus(strings.ToUpper(v))
		switch f.Status {
		case store.StatusPending, store.StatusCompleted, store.StatusFailed:
		default:
			return f, "unknown status"
		}
	}
	return f, ""
}

func writeError(w http.ResponseWriter, r *http.Request, err error, op string) {
	status := vperrors.HTTPStatus(err)
	msg := err.Error()
	switch {
	case status == http.StatusBadGateway:
		logging.FromContext(r.Context()).Warn().Err(err).Str("op", op).Msg("Payment gateway unavailable")
		msg = "payment gateway unavailable"
	case status >= http.StatusInternalServerError:
		logging.FromContext(r.Context()).Error().Err(err).Str("op", op).Msg("Request failed")
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("account: encode response")
	}
}
