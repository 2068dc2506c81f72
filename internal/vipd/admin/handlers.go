// Package admin serves operator endpoints: probes, status, manual sweeps and
// manual VIP activation.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	vperrors "github.com/lunarhq/vipd/internal/errors"
	"github.com/lunarhq/vipd/internal/vipd/billing"
	"github.com/lunarhq/vipd/internal/vipd/store"
	"github.com/lunarhq/vipd/internal/vipd/vpmetrics"
	"github.com/rs/zerolog/log"
)

// SweepRunner runs one expiry sweep on demand.
type SweepRunner interface {
	RunOnce(ctx context.Context, thresholdDays int) (*billing.SweepResult, error)
	ThresholdDays() int
}

// Activator grants a tier to a user directly.
type Activator interface {
	Activate(ctx context.Context, userID, tierID string) error
}

type statusResponse struct {
	Version            string `json:"version"`
	ActiveEntitlements int    `json:"active_entitlements"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if db == nil || db.Ping(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus reports the build version and the number of active entitlements.
func HandleStatus(db *store.DB, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, err := db.Entitlements().CountActive(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		vpmetrics.ActiveEntitlements.Set(float64(active))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(statusResponse{
			Version:            version,
			ActiveEntitlements: active,
		})
	}
}

// HandleSweep runs one expiry sweep and returns its result. An optional
// threshold_days query parameter overrides the configured look-ahead.
// Route: POST /admin/sweep
func HandleSweep(sweeper SweepRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		threshold := sweeper.ThresholdDays()
		if v := strings.TrimSpace(r.URL.Query().Get("threshold_days")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				http.Error(w, "threshold_days must be a positive integer", http.StatusBadRequest)
				return
			}
			threshold = n
		}

		result, err := sweeper.RunOnce(r.Context(), threshold)
		if err != nil {
			if errors.Is(err, billing.ErrSweepInProgress) {
				writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
				return
			}
			log.Error().Err(err).Msg("Manual expiry sweep failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sweep failed"})
			return
		}

		log.Info().
			Int("threshold_days", threshold).
			Int("renewals_requested", result.RenewalsRequested).
			Int("deactivated", result.Deactivated).
			Msg("Manual expiry sweep completed")
		writeJSON(w, http.StatusOK, result)
	}
}

type activateRequest struct {
	UserID string `json:"userId"`
	TierID string `json:"tierId"`
}

// HandleActivate grants a tier without a payment, for support staff.
// Route: POST /admin/vip/activate
func HandleActivate(activator Activator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req activateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		req.UserID = strings.TrimSpace(req.UserID)
		req.TierID = strings.TrimSpace(req.TierID)
		if req.UserID == "" || req.TierID == "" {
			http.Error(w, "userId and tierId are required", http.StatusBadRequest)
			return
		}

		if err := activator.Activate(r.Context(), req.UserID, req.TierID); err != nil {
			status := vperrors.HTTPStatus(err)
			msg := err.Error()
			if status >= http.StatusInternalServerError {
				log.Error().Err(err).Str("user_id", req.UserID).Msg("Manual activation failed")
				msg = "activation failed"
			}
			writeJSON(w, status, map[string]string{"error": msg})
			return
		}

		log.Info().Str("user_id", req.UserID).Str("tier_id", req.TierID).Msg("VIP activated by admin")
		writeJSON(w, http.StatusOK, map[string]any{"activated": true, "userId": req.UserID, "tierId": req.TierID})
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return KeyMiddleware(adminKey, "X-Admin-Key", next)
}

// KeyMiddleware requires header (or an Authorization bearer token) to equal key.
func KeyMiddleware(key, header string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(r.Header.Get(header))
		if got == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
