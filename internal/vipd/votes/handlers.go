package votes

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	vperrors "github.com/lunarhq/vipd/internal/errors"
	"github.com/lunarhq/vipd/internal/logging"
	"github.com/lunarhq/vipd/internal/vipd/vpmetrics"
	"github.com/rs/zerolog/log"
)

const webhookBodyLimit = 64 * 1024

// webhookPayload is the voting platform's webhook body.
type webhookPayload struct {
	Bot       string          `json:"bot"`
	User      string          `json:"user"`
	Type      string          `json:"type"`
	IsWeekend bool            `json:"isWeekend"`
	Query     json.RawMessage `json:"query"`
}

type webhookResponse struct {
	Success bool `json:"success"`
	Ignored bool `json:"ignored"`
}

// HandleWebhook receives vote deliveries. The Authorization header carries
// the shared webhook secret.
// Route: POST /api/votes/webhook
func HandleWebhook(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := http.StatusOK
		defer func() {
			vpmetrics.WebhookRequestsTotal.WithLabelValues("votes", "vote", strconv.Itoa(status)).Inc()
			vpmetrics.WebhookDuration.WithLabelValues("votes").Observe(time.Since(start).Seconds())
		}()

		if r.Method != http.MethodPost {
			status = http.StatusMethodNotAllowed
			http.Error(w, "Method not allowed", status)
			return
		}

		var payload webhookPayload
		r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			status = http.StatusBadRequest
			http.Error(w, "invalid request body", status)
			return
		}

		res, err := svc.Ingest(r.Context(), r.Header.Get("Authorization"), Event{
			UserID: payload.User,
			Kind:   payload.Type,
			Query:  normalizeQuery(payload.Query),
		})
		if err != nil {
			status = vperrors.HTTPStatus(err)
			if errors.Is(err, vperrors.ErrUnauthorized) {
				log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Vote webhook rejected: bad authorization")
				writeError(w, status, "unauthorized")
				return
			}
			if status >= http.StatusInternalServerError {
				logging.FromContext(r.Context()).Error().Err(err).Str("user_id", payload.User).Msg("Vote webhook processing failed")
				writeError(w, status, "processing failed")
				return
			}
			writeError(w, status, err.Error())
			return
		}

		writeJSON(w, status, webhookResponse{Success: true, Ignored: res.Ignored})
	}
}

// HandleStatus answers a collection read for one user. A voted, uncollected
// record is consumed by this call.
// Route: GET /api/votes/{user_id}
func HandleStatus(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("id"))
		}
		if userID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}

		st, err := svc.Status(r.Context(), userID)
		if err != nil {
			status := vperrors.HTTPStatus(err)
			logging.FromContext(r.Context()).Error().Err(err).Str("user_id", userID).Msg("Vote status lookup failed")
			writeError(w, status, http.StatusText(status))
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// normalizeQuery accepts the query either as a JSON string or as an object,
// which is stored compacted.
func normalizeQuery(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("votes: encode response")
	}
}
