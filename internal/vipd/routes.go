package vipd

import (
	"net/http"
	"strings"
	"time"

	"github.com/lunarhq/vipd/internal/logging"
	"github.com/lunarhq/vipd/internal/vipd/account"
	"github.com/lunarhq/vipd/internal/vipd/admin"
	"github.com/lunarhq/vipd/internal/vipd/billing"
	"github.com/lunarhq/vipd/internal/vipd/catalog"
	"github.com/lunarhq/vipd/internal/vipd/payments"
	"github.com/lunarhq/vipd/internal/vipd/store"
	"github.com/lunarhq/vipd/internal/vipd/votes"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config    *Config
	DB        *store.DB
	Tiers     *catalog.Catalog
	Workflow  *billing.Workflow
	Activator *billing.Activator
	Sweeper   *billing.Sweeper
	Votes     *votes.Service
	Limiter   *RateLimiter // guards the inbound webhooks; its owner runs the sweep loop
	Version   string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}
	apiAuth := func(next http.Handler) http.Handler {
		return admin.KeyMiddleware(deps.Config.APIKey, "X-API-Key", next)
	}

	// Liveness/readiness probes are unauthenticated.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.DB))

	mux.Handle("/status", adminAuth(admin.HandleStatus(deps.DB, deps.Version)))
	mux.Handle("/metrics", adminAuth(promhttp.Handler()))

	// Inbound webhooks authenticate themselves (Stripe signature, shared vote secret).
	webhookLimiter := deps.Limiter
	if webhookLimiter == nil {
		webhookLimiter = NewRateLimiter(webhookRateLimit, time.Minute)
	}
	mux.Handle("/api/payments/webhook", webhookLimiter.Middleware(payments.NewWebhookHandler(deps.Config.StripeWebhookSecret, deps.Workflow)))
	mux.Handle("/api/votes/webhook", webhookLimiter.Middleware(votes.HandleWebhook(deps.Votes)))

	// Browser lands here after checkout; no key is available to it.
	mux.Handle("/api/transactions/success", account.HandleCheckoutRedirect(frontendTarget(deps.Config.FrontendURL, "success")))
	mux.Handle("/api/transactions/cancel", account.HandleCheckoutRedirect(frontendTarget(deps.Config.FrontendURL, "cancel")))

	// User API (API-key authenticated, called by the bot and the dashboard)
	mux.Handle("/api/transactions", apiAuth(account.HandleOpenTransaction(deps.Workflow)))
	mux.Handle("/api/transactions/{id}", apiAuth(account.HandleGetTransaction(deps.DB)))
	mux.Handle("/api/users/{user_id}/transactions", apiAuth(account.HandleListUserTransactions(deps.DB)))
	mux.Handle("/api/users/{user_id}/transactions/stats", apiAuth(account.HandleTransactionStats(deps.DB)))
	mux.Handle("/api/vip/tiers", apiAuth(account.HandleListTiers(deps.Tiers)))
	mux.Handle("/api/vip/status/{user_id}", apiAuth(account.HandleEntitlementStatus(deps.Workflow)))
	mux.Handle("/api/vip/auto-renew/{user_id}", apiAuth(account.HandleSetAutoRenew(deps.DB)))
	mux.Handle("/api/votes/{user_id}", apiAuth(votes.HandleStatus(deps.Votes)))

	// Admin API (key-authenticated)
	mux.Handle("/admin/sweep", adminAuth(admin.HandleSweep(deps.Sweeper)))
	mux.Handle("/admin/vip/activate", adminAuth(admin.HandleActivate(deps.Activator)))
}

// Handler wraps the mux with the middleware applied to every request.
func Handler(mux *http.ServeMux) http.Handler {
	return logging.Middleware(SecurityHeaders(mux))
}

func frontendTarget(frontendURL, outcome string) string {
	frontendURL = strings.TrimSpace(frontendURL)
	if frontendURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(frontendURL, "?") {
		sep = "&"
	}
	return frontendURL + sep + "checkout=" + outcome
}
