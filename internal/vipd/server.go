package vipd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lunarhq/vipd/internal/logging"
	"github.com/lunarhq/vipd/internal/tracing"
	"github.com/lunarhq/vipd/internal/vipd/billing"
	"github.com/lunarhq/vipd/internal/vipd/catalog"
	"github.com/lunarhq/vipd/internal/vipd/notify"
	"github.com/lunarhq/vipd/internal/vipd/payments"
	"github.com/lunarhq/vipd/internal/vipd/store"
	"github.com/lunarhq/vipd/internal/vipd/votes"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	votePruneInterval      = 10 * time.Minute
	rateLimitSweepInterval = 5 * time.Minute
	redisDialTimeout  = 5 * time.Second
)

// services is everything Run and the one-shot commands share.
type services struct {
	db        *store.DB
	tiers     *catalog.Catalog
	activator *billing.Activator
	workflow  *billing.Workflow
	sweeper   *billing.Sweeper
	votes     *votes.Service
	gate      *votes.Gate // nil when the window lives in Redis
	redis     *redis.Client
	limiter   *RateLimiter
}

func (s *services) Close() {
	if s.votes != nil {
		s.votes.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func openServices(ctx context.Context, cfg *Config) (_ *services, err error) {
	if err := os.MkdirAll(cfg.DBDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	s := &services{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.db, err = store.Open(cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s.tiers, err = catalog.Load(cfg.TiersFile)
	if err != nil {
		return nil, fmt.Errorf("load tier catalog: %w", err)
	}
	log.Info().Str("path", s.tiers.Path()).Int("tiers", len(s.tiers.ListTiers())).Msg("Tier catalog loaded")

	var notifier notify.Notifier
	if cfg.DiscordWebhookURL != "" {
		notifier = notify.NewDiscordNotifier(cfg.DiscordWebhookURL)
		log.Info().Msg("Notifier configured (Discord webhook)")
	} else {
		notifier = notify.NewLogNotifier(func(message string) {
			log.Info().Str("message", message).Msg("Notification (log-only, no webhook configured)")
		})
		log.Info().Msg("Notifier: log-only (set DISCORD_WEBHOOK_URL to enable)")
	}

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(payments.StripeConfig{
			APIKey:     cfg.StripeAPIKey,
			Currency:   cfg.StripeCurrency,
			SuccessURL: cfg.StripeSuccessURL,
			CancelURL:  cfg.StripeCancelURL,
		})
		log.Info().Str("currency", cfg.StripeCurrency).Msg("Payment gateway configured (Stripe)")
	} else {
		gateway = &payments.FakeGateway{}
		log.Warn().Msg("STRIPE_API_KEY not set, checkout sessions are simulated (development only)")
	}

	s.activator = billing.NewActivator(s.db, s.tiers, notifier)
	s.workflow = billing.NewWorkflow(s.db, s.tiers, gateway, s.activator)
	s.sweeper = billing.NewSweeper(s.db, s.tiers, s.workflow, billing.SweeperConfig{
		ThresholdDays: cfg.SweepThresholdDays,
		Concurrency:   cfg.SweepConcurrency,
		RunAt:         cfg.SweepAt,
	})

	var window votes.Window
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DialTimeout: redisDialTimeout})
		pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
		pingErr := client.Ping(pingCtx).Err()
		cancel()
		if pingErr != nil {
			// Best-effort: a single instance is still correct with the in-process gate.
			log.Warn().Err(pingErr).Str("addr", cfg.RedisAddr).Msg("Redis unavailable, using in-process vote window")
			_ = client.Close()
		} else {
			s.redis = client
			window = votes.NewRedisWindow(client, cfg.VoteDedupWindow)
			log.Info().Str("addr", cfg.RedisAddr).Msg("Vote window shared through Redis")
		}
	}
	if window == nil {
		s.gate, err = votes.NewGate(cfg.VoteDedupWindow, 0)
		if err != nil {
			return nil, fmt.Errorf("create vote gate: %w", err)
		}
		window = s.gate
	}

	s.votes, err = votes.NewService(s.db, window, notifier, votes.Config{
		Secret:      cfg.VoteWebhookSecret,
		DedupWindow: cfg.VoteDedupWindow,
		ResetAfter:  cfg.VoteResetAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("init vote service: %w", err)
	}

	s.limiter = NewRateLimiter(webhookRateLimit, time.Minute)
	return s, nil
}

// Run starts the HTTP server and background workers, and blocks until ctx is
// cancelled or the process is signalled.
func Run(ctx context.Context, version string) error {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "vipd",
	})

	log.Info().Str("version", version).Msg("Starting vipd")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "vipd",
	})

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    "vipd",
		ServiceVersion: version,
		SampleRate:     1,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("Tracer shutdown error")
		}
	}()

	svc, err := openServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	restored, err := svc.votes.Restore(ctx)
	if err != nil {
		return err
	}
	if restored > 0 {
		log.Info().Int("count", restored).Msg("Re-armed pending vote clears")
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:    cfg,
		DB:        svc.db,
		Tiers:     svc.tiers,
		Workflow:  svc.workflow,
		Activator: svc.activator,
		Sweeper:   svc.sweeper,
		Votes:     svc.votes,
		Limiter:   svc.limiter,
		Version:   version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go svc.sweeper.Run(ctx)
	go runEntitlementMetrics(ctx, svc.db)
	if svc.gate != nil {
		go svc.gate.RunPruner(ctx, votePruneInterval)
	}
	go svc.limiter.Run(ctx, rateLimitSweepInterval)
	go func() {
		if err := svc.tiers.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("Tier catalog hot reload disabled")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("vipd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("vipd stopped")
	return nil
}

// RunSweep performs a single expiry sweep outside the server, for cron jobs
// and operators. A thresholdDays below 1 uses the configured value.
func RunSweep(ctx context.Context, thresholdDays int) (*billing.SweepResult, error) {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "vipd-sweep",
	})

	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "vipd-sweep",
	})
	svc, err := openServices(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	if thresholdDays < 1 {
		thresholdDays = cfg.SweepThresholdDays
	}
	return svc.sweeper.RunOnce(ctx, thresholdDays)
}
