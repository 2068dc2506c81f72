package vipd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service.
type Config struct {
	Env         string // "production" or "development"
	DataDir     string
	BindAddress string
	Port        int
	APIKey      string
	AdminKey    string
	PublicURL   string // externally reachable base URL of this service
	FrontendURL string // where checkout success/cancel redirects land
	TiersFile   string

	StripeAPIKey        string
	StripeWebhookSecret string
	StripeCurrency      string
	StripeSuccessURL    string
	StripeCancelURL     string

	VoteWebhookSecret string
	VoteDedupWindow   time.Duration
	VoteResetAfter    time.Duration
	RedisAddr         string // optional shared vote suppression window

	DiscordWebhookURL string // optional; notifications are logged when empty

	SweepAt            time.Duration // offset from 00:00 UTC
	SweepThresholdDays int
	SweepConcurrency   int

	OTLPEndpoint string
	LogLevel     string
	LogFormat    string
}

// IsDevelopment reports whether the service runs without a real payment gateway.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// DBDir returns the directory holding the SQLite database.
func (c *Config) DBDir() string {
	return filepath.Join(c.DataDir, "db")
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("VIPD_PORT", 8080)
	if err != nil {
		return nil, err
	}
	thresholdDays, err := envOrDefaultInt("VIPD_SWEEP_THRESHOLD_DAYS", 3)
	if err != nil {
		return nil, err
	}
	concurrency, err := envOrDefaultInt("VIPD_SWEEP_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}
	sweepAt, err := envOrDefaultClock("VIPD_SWEEP_AT", 0)
	if err != nil {
		return nil, err
	}
	dedupWindow, err := envOrDefaultDuration("VIPD_VOTE_DEDUP_WINDOW", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	resetAfter, err := envOrDefaultDuration("VIPD_VOTE_RESET_AFTER", 12*time.Hour)
	if err != nil {
		return nil, err
	}

	dataDir := envOrDefault("VIPD_DATA_DIR", "/data")
	publicURL := strings.TrimRight(strings.TrimSpace(os.Getenv("VIPD_PUBLIC_URL")), "/")

	cfg := &Config{
		Env:                 strings.ToLower(envOrDefault("VIPD_ENV", "production")),
		DataDir:             dataDir,
		BindAddress:         envOrDefault("VIPD_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		APIKey:              strings.TrimSpace(os.Getenv("VIPD_API_KEY")),
		AdminKey:            strings.TrimSpace(os.Getenv("VIPD_ADMIN_KEY")),
		PublicURL:           publicURL,
		FrontendURL:         strings.TrimSpace(os.Getenv("VIPD_FRONTEND_URL")),
		TiersFile:           envOrDefault("VIPD_TIERS_FILE", filepath.Join(dataDir, "tiers.yaml")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeCurrency:      strings.ToLower(envOrDefault("STRIPE_CURRENCY", "brl")),
		StripeSuccessURL:    envOrDefault("STRIPE_SUCCESS_URL", publicURL+"/api/transactions/success?session_id={CHECKOUT_SESSION_ID}"),
		StripeCancelURL:     envOrDefault("STRIPE_CANCEL_URL", publicURL+"/api/transactions/cancel"),
		VoteWebhookSecret:   strings.TrimSpace(os.Getenv("VOTE_WEBHOOK_SECRET")),
		VoteDedupWindow:     dedupWindow,
		VoteResetAfter:      resetAfter,
		RedisAddr:           strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		DiscordWebhookURL:   strings.TrimSpace(os.Getenv("DISCORD_WEBHOOK_URL")),
		SweepAt:             sweepAt,
		SweepThresholdDays:  thresholdDays,
		SweepConcurrency:    concurrency,
		OTLPEndpoint:        strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Env != "production" && c.Env != "development" {
		return fmt.Errorf("VIPD_ENV must be production or development, got %q", c.Env)
	}

	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "VIPD_API_KEY")
	}
	if c.AdminKey == "" {
		missing = append(missing, "VIPD_ADMIN_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.VoteWebhookSecret == "" {
		missing = append(missing, "VOTE_WEBHOOK_SECRET")
	}
	if !c.IsDevelopment() {
		if c.StripeAPIKey == "" {
			missing = append(missing, "STRIPE_API_KEY")
		}
		if c.PublicURL == "" {
			missing = append(missing, "VIPD_PUBLIC_URL")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("VIPD_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.SweepThresholdDays < 1 {
		return fmt.Errorf("VIPD_SWEEP_THRESHOLD_DAYS must be at least 1, got %d", c.SweepThresholdDays)
	}
	if c.SweepConcurrency < 1 {
		return fmt.Errorf("VIPD_SWEEP_CONCURRENCY must be at least 1, got %d", c.SweepConcurrency)
	}
	if c.VoteDedupWindow <= 0 {
		return fmt.Errorf("VIPD_VOTE_DEDUP_WINDOW must be positive")
	}
	if c.VoteResetAfter <= 0 {
		return fmt.Errorf("VIPD_VOTE_RESET_AFTER must be positive")
	}

	for key, raw := range map[string]string{
		"VIPD_PUBLIC_URL":   c.PublicURL,
		"VIPD_FRONTEND_URL": c.FrontendURL,
	} {
		if raw == "" {
			continue
		}
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("%s %w", key, err)
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

// envOrDefaultClock parses an "HH:MM" UTC wall-clock time into an offset from midnight.
func envOrDefaultClock(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("%s must be HH:MM: %w", key, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
