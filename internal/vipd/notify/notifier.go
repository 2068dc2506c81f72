// Package notify sends best-effort outbound chat notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lunarhq/vipd/internal/vipd/vpmetrics"
	"github.com/rs/zerolog/log"
)

const fireTimeout = 10 * time.Second

// Notifier delivers a plain-text message somewhere humans will see it.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// DiscordNotifier posts messages to a Discord channel webhook.
type DiscordNotifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewDiscordNotifier creates a notifier for the given webhook URL.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type discordPayload struct {
	Content string `json:"content"`
}

// Notify posts message as the webhook's content.
func (d *DiscordNotifier) Notify(ctx context.Context, message string) error {
	body, err := json.Marshal(discordPayload{Content: message})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("discord error (HTTP %d): %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	return nil
}

// LogNotifier logs messages instead of sending them. Used as fallback when no
// webhook is configured.
type LogNotifier struct {
	logFn func(message string)
}

// NewLogNotifier creates a notifier that hands each message to logFn.
func NewLogNotifier(logFn func(message string)) *LogNotifier {
	return &LogNotifier{logFn: logFn}
}

// Notify logs the message.
func (l *LogNotifier) Notify(_ context.Context, message string) error {
	if l.logFn != nil {
		l.logFn(message)
	}
	return nil
}

// Fire sends message in the background. Failures are logged and counted,
// never returned.
func Fire(n Notifier, message string) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
		defer cancel()
		Send(ctx, n, message)
	}()
}

// Send delivers message synchronously with the same swallow-and-log policy as Fire.
func Send(ctx context.Context, n Notifier, message string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, message); err != nil {
		vpmetrics.NotificationsTotal.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("message", message).Msg("Notification failed")
		return
	}
	vpmetrics.NotificationsTotal.WithLabelValues("sent").Inc()
}
