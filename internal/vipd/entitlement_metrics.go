package vipd

import (
	"context"
	"time"

	"github.com/lunarhq/vipd/internal/vipd/store"
	"github.com/lunarhq/vipd/internal/vipd/vpmetrics"
	"github.com/rs/zerolog/log"
)

const entitlementMetricsInterval = 30 * time.Second

func runEntitlementMetrics(ctx context.Context, db *store.DB) {
	ticker := time.NewTicker(entitlementMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateEntitlementGauge(ctx, db)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateEntitlementGauge(ctx, db)
		}
	}
}

func updateEntitlementGauge(ctx context.Context, db *store.DB) {
	n, err := db.Entitlements().CountActive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to update entitlement metrics")
		}
		return
	}
	vpmetrics.ActiveEntitlements.Set(float64(n))
}
