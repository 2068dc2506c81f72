package billing

import (
	"context"
	"fmt"
	"time"

	vperrors "github.com/lunarhq/vipd/internal/errors"
	"github.com/lunarhq/vipd/internal/vipd/catalog"
	"github.com/lunarhq/vipd/internal/vipd/notify"
	"github.com/lunarhq/vipd/internal/vipd/store"
	"github.com/lunarhq/vipd/internal/vipd/vpmetrics"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Activator applies completed VIP purchases to the entitlement store.
type Activator struct {
	db       *store.DB
	tiers    Tiers
	notifier notify.Notifier
	now      func() time.Time
}

// NewActivator creates an Activator.
func NewActivator(db *store.DB, tiers Tiers, notifier notify.Notifier) *Activator {
	return &Activator{
		db:       db,
		tiers:    tiers,
		notifier: notifier,
		now:      defaultNow,
	}
}

// Activate grants tierID to userID outside of any payment, e.g. for support
// staff. The new expiry is now + tier duration; remaining time is not stacked.
func (a *Activator) Activate(ctx context.Context, userID, tierID string) (err error) {
	ctx, span := startSpan(ctx, "billing.Activate")
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("tier_id", tierID))
	defer func() { endSpan(span, err) }()

	tier, err := a.grant(ctx, a.db.Entitlements(), userID, tierID)
	if err != nil {
		return err
	}
	a.announce(userID, tier)
	return nil
}

// grant resolves the tier and writes the entitlement through ents, which may
// be scoped to an open transaction.
func (a *Activator) grant(ctx context.Context, ents *store.Entitlements, userID, tierID string) (catalog.Tier, error) {
	tier, ok := a.tiers.TierByID(tierID)
	if !ok {
		vpmetrics.ActivationsTotal.WithLabelValues("tier_not_found").Inc()
		return catalog.Tier{}, vperrors.TierNotFound("activate", tierID)
	}

	expiry := a.now().Unix() + int64(tier.DurationDays)*secondsPerDay
	if err := ents.Apply(ctx, store.Grant{
		UserID:        userID,
		TierName:      tier.Name,
		ExpiryInstant: expiry,
		RewardCoins:   tier.RewardCoins,
	}); err != nil {
		vpmetrics.ActivationsTotal.WithLabelValues("failed").Inc()
		return catalog.Tier{}, vperrors.Persistence("activate", err).ForUser(userID)
	}

	vpmetrics.ActivationsTotal.WithLabelValues("granted").Inc()
	log.Info().
		Str("user_id", userID).
		Str("tier", tier.Name).
		Int64("expiry_instant", expiry).
		Int64("reward_coins", tier.RewardCoins).
		Msg("VIP entitlement granted")
	return tier, nil
}

// announce must only run after the entitlement write has committed.
func (a *Activator) announce(userID string, tier catalog.Tier) {
	notify.Fire(a.notifier, fmt.Sprintf("User %s purchased VIP %s (%d days)", userID, tier.Name, tier.DurationDays))
}
