// Package billing reconciles payment outcomes with VIP entitlements: it opens
// checkout transactions, finalizes them from gateway webhooks, activates
// entitlements and runs the daily expiry sweep.
package billing

import (
	"context"
	"time"

	"github.com/lunarhq/vipd/internal/vipd/catalog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const secondsPerDay = 86400

var tracer = otel.Tracer("github.com/lunarhq/vipd/internal/vipd/billing")

// Tiers is the read-only view of the tier catalog billing needs.
type Tiers interface {
	TierByID(id string) (catalog.Tier, bool)
	TierByName(name string) (catalog.Tier, bool)
}

func defaultNow() time.Time {
	return time.Now().UTC()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}
