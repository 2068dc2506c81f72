package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	vperrors "github.com/lunarhq/vipd/internal/errors"
	"github.com/lunarhq/vipd/internal/vipd/catalog"
	"github.com/lunarhq/vipd/internal/vipd/payments"
	"github.com/lunarhq/vipd/internal/vipd/store"
	"github.com/lunarhq/vipd/internal/vipd/vpmetrics"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// OpenRequest asks for a new checkout. For VIP purchases the amount is taken
// from the tier and Amount is ignored.
type OpenRequest struct {
	UserID      string
	Kind        store.TransactionKind
	TierID      string
	Amount      int64
	AutoRenewal bool
}

// OpenResult is what the caller needs to send the user to checkout.
type OpenResult struct {
	TransactionID string `json:"transactionId"`
	CheckoutURL   string `json:"checkoutUrl"`
}

// EntitlementStatus is the read model of a user's VIP state.
type EntitlementStatus struct {
	IsVIP         bool   `json:"isVip"`
	TierName      string `json:"tierName"`
	ExpiryInstant int64  `json:"expiryInstant"`
	DaysRemaining int64  `json:"daysRemaining"`
	AutoRenew     bool   `json:"autoRenew"`
	RewardBalance int64  `json:"rewardBalance"`
}

// Workflow opens checkout transactions and finalizes them from gateway outcomes.
type Workflow struct {
	db        *store.DB
	tiers     Tiers
	gateway   payments.Gateway
	activator *Activator
	now       func() time.Time
	newID     func() string
}

// NewWorkflow creates a Workflow.
func NewWorkflow(db *store.DB, tiers Tiers, gateway payments.Gateway, activator *Activator) *Workflow {
	return &Workflow{
		db:        db,
		tiers:     tiers,
		gateway:   gateway,
		activator: activator,
		now:       defaultNow,
		newID:     func() string { return ulid.Make().String() },
	}
}

// Open requests a checkout session and records a PENDING transaction for it.
// The gateway is called first so a gateway failure never leaves a local row.
func (w *Workflow) Open(ctx context.Context, req OpenRequest) (_ *OpenResult, err error) {
	ctx, span := startSpan(ctx, "billing.Open")
	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("kind", string(req.Kind)),
		attribute.Bool("auto_renewal", req.AutoRenewal),
	)
	defer func() { endSpan(span, err) }()

	const op = "open_transaction"
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, vperrors.Validation(op, errors.New("missing user id"))
	}
	if !req.Kind.Valid() {
		return nil, vperrors.Validation(op, fmt.Errorf("unknown transaction kind %q", req.Kind))
	}

	amount := req.Amount
	description := string(req.Kind)
	var tier catalog.Tier
	if req.Kind == store.KindVIP {
		var ok bool
		tier, ok = w.tiers.TierByID(req.TierID)
		if !ok {
			return nil, vperrors.TierNotFound(op, req.TierID)
		}
		amount = tier.Price
		description = "VIP " + tier.Name
	}
	if amount < 0 {
		return nil, vperrors.Validation(op, fmt.Errorf("amount must not be negative, got %d", amount))
	}

	txID := w.newID()
	session, err := w.gateway.CreateCheckoutSession(ctx, payments.CheckoutRequest{
		UserID:      userID,
		Kind:        string(req.Kind),
		Amount:      amount,
		Description: description,
		Metadata: map[string]string{
			"transaction_id":  txID,
			"tier_id":         tier.ID,
			"is_auto_renewal": strconv.FormatBool(req.AutoRenewal),
		},
	})
	if err != nil {
		return nil, vperrors.Gateway(op, err).ForUser(userID)
	}

	tx := &store.Transaction{
		ID:          txID,
		UserID:      userID,
		Kind:        req.Kind,
		TierID:      tier.ID,
		Amount:      amount,
		PaymentRef:  session.ID,
		Status:      store.StatusPending,
		AutoRenewal: req.AutoRenewal,
		CreatedAt:   w.now(),
	}
	if err := w.db.Ledger().Create(ctx, tx); err != nil {
		w.abandonSession(ctx, userID, session.ID, err)
		return nil, vperrors.Persistence(op, err).ForUser(userID)
	}

	vpmetrics.TransactionsTotal.WithLabelValues(string(req.Kind), string(store.StatusPending)).Inc()
	log.Info().
		Str("transaction_id", txID).
		Str("user_id", userID).
		Str("kind", string(req.Kind)).
		Str("payment_ref", session.ID).
		Int64("amount", amount).
		Bool("auto_renewal", req.AutoRenewal).
		Msg("Transaction opened")

	return &OpenResult{TransactionID: txID, CheckoutURL: session.URL}, nil
}

// abandonSession handles a checkout session that has no ledger row. The
// session is expired when the gateway supports it; otherwise the orphan is
// only reported.
func (w *Workflow) abandonSession(ctx context.Context, userID, sessionID string, cause error) {
	logger := log.Error().Err(cause).Str("user_id", userID).Str("payment_ref", sessionID)
	expirer, ok := w.gateway.(payments.Expirer)
	if !ok {
		logger.Msg("Orphaned checkout session: ledger write failed after gateway call")
		return
	}
	if err := expirer.ExpireCheckoutSession(ctx, sessionID); err != nil {
		logger.AnErr("expire_error", err).Msg("Orphaned checkout session: ledger write failed and expire failed")
		return
	}
	logger.Msg("Checkout session expired after ledger write failed")
}

// Finalize applies a gateway outcome to the transaction holding paymentRef.
// Replays against a terminal transaction succeed without side effects. A
// successful VIP payment activates the entitlement in the same store
// transaction as the status change.
func (w *Workflow) Finalize(ctx context.Context, paymentRef string, outcome payments.Outcome) (err error) {
	ctx, span := startSpan(ctx, "billing.Finalize")
	span.SetAttributes(attribute.String("payment_ref", paymentRef), attribute.String("outcome", string(outcome)))
	defer func() { endSpan(span, err) }()

	const op = "finalize_transaction"
	var target store.TransactionStatus
	switch outcome {
	case payments.OutcomeSucceeded:
		target = store.StatusCompleted
	case payments.OutcomeFailed, payments.OutcomeExpired:
		target = store.StatusFailed
	default:
		return vperrors.Validation(op, fmt.Errorf("unknown outcome %q", outcome))
	}

	var (
		tx        *store.Transaction
		changed   bool
		tier      catalog.Tier
		activated bool
	)
	err = w.db.InTx(ctx, func(stx *store.Tx) error {
		var err error
		tx, err = stx.Ledger().GetByPaymentRef(ctx, paymentRef)
		if err != nil {
			return vperrors.Persistence(op, err)
		}
		if tx == nil {
			return vperrors.TransactionNotFound(op, paymentRef)
		}
		if tx.Status.Terminal() {
			return nil
		}

		changed, err = stx.Ledger().CompleteIfPending(ctx, tx.ID, target)
		if err != nil {
			return vperrors.Persistence(op, err)
		}
		if !changed || target != store.StatusCompleted || tx.Kind != store.KindVIP {
			return nil
		}

		tier, err = w.activator.grant(ctx, stx.Entitlements(), tx.UserID, tx.TierID)
		if err != nil {
			return err
		}
		activated = true
		return nil
	})
	if err != nil {
		return err
	}

	if !changed {
		log.Debug().
			Str("transaction_id", tx.ID).
			Str("payment_ref", paymentRef).
			Str("status", string(tx.Status)).
			Msg("Finalize replay ignored, transaction already terminal")
		return nil
	}

	vpmetrics.TransactionsTotal.WithLabelValues(string(tx.Kind), string(target)).Inc()
	log.Info().
		Str("transaction_id", tx.ID).
		Str("user_id", tx.UserID).
		Str("payment_ref", paymentRef).
		Str("outcome", string(outcome)).
		Str("status", string(target)).
		Msg("Transaction finalized")

	if activated {
		w.activator.announce(tx.UserID, tier)
	}
	return nil
}

// EntitlementStatus reports a user's VIP state. Users without a row are
// reported as not VIP.
func (w *Workflow) EntitlementStatus(ctx context.Context, userID string) (*EntitlementStatus, error) {
	ent, err := w.db.Entitlements().Get(ctx, userID)
	if err != nil {
		return nil, vperrors.Persistence("entitlement_status", err)
	}
	if ent == nil {
		return &EntitlementStatus{TierName: store.NoTier, ExpiryInstant: store.NoExpiry}, nil
	}

	status := &EntitlementStatus{
		IsVIP:         ent.IsVIP,
		TierName:      ent.TierName,
		ExpiryInstant: ent.ExpiryInstant,
		AutoRenew:     ent.AutoRenew,
		RewardBalance: ent.RewardBalance,
	}
	if ent.IsVIP {
		status.DaysRemaining = daysRemaining(ent.ExpiryInstant, w.now())
	}
	return status, nil
}

func daysRemaining(expiry int64, now time.Time) int64 {
	left := expiry - now.Unix()
	if left <= 0 {
		return 0
	}
	return left / secondsPerDay
}
