package store

import "time"

// TransactionKind identifies what a payment attempt buys.
type TransactionKind string

const (
	KindVIP          TransactionKind = "VIP"
	KindCoins        TransactionKind = "COINS"
	KindSubscription TransactionKind = "SUBSCRIPTION"
)

// Valid reports whether k is a known kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindVIP, KindCoins, KindSubscription:
		return true
	}
	return false
}

// TransactionStatus is the ledger state of a payment attempt. PENDING is the
// only non-terminal state.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transaction is one payment attempt recorded in the ledger.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Kind        TransactionKind   `json:"kind"`
	TierID      string            `json:"tier_id,omitempty"`
	Amount      int64             `json:"amount"`
	PaymentRef  string            `json:"external_payment_ref,omitempty"`
	Status      TransactionStatus `json:"status"`
	AutoRenewal bool              `json:"is_auto_renewal"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

const (
	// NoExpiry is the expiry sentinel of an inactive entitlement.
	NoExpiry int64 = -1
	// NoTier is the tier name of an inactive entitlement.
	NoTier = "null"
)

// Entitlement is a user's VIP state. ExpiryInstant is epoch seconds.
type Entitlement struct {
	UserID        string    `json:"user_id"`
	IsVIP         bool      `json:"is_vip"`
	TierName      string    `json:"tier_name"`
	ExpiryInstant int64     `json:"expiry_instant"`
	AutoRenew     bool      `json:"auto_renew"`
	RewardBalance int64     `json:"reward_balance"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Grant is the write applied by entitlement activation.
type Grant struct {
	UserID        string
	TierName      string
	ExpiryInstant int64
	RewardCoins   int64
}

// VoteRecord is the per-user vote state. VotedAt has millisecond precision.
type VoteRecord struct {
	UserID       string    `json:"user_id"`
	HasVoted     bool      `json:"has_voted"`
	HasCollected bool      `json:"has_collected"`
	Kind         string    `json:"kind"`
	Query        string    `json:"query"`
	VotedAt      time.Time `json:"voted_at"`
}

// TransactionFilter narrows ListByUser.
type TransactionFilter struct {
	Kind   TransactionKind
	Status TransactionStatus
	Limit  int
	Offset int
}

// TransactionStats summarises a user's ledger.
type TransactionStats struct {
	TotalSpent       int64        `json:"total_spent"`
	TransactionCount int          `json:"transaction_count"`
	LastTransaction  *Transaction `json:"last_transaction,omitempty"`
}
