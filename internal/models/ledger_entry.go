package models

import (
	"time"

	"gorm.io/datatypes"
)

// TokenType identifies which balance pool an entry moves.
type TokenType string

// Token pool identifiers.
const (
	// TokenRegular is the purchased/granted pool with no decay.
	TokenRegular TokenType = "regular"
	// TokenPromo is the promotional pool subject to scheduled expiry.
	TokenPromo TokenType = "promo"
)

// Valid reports whether the token type is a known pool.
func (t TokenType) Valid() bool {
	return t == TokenRegular || t == TokenPromo
}

// Direction is the sign of a ledger entry.
type Direction string

// Entry directions.
const (
	// DirectionCredit increases a balance.
	DirectionCredit Direction = "credit"
	// DirectionDebit decreases a balance.
	DirectionDebit Direction = "debit"
)

// Reason is the closed enumeration of business causes for a ledger entry.
type Reason string

// Ledger entry reasons.
const (
	// ReasonRegistrationBonus is the one-time signup grant.
	ReasonRegistrationBonus Reason = "registration_bonus"
	// ReasonChapterGeneration charges for a generated chapter.
	ReasonChapterGeneration Reason = "chapter_generation"
	// ReasonRefundGenerationFailure compensates a failed generation after capture.
	ReasonRefundGenerationFailure Reason = "refund_generation_failure"
	// ReasonTokenPurchase credits a completed payment-provider order.
	ReasonTokenPurchase Reason = "token_purchase"
	// ReasonReferralBonus credits a referral campaign reward.
	ReasonReferralBonus Reason = "referral_bonus"
	// ReasonPromoExpiry debits decayed promotional tokens.
	ReasonPromoExpiry Reason = "promo_expiry"
	// ReasonAdminAdjustment is a manual operator correction.
	ReasonAdminAdjustment Reason = "admin_adjustment"
	// ReasonMigrationCorrection reconciles balances imported from the legacy system.
	ReasonMigrationCorrection Reason = "migration_correction"
)

// knownReasons indexes the closed reason enumeration.
var knownReasons = map[Reason]struct{}{
	ReasonRegistrationBonus:       {},
	ReasonChapterGeneration:       {},
	ReasonRefundGenerationFailure: {},
	ReasonTokenPurchase:           {},
	ReasonReferralBonus:           {},
	ReasonPromoExpiry:             {},
	ReasonAdminAdjustment:         {},
	ReasonMigrationCorrection:     {},
}

// Valid reports whether the reason belongs to the closed enumeration.
func (r Reason) Valid() bool {
	_, ok := knownReasons[r]
	return ok
}

// LedgerEntry is one immutable signed token movement. Rows are only ever
// appended; corrections are expressed as new entries with the opposite sign.
type LedgerEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key, time-sortable by construction.

	UserID    uint64    `gorm:"not null;index"`           // Owning user.
	TokenType TokenType `gorm:"type:text;not null"`       // Pool the entry moves.
	Direction Direction `gorm:"type:text;not null"`       // credit or debit.
	Reason    Reason    `gorm:"type:text;not null;index"` // Business cause.
	Amount    int64     `gorm:"not null"`                 // Always positive; sign carried by Direction.

	BalanceAfterRegular int64 `gorm:"not null"` // Regular pool after this entry, snapshotted atomically.
	BalanceAfterPromo   int64 `gorm:"not null"` // Promo pool after this entry, snapshotted atomically.

	ReferenceID    string         `gorm:"type:text"`       // Optional external reference (order, chapter, schedule).
	Metadata       datatypes.JSON `gorm:"type:jsonb"`      // Opaque key/value bag supplied by the caller.
	IdempotencyKey string         `gorm:"type:text;index"` // Caller-supplied or derived key, recorded for audit.

	OccurredAt time.Time `gorm:"not null;index"`          // Business timestamp.
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"` // Row creation timestamp.
}

// TableName overrides the default table name.
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// SignedAmount returns the amount with its direction applied.
func (e *LedgerEntry) SignedAmount() int64 {
	if e.Direction == DirectionDebit {
		return -e.Amount
	}
	return e.Amount
}
