package models

import "time"

// ExpiryScheduleStatus is the decay state of one promo credit.
type ExpiryScheduleStatus string

// Expiry schedule states.
const (
	// ExpiryStatusScheduled means no tokens from this credit have decayed yet.
	ExpiryStatusScheduled ExpiryScheduleStatus = "scheduled"
	// ExpiryStatusPartiallyExpired means some, but not all, tokens decayed.
	ExpiryStatusPartiallyExpired ExpiryScheduleStatus = "partially_expired"
	// ExpiryStatusExpired is terminal; the full initial amount decayed.
	ExpiryStatusExpired ExpiryScheduleStatus = "expired"
)

// ExpirySchedule tracks the decay of a single promo credit. AmountRemaining
// only ever decreases and never exceeds AmountInitial.
type ExpirySchedule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID         uint64 `gorm:"not null;index"` // Owning user.
	SourceLedgerID uint64 `gorm:"not null;index"` // Promo credit entry this schedule decays.

	ExpiryAt        time.Time            `gorm:"not null;index"`           // When the credit becomes eligible for expiry.
	AmountInitial   int64                `gorm:"not null"`                 // Credited amount at schedule time.
	AmountRemaining int64                `gorm:"not null"`                 // Undecayed remainder.
	Status          ExpiryScheduleStatus `gorm:"type:text;not null;index"` // Decay state.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last sweep touch.
}

// TableName overrides the default table name.
func (ExpirySchedule) TableName() string {
	return "expiry_schedules"
}
