package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuthorizationStatus is the lifecycle state of a token reservation.
type AuthorizationStatus string

// Authorization lifecycle states.
const (
	// AuthStatusCreated is a reservation that has not been held yet.
	AuthStatusCreated AuthorizationStatus = "created"
	// AuthStatusHeld is an active reservation awaiting capture or void.
	AuthStatusHeld AuthorizationStatus = "held"
	// AuthStatusCaptured means the reserved amount has been debited.
	AuthStatusCaptured AuthorizationStatus = "captured"
	// AuthStatusVoided means the reservation was cancelled; a captured
	// authorization that was voided has been refunded.
	AuthStatusVoided AuthorizationStatus = "voided"
	// AuthStatusExpired means the hold TTL lapsed before capture.
	AuthStatusExpired AuthorizationStatus = "expired"
)

// Active reports whether the status still admits capture or void.
func (s AuthorizationStatus) Active() bool {
	return s == AuthStatusCreated || s == AuthStatusHeld
}

// Authorization is a provisional reservation of tokens for one unit of work.
// Creating one does not move balance; only capture writes a ledger entry.
type Authorization struct {
	ID string `gorm:"type:varchar(36);primaryKey"` // UUID.

	UserID      uint64 `gorm:"not null;index:idx_auth_user_feature_resource"`             // Owning user.
	Feature     string `gorm:"type:text;not null;index:idx_auth_user_feature_resource"`   // Pricebook feature name.
	ResourceKey string `gorm:"type:text;not null;index:idx_auth_user_feature_resource"`   // Stable identity of the unit of work.
	Amount      int64  `gorm:"not null"`                                                  // Reserved amount, computed server-side.

	Status        AuthorizationStatus `gorm:"type:text;not null;index"` // Lifecycle state.
	HoldExpiresAt time.Time           `gorm:"not null;index"`           // TTL deadline for held reservations.

	CapturedTransactionID *uint64 `gorm:"index"` // Ledger entry written by capture.
	VoidedTransactionID   *uint64 `gorm:"index"` // Compensating ledger entry written by a post-capture void.

	UpstreamStatus string `gorm:"type:text"` // Last status reported by the downstream worker.
	FailureCode    string `gorm:"type:text"` // Failure code supplied on void.
	FailureMessage string `gorm:"type:text"` // Failure message supplied on void.

	Metadata       datatypes.JSON `gorm:"type:jsonb"` // Opaque caller metadata.
	IdempotencyKey string         `gorm:"type:text"`  // Caller-supplied key, recorded for audit.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last transition timestamp.
}

// TableName overrides the default table name.
func (Authorization) TableName() string {
	return "authorizations"
}
