package models

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyRecord stores the outcome of a completed logical operation,
// keyed by the natural triple (user, operation, resource key). Records are
// written once and never mutated.
type IdempotencyRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID      *uint64 `gorm:"uniqueIndex:ux_idem_user_op_resource"`               // Acting user; nil for system operations.
	Operation   string  `gorm:"type:text;not null;uniqueIndex:ux_idem_user_op_resource"` // Logical operation name.
	ResourceKey string  `gorm:"type:text;not null;uniqueIndex:ux_idem_user_op_resource"` // Unit-of-work identity.

	IdempotencyKey string         `gorm:"type:text;index"`    // Caller-supplied key, recorded for audit.
	Response       datatypes.JSON `gorm:"type:jsonb"`         // Outcome payload replayed on retries.
	ResponseHash   string         `gorm:"type:text;not null"` // SHA-256 of the outcome payload.
	StatusCode     int            `gorm:"not null"`           // Outcome status code.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName overrides the default table name.
func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}
