package models

import (
	"time"

	"gorm.io/datatypes"
)

// Outbox message states.
const (
	// OutboxStatusPending marks a message awaiting publication.
	OutboxStatusPending = "pending"
	// OutboxStatusSent marks a successfully published message.
	OutboxStatusSent = "sent"
	// OutboxStatusFailed marks a message that exhausted its retries.
	OutboxStatusFailed = "failed"
)

// OutboxMessage is a balance-change event staged in the same transaction as
// the ledger write that produced it. A background sender publishes pending
// rows; publish failures never affect the committed mutation.
type OutboxMessage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EventType  string         `gorm:"type:text;not null"`       // Event type, e.g. balance.changed.
	MessageKey string         `gorm:"type:text;not null"`       // Partition/routing key (user ID).
	Payload    datatypes.JSON `gorm:"type:jsonb;not null"`      // Event payload.
	Status     string         `gorm:"type:text;not null;index;default:pending"` // Delivery state.
	RetryCount int            `gorm:"not null;default:0"`       // Failed publish attempts.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`       // Last delivery attempt.
}

// TableName overrides the default table name.
func (OutboxMessage) TableName() string {
	return "outbox_messages"
}
