package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/inkfable/tokenledger/internal/models"
	"gorm.io/gorm"
)

// Event types emitted by the engine.
const (
	// TypeBalanceChanged fires after every committed balance mutation.
	TypeBalanceChanged = "balance.changed"
)

// BalanceChanged is the payload published after a balance mutation commits.
type BalanceChanged struct {
	UserID         uint64           `json:"user_id"`
	EntryID        uint64           `json:"entry_id"`
	TokenType      models.TokenType `json:"token_type"`
	Direction      models.Direction `json:"direction"`
	Reason         models.Reason    `json:"reason"`
	Amount         int64            `json:"amount"`
	RegularBalance int64            `json:"regular_balance"`
	PromoBalance   int64            `json:"promo_balance"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// StageBalanceChanged writes a pending outbox row inside the caller's
// transaction. The row commits or rolls back with the ledger entry that
// produced it; delivery happens asynchronously and can never undo the
// mutation.
func StageBalanceChanged(tx *gorm.DB, event BalanceChanged) error {
	payload, errMarshal := json.Marshal(event)
	if errMarshal != nil {
		return fmt.Errorf("events: marshal payload: %w", errMarshal)
	}
	msg := models.OutboxMessage{
		EventType:  TypeBalanceChanged,
		MessageKey: strconv.FormatUint(event.UserID, 10),
		Payload:    payload,
		Status:     models.OutboxStatusPending,
	}
	if errCreate := tx.Create(&msg).Error; errCreate != nil {
		return fmt.Errorf("events: stage outbox: %w", errCreate)
	}
	return nil
}

// Publisher delivers a staged event to an external sink.
type Publisher interface {
	// Publish sends one event. Implementations must be safe for
	// concurrent use.
	Publish(ctx context.Context, eventType, key string, payload []byte) error
	// Close releases the underlying connection.
	Close() error
}
