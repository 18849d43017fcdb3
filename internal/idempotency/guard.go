// Package idempotency makes every mutating operation safely retryable. The
// guard maps the natural triple (user, operation, resource key) to the
// outcome produced the first time the operation ran; retries replay that
// outcome without touching the ledger.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inkfable/tokenledger/internal/models"
	"github.com/inkfable/tokenledger/internal/util"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrKeyConflict is returned when a caller-supplied idempotency key is
// reused for a different natural triple. Callers wrap it into their own
// conflict error.
var ErrKeyConflict = errors.New("idempotency key already used for a different operation")

// Guard persists and replays operation outcomes.
type Guard struct {
	db *gorm.DB
}

// NewGuard constructs a Guard backed by GORM.
func NewGuard(db *gorm.DB) *Guard {
	return &Guard{db: db}
}

// Check returns the recorded outcome for the natural triple, or nil when the
// operation has not completed before.
func (g *Guard) Check(ctx context.Context, userID *uint64, operation, resourceKey string) (*models.IdempotencyRecord, error) {
	var record models.IdempotencyRecord
	q := g.db.WithContext(ctx).
		Where("operation = ? AND resource_key = ?", operation, resourceKey)
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	} else {
		q = q.Where("user_id IS NULL")
	}
	if errFind := q.First(&record).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency: check: %w", errFind)
	}
	return &record, nil
}

// Store records the outcome of a completed operation. A second store for the
// same triple is a benign race and is ignored; the same idempotency key
// appearing under a different triple is a conflict.
func (g *Guard) Store(ctx context.Context, userID *uint64, operation, resourceKey, idempotencyKey string, response any, statusCode int) error {
	payload, errMarshal := json.Marshal(response)
	if errMarshal != nil {
		return fmt.Errorf("idempotency: marshal response: %w", errMarshal)
	}

	if idempotencyKey != "" {
		if errClash := g.checkKeyClash(ctx, userID, operation, resourceKey, idempotencyKey); errClash != nil {
			return errClash
		}
	}

	sum := sha256.Sum256(payload)
	record := models.IdempotencyRecord{
		UserID:         userID,
		Operation:      operation,
		ResourceKey:    resourceKey,
		IdempotencyKey: idempotencyKey,
		Response:       payload,
		ResponseHash:   hex.EncodeToString(sum[:]),
		StatusCode:     statusCode,
	}

	result := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_id"}, {Name: "operation"}, {Name: "resource_key"},
			},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return fmt.Errorf("idempotency: store: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		log.WithFields(log.Fields{
			"operation":       operation,
			"resource_key":    resourceKey,
			"idempotency_key": util.MaskKey(idempotencyKey),
		}).Debug("idempotency record already stored by a concurrent request")
	}
	return nil
}

// checkKeyClash rejects reuse of a caller-supplied idempotency key across
// different natural triples.
func (g *Guard) checkKeyClash(ctx context.Context, userID *uint64, operation, resourceKey, idempotencyKey string) error {
	var existing models.IdempotencyRecord
	errFind := g.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&existing).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("idempotency: key lookup: %w", errFind)
	}

	sameUser := (existing.UserID == nil && userID == nil) ||
		(existing.UserID != nil && userID != nil && *existing.UserID == *userID)
	if sameUser && existing.Operation == operation && existing.ResourceKey == resourceKey {
		return nil
	}
	return fmt.Errorf("%w: key %s already bound to operation %s", ErrKeyConflict, util.MaskKey(idempotencyKey), existing.Operation)
}

// Outcome decodes a stored response payload into dst.
func Outcome(record *models.IdempotencyRecord, dst any) error {
	if record == nil || len(record.Response) == 0 {
		return fmt.Errorf("idempotency: empty outcome")
	}
	return json.Unmarshal(record.Response, dst)
}
