// Package jobs hosts the background loops: outbox delivery, stale-hold
// expiry, and the promo decay sweep. Each loop runs on a ticker until its
// context is cancelled.
package jobs

import (
	"context"
	"time"

	"github.com/inkfable/tokenledger/internal/events"
	"github.com/inkfable/tokenledger/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Outbox sender tuning.
const (
	// DefaultSendInterval is the pause between delivery passes.
	DefaultSendInterval = 2 * time.Second
	// DefaultSendBatch bounds how many rows one pass claims.
	DefaultSendBatch = 100
	// MaxPublishRetries is how often a row is retried before it is parked
	// as failed.
	MaxPublishRetries = 5
)

// OutboxSender drains pending outbox rows to a Publisher.
type OutboxSender struct {
	db        *gorm.DB
	publisher events.Publisher
	interval  time.Duration
	batch     int
}

// NewOutboxSender constructs an OutboxSender. Non-positive interval or batch
// fall back to the defaults.
func NewOutboxSender(db *gorm.DB, publisher events.Publisher, interval time.Duration, batch int) *OutboxSender {
	if interval <= 0 {
		interval = DefaultSendInterval
	}
	if batch <= 0 {
		batch = DefaultSendBatch
	}
	return &OutboxSender{db: db, publisher: publisher, interval: interval, batch: batch}
}

// Run delivers until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.WithField("interval", s.interval.String()).Info("outbox sender started")
	for {
		select {
		case <-ctx.Done():
			log.Info("outbox sender stopped")
			return
		case <-ticker.C:
			if _, err := s.SendPending(ctx); err != nil {
				log.WithError(err).Error("outbox delivery pass failed")
			}
		}
	}
}

// SendPending publishes one batch of pending rows, oldest first, and returns
// how many were delivered.
func (s *OutboxSender) SendPending(ctx context.Context) (int, error) {
	var pending []models.OutboxMessage
	errFind := s.db.WithContext(ctx).
		Where("status = ?", models.OutboxStatusPending).
		Order("id ASC").
		Limit(s.batch).
		Find(&pending).Error
	if errFind != nil {
		return 0, errFind
	}

	sent := 0
	for _, msg := range pending {
		if errPublish := s.publisher.Publish(ctx, msg.EventType, msg.MessageKey, msg.Payload); errPublish != nil {
			s.recordFailure(ctx, msg, errPublish)
			continue
		}
		// Compare-and-set on status so a concurrent sender claims each
		// row at most once.
		result := s.db.WithContext(ctx).
			Model(&models.OutboxMessage{}).
			Where("id = ? AND status = ?", msg.ID, models.OutboxStatusPending).
			Update("status", models.OutboxStatusSent)
		if result.Error != nil {
			log.WithError(result.Error).WithField("message_id", msg.ID).Error("mark outbox message sent")
			continue
		}
		if result.RowsAffected > 0 {
			sent++
		}
	}
	return sent, nil
}

// recordFailure bumps the retry counter and parks the row once retries are
// exhausted.
func (s *OutboxSender) recordFailure(ctx context.Context, msg models.OutboxMessage, cause error) {
	status := models.OutboxStatusPending
	if msg.RetryCount+1 >= MaxPublishRetries {
		status = models.OutboxStatusFailed
	}
	errSave := s.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id = ?", msg.ID).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"status":      status,
		}).Error
	if errSave != nil {
		log.WithError(errSave).WithField("message_id", msg.ID).Error("record outbox failure")
	}
	log.WithError(cause).WithFields(log.Fields{
		"message_id":  msg.ID,
		"event_type":  msg.EventType,
		"retry_count": msg.RetryCount + 1,
		"status":      status,
	}).Warn("outbox publish failed")
}
