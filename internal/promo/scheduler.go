// Package promo decays promotional token credits. Every promo credit carries
// an expiry schedule; the sweep turns due schedules into promo_expiry debits,
// clamped to whatever promo balance the user still holds.
package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inkfable/tokenledger/internal/ledger"
	"github.com/inkfable/tokenledger/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultBatchSize bounds how many schedules one sweep pass touches.
const DefaultBatchSize = 200

// Scheduler sweeps due expiry schedules.
type Scheduler struct {
	db     *gorm.DB
	ledger *ledger.Service
}

// NewScheduler constructs a Scheduler.
func NewScheduler(db *gorm.DB, ledgerSvc *ledger.Service) *Scheduler {
	return &Scheduler{db: db, ledger: ledgerSvc}
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Processed     int   // Schedules that moved (debited or marked expired).
	TokensExpired int64 // Total promo tokens debited.
}

// ProcessExpiries settles every due schedule, oldest first. Each schedule
// commits in its own transaction so one poisoned row cannot stall the rest.
// The debit is clamped to the user's current promo balance: tokens spent
// before their expiry date are not debited again. A schedule that finds an
// empty promo pool is left untouched and retried on the next pass, once the
// user holds promo tokens again.
func (s *Scheduler) ProcessExpiries(ctx context.Context, now time.Time, batchSize int) (SweepResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var due []models.ExpirySchedule
	errFind := s.db.WithContext(ctx).
		Where("status <> ? AND amount_remaining > 0 AND expiry_at <= ?", models.ExpiryStatusExpired, now).
		Order("expiry_at ASC, id ASC").
		Limit(batchSize).
		Find(&due).Error
	if errFind != nil {
		return SweepResult{}, ledger.NewServer("list due expiry schedules", errFind)
	}

	var result SweepResult
	for _, schedule := range due {
		expired, settled, errSweep := s.sweepOne(ctx, schedule.ID, now)
		if errSweep != nil {
			log.WithError(errSweep).WithFields(log.Fields{
				"schedule_id": schedule.ID,
				"user_id":     schedule.UserID,
			}).Error("promo expiry sweep failed for schedule")
			continue
		}
		if settled {
			result.Processed++
			result.TokensExpired += expired
		}
	}
	return result, nil
}

// sweepOne settles a single schedule in its own transaction. settled reports
// whether the schedule moved; a due schedule against an empty promo pool is
// skipped unchanged.
func (s *Scheduler) sweepOne(ctx context.Context, scheduleID uint64, now time.Time) (int64, bool, error) {
	var (
		expired int64
		settled bool
	)
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var schedule models.ExpirySchedule
		errLock := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", scheduleID).
			First(&schedule).Error
		if errLock != nil {
			if errors.Is(errLock, gorm.ErrRecordNotFound) {
				return nil
			}
			return ledger.NewServer("lock expiry schedule", errLock)
		}
		if schedule.Status == models.ExpiryStatusExpired || schedule.AmountRemaining <= 0 {
			return nil
		}

		available, errBalance := promoBalance(ctx, tx, schedule.UserID)
		if errBalance != nil {
			return errBalance
		}
		if available <= 0 {
			return nil
		}

		debit := schedule.AmountRemaining
		if available < debit {
			debit = available
		}

		// The remaining amount is part of the key so a later pass over the
		// same schedule writes a fresh debit instead of replaying this one.
		if _, errDebit := s.ledger.DebitTx(ctx, tx, ledger.EntryParams{
			UserID:         schedule.UserID,
			TokenType:      models.TokenPromo,
			Reason:         models.ReasonPromoExpiry,
			Amount:         debit,
			ReferenceID:    fmt.Sprintf("expiry-schedule:%d", schedule.ID),
			IdempotencyKey: fmt.Sprintf("promo-expiry:%d:%d", schedule.ID, schedule.AmountRemaining),
		}); errDebit != nil {
			return errDebit
		}

		remaining := schedule.AmountRemaining - debit
		status := models.ExpiryStatusExpired
		if remaining > 0 {
			// The undecayed remainder was spent before its expiry date.
			status = models.ExpiryStatusPartiallyExpired
		}
		if errSave := tx.Model(&schedule).Updates(map[string]any{
			"amount_remaining": remaining,
			"status":           status,
			"updated_at":       now,
		}).Error; errSave != nil {
			return ledger.NewServer("mark expiry schedule settled", errSave)
		}

		expired = debit
		settled = true
		return nil
	})
	return expired, settled, errTx
}

// promoBalance reads the user's promo pool under the row lock the debit will
// reuse. A missing snapshot means zero.
func promoBalance(ctx context.Context, tx *gorm.DB, userID uint64) (int64, error) {
	var snap models.BalanceSnapshot
	errFind := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&snap).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, ledger.NewServer("read promo balance", errFind)
	}
	return snap.PromoBalance, nil
}

// Upcoming lists a user's pending decay, soonest first, for balance
// previews.
func (s *Scheduler) Upcoming(ctx context.Context, userID uint64) ([]models.ExpirySchedule, error) {
	var schedules []models.ExpirySchedule
	errFind := s.db.WithContext(ctx).
		Where("user_id = ? AND status <> ? AND amount_remaining > 0", userID, models.ExpiryStatusExpired).
		Order("expiry_at ASC").
		Find(&schedules).Error
	if errFind != nil {
		return nil, ledger.NewServer("list upcoming expiries", errFind)
	}
	return schedules, nil
}

// PreviewItem reports what one due schedule would expire at a point in time.
type PreviewItem struct {
	ScheduleID      uint64    `json:"schedule_id"`
	UserID          uint64    `json:"user_id"`
	ExpiryAt        time.Time `json:"expiry_at"`
	AmountRemaining int64     `json:"amount_remaining"`
	WouldExpire     int64     `json:"would_expire"`
}

// PreviewExpiries reports, without mutating anything, what ProcessExpiries
// would debit at asOf: per user, due schedules oldest first, each clamped to
// the promo balance left after the previews before it.
func (s *Scheduler) PreviewExpiries(ctx context.Context, asOf time.Time) ([]PreviewItem, error) {
	var due []models.ExpirySchedule
	errFind := s.db.WithContext(ctx).
		Where("status <> ? AND amount_remaining > 0 AND expiry_at <= ?", models.ExpiryStatusExpired, asOf).
		Order("expiry_at ASC, id ASC").
		Find(&due).Error
	if errFind != nil {
		return nil, ledger.NewServer("list due expiry schedules", errFind)
	}

	available := make(map[uint64]int64)
	items := make([]PreviewItem, 0, len(due))
	for _, schedule := range due {
		pool, known := available[schedule.UserID]
		if !known {
			balance, errBalance := s.ledger.GetBalance(ctx, schedule.UserID)
			if errBalance != nil {
				return nil, errBalance
			}
			pool = balance.Promo
		}

		debit := schedule.AmountRemaining
		if pool < debit {
			debit = pool
		}
		available[schedule.UserID] = pool - debit

		items = append(items, PreviewItem{
			ScheduleID:      schedule.ID,
			UserID:          schedule.UserID,
			ExpiryAt:        schedule.ExpiryAt,
			AmountRemaining: schedule.AmountRemaining,
			WouldExpire:     debit,
		})
	}
	return items, nil
}
