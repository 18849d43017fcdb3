// Package ledger implements the append-only token ledger and its balance
// projection. Every mutation appends an immutable entry and rewrites the
// per-user snapshot in the same database transaction; the snapshot is a
// derived view and never diverges from the log.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/inkfable/tokenledger/internal/events"
	"github.com/inkfable/tokenledger/internal/idempotency"
	"github.com/inkfable/tokenledger/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Operation names recorded by the idempotency guard.
const (
	OpCredit     = "credit"
	OpDebit      = "debit"
	OpAutoDeduct = "auto_deduct"
)

// DefaultPromoDecay is the expiry window applied to promo credits when no
// window is configured.
const DefaultPromoDecay = 30 * 24 * time.Hour

// Service executes ledger mutations and balance reads.
type Service struct {
	db         *gorm.DB
	guard      *idempotency.Guard
	promoDecay time.Duration
}

// NewService constructs a Service backed by GORM. A non-positive promoDecay
// falls back to DefaultPromoDecay.
func NewService(db *gorm.DB, promoDecay time.Duration) *Service {
	if promoDecay <= 0 {
		promoDecay = DefaultPromoDecay
	}
	return &Service{db: db, guard: idempotency.NewGuard(db), promoDecay: promoDecay}
}

// Balance is the read model returned by GetBalance.
type Balance struct {
	Regular   int64     `json:"regular"`
	Promo     int64     `json:"promo"`
	Total     int64     `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntryParams describes one credit or debit.
type EntryParams struct {
	UserID         uint64
	TokenType      models.TokenType
	Reason         models.Reason
	Amount         int64
	ReferenceID    string
	Metadata       map[string]any
	IdempotencyKey string
}

// AutoDeductParams describes a composed debit that spends promo first.
type AutoDeductParams struct {
	UserID         uint64
	Reason         models.Reason
	Amount         int64
	ReferenceID    string
	Metadata       map[string]any
	IdempotencyKey string
}

// GetBalance reads the balance projection. A missing row means zero
// balances, not an error.
func (s *Service) GetBalance(ctx context.Context, userID uint64) (*Balance, error) {
	var snap models.BalanceSnapshot
	errFind := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&snap).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return &Balance{}, nil
		}
		return nil, NewServer("read balance snapshot", errFind)
	}
	return &Balance{
		Regular:   snap.RegularBalance,
		Promo:     snap.PromoBalance,
		Total:     snap.Total(),
		UpdatedAt: snap.UpdatedAt,
	}, nil
}

// Credit appends a credit entry and updates the projection atomically. When
// an idempotency key is supplied the operation is replay-safe.
func (s *Service) Credit(ctx context.Context, p EntryParams) (*models.LedgerEntry, error) {
	if replayed, err := s.replayOrReserve(ctx, p.UserID, OpCredit, p.IdempotencyKey); replayed != nil || err != nil {
		return replayed, err
	}

	var entry *models.LedgerEntry
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errApply error
		entry, errApply = s.CreditTx(ctx, tx, p)
		return errApply
	})
	if errTx != nil {
		return nil, asEngineError("credit failed", errTx)
	}

	s.storeOutcome(ctx, p.UserID, OpCredit, p.IdempotencyKey, entry)
	return entry, nil
}

// Debit appends a debit entry and updates the projection atomically. It
// fails with an insufficient-balance error, writing nothing, when the pool
// cannot cover the amount.
func (s *Service) Debit(ctx context.Context, p EntryParams) (*models.LedgerEntry, error) {
	if replayed, err := s.replayOrReserve(ctx, p.UserID, OpDebit, p.IdempotencyKey); replayed != nil || err != nil {
		return replayed, err
	}

	var entry *models.LedgerEntry
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errApply error
		entry, errApply = s.DebitTx(ctx, tx, p)
		return errApply
	})
	if errTx != nil {
		return nil, asEngineError("debit failed", errTx)
	}

	s.storeOutcome(ctx, p.UserID, OpDebit, p.IdempotencyKey, entry)
	return entry, nil
}

// AutoDeduct spends promo balance first and covers the remainder from the
// regular pool, as up to two debit entries inside one transaction. The pair
// shares the caller's idempotency key with :promo and :regular suffixes so
// each leg is independently auditable.
func (s *Service) AutoDeduct(ctx context.Context, p AutoDeductParams) ([]*models.LedgerEntry, error) {
	if p.IdempotencyKey != "" {
		record, errCheck := s.guard.Check(ctx, &p.UserID, OpAutoDeduct, p.IdempotencyKey)
		if errCheck != nil {
			return nil, NewServer("idempotency check", errCheck)
		}
		if record != nil {
			return s.replayEntries(ctx, record)
		}
	}

	var entries []*models.LedgerEntry
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errDeduct error
		entries, errDeduct = s.AutoDeductTx(ctx, tx, p)
		return errDeduct
	})
	if errTx != nil {
		return nil, asEngineError("auto deduct failed", errTx)
	}

	if p.IdempotencyKey != "" {
		ids := make([]uint64, 0, len(entries))
		for _, entry := range entries {
			ids = append(ids, entry.ID)
		}
		if errStore := s.guard.Store(ctx, &p.UserID, OpAutoDeduct, p.IdempotencyKey, p.IdempotencyKey, entryIDs{EntryIDs: ids}, 200); errStore != nil {
			log.WithError(errStore).Warn("ledger: idempotency store failed after commit")
		}
	}
	return entries, nil
}

// AutoDeductTx runs the promo-first split inside the caller's transaction.
// Capture composes it with the authorization state change so both commit or
// neither does.
func (s *Service) AutoDeductTx(ctx context.Context, tx *gorm.DB, p AutoDeductParams) ([]*models.LedgerEntry, error) {
	snap, errLock := lockSnapshot(ctx, tx, p.UserID)
	if errLock != nil {
		return nil, errLock
	}
	if snap.Total() < p.Amount {
		return nil, NewInsufficientBalance(p.Amount, snap.Total())
	}

	promoPart := p.Amount
	if snap.PromoBalance < promoPart {
		promoPart = snap.PromoBalance
	}
	regularPart := p.Amount - promoPart

	var entries []*models.LedgerEntry
	if promoPart > 0 {
		entry, errDebit := s.DebitTx(ctx, tx, EntryParams{
			UserID:         p.UserID,
			TokenType:      models.TokenPromo,
			Reason:         p.Reason,
			Amount:         promoPart,
			ReferenceID:    p.ReferenceID,
			Metadata:       p.Metadata,
			IdempotencyKey: suffixKey(p.IdempotencyKey, ":promo"),
		})
		if errDebit != nil {
			return nil, errDebit
		}
		entries = append(entries, entry)
	}
	if regularPart > 0 {
		entry, errDebit := s.DebitTx(ctx, tx, EntryParams{
			UserID:         p.UserID,
			TokenType:      models.TokenRegular,
			Reason:         p.Reason,
			Amount:         regularPart,
			ReferenceID:    p.ReferenceID,
			Metadata:       p.Metadata,
			IdempotencyKey: suffixKey(p.IdempotencyKey, ":regular"),
		})
		if errDebit != nil {
			return nil, errDebit
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CreditTx appends a credit inside the caller's transaction. Exposed for
// operations that must commit a credit together with their own state, such
// as voiding a captured authorization.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, p EntryParams) (*models.LedgerEntry, error) {
	return s.apply(ctx, tx, models.DirectionCredit, p)
}

// DebitTx appends a debit inside the caller's transaction. Exposed for
// capture and the promo expiry sweep.
func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, p EntryParams) (*models.LedgerEntry, error) {
	return s.apply(ctx, tx, models.DirectionDebit, p)
}

// ListEntries returns a user's ledger history, newest first.
func (s *Service) ListEntries(ctx context.Context, userID uint64, page, pageSize int) ([]*models.LedgerEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	var entries []*models.LedgerEntry
	var total int64

	q := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).Where("user_id = ?", userID)
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, NewServer("count ledger entries", errCount)
	}
	if errFind := q.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error; errFind != nil {
		return nil, 0, NewServer("list ledger entries", errFind)
	}
	return entries, total, nil
}

// apply validates, appends the entry, rewrites the projection, and stages
// the balance-changed event — all on the caller's transaction.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, direction models.Direction, p EntryParams) (*models.LedgerEntry, error) {
	if p.Amount <= 0 {
		return nil, NewValidation("amount must be positive, got %d", p.Amount)
	}
	if !p.TokenType.Valid() {
		return nil, NewValidation("unknown token type %q", p.TokenType)
	}
	if !p.Reason.Valid() {
		return nil, NewValidation("unknown reason %q", p.Reason)
	}

	snap, errLock := lockSnapshot(ctx, tx, p.UserID)
	if errLock != nil {
		return nil, errLock
	}

	newRegular := snap.RegularBalance
	newPromo := snap.PromoBalance
	switch direction {
	case models.DirectionDebit:
		available := snap.Pool(p.TokenType)
		if available < p.Amount {
			return nil, NewInsufficientBalance(p.Amount, available)
		}
		if p.TokenType == models.TokenPromo {
			newPromo -= p.Amount
		} else {
			newRegular -= p.Amount
		}
	case models.DirectionCredit:
		if p.Reason == models.ReasonRegistrationBonus {
			if errOnce := ensureNoRegistrationBonus(ctx, tx, p.UserID); errOnce != nil {
				return nil, errOnce
			}
		}
		if p.TokenType == models.TokenPromo {
			newPromo += p.Amount
		} else {
			newRegular += p.Amount
		}
	default:
		return nil, NewValidation("unknown direction %q", direction)
	}

	metadata, errMeta := marshalMetadata(p.Metadata)
	if errMeta != nil {
		return nil, NewValidation("metadata not serializable: %v", errMeta)
	}

	now := time.Now().UTC()
	entry := &models.LedgerEntry{
		UserID:              p.UserID,
		TokenType:           p.TokenType,
		Direction:           direction,
		Reason:              p.Reason,
		Amount:              p.Amount,
		BalanceAfterRegular: newRegular,
		BalanceAfterPromo:   newPromo,
		ReferenceID:         p.ReferenceID,
		Metadata:            metadata,
		IdempotencyKey:      p.IdempotencyKey,
		OccurredAt:          now,
	}
	if errCreate := tx.Create(entry).Error; errCreate != nil {
		return nil, NewServer("append ledger entry", errCreate)
	}

	if errProject := tx.Model(&models.BalanceSnapshot{}).
		Where("user_id = ?", p.UserID).
		Updates(map[string]any{
			"regular_balance": newRegular,
			"promo_balance":   newPromo,
			"updated_at":      now,
		}).Error; errProject != nil {
		return nil, NewServer("update balance projection", errProject)
	}

	if direction == models.DirectionCredit && p.TokenType == models.TokenPromo {
		schedule := models.ExpirySchedule{
			UserID:          p.UserID,
			SourceLedgerID:  entry.ID,
			ExpiryAt:        now.Add(s.promoDecay),
			AmountInitial:   p.Amount,
			AmountRemaining: p.Amount,
			Status:          models.ExpiryStatusScheduled,
		}
		if errSchedule := tx.Create(&schedule).Error; errSchedule != nil {
			return nil, NewServer("schedule promo expiry", errSchedule)
		}
	}

	if errStage := events.StageBalanceChanged(tx, events.BalanceChanged{
		UserID:         p.UserID,
		EntryID:        entry.ID,
		TokenType:      p.TokenType,
		Direction:      direction,
		Reason:         p.Reason,
		Amount:         p.Amount,
		RegularBalance: newRegular,
		PromoBalance:   newPromo,
		OccurredAt:     now,
	}); errStage != nil {
		return nil, NewServer("stage balance event", errStage)
	}

	return entry, nil
}

// lockSnapshot reads the user's balance row under FOR UPDATE, creating a
// zero row first when the user has no history. The lock serializes all
// balance mutations for one user; different users proceed concurrently.
func lockSnapshot(ctx context.Context, tx *gorm.DB, userID uint64) (*models.BalanceSnapshot, error) {
	var snap models.BalanceSnapshot
	errFind := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&snap).Error
	if errFind == nil {
		return &snap, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, NewServer("lock balance snapshot", errFind)
	}

	seed := models.BalanceSnapshot{UserID: userID}
	if errCreate := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&seed).Error; errCreate != nil {
		return nil, NewServer("seed balance snapshot", errCreate)
	}

	if errRelock := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&snap).Error; errRelock != nil {
		return nil, NewServer("relock balance snapshot", errRelock)
	}
	return &snap, nil
}

// ensureNoRegistrationBonus enforces the one-grant-per-user invariant.
func ensureNoRegistrationBonus(ctx context.Context, tx *gorm.DB, userID uint64) error {
	var count int64
	if errCount := tx.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("user_id = ? AND reason = ?", userID, models.ReasonRegistrationBonus).
		Count(&count).Error; errCount != nil {
		return NewServer("check registration bonus", errCount)
	}
	if count > 0 {
		return NewConflict("registration bonus already granted", map[string]any{"user_id": userID})
	}
	return nil
}

// entryIDs is the stored idempotency outcome for ledger operations.
type entryIDs struct {
	EntryIDs []uint64 `json:"entry_ids"`
}

// replayOrReserve returns a previously recorded entry for the key, and
// rejects keys reused across different operations, before any write happens.
func (s *Service) replayOrReserve(ctx context.Context, userID uint64, operation, key string) (*models.LedgerEntry, error) {
	if key == "" {
		return nil, nil
	}
	record, errCheck := s.guard.Check(ctx, &userID, operation, key)
	if errCheck != nil {
		return nil, NewServer("idempotency check", errCheck)
	}
	if record == nil {
		return nil, nil
	}
	entries, errReplay := s.replayEntries(ctx, record)
	if errReplay != nil {
		return nil, errReplay
	}
	if len(entries) == 0 {
		return nil, NewServer("idempotency outcome references no entries", nil)
	}
	return entries[0], nil
}

// replayEntries loads the ledger entries named by a stored outcome.
func (s *Service) replayEntries(ctx context.Context, record *models.IdempotencyRecord) ([]*models.LedgerEntry, error) {
	var outcome entryIDs
	if errDecode := idempotency.Outcome(record, &outcome); errDecode != nil {
		return nil, NewServer("decode idempotency outcome", errDecode)
	}
	var entries []*models.LedgerEntry
	if errFind := s.db.WithContext(ctx).
		Where("id IN ?", outcome.EntryIDs).
		Order("id ASC").
		Find(&entries).Error; errFind != nil {
		return nil, NewServer("load replayed entries", errFind)
	}
	return entries, nil
}

// storeOutcome records the committed entry for replay. Storage failures are
// logged, never surfaced: the mutation has already committed and must not be
// reported as failed.
func (s *Service) storeOutcome(ctx context.Context, userID uint64, operation, key string, entry *models.LedgerEntry) {
	if key == "" || entry == nil {
		return
	}
	if errStore := s.guard.Store(ctx, &userID, operation, key, key, entryIDs{EntryIDs: []uint64{entry.ID}}, 200); errStore != nil {
		log.WithError(errStore).WithFields(log.Fields{
			"operation": operation,
			"entry_id":  entry.ID,
		}).Warn("ledger: idempotency store failed after commit")
	}
}

// asEngineError passes structured errors through and wraps anything else.
func asEngineError(message string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	if errors.Is(err, idempotency.ErrKeyConflict) {
		return NewConflict(err.Error(), nil)
	}
	return NewServer(message, err)
}

// marshalMetadata encodes the caller's metadata bag, preserving nil.
func marshalMetadata(metadata map[string]any) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return datatypes.JSON(raw), nil
}

// suffixKey appends a suffix to a non-empty idempotency key.
func suffixKey(key, suffix string) string {
	if key == "" {
		return ""
	}
	return key + suffix
}
