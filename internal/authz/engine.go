// Package authz runs the hold → capture/void authorization state machine for
// metered features. A hold reserves intent without moving balance; only
// capture debits the ledger, and void after capture refunds it.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/inkfable/tokenledger/internal/ledger"
	"github.com/inkfable/tokenledger/internal/models"
	"github.com/inkfable/tokenledger/internal/pricebook"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultHoldTTL bounds how long a hold stays capturable.
const DefaultHoldTTL = 10 * time.Minute

// Engine coordinates authorizations against the ledger and pricebook.
type Engine struct {
	db      *gorm.DB
	ledger  *ledger.Service
	prices  pricebook.Lookup
	holdTTL time.Duration
}

// NewEngine constructs an Engine. A non-positive holdTTL falls back to
// DefaultHoldTTL.
func NewEngine(db *gorm.DB, ledgerSvc *ledger.Service, prices pricebook.Lookup, holdTTL time.Duration) *Engine {
	if holdTTL <= 0 {
		holdTTL = DefaultHoldTTL
	}
	return &Engine{db: db, ledger: ledgerSvc, prices: prices, holdTTL: holdTTL}
}

// CreateParams describes a hold request.
type CreateParams struct {
	UserID         uint64
	Feature        string
	ResourceKey    string
	Units          int64
	Metadata       map[string]any
	IdempotencyKey string
}

// CaptureParams describes a capture request. ResultID identifies the
// completed unit of work and is recorded on the debit entry.
type CaptureParams struct {
	AuthorizationID string
	ResultID        string
	UpstreamStatus  string
}

// VoidParams describes a void request.
type VoidParams struct {
	AuthorizationID string
	UpstreamStatus  string
	FailureCode     string
	FailureMessage  string
}

// DeductParams describes a direct charge that skips the hold phase.
type DeductParams struct {
	UserID         uint64
	Feature        string
	ResourceKey    string
	Units          int64
	Metadata       map[string]any
	IdempotencyKey string
}

// Result pairs an authorization with the balance the caller saw when the
// hold was granted. The preview is informational: holds do not move balance,
// so concurrent spends can still make a later capture fail.
type Result struct {
	Authorization  *models.Authorization
	BalancePreview *ledger.Balance
}

// CreateAuthorization prices the request, checks affordability, and records
// a held reservation. An existing active hold for the same user, feature,
// and resource key is returned instead of creating a second one.
func (e *Engine) CreateAuthorization(ctx context.Context, p CreateParams) (*Result, error) {
	price, amount, errPrice := e.price(p.Feature, p.Units)
	if errPrice != nil {
		return nil, errPrice
	}
	if p.ResourceKey == "" {
		return nil, ledger.NewValidation("resource key is required")
	}

	if existing, errFind := e.findActive(ctx, p.UserID, p.Feature, p.ResourceKey); errFind != nil {
		return nil, errFind
	} else if existing != nil {
		balance, errBalance := e.ledger.GetBalance(ctx, p.UserID)
		if errBalance != nil {
			return nil, errBalance
		}
		return &Result{Authorization: existing, BalancePreview: balance}, nil
	}

	// Affordability is checked against the regular pool without a lock.
	// Two racing holds can both pass; capture re-checks under FOR UPDATE
	// and only one debit wins.
	balance, errBalance := e.ledger.GetBalance(ctx, p.UserID)
	if errBalance != nil {
		return nil, errBalance
	}
	if balance.Regular < amount {
		return nil, ledger.NewInsufficientBalance(amount, balance.Regular)
	}

	metadata, errMeta := marshalMetadata(p.Metadata)
	if errMeta != nil {
		return nil, ledger.NewValidation("metadata not serializable: %v", errMeta)
	}

	auth := &models.Authorization{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		Feature:        p.Feature,
		ResourceKey:    p.ResourceKey,
		Amount:         amount,
		Status:         models.AuthStatusHeld,
		HoldExpiresAt:  time.Now().UTC().Add(e.holdTTL),
		Metadata:       metadata,
		IdempotencyKey: p.IdempotencyKey,
	}
	if errCreate := e.db.WithContext(ctx).Create(auth).Error; errCreate != nil {
		return nil, ledger.NewServer("create authorization", errCreate)
	}

	log.WithFields(log.Fields{
		"authorization_id": auth.ID,
		"user_id":          p.UserID,
		"feature":          p.Feature,
		"amount":           amount,
		"reason":           price.Reason,
	}).Info("authorization held")
	return &Result{Authorization: auth, BalancePreview: balance}, nil
}

// GetAuthorization loads one authorization by ID.
func (e *Engine) GetAuthorization(ctx context.Context, id string) (*models.Authorization, error) {
	var auth models.Authorization
	errFind := e.db.WithContext(ctx).Where("id = ?", id).First(&auth).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ledger.NewNotFound("authorization %s not found", id)
		}
		return nil, ledger.NewServer("load authorization", errFind)
	}
	return &auth, nil
}

// CaptureAuthorization settles a held reservation: the reserved amount is
// debited from the regular pool and the state change commits with the
// debit. Capturing an already captured authorization replays the original
// outcome without a second debit.
func (e *Engine) CaptureAuthorization(ctx context.Context, p CaptureParams) (*models.Authorization, error) {
	var (
		captured *models.Authorization
		lapsed   *models.Authorization
	)
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auth, errLock := lockAuthorization(ctx, tx, p.AuthorizationID)
		if errLock != nil {
			return errLock
		}

		switch auth.Status {
		case models.AuthStatusCaptured:
			captured = auth
			return nil
		case models.AuthStatusHeld, models.AuthStatusCreated:
			// proceed
		case models.AuthStatusExpired:
			return ledger.NewConflict("authorization hold has expired", expiryDetail(auth))
		default:
			return ledger.NewConflict("authorization is not capturable", stateDetail(auth))
		}

		now := time.Now().UTC()
		if auth.HoldExpiresAt.Before(now) {
			// Returning an error rolls the transaction back, so the expired
			// transition is persisted separately below.
			lapsed = auth
			return errHoldLapsed
		}

		price, ok := e.prices.Price(auth.Feature)
		if !ok {
			return ledger.NewValidation("feature %q is no longer priced", auth.Feature)
		}

		reference := p.ResultID
		if reference == "" {
			reference = auth.ID
		}
		entry, errDebit := e.ledger.DebitTx(ctx, tx, ledger.EntryParams{
			UserID:         auth.UserID,
			TokenType:      models.TokenRegular,
			Reason:         price.Reason,
			Amount:         auth.Amount,
			ReferenceID:    reference,
			IdempotencyKey: "capture:" + auth.ID,
		})
		if errDebit != nil {
			return errDebit
		}

		auth.Status = models.AuthStatusCaptured
		auth.CapturedTransactionID = &entry.ID
		auth.UpstreamStatus = p.UpstreamStatus
		auth.UpdatedAt = now
		if errSave := tx.Model(auth).Updates(map[string]any{
			"status":                  auth.Status,
			"captured_transaction_id": entry.ID,
			"upstream_status":         auth.UpstreamStatus,
			"updated_at":              now,
		}).Error; errSave != nil {
			return ledger.NewServer("mark authorization captured", errSave)
		}
		captured = auth
		return nil
	})
	if errors.Is(errTx, errHoldLapsed) {
		if errExpire := e.expireLapsedHold(ctx, lapsed.ID); errExpire != nil {
			return nil, errExpire
		}
		lapsed.Status = models.AuthStatusExpired
		return nil, ledger.NewConflict("authorization hold has expired", expiryDetail(lapsed))
	}
	if errTx != nil {
		return nil, wrapEngineError("capture failed", errTx)
	}
	return captured, nil
}

// errHoldLapsed aborts the capture transaction when the TTL has lapsed; the
// expired transition then commits on its own.
var errHoldLapsed = errors.New("authorization hold lapsed")

// expireLapsedHold persists the held → expired transition in its own
// transaction. The status guard keeps a racing capture or sweep safe.
func (e *Engine) expireLapsedHold(ctx context.Context, id string) error {
	errExpire := e.db.WithContext(ctx).
		Model(&models.Authorization{}).
		Where("id = ? AND status = ?", id, models.AuthStatusHeld).
		Updates(map[string]any{
			"status":     models.AuthStatusExpired,
			"updated_at": time.Now().UTC(),
		}).Error
	if errExpire != nil {
		return ledger.NewServer("expire stale hold", errExpire)
	}
	return nil
}

// VoidAuthorization cancels a reservation and reports how many tokens the
// call refunded. Voiding a held authorization is free; voiding a captured
// one writes a compensating credit to the regular pool. Voiding twice is a
// zero-refund replay; voiding an expired hold is a conflict because expiry
// already released it.
func (e *Engine) VoidAuthorization(ctx context.Context, p VoidParams) (*models.Authorization, int64, error) {
	var voided *models.Authorization
	var refunded int64
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auth, errLock := lockAuthorization(ctx, tx, p.AuthorizationID)
		if errLock != nil {
			return errLock
		}

		switch auth.Status {
		case models.AuthStatusVoided:
			voided = auth
			return nil
		case models.AuthStatusExpired:
			return ledger.NewConflict("authorization already expired", expiryDetail(auth))
		case models.AuthStatusHeld, models.AuthStatusCreated, models.AuthStatusCaptured:
			// proceed
		default:
			return ledger.NewConflict("authorization is not voidable", stateDetail(auth))
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"status":          models.AuthStatusVoided,
			"failure_code":    p.FailureCode,
			"failure_message": p.FailureMessage,
			"updated_at":      now,
		}
		if p.UpstreamStatus != "" {
			updates["upstream_status"] = p.UpstreamStatus
		}

		if auth.Status == models.AuthStatusCaptured {
			// Refunds land in the regular pool regardless of which pools
			// the capture spent, so decayed promo tokens are not revived.
			refund, errCredit := e.ledger.CreditTx(ctx, tx, ledger.EntryParams{
				UserID:         auth.UserID,
				TokenType:      models.TokenRegular,
				Reason:         models.ReasonRefundGenerationFailure,
				Amount:         auth.Amount,
				ReferenceID:    auth.ID,
				IdempotencyKey: "void:" + auth.ID,
			})
			if errCredit != nil {
				return errCredit
			}
			updates["voided_transaction_id"] = refund.ID
			auth.VoidedTransactionID = &refund.ID
			refunded = auth.Amount
		}

		if errSave := tx.Model(auth).Updates(updates).Error; errSave != nil {
			return ledger.NewServer("mark authorization voided", errSave)
		}
		auth.Status = models.AuthStatusVoided
		if p.UpstreamStatus != "" {
			auth.UpstreamStatus = p.UpstreamStatus
		}
		auth.FailureCode = p.FailureCode
		auth.FailureMessage = p.FailureMessage
		auth.UpdatedAt = now
		voided = auth
		return nil
	})
	if errTx != nil {
		return nil, 0, wrapEngineError("void failed", errTx)
	}
	return voided, refunded, nil
}

// DeductTokens charges a feature immediately, without the hold phase, for
// callers that complete their work synchronously.
func (e *Engine) DeductTokens(ctx context.Context, p DeductParams) ([]*models.LedgerEntry, error) {
	price, amount, errPrice := e.price(p.Feature, p.Units)
	if errPrice != nil {
		return nil, errPrice
	}
	key := p.IdempotencyKey
	if key == "" && p.ResourceKey != "" {
		key = "deduct:" + p.Feature + ":" + p.ResourceKey
	}
	return e.ledger.AutoDeduct(ctx, ledger.AutoDeductParams{
		UserID:         p.UserID,
		Reason:         price.Reason,
		Amount:         amount,
		ReferenceID:    p.ResourceKey,
		Metadata:       p.Metadata,
		IdempotencyKey: key,
	})
}

// ExpireOldAuthorizations transitions every held authorization whose TTL
// lapsed before now. The update is a single compare-and-set sweep; a capture
// racing the sweep loses or wins atomically per row.
func (e *Engine) ExpireOldAuthorizations(ctx context.Context, now time.Time) (int64, error) {
	result := e.db.WithContext(ctx).
		Model(&models.Authorization{}).
		Where("status = ? AND hold_expires_at < ?", models.AuthStatusHeld, now).
		Updates(map[string]any{
			"status":     models.AuthStatusExpired,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, ledger.NewServer("expire authorizations", result.Error)
	}
	if result.RowsAffected > 0 {
		log.WithField("count", result.RowsAffected).Info("expired stale authorization holds")
	}
	return result.RowsAffected, nil
}

// price resolves the feature and multiplies out the charge. Units default
// to one.
func (e *Engine) price(feature string, units int64) (pricebook.Entry, int64, error) {
	entry, ok := e.prices.Price(feature)
	if !ok {
		return pricebook.Entry{}, 0, ledger.NewValidation("unknown feature %q", feature)
	}
	if units < 0 {
		return pricebook.Entry{}, 0, ledger.NewValidation("units must not be negative, got %d", units)
	}
	if units == 0 {
		units = 1
	}
	return entry, entry.UnitCost * units, nil
}

// findActive returns the newest active authorization for the natural triple.
func (e *Engine) findActive(ctx context.Context, userID uint64, feature, resourceKey string) (*models.Authorization, error) {
	var auth models.Authorization
	errFind := e.db.WithContext(ctx).
		Where("user_id = ? AND feature = ? AND resource_key = ? AND status IN ?",
			userID, feature, resourceKey,
			[]models.AuthorizationStatus{models.AuthStatusCreated, models.AuthStatusHeld}).
		Order("created_at DESC").
		First(&auth).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, ledger.NewServer("find active authorization", errFind)
	}
	return &auth, nil
}

// lockAuthorization loads one authorization under FOR UPDATE.
func lockAuthorization(ctx context.Context, tx *gorm.DB, id string) (*models.Authorization, error) {
	var auth models.Authorization
	errFind := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&auth).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ledger.NewNotFound("authorization %s not found", id)
		}
		return nil, ledger.NewServer("lock authorization", errFind)
	}
	return &auth, nil
}

// stateDetail carries the blocking state in the error details.
func stateDetail(auth *models.Authorization) map[string]any {
	return map[string]any{
		"authorization_id": auth.ID,
		"status":           string(auth.Status),
	}
}

// expiryDetail adds the lapsed deadline to the blocking-state details.
func expiryDetail(auth *models.Authorization) map[string]any {
	detail := stateDetail(auth)
	detail["hold_expires_at"] = auth.HoldExpiresAt.UTC().Format(time.RFC3339)
	return detail
}

// wrapEngineError passes structured errors through and wraps anything else.
func wrapEngineError(message string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := ledger.AsError(err); ok {
		return err
	}
	return ledger.NewServer(message, err)
}

// marshalMetadata encodes the caller's metadata bag, preserving nil.
func marshalMetadata(metadata map[string]any) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
