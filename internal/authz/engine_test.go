package authz

import (
	"context"
	"testing"
	"time"

	"github.com/inkfable/tokenledger/internal/db"
	"github.com/inkfable/tokenledger/internal/ledger"
	"github.com/inkfable/tokenledger/internal/models"
	"github.com/inkfable/tokenledger/internal/pricebook"

	"gorm.io/gorm"
)

func newTestEngine(t *testing.T) (*Engine, *ledger.Service, *gorm.DB) {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open test db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate test db: %v", errMigrate)
	}
	prices, errPrices := pricebook.NewStatic([]pricebook.Entry{
		{Feature: "chapter_generation", UnitCost: 10, Reason: models.ReasonChapterGeneration},
	})
	if errPrices != nil {
		t.Fatalf("pricebook: %v", errPrices)
	}
	ledgerSvc := ledger.NewService(conn, 30*24*time.Hour)
	return NewEngine(conn, ledgerSvc, prices, 10*time.Minute), ledgerSvc, conn
}

func fund(t *testing.T, ledgerSvc *ledger.Service, userID uint64, tokenType models.TokenType, amount int64) {
	t.Helper()
	reason := models.ReasonTokenPurchase
	if tokenType == models.TokenPromo {
		reason = models.ReasonReferralBonus
	}
	if _, err := ledgerSvc.Credit(context.Background(), ledger.EntryParams{
		UserID: userID, TokenType: tokenType, Reason: reason, Amount: amount,
	}); err != nil {
		t.Fatalf("fund user %d: %v", userID, err)
	}
}

func TestCreateAuthorizationHoldsWithoutDebiting(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, models.TokenRegular, 250)

	result, errCreate := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	if errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	auth := result.Authorization
	if auth.Status != models.AuthStatusHeld {
		t.Fatalf("expected held, got %s", auth.Status)
	}
	if auth.Amount != 10 {
		t.Fatalf("expected priced amount 10, got %d", auth.Amount)
	}
	if result.BalancePreview.Total != 250 {
		t.Fatalf("hold must not move balance, preview %+v", result.BalancePreview)
	}

	balance, _ := ledgerSvc.GetBalance(ctx, 1)
	if balance.Total != 250 {
		t.Fatalf("hold debited the ledger: %+v", balance)
	}
}

func TestCreateAuthorizationUnknownFeature(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, errCreate := engine.CreateAuthorization(context.Background(), CreateParams{
		UserID: 1, Feature: "cover_art", ResourceKey: "c-1",
	})
	if ledger.KindOf(errCreate) != ledger.KindValidation {
		t.Fatalf("expected validation error, got %v", errCreate)
	}
}

func TestCreateAuthorizationInsufficientBalance(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	fund(t, ledgerSvc, 1, models.TokenRegular, 5)

	_, errCreate := engine.CreateAuthorization(context.Background(), CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	if ledger.KindOf(errCreate) != ledger.KindInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %v", errCreate)
	}
}

func TestCreateAuthorizationReturnsExistingActiveHold(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, models.TokenRegular, 100)

	first, errFirst := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	if errFirst != nil {
		t.Fatalf("first create: %v", errFirst)
	}
	second, errSecond := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	if errSecond != nil {
		t.Fatalf("second create: %v", errSecond)
	}
	if second.Authorization.ID != first.Authorization.ID {
		t.Fatalf("expected existing hold back, got new ID %s", second.Authorization.ID)
	}
}

func TestCaptureDebitsRegularPool(t *testing.T) {
	engine, ledgerSvc, conn := newTestEngine(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, models.TokenRegular, 250)
	fund(t, ledgerSvc, 1, models.TokenPromo, 4)

	result, errCreate := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	if errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}

	captured, errCapture := engine.CaptureAuthorization(ctx, CaptureParams{
		AuthorizationID: result.Authorization.ID,
		ResultID:        "chapter-result-1",
		UpstreamStatus:  "succeeded",
	})
	if errCapture != nil {
		t.Fatalf("capture: %v", errCapture)
	}
	if captured.Status != models.AuthStatusCaptured {
		t.Fatalf("expected captured, got %s", captured.Status)
	}
	if captured.CapturedTransactionID == nil {
		t.Fatal("captured transaction id not recorded")
	}

	// The reserved amount comes out of the regular pool; promo is untouched.
	balance, _ := ledgerSvc.GetBalance(ctx, 1)
	if balance.Regular != 240 || balance.Promo != 4 {
		t.Fatalf("expected regular debit (240, 4), got %+v", balance)
	}

	var entry models.LedgerEntry
	if errFind := conn.First(&entry, "id = ?", *captured.CapturedTransactionID).Error; errFind != nil {
		t.Fatalf("load debit entry: %v", errFind)
	}
	if entry.ReferenceID != "chapter-result-1" {
		t.Fatalf("result id not recorded on debit: %q", entry.ReferenceID)
	}
}

func TestCreateAuthorizationIgnoresPromoForAffordability(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	fund(t, ledgerSvc, 1, models.TokenPromo, 100)

	// Holds settle against the regular pool, so promo alone cannot back one.
	_, errCreate := engine.CreateAuthorization(context.Background(), CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	if ledger.KindOf(errCreate) != ledger.KindInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %v", errCreate)
	}
}

func TestCaptureIsIdempotent(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, models.TokenRegular, 100)

	result, _ := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	first, errFirst := engine.CaptureAuthorization(ctx, CaptureParams{AuthorizationID: result.Authorization.ID})
	if errFirst != nil {
		t.Fatalf("first capture: %v", errFirst)
	}
	second, errSecond := engine.CaptureAuthorization(ctx, CaptureParams{AuthorizationID: result.Authorization.ID})
	if errSecond != nil {
		t.Fatalf("second capture: %v", errSecond)
	}
	if *second.CapturedTransactionID != *first.CapturedTransactionID {
		t.Fatal("replayed capture produced a different transaction")
	}

	balance, _ := ledgerSvc.GetBalance(ctx, 1)
	if balance.Regular != 90 {
		t.Fatalf("capture replay double-debited: %+v", balance)
	}
}

func TestCaptureUnknownAuthorization(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, errCapture := engine.CaptureAuthorization(context.Background(), CaptureParams{AuthorizationID: "missing"})
	if ledger.KindOf(errCapture) != ledger.KindNotFound {
		t.Fatalf("expected not found, got %v", errCapture)
	}
}

func TestCaptureAfterTTLExpiresHold(t *testing.T) {
	engine, ledgerSvc, conn := newTestEngine(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, models.TokenRegular, 100)

	result, _ := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	stale := time.Now().UTC().Add(-time.Minute)
	if errBackdate := conn.Model(&models.Authorization{}).
		Where("id = ?", result.Authorization.ID).
		Update("hold_expires_at", stale).Error; errBackdate != nil {
		t.Fatalf("backdate hold: %v", errBackdate)
	}

	_, errCapture := engine.CaptureAuthorization(ctx, CaptureParams{AuthorizationID: result.Authorization.ID})
	if ledger.KindOf(errCapture) != ledger.KindConflict {
		t.Fatalf("expected conflict on expired hold, got %v", errCapture)
	}

	// The expired transition must survive the failed capture's rollback.
	var reloaded models.Authorization
	if errFind := conn.First(&reloaded, "id = ?", result.Authorization.ID).Error; errFind != nil {
		t.Fatalf("reload: %v", errFind)
	}
	if reloaded.Status != models.AuthStatusExpired {
		t.Fatalf("stale hold should persist as expired, got %s", reloaded.Status)
	}

	// With the state persisted, a retry hits the expired branch directly.
	_, errRetry := engine.CaptureAuthorization(ctx, CaptureParams{AuthorizationID: result.Authorization.ID})
	if ledger.KindOf(errRetry) != ledger.KindConflict {
		t.Fatalf("expected conflict on retry, got %v", errRetry)
	}

	balance, _ := ledgerSvc.GetBalance(ctx, 1)
	if balance.Regular != 100 {
		t.Fatalf("expired capture must not debit: %+v", balance)
	}
}

func TestVoidHeldAuthorization(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, models.TokenRegular, 100)

	result, _ := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	voided, refunded, errVoid := engine.VoidAuthorization(ctx, VoidParams{
		AuthorizationID: result.Authorization.ID,
		UpstreamStatus:  "failed",
		FailureCode:     "upstream_timeout",
		FailureMessage:  "generation timed out",
	})
	if errVoid != nil {
		t.Fatalf("void: %v", errVoid)
	}
	if voided.Status != models.AuthStatusVoided {
		t.Fatalf("expected voided, got %s", voided.Status)
	}
	if voided.FailureCode != "upstream_timeout" {
		t.Fatalf("failure code not recorded: %+v", voided)
	}
	if voided.UpstreamStatus != "failed" {
		t.Fatalf("upstream status not recorded: %+v", voided)
	}

	reloaded, errGet := engine.GetAuthorization(ctx, result.Authorization.ID)
	if errGet != nil {
		t.Fatalf("reload: %v", errGet)
	}
	if reloaded.UpstreamStatus != "failed" {
		t.Fatalf("upstream status not persisted: %+v", reloaded)
	}
	if refunded != 0 || voided.VoidedTransactionID != nil {
		t.Fatal("voiding a held authorization must not write a refund")
	}

	balance, _ := ledgerSvc.GetBalance(ctx, 1)
	if balance.Regular != 100 {
		t.Fatalf("void of held authorization changed balance: %+v", balance)
	}
}

func TestCaptureThenVoidNetsToZero(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, models.TokenRegular, 100)

	result, _ := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	if _, err := engine.CaptureAuthorization(ctx, CaptureParams{AuthorizationID: result.Authorization.ID}); err != nil {
		t.Fatalf("capture: %v", err)
	}

	voided, refunded, errVoid := engine.VoidAuthorization(ctx, VoidParams{
		AuthorizationID: result.Authorization.ID, FailureCode: "generation_failed",
	})
	if errVoid != nil {
		t.Fatalf("void: %v", errVoid)
	}
	if refunded != 10 {
		t.Fatalf("expected refund of 10, got %d", refunded)
	}
	if voided.VoidedTransactionID == nil {
		t.Fatal("post-capture void must record the refund transaction")
	}

	balance, _ := ledgerSvc.GetBalance(ctx, 1)
	if balance.Total != 100 {
		t.Fatalf("capture then void should net to zero: %+v", balance)
	}
}

func TestVoidIsIdempotent(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, models.TokenRegular, 100)

	result, _ := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	if _, err := engine.CaptureAuthorization(ctx, CaptureParams{AuthorizationID: result.Authorization.ID}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, refunded, err := engine.VoidAuthorization(ctx, VoidParams{AuthorizationID: result.Authorization.ID}); err != nil {
		t.Fatalf("first void: %v", err)
	} else if refunded != 10 {
		t.Fatalf("first void should refund 10, got %d", refunded)
	}
	if _, refunded, err := engine.VoidAuthorization(ctx, VoidParams{AuthorizationID: result.Authorization.ID}); err != nil {
		t.Fatalf("second void: %v", err)
	} else if refunded != 0 {
		t.Fatalf("replayed void must refund nothing, got %d", refunded)
	}

	balance, _ := ledgerSvc.GetBalance(ctx, 1)
	if balance.Total != 100 {
		t.Fatalf("double void double-refunded: %+v", balance)
	}
}

func TestVoidExpiredAuthorizationConflicts(t *testing.T) {
	engine, ledgerSvc, conn := newTestEngine(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, models.TokenRegular, 100)

	result, _ := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	if errForce := conn.Model(&models.Authorization{}).
		Where("id = ?", result.Authorization.ID).
		Update("status", models.AuthStatusExpired).Error; errForce != nil {
		t.Fatalf("force expire: %v", errForce)
	}

	_, _, errVoid := engine.VoidAuthorization(ctx, VoidParams{AuthorizationID: result.Authorization.ID})
	if ledger.KindOf(errVoid) != ledger.KindConflict {
		t.Fatalf("expected conflict, got %v", errVoid)
	}
}

func TestExpireOldAuthorizations(t *testing.T) {
	engine, ledgerSvc, conn := newTestEngine(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, models.TokenRegular, 100)

	stale, _ := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-1",
	})
	fresh, _ := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-2",
	})
	if errBackdate := conn.Model(&models.Authorization{}).
		Where("id = ?", stale.Authorization.ID).
		Update("hold_expires_at", time.Now().UTC().Add(-time.Hour)).Error; errBackdate != nil {
		t.Fatalf("backdate: %v", errBackdate)
	}

	count, errSweep := engine.ExpireOldAuthorizations(ctx, time.Now().UTC())
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired, got %d", count)
	}

	staleReloaded, _ := engine.GetAuthorization(ctx, stale.Authorization.ID)
	if staleReloaded.Status != models.AuthStatusExpired {
		t.Fatalf("stale hold not expired: %s", staleReloaded.Status)
	}
	freshReloaded, _ := engine.GetAuthorization(ctx, fresh.Authorization.ID)
	if freshReloaded.Status != models.AuthStatusHeld {
		t.Fatalf("fresh hold should stay held: %s", freshReloaded.Status)
	}
}

func TestDeductTokensChargesImmediately(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, models.TokenPromo, 4)
	fund(t, ledgerSvc, 1, models.TokenRegular, 50)

	entries, errDeduct := engine.DeductTokens(ctx, DeductParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-9",
	})
	if errDeduct != nil {
		t.Fatalf("deduct: %v", errDeduct)
	}
	if len(entries) != 2 {
		t.Fatalf("expected promo and regular legs, got %d", len(entries))
	}

	// The derived key makes a retry a replay.
	replay, errReplay := engine.DeductTokens(ctx, DeductParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "chapter-9",
	})
	if errReplay != nil {
		t.Fatalf("replay: %v", errReplay)
	}
	if replay[0].ID != entries[0].ID {
		t.Fatal("replay created new entries")
	}

	balance, _ := ledgerSvc.GetBalance(ctx, 1)
	if balance.Total != 44 {
		t.Fatalf("expected total 44 after single charge, got %+v", balance)
	}
}

func TestUnitsMultiplyCost(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, ledgerSvc, 1, models.TokenRegular, 100)

	result, errCreate := engine.CreateAuthorization(ctx, CreateParams{
		UserID: 1, Feature: "chapter_generation", ResourceKey: "batch-1", Units: 3,
	})
	if errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	if result.Authorization.Amount != 30 {
		t.Fatalf("expected 3 units x 10 = 30, got %d", result.Authorization.Amount)
	}
}
