package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/inkfable/tokenledger/internal/db"
	"github.com/inkfable/tokenledger/internal/models"

	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open test db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate test db: %v", errMigrate)
	}
	return conn
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn := openTestDB(t)
	return NewService(conn, 30*24*time.Hour), conn
}

func TestCreditUpdatesBalanceAndLedger(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	entry, errCredit := svc.Credit(ctx, EntryParams{
		UserID:    1,
		TokenType: models.TokenRegular,
		Reason:    models.ReasonTokenPurchase,
		Amount:    250,
	})
	if errCredit != nil {
		t.Fatalf("credit: %v", errCredit)
	}
	if entry.BalanceAfterRegular != 250 || entry.BalanceAfterPromo != 0 {
		t.Fatalf("unexpected balances after credit: regular=%d promo=%d", entry.BalanceAfterRegular, entry.BalanceAfterPromo)
	}

	balance, errBalance := svc.GetBalance(ctx, 1)
	if errBalance != nil {
		t.Fatalf("get balance: %v", errBalance)
	}
	if balance.Regular != 250 || balance.Promo != 0 || balance.Total != 250 {
		t.Fatalf("unexpected balance: %+v", balance)
	}

	var outbox int64
	if errCount := conn.Model(&models.OutboxMessage{}).Count(&outbox).Error; errCount != nil {
		t.Fatalf("count outbox: %v", errCount)
	}
	if outbox != 1 {
		t.Fatalf("expected 1 staged event, got %d", outbox)
	}
}

func TestGetBalanceUnknownUserIsZero(t *testing.T) {
	svc, _ := newTestService(t)

	balance, errBalance := svc.GetBalance(context.Background(), 999)
	if errBalance != nil {
		t.Fatalf("get balance: %v", errBalance)
	}
	if balance.Regular != 0 || balance.Promo != 0 || balance.Total != 0 {
		t.Fatalf("expected zero balance, got %+v", balance)
	}
}

func TestDebitInsufficientBalanceWritesNothing(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	if _, errCredit := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenRegular, Reason: models.ReasonTokenPurchase, Amount: 10,
	}); errCredit != nil {
		t.Fatalf("credit: %v", errCredit)
	}

	_, errDebit := svc.Debit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenRegular, Reason: models.ReasonChapterGeneration, Amount: 100,
	})
	if KindOf(errDebit) != KindInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %v", errDebit)
	}
	engineErr, _ := AsError(errDebit)
	if engineErr.Detail("required") != int64(100) || engineErr.Detail("available") != int64(10) {
		t.Fatalf("unexpected error details: %+v", engineErr.Details)
	}

	var entries int64
	if errCount := conn.Model(&models.LedgerEntry{}).Where("direction = ?", models.DirectionDebit).Count(&entries).Error; errCount != nil {
		t.Fatalf("count entries: %v", errCount)
	}
	if entries != 0 {
		t.Fatalf("failed debit must not write entries, found %d", entries)
	}

	balance, _ := svc.GetBalance(ctx, 1)
	if balance.Regular != 10 {
		t.Fatalf("balance changed by failed debit: %+v", balance)
	}
}

func TestDebitDoesNotCrossPools(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenPromo, Reason: models.ReasonReferralBonus, Amount: 100,
	}); err != nil {
		t.Fatalf("credit promo: %v", err)
	}

	_, errDebit := svc.Debit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenRegular, Reason: models.ReasonChapterGeneration, Amount: 50,
	})
	if KindOf(errDebit) != KindInsufficientBalance {
		t.Fatalf("regular debit must not spend promo balance, got %v", errDebit)
	}
}

func TestAutoDeductSpendsPromoFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenRegular, Reason: models.ReasonTokenPurchase, Amount: 250,
	}); err != nil {
		t.Fatalf("credit regular: %v", err)
	}
	if _, err := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenPromo, Reason: models.ReasonReferralBonus, Amount: 10,
	}); err != nil {
		t.Fatalf("credit promo: %v", err)
	}

	entries, errDeduct := svc.AutoDeduct(ctx, AutoDeductParams{
		UserID: 1, Reason: models.ReasonChapterGeneration, Amount: 30,
	})
	if errDeduct != nil {
		t.Fatalf("auto deduct: %v", errDeduct)
	}
	if len(entries) != 2 {
		t.Fatalf("expected promo and regular legs, got %d entries", len(entries))
	}
	if entries[0].TokenType != models.TokenPromo || entries[0].Amount != 10 {
		t.Fatalf("first leg should spend all promo: %+v", entries[0])
	}
	if entries[1].TokenType != models.TokenRegular || entries[1].Amount != 20 {
		t.Fatalf("second leg should cover remainder: %+v", entries[1])
	}

	balance, _ := svc.GetBalance(ctx, 1)
	if balance.Promo != 0 || balance.Regular != 230 {
		t.Fatalf("unexpected balance after auto deduct: %+v", balance)
	}
}

func TestAutoDeductSingleLegWhenPromoCovers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenPromo, Reason: models.ReasonReferralBonus, Amount: 100,
	}); err != nil {
		t.Fatalf("credit promo: %v", err)
	}

	entries, errDeduct := svc.AutoDeduct(ctx, AutoDeductParams{
		UserID: 1, Reason: models.ReasonChapterGeneration, Amount: 40,
	})
	if errDeduct != nil {
		t.Fatalf("auto deduct: %v", errDeduct)
	}
	if len(entries) != 1 || entries[0].TokenType != models.TokenPromo || entries[0].Amount != 40 {
		t.Fatalf("expected single promo leg of 40, got %+v", entries)
	}
}

func TestAutoDeductInsufficientTotal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenPromo, Reason: models.ReasonReferralBonus, Amount: 10,
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, errDeduct := svc.AutoDeduct(ctx, AutoDeductParams{
		UserID: 1, Reason: models.ReasonChapterGeneration, Amount: 50,
	})
	if KindOf(errDeduct) != KindInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %v", errDeduct)
	}
}

func TestCreditIdempotentReplay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, errFirst := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenRegular, Reason: models.ReasonTokenPurchase,
		Amount: 100, IdempotencyKey: "order-42",
	})
	if errFirst != nil {
		t.Fatalf("first credit: %v", errFirst)
	}

	second, errSecond := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenRegular, Reason: models.ReasonTokenPurchase,
		Amount: 100, IdempotencyKey: "order-42",
	})
	if errSecond != nil {
		t.Fatalf("replayed credit: %v", errSecond)
	}
	if second.ID != first.ID {
		t.Fatalf("replay created a new entry: first=%d second=%d", first.ID, second.ID)
	}

	balance, _ := svc.GetBalance(ctx, 1)
	if balance.Regular != 100 {
		t.Fatalf("replay must not double-credit: %+v", balance)
	}
}

func TestAutoDeductIdempotentReplay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenRegular, Reason: models.ReasonTokenPurchase, Amount: 100,
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	first, errFirst := svc.AutoDeduct(ctx, AutoDeductParams{
		UserID: 1, Reason: models.ReasonChapterGeneration, Amount: 30, IdempotencyKey: "gen-7",
	})
	if errFirst != nil {
		t.Fatalf("first deduct: %v", errFirst)
	}
	second, errSecond := svc.AutoDeduct(ctx, AutoDeductParams{
		UserID: 1, Reason: models.ReasonChapterGeneration, Amount: 30, IdempotencyKey: "gen-7",
	})
	if errSecond != nil {
		t.Fatalf("replayed deduct: %v", errSecond)
	}
	if len(second) != len(first) || second[0].ID != first[0].ID {
		t.Fatalf("replay should return original entries")
	}

	balance, _ := svc.GetBalance(ctx, 1)
	if balance.Regular != 70 {
		t.Fatalf("replay must not double-debit: %+v", balance)
	}
}

func TestRegistrationBonusGrantedOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenPromo, Reason: models.ReasonRegistrationBonus, Amount: 50,
	}); err != nil {
		t.Fatalf("first bonus: %v", err)
	}

	_, errSecond := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenPromo, Reason: models.ReasonRegistrationBonus, Amount: 50,
	})
	if KindOf(errSecond) != KindConflict {
		t.Fatalf("expected conflict on second bonus, got %v", errSecond)
	}
}

func TestPromoCreditSchedulesExpiry(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	entry, errCredit := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenPromo, Reason: models.ReasonReferralBonus, Amount: 100,
	})
	if errCredit != nil {
		t.Fatalf("credit: %v", errCredit)
	}

	var schedule models.ExpirySchedule
	if errFind := conn.Where("source_ledger_id = ?", entry.ID).First(&schedule).Error; errFind != nil {
		t.Fatalf("load schedule: %v", errFind)
	}
	if schedule.AmountInitial != 100 || schedule.AmountRemaining != 100 {
		t.Fatalf("unexpected schedule amounts: %+v", schedule)
	}
	if schedule.Status != models.ExpiryStatusScheduled {
		t.Fatalf("unexpected schedule status: %s", schedule.Status)
	}
	wantExpiry := entry.OccurredAt.Add(30 * 24 * time.Hour)
	if schedule.ExpiryAt.Sub(wantExpiry) > time.Second || wantExpiry.Sub(schedule.ExpiryAt) > time.Second {
		t.Fatalf("unexpected expiry time: got %v want %v", schedule.ExpiryAt, wantExpiry)
	}

	if _, err := svc.Credit(ctx, EntryParams{
		UserID: 1, TokenType: models.TokenRegular, Reason: models.ReasonTokenPurchase, Amount: 100,
	}); err != nil {
		t.Fatalf("regular credit: %v", err)
	}
	var schedules int64
	if errCount := conn.Model(&models.ExpirySchedule{}).Count(&schedules).Error; errCount != nil {
		t.Fatalf("count schedules: %v", errCount)
	}
	if schedules != 1 {
		t.Fatalf("regular credits must not schedule expiry, found %d schedules", schedules)
	}
}

func TestValidationErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		p    EntryParams
	}{
		{"zero amount", EntryParams{UserID: 1, TokenType: models.TokenRegular, Reason: models.ReasonTokenPurchase, Amount: 0}},
		{"negative amount", EntryParams{UserID: 1, TokenType: models.TokenRegular, Reason: models.ReasonTokenPurchase, Amount: -5}},
		{"bad token type", EntryParams{UserID: 1, TokenType: "gold", Reason: models.ReasonTokenPurchase, Amount: 10}},
		{"bad reason", EntryParams{UserID: 1, TokenType: models.TokenRegular, Reason: "gift", Amount: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Credit(ctx, tc.p); KindOf(err) != KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestListEntriesNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Credit(ctx, EntryParams{
			UserID: 1, TokenType: models.TokenRegular, Reason: models.ReasonTokenPurchase, Amount: int64(10 + i),
		}); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}

	entries, total, errList := svc.ListEntries(ctx, 1, 1, 2)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries on page, got %d", len(entries))
	}
	if entries[0].ID < entries[1].ID {
		t.Fatalf("entries not newest first: %d before %d", entries[0].ID, entries[1].ID)
	}
}

func TestBalanceAfterFieldsAreConsistent(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	steps := []EntryParams{
		{UserID: 1, TokenType: models.TokenRegular, Reason: models.ReasonTokenPurchase, Amount: 250},
		{UserID: 1, TokenType: models.TokenPromo, Reason: models.ReasonReferralBonus, Amount: 10},
	}
	for _, p := range steps {
		if _, err := svc.Credit(ctx, p); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	if _, err := svc.AutoDeduct(ctx, AutoDeductParams{
		UserID: 1, Reason: models.ReasonChapterGeneration, Amount: 30,
	}); err != nil {
		t.Fatalf("auto deduct: %v", err)
	}

	// Replaying the log must land on the projected balance.
	var entries []models.LedgerEntry
	if errFind := conn.Where("user_id = ?", 1).Order("id ASC").Find(&entries).Error; errFind != nil {
		t.Fatalf("load entries: %v", errFind)
	}
	var regular, promoPool int64
	for _, entry := range entries {
		delta := entry.SignedAmount()
		if entry.TokenType == models.TokenPromo {
			promoPool += delta
		} else {
			regular += delta
		}
		if entry.BalanceAfterRegular != regular || entry.BalanceAfterPromo != promoPool {
			t.Fatalf("entry %d balance-after mismatch: recorded (%d,%d) replayed (%d,%d)",
				entry.ID, entry.BalanceAfterRegular, entry.BalanceAfterPromo, regular, promoPool)
		}
	}

	balance, _ := svc.GetBalance(ctx, 1)
	if balance.Regular != regular || balance.Promo != promoPool {
		t.Fatalf("projection diverged from log: projection %+v, log (%d,%d)", balance, regular, promoPool)
	}
}
