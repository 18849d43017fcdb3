package models

import "time"

// BalanceSnapshot is the per-user cached balance projection. It is derived
// from the ledger and written in the same transaction as the entry that
// changed it; it is never authoritative on its own. A missing row means
// zero balances.
type BalanceSnapshot struct {
	UserID uint64 `gorm:"primaryKey"` // Owning user.

	RegularBalance int64 `gorm:"not null;default:0"` // Current regular pool.
	PromoBalance   int64 `gorm:"not null;default:0"` // Current promo pool.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last projection write.
}

// TableName overrides the default table name.
func (BalanceSnapshot) TableName() string {
	return "balance_snapshots"
}

// Total returns the combined spendable balance.
func (s *BalanceSnapshot) Total() int64 {
	return s.RegularBalance + s.PromoBalance
}

// Pool returns the balance for one token type.
func (s *BalanceSnapshot) Pool(t TokenType) int64 {
	if t == TokenPromo {
		return s.PromoBalance
	}
	return s.RegularBalance
}
