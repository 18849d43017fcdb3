package db

import (
	"fmt"

	"github.com/inkfable/tokenledger/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates all tables the engine depends on.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.LedgerEntry{},
		&models.BalanceSnapshot{},
		&models.Authorization{},
		&models.ExpirySchedule{},
		&models.IdempotencyRecord{},
		&models.OutboxMessage{},
	)
}
