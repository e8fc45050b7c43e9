package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/domain/store"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(store.Models()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	if !IsPostgres(db) {
		return nil
	}
	// The log is scanned by xid range every cycle.
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_transactions_xid_ts ON transactions (xid, "timestamp")`).Error; err != nil {
		return fmt.Errorf("create transactions index: %w", err)
	}
	return nil
}
