package snapshot

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Embedded hands out snapshots for databases without snapshot export, such
// as the sqlite store used in local mode. Xmin is one past the newest logged
// transaction and workers read the latest committed state.
type Embedded struct {
	db *gorm.DB
}

func NewEmbedded(gdb *gorm.DB) *Embedded {
	return &Embedded{db: gdb}
}

func (e *Embedded) Acquire(ctx context.Context, mode Mode) (*Snapshot, error) {
	var xmin int64
	if err := e.db.WithContext(ctx).Raw("SELECT COALESCE(MAX(xid), 0) + 1 FROM transactions").Scan(&xmin).Error; err != nil {
		return nil, fmt.Errorf("next xmin: %w", err)
	}
	return Static(xmin, "", mode == Recovery), nil
}
