package db

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/platform/dbctx"
)

// TxRunner runs write transactions and retries them when PostgreSQL aborts
// one with a serialization, deadlock or connectivity failure.
type TxRunner struct {
	db       *gorm.DB
	attempts int
	backoff  time.Duration
}

func NewTxRunner(db *gorm.DB, attempts int, backoff time.Duration) *TxRunner {
	if attempts <= 0 {
		attempts = 3
	}
	return &TxRunner{db: db, attempts: attempts, backoff: backoff}
}

// InTx runs fn inside a transaction. When dbc already carries one, fn runs
// in a savepoint of it and is not retried; the outer owner decides.
func (r *TxRunner) InTx(dbc dbctx.Context, fn func(dbc dbctx.Context) error) error {
	if dbc.Tx != nil {
		return dbc.Conn(r.db).Transaction(func(tx *gorm.DB) error {
			return fn(dbc.WithTx(tx))
		})
	}
	ctx := dbc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	for attempt := 1; ; attempt++ {
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(dbc.WithTx(tx))
		})
		if err == nil || attempt >= r.attempts || !IsTransient(err) || ctx.Err() != nil {
			return err
		}
		t := time.NewTimer(r.backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
