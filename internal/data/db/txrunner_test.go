package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/platform/dbctx"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := Open(Options{DSN: "file:" + t.Name() + "?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

func TestTxRunnerRetriesSerializationFailure(t *testing.T) {
	r := NewTxRunner(openSQLite(t), 3, 0)
	calls := 0
	err := r.InTx(dbctx.New(context.Background()), func(dbc dbctx.Context) error {
		calls++
		if dbc.Tx == nil {
			t.Fatalf("fn called without a transaction")
		}
		if calls == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestTxRunnerGivesUp(t *testing.T) {
	r := NewTxRunner(openSQLite(t), 2, 0)
	calls := 0
	err := r.InTx(dbctx.New(context.Background()), func(dbctx.Context) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	if err == nil || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}

	calls = 0
	boom := errors.New("constraint")
	err = r.InTx(dbctx.New(context.Background()), func(dbctx.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestTxRunnerNestedDoesNotRetry(t *testing.T) {
	gdb := openSQLite(t)
	r := NewTxRunner(gdb, 3, 0)
	calls := 0
	err := gdb.Transaction(func(tx *gorm.DB) error {
		return r.InTx(dbctx.New(context.Background()).WithTx(tx), func(dbctx.Context) error {
			calls++
			return &pgconn.PgError{Code: "40001"}
		})
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}
