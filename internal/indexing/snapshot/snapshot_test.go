package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/snovault-indexer/internal/data/repos/testutil"
	"github.com/yungbote/snovault-indexer/internal/domain/store"
)

func TestValidID(t *testing.T) {
	cases := map[string]bool{
		"00000003-0000001B-1":     true,
		"00000003-0000001B":       true,
		"3-1b":                    true,
		"":                        false,
		"00000003'; DROP TABLE x": false,
		"xyz-1":                   false,
	}
	for id, want := range cases {
		if got := ValidID(id); got != want {
			t.Fatalf("ValidID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestStaticReleaseIsIdempotent(t *testing.T) {
	s := Static(42, "", true)
	if err := s.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Release(context.Background()); err != nil {
		t.Fatalf("second release: %v", err)
	}
	var nilSnap *Snapshot
	if err := nilSnap.Release(context.Background()); err != nil {
		t.Fatalf("nil release: %v", err)
	}
}

func TestBindRejectsMalformedID(t *testing.T) {
	gdb := testutil.SQLite(t)
	if _, err := Bind(context.Background(), gdb, 1, "bad id"); err == nil {
		t.Fatalf("expected malformed id to be rejected")
	}
}

func TestBindSQLiteSession(t *testing.T) {
	gdb := testutil.SQLite(t)
	sess, err := Bind(context.Background(), gdb, 7, "")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !sess.Matches(7, "") || sess.Matches(8, "") {
		t.Fatalf("unexpected match result")
	}
	var n int64
	if err := sess.DBC(context.Background()).Conn(gdb).Model(&store.Resource{}).Count(&n).Error; err != nil {
		t.Fatalf("read through session: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if sess.Matches(7, "") {
		t.Fatalf("closed session should not match")
	}
}

func TestEmbeddedAcquire(t *testing.T) {
	gdb := testutil.SQLite(t)
	e := NewEmbedded(gdb)
	snap, err := e.Acquire(context.Background(), Auto)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if snap.Xmin != 1 || snap.ID != "" || snap.Recovery {
		t.Fatalf("empty log snapshot = %+v", snap)
	}
	xid := int64(5)
	rec := &store.TransactionRecord{TID: uuid.New(), Xid: &xid, Timestamp: time.Now().UTC(), Data: datatypes.JSON(`{}`)}
	if err := gdb.Create(rec).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	snap, err = e.Acquire(context.Background(), Recovery)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if snap.Xmin != 6 || !snap.Recovery {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCoordinatorPostgres(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	c := NewCoordinator(dsn, testutil.Logger(t))
	ctx := context.Background()

	snap, err := c.Acquire(ctx, Auto)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer snap.Release(ctx)
	if snap.Xmin <= 0 {
		t.Fatalf("xmin = %d", snap.Xmin)
	}
	if !snap.Recovery && !ValidID(snap.ID) {
		t.Fatalf("snapshot id = %q", snap.ID)
	}

	gdb := testutil.Postgres(t)
	sess, err := Bind(ctx, gdb, snap.Xmin, snap.ID)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer sess.Close()

	if _, err := c.Acquire(ctx, Primary); err != nil && !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("acquire primary: %v", err)
	}
}
