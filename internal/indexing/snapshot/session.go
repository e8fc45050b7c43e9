package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/data/db"
	"github.com/yungbote/snovault-indexer/internal/platform/dbctx"
)

var snapshotIDPattern = regexp.MustCompile(`^[0-9A-Fa-f]+-[0-9A-Fa-f]+(-[0-9]+)?$`)

// ValidID reports whether id looks like a pg_export_snapshot() token.
func ValidID(id string) bool {
	return snapshotIDPattern.MatchString(id)
}

// Session is a read-only transaction that sees exactly the state of a
// snapshot. Reads made through DBC are snapshot-scoped.
type Session struct {
	Xmin int64
	ID   string
	tx   *gorm.DB
}

// Bind opens a session on gdb. With an exported ID on PostgreSQL the
// transaction imports that snapshot; otherwise it is a plain read-only
// transaction (xmin-only mode). The session outlives ctx and stays open until
// Close.
func Bind(ctx context.Context, gdb *gorm.DB, xmin int64, id string) (*Session, error) {
	if id != "" && !ValidID(id) {
		return nil, fmt.Errorf("bind session: malformed snapshot id %q", id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := gdb.WithContext(context.WithoutCancel(ctx))
	var tx *gorm.DB
	if db.IsPostgres(gdb) {
		iso := sql.LevelReadCommitted
		if id != "" {
			iso = sql.LevelRepeatableRead
		}
		tx = base.Begin(&sql.TxOptions{Isolation: iso, ReadOnly: true})
	} else {
		tx = base.Begin()
	}
	if tx.Error != nil {
		return nil, fmt.Errorf("begin session: %w", tx.Error)
	}
	if id != "" && db.IsPostgres(gdb) {
		// SET TRANSACTION does not accept bind parameters; id is validated above.
		if err := tx.Exec(fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", id)).Error; err != nil {
			_ = tx.Rollback().Error
			return nil, fmt.Errorf("import snapshot %s: %w", id, err)
		}
	}
	return &Session{Xmin: xmin, ID: id, tx: tx}, nil
}

// Matches reports whether the session is bound to (xmin, id).
func (s *Session) Matches(xmin int64, id string) bool {
	return s != nil && s.tx != nil && s.Xmin == xmin && s.ID == id
}

func (s *Session) DBC(ctx context.Context) dbctx.Context {
	return dbctx.New(ctx).WithTx(s.tx)
}

// Close ends the session. It is safe on a nil or closed session.
func (s *Session) Close() error {
	if s == nil || s.tx == nil {
		return nil
	}
	err := s.tx.Rollback().Error
	s.tx = nil
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}
