package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

// Mode selects how the coordinator decides between primary and replica isolation.
type Mode int

const (
	// Auto asks the server with pg_is_in_recovery().
	Auto Mode = iota
	// Primary requires a writable primary and exports a snapshot token.
	Primary
	// Recovery uses xmin-only mode; valid against primaries and standbys.
	Recovery
)

func (m Mode) String() string {
	switch m {
	case Primary:
		return "primary"
	case Recovery:
		return "recovery"
	default:
		return "auto"
	}
}

var ErrRoleMismatch = errors.New("snapshot: server role does not match requested mode")

// Acquirer hands out cycle snapshots.
type Acquirer interface {
	Acquire(ctx context.Context, mode Mode) (*Snapshot, error)
}

// Snapshot is a consistent point-in-time view of the database. ID is only
// importable while the exporting transaction is open, so the snapshot owns
// that connection until Release.
type Snapshot struct {
	Xmin     int64
	ID       string
	Recovery bool

	conn   *pgx.Conn
	tx     pgx.Tx
	once   sync.Once
	relErr error
}

// Static returns a snapshot with no backing connection.
func Static(xmin int64, id string, recovery bool) *Snapshot {
	return &Snapshot{Xmin: xmin, ID: id, Recovery: recovery}
}

// Release ends the exporting transaction. Later calls return the first result.
func (s *Snapshot) Release(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		if s.tx != nil {
			if err := s.tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
				s.relErr = fmt.Errorf("release snapshot: %w", err)
			}
		}
		if s.conn != nil {
			if err := s.conn.Close(ctx); err != nil && s.relErr == nil {
				s.relErr = fmt.Errorf("close snapshot connection: %w", err)
			}
		}
	})
	return s.relErr
}

type Coordinator struct {
	dsn string
	log *logger.Logger
}

func NewCoordinator(dsn string, baseLog *logger.Logger) *Coordinator {
	return &Coordinator{dsn: dsn, log: baseLog.With("component", "SnapshotCoordinator")}
}

// Acquire opens a dedicated connection and reads xmin together with the
// exported snapshot token in one statement. It never retries.
func (c *Coordinator) Acquire(ctx context.Context, mode Mode) (*Snapshot, error) {
	conn, err := pgx.Connect(ctx, c.dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot connect: %w", err)
	}
	snap, err := c.acquire(ctx, conn, mode)
	if err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}
	c.log.Debug("snapshot acquired", "xmin", snap.Xmin, "snapshot_id", snap.ID, "recovery", snap.Recovery)
	return snap, nil
}

func (c *Coordinator) acquire(ctx context.Context, conn *pgx.Conn, mode Mode) (*Snapshot, error) {
	recovery := mode == Recovery
	if mode != Recovery {
		var inRecovery bool
		if err := conn.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
			return nil, fmt.Errorf("detect server role: %w", err)
		}
		if mode == Primary && inRecovery {
			return nil, ErrRoleMismatch
		}
		recovery = inRecovery
	}

	opts := pgx.TxOptions{
		IsoLevel:       pgx.Serializable,
		AccessMode:     pgx.ReadOnly,
		DeferrableMode: pgx.Deferrable,
	}
	if recovery {
		opts = pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadOnly}
	}
	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot transaction: %w", err)
	}

	snap := &Snapshot{Recovery: recovery, conn: conn, tx: tx}
	if recovery {
		err = tx.QueryRow(ctx, "SELECT txid_snapshot_xmin(txid_current_snapshot())").Scan(&snap.Xmin)
	} else {
		err = tx.QueryRow(ctx,
			"SELECT txid_snapshot_xmin(txid_current_snapshot()), pg_export_snapshot()",
		).Scan(&snap.Xmin, &snap.ID)
	}
	if err != nil {
		_ = tx.Rollback(context.Background())
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return snap, nil
}
