// Package listener drives index cycles from PostgreSQL notifications.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yungbote/snovault-indexer/internal/data/db"
	"github.com/yungbote/snovault-indexer/internal/data/repos/txlog"
	"github.com/yungbote/snovault-indexer/internal/indexing/indexer"
	"github.com/yungbote/snovault-indexer/internal/observability"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

// ErrRestartRequired means the listener hit an error it cannot recover from
// in-process; the supervisor should restart it.
var ErrRestartRequired = errors.New("listener: restart required")

// Conn is the part of *pgx.Conn the listener needs.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type Dialer func(ctx context.Context) (Conn, error)

// PgxDialer connects with pgx.
func PgxDialer(dsn string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return pgx.Connect(ctx, dsn)
	}
}

// Runner runs one index cycle.
type Runner interface {
	Run(ctx context.Context, req indexer.Request) (*indexer.CycleStatus, error)
}

type Config struct {
	PollInterval time.Duration
	Backoff      time.Duration
	DryRun       bool
	Recovery     bool
	Username     string
	StatusSize   int
}

// Entry is one slot of the status ring.
type Entry struct {
	At     time.Time            `json:"at"`
	Status *indexer.CycleStatus `json:"status,omitempty"`
	Error  string               `json:"error,omitempty"`
}

type Listener struct {
	cfg    Config
	dial   Dialer
	runner Runner
	log    *logger.Logger

	mu        sync.RWMutex
	ring      []Entry
	connected bool
}

func New(cfg Config, dial Dialer, runner Runner, baseLog *logger.Logger) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.StatusSize <= 0 {
		cfg.StatusSize = 10
	}
	return &Listener{
		cfg:    cfg,
		dial:   dial,
		runner: runner,
		log:    baseLog.With("component", "IndexListener"),
	}
}

// Run listens until ctx ends. Lost database connections are re-established
// after Backoff; any other failure is returned wrapped in ErrRestartRequired.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.loop(ctx)
		l.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		if !db.IsConnectivity(err) {
			observability.Current().IncListenerError("fatal")
			l.log.Error("listener failed", "error", err)
			return fmt.Errorf("%w: %v", ErrRestartRequired, err)
		}
		observability.Current().IncListenerError("connectivity")
		l.log.Warn("database connection lost, reconnecting", "error", err, "backoff", l.cfg.Backoff)
		if !sleep(ctx, l.cfg.Backoff) {
			return nil
		}
	}
}

func (l *Listener) loop(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, `LISTEN "`+txlog.NotifyChannel+`"`); err != nil {
		return fmt.Errorf("listen %s: %w", txlog.NotifyChannel, err)
	}
	l.setConnected(true)
	l.log.Info("listening", "channel", txlog.NotifyChannel, "poll_interval", l.cfg.PollInterval, "dry_run", l.cfg.DryRun)

	for {
		// Run first so commits between LISTEN and the first wait are covered.
		st, err := l.runner.Run(ctx, indexer.Request{
			Record:      true,
			DryRun:      l.cfg.DryRun,
			Recovery:    l.cfg.Recovery,
			InitiatedBy: l.cfg.Username,
		})
		l.record(st, err)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, indexer.ErrCycleInProgress):
			l.log.Debug("cycle already running elsewhere")
		case db.IsConnectivity(err):
			return err
		case errors.Is(err, indexer.ErrTransient):
			observability.Current().IncListenerError("transient")
			l.log.Warn("index cycle aborted, will replay", "error", err)
			if !sleep(ctx, l.cfg.Backoff) {
				return ctx.Err()
			}
			continue
		default:
			return err
		}

		waitCtx, cancel := context.WithTimeout(ctx, l.cfg.PollInterval)
		n, err := conn.WaitForNotification(waitCtx)
		timedOut := waitCtx.Err() != nil
		cancel()
		switch {
		case err == nil:
			l.log.Debug("notified", "channel", n.Channel, "payload", n.Payload)
		case ctx.Err() != nil:
			return ctx.Err()
		case timedOut:
		default:
			return err
		}
	}
}

func (l *Listener) record(st *indexer.CycleStatus, err error) {
	e := Entry{At: time.Now().UTC(), Status: st}
	if err != nil {
		e.Error = err.Error()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring = append(l.ring, e)
	if over := len(l.ring) - l.cfg.StatusSize; over > 0 {
		l.ring = append(l.ring[:0:0], l.ring[over:]...)
	}
}

func (l *Listener) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()
}

// Snapshot is the listener view served by the status endpoint.
type Snapshot struct {
	Connected bool    `json:"connected"`
	DryRun    bool    `json:"dry_run"`
	Recent    []Entry `json:"recent"`
}

// Status returns the recent cycle results, newest last.
func (l *Listener) Status() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{
		Connected: l.connected,
		DryRun:    l.cfg.DryRun,
		Recent:    append([]Entry(nil), l.ring...),
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
