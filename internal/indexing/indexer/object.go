package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/data/db"
	"github.com/yungbote/snovault-indexer/internal/docindex"
	"github.com/yungbote/snovault-indexer/internal/indexing/snapshot"
	"github.com/yungbote/snovault-indexer/internal/observability"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

// DefaultBackoffs are the pauses before each attempt to write a document
// while the index is unavailable.
var DefaultBackoffs = []time.Duration{0, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}

// Renderer produces the index-data document of an item inside a session.
type Renderer interface {
	IndexData(ctx context.Context, sess *snapshot.Session, id string) (*docindex.Document, error)
}

// Task asks a worker to re-index one item at a snapshot.
type Task struct {
	UUID       string
	Xmin       int64
	SnapshotID string
}

// Outcome is the per-object result. Conflict is a success: a newer version
// is already indexed.
type Outcome struct {
	UUID     string
	Indexed  bool
	Conflict bool
	Err      error
}

// WorkerState is owned by exactly one pool worker.
type WorkerState struct {
	ID      int
	db      *gorm.DB
	closeDB func()
	session *snapshot.Session
}

func NewWorkerState(id int, gdb *gorm.DB, closeDB func()) *WorkerState {
	return &WorkerState{ID: id, db: gdb, closeDB: closeDB}
}

// ResetSession ends the snapshot-bound session, if any.
func (ws *WorkerState) ResetSession() {
	if ws.session != nil {
		_ = ws.session.Close()
		ws.session = nil
	}
}

func (ws *WorkerState) Close() {
	ws.ResetSession()
	if ws.closeDB != nil {
		ws.closeDB()
	}
}

func (ws *WorkerState) bind(ctx context.Context, xmin int64, id string) (*snapshot.Session, error) {
	if ws.session.Matches(xmin, id) {
		return ws.session, nil
	}
	ws.ResetSession()
	sess, err := snapshot.Bind(ctx, ws.db, xmin, id)
	if err != nil {
		return nil, err
	}
	ws.session = sess
	return sess, nil
}

type ObjectIndexer struct {
	renderer Renderer
	index    docindex.Index
	backoffs []time.Duration
	log      *logger.Logger
}

func NewObjectIndexer(renderer Renderer, index docindex.Index, backoffs []time.Duration, baseLog *logger.Logger) *ObjectIndexer {
	if len(backoffs) == 0 {
		backoffs = DefaultBackoffs
	}
	return &ObjectIndexer{
		renderer: renderer,
		index:    index,
		backoffs: backoffs,
		log:      baseLog.With("component", "ObjectIndexer"),
	}
}

// UpdateObject renders task.UUID at the task's snapshot and writes it with
// version xmin. A returned error is transient and must abort the cycle;
// everything else is reported through the Outcome.
func (x *ObjectIndexer) UpdateObject(ctx context.Context, ws *WorkerState, task Task) (Outcome, error) {
	out := Outcome{UUID: task.UUID}

	sess, err := ws.bind(ctx, task.Xmin, task.SnapshotID)
	if err != nil {
		if db.IsTransient(err) {
			return out, fmt.Errorf("%w: bind snapshot for %s: %v", ErrTransient, task.UUID, err)
		}
		out.Err = err
		return out, nil
	}

	doc, err := x.renderer.IndexData(ctx, sess, task.UUID)
	if err != nil {
		if db.IsTransient(err) {
			ws.ResetSession()
			return out, fmt.Errorf("%w: render %s: %v", ErrTransient, task.UUID, err)
		}
		if db.AbortsTx(err) {
			ws.ResetSession()
		}
		x.log.Error("error rendering object", "uuid", task.UUID, "error", err)
		out.Err = err
		return out, nil
	}

	var lastErr error
	for attempt, pause := range x.backoffs {
		if pause > 0 {
			select {
			case <-ctx.Done():
				out.Err = ctx.Err()
				return out, nil
			case <-time.After(pause):
			}
		}
		err := x.index.Index(ctx, doc, task.Xmin)
		switch {
		case err == nil:
			out.Indexed = true
			return out, nil
		case errors.Is(err, docindex.ErrVersionConflict):
			x.log.Warn("version conflict indexing object", "uuid", task.UUID, "xmin", task.Xmin)
			out.Conflict = true
			return out, nil
		case errors.Is(err, docindex.ErrUnavailable):
			lastErr = err
			observability.Current().IncIndexRetry()
			x.log.Warn("index unavailable, retrying", "uuid", task.UUID, "attempt", attempt+1, "error", err)
		default:
			x.log.Error("error indexing object", "uuid", task.UUID, "error", err)
			out.Err = err
			return out, nil
		}
	}
	x.log.Error("giving up indexing object", "uuid", task.UUID, "attempts", len(x.backoffs), "error", lastErr)
	out.Err = lastErr
	return out, nil
}
