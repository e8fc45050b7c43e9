package indexer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/data/repos/txlog"
	"github.com/yungbote/snovault-indexer/internal/docindex"
	"github.com/yungbote/snovault-indexer/internal/indexing/eventpool"
	"github.com/yungbote/snovault-indexer/internal/indexing/invalidation"
	"github.com/yungbote/snovault-indexer/internal/indexing/lock"
	"github.com/yungbote/snovault-indexer/internal/indexing/snapshot"
	"github.com/yungbote/snovault-indexer/internal/observability"
	"github.com/yungbote/snovault-indexer/internal/platform/dbctx"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
	"github.com/yungbote/snovault-indexer/internal/realtime/bus"
)

type Config struct {
	PoolSize        int
	MaxInFlight     int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	// RebuildQPS throttles full rebuild dispatch; zero disables throttling.
	RebuildQPS float64
	MaxErrors  int
	Types      []string
}

// Request parameterizes one cycle.
type Request struct {
	// LastXmin overrides the xmin of the previous persisted cycle.
	LastXmin    *int64
	Types       []string
	Record      bool
	DryRun      bool
	Recovery    bool
	InitiatedBy string
}

// WorkerDB opens the database handle a pool worker reads through and returns
// its closer.
type WorkerDB func(ctx context.Context, workerID int) (*gorm.DB, func(), error)

type Deps struct {
	DB        *gorm.DB
	WorkerDB  WorkerDB
	Snapshots snapshot.Acquirer
	TxLog     txlog.Repo
	Builder   *invalidation.Builder
	Index     docindex.Index
	Objects   *ObjectIndexer
	Lock      lock.Lock
	Bus       bus.Bus
	Log       *logger.Logger
}

type Controller struct {
	cfg  Config
	deps Deps
	log  *logger.Logger
	pool *eventpool.Pool[*WorkerState, Task, Outcome]

	mu    sync.RWMutex
	state State
	last  *CycleStatus
}

func NewController(cfg Config, deps Deps) *Controller {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 100
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if deps.Lock == nil {
		deps.Lock = lock.NewLocal()
	}
	if deps.Bus == nil {
		deps.Bus = bus.NewLocalBus()
	}
	if deps.WorkerDB == nil {
		shared := deps.DB
		deps.WorkerDB = func(context.Context, int) (*gorm.DB, func(), error) {
			return shared, func() {}, nil
		}
	}
	c := &Controller{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Log.With("component", "IndexController"),
		state: StateIdle,
	}
	m := observability.Current()
	c.pool = eventpool.New(
		eventpool.Config{
			Size:         cfg.PoolSize,
			MaxInFlight:  cfg.MaxInFlight,
			PollInterval: cfg.PollInterval,
			OnRestart:    func(int) { m.IncWorkerRestart() },
			OnInflight:   m.SetPoolInflight,
		},
		c.initWorker,
		func(ctx context.Context, ws *WorkerState, t Task) (Outcome, error) {
			return c.deps.Objects.UpdateObject(ctx, ws, t)
		},
		func(ws *WorkerState) { ws.Close() },
		deps.Log,
	)
	return c
}

func (c *Controller) initWorker(ctx context.Context, id int) (*WorkerState, error) {
	gdb, closeDB, err := c.deps.WorkerDB(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewWorkerState(id, gdb, closeDB), nil
}

// Start launches the worker pool.
func (c *Controller) Start(ctx context.Context) error {
	return c.pool.Start(ctx)
}

func (c *Controller) Close() {
	c.pool.Shutdown(c.cfg.ShutdownTimeout)
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Last returns the most recent cycle this controller completed.
func (c *Controller) Last() *CycleStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Persisted reads the last recorded cycle from the index.
func (c *Controller) Persisted(ctx context.Context) (*CycleStatus, error) {
	var st CycleStatus
	if err := c.deps.Index.GetMeta(ctx, StatusDocID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Run executes one cycle: snapshot, log replay, invalidation, dispatch,
// aggregation and status persistence.
func (c *Controller) Run(ctx context.Context, req Request) (*CycleStatus, error) {
	release, err := c.deps.Lock.TryAcquire(ctx)
	if errors.Is(err, lock.ErrHeld) {
		return nil, ErrCycleInProgress
	}
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := observability.Tracer().Start(ctx, "index.cycle")
	defer span.End()
	defer c.setState(StateIdle)

	st, err := c.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reason := "failed"
		if errors.Is(err, ErrTransient) {
			reason = "transient"
		}
		observability.Current().IncCycleFailure(reason)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("xmin", st.Xmin),
		attribute.String("status", st.Status),
		attribute.Int("invalidated", st.Invalidated),
		attribute.Int("indexed", st.Indexed),
	)
	c.mu.Lock()
	c.last = st
	c.mu.Unlock()
	return st, nil
}

func (c *Controller) run(ctx context.Context, req Request) (*CycleStatus, error) {
	started := time.Now().UTC()
	mode := snapshot.Auto
	if req.Recovery {
		mode = snapshot.Recovery
	}
	snap, err := c.deps.Snapshots.Acquire(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("acquire snapshot: %w", err)
	}
	defer func() {
		if err := snap.Release(context.Background()); err != nil {
			c.log.Warn("snapshot release failed", "error", err)
		}
	}()
	c.setState(StateSnapshotAcquired)

	sess, err := snapshot.Bind(ctx, c.deps.DB, snap.Xmin, snap.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: bind coordinator session: %v", ErrTransient, err)
	}
	defer sess.Close()
	dbc := sess.DBC(ctx)

	st := &CycleStatus{
		Xmin:        snap.Xmin,
		SnapshotID:  snap.ID,
		Recovery:    snap.Recovery,
		InitiatedBy: req.InitiatedBy,
		StartedAt:   started,
	}

	st.LastXmin = req.LastXmin
	if st.LastXmin == nil {
		prev, err := c.Persisted(ctx)
		switch {
		case err == nil:
			st.LastXmin = &prev.Xmin
		case errors.Is(err, docindex.ErrNotFound):
		default:
			return nil, fmt.Errorf("read previous cycle status: %w", err)
		}
	}

	types := req.Types
	if len(types) == 0 {
		types = c.cfg.Types
	}
	var set invalidation.Set
	var firstTxn time.Time
	if st.LastXmin == nil {
		c.setState(StateLogReplayed)
		if set, err = c.deps.Builder.All(dbc, types); err != nil {
			return nil, err
		}
	} else {
		records, err := c.deps.TxLog.ReadSince(dbc, *st.LastXmin)
		if err != nil {
			return nil, err
		}
		sum, err := txlog.Summarize(records)
		if err != nil {
			return nil, err
		}
		c.setState(StateLogReplayed)
		st.TxnCount = sum.TxnCount
		st.Updated = len(sum.Updated)
		st.Renamed = len(sum.Renamed)
		firstTxn = sum.FirstTimestamp
		if sum.TxnCount == 0 {
			return c.finish(st, StatusNoOp), nil
		}
		if set, err = c.deps.Builder.Build(ctx, sum.Updated, sum.Renamed); err != nil {
			return nil, err
		}
		if set.FullRebuild {
			if set, err = c.deps.Builder.All(dbc, types); err != nil {
				return nil, err
			}
		}
	}
	c.setState(StateInvalidationComputed)
	st.FullRebuild = set.FullRebuild
	st.Types = set.Types
	st.Invalidated = set.Count
	if !firstTxn.IsZero() {
		lag := time.Since(firstTxn)
		st.Lag = lag.Round(time.Millisecond).String()
		st.LagSeconds = lag.Seconds()
	}

	if req.DryRun {
		return c.finish(st, StatusDryRun), nil
	}

	c.setState(StateDispatched)
	defer c.teardownSessions(ctx)
	if err := c.dispatch(ctx, dbc, snap, set, st); err != nil {
		return nil, err
	}
	c.setState(StateAggregated)

	c.finish(st, StatusFinished)
	if req.Record {
		if err := c.deps.Index.PutMeta(ctx, StatusDocID, st); err != nil {
			return nil, fmt.Errorf("persist cycle status: %w", err)
		}
	}
	if err := c.deps.Index.Refresh(ctx); err != nil {
		c.log.Warn("index refresh failed", "error", err)
	}
	c.setState(StatePersisted)

	if err := c.deps.Bus.Publish(ctx, bus.CycleEvent{
		Xmin:        st.Xmin,
		LastXmin:    st.LastXmin,
		Status:      st.Status,
		Indexed:     st.Indexed,
		Errors:      st.ErrorCount,
		FullRebuild: st.FullRebuild,
		FinishedAt:  st.FinishedAt,
	}); err != nil {
		c.log.Warn("publish cycle event failed", "error", err)
	}
	observability.Current().ObserveCycle(observability.CycleObservation{
		Status:      st.Status,
		FullRebuild: st.FullRebuild,
		Duration:    st.FinishedAt.Sub(st.StartedAt),
		Lag:         time.Duration(st.LagSeconds * float64(time.Second)),
		Xmin:        st.Xmin,
		Invalidated: st.Invalidated,
		Indexed:     st.Indexed,
		Conflicts:   st.Conflicts,
		Errors:      st.ErrorCount,
	})
	c.log.Info("index cycle finished",
		"xmin", st.Xmin,
		"last_xmin", st.LastXmin,
		"txn_count", st.TxnCount,
		"invalidated", st.Invalidated,
		"indexed", st.Indexed,
		"conflicts", st.Conflicts,
		"errors", st.ErrorCount,
		"full_rebuild", st.FullRebuild,
		"took", st.Took,
		"initiated_by", st.InitiatedBy,
	)
	return st, nil
}

// dispatch streams the set through the pool and folds results into st. Any
// task error fails the whole cycle as ErrTransient once every task reported.
func (c *Controller) dispatch(ctx context.Context, dbc dbctx.Context, snap *snapshot.Snapshot, set invalidation.Set, st *CycleStatus) error {
	var limiter *rate.Limiter
	if set.FullRebuild && c.cfg.RebuildQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.RebuildQPS), 1)
	}

	var enumErr error
	tasks := iter.Seq[Task](func(yield func(Task) bool) {
		for id, err := range c.deps.Builder.Enumerate(dbc, set) {
			if err != nil {
				enumErr = err
				return
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
			if !yield(Task{UUID: id, Xmin: snap.Xmin, SnapshotID: snap.ID}) {
				return
			}
		}
	})

	var transient error
	err := c.pool.Stream(ctx, tasks, func(r eventpool.Result[Task, Outcome]) {
		if r.Err != nil {
			if errors.Is(r.Err, eventpool.ErrWorkerCrashed) {
				c.recordError(st, r.Arg.UUID, r.Err)
				return
			}
			if transient == nil {
				transient = r.Err
			}
			return
		}
		switch {
		case r.Value.Conflict:
			st.Conflicts++
		case r.Value.Err != nil:
			c.recordError(st, r.Value.UUID, r.Value.Err)
		case r.Value.Indexed:
			st.Indexed++
		}
	})
	switch {
	case err != nil:
		return fmt.Errorf("dispatch: %w", err)
	case enumErr != nil:
		return fmt.Errorf("enumerate invalidated items: %w", enumErr)
	case transient != nil && errors.Is(transient, ErrTransient):
		return transient
	case transient != nil:
		return fmt.Errorf("%w: %v", ErrTransient, transient)
	}
	return nil
}

func (c *Controller) recordError(st *CycleStatus, id string, err error) {
	st.ErrorCount++
	if len(st.Errors) < c.cfg.MaxErrors {
		st.Errors = append(st.Errors, ObjectError{UUID: id, Error: err.Error()})
	}
}

func (c *Controller) teardownSessions(ctx context.Context) {
	if err := c.pool.Broadcast(context.WithoutCancel(ctx), (*WorkerState).ResetSession); err != nil {
		c.log.Warn("session teardown broadcast failed", "error", err)
	}
}

func (c *Controller) finish(st *CycleStatus, status string) *CycleStatus {
	st.Status = status
	st.FinishedAt = time.Now().UTC()
	st.Took = st.FinishedAt.Sub(st.StartedAt).Round(time.Millisecond).String()
	return st
}
