package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/data/repos/storage"
	"github.com/yungbote/snovault-indexer/internal/data/repos/testutil"
	"github.com/yungbote/snovault-indexer/internal/data/repos/txlog"
	"github.com/yungbote/snovault-indexer/internal/docindex"
	"github.com/yungbote/snovault-indexer/internal/docindex/memindex"
	"github.com/yungbote/snovault-indexer/internal/indexing/invalidation"
	"github.com/yungbote/snovault-indexer/internal/indexing/lock"
	"github.com/yungbote/snovault-indexer/internal/indexing/snapshot"
	"github.com/yungbote/snovault-indexer/internal/platform/dbctx"
	"github.com/yungbote/snovault-indexer/internal/render"
)

// nextXid stands in for a snapshot: every committed record has xid < xmin.
// hookRenderer lets a test fail or panic for chosen uuids.
type hookRenderer struct {
	inner Renderer
	hook  func(id string) error
}

func (h hookRenderer) IndexData(ctx context.Context, sess *snapshot.Session, id string) (*docindex.Document, error) {
	if h.hook != nil {
		if err := h.hook(id); err != nil {
			return nil, err
		}
	}
	return h.inner.IndexData(ctx, sess, id)
}

// memIndex aliases memindex.Index so embedding it does not name the field
// Index, which would shadow the promoted Index method.
type memIndex = memindex.Index

// metaIndex fails status writes while its env has metaErr set.
type metaIndex struct {
	*memIndex
	e *env
}

func (m metaIndex) PutMeta(ctx context.Context, id string, body any) error {
	if m.e.metaErr != nil {
		return m.e.metaErr
	}
	return m.memIndex.PutMeta(ctx, id, body)
}

type env struct {
	t       *testing.T
	db      *gorm.DB
	repo    storage.ItemRepo
	index   *memindex.Index
	lock    *lock.Local
	hook    func(id string) error
	metaErr error
	ctrl    *Controller
	lab     uuid.UUID
	exp     uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, Config{PoolSize: 2, PollInterval: 5 * time.Millisecond, ShutdownTimeout: time.Second})
}

func newEnvWith(t *testing.T, cfg Config) *env {
	t.Helper()
	gdb := testutil.SQLite(t)
	log := testutil.Logger(t)
	tl := txlog.NewRepo(gdb, log)
	e := &env{t: t, db: gdb, repo: storage.NewItemRepo(gdb, log, tl), index: memindex.New(), lock: lock.NewLocal()}

	renderer := hookRenderer{inner: render.NewRenderer(e.repo, render.NewRegistry(render.DefaultTypes()), log)}
	renderer.hook = func(id string) error {
		if e.hook != nil {
			return e.hook(id)
		}
		return nil
	}
	idx := metaIndex{memIndex: e.index, e: e}
	e.ctrl = NewController(
		cfg,
		Deps{
			DB:        gdb,
			Snapshots: snapshot.NewEmbedded(gdb),
			TxLog:     tl,
			Builder:   invalidation.NewBuilder(idx, e.repo, log),
			Index:     idx,
			Objects:   NewObjectIndexer(renderer, idx, []time.Duration{0, 0}, log),
			Lock:      e.lock,
			Log:       log,
		},
	)
	if err := e.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start controller: %v", err)
	}
	t.Cleanup(e.ctrl.Close)

	e.lab, e.exp = uuid.New(), uuid.New()
	e.write(storage.WriteRequest{UUID: e.lab, ItemType: "lab", Properties: map[string]any{"name": "lab-a", "title": "Lab A", "status": "current"}, Keys: map[string][]string{"lab:name": {"lab-a"}}})
	e.write(storage.WriteRequest{
		UUID:       e.exp,
		ItemType:   "experiment",
		Properties: map[string]any{"accession": "ENCSR000AAA", "status": "released", "lab": e.lab.String()},
		Links:      map[string][]uuid.UUID{"lab": {e.lab}},
	})
	return e
}

func (e *env) write(req storage.WriteRequest) {
	e.t.Helper()
	if _, err := e.repo.Write(dbctx.New(context.Background()), req); err != nil {
		e.t.Fatalf("write %s: %v", req.ItemType, err)
	}
}

// openSessions counts workers still holding a snapshot session.
func (e *env) openSessions() int {
	e.t.Helper()
	var mu sync.Mutex
	n := 0
	err := e.ctrl.pool.Broadcast(context.Background(), func(ws *WorkerState) {
		if ws.session != nil {
			mu.Lock()
			n++
			mu.Unlock()
		}
	})
	if err != nil {
		e.t.Fatalf("broadcast: %v", err)
	}
	return n
}

func (e *env) run(req Request) *CycleStatus {
	e.t.Helper()
	req.Record = true
	st, err := e.ctrl.Run(context.Background(), req)
	if err != nil {
		e.t.Fatalf("run: %v", err)
	}
	return st
}

func (e *env) embeddedLabTitle() any {
	e.t.Helper()
	doc, err := e.index.Get(context.Background(), e.exp.String())
	if err != nil {
		e.t.Fatalf("get experiment: %v", err)
	}
	lab, _ := doc.Embedded["lab"].(map[string]any)
	return lab["title"]
}

func TestFirstCycleIsFullRebuild(t *testing.T) {
	e := newEnv(t)
	st := e.run(Request{InitiatedBy: "test"})
	if !st.FullRebuild || st.Indexed != 2 || st.Status != StatusFinished || st.LastXmin != nil {
		t.Fatalf("status = %+v", st)
	}
	if e.index.Len() != 2 {
		t.Fatalf("indexed docs = %d", e.index.Len())
	}
	persisted, err := e.ctrl.Persisted(context.Background())
	if err != nil || persisted.Xmin != st.Xmin {
		t.Fatalf("persisted = %+v, %v", persisted, err)
	}
	if e.ctrl.State() != StateIdle {
		t.Fatalf("state = %s", e.ctrl.State())
	}
	if n := e.openSessions(); n != 0 {
		t.Fatalf("%d worker sessions left open", n)
	}
}

func TestEmbeddedUpdateReindexesReferrers(t *testing.T) {
	e := newEnv(t)
	first := e.run(Request{})

	e.write(storage.WriteRequest{UUID: e.lab, ItemType: "lab", Properties: map[string]any{"name": "lab-a", "title": "Lab A renamed", "status": "current"}, Keys: map[string][]string{"lab:name": {"lab-a"}}})
	st := e.run(Request{})
	if st.FullRebuild || st.TxnCount != 1 || st.Invalidated != 2 || st.Indexed != 2 {
		t.Fatalf("status = %+v", st)
	}
	if st.LastXmin == nil || *st.LastXmin != first.Xmin {
		t.Fatalf("last_xmin = %v, want %d", st.LastXmin, first.Xmin)
	}
	if got := e.embeddedLabTitle(); got != "Lab A renamed" {
		t.Fatalf("embedded lab title = %v", got)
	}
	doc, _ := e.index.Get(context.Background(), e.exp.String())
	if doc.Version != st.Xmin {
		t.Fatalf("version = %d, want %d", doc.Version, st.Xmin)
	}
}

func TestNoTransactionsIsNoOp(t *testing.T) {
	e := newEnv(t)
	e.run(Request{})
	writes := e.index.Writes()
	st := e.run(Request{})
	if st.Status != StatusNoOp || st.TxnCount != 0 {
		t.Fatalf("status = %+v", st)
	}
	if e.index.Writes() != writes {
		t.Fatalf("no-op cycle wrote documents")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	e := newEnv(t)
	st := e.run(Request{DryRun: true})
	if st.Status != StatusDryRun || st.Invalidated != 2 {
		t.Fatalf("status = %+v", st)
	}
	if e.index.Writes() != 0 {
		t.Fatalf("dry run wrote %d documents", e.index.Writes())
	}
	if _, err := e.ctrl.Persisted(context.Background()); !errors.Is(err, docindex.ErrNotFound) {
		t.Fatalf("dry run persisted status: %v", err)
	}
}

func TestReindexIsIdempotent(t *testing.T) {
	e := newEnv(t)
	first := e.run(Request{})
	before, _ := e.index.Get(context.Background(), e.exp.String())

	zero := int64(0)
	st := e.run(Request{LastXmin: &zero})
	if st.Conflicts != 0 || st.ErrorCount != 0 || st.Xmin != first.Xmin {
		t.Fatalf("status = %+v", st)
	}
	after, _ := e.index.Get(context.Background(), e.exp.String())
	if after.Version != before.Version || after.Embedded["@id"] != before.Embedded["@id"] {
		t.Fatalf("document changed: %+v -> %+v", before, after)
	}
}

func TestStaleWriteIsConflict(t *testing.T) {
	e := newEnv(t)
	e.run(Request{})
	// A newer writer already indexed the experiment.
	doc, _ := e.index.Get(context.Background(), e.exp.String())
	if err := e.index.Index(context.Background(), doc, doc.Version+100); err != nil {
		t.Fatalf("index: %v", err)
	}
	zero := int64(0)
	st := e.run(Request{LastXmin: &zero})
	if st.Conflicts != 1 || st.ErrorCount != 0 {
		t.Fatalf("status = %+v", st)
	}
	got, _ := e.index.Get(context.Background(), e.exp.String())
	if got.Version != doc.Version+100 {
		t.Fatalf("version went backwards: %d", got.Version)
	}
}

func TestTransientErrorAbortsWithoutPersisting(t *testing.T) {
	e := newEnv(t)
	first := e.run(Request{})

	e.write(storage.WriteRequest{UUID: e.lab, ItemType: "lab", Properties: map[string]any{"name": "lab-a", "title": "Lab B", "status": "current"}, Keys: map[string][]string{"lab:name": {"lab-a"}}})
	target := e.exp.String()
	e.hook = func(id string) error {
		if id == target {
			return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
		}
		return nil
	}
	_, err := e.ctrl.Run(context.Background(), Request{Record: true})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
	persisted, _ := e.ctrl.Persisted(context.Background())
	if persisted.Xmin != first.Xmin {
		t.Fatalf("status advanced to %d after transient failure", persisted.Xmin)
	}

	// The next cycle replays the same suffix.
	e.hook = nil
	st := e.run(Request{})
	if st.TxnCount != 1 || st.Indexed != 2 {
		t.Fatalf("replay status = %+v", st)
	}
	if got := e.embeddedLabTitle(); got != "Lab B" {
		t.Fatalf("embedded lab title = %v", got)
	}
}

func TestRenderErrorIsRecorded(t *testing.T) {
	e := newEnv(t)
	target := e.exp.String()
	e.hook = func(id string) error {
		if id == target {
			return errors.New("schema mismatch")
		}
		return nil
	}
	st := e.run(Request{})
	if st.Status != StatusFinished || st.ErrorCount != 1 || st.Indexed != 1 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Errors) != 1 || st.Errors[0].UUID != target {
		t.Fatalf("errors = %+v", st.Errors)
	}
}

func TestWorkerCrashIsRecordedAndCycleCompletes(t *testing.T) {
	e := newEnv(t)
	target := e.exp.String()
	e.hook = func(id string) error {
		if id == target {
			panic("renderer exploded")
		}
		return nil
	}
	st := e.run(Request{})
	if st.ErrorCount != 1 || st.Indexed != 1 {
		t.Fatalf("status = %+v", st)
	}
	e.hook = nil
	zero := int64(0)
	st = e.run(Request{LastXmin: &zero})
	if st.Indexed != 2 {
		t.Fatalf("after crash status = %+v", st)
	}
}

func TestCycleInProgress(t *testing.T) {
	e := newEnv(t)
	release, err := e.lock.TryAcquire(context.Background())
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()
	if _, err := e.ctrl.Run(context.Background(), Request{}); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("err = %v", err)
	}
}

func TestFailedStatusWriteEndsWorkerSessions(t *testing.T) {
	e := newEnv(t)
	e.metaErr = errors.New("meta index unavailable")
	if _, err := e.ctrl.Run(context.Background(), Request{Record: true}); err == nil {
		t.Fatalf("expected status write error")
	}
	if e.index.Len() != 2 {
		t.Fatalf("indexed docs = %d", e.index.Len())
	}
	if n := e.openSessions(); n != 0 {
		t.Fatalf("%d worker sessions left open after failed cycle", n)
	}
	if e.ctrl.State() != StateIdle {
		t.Fatalf("state = %s", e.ctrl.State())
	}
}

func TestCancelledDispatchEndsWorkerSessions(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	target := e.exp.String()
	e.hook = func(id string) error {
		if id == target {
			cancel()
		}
		return nil
	}
	if _, err := e.ctrl.Run(ctx, Request{Record: true}); err == nil {
		t.Fatalf("expected cancelled cycle to fail")
	}
	if n := e.openSessions(); n != 0 {
		t.Fatalf("%d worker sessions left open after cancelled cycle", n)
	}
}

func TestFullRebuildIsThrottled(t *testing.T) {
	e := newEnvWith(t, Config{PoolSize: 2, PollInterval: 5 * time.Millisecond, ShutdownTimeout: time.Second, RebuildQPS: 20})
	for _, name := range []string{"lab-b", "lab-c"} {
		e.write(storage.WriteRequest{UUID: uuid.New(), ItemType: "lab", Properties: map[string]any{"name": name, "title": name, "status": "current"}, Keys: map[string][]string{"lab:name": {name}}})
	}
	started := time.Now()
	st := e.run(Request{})
	took := time.Since(started)
	if !st.FullRebuild || st.Indexed != 4 {
		t.Fatalf("status = %+v", st)
	}
	// Burst of one: the first task goes at once, the other three wait 50ms each.
	if took < 120*time.Millisecond {
		t.Fatalf("rebuild of 4 items at 20 qps took %s", took)
	}
}
