// Package eventpool runs tasks on long-lived workers that each own private state.
package eventpool

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

var (
	ErrWorkerCrashed = errors.New("eventpool: worker crashed")
	ErrPoolClosed    = errors.New("eventpool: pool closed")
	ErrNotStarted    = errors.New("eventpool: pool not started")
)

// InitFunc builds the private state of worker id before it takes tasks.
type InitFunc[S any] func(ctx context.Context, id int) (S, error)

// TaskFunc runs one task against the worker's state.
type TaskFunc[S, A, R any] func(ctx context.Context, state S, arg A) (R, error)

// CloseFunc releases worker state when the worker exits.
type CloseFunc[S any] func(state S)

type Result[A, R any] struct {
	Arg    A
	Value  R
	Err    error
	OK     bool
	Worker int
}

type Config struct {
	Size         int
	MaxInFlight  int
	PollInterval time.Duration

	OnRestart  func(workerID int)
	OnInflight func(n int)
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = runtime.NumCPU()
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 2 * c.Size
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

type job[A any] struct {
	ctx context.Context
	arg A
}

type worker[S any] struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
	ctrl   chan func(S)
	quit   chan struct{}
	exited chan struct{}
}

func (w *worker[S]) dead() bool {
	select {
	case <-w.exited:
		return true
	default:
		return false
	}
}

type Pool[S, A, R any] struct {
	cfg     Config
	init    InitFunc[S]
	task    TaskFunc[S, A, R]
	closeFn CloseFunc[S]
	log     *logger.Logger

	jobs    chan job[A]
	results chan Result[A, R]

	mu      sync.Mutex
	workers []*worker[S]
	nextID  int
	ctx     context.Context
	cancel  context.CancelFunc

	streamMu     sync.Mutex
	started      atomic.Bool
	closed       atomic.Bool
	shutdownOnce sync.Once
}

func New[S, A, R any](cfg Config, init InitFunc[S], task TaskFunc[S, A, R], closeFn CloseFunc[S], baseLog *logger.Logger) *Pool[S, A, R] {
	cfg = cfg.withDefaults()
	capacity := max(cfg.MaxInFlight, cfg.Size)
	return &Pool[S, A, R]{
		cfg:     cfg,
		init:    init,
		task:    task,
		closeFn: closeFn,
		log:     baseLog.With("component", "EventPool"),
		jobs:    make(chan job[A], capacity),
		results: make(chan Result[A, R], capacity),
	}
}

func (p *Pool[S, A, R]) Size() int { return p.cfg.Size }

// Start spawns Size workers. Each worker's state is built before Start returns.
func (p *Pool[S, A, R]) Start(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Size; i++ {
		if _, err := p.spawn(); err != nil {
			p.Shutdown(time.Second)
			return err
		}
	}
	p.log.Debug("pool started", "size", p.cfg.Size, "max_in_flight", p.cfg.MaxInFlight)
	return nil
}

func (p *Pool[S, A, R]) spawn() (int, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	state, err := p.init(p.ctx, id)
	if err != nil {
		return id, fmt.Errorf("init worker %d: %w", id, err)
	}
	wctx, cancel := context.WithCancel(p.ctx)
	w := &worker[S]{
		id:     id,
		ctx:    wctx,
		cancel: cancel,
		ctrl:   make(chan func(S)),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.mu.Unlock()
	go p.run(w, state)
	return id, nil
}

// heal replaces dead workers. It fails only when no worker is alive.
func (p *Pool[S, A, R]) heal() error {
	p.mu.Lock()
	live := p.workers[:0]
	dead := 0
	for _, w := range p.workers {
		if w.dead() {
			dead++
			continue
		}
		live = append(live, w)
	}
	p.workers = live
	p.mu.Unlock()

	var firstErr error
	for i := 0; i < dead; i++ {
		id, err := p.spawn()
		if err != nil {
			p.log.Warn("worker respawn failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.log.Info("worker respawned", "worker", id)
		if p.cfg.OnRestart != nil {
			p.cfg.OnRestart(id)
		}
	}
	if firstErr != nil && p.liveCount() == 0 {
		return firstErr
	}
	return nil
}

func (p *Pool[S, A, R]) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if !w.dead() {
			n++
		}
	}
	return n
}

func (p *Pool[S, A, R]) run(w *worker[S], state S) {
	defer close(w.exited)
	defer func() {
		if p.closeFn != nil {
			p.closeFn(state)
		}
	}()
	for {
		select {
		case <-w.quit:
			return
		case <-w.ctx.Done():
			return
		case fn := <-w.ctrl:
			if crashed := p.control(w, state, fn); crashed {
				return
			}
		case j := <-p.jobs:
			if crashed := p.execute(w, state, j); crashed {
				return
			}
		}
	}
}

func (p *Pool[S, A, R]) control(w *worker[S], state S, fn func(S)) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic during broadcast", "worker", w.id, "panic", r)
			crashed = true
		}
	}()
	fn(state)
	return false
}

func (p *Pool[S, A, R]) execute(w *worker[S], state S, j job[A]) (crashed bool) {
	ctx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(w.ctx, cancel)
	res := Result[A, R]{Arg: j.arg, Worker: w.id}
	defer func() {
		stop()
		cancel()
		if r := recover(); r != nil {
			p.log.Error("worker panic", "worker", w.id, "arg", j.arg, "panic", r)
			res.OK = false
			res.Err = fmt.Errorf("%w: %v", ErrWorkerCrashed, r)
			crashed = true
		}
		p.results <- res
	}()
	v, err := p.task(ctx, state, j.arg)
	res.Value, res.Err, res.OK = v, err, err == nil
	return false
}

// Stream feeds args to the workers, keeping at most MaxInFlight outstanding,
// and calls onResult once per arg from the calling goroutine. Dead workers are
// replaced before each dispatch round. On cancellation queued tasks are
// reported with the context error and running ones are awaited.
func (p *Pool[S, A, R]) Stream(ctx context.Context, args iter.Seq[A], onResult func(Result[A, R])) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if !p.started.Load() {
		return ErrNotStarted
	}
	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	next, stop := iter.Pull(args)
	defer stop()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	inflight := 0
	exhausted := false
	var failErr error
	setInflight := func(n int) {
		inflight = n
		if p.cfg.OnInflight != nil {
			p.cfg.OnInflight(n)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			setInflight(inflight - p.drainQueued(err, onResult))
			p.await(inflight, onResult)
			setInflight(0)
			return err
		}
		if failErr == nil {
			if err := p.heal(); err != nil {
				failErr = err
				exhausted = true
				setInflight(inflight - p.drainQueued(err, onResult))
			}
		}
		if failErr != nil && inflight == 0 {
			return failErr
		}
		for !exhausted && inflight < p.cfg.MaxInFlight {
			a, ok := next()
			if !ok {
				exhausted = true
				break
			}
			p.jobs <- job[A]{ctx: ctx, arg: a}
			setInflight(inflight + 1)
		}
		if exhausted && inflight == 0 {
			return nil
		}
		select {
		case r := <-p.results:
			setInflight(inflight - 1)
			onResult(r)
		case <-ticker.C:
		case <-ctx.Done():
		}
	}
}

func (p *Pool[S, A, R]) drainQueued(err error, onResult func(Result[A, R])) int {
	n := 0
	for {
		select {
		case j := <-p.jobs:
			n++
			onResult(Result[A, R]{Arg: j.arg, Err: err})
		default:
			return n
		}
	}
}

func (p *Pool[S, A, R]) await(inflight int, onResult func(Result[A, R])) {
	for ; inflight > 0; inflight-- {
		select {
		case r := <-p.results:
			onResult(r)
		case <-p.ctx.Done():
			return
		}
	}
}

// Broadcast runs fn on every live worker between tasks and waits for all of them.
func (p *Pool[S, A, R]) Broadcast(ctx context.Context, fn func(S)) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.mu.Lock()
	workers := append([]*worker[S](nil), p.workers...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker[S]) {
			defer wg.Done()
			done := make(chan struct{})
			wrapped := func(s S) {
				defer close(done)
				fn(s)
			}
			select {
			case w.ctrl <- wrapped:
			case <-w.exited:
				return
			case <-ctx.Done():
				return
			}
			select {
			case <-done:
			case <-w.exited:
			case <-ctx.Done():
			}
		}(w)
	}
	wg.Wait()
	return ctx.Err()
}

// Shutdown stops every worker once. Workers get timeout to finish the task in
// hand; stragglers have their contexts cancelled and are abandoned.
func (p *Pool[S, A, R]) Shutdown(timeout time.Duration) {
	p.shutdownOnce.Do(func() {
		p.closed.Store(true)
		if !p.started.Load() {
			return
		}
		p.mu.Lock()
		workers := append([]*worker[S](nil), p.workers...)
		p.mu.Unlock()
		for _, w := range workers {
			close(w.quit)
		}
	drain:
		for {
			select {
			case <-p.jobs:
			default:
				break drain
			}
		}

		exited := make(chan struct{})
		go func() {
			for _, w := range workers {
				<-w.exited
			}
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(timeout):
			p.log.Warn("pool shutdown timed out, abandoning workers", "timeout", timeout)
		}
		p.cancel()
	})
}
