package eventpool

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

type state struct {
	id        int
	tasks     int
	broadcast atomic.Int32
}

type harness struct {
	mu     sync.Mutex
	states []*state
	closed atomic.Int32
}

func (h *harness) init(ctx context.Context, id int) (*state, error) {
	s := &state{id: id}
	h.mu.Lock()
	h.states = append(h.states, s)
	h.mu.Unlock()
	return s, nil
}

func (h *harness) close(s *state) { h.closed.Add(1) }

func newPool(t *testing.T, cfg Config, task TaskFunc[*state, int, int]) (*Pool[*state, int, int], *harness) {
	t.Helper()
	h := &harness{}
	p := New(cfg, h.init, task, h.close, logger.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(time.Second) })
	return p, h
}

func square(ctx context.Context, s *state, n int) (int, error) {
	s.tasks++
	return n * n, nil
}

func TestStreamRunsEveryTask(t *testing.T) {
	p, _ := newPool(t, Config{Size: 3, PollInterval: 5 * time.Millisecond}, square)
	got := map[int]int{}
	err := p.Stream(context.Background(), slices.Values([]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}), func(r Result[int, int]) {
		if !r.OK || r.Err != nil {
			t.Fatalf("result %+v", r)
		}
		got[r.Arg] = r.Value
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 10 || got[7] != 49 {
		t.Fatalf("results = %v", got)
	}
}

func TestStreamRespectsMaxInFlight(t *testing.T) {
	var peak atomic.Int32
	cfg := Config{
		Size:         2,
		MaxInFlight:  3,
		PollInterval: 5 * time.Millisecond,
		OnInflight: func(n int) {
			if int32(n) > peak.Load() {
				peak.Store(int32(n))
			}
		},
	}
	p, _ := newPool(t, cfg, func(ctx context.Context, s *state, n int) (int, error) {
		time.Sleep(2 * time.Millisecond)
		return n, nil
	})
	args := make([]int, 40)
	count := 0
	if err := p.Stream(context.Background(), slices.Values(args), func(Result[int, int]) { count++ }); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if count != 40 {
		t.Fatalf("count = %d", count)
	}
	if peak.Load() > 3 {
		t.Fatalf("peak in-flight = %d, want <= 3", peak.Load())
	}
}

func TestWorkerCrashIsReportedAndHealed(t *testing.T) {
	var restarts atomic.Int32
	cfg := Config{Size: 2, PollInterval: 5 * time.Millisecond, OnRestart: func(int) { restarts.Add(1) }}
	p, h := newPool(t, cfg, func(ctx context.Context, s *state, n int) (int, error) {
		if n == 5 {
			panic("boom")
		}
		return n, nil
	})
	var crashed, ok int
	err := p.Stream(context.Background(), slices.Values([]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}), func(r Result[int, int]) {
		switch {
		case errors.Is(r.Err, ErrWorkerCrashed):
			if r.Arg != 5 || r.OK {
				t.Fatalf("crash result %+v", r)
			}
			crashed++
		case r.OK:
			ok++
		}
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if crashed != 1 || ok != 9 {
		t.Fatalf("crashed=%d ok=%d", crashed, ok)
	}
	// The replacement is spawned on the next dispatch round.
	_ = p.Stream(context.Background(), slices.Values([]int{11}), func(Result[int, int]) {})
	if restarts.Load() < 1 {
		t.Fatalf("expected a restart")
	}
	if h.closed.Load() < 1 {
		t.Fatalf("crashed worker state was not closed")
	}
}

func TestBroadcastReachesEveryWorker(t *testing.T) {
	p, h := newPool(t, Config{Size: 4}, square)
	if err := p.Broadcast(context.Background(), func(s *state) { s.broadcast.Add(1) }); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) != 4 {
		t.Fatalf("states = %d", len(h.states))
	}
	for _, s := range h.states {
		if s.broadcast.Load() != 1 {
			t.Fatalf("worker %d saw %d broadcasts", s.id, s.broadcast.Load())
		}
	}
}

func TestCancellationReportsQueuedTasks(t *testing.T) {
	p, _ := newPool(t, Config{Size: 2, MaxInFlight: 4, PollInterval: 5 * time.Millisecond}, func(ctx context.Context, s *state, n int) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	var reported int
	err := p.Stream(ctx, slices.Values(make([]int, 10)), func(r Result[int, int]) {
		if r.OK || r.Err == nil {
			t.Fatalf("result %+v", r)
		}
		reported++
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if reported != 4 {
		t.Fatalf("reported = %d, want every dispatched task", reported)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	h := &harness{}
	p := New(Config{Size: 2}, h.init, square, h.close, logger.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.Shutdown(time.Second)
	p.Shutdown(time.Second)
	if h.closed.Load() != 2 {
		t.Fatalf("closed = %d", h.closed.Load())
	}
	if err := p.Stream(context.Background(), slices.Values([]int{1}), func(Result[int, int]) {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartFailsWhenInitFails(t *testing.T) {
	boom := errors.New("no database")
	p := New(Config{Size: 2}, func(ctx context.Context, id int) (*state, error) {
		return nil, boom
	}, square, nil, logger.Nop())
	if err := p.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestStreamBeforeStart(t *testing.T) {
	h := &harness{}
	p := New(Config{Size: 1}, h.init, square, nil, logger.Nop())
	if err := p.Stream(context.Background(), slices.Values([]int{1}), func(Result[int, int]) {}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v", err)
	}
}
