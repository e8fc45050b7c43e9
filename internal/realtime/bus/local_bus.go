package bus

import (
	"context"
	"fmt"
	"sync"
)

// localBus fans events out in-process. It stands in for Redis when none is configured.
type localBus struct {
	mu   sync.RWMutex
	subs map[int]func(CycleEvent)
	next int
}

func NewLocalBus() Bus {
	return &localBus{subs: map[int]func(CycleEvent){}}
}

func (b *localBus) Publish(ctx context.Context, ev CycleEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(ev)
	}
	return nil
}

func (b *localBus) StartForwarder(ctx context.Context, onMsg func(ev CycleEvent)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = onMsg
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *localBus) Close() error { return nil }
