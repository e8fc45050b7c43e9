package bus

import (
	"context"
	"time"
)

// CycleEvent announces a finished index cycle to other processes.
type CycleEvent struct {
	Xmin        int64     `json:"xmin"`
	LastXmin    *int64    `json:"last_xmin,omitempty"`
	Status      string    `json:"status"`
	Indexed     int       `json:"indexed"`
	Errors      int       `json:"errors"`
	FullRebuild bool      `json:"full_rebuild"`
	FinishedAt  time.Time `json:"finished_at"`
}

type Bus interface {
	Publish(ctx context.Context, ev CycleEvent) error
	StartForwarder(ctx context.Context, onMsg func(ev CycleEvent)) error
	Close() error
}
