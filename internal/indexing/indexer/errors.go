package indexer

import "errors"

var (
	// ErrTransient aborts a cycle without persisting status, so the next
	// cycle replays the same transaction suffix.
	ErrTransient       = errors.New("indexer: transient failure")
	ErrCycleInProgress = errors.New("indexer: cycle already in progress")
)
