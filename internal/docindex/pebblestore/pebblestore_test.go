package pebblestore

import (
	"context"
	"testing"

	"github.com/yungbote/snovault-indexer/internal/docindex"
	"github.com/yungbote/snovault-indexer/internal/docindex/indextest"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), logger.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPebbleStore(t *testing.T) {
	indextest.Run(t, func(t *testing.T) docindex.Index { return openStore(t) })
}

func TestReopenKeepsDocuments(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, logger.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := s.Index(ctx, &docindex.Document{UUID: "a", EmbeddedUUIDs: []string{"a"}}, 3); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s, err = Open(dir, logger.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "a")
	if err != nil || got.Version != 3 {
		t.Fatalf("get = %+v, %v", got, err)
	}
}
