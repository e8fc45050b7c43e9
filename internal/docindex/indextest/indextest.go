// Package indextest holds behaviour checks shared by every docindex backend.
package indextest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/yungbote/snovault-indexer/internal/docindex"
)

func doc(id string, embedded, linked []string) *docindex.Document {
	return &docindex.Document{
		UUID:          id,
		ItemType:      "experiment",
		Object:        map[string]any{"uuid": id},
		Embedded:      map[string]any{"uuid": id},
		EmbeddedUUIDs: append([]string{id}, embedded...),
		LinkedUUIDs:   linked,
	}
}

// Run exercises versioning, reference lookup and meta documents.
func Run(t *testing.T, open func(t *testing.T) docindex.Index) {
	t.Run("ExternalGTE", func(t *testing.T) {
		idx := open(t)
		ctx := context.Background()
		if err := idx.Index(ctx, doc("a", nil, nil), 10); err != nil {
			t.Fatalf("index v10: %v", err)
		}
		if err := idx.Index(ctx, doc("a", nil, nil), 10); err != nil {
			t.Fatalf("re-index same version: %v", err)
		}
		if err := idx.Index(ctx, doc("a", nil, nil), 12); err != nil {
			t.Fatalf("index v12: %v", err)
		}
		err := idx.Index(ctx, doc("a", nil, nil), 11)
		if !errors.Is(err, docindex.ErrVersionConflict) {
			t.Fatalf("stale write err = %v, want version conflict", err)
		}
		got, err := idx.Get(ctx, "a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Version != 12 {
			t.Fatalf("version = %d, want 12", got.Version)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		idx := open(t)
		if _, err := idx.Get(context.Background(), "nope"); !errors.Is(err, docindex.ErrNotFound) {
			t.Fatalf("err = %v, want not found", err)
		}
	})

	t.Run("FindReferencing", func(t *testing.T) {
		idx := open(t)
		ctx := context.Background()
		// exp1 embeds lab; exp2 links to lab only; bio embeds donor.
		mustIndex(t, idx, doc("exp1", []string{"lab"}, []string{"lab"}), 1)
		mustIndex(t, idx, doc("exp2", nil, []string{"lab"}), 1)
		mustIndex(t, idx, doc("bio", []string{"donor"}, []string{"donor"}), 1)

		res, err := idx.FindReferencing(ctx, docindex.ReferenceQuery{Updated: []string{"lab"}, Limit: 100})
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if fmt.Sprint(res.UUIDs) != "[exp1]" || res.Total != 1 {
			t.Fatalf("updated lab -> %v (%d)", res.UUIDs, res.Total)
		}

		res, err = idx.FindReferencing(ctx, docindex.ReferenceQuery{Renamed: []string{"lab"}, Limit: 100})
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if fmt.Sprint(res.UUIDs) != "[exp1 exp2]" {
			t.Fatalf("renamed lab -> %v", res.UUIDs)
		}

		// Re-indexing drops stale references.
		mustIndex(t, idx, doc("exp1", nil, nil), 2)
		res, _ = idx.FindReferencing(ctx, docindex.ReferenceQuery{Updated: []string{"lab"}, Limit: 100})
		if len(res.UUIDs) != 0 {
			t.Fatalf("stale reference kept: %v", res.UUIDs)
		}
	})

	t.Run("FindReferencingOverLimit", func(t *testing.T) {
		idx := open(t)
		for i := 0; i < 5; i++ {
			mustIndex(t, idx, doc(fmt.Sprintf("d%d", i), []string{"shared"}, nil), 1)
		}
		res, err := idx.FindReferencing(context.Background(), docindex.ReferenceQuery{Updated: []string{"shared"}, Limit: 3})
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if res.Total <= 3 {
			t.Fatalf("total = %d, want > limit", res.Total)
		}
	})

	t.Run("Meta", func(t *testing.T) {
		idx := open(t)
		ctx := context.Background()
		var out map[string]any
		if err := idx.GetMeta(ctx, "indexing", &out); !errors.Is(err, docindex.ErrNotFound) {
			t.Fatalf("err = %v, want not found", err)
		}
		if err := idx.PutMeta(ctx, "indexing", map[string]any{"xmin": 5}); err != nil {
			t.Fatalf("put meta: %v", err)
		}
		if err := idx.GetMeta(ctx, "indexing", &out); err != nil {
			t.Fatalf("get meta: %v", err)
		}
		if out["xmin"] != float64(5) {
			t.Fatalf("meta = %v", out)
		}
		if err := idx.Refresh(ctx); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	})
}

func mustIndex(t *testing.T, idx docindex.Index, d *docindex.Document, version int64) {
	t.Helper()
	if err := idx.Index(context.Background(), d, version); err != nil {
		t.Fatalf("index %s: %v", d.UUID, err)
	}
}
