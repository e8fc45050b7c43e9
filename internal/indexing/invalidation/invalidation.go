// Package invalidation computes which documents a batch of transactions made stale.
package invalidation

import (
	"context"
	"fmt"
	"iter"
	"sort"

	"github.com/yungbote/snovault-indexer/internal/data/repos/storage"
	"github.com/yungbote/snovault-indexer/internal/docindex"
	"github.com/yungbote/snovault-indexer/internal/platform/dbctx"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

// priorityTypes are re-indexed first in a full rebuild so permission lookups
// resolve early.
var priorityTypes = []string{"user", "access_key"}

// Set is either an explicit list of uuids or a full rebuild over Types.
type Set struct {
	FullRebuild bool
	UUIDs       []string
	Types       []string
	// Count is the number of uuids the set expands to.
	Count int
}

type Builder struct {
	index docindex.Index
	items storage.ItemRepo
	limit int
	log   *logger.Logger
}

type Option func(*Builder)

// WithLimit overrides docindex.SearchMax.
func WithLimit(n int) Option { return func(b *Builder) { b.limit = n } }

func NewBuilder(index docindex.Index, items storage.ItemRepo, baseLog *logger.Logger, opts ...Option) *Builder {
	b := &Builder{index: index, items: items, limit: docindex.SearchMax, log: baseLog.With("component", "InvalidationBuilder")}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build returns updated plus every indexed document that embeds an updated
// item or links to a renamed one. A match count above the limit yields the
// full-rebuild sentinel; the result is never truncated.
func (b *Builder) Build(ctx context.Context, updated, renamed []string) (Set, error) {
	if len(updated) == 0 && len(renamed) == 0 {
		return Set{}, nil
	}
	res, err := b.index.FindReferencing(ctx, docindex.ReferenceQuery{
		Updated: updated,
		Renamed: renamed,
		Limit:   b.limit,
	})
	if err != nil {
		return Set{}, fmt.Errorf("find referencing documents: %w", err)
	}
	if res.Total > b.limit {
		b.log.Info("invalidation over limit, falling back to full rebuild", "matches", res.Total, "limit", b.limit)
		return Set{FullRebuild: true}, nil
	}
	seen := make(map[string]struct{}, len(res.UUIDs)+len(updated))
	out := make([]string, 0, len(res.UUIDs)+len(updated))
	for _, group := range [][]string{res.UUIDs, updated} {
		for _, id := range group {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return Set{UUIDs: out, Count: len(out)}, nil
}

// All resolves a full rebuild over types, or every stored type when empty.
// Users and access keys come first, the rest in name order.
func (b *Builder) All(dbc dbctx.Context, types []string) (Set, error) {
	if len(types) == 0 {
		var err error
		if types, err = b.items.ItemTypes(dbc); err != nil {
			return Set{}, fmt.Errorf("list item types: %w", err)
		}
	}
	ordered := OrderTypes(types)
	total := 0
	for _, t := range ordered {
		n, err := b.items.Count(dbc, t)
		if err != nil {
			return Set{}, fmt.Errorf("count %s: %w", t, err)
		}
		total += int(n)
	}
	return Set{FullRebuild: true, Types: ordered, Count: total}, nil
}

// Enumerate yields the uuids of s lazily; a full rebuild streams type by type.
func (b *Builder) Enumerate(dbc dbctx.Context, s Set) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !s.FullRebuild {
			for _, id := range s.UUIDs {
				if !yield(id, nil) {
					return
				}
			}
			return
		}
		for _, t := range s.Types {
			for id, err := range b.items.IterAll(dbc, t) {
				if err != nil {
					yield("", err)
					return
				}
				if !yield(id.String(), nil) {
					return
				}
			}
		}
	}
}

// OrderTypes de-duplicates types and puts the priority types first.
func OrderTypes(types []string) []string {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for _, t := range priorityTypes {
		if _, ok := set[t]; ok {
			out = append(out, t)
			delete(set, t)
		}
	}
	rest := make([]string, 0, len(set))
	for t := range set {
		rest = append(rest, t)
	}
	sort.Strings(rest)
	return append(out, rest...)
}
