// Package pebblestore is an embedded docindex.Index on Pebble. Reverse
// references are kept as keys so FindReferencing is a set of prefix scans.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/yungbote/snovault-indexer/internal/docindex"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

const (
	prefixDoc      = "doc/"
	prefixEmbedded = "ref/e/"
	prefixLinked   = "ref/l/"
	prefixMeta     = "meta/"
)

type record struct {
	Version int64              `json:"version"`
	Doc     *docindex.Document `json:"doc"`
}

type Store struct {
	db  *pebble.DB
	log *logger.Logger
	// Serializes read-check-write of versions.
	mu sync.Mutex
}

func Open(path string, baseLog *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble index: %w", err)
	}
	return &Store{db: db, log: baseLog.With("component", "PebbleIndex", "path", path)}, nil
}

func refKey(prefix, target, id string) []byte {
	return []byte(prefix + target + "/" + id)
}

func (s *Store) Index(ctx context.Context, doc *docindex.Document, version int64) error {
	if doc == nil || doc.UUID == "" {
		return fmt.Errorf("pebblestore: document without uuid")
	}
	raw, err := json.Marshal(record{Version: version, Doc: doc})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.load(doc.UUID)
	if err != nil && !errors.Is(err, docindex.ErrNotFound) {
		return err
	}
	if prev != nil && prev.Version > version {
		return fmt.Errorf("%w: %s has version %d, write has %d", docindex.ErrVersionConflict, doc.UUID, prev.Version, version)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if prev != nil && prev.Doc != nil {
		for _, t := range prev.Doc.EmbeddedUUIDs {
			if err := batch.Delete(refKey(prefixEmbedded, t, doc.UUID), nil); err != nil {
				return err
			}
		}
		for _, t := range prev.Doc.LinkedUUIDs {
			if err := batch.Delete(refKey(prefixLinked, t, doc.UUID), nil); err != nil {
				return err
			}
		}
	}
	for _, t := range doc.EmbeddedUUIDs {
		if err := batch.Set(refKey(prefixEmbedded, t, doc.UUID), nil, nil); err != nil {
			return err
		}
	}
	for _, t := range doc.LinkedUUIDs {
		if err := batch.Set(refKey(prefixLinked, t, doc.UUID), nil, nil); err != nil {
			return err
		}
	}
	if err := batch.Set([]byte(prefixDoc+doc.UUID), raw, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: commit %s: %v", docindex.ErrUnavailable, doc.UUID, err)
	}
	return nil
}

func (s *Store) load(id string) (*record, error) {
	val, closer, err := s.db.Get([]byte(prefixDoc + id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", docindex.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var rec record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) Get(ctx context.Context, id string) (*docindex.Document, error) {
	rec, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if rec.Doc == nil {
		return nil, fmt.Errorf("%w: %s", docindex.ErrNotFound, id)
	}
	rec.Doc.Version = rec.Version
	return rec.Doc, nil
}

func (s *Store) FindReferencing(ctx context.Context, q docindex.ReferenceQuery) (docindex.ReferenceResult, error) {
	found := map[string]struct{}{}
	scan := func(prefix string, targets []string) error {
		for _, t := range targets {
			if q.Limit > 0 && len(found) > q.Limit {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.scanPrefix([]byte(prefix+t+"/"), func(id string) bool {
				found[id] = struct{}{}
				return q.Limit <= 0 || len(found) <= q.Limit
			}); err != nil {
				return err
			}
		}
		return nil
	}
	if err := scan(prefixEmbedded, q.Updated); err != nil {
		return docindex.ReferenceResult{}, err
	}
	if err := scan(prefixLinked, q.Renamed); err != nil {
		return docindex.ReferenceResult{}, err
	}

	res := docindex.ReferenceResult{Total: len(found)}
	if q.Limit > 0 && res.Total > q.Limit {
		return res, nil
	}
	res.UUIDs = make([]string, 0, len(found))
	for id := range found {
		res.UUIDs = append(res.UUIDs, id)
	}
	sort.Strings(res.UUIDs)
	return res, nil
}

func (s *Store) scanPrefix(prefix []byte, fn func(id string) bool) error {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	upper[len(upper)-1]++

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		id := string(bytes.TrimPrefix(iter.Key(), prefix))
		if !fn(id) {
			break
		}
	}
	return iter.Error()
}

func (s *Store) PutMeta(ctx context.Context, id string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(prefixMeta+id), raw, pebble.Sync)
}

func (s *Store) GetMeta(ctx context.Context, id string, out any) error {
	val, closer, err := s.db.Get([]byte(prefixMeta + id))
	if errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("%w: meta %s", docindex.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, out)
}

// Refresh flushes the memtable so reads after a cycle hit durable state.
func (s *Store) Refresh(ctx context.Context) error {
	return s.db.Flush()
}

func (s *Store) Close() error {
	return s.db.Close()
}
