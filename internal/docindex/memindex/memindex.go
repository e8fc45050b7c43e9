// Package memindex is an in-process docindex.Index for tests and dry runs.
package memindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/yungbote/snovault-indexer/internal/docindex"
)

type entry struct {
	doc     []byte
	version int64
}

type Index struct {
	mu   sync.RWMutex
	docs map[string]entry
	meta map[string][]byte
	fail   error
	writes int
}

func New() *Index {
	return &Index{docs: map[string]entry{}, meta: map[string][]byte{}}
}

func (m *Index) Index(ctx context.Context, doc *docindex.Document, version int64) error {
	if doc == nil || doc.UUID == "" {
		return fmt.Errorf("memindex: document without uuid")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if cur, ok := m.docs[doc.UUID]; ok && cur.version > version {
		return fmt.Errorf("%w: %s has version %d, write has %d", docindex.ErrVersionConflict, doc.UUID, cur.version, version)
	}
	m.docs[doc.UUID] = entry{doc: raw, version: version}
	m.writes++
	return nil
}

func (m *Index) Get(ctx context.Context, id string) (*docindex.Document, error) {
	m.mu.RLock()
	e, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", docindex.ErrNotFound, id)
	}
	var doc docindex.Document
	if err := json.Unmarshal(e.doc, &doc); err != nil {
		return nil, err
	}
	doc.Version = e.version
	return &doc, nil
}

func (m *Index) FindReferencing(ctx context.Context, q docindex.ReferenceQuery) (docindex.ReferenceResult, error) {
	updated := toSet(q.Updated)
	renamed := toSet(q.Renamed)
	m.mu.RLock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var res docindex.ReferenceResult
	for _, id := range ids {
		doc, err := m.Get(ctx, id)
		if err != nil {
			continue
		}
		if !intersects(doc.EmbeddedUUIDs, updated) && !intersects(doc.LinkedUUIDs, renamed) {
			continue
		}
		res.Total++
		if q.Limit > 0 && res.Total > q.Limit {
			break
		}
		res.UUIDs = append(res.UUIDs, id)
	}
	return res, nil
}

func (m *Index) PutMeta(ctx context.Context, id string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.meta[id] = raw
	m.mu.Unlock()
	return nil
}

func (m *Index) GetMeta(ctx context.Context, id string, out any) error {
	m.mu.RLock()
	raw, ok := m.meta[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: meta %s", docindex.ErrNotFound, id)
	}
	return json.Unmarshal(raw, out)
}

// SetFail makes every later Index call return err until cleared with nil.
func (m *Index) SetFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *Index) Refresh(ctx context.Context) error { return nil }

func (m *Index) Close() error { return nil }

// Len returns the number of indexed documents.
func (m *Index) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Writes returns the number of accepted Index calls.
func (m *Index) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func toSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, v := range in {
		out[v] = struct{}{}
	}
	return out
}

func intersects(values []string, set map[string]struct{}) bool {
	if len(set) == 0 {
		return false
	}
	for _, v := range values {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
