// Package render builds the index-data document of an item from a
// snapshot-bound session.
package render

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/snovault-indexer/internal/data/repos/storage"
	"github.com/yungbote/snovault-indexer/internal/docindex"
	"github.com/yungbote/snovault-indexer/internal/domain/store"
	"github.com/yungbote/snovault-indexer/internal/indexing/snapshot"
	"github.com/yungbote/snovault-indexer/internal/platform/dbctx"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

type Renderer struct {
	items  storage.ItemRepo
	types  *Registry
	calc   Calculated
	audits Audits
	log    *logger.Logger
}

type Option func(*Renderer)

func WithCalculated(c Calculated) Option { return func(r *Renderer) { r.calc = c } }
func WithAudits(a Audits) Option         { return func(r *Renderer) { r.audits = a } }

func NewRenderer(items storage.ItemRepo, types *Registry, baseLog *logger.Logger, opts ...Option) *Renderer {
	r := &Renderer{
		items:  items,
		types:  types,
		calc:   DefaultCalculated(),
		audits: DefaultAudits(),
		log:    baseLog.With("component", "Renderer"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// pass tracks what one IndexData call touched.
type pass struct {
	dbc      dbctx.Context
	items    map[uuid.UUID]*store.Item
	linked   map[string]struct{}
	embedded map[string]struct{}
}

func (r *Renderer) load(p *pass, id uuid.UUID) (*store.Item, error) {
	if it, ok := p.items[id]; ok {
		return it, nil
	}
	it, err := r.items.GetByUUID(p.dbc, id)
	if err != nil {
		return nil, err
	}
	p.items[id] = it
	p.linked[id.String()] = struct{}{}
	return it, nil
}

// IndexData renders the document stored in the search index for id.
func (r *Renderer) IndexData(ctx context.Context, sess *snapshot.Session, id string) (*docindex.Document, error) {
	if sess == nil {
		return nil, fmt.Errorf("render %s: no session", id)
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("render: invalid uuid %q: %w", id, err)
	}
	p := &pass{
		dbc:      sess.DBC(ctx),
		items:    map[uuid.UUID]*store.Item{},
		linked:   map[string]struct{}{},
		embedded: map[string]struct{}{},
	}
	item, err := r.load(p, uid)
	if err != nil {
		return nil, err
	}
	p.embedded[item.UUID.String()] = struct{}{}

	object, err := r.object(p, item)
	if err != nil {
		return nil, err
	}
	embedded := cloneMap(object)
	ti := r.types.Lookup(item.ItemType)
	paths := append([]string(nil), ti.Embedded...)
	sort.Strings(paths)
	for _, path := range paths {
		if err := r.embedPath(p, embedded, item, strings.Split(path, ".")); err != nil {
			return nil, fmt.Errorf("embed %s.%s: %w", item.ItemType, path, err)
		}
	}

	atID := r.atID(item)
	doc := &docindex.Document{
		UUID:              item.UUID.String(),
		ItemType:          item.ItemType,
		Object:            object,
		Embedded:          embedded,
		LinkedUUIDs:       sortedKeys(p.linked),
		EmbeddedUUIDs:     sortedKeys(p.embedded),
		Paths:             r.paths(item),
		UniqueKeys:        item.Keys,
		PrincipalsAllowed: principalsAllowed(item.Properties),
		TID:               item.TID.String(),
		Audit:             r.audits.run(item.ItemType, atID, embedded),
	}
	return doc, nil
}

func (r *Renderer) atID(item *store.Item) string {
	ti := r.types.Lookup(item.ItemType)
	key := item.UUID.String()
	if ti.NameKey != "" {
		if v, ok := item.Properties[ti.NameKey].(string); ok && v != "" {
			key = v
		}
	}
	return "/" + ti.Collection + "/" + key + "/"
}

func (r *Renderer) paths(item *store.Item) []string {
	ti := r.types.Lookup(item.ItemType)
	set := map[string]struct{}{
		"/" + ti.Collection + "/" + item.UUID.String() + "/": {},
		r.atID(item): {},
	}
	return sortedKeys(set)
}

// object renders the frame=object view: own properties with links as @ids.
func (r *Renderer) object(p *pass, item *store.Item) (map[string]any, error) {
	ti := r.types.Lookup(item.ItemType)
	obj := cloneMap(item.Properties)

	rels := make([]string, 0, len(item.Links))
	for rel := range item.Links {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		targets := linkTargets(item, rel)
		ids := make([]any, 0, len(targets))
		for _, t := range targets {
			target, err := r.load(p, t)
			if err != nil {
				return nil, err
			}
			ids = append(ids, r.atID(target))
		}
		if _, many := item.Properties[rel].([]any); many || len(ids) != 1 {
			obj[rel] = ids
		} else {
			obj[rel] = ids[0]
		}
	}

	for name := range ti.RevLinks {
		sources, err := r.revTargets(p, item, name)
		if err != nil {
			return nil, err
		}
		ids := make([]any, 0, len(sources))
		for _, s := range sources {
			ids = append(ids, r.atID(p.items[s]))
		}
		obj[name] = ids
	}

	atID := r.atID(item)
	if ti.Attachment {
		if att, ok := obj["attachment"].(map[string]any); ok {
			if dl, ok := att["download"].(string); ok && dl != "" {
				att = cloneMap(att)
				att["href"] = atID + "@@download/attachment/" + dl
				obj["attachment"] = att
			}
		}
	}
	obj["@id"] = atID
	obj["@type"] = []any{TypeName(item.ItemType), "Item"}
	obj["uuid"] = item.UUID.String()
	r.calc.apply(item.ItemType, obj)
	return obj, nil
}

// embedPath replaces the @id values along segs with embedded object views.
func (r *Renderer) embedPath(p *pass, view map[string]any, item *store.Item, segs []string) error {
	seg := segs[0]
	ti := r.types.Lookup(item.ItemType)
	_, isRev := ti.RevLinks[seg]

	var targets []uuid.UUID
	if isRev {
		var err error
		if targets, err = r.revTargets(p, item, seg); err != nil {
			return err
		}
	} else {
		targets = linkTargets(item, seg)
	}
	if len(targets) == 0 {
		return nil
	}

	existing := view[seg]
	_, wasList := existing.([]any)
	subs := make([]any, 0, len(targets))
	for i, t := range targets {
		target, err := r.load(p, t)
		if err != nil {
			return err
		}
		sub := embeddedAt(existing, i)
		if sub == nil {
			if sub, err = r.object(p, target); err != nil {
				return err
			}
		}
		p.embedded[t.String()] = struct{}{}
		if len(segs) > 1 {
			if err := r.embedPath(p, sub, target, segs[1:]); err != nil {
				return err
			}
		}
		subs = append(subs, sub)
	}
	if isRev || wasList || len(subs) > 1 {
		view[seg] = subs
	} else {
		view[seg] = subs[0]
	}
	return nil
}

func (r *Renderer) revTargets(p *pass, item *store.Item, name string) ([]uuid.UUID, error) {
	rl := r.types.Lookup(item.ItemType).RevLinks[name]
	sources, err := r.items.RevLinks(p.dbc, item.UUID, rl.Rel)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(sources))
	for _, s := range sources {
		src, err := r.load(p, s)
		if err != nil {
			return nil, err
		}
		if rl.Type == "" || src.ItemType == rl.Type {
			out = append(out, s)
		}
	}
	return out, nil
}

// linkTargets keeps the order of the property value, falling back to the
// stored link order.
func linkTargets(item *store.Item, rel string) []uuid.UUID {
	stored := item.Links[rel]
	if len(stored) == 0 {
		return nil
	}
	valid := make(map[uuid.UUID]struct{}, len(stored))
	for _, t := range stored {
		valid[t] = struct{}{}
	}
	var raw []string
	switch v := item.Properties[rel].(type) {
	case string:
		raw = []string{v}
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	out := make([]uuid.UUID, 0, len(stored))
	seen := map[uuid.UUID]struct{}{}
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		if _, ok := valid[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, t := range stored {
		if _, ok := seen[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func embeddedAt(v any, i int) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		if i == 0 {
			return t
		}
	case []any:
		if i < len(t) {
			if m, ok := t[i].(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
