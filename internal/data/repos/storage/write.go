package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/snovault-indexer/internal/domain/store"
	"github.com/yungbote/snovault-indexer/internal/platform/dbctx"
)

// WriteRequest creates or replaces one item. Keys and Links are full
// replacements of the item's current keys and outgoing links.
type WriteRequest struct {
	UUID        uuid.UUID
	ItemType    string
	Properties  map[string]any
	Keys        map[string][]string
	Links       map[string][]uuid.UUID
	RemoteUser  string
	Description string
}

type WriteResult struct {
	UUID        uuid.UUID
	Created     bool
	Transaction *store.TransactionRecord
}

// Write persists req and records the transaction in the same database
// transaction. The item is always "updated"; it is also "renamed" when its
// unique keys changed. Targets of added or removed links are "updated" too,
// since their reverse links changed.
func (r *itemRepo) Write(dbc dbctx.Context, req WriteRequest) (*WriteResult, error) {
	if strings.TrimSpace(req.ItemType) == "" {
		return nil, fmt.Errorf("write: item type is required")
	}
	if req.UUID == uuid.Nil {
		req.UUID = uuid.New()
	}
	if r.rec == nil {
		return nil, fmt.Errorf("write: no transaction recorder configured")
	}
	var out *WriteResult
	err := r.tx.InTx(dbc, func(dbc dbctx.Context) error {
		res, err := r.write(dbc, dbc.Tx, req)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *itemRepo) write(dbc dbctx.Context, tx *gorm.DB, req WriteRequest) (*WriteResult, error) {
	now := time.Now().UTC()
	result := &WriteResult{UUID: req.UUID}

	var existing store.Resource
	err := tx.Where("rid = ?", req.UUID).Limit(1).Find(&existing).Error
	if err != nil {
		return nil, err
	}
	switch {
	case existing.RID == uuid.Nil:
		result.Created = true
		if err := tx.Create(&store.Resource{RID: req.UUID, ItemType: req.ItemType, CreatedAt: now}).Error; err != nil {
			return nil, fmt.Errorf("create resource: %w", err)
		}
	case existing.ItemType != req.ItemType:
		return nil, fmt.Errorf("write: %s is a %s, not a %s", req.UUID, existing.ItemType, req.ItemType)
	}

	props := req.Properties
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	tid := uuid.New()
	sheet := store.CurrentProperties{RID: req.UUID, Properties: raw, TID: tid, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "rid"}},
		DoUpdates: clause.AssignmentColumns([]string{"properties", "tid", "updated_at"}),
	}).Create(&sheet).Error; err != nil {
		return nil, fmt.Errorf("store properties: %w", err)
	}

	renamed, err := replaceKeys(tx, req.UUID, req.Keys)
	if err != nil {
		return nil, err
	}
	touched, err := replaceLinks(tx, req.UUID, req.Links)
	if err != nil {
		return nil, err
	}

	data := store.TransactionData{
		Updated:     append([]string{req.UUID.String()}, touched...),
		RemoteUser:  req.RemoteUser,
		Description: req.Description,
	}
	if renamed {
		data.Renamed = []string{req.UUID.String()}
	}
	rec, err := r.rec.Record(dbc, data)
	if err != nil {
		return nil, err
	}
	// Record mints the transaction token; keep the sheet pointing at it.
	if err := tx.Model(&store.CurrentProperties{}).Where("rid = ?", req.UUID).Update("tid", rec.TID).Error; err != nil {
		return nil, err
	}
	result.Transaction = rec
	return result, nil
}

func replaceKeys(tx *gorm.DB, rid uuid.UUID, keys map[string][]string) (bool, error) {
	var current []store.Key
	if err := tx.Where("rid = ?", rid).Find(&current).Error; err != nil {
		return false, err
	}
	want := map[string]struct{}{}
	var rows []store.Key
	for name, values := range keys {
		for _, v := range values {
			k := name + "\x00" + v
			if _, ok := want[k]; ok {
				continue
			}
			want[k] = struct{}{}
			rows = append(rows, store.Key{Name: name, Value: v, RID: rid})
		}
	}
	have := map[string]struct{}{}
	for _, k := range current {
		have[k.Name+"\x00"+k.Value] = struct{}{}
	}
	changed := len(have) != len(want)
	for k := range want {
		if _, ok := have[k]; !ok {
			changed = true
			break
		}
	}
	if !changed {
		return false, nil
	}
	if err := tx.Where("rid = ?", rid).Delete(&store.Key{}).Error; err != nil {
		return false, err
	}
	if len(rows) > 0 {
		if err := tx.Create(&rows).Error; err != nil {
			return false, fmt.Errorf("unique key conflict: %w", err)
		}
	}
	// A brand new item has no referrers yet; only a key change on an existing one renames it.
	return len(current) > 0, nil
}

func replaceLinks(tx *gorm.DB, source uuid.UUID, links map[string][]uuid.UUID) ([]string, error) {
	var current []store.Link
	if err := tx.Where("source = ?", source).Find(&current).Error; err != nil {
		return nil, err
	}
	want := map[store.Link]struct{}{}
	for rel, targets := range links {
		for _, t := range targets {
			want[store.Link{Source: source, Rel: rel, Target: t}] = struct{}{}
		}
	}
	have := map[store.Link]struct{}{}
	for _, l := range current {
		have[l] = struct{}{}
	}
	touched := map[string]struct{}{}
	for l := range want {
		if _, ok := have[l]; !ok {
			touched[l.Target.String()] = struct{}{}
		}
	}
	for l := range have {
		if _, ok := want[l]; !ok {
			touched[l.Target.String()] = struct{}{}
		}
	}
	if len(touched) == 0 {
		return nil, nil
	}
	if err := tx.Where("source = ?", source).Delete(&store.Link{}).Error; err != nil {
		return nil, err
	}
	rows := make([]store.Link, 0, len(want))
	for l := range want {
		rows = append(rows, l)
	}
	if len(rows) > 0 {
		if err := tx.Create(&rows).Error; err != nil {
			return nil, fmt.Errorf("store links: %w", err)
		}
	}
	out := make([]string, 0, len(touched))
	for id := range touched {
		out = append(out, id)
	}
	return out, nil
}
