package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/data/db"
	"github.com/yungbote/snovault-indexer/internal/domain/store"
	"github.com/yungbote/snovault-indexer/internal/platform/dbctx"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

var ErrNotFound = errors.New("item not found")

const iterBatchSize = 1000

// ItemRepo is the object storage API the indexing pipeline consumes. Passing a
// dbctx.Context whose Tx is bound to an exported snapshot makes every read
// snapshot-scoped.
type ItemRepo interface {
	GetByUUID(dbc dbctx.Context, id uuid.UUID) (*store.Item, error)
	IterAll(dbc dbctx.Context, itemType string) iter.Seq2[uuid.UUID, error]
	Count(dbc dbctx.Context, itemType string) (int64, error)
	ItemTypes(dbc dbctx.Context) ([]string, error)
	// RevLinks returns the sources linking to target through rel.
	RevLinks(dbc dbctx.Context, target uuid.UUID, rel string) ([]uuid.UUID, error)
	Write(dbc dbctx.Context, req WriteRequest) (*WriteResult, error)
}

type itemRepo struct {
	db  *gorm.DB
	log *logger.Logger
	rec Recorder
	tx  *db.TxRunner
}

// Recorder is the commit hook called inside every write transaction.
type Recorder interface {
	Record(dbc dbctx.Context, data store.TransactionData) (*store.TransactionRecord, error)
}

func NewItemRepo(gdb *gorm.DB, baseLog *logger.Logger, rec Recorder) ItemRepo {
	return &itemRepo{
		db:  gdb,
		log: baseLog.With("repo", "ItemRepo"),
		rec: rec,
		tx:  db.NewTxRunner(gdb, 3, 50*time.Millisecond),
	}
}

func (r *itemRepo) GetByUUID(dbc dbctx.Context, id uuid.UUID) (*store.Item, error) {
	conn := dbc.Conn(r.db)
	var res store.Resource
	err := conn.Where("rid = ?", id).Take(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	item := &store.Item{
		UUID:       res.RID,
		ItemType:   res.ItemType,
		Properties: map[string]any{},
		Keys:       map[string][]string{},
		Links:      map[string][]uuid.UUID{},
	}

	var props store.CurrentProperties
	err = conn.Where("rid = ?", id).Take(&props).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, err
	default:
		item.TID = props.TID
		if len(props.Properties) > 0 {
			if err := json.Unmarshal(props.Properties, &item.Properties); err != nil {
				return nil, fmt.Errorf("decode properties of %s: %w", id, err)
			}
		}
	}

	var keys []store.Key
	if err := conn.Where("rid = ?", id).Order("name, value").Find(&keys).Error; err != nil {
		return nil, err
	}
	for _, k := range keys {
		item.Keys[k.Name] = append(item.Keys[k.Name], k.Value)
	}

	var links []store.Link
	if err := conn.Where("source = ?", id).Order("rel, target").Find(&links).Error; err != nil {
		return nil, err
	}
	for _, l := range links {
		item.Links[l.Rel] = append(item.Links[l.Rel], l.Target)
	}
	return item, nil
}

// IterAll pages through resources of itemType by rid, so it stays cheap on
// large tables and never holds a cursor open between batches.
func (r *itemRepo) IterAll(dbc dbctx.Context, itemType string) iter.Seq2[uuid.UUID, error] {
	return func(yield func(uuid.UUID, error) bool) {
		var after *uuid.UUID
		for {
			q := dbc.Conn(r.db).Model(&store.Resource{}).Where("item_type = ?", itemType)
			if after != nil {
				q = q.Where("rid > ?", *after)
			}
			var batch []uuid.UUID
			if err := q.Order("rid ASC").Limit(iterBatchSize).Pluck("rid", &batch).Error; err != nil {
				yield(uuid.Nil, fmt.Errorf("iterate %s: %w", itemType, err))
				return
			}
			for _, id := range batch {
				if !yield(id, nil) {
					return
				}
			}
			if len(batch) < iterBatchSize {
				return
			}
			last := batch[len(batch)-1]
			after = &last
		}
	}
}

func (r *itemRepo) Count(dbc dbctx.Context, itemType string) (int64, error) {
	var n int64
	err := dbc.Conn(r.db).Model(&store.Resource{}).Where("item_type = ?", itemType).Count(&n).Error
	return n, err
}

func (r *itemRepo) ItemTypes(dbc dbctx.Context) ([]string, error) {
	var out []string
	if err := dbc.Conn(r.db).Model(&store.Resource{}).Distinct("item_type").Pluck("item_type", &out).Error; err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (r *itemRepo) RevLinks(dbc dbctx.Context, target uuid.UUID, rel string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := dbc.Conn(r.db).Model(&store.Link{}).
		Where("target = ? AND rel = ?", target, rel).
		Order("source ASC").
		Pluck("source", &out).Error
	return out, err
}
