package txlog

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/snovault-indexer/internal/data/db"
	"github.com/yungbote/snovault-indexer/internal/domain/store"
	"github.com/yungbote/snovault-indexer/internal/platform/dbctx"
	"github.com/yungbote/snovault-indexer/internal/platform/logger"
)

// NotifyChannel is the LISTEN/NOTIFY channel announcing committed transactions.
const NotifyChannel = "snovault.transaction"

type Repo interface {
	// ReadSince returns every record with xid >= lastXmin, in no particular order.
	ReadSince(dbc dbctx.Context, lastXmin int64) ([]*store.TransactionRecord, error)
	// Record appends a record inside dbc.Tx and announces it on NotifyChannel.
	Record(dbc dbctx.Context, data store.TransactionData) (*store.TransactionRecord, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{
		db:  db,
		log: baseLog.With("repo", "TransactionLogRepo"),
	}
}

func (r *repo) ReadSince(dbc dbctx.Context, lastXmin int64) ([]*store.TransactionRecord, error) {
	var out []*store.TransactionRecord
	if err := dbc.Conn(r.db).
		Where("xid >= ?", lastXmin).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("read transactions since xid %d: %w", lastXmin, err)
	}
	return out, nil
}

func (r *repo) Record(dbc dbctx.Context, data store.TransactionData) (*store.TransactionRecord, error) {
	if dbc.Tx == nil {
		return nil, fmt.Errorf("record transaction: a write transaction is required")
	}
	tx := dbc.Conn(r.db)
	raw, err := json.Marshal(normalize(data))
	if err != nil {
		return nil, err
	}
	xid, err := currentXid(tx)
	if err != nil {
		return nil, err
	}
	rec := &store.TransactionRecord{
		TID:       uuid.New(),
		Xid:       &xid,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}
	if err := tx.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("insert transaction record: %w", err)
	}
	if db.IsPostgres(tx) {
		// Delivered by the server only once the surrounding transaction commits.
		if err := tx.Exec("SELECT pg_notify(?, ?)", NotifyChannel, fmt.Sprint(xid)).Error; err != nil {
			return nil, fmt.Errorf("notify %s: %w", NotifyChannel, err)
		}
	}
	return rec, nil
}

func currentXid(tx *gorm.DB) (int64, error) {
	var xid int64
	if db.IsPostgres(tx) {
		if err := tx.Raw("SELECT txid_current()").Scan(&xid).Error; err != nil {
			return 0, fmt.Errorf("txid_current: %w", err)
		}
		return xid, nil
	}
	// Without server-assigned ids, hand out the next value under the write lock.
	if err := tx.Raw("SELECT COALESCE(MAX(xid), 0) + 1 FROM transactions").Scan(&xid).Error; err != nil {
		return 0, fmt.Errorf("next xid: %w", err)
	}
	return xid, nil
}

func normalize(d store.TransactionData) store.TransactionData {
	d.Updated = uniqueSorted(d.Updated)
	d.Renamed = uniqueSorted(d.Renamed)
	return d
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
