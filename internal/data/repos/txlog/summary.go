package txlog

import (
	"fmt"
	"sort"
	"time"

	"github.com/yungbote/snovault-indexer/internal/domain/store"
)

// Summary reduces a replayed log suffix to the sets the invalidation builder
// consumes. Replay order does not matter: everything is a set union.
type Summary struct {
	TxnCount       int
	Updated        []string
	Renamed        []string
	FirstTimestamp time.Time
	MaxXid         int64
}

func Summarize(records []*store.TransactionRecord) (Summary, error) {
	var s Summary
	updated := map[string]struct{}{}
	renamed := map[string]struct{}{}
	for _, rec := range records {
		if rec == nil {
			continue
		}
		payload, err := rec.Payload()
		if err != nil {
			return Summary{}, fmt.Errorf("decode transaction %s: %w", rec.TID, err)
		}
		s.TxnCount++
		for _, id := range payload.Updated {
			updated[id] = struct{}{}
		}
		for _, id := range payload.Renamed {
			renamed[id] = struct{}{}
		}
		if s.FirstTimestamp.IsZero() || rec.Timestamp.Before(s.FirstTimestamp) {
			s.FirstTimestamp = rec.Timestamp
		}
		if rec.Xid != nil && *rec.Xid > s.MaxXid {
			s.MaxXid = *rec.Xid
		}
	}
	s.Updated = keys(updated)
	s.Renamed = keys(renamed)
	return s, nil
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
