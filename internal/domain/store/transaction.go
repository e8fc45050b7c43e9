package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TransactionRecord is one committed write transaction. Rows are append-only;
// Xid is the database transaction id and the only ordering key the indexer uses.
type TransactionRecord struct {
	TID       uuid.UUID      `gorm:"column:tid;type:uuid;primaryKey" json:"tid"`
	Xid       *int64         `gorm:"column:xid;index" json:"xid,omitempty"`
	Timestamp time.Time      `gorm:"column:timestamp;not null;index" json:"timestamp"`
	Data      datatypes.JSON `gorm:"column:data;type:jsonb" json:"data"`
}

func (TransactionRecord) TableName() string { return "transactions" }

// TransactionData is the structured payload stored in TransactionRecord.Data.
type TransactionData struct {
	Updated     []string `json:"updated"`
	Renamed     []string `json:"renamed"`
	RemoteUser  string   `json:"remote_user,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Payload decodes Data. A missing or empty payload decodes to zero sets.
func (r *TransactionRecord) Payload() (TransactionData, error) {
	var out TransactionData
	if r == nil || len(r.Data) == 0 {
		return out, nil
	}
	err := json.Unmarshal(r.Data, &out)
	return out, err
}
