package indexer

import "time"

// StatusDocID is the meta document holding the last persisted cycle.
const StatusDocID = "indexing"

const (
	StatusFinished = "finished"
	StatusNoOp     = "no_op"
	StatusDryRun   = "dry_run"
)

// State is the controller's position in a cycle.
type State string

const (
	StateIdle                 State = "IDLE"
	StateSnapshotAcquired     State = "SNAPSHOT_ACQUIRED"
	StateLogReplayed          State = "LOG_REPLAYED"
	StateInvalidationComputed State = "INVALIDATION_COMPUTED"
	StateDispatched           State = "DISPATCHED"
	StateAggregated           State = "AGGREGATED"
	StatePersisted            State = "PERSISTED"
)

type ObjectError struct {
	UUID  string `json:"uuid"`
	Error string `json:"error_message"`
}

// CycleStatus is the record of one cycle. Persisted cycles define the
// last_xmin of the next one.
type CycleStatus struct {
	Xmin        int64         `json:"xmin"`
	SnapshotID  string        `json:"snapshot_id,omitempty"`
	Recovery    bool          `json:"recovery,omitempty"`
	LastXmin    *int64        `json:"last_xmin"`
	TxnCount    int           `json:"txn_count"`
	Updated     int           `json:"updated"`
	Renamed     int           `json:"renamed"`
	Invalidated int           `json:"invalidated"`
	FullRebuild bool          `json:"full_rebuild"`
	Types       []string      `json:"types,omitempty"`
	Indexed     int           `json:"indexed"`
	Conflicts   int           `json:"conflicts"`
	ErrorCount  int           `json:"error_count"`
	Errors      []ObjectError `json:"errors,omitempty"`
	Status      string        `json:"status"`
	InitiatedBy string        `json:"initiated_by,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Took        string        `json:"took"`
	Lag         string        `json:"lag,omitempty"`
	LagSeconds  float64       `json:"lag_seconds,omitempty"`
}
