// Package store holds the persisted models of the primary object store.
package store

// Models lists every table the indexer reads or writes, in migration order.
func Models() []any {
	return []any{
		&Resource{},
		&CurrentProperties{},
		&Key{},
		&Link{},
		&TransactionRecord{},
	}
}
