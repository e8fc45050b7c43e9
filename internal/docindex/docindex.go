// Package docindex defines the versioned document index the indexer writes to.
package docindex

import (
	"context"
	"errors"
)

// SearchMax is the most referencing documents an incremental cycle will
// re-index before it falls back to a full rebuild.
const SearchMax = 99999

var (
	// ErrVersionConflict means the stored document carries a newer version.
	ErrVersionConflict = errors.New("docindex: version conflict")
	ErrNotFound        = errors.New("docindex: not found")
	// ErrUnavailable marks a failure the caller may retry after a pause.
	ErrUnavailable = errors.New("docindex: unavailable")
)

// Document is the denormalized index-data form of one item.
type Document struct {
	UUID              string              `json:"uuid"`
	ItemType          string              `json:"item_type"`
	Object            map[string]any      `json:"object"`
	Embedded          map[string]any      `json:"embedded"`
	LinkedUUIDs       []string            `json:"linked_uuids"`
	EmbeddedUUIDs     []string            `json:"embedded_uuids"`
	Paths             []string            `json:"paths"`
	UniqueKeys        map[string][]string `json:"unique_keys"`
	PrincipalsAllowed map[string][]string `json:"principals_allowed"`
	TID               string              `json:"tid"`
	Audit             map[string][]Audit  `json:"audit,omitempty"`

	// Version is assigned by the index on read.
	Version int64 `json:"-"`
}

type Audit struct {
	Category string `json:"category"`
	Detail   string `json:"detail"`
	Level    int    `json:"level"`
	Name     string `json:"level_name"`
	Path     string `json:"path"`
}

// ReferenceQuery selects documents whose embedded_uuids intersect Updated or
// whose linked_uuids intersect Renamed.
type ReferenceQuery struct {
	Updated []string
	Renamed []string
	Limit   int
}

// ReferenceResult holds at most Limit uuids. Total is exact up to Limit and a
// lower bound above it, so Total > Limit means the result was cut short.
type ReferenceResult struct {
	UUIDs []string
	Total int
}

// Index is a document store with external_gte versioning: a write succeeds
// when its version is greater than or equal to the stored one.
type Index interface {
	Index(ctx context.Context, doc *Document, version int64) error
	Get(ctx context.Context, id string) (*Document, error)
	FindReferencing(ctx context.Context, q ReferenceQuery) (ReferenceResult, error)
	PutMeta(ctx context.Context, id string, body any) error
	// GetMeta decodes the meta document into out, or returns ErrNotFound.
	GetMeta(ctx context.Context, id string, out any) error
	Refresh(ctx context.Context) error
	Close() error
}
