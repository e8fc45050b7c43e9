package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Resource is the identity row of a stored item. Its type never changes.
type Resource struct {
	RID       uuid.UUID `gorm:"column:rid;type:uuid;primaryKey" json:"uuid"`
	ItemType  string    `gorm:"column:item_type;not null;index" json:"item_type"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (Resource) TableName() string { return "resources" }

// CurrentProperties holds the latest property sheet of a resource and the
// transaction that produced it.
type CurrentProperties struct {
	RID        uuid.UUID      `gorm:"column:rid;type:uuid;primaryKey" json:"uuid"`
	Properties datatypes.JSON `gorm:"column:properties;type:jsonb" json:"properties"`
	TID        uuid.UUID      `gorm:"column:tid;type:uuid;index" json:"tid"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
}

func (CurrentProperties) TableName() string { return "current_properties" }

// Key is a unique key (name, value) pointing at exactly one resource.
// Changing a key changes the item's canonical path, which is a rename.
type Key struct {
	Name  string    `gorm:"column:name;primaryKey" json:"name"`
	Value string    `gorm:"column:value;primaryKey" json:"value"`
	RID   uuid.UUID `gorm:"column:rid;type:uuid;not null;index" json:"uuid"`
}

func (Key) TableName() string { return "keys" }

// Link is a directed reference from Source to Target through property Rel.
type Link struct {
	Source uuid.UUID `gorm:"column:source;type:uuid;primaryKey" json:"source"`
	Rel    string    `gorm:"column:rel;primaryKey" json:"rel"`
	Target uuid.UUID `gorm:"column:target;type:uuid;primaryKey;index" json:"target"`
}

func (Link) TableName() string { return "links" }

// Item is the assembled, read-side view of one resource.
type Item struct {
	UUID       uuid.UUID
	ItemType   string
	Properties map[string]any
	TID        uuid.UUID
	Keys       map[string][]string
	Links      map[string][]uuid.UUID
}
