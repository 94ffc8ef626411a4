package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityKey identifies one entity instance
type EntityKey struct {
	EntityType string `json:"entity_type"`
	PersistID  string `json:"persist_id"`
}

// NewEntityKey creates a new entity key
func NewEntityKey(entityType, persistID string) EntityKey {
	return EntityKey{EntityType: entityType, PersistID: persistID}
}

// String returns the key in "{entity_type}/{persist_id}" form
func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s", k.EntityType, k.PersistID)
}

// Less orders keys by entity type, then persist id
func (k EntityKey) Less(other EntityKey) bool {
	if k.EntityType != other.EntityType {
		return k.EntityType < other.EntityType
	}
	return k.PersistID < other.PersistID
}

// PersistMetadata carries versioning and access bookkeeping for an entity
type PersistMetadata struct {
	SchemaVersion uint32     `json:"schema_version"`
	Version       uint64     `json:"version"` // Optimistic-lock token
	Persisted     bool       `json:"persisted"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	TouchCount    uint64     `json:"touch_count"`
	LastTouchAt   *time.Time `json:"last_touch_at,omitempty"`
}

// PersistState is the durable envelope of one entity
type PersistState struct {
	PersistID string          `json:"persist_id"`
	TypeName  string          `json:"type_name"`
	TableName string          `json:"table_name"`
	Metadata  PersistMetadata `json:"metadata"`
	Fields    json.RawMessage `json:"fields"`
}

// Key returns the entity key of the state
func (s PersistState) Key() EntityKey {
	return EntityKey{EntityType: s.TypeName, PersistID: s.PersistID}
}

// Clone returns a deep copy of the state
func (s PersistState) Clone() PersistState {
	cp := s
	if s.Fields != nil {
		cp.Fields = append(json.RawMessage(nil), s.Fields...)
	}
	if s.Metadata.LastTouchAt != nil {
		t := *s.Metadata.LastTouchAt
		cp.Metadata.LastTouchAt = &t
	}
	return cp
}

// StoredEntity is a PersistState plus runtime residency bookkeeping
type StoredEntity struct {
	State        PersistState
	LastAccessAt time.Time
	AccessCount  uint64
	Resident     bool // True while the entity is hot
	Read         bool // Read at least once on this node; durable via the touch op
}

// Tombstone marks a deleted key that must not be silently resurrected
type Tombstone struct {
	Key       EntityKey  `json:"key"`
	Reason    string     `json:"reason"`
	DeletedAt time.Time  `json:"deleted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the tombstone may be pruned
func (t Tombstone) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}
