package model

import (
	"encoding/json"
	"time"
)

// CommandEnvelope is the unit of work accepted by the entity runtime
type CommandEnvelope struct {
	EnvelopeID      string          `json:"envelope_id"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	CausationID     string          `json:"causation_id,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	ExpectedVersion *uint64         `json:"expected_version,omitempty"`
	CommandName     string          `json:"command_name"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	PayloadVersion  uint32          `json:"payload_version,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	ActorID         string          `json:"actor_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Key returns the target entity key
func (e CommandEnvelope) Key() EntityKey {
	return EntityKey{EntityType: e.EntityType, PersistID: e.EntityID}
}

// ExpectVersion returns a pointer suitable for ExpectedVersion
func ExpectVersion(v uint64) *uint64 {
	return &v
}
