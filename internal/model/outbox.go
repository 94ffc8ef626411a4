package model

import (
	"encoding/json"
	"time"
)

// OutboxStatus is the delivery state of an outbox record
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusDispatched OutboxStatus = "dispatched"
)

// OutboxRecord is a durable side effect recorded with the state change that produced it
type OutboxRecord struct {
	OutboxID     string          `json:"outbox_id"`
	EnvelopeID   string          `json:"envelope_id"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	EffectType   string          `json:"effect_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       OutboxStatus    `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

// IdempotencyReceipt stores the outcome of a command so duplicates can be replayed
type IdempotencyReceipt struct {
	ScopeKey    string         `json:"scope_key"`
	EnvelopeID  string         `json:"envelope_id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	CommandName string         `json:"command_name"`
	State       PersistState   `json:"state"`
	Outbox      []OutboxRecord `json:"outbox,omitempty"`
}
