package model

import "time"

// JournalOpKind defines the type of journaled operation
type JournalOpKind string

const (
	JournalOpUpsert       JournalOpKind = "upsert"
	JournalOpDelete       JournalOpKind = "delete"
	JournalOpOutboxUpsert JournalOpKind = "outbox_upsert"
	JournalOpTouch        JournalOpKind = "touch"
)

// UpsertOp bundles a new entity state with the envelope and effects that produced it
type UpsertOp struct {
	State            PersistState     `json:"state"`
	Envelope         *CommandEnvelope `json:"envelope,omitempty"`
	Outbox           []OutboxRecord   `json:"outbox,omitempty"`
	IdempotencyScope string           `json:"idempotency_scope,omitempty"`
}

// DeleteOp removes an entity, optionally leaving a tombstone
type DeleteOp struct {
	Key       EntityKey  `json:"key"`
	Reason    string     `json:"reason"`
	Tombstone *Tombstone `json:"tombstone,omitempty"`
}

// OutboxUpsertOp replaces an outbox record (status transitions)
type OutboxUpsertOp struct {
	Record OutboxRecord `json:"record"`
}

// TouchOp records the first read of an entity on this node
type TouchOp struct {
	Key EntityKey `json:"key"`
	At  time.Time `json:"at"`
}

// JournalOp is a tagged union; exactly one payload matches Kind
type JournalOp struct {
	Kind   JournalOpKind   `json:"kind"`
	Upsert *UpsertOp       `json:"upsert,omitempty"`
	Delete *DeleteOp       `json:"delete,omitempty"`
	Outbox *OutboxUpsertOp `json:"outbox,omitempty"`
	Touch  *TouchOp        `json:"touch,omitempty"`
}

// JournalRecord is one line of the journal
type JournalRecord struct {
	Seq       uint64    `json:"seq"` // Monotonic, gapless within a runtime's life
	Timestamp time.Time `json:"timestamp"`
	Op        JournalOp `json:"op"`
	Checksum  uint32    `json:"checksum"` // CRC32 of the encoded op
}

// NewUpsertOp creates an upsert journal op
func NewUpsertOp(op UpsertOp) JournalOp {
	return JournalOp{Kind: JournalOpUpsert, Upsert: &op}
}

// NewDeleteOp creates a delete journal op
func NewDeleteOp(op DeleteOp) JournalOp {
	return JournalOp{Kind: JournalOpDelete, Delete: &op}
}

// NewOutboxUpsertOp creates an outbox status journal op
func NewOutboxUpsertOp(record OutboxRecord) JournalOp {
	return JournalOp{Kind: JournalOpOutboxUpsert, Outbox: &OutboxUpsertOp{Record: record}}
}

// NewTouchOp creates a first-read journal op
func NewTouchOp(key EntityKey, at time.Time) JournalOp {
	return JournalOp{Kind: JournalOpTouch, Touch: &TouchOp{Key: key, At: at}}
}
