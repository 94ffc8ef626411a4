package model

import "time"

// SnapshotFormatVersion must match exactly when a snapshot is loaded
const SnapshotFormatVersion uint32 = 1

// SnapshotFile is a full-state compaction of the journal
type SnapshotFile struct {
	FormatVersion uint32               `json:"format_version"`
	CreatedAt     time.Time            `json:"created_at"`
	LastSeq       uint64               `json:"last_seq"` // Journal records <= LastSeq are discardable
	Entities      []PersistState       `json:"entities"`
	Tombstones    []Tombstone          `json:"tombstones"`
	Outbox        []OutboxRecord       `json:"outbox"`
	Idempotency   []IdempotencyReceipt `json:"idempotency_index"`
	Read          []EntityKey          `json:"read,omitempty"` // Live keys read at least once
}
