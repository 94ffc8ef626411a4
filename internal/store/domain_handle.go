package store

import (
	"context"
	"encoding/json"
	"sync"
)

// DomainHandle is a shareable front for one AutonomousAggregate. Each call
// holds the handle's lock until it returns, so calls through one handle never
// interleave.
type DomainHandle[V any] struct {
	mu  sync.Mutex
	agg *AutonomousAggregate[V]
}

// NewDomainHandle wraps agg
func NewDomainHandle[V any](agg *AutonomousAggregate[V]) *DomainHandle[V] {
	return &DomainHandle[V]{agg: agg}
}

// OpenDomainHandle opens an aggregate and wraps it
func OpenDomainHandle[V any](ctx context.Context, name string, opts AutonomousOptions[V]) (*DomainHandle[V], error) {
	agg, err := OpenAutonomousAggregate(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return NewDomainHandle(agg), nil
}

// With runs fn with exclusive access to the aggregate
func (h *DomainHandle[V]) With(fn func(agg *AutonomousAggregate[V]) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.agg)
}

// Get returns the record for id
func (h *DomainHandle[V]) Get(id string) (Record[V], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.Get(id)
}

// List returns every record in insertion order
func (h *DomainHandle[V]) List() []Record[V] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.List()
}

// QueryPageFilteredSorted filters with keep, orders with less and returns one page
func (h *DomainHandle[V]) QueryPageFilteredSorted(page, perPage int, keep func(Record[V]) bool, less func(x, y Record[V]) bool) Page[V] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.QueryPageFilteredSorted(page, perPage, keep, less)
}

// Create stores value under id at version 1
func (h *DomainHandle[V]) Create(ctx context.Context, id string, value V) (Record[V], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.Create(ctx, id, value)
}

// Apply runs cmd against id at expectedVersion and audits it
func (h *DomainHandle[V]) Apply(ctx context.Context, id string, expectedVersion uint64, cmd Command[V]) (Record[V], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.Apply(ctx, id, expectedVersion, cmd)
}

// ApplyMany runs cmd on every present id in one transaction and returns how many changed
func (h *DomainHandle[V]) ApplyMany(ctx context.Context, ids []string, cmd Command[V]) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.ApplyMany(ctx, ids, cmd)
}

// Intent applies the command decide picks for the current record, retrying conflicts per policy
func (h *DomainHandle[V]) Intent(ctx context.Context, id string, decide func(current Record[V]) (Command[V], error)) (Record[V], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.Intent(ctx, id, decide)
}

// IntentOne is Intent with a fixed command
func (h *DomainHandle[V]) IntentOne(ctx context.Context, id string, cmd Command[V]) (Record[V], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.IntentOne(ctx, id, cmd)
}

// Remove deletes id
func (h *DomainHandle[V]) Remove(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.Remove(ctx, id)
}

// WorkflowWithCreate applies cmd to id and lets related enlist further writes in the same unit
func (h *DomainHandle[V]) WorkflowWithCreate(ctx context.Context, id string, expectedVersion uint64, cmd Command[V], related func(u *Unit, updated Record[V]) error) (Record[V], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.WorkflowWithCreate(ctx, id, expectedVersion, cmd, related)
}

// MutateOneWith edits the value of id in place through fn
func (h *DomainHandle[V]) MutateOneWith(ctx context.Context, id string, fn func(*V) error) (Record[V], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.MutateOneWith(ctx, id, fn)
}

// MutateManyWith edits every present id through fn in one transaction
func (h *DomainHandle[V]) MutateManyWith(ctx context.Context, ids []string, fn func(id string, v *V) error) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.MutateManyWith(ctx, ids, fn)
}

// Audit returns the audit trail of id, oldest first
func (h *DomainHandle[V]) Audit(id string) []AuditRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.Audit(id)
}

// RecordReceipt stores the response for an idempotency key. An existing receipt wins.
func (h *DomainHandle[V]) RecordReceipt(ctx context.Context, key string, status int, body json.RawMessage) (Receipt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.RecordReceipt(ctx, key, status, body)
}

// Receipt returns the stored response for key
func (h *DomainHandle[V]) Receipt(key string) (Receipt, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agg.Receipt(key)
}
