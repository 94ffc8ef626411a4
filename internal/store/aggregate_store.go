package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var storeIDs atomic.Uint64

// Record is one versioned value held by an AggregateStore
type Record[V any] struct {
	ID        string    `json:"id"`
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Value     V         `json:"value"`
}

// Page is one page of a query result. Page numbers start at 1.
type Page[V any] struct {
	Items      []Record[V] `json:"items"`
	Page       int         `json:"page"`
	PerPage    int         `json:"per_page"`
	Total      int         `json:"total"`
	TotalPages int         `json:"total_pages"`
}

// StoreSnapshot is the exported content of one store
type StoreSnapshot[V any] struct {
	Name    string      `json:"name"`
	Records []Record[V] `json:"records"`
}

// Option configures an AggregateStore
type Option[V any] func(*AggregateStore[V])

// WithCloner sets how values are deep-copied into a transaction.
// The default is a plain assignment, which is enough for values without
// shared slices, maps or pointers.
func WithCloner[V any](clone func(V) V) Option[V] {
	return func(s *AggregateStore[V]) { s.clone = clone }
}

// WithUniqueIndex rejects two records producing the same non-empty key
func WithUniqueIndex[V any](name string, key func(V) string) Option[V] {
	return func(s *AggregateStore[V]) {
		s.indexes = append(s.indexes, uniqueIndex[V]{name: name, key: key})
	}
}

// WithSink persists the store's snapshot after every committed transaction
func WithSink[V any](sink SnapshotSink) Option[V] {
	return func(s *AggregateStore[V]) { s.sink = sink }
}

// WithClock overrides the timestamp source
func WithClock[V any](clock func() time.Time) Option[V] {
	return func(s *AggregateStore[V]) { s.clock = clock }
}

type uniqueIndex[V any] struct {
	name string
	key  func(V) string
}

type storeState[V any] struct {
	records map[string]Record[V]
	order   []string
}

func newStoreState[V any]() storeState[V] {
	return storeState[V]{records: make(map[string]Record[V])}
}

func (st storeState[V]) list() []Record[V] {
	out := make([]Record[V], 0, len(st.order))
	for _, id := range st.order {
		out = append(out, st.records[id])
	}
	return out
}

// AggregateStore is a named in-memory collection of versioned records.
// Records list in insertion order.
type AggregateStore[V any] struct {
	id      uint64
	name    string
	clone   func(V) V
	clock   func() time.Time
	indexes []uniqueIndex[V]
	sink    SnapshotSink

	mu    sync.RWMutex
	state storeState[V]
	gen   uint64
	// encoded caches each record's JSON for the sink. Nil means rebuild.
	encoded map[string]json.RawMessage
}

// NewAggregateStore creates an empty store
func NewAggregateStore[V any](name string, opts ...Option[V]) *AggregateStore[V] {
	s := &AggregateStore[V]{
		id:    storeIDs.Add(1),
		name:  name,
		clone: func(v V) V { return v },
		clock: func() time.Time { return time.Now().UTC() },
		state: newStoreState[V](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenAggregateStore creates a store and restores it from its sink, if any
func OpenAggregateStore[V any](ctx context.Context, name string, opts ...Option[V]) (*AggregateStore[V], error) {
	s := NewAggregateStore(name, opts...)
	if s.sink == nil {
		return s, nil
	}
	data, ok, err := s.sink.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if !ok {
		return s, nil
	}
	var snap StoreSnapshot[V]
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if err := s.Restore(snap); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the collection name
func (s *AggregateStore[V]) Name() string { return s.name }

// Len returns the number of records
func (s *AggregateStore[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.order)
}

// Get returns a copy of the record with id
func (s *AggregateStore[V]) Get(id string) (Record[V], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state.records[id]
	if !ok {
		return Record[V]{}, &NotFoundError{Store: s.name, ID: id}
	}
	rec.Value = s.clone(rec.Value)
	return rec, nil
}

// List returns every record in insertion order
func (s *AggregateStore[V]) List() []Record[V] {
	return s.ListFiltered(nil)
}

// ListFiltered returns the records accepted by keep. A nil keep accepts all.
func (s *AggregateStore[V]) ListFiltered(keep func(Record[V]) bool) []Record[V] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record[V], 0, len(s.state.order))
	for _, id := range s.state.order {
		rec := s.state.records[id]
		if keep != nil && !keep(rec) {
			continue
		}
		rec.Value = s.clone(rec.Value)
		out = append(out, rec)
	}
	return out
}

// ListSortedBy returns every record ordered by less. The order is only as
// stable as less is total.
func (s *AggregateStore[V]) ListSortedBy(less func(a, b Record[V]) bool) []Record[V] {
	out := s.List()
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// FindFirst returns the first record in insertion order accepted by match
func (s *AggregateStore[V]) FindFirst(match func(Record[V]) bool) (Record[V], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.state.order {
		rec := s.state.records[id]
		if match(rec) {
			rec.Value = s.clone(rec.Value)
			return rec, true
		}
	}
	return Record[V]{}, false
}

// ListPage returns one page in insertion order
func (s *AggregateStore[V]) ListPage(page, perPage int) Page[V] {
	return s.QueryPageFilteredSorted(page, perPage, nil, nil)
}

// QueryPageFilteredSorted filters, sorts and then pages the collection.
// Pages start at 1; a page past the end has no items.
func (s *AggregateStore[V]) QueryPageFilteredSorted(page, perPage int, keep func(Record[V]) bool, less func(a, b Record[V]) bool) Page[V] {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 1
	}
	all := s.ListFiltered(keep)
	if less != nil {
		sort.SliceStable(all, func(i, j int) bool { return less(all[i], all[j]) })
	}
	total := len(all)
	out := Page[V]{
		Items:      []Record[V]{},
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: (total + perPage - 1) / perPage,
	}
	start := (page - 1) * perPage
	if start >= total {
		return out
	}
	end := start + perPage
	if end > total {
		end = total
	}
	out.Items = all[start:end]
	return out
}

// Create inserts a new record at version 1
func (s *AggregateStore[V]) Create(ctx context.Context, id string, value V) (Record[V], error) {
	var created Record[V]
	err := s.RunInTransaction(ctx, func(tx *StoreTx[V]) error {
		var err error
		created, err = tx.Create(id, value)
		return err
	})
	return created, err
}

// Update applies fn to the current value without a version check
func (s *AggregateStore[V]) Update(ctx context.Context, id string, fn func(*V) error) (Record[V], error) {
	var updated Record[V]
	err := s.RunInTransaction(ctx, func(tx *StoreTx[V]) error {
		var err error
		updated, err = tx.Update(id, fn)
		return err
	})
	return updated, err
}

// PatchIfMatch applies fn only if the record is at expectedVersion
func (s *AggregateStore[V]) PatchIfMatch(ctx context.Context, id string, expectedVersion uint64, fn func(*V) error) (Record[V], error) {
	var updated Record[V]
	err := s.RunInTransaction(ctx, func(tx *StoreTx[V]) error {
		var err error
		updated, err = tx.PatchIfMatch(id, expectedVersion, fn)
		return err
	})
	return updated, err
}

// DeleteIfMatch removes the record only if it is at expectedVersion
func (s *AggregateStore[V]) DeleteIfMatch(ctx context.Context, id string, expectedVersion uint64) error {
	return s.RunInTransaction(ctx, func(tx *StoreTx[V]) error {
		return tx.DeleteIfMatch(id, expectedVersion)
	})
}

// RunInTransaction runs fn against a transactional view of the store and
// commits its writes if fn succeeds and no other transaction committed in between.
func (s *AggregateStore[V]) RunInTransaction(ctx context.Context, fn func(tx *StoreTx[V]) error) error {
	return RunUnit(ctx, func(u *Unit) error {
		return fn(Enlist(u, s))
	})
}

// Snapshot exports every record
func (s *AggregateStore[V]) Snapshot() StoreSnapshot[V] {
	return StoreSnapshot[V]{Name: s.name, Records: s.List()}
}

// Restore replaces the store content with snap
func (s *AggregateStore[V]) Restore(snap StoreSnapshot[V]) error {
	st := newStoreState[V]()
	for _, rec := range snap.Records {
		if _, dup := st.records[rec.ID]; dup {
			return fmt.Errorf("restore %s: duplicate id %s", s.name, rec.ID)
		}
		rec.Value = s.clone(rec.Value)
		st.records[rec.ID] = rec
		st.order = append(st.order, rec.ID)
	}
	for _, idx := range s.indexes {
		if rec, key, ok := firstDuplicate(st, idx); ok {
			return &ConflictError{Kind: ConflictUniqueConstraint, Store: s.name, ID: rec, Index: idx.name, Key: key}
		}
	}
	s.mu.Lock()
	s.state = st
	s.gen++
	s.encoded = nil
	s.mu.Unlock()
	return nil
}

func firstDuplicate[V any](st storeState[V], idx uniqueIndex[V]) (string, string, bool) {
	seen := make(map[string]struct{}, len(st.order))
	for _, id := range st.order {
		key := idx.key(st.records[id].Value)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			return id, key, true
		}
		seen[key] = struct{}{}
	}
	return "", "", false
}

// StoreTx is a transactional view of one store inside a Unit. Writes are
// kept in an overlay over the committed records; commit applies only the
// records the transaction touched.
type StoreTx[V any] struct {
	store   *AggregateStore[V]
	baseGen uint64
	now     time.Time
	writes  map[string]Record[V]
	deleted map[string]struct{} // committed ids dropped from their position
	created []string            // ids appended by this transaction, in order
}

func newStoreTx[V any](s *AggregateStore[V], gen uint64, now time.Time) *StoreTx[V] {
	return &StoreTx[V]{
		store:   s,
		baseGen: gen,
		now:     now,
		writes:  make(map[string]Record[V]),
		deleted: make(map[string]struct{}),
	}
}

// lookup resolves id through the overlay, then the committed records
func (tx *StoreTx[V]) lookup(id string) (Record[V], bool) {
	if rec, ok := tx.writes[id]; ok {
		return rec, true
	}
	if _, gone := tx.deleted[id]; gone {
		return Record[V]{}, false
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	rec, ok := tx.store.state.records[id]
	if ok {
		rec.Value = tx.store.clone(rec.Value)
	}
	return rec, ok
}

// Get returns the record as seen by this transaction
func (tx *StoreTx[V]) Get(id string) (Record[V], error) {
	rec, ok := tx.lookup(id)
	if !ok {
		return Record[V]{}, &NotFoundError{Store: tx.store.name, ID: id}
	}
	return rec, nil
}

// Exists reports whether id is present in this transaction
func (tx *StoreTx[V]) Exists(id string) bool {
	if _, ok := tx.writes[id]; ok {
		return true
	}
	if _, gone := tx.deleted[id]; gone {
		return false
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.state.records[id]
	return ok
}

// List returns every record as seen by this transaction
func (tx *StoreTx[V]) List() []Record[V] {
	tx.store.mu.RLock()
	out := make([]Record[V], 0, len(tx.store.state.order)+len(tx.created))
	for _, id := range tx.store.state.order {
		if _, gone := tx.deleted[id]; gone {
			continue
		}
		rec, ok := tx.writes[id]
		if !ok {
			rec = tx.store.state.records[id]
			rec.Value = tx.store.clone(rec.Value)
		}
		out = append(out, rec)
	}
	tx.store.mu.RUnlock()
	for _, id := range tx.created {
		out = append(out, tx.writes[id])
	}
	return out
}

// Create inserts a new record at version 1
func (tx *StoreTx[V]) Create(id string, value V) (Record[V], error) {
	if id == "" {
		return Record[V]{}, Invalid("%s: id is required", tx.store.name)
	}
	if tx.Exists(id) {
		return Record[V]{}, &ConflictError{Kind: ConflictUniqueConstraint, Store: tx.store.name, ID: id, Index: "id", Key: id}
	}
	if err := tx.checkUnique(id, value); err != nil {
		return Record[V]{}, err
	}
	rec := Record[V]{ID: id, Version: 1, CreatedAt: tx.now, UpdatedAt: tx.now, Value: value}
	tx.writes[id] = rec
	tx.created = append(tx.created, id)
	return rec, nil
}

// Upsert creates the record or replaces its value, bumping the version
func (tx *StoreTx[V]) Upsert(id string, value V) (Record[V], error) {
	if !tx.Exists(id) {
		return tx.Create(id, value)
	}
	return tx.Update(id, func(v *V) error {
		*v = value
		return nil
	})
}

// Update applies fn to the record without a version check
func (tx *StoreTx[V]) Update(id string, fn func(*V) error) (Record[V], error) {
	rec, err := tx.Get(id)
	if err != nil {
		return Record[V]{}, err
	}
	return tx.mutate(rec, fn)
}

// PatchIfMatch applies fn only if the record is at expectedVersion
func (tx *StoreTx[V]) PatchIfMatch(id string, expectedVersion uint64, fn func(*V) error) (Record[V], error) {
	rec, err := tx.Get(id)
	if err != nil {
		return Record[V]{}, err
	}
	if rec.Version != expectedVersion {
		return Record[V]{}, tx.versionConflict(id, expectedVersion, rec.Version)
	}
	return tx.mutate(rec, fn)
}

// DeleteIfMatch removes the record only if it is at expectedVersion
func (tx *StoreTx[V]) DeleteIfMatch(id string, expectedVersion uint64) error {
	rec, err := tx.Get(id)
	if err != nil {
		return err
	}
	if rec.Version != expectedVersion {
		return tx.versionConflict(id, expectedVersion, rec.Version)
	}
	tx.delete(id)
	return nil
}

// Delete removes the record if present and reports whether it was
func (tx *StoreTx[V]) Delete(id string) bool {
	if !tx.Exists(id) {
		return false
	}
	tx.delete(id)
	return true
}

func (tx *StoreTx[V]) delete(id string) {
	delete(tx.writes, id)
	for i, existing := range tx.created {
		if existing == id {
			tx.created = append(tx.created[:i], tx.created[i+1:]...)
			break
		}
	}
	tx.deleted[id] = struct{}{}
}

func (tx *StoreTx[V]) mutate(rec Record[V], fn func(*V) error) (Record[V], error) {
	value := tx.store.clone(rec.Value)
	if err := fn(&value); err != nil {
		return Record[V]{}, err
	}
	if err := tx.checkUnique(rec.ID, value); err != nil {
		return Record[V]{}, err
	}
	rec.Value = value
	rec.Version++
	rec.UpdatedAt = tx.now
	tx.writes[rec.ID] = rec
	return rec, nil
}

func (tx *StoreTx[V]) versionConflict(id string, expected, actual uint64) error {
	return &ConflictError{Kind: ConflictOptimisticLock, Store: tx.store.name, ID: id, Expected: expected, Actual: actual}
}

// checkUnique scans the visible records, so it costs O(n) only for stores
// that declare an index
func (tx *StoreTx[V]) checkUnique(id string, value V) error {
	for _, idx := range tx.store.indexes {
		key := idx.key(value)
		if key == "" {
			continue
		}
		for _, other := range tx.List() {
			if other.ID != id && idx.key(other.Value) == key {
				return &ConflictError{Kind: ConflictUniqueConstraint, Store: tx.store.name, ID: id, Index: idx.name, Key: key}
			}
		}
	}
	return nil
}

func (tx *StoreTx[V]) storeID() uint64   { return tx.store.id }
func (tx *StoreTx[V]) storeName() string { return tx.store.name }
func (tx *StoreTx[V]) isDirty() bool     { return len(tx.writes) > 0 || len(tx.deleted) > 0 }
func (tx *StoreTx[V]) lock()             { tx.store.mu.Lock() }
func (tx *StoreTx[V]) unlock()           { tx.store.mu.Unlock() }

// validate runs with the store locked
func (tx *StoreTx[V]) validate() error {
	if tx.store.gen != tx.baseGen {
		return &ConflictError{Kind: ConflictWriteWrite, Store: tx.store.name}
	}
	return nil
}

// apply runs with the store locked
func (tx *StoreTx[V]) apply() {
	st := &tx.store.state
	if len(tx.deleted) > 0 {
		kept := st.order[:0]
		for _, id := range st.order {
			if _, gone := tx.deleted[id]; gone {
				delete(st.records, id)
				continue
			}
			kept = append(kept, id)
		}
		st.order = kept
	}
	for id, rec := range tx.writes {
		st.records[id] = rec
	}
	st.order = append(st.order, tx.created...)
	tx.store.gen++
}

// persist runs with the store locked so sink writes follow commit order.
// Only records written by this transaction are re-encoded.
func (tx *StoreTx[V]) persist(ctx context.Context) error {
	s := tx.store
	if s.sink == nil {
		return nil
	}
	data, err := s.encodeLocked(tx.writes, tx.deleted)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.name, err)
	}
	if err := s.sink.Save(ctx, s.name, data); err != nil {
		return fmt.Errorf("persist %s: %w", s.name, err)
	}
	return nil
}

// encodeLocked refreshes the record cache for the changed ids and returns the
// bucket payload. The payload matches json.Marshal of the store's Snapshot.
func (s *AggregateStore[V]) encodeLocked(writes map[string]Record[V], deleted map[string]struct{}) ([]byte, error) {
	if s.encoded == nil {
		s.encoded = make(map[string]json.RawMessage, len(s.state.records))
		writes = s.state.records
	}
	for id := range deleted {
		delete(s.encoded, id)
	}
	for id, rec := range writes {
		raw, err := json.Marshal(rec)
		if err != nil {
			s.encoded = nil
			return nil, err
		}
		s.encoded[id] = raw
	}

	name, err := json.Marshal(s.name)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"name":`)
	buf.Write(name)
	buf.WriteString(`,"records":[`)
	for i, id := range s.state.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(s.encoded[id])
	}
	buf.WriteString(`]}`)
	return buf.Bytes(), nil
}
