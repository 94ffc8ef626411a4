package service

import (
	"sort"
	"time"

	"github.com/devrev/pairdb/internal/model"
)

// entityTable holds the in-memory population of a runtime.
// A live key is in exactly one of hot or cold; a tombstoned key is in neither.
type entityTable struct {
	hot        map[model.EntityKey]*model.StoredEntity
	cold       map[model.EntityKey]*model.StoredEntity
	tombstones map[model.EntityKey]model.Tombstone
}

func newEntityTable() *entityTable {
	return &entityTable{
		hot:        make(map[model.EntityKey]*model.StoredEntity),
		cold:       make(map[model.EntityKey]*model.StoredEntity),
		tombstones: make(map[model.EntityKey]model.Tombstone),
	}
}

// lookup returns the entity and whether it is currently cold
func (t *entityTable) lookup(key model.EntityKey) (*model.StoredEntity, bool) {
	if e, ok := t.hot[key]; ok {
		return e, false
	}
	if e, ok := t.cold[key]; ok {
		return e, true
	}
	return nil, false
}

// put stores state as hot, replacing any previous hot/cold entry and tombstone
func (t *entityTable) put(state model.PersistState, now time.Time) *model.StoredEntity {
	key := state.Key()
	prev, _ := t.lookup(key)
	delete(t.cold, key)
	delete(t.tombstones, key)

	e := &model.StoredEntity{State: state, LastAccessAt: now, Resident: true}
	if prev != nil {
		e.AccessCount = prev.AccessCount
		e.Read = prev.Read
	}
	t.hot[key] = e
	return e
}

// remove drops key from hot and cold
func (t *entityTable) remove(key model.EntityKey) bool {
	_, hot := t.hot[key]
	_, cold := t.cold[key]
	delete(t.hot, key)
	delete(t.cold, key)
	return hot || cold
}

func (t *entityTable) passivate(key model.EntityKey) bool {
	e, ok := t.hot[key]
	if !ok {
		return false
	}
	delete(t.hot, key)
	e.Resident = false
	t.cold[key] = e
	return true
}

func (t *entityTable) resurrect(key model.EntityKey) bool {
	e, ok := t.cold[key]
	if !ok {
		return false
	}
	delete(t.cold, key)
	e.Resident = true
	t.hot[key] = e
	return true
}

// states returns every live state sorted by key
func (t *entityTable) states() []model.PersistState {
	out := make([]model.PersistState, 0, len(t.hot)+len(t.cold))
	for _, e := range t.hot {
		out = append(out, e.State.Clone())
	}
	for _, e := range t.cold {
		out = append(out, e.State.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

// readKeys returns the live keys read at least once, sorted
func (t *entityTable) readKeys() []model.EntityKey {
	var out []model.EntityKey
	for _, m := range []map[model.EntityKey]*model.StoredEntity{t.hot, t.cold} {
		for k, e := range m {
			if e.Read {
				out = append(out, k)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (t *entityTable) sortedTombstones() []model.Tombstone {
	out := make([]model.Tombstone, 0, len(t.tombstones))
	for _, ts := range t.tombstones {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}
