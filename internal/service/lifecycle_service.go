package service

import (
	"sort"
	"time"

	"github.com/devrev/pairdb/internal/model"
)

// LifecyclePolicy controls hot/cold residency, garbage collection and tombstones
type LifecyclePolicy struct {
	PassivationEnabled bool
	PassivateAfter     time.Duration

	GCEnabled bool
	GCAfter   time.Duration
	// GCOnlyIfNeverTouched spares cold entities that were read or commanded after creation.
	// Commands count through TouchCount, reads through the journaled Read flag.
	GCOnlyIfNeverTouched bool

	// MaxHotEntities evicts the least recently accessed hot entities above this count. 0 disables.
	MaxHotEntities int

	// TombstoneTTL bounds how long a tombstone blocks re-creation. 0 keeps tombstones forever.
	TombstoneTTL time.Duration
}

// MaintenancePlan is the set of transitions one maintenance pass will perform
type MaintenancePlan struct {
	Passivate       []model.EntityKey
	Evict           []model.EntityKey
	Collect         []model.EntityKey
	PruneTombstones []model.EntityKey
}

// MaintenanceReport summarizes one RunLifecycleMaintenance pass
type MaintenanceReport struct {
	Passivated       int
	Evicted          int
	Collected        int
	TombstonesPruned int
}

// LifecycleManager decides residency transitions. It never mutates state itself.
type LifecycleManager struct {
	policy LifecyclePolicy
}

// NewLifecycleManager creates a lifecycle manager
func NewLifecycleManager(policy LifecyclePolicy) *LifecycleManager {
	return &LifecycleManager{policy: policy}
}

// Policy returns the active policy
func (m *LifecycleManager) Policy() LifecyclePolicy {
	return m.policy
}

// TombstoneFor builds a tombstone for key, honoring TombstoneTTL
func (m *LifecycleManager) TombstoneFor(key model.EntityKey, reason string, now time.Time) model.Tombstone {
	ts := model.Tombstone{Key: key, Reason: reason, DeletedAt: now}
	if m.policy.TombstoneTTL > 0 {
		exp := now.Add(m.policy.TombstoneTTL)
		ts.ExpiresAt = &exp
	}
	return ts
}

// Plan computes one pass in order: passivate idle hot entities, evict under
// hot pressure, collect idle cold entities, prune expired tombstones.
// Entities passivated or evicted in this pass are GC candidates in the same pass.
func (m *LifecycleManager) Plan(now time.Time, table *entityTable) MaintenancePlan {
	var plan MaintenancePlan
	coldAfter := make(map[model.EntityKey]*model.StoredEntity, len(table.cold))
	for k, e := range table.cold {
		coldAfter[k] = e
	}

	remainingHot := make([]*model.StoredEntity, 0, len(table.hot))
	for _, key := range sortedKeys(table.hot) {
		e := table.hot[key]
		if m.policy.PassivationEnabled && now.Sub(e.LastAccessAt) >= m.policy.PassivateAfter {
			plan.Passivate = append(plan.Passivate, key)
			coldAfter[key] = e
			continue
		}
		remainingHot = append(remainingHot, e)
	}

	if limit := m.policy.MaxHotEntities; limit > 0 && len(remainingHot) > limit {
		for _, e := range oldestFirst(remainingHot)[:len(remainingHot)-limit] {
			key := e.State.Key()
			plan.Evict = append(plan.Evict, key)
			coldAfter[key] = e
		}
	}

	if m.policy.GCEnabled {
		for _, key := range sortedKeys(coldAfter) {
			e := coldAfter[key]
			if now.Sub(e.LastAccessAt) < m.policy.GCAfter {
				continue
			}
			if m.policy.GCOnlyIfNeverTouched && (e.State.Metadata.TouchCount > 0 || e.Read) {
				continue
			}
			plan.Collect = append(plan.Collect, key)
		}
	}

	for _, ts := range table.sortedTombstones() {
		if ts.Expired(now) {
			plan.PruneTombstones = append(plan.PruneTombstones, ts.Key)
		}
	}

	return plan
}

// HotOverflow returns the hot entities to evict so that at most MaxHotEntities
// stay resident. keep is never chosen.
func (m *LifecycleManager) HotOverflow(table *entityTable, keep model.EntityKey) []model.EntityKey {
	limit := m.policy.MaxHotEntities
	if limit <= 0 || len(table.hot) <= limit {
		return nil
	}
	candidates := make([]*model.StoredEntity, 0, len(table.hot))
	for k, e := range table.hot {
		if k != keep {
			candidates = append(candidates, e)
		}
	}
	excess := len(table.hot) - limit
	if excess > len(candidates) {
		excess = len(candidates)
	}
	out := make([]model.EntityKey, 0, excess)
	for _, e := range oldestFirst(candidates)[:excess] {
		out = append(out, e.State.Key())
	}
	return out
}

func oldestFirst(entities []*model.StoredEntity) []*model.StoredEntity {
	sort.Slice(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		if !a.LastAccessAt.Equal(b.LastAccessAt) {
			return a.LastAccessAt.Before(b.LastAccessAt)
		}
		return a.State.Key().Less(b.State.Key())
	})
	return entities
}

func sortedKeys(m map[model.EntityKey]*model.StoredEntity) []model.EntityKey {
	keys := make([]model.EntityKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
