package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	storageerrors "github.com/devrev/pairdb/internal/errors"
	"github.com/devrev/pairdb/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_PassivateAndGCOnlyIfNeverTouched(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rt := openTestRuntime(t, t.TempDir(), clock, func(o *RuntimeOptions) {
		o.Lifecycle = LifecyclePolicy{
			PassivationEnabled:   true,
			PassivateAfter:       0,
			GCEnabled:            true,
			GCAfter:              0,
			GCOnlyIfNeverTouched: true,
		}
	})

	touchedKey := model.NewEntityKey("account", "touched")
	untouchedKey := model.NewEntityKey("account", "untouched")
	createAccount(t, rt, "touched", 1)
	createAccount(t, rt, "untouched", 1)

	_, err := rt.GetState(ctx, touchedKey)
	require.NoError(t, err)

	report, err := rt.RunLifecycleMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Passivated)
	assert.Equal(t, 1, report.Collected)

	assert.Equal(t, ResidencyCold, rt.Residency(touchedKey))
	assert.Equal(t, ResidencyTombstoned, rt.Residency(untouchedKey))

	ts, ok := rt.Tombstone(untouchedKey)
	require.True(t, ok)
	assert.Equal(t, GCReason, ts.Reason)

	// A second pass never collects the touched entity.
	report, err = rt.RunLifecycleMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Collected)
	assert.Equal(t, ResidencyCold, rt.Residency(touchedKey))
}

func TestLifecycle_ColdEntityResurrectsOnAccess(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rt := openTestRuntime(t, t.TempDir(), clock, func(o *RuntimeOptions) {
		o.Lifecycle = LifecyclePolicy{PassivationEnabled: true, PassivateAfter: time.Minute}
	})
	key := model.NewEntityKey("account", "a1")
	createAccount(t, rt, "a1", 5)

	report, err := rt.RunLifecycleMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Passivated, "not idle long enough")

	clock.Advance(2 * time.Minute)
	report, err = rt.RunLifecycleMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Passivated)
	assert.Equal(t, ResidencyCold, rt.Residency(key))

	st, err := rt.GetState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 5, balanceOf(t, st))
	assert.Equal(t, ResidencyHot, rt.Residency(key))
	assert.Equal(t, uint64(1), rt.Stats().Resurrections)
	assert.Zero(t, st.Metadata.TouchCount)
}

func TestLifecycle_ReadSurvivesRestart(t *testing.T) {
	policy := LifecyclePolicy{
		PassivationEnabled:   true,
		GCEnabled:            true,
		GCOnlyIfNeverTouched: true,
	}
	for _, snapshot := range []bool{false, true} {
		t.Run(fmt.Sprintf("snapshot-%t", snapshot), func(t *testing.T) {
			ctx := context.Background()
			root := t.TempDir()
			clock := newFakeClock()
			key := model.NewEntityKey("account", "e1")

			rt := openTestRuntime(t, root, clock, func(o *RuntimeOptions) { o.Lifecycle = policy })
			createAccount(t, rt, "e1", 1)
			_, err := rt.GetState(ctx, key)
			require.NoError(t, err)
			if snapshot {
				require.NoError(t, rt.Snapshot(ctx))
			}
			require.NoError(t, rt.Close())

			reopened := openTestRuntime(t, root, clock, func(o *RuntimeOptions) { o.Lifecycle = policy })
			report, err := reopened.RunLifecycleMaintenance(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, report.Collected)
			assert.Equal(t, ResidencyCold, reopened.Residency(key))
			_, ok := reopened.Tombstone(key)
			assert.False(t, ok)
		})
	}
}

func TestLifecycle_EvictsUnderHotPressure(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rt := openTestRuntime(t, t.TempDir(), clock, func(o *RuntimeOptions) {
		o.Lifecycle = LifecyclePolicy{MaxHotEntities: 2}
	})

	for _, id := range []string{"a1", "a2", "a3"} {
		createAccount(t, rt, id, 1)
		clock.Advance(time.Second)
	}

	stats := rt.Stats()
	assert.Equal(t, 2, stats.HotEntities)
	assert.Equal(t, 1, stats.ColdEntities)
	assert.Equal(t, ResidencyCold, rt.Residency(model.NewEntityKey("account", "a1")))

	_, err := rt.GetState(ctx, model.NewEntityKey("account", "a1"))
	require.NoError(t, err)
	assert.Equal(t, ResidencyHot, rt.Residency(model.NewEntityKey("account", "a1")))
	assert.Equal(t, ResidencyCold, rt.Residency(model.NewEntityKey("account", "a2")))
	assert.Equal(t, 2, rt.Stats().HotEntities)
}

func TestLifecycle_TombstoneTTLPrunes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rt := openTestRuntime(t, t.TempDir(), clock, func(o *RuntimeOptions) {
		o.Lifecycle = LifecyclePolicy{TombstoneTTL: time.Hour}
	})
	key := model.NewEntityKey("account", "a1")
	createAccount(t, rt, "a1", 1)
	require.NoError(t, rt.DeleteEntity(ctx, key, "closed"))

	_, err := rt.CreateEntity(ctx, key, nil)
	require.Error(t, err, "tombstone blocks re-creation")

	clock.Advance(2 * time.Hour)
	report, err := rt.RunLifecycleMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TombstonesPruned)
	assert.Equal(t, ResidencyAbsent, rt.Residency(key))

	_, err = rt.CreateEntity(ctx, key, nil)
	assert.NoError(t, err)
}

func TestLifecycle_ExpiredTombstoneNoLongerBlocks(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	rt := openTestRuntime(t, t.TempDir(), clock, func(o *RuntimeOptions) {
		o.Lifecycle = LifecyclePolicy{TombstoneTTL: time.Hour}
	})
	registerAccount(t, rt)
	key := model.NewEntityKey("account", "a1")
	createAccount(t, rt, "a1", 1)
	require.NoError(t, rt.DeleteEntity(ctx, key, "closed"))
	clock.Advance(2 * time.Hour)

	// No maintenance pass has pruned the tombstone yet.
	_, err := rt.ApplyCommandEnvelope(ctx, depositEnvelope("a1", 1, nil, "after-ttl"))
	assert.Equal(t, storageerrors.ErrCodeEntityNotFound, storageerrors.GetCode(err))
	err = rt.DeleteEntity(ctx, key, "closed")
	assert.Equal(t, storageerrors.ErrCodeEntityNotFound, storageerrors.GetCode(err))
	_, err = rt.GetState(ctx, key)
	assert.Equal(t, storageerrors.ErrCodeEntityNotFound, storageerrors.GetCode(err))

	_, err = rt.CreateEntity(ctx, key, nil)
	require.NoError(t, err)
	assert.Equal(t, ResidencyHot, rt.Residency(key))
}

func TestLifecycleManager_PlanOrdering(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	table := newEntityTable()
	mk := func(id string, idle time.Duration, touches uint64) model.PersistState {
		st := model.PersistState{PersistID: id, TypeName: "t", Metadata: model.PersistMetadata{TouchCount: touches}}
		table.put(st, now.Add(-idle))
		return st
	}
	mk("fresh", time.Second, 0)
	mk("idle", time.Hour, 0)
	mk("idle-touched", time.Hour, 3)
	exp := now.Add(-time.Minute)
	table.tombstones[model.NewEntityKey("t", "gone")] = model.Tombstone{Key: model.NewEntityKey("t", "gone"), ExpiresAt: &exp}

	m := NewLifecycleManager(LifecyclePolicy{
		PassivationEnabled:   true,
		PassivateAfter:       time.Minute,
		GCEnabled:            true,
		GCAfter:              30 * time.Minute,
		GCOnlyIfNeverTouched: true,
	})
	plan := m.Plan(now, table)

	assert.Equal(t, []model.EntityKey{model.NewEntityKey("t", "idle"), model.NewEntityKey("t", "idle-touched")}, plan.Passivate)
	assert.Equal(t, []model.EntityKey{model.NewEntityKey("t", "idle")}, plan.Collect)
	assert.Equal(t, []model.EntityKey{model.NewEntityKey("t", "gone")}, plan.PruneTombstones)
	assert.Empty(t, plan.Evict)
}
