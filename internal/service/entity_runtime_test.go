package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	storageerrors "github.com/devrev/pairdb/internal/errors"
	"github.com/devrev/pairdb/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityRuntime_DepositAndIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock())
	registerAccount(t, rt)
	createAccount(t, rt, "acct-1", 10)

	env := depositEnvelope("acct-1", 5, model.ExpectVersion(1), "dep-1")
	res, err := rt.ApplyCommandEnvelope(ctx, env)
	require.NoError(t, err)
	assert.False(t, res.IdempotentReplay)
	assert.Equal(t, uint64(2), res.State.Metadata.Version)
	assert.Equal(t, 15, balanceOf(t, res.State))
	require.Len(t, res.Outbox, 1)
	assert.Equal(t, "deposit_recorded", res.Outbox[0].EffectType)

	again, err := rt.ApplyCommandEnvelope(ctx, env)
	require.NoError(t, err)
	assert.True(t, again.IdempotentReplay)
	assert.Equal(t, uint64(2), again.State.Metadata.Version)
	assert.Equal(t, 15, balanceOf(t, again.State))
	assert.Equal(t, res.Outbox, again.Outbox)

	st, err := rt.GetState(ctx, model.NewEntityKey("account", "acct-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Metadata.Version)
	assert.Equal(t, 15, balanceOf(t, st))
	assert.Len(t, rt.PendingOutbox(), 1)
}

func TestEntityRuntime_VersionAdvancesOncePerCommit(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock())
	registerAccount(t, rt)
	initial := createAccount(t, rt, "acct-1", 0)

	const n = 7
	for i := 0; i < n; i++ {
		_, err := rt.ApplyCommandEnvelope(ctx, depositEnvelope("acct-1", 1, nil, fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
	}
	// Replays and failures never bump the version.
	_, err := rt.ApplyCommandEnvelope(ctx, depositEnvelope("acct-1", 1, nil, "k-0"))
	require.NoError(t, err)
	_, err = rt.ApplyCommandEnvelope(ctx, depositEnvelope("acct-1", -1, nil, "bad"))
	require.Error(t, err)

	st, err := rt.GetState(ctx, model.NewEntityKey("account", "acct-1"))
	require.NoError(t, err)
	assert.Equal(t, initial.Metadata.Version+n, st.Metadata.Version)
	assert.Equal(t, n, balanceOf(t, st))
	assert.Equal(t, uint64(n), st.Metadata.TouchCount, "reads never count into replicated state")
}

func TestEntityRuntime_FirstReadIsJournaledOnce(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	clock := newFakeClock()
	rt := openTestRuntime(t, root, clock)
	key := model.NewEntityKey("account", "a1")
	created := createAccount(t, rt, "a1", 1)
	seq := rt.Stats().LastSeq

	for i := 0; i < 3; i++ {
		st, err := rt.GetState(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, created, st, "reads leave the state untouched")
	}
	assert.Equal(t, seq+1, rt.Stats().LastSeq, "only the first read is journaled")
	require.NoError(t, rt.Close())

	reopened := openTestRuntime(t, root, clock)
	_, err := reopened.GetState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, seq+1, reopened.Stats().LastSeq, "read flag replayed from the journal")
}


func TestEntityRuntime_CommandErrors(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock())
	registerAccount(t, rt)
	createAccount(t, rt, "acct-1", 10)

	missingCmd := depositEnvelope("acct-1", 1, nil, "")
	missingCmd.CommandName = "withdraw"

	wrongType := depositEnvelope("acct-1", 1, nil, "")
	wrongType.Payload = json.RawMessage(`{"amount":"lots"}`)

	extraField := depositEnvelope("acct-1", 1, nil, "")
	extraField.Payload = json.RawMessage(`{"amount":1,"memo":"x"}`)

	noEntity := depositEnvelope("nobody", 1, nil, "")

	noCommand := depositEnvelope("acct-1", 1, nil, "")
	noCommand.CommandName = ""

	tests := []struct {
		name string
		env  model.CommandEnvelope
		code storageerrors.ErrorCode
	}{
		{"version conflict", depositEnvelope("acct-1", 1, model.ExpectVersion(9), ""), storageerrors.ErrCodeVersionConflict},
		{"handler not found", missingCmd, storageerrors.ErrCodeHandlerNotFound},
		{"schema type mismatch", wrongType, storageerrors.ErrCodeSchemaViolation},
		{"schema extra field", extraField, storageerrors.ErrCodeSchemaViolation},
		{"entity not found", noEntity, storageerrors.ErrCodeEntityNotFound},
		{"handler rejection", depositEnvelope("acct-1", 0, nil, ""), storageerrors.ErrCodeCommandRejected},
		{"missing command name", noCommand, storageerrors.ErrCodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.ApplyCommandEnvelope(ctx, tt.env)
			require.Error(t, err)
			assert.Equal(t, tt.code, storageerrors.GetCode(err))
		})
	}

	st, err := rt.GetState(ctx, model.NewEntityKey("account", "acct-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Metadata.Version)
	assert.Equal(t, 10, balanceOf(t, st))
	assert.Empty(t, rt.PendingOutbox())
}

func TestEntityRuntime_HandlerPanicIsIsolated(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock())
	registerAccount(t, rt)
	require.NoError(t, rt.RegisterHandler(CommandRegistration{
		EntityType:  "account",
		CommandName: "explode",
		Handler: StateHandler(func(model.PersistState, json.RawMessage) (HandlerOutput, error) {
			panic("boom")
		}),
	}))
	createAccount(t, rt, "acct-1", 10)

	env := depositEnvelope("acct-1", 1, nil, "p-1")
	env.CommandName = "explode"
	_, err := rt.ApplyCommandEnvelope(ctx, env)
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeHandlerPanicked, storageerrors.GetCode(err))

	res, err := rt.ApplyCommandEnvelope(ctx, depositEnvelope("acct-1", 5, model.ExpectVersion(1), "d-1"))
	require.NoError(t, err)
	assert.Equal(t, 15, balanceOf(t, res.State))
}

func TestEntityRuntime_ContextHandlerSeesEnvelopeClock(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock())
	require.NoError(t, rt.RegisterHandler(CommandRegistration{
		EntityType:    "ticket",
		CommandName:   "issue",
		CreatesEntity: true,
		Handler: ContextHandler(func(ec *ExecutionContext) (HandlerOutput, error) {
			fields, _ := json.Marshal(map[string]interface{}{
				"issued_at": ec.Now(),
				"serial":    ec.DeterministicUUID("serial").String(),
				"existed":   ec.Exists,
			})
			return HandlerOutput{Fields: fields}, nil
		}),
	}))

	env := model.CommandEnvelope{
		EnvelopeID:  "env-ticket-1",
		EntityType:  "ticket",
		EntityID:    "t1",
		CommandName: "issue",
		CreatedAt:   time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
	}
	res, err := rt.ApplyCommandEnvelope(ctx, env)
	require.NoError(t, err)

	var fields struct {
		IssuedAt time.Time `json:"issued_at"`
		Serial   string    `json:"serial"`
		Existed  bool      `json:"existed"`
	}
	require.NoError(t, json.Unmarshal(res.State.Fields, &fields))
	assert.True(t, env.CreatedAt.Equal(fields.IssuedAt))
	assert.False(t, fields.Existed)
	assert.Equal(t, newExecutionContext(env, model.PersistState{}, false).DeterministicUUID("serial").String(), fields.Serial)
	assert.Equal(t, uint64(1), res.State.Metadata.Version)
	assert.True(t, env.CreatedAt.Equal(res.State.Metadata.CreatedAt))
}

func TestEntityRuntime_CreatesEntityCommand(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock())
	registerAccount(t, rt)

	env := model.CommandEnvelope{
		EnvelopeID:     "env-open-1",
		EntityType:     "account",
		EntityID:       "new-1",
		CommandName:    "open",
		Payload:        json.RawMessage(`{ "balance": 3 }`),
		IdempotencyKey: "open-1",
	}
	res, err := rt.ApplyCommandEnvelope(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.State.Metadata.Version)
	assert.Equal(t, uint64(0), res.State.Metadata.TouchCount)
	assert.JSONEq(t, `{"balance":3}`, string(res.State.Fields))

	_, err = rt.CreateEntity(ctx, model.NewEntityKey("account", "new-1"), nil)
	assert.Equal(t, storageerrors.ErrCodeAlreadyExists, storageerrors.GetCode(err))
}

func TestEntityRuntime_TombstonesBlockResurrection(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock(), func(o *RuntimeOptions) {
		o.TombstoneExemptReasons = []string{"migration"}
	})
	registerAccount(t, rt)
	key := model.NewEntityKey("account", "acct-1")
	createAccount(t, rt, "acct-1", 10)

	require.NoError(t, rt.DeleteEntity(ctx, key, "closed"))
	assert.Equal(t, ResidencyTombstoned, rt.Residency(key))

	_, err := rt.CreateEntity(ctx, key, json.RawMessage(`{"balance":1}`))
	assert.Equal(t, storageerrors.ErrCodeEntityTombstoned, storageerrors.GetCode(err))

	_, err = rt.ApplyCommandEnvelope(ctx, depositEnvelope("acct-1", 1, nil, "after-delete"))
	assert.Equal(t, storageerrors.ErrCodeEntityTombstoned, storageerrors.GetCode(err))

	_, err = rt.GetState(ctx, key)
	assert.True(t, storageerrors.IsNotFound(err))

	err = rt.DeleteEntity(ctx, key, "closed")
	assert.Equal(t, storageerrors.ErrCodeEntityTombstoned, storageerrors.GetCode(err))

	// Explicit upsert is the only way back.
	st, err := rt.UpsertState(ctx, model.PersistState{PersistID: "acct-1", TypeName: "account", Fields: json.RawMessage(`{"balance":2}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Metadata.Version)
	assert.Equal(t, ResidencyHot, rt.Residency(key))

	st, err = rt.UpsertState(ctx, model.PersistState{PersistID: "acct-1", TypeName: "account", Fields: json.RawMessage(`{"balance":4}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Metadata.Version)

	other := model.NewEntityKey("account", "acct-2")
	createAccount(t, rt, "acct-2", 1)
	require.NoError(t, rt.DeleteEntity(ctx, other, "migration"))
	assert.Equal(t, ResidencyAbsent, rt.Residency(other))
	_, err = rt.CreateEntity(ctx, other, nil)
	assert.NoError(t, err)

	err = rt.DeleteEntity(ctx, model.NewEntityKey("account", "ghost"), "closed")
	assert.Equal(t, storageerrors.ErrCodeEntityNotFound, storageerrors.GetCode(err))
}

func TestEntityRuntime_OutboxDispatch(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock())
	registerAccount(t, rt)
	createAccount(t, rt, "acct-1", 0)

	for i := 0; i < 3; i++ {
		_, err := rt.ApplyCommandEnvelope(ctx, depositEnvelope("acct-1", i+1, nil, fmt.Sprintf("o-%d", i)))
		require.NoError(t, err)
	}
	pending := rt.PendingOutbox()
	require.Len(t, pending, 3)
	for _, rec := range pending {
		assert.Equal(t, model.OutboxStatusPending, rec.Status)
		assert.Equal(t, "acct-1", rec.EntityID)
	}

	require.NoError(t, rt.MarkOutboxDispatched(ctx, pending[0].OutboxID))
	require.NoError(t, rt.MarkOutboxDispatched(ctx, pending[0].OutboxID))
	assert.Len(t, rt.PendingOutbox(), 2)

	err := rt.MarkOutboxDispatched(ctx, "no-such-record")
	assert.Equal(t, storageerrors.ErrCodeEntityNotFound, storageerrors.GetCode(err))

	// Dispatch status survives recovery.
	root := rt.Root()
	require.NoError(t, rt.Close())
	reopened := openTestRuntime(t, root, newFakeClock())
	assert.Len(t, reopened.PendingOutbox(), 2)
}

func TestEntityRuntime_Backpressure(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock(), func(o *RuntimeOptions) {
		o.MaxConcurrentMutations = 1
		o.PermitTimeout = 50 * time.Millisecond
	})
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, rt.RegisterHandler(CommandRegistration{
		EntityType:    "job",
		CommandName:   "slow",
		CreatesEntity: true,
		Handler: StateHandler(func(model.PersistState, json.RawMessage) (HandlerOutput, error) {
			close(entered)
			<-release
			return HandlerOutput{Fields: json.RawMessage(`{}`)}, nil
		}),
	}))

	done := make(chan error, 1)
	go func() {
		_, err := rt.ApplyCommandEnvelope(ctx, model.CommandEnvelope{EntityType: "job", EntityID: "j1", CommandName: "slow"})
		done <- err
	}()
	<-entered

	_, err := rt.CreateEntity(ctx, model.NewEntityKey("job", "j2"), nil)
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeBackpressure, storageerrors.GetCode(err))

	close(release)
	require.NoError(t, <-done)

	_, err = rt.CreateEntity(ctx, model.NewEntityKey("job", "j2"), nil)
	assert.NoError(t, err)
}

func TestEntityRuntime_SnapshotReloadIsLossless(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	clock := newFakeClock()
	rt := openTestRuntime(t, root, clock)
	registerAccount(t, rt)

	createAccount(t, rt, "a1", 10)
	createAccount(t, rt, "a2", 20)
	createAccount(t, rt, "a3", 30)
	_, err := rt.ApplyCommandEnvelope(ctx, depositEnvelope("a1", 5, nil, "s-1"))
	require.NoError(t, err)
	require.NoError(t, rt.DeleteEntity(ctx, model.NewEntityKey("account", "a3"), "closed"))

	require.NoError(t, rt.Snapshot(ctx))
	assert.Equal(t, 0, rt.Stats().OpsSinceSnapshot)
	assert.Equal(t, int64(0), rt.Stats().JournalBytes)

	before := rt.LiveStates()
	beforeStats := rt.Stats()
	require.NoError(t, rt.Close())

	reopened := openTestRuntime(t, root, clock)
	registerAccount(t, reopened)
	assert.Equal(t, before, reopened.LiveStates())
	assert.Equal(t, ResidencyTombstoned, reopened.Residency(model.NewEntityKey("account", "a3")))
	assert.Equal(t, ResidencyCold, reopened.Residency(model.NewEntityKey("account", "a1")))
	assert.Equal(t, beforeStats.LastSeq, reopened.Stats().LastSeq)
	assert.Equal(t, beforeStats.Receipts, reopened.Stats().Receipts)

	// The receipt index survived, so a duplicate still replays.
	res, err := reopened.ApplyCommandEnvelope(ctx, depositEnvelope("a1", 5, nil, "s-1"))
	require.NoError(t, err)
	assert.True(t, res.IdempotentReplay)
	assert.Equal(t, 15, balanceOf(t, res.State))
}

func TestEntityRuntime_RecoveryMatchesLiveState(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	clock := newFakeClock()
	rt := openTestRuntime(t, root, clock)
	registerAccount(t, rt)

	createAccount(t, rt, "a1", 1)
	createAccount(t, rt, "a2", 2)
	_, err := rt.ApplyCommandEnvelope(ctx, depositEnvelope("a1", 3, nil, "r-1"))
	require.NoError(t, err)
	require.NoError(t, rt.Snapshot(ctx))

	// Tail after the snapshot lives only in the journal.
	_, err = rt.ApplyCommandEnvelope(ctx, depositEnvelope("a2", 4, nil, "r-2"))
	require.NoError(t, err)
	require.NoError(t, rt.DeleteEntity(ctx, model.NewEntityKey("account", "a1"), "closed"))
	createAccount(t, rt, "a3", 9)

	live := rt.LiveStates()
	lastSeq := rt.Stats().LastSeq
	require.NoError(t, rt.Close())

	reopened := openTestRuntime(t, root, clock)
	assert.Equal(t, live, reopened.LiveStates())
	assert.Equal(t, lastSeq, reopened.Stats().LastSeq)
	assert.Equal(t, 3, reopened.Stats().OpsSinceSnapshot)
	assert.Equal(t, ResidencyTombstoned, reopened.Residency(model.NewEntityKey("account", "a1")))
	assert.Equal(t, ResidencyHot, reopened.Residency(model.NewEntityKey("account", "a3")))

	// New writes continue the sequence.
	createAccount(t, reopened, "a4", 0)
	assert.Equal(t, lastSeq+1, reopened.Stats().LastSeq)
}

func TestEntityRuntime_RejectsUnknownSnapshotFormat(t *testing.T) {
	root := t.TempDir()
	snap := model.SnapshotFile{FormatVersion: model.SnapshotFormatVersion + 1}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, SnapshotFileName), data, 0644))

	_, err = OpenEntityRuntime(RuntimeOptions{Root: root, Clock: newFakeClock().Now, Metrics: testMetrics()})
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeCorruptedData, storageerrors.GetCode(err))
}

func TestEntityRuntime_SnapshotTickThresholds(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock(), func(o *RuntimeOptions) {
		o.Snapshot = SnapshotPolicy{OpsThreshold: 3}
	})

	createAccount(t, rt, "a1", 1)
	createAccount(t, rt, "a2", 1)
	took, err := rt.RunSnapshotTick(ctx)
	require.NoError(t, err)
	assert.False(t, took)

	createAccount(t, rt, "a3", 1)
	took, err = rt.RunSnapshotTick(ctx)
	require.NoError(t, err)
	assert.True(t, took)
	assert.FileExists(t, filepath.Join(rt.Root(), SnapshotFileName))

	took, err = rt.RunSnapshotTick(ctx)
	require.NoError(t, err)
	assert.False(t, took)
}

func TestEntityRuntime_SnapshotTickJournalBytes(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock(), func(o *RuntimeOptions) {
		o.Snapshot = SnapshotPolicy{JournalBytesThreshold: 1}
	})
	createAccount(t, rt, "a1", 1)
	took, err := rt.RunSnapshotTick(ctx)
	require.NoError(t, err)
	assert.True(t, took)
}

func TestEntityRuntime_ShipsSnapshotsToReplicas(t *testing.T) {
	for _, mode := range []ReplicationMode{ReplicationSync, ReplicationAsyncBestEffort} {
		t.Run(fmt.Sprintf("mode-%d", mode), func(t *testing.T) {
			ctx := context.Background()
			replicaDir := filepath.Join(t.TempDir(), "replica")
			rt := openTestRuntime(t, t.TempDir(), newFakeClock(), func(o *RuntimeOptions) {
				o.ReplicationMode = mode
				o.Replicas = []ReplicaTarget{NewDirReplica(replicaDir)}
			})
			createAccount(t, rt, "a1", 7)
			require.NoError(t, rt.Snapshot(ctx))
			rt.WaitReplication()

			shipped, err := ReadSnapshot(filepath.Join(replicaDir, SnapshotFileName))
			require.NoError(t, err)
			require.NotNil(t, shipped)
			require.Len(t, shipped.Entities, 1)
			assert.Equal(t, "a1", shipped.Entities[0].PersistID)
			assert.FileExists(t, filepath.Join(replicaDir, JournalFileName))

			stats := rt.Stats()
			assert.Equal(t, uint64(1), stats.ReplicaShipments)
			assert.Equal(t, uint64(0), stats.ReplicationFailures)
		})
	}
}

type failingReplica struct{}

func (failingReplica) Name() string { return "failing" }

func (failingReplica) Ship(context.Context, []string) error { return fmt.Errorf("replica offline") }

func TestEntityRuntime_ReplicaFailureDoesNotFailSnapshot(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock(), func(o *RuntimeOptions) {
		o.Replicas = []ReplicaTarget{failingReplica{}}
	})
	createAccount(t, rt, "a1", 1)
	require.NoError(t, rt.Snapshot(ctx))
	assert.Equal(t, uint64(1), rt.Stats().ReplicationFailures)
}

func TestEntityRuntime_ClosedRejectsOperations(t *testing.T) {
	ctx := context.Background()
	rt := openTestRuntime(t, t.TempDir(), newFakeClock())
	require.NoError(t, rt.Ready())
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
	assert.Equal(t, storageerrors.ErrCodeClosed, storageerrors.GetCode(rt.Ready()))

	_, err := rt.CreateEntity(ctx, model.NewEntityKey("account", "a1"), nil)
	assert.Equal(t, storageerrors.ErrCodeClosed, storageerrors.GetCode(err))
	_, err = rt.GetState(ctx, model.NewEntityKey("account", "a1"))
	assert.Equal(t, storageerrors.ErrCodeClosed, storageerrors.GetCode(err))
}
