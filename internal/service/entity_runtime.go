package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	storageerrors "github.com/devrev/pairdb/internal/errors"
	"github.com/devrev/pairdb/internal/metrics"
	"github.com/devrev/pairdb/internal/model"
	"github.com/devrev/pairdb/internal/util/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GCReason is the delete reason recorded when lifecycle maintenance collects an entity
const GCReason = "gc"

// SnapshotPolicy triggers RunSnapshotTick. A zero threshold disables that trigger.
type SnapshotPolicy struct {
	OpsThreshold          int
	JournalBytesThreshold int64
}

// RuntimeOptions configures an EntityRuntime
type RuntimeOptions struct {
	Root         string
	Durability   DurabilityMode
	SyncInterval time.Duration

	Lifecycle LifecyclePolicy
	Snapshot  SnapshotPolicy

	ReplicationMode ReplicationMode
	Replicas        []ReplicaTarget

	MaxConcurrentMutations int64
	PermitTimeout          time.Duration

	// TombstoneExemptReasons are delete reasons that leave no tombstone
	TombstoneExemptReasons []string

	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// CommandResult is the outcome of ApplyCommandEnvelope
type CommandResult struct {
	State            model.PersistState
	IdempotentReplay bool
	Outbox           []model.OutboxRecord
}

// Residency describes where a key currently lives
type Residency int

const (
	ResidencyAbsent Residency = iota
	ResidencyHot
	ResidencyCold
	ResidencyTombstoned
)

func (r Residency) String() string {
	switch r {
	case ResidencyHot:
		return "hot"
	case ResidencyCold:
		return "cold"
	case ResidencyTombstoned:
		return "tombstoned"
	default:
		return "absent"
	}
}

// RuntimeStats is a point-in-time view of a runtime
type RuntimeStats struct {
	HotEntities         int
	ColdEntities        int
	Tombstones          int
	PendingOutbox       int
	Receipts            int
	Projections         int
	LastSeq             uint64
	OpsSinceSnapshot    int
	JournalBytes        int64
	Resurrections       uint64
	ReplicaShipments    uint64
	ReplicationFailures uint64
}

// EntityRuntime is the single-writer authority over the entities of one root directory.
// Mutations take a permit from the pool and then the runtime lock; the journal
// sequence they receive is their order.
type EntityRuntime struct {
	opts    RuntimeOptions
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	journal     *JournalService
	snapshots   *SnapshotService
	lifecycle   *LifecycleManager
	replication *ReplicationService
	registry    *CommandRegistry
	permits     *PermitPool
	exempt      map[string]struct{}

	mu               sync.Mutex
	table            *entityTable
	outbox           *outboxIndex
	projections      map[string]*ProjectionTable
	opsSinceSnapshot int
	resurrections    uint64
	closed           bool
}

// OpenEntityRuntime opens the runtime rooted at opts.Root and recovers its state:
// load the snapshot, replay newer journal records, prune expired tombstones and
// evict tombstoned keys.
func OpenEntityRuntime(opts RuntimeOptions) (*EntityRuntime, error) {
	if opts.Root == "" {
		return nil, storageerrors.InvalidArgument("runtime root is required", nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics("", nil)
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.MaxConcurrentMutations <= 0 {
		opts.MaxConcurrentMutations = 64
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runtime root: %w", err)
	}

	logger := opts.Logger.With(zap.String("root", opts.Root))
	clock := func() time.Time { return opts.Clock().UTC() }

	journal, err := NewJournalService(opts.Root, &JournalConfig{
		Durability:   opts.Durability,
		SyncInterval: opts.SyncInterval,
		Now:          clock,
	}, logger, opts.Metrics)
	if err != nil {
		return nil, err
	}

	r := &EntityRuntime{
		opts:        opts,
		logger:      logger,
		metrics:     opts.Metrics,
		clock:       clock,
		journal:     journal,
		snapshots:   NewSnapshotService(opts.Root, logger),
		lifecycle:   NewLifecycleManager(opts.Lifecycle),
		replication: NewReplicationService(opts.ReplicationMode, opts.Replicas, logger, opts.Metrics),
		registry:    NewCommandRegistry(),
		permits:     NewPermitPool(opts.MaxConcurrentMutations, opts.PermitTimeout),
		exempt:      make(map[string]struct{}, len(opts.TombstoneExemptReasons)),
		table:       newEntityTable(),
		outbox:      newOutboxIndex(),
		projections: make(map[string]*ProjectionTable),
	}
	for _, reason := range opts.TombstoneExemptReasons {
		r.exempt[reason] = struct{}{}
	}

	if err := r.recover(); err != nil {
		journal.Close()
		r.replication.Close()
		return nil, err
	}
	return r, nil
}

func (r *EntityRuntime) recover() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	var afterSeq uint64

	snap, err := r.snapshots.Load()
	if err != nil {
		return err
	}
	if snap != nil {
		for _, st := range snap.Entities {
			key := st.Key()
			r.table.cold[key] = &model.StoredEntity{State: st, LastAccessAt: now}
		}
		for _, ts := range snap.Tombstones {
			r.table.tombstones[ts.Key] = ts
		}
		for _, rec := range snap.Outbox {
			r.outbox.put(rec)
		}
		for _, receipt := range snap.Idempotency {
			r.outbox.putReceipt(receipt)
		}
		for _, key := range snap.Read {
			if e, ok := r.table.cold[key]; ok {
				e.Read = true
			}
		}
		afterSeq = snap.LastSeq
		r.journal.SetLastSeq(afterSeq)
	}

	replayed, err := r.journal.Replay(afterSeq, func(rec model.JournalRecord) error {
		r.applyRecordLocked(rec)
		return nil
	})
	if err != nil {
		return err
	}
	r.opsSinceSnapshot = replayed

	pruned := 0
	for key, ts := range r.table.tombstones {
		if ts.Expired(now) {
			delete(r.table.tombstones, key)
			pruned++
			continue
		}
		r.table.remove(key)
	}

	r.updateGaugesLocked()
	r.logger.Info("Recovered entity runtime",
		zap.Uint64("snapshot_seq", afterSeq),
		zap.Int("replayed", replayed),
		zap.Int("entities", len(r.table.hot)+len(r.table.cold)),
		zap.Int("tombstones", len(r.table.tombstones)),
		zap.Int("tombstones_pruned", pruned))
	return nil
}

// RegisterHandler registers a command handler
func (r *EntityRuntime) RegisterHandler(reg CommandRegistration) error {
	return r.registry.Register(reg)
}

// Registry returns the command registry
func (r *EntityRuntime) Registry() *CommandRegistry {
	return r.registry
}

// CreateEntity stores a new entity at version 1.
// Existing or tombstoned keys are rejected.
func (r *EntityRuntime) CreateEntity(ctx context.Context, key model.EntityKey, fields json.RawMessage) (model.PersistState, error) {
	if err := validateKey(key); err != nil {
		return model.PersistState{}, err
	}
	fields, err := normalizeJSON(fields)
	if err != nil {
		return model.PersistState{}, storageerrors.InvalidArgument("fields are not valid JSON", err)
	}

	release, err := r.acquire(ctx)
	if err != nil {
		return model.PersistState{}, err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return model.PersistState{}, storageerrors.Closed()
	}

	if ts, ok := r.tombstoneLocked(key); ok {
		return model.PersistState{}, storageerrors.EntityTombstoned(key.EntityType, key.PersistID, ts.Reason)
	}
	if e, _ := r.table.lookup(key); e != nil {
		return model.PersistState{}, storageerrors.AlreadyExists(key.EntityType, key.PersistID)
	}

	now := r.clock()
	state := model.PersistState{
		PersistID: key.PersistID,
		TypeName:  key.EntityType,
		TableName: key.EntityType,
		Metadata: model.PersistMetadata{
			SchemaVersion: 1,
			Version:       1,
			Persisted:     true,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		Fields: fields,
	}

	if err := r.commitLocked(model.NewUpsertOp(model.UpsertOp{State: state})); err != nil {
		return model.PersistState{}, err
	}

	r.logger.Debug("Created entity", zap.String("entity_type", key.EntityType), zap.String("persist_id", key.PersistID))
	return state.Clone(), nil
}

// GetState returns the current state, resurrecting a cold entity.
// Reads are node-local access bookkeeping; the first read of an entity is journaled.
func (r *EntityRuntime) GetState(ctx context.Context, key model.EntityKey) (model.PersistState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return model.PersistState{}, storageerrors.Closed()
	}

	e, err := r.loadLocked(key)
	if err != nil {
		return model.PersistState{}, err
	}
	if err := r.touchLocked(e, r.clock()); err != nil {
		return model.PersistState{}, err
	}
	return e.State.Clone(), nil
}

// DeleteEntity removes an entity. Unless reason is exempt a tombstone blocks re-creation.
func (r *EntityRuntime) DeleteEntity(ctx context.Context, key model.EntityKey, reason string) error {
	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return storageerrors.Closed()
	}

	if ts, ok := r.tombstoneLocked(key); ok {
		return storageerrors.EntityTombstoned(key.EntityType, key.PersistID, ts.Reason)
	}
	if e, _ := r.table.lookup(key); e == nil {
		return storageerrors.EntityNotFound(key.EntityType, key.PersistID)
	}

	if err := r.commitLocked(r.deleteOp(key, reason)); err != nil {
		return err
	}

	r.logger.Info("Deleted entity",
		zap.String("entity_type", key.EntityType),
		zap.String("persist_id", key.PersistID),
		zap.String("reason", reason))
	return nil
}

// UpsertState writes state directly, bypassing handlers. Used for recovery and migration.
// The stored version is current+1 for an existing entity, otherwise max(state version, 1).
// Any tombstone on the key is cleared.
func (r *EntityRuntime) UpsertState(ctx context.Context, state model.PersistState) (model.PersistState, error) {
	key := state.Key()
	if err := validateKey(key); err != nil {
		return model.PersistState{}, err
	}
	fields, err := normalizeJSON(state.Fields)
	if err != nil {
		return model.PersistState{}, storageerrors.InvalidArgument("fields are not valid JSON", err)
	}

	release, err := r.acquire(ctx)
	if err != nil {
		return model.PersistState{}, err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return model.PersistState{}, storageerrors.Closed()
	}

	now := r.clock()
	next := state.Clone()
	next.Fields = fields
	if next.TableName == "" {
		next.TableName = key.EntityType
	}
	if next.Metadata.SchemaVersion == 0 {
		next.Metadata.SchemaVersion = 1
	}
	if e, _ := r.table.lookup(key); e != nil {
		next.Metadata.Version = e.State.Metadata.Version + 1
		if next.Metadata.CreatedAt.IsZero() {
			next.Metadata.CreatedAt = e.State.Metadata.CreatedAt
		}
	} else if next.Metadata.Version == 0 {
		next.Metadata.Version = 1
	}
	if next.Metadata.CreatedAt.IsZero() {
		next.Metadata.CreatedAt = now
	}
	next.Metadata.CreatedAt = next.Metadata.CreatedAt.UTC()
	next.Metadata.UpdatedAt = now
	next.Metadata.Persisted = true

	if err := r.commitLocked(model.NewUpsertOp(model.UpsertOp{State: next})); err != nil {
		return model.PersistState{}, err
	}
	return next.Clone(), nil
}

// ApplyCommandEnvelope runs the registered handler for env and commits its result.
// A duplicate idempotency scope returns the stored receipt without invoking the handler.
func (r *EntityRuntime) ApplyCommandEnvelope(ctx context.Context, env model.CommandEnvelope) (CommandResult, error) {
	start := time.Now()
	res, err := r.applyCommand(ctx, env)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.IdempotentReplay:
		outcome = "replay"
	}
	r.metrics.CommandsTotal.WithLabelValues(env.EntityType, outcome).Inc()
	r.metrics.CommandDuration.Observe(time.Since(start).Seconds())
	return res, err
}

func (r *EntityRuntime) applyCommand(ctx context.Context, env model.CommandEnvelope) (CommandResult, error) {
	if err := r.normalizeEnvelope(&env); err != nil {
		return CommandResult{}, err
	}

	release, err := r.acquire(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return CommandResult{}, storageerrors.Closed()
	}

	scope := IdempotencyScopeKey(env.EntityType, env.EntityID, env.CommandName, env.IdempotencyKey)
	if receipt, ok := r.outbox.receipt(scope); ok {
		r.metrics.IdempotentReplaysTotal.Inc()
		r.logger.Debug("Replaying idempotent command",
			zap.String("scope", scope),
			zap.String("envelope_id", receipt.EnvelopeID))
		return CommandResult{
			State:            receipt.State.Clone(),
			IdempotentReplay: true,
			Outbox:           append([]model.OutboxRecord(nil), receipt.Outbox...),
		}, nil
	}

	reg, ok := r.registry.Lookup(env.EntityType, env.CommandName)
	if !ok {
		return CommandResult{}, storageerrors.HandlerNotFound(env.EntityType, env.CommandName)
	}
	if err := reg.Schema.Validate(env.Payload); err != nil {
		return CommandResult{}, storageerrors.SchemaViolation(env.CommandName, err.Error())
	}

	key := env.Key()
	if ts, ok := r.tombstoneLocked(key); ok {
		return CommandResult{}, storageerrors.EntityTombstoned(key.EntityType, key.PersistID, ts.Reason)
	}

	var current model.PersistState
	exists := false
	if e, cold := r.table.lookup(key); e != nil {
		if cold {
			r.resurrectLocked(key)
		}
		current = e.State.Clone()
		exists = true
	} else if !reg.CreatesEntity {
		return CommandResult{}, storageerrors.EntityNotFound(key.EntityType, key.PersistID)
	} else {
		current = model.PersistState{
			PersistID: key.PersistID,
			TypeName:  key.EntityType,
			TableName: key.EntityType,
			Metadata:  model.PersistMetadata{SchemaVersion: 1},
			Fields:    json.RawMessage("null"),
		}
	}

	if env.ExpectedVersion != nil && *env.ExpectedVersion != current.Metadata.Version {
		return CommandResult{}, storageerrors.VersionConflict(key.EntityType, key.PersistID, *env.ExpectedVersion, current.Metadata.Version)
	}

	ec := newExecutionContext(env, current.Clone(), exists)
	var out HandlerOutput
	err = workerpool.Recover(func() error {
		var herr error
		out, herr = invokeHandler(reg.Handler, ec)
		return herr
	})
	if err != nil {
		var pe *workerpool.PanicError
		if errors.As(err, &pe) {
			r.metrics.HandlerPanicsTotal.Inc()
			r.logger.Warn("Command handler panicked",
				zap.String("entity_type", env.EntityType),
				zap.String("command_name", env.CommandName),
				zap.Any("panic", pe.Value))
			return CommandResult{}, storageerrors.HandlerPanicked(env.CommandName, err)
		}
		return CommandResult{}, storageerrors.CommandRejected(env.CommandName, err)
	}

	next := current.Clone()
	if out.Fields != nil {
		fields, err := normalizeJSON(out.Fields)
		if err != nil {
			return CommandResult{}, storageerrors.CommandRejected(env.CommandName, fmt.Errorf("handler returned invalid fields: %w", err))
		}
		next.Fields = fields
	}
	next.Metadata.Version = current.Metadata.Version + 1
	next.Metadata.Persisted = true
	next.Metadata.UpdatedAt = env.CreatedAt
	if exists {
		next.Metadata.TouchCount++
		touched := env.CreatedAt
		next.Metadata.LastTouchAt = &touched
	} else {
		next.Metadata.CreatedAt = env.CreatedAt
	}

	outbox := buildOutbox(env, out.Outbox)
	for i := range outbox {
		if len(outbox[i].Payload) == 0 {
			continue
		}
		if outbox[i].Payload, err = normalizeJSON(outbox[i].Payload); err != nil {
			return CommandResult{}, storageerrors.CommandRejected(env.CommandName, fmt.Errorf("invalid outbox payload: %w", err))
		}
	}

	op := model.NewUpsertOp(model.UpsertOp{
		State:            next,
		Envelope:         &env,
		Outbox:           outbox,
		IdempotencyScope: scope,
	})
	if err := r.commitLocked(op); err != nil {
		return CommandResult{}, err
	}

	return CommandResult{State: next.Clone(), Outbox: outbox}, nil
}

// RegisterProjection adds a projection and builds it from the loaded entities
func (r *EntityRuntime) RegisterProjection(spec ProjectionSpec) (*ProjectionTable, error) {
	p, err := newProjectionTable(spec)
	if err != nil {
		return nil, storageerrors.InvalidArgument(err.Error(), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projections[spec.Name]; exists {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("projection %s already registered", spec.Name), nil)
	}
	p.rebuild(r.table.states())
	r.projections[spec.Name] = p
	return p, nil
}

// Projection returns a registered projection
func (r *EntityRuntime) Projection(name string) (*ProjectionTable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projections[name]
	return p, ok
}

// RunLifecycleMaintenance performs one passivation, eviction, GC and tombstone pruning pass.
// It must be driven by an external scheduler.
func (r *EntityRuntime) RunLifecycleMaintenance(ctx context.Context) (MaintenanceReport, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return MaintenanceReport{}, err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return MaintenanceReport{}, storageerrors.Closed()
	}

	now := r.clock()
	plan := r.lifecycle.Plan(now, r.table)
	var report MaintenanceReport

	for _, key := range plan.Passivate {
		if r.table.passivate(key) {
			report.Passivated++
		}
	}
	for _, key := range plan.Evict {
		if r.table.passivate(key) {
			report.Evicted++
		}
	}
	r.metrics.PassivationsTotal.Add(float64(report.Passivated + report.Evicted))

	for _, key := range plan.Collect {
		if err := r.commitLocked(r.deleteOp(key, GCReason)); err != nil {
			r.updateGaugesLocked()
			return report, err
		}
		report.Collected++
	}
	r.metrics.GCTotal.Add(float64(report.Collected))

	for _, key := range plan.PruneTombstones {
		delete(r.table.tombstones, key)
		report.TombstonesPruned++
	}
	r.metrics.TombstonesPrunedTotal.Add(float64(report.TombstonesPruned))

	r.updateGaugesLocked()
	if report != (MaintenanceReport{}) {
		r.logger.Info("Lifecycle maintenance pass",
			zap.Int("passivated", report.Passivated),
			zap.Int("evicted", report.Evicted),
			zap.Int("collected", report.Collected),
			zap.Int("tombstones_pruned", report.TombstonesPruned))
	}
	return report, nil
}

// RunSnapshotTick snapshots and compacts when the op-count or journal-size threshold is reached.
// It reports whether a snapshot was taken.
func (r *EntityRuntime) RunSnapshotTick(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, storageerrors.Closed()
	}

	policy := r.opts.Snapshot
	due := (policy.OpsThreshold > 0 && r.opsSinceSnapshot >= policy.OpsThreshold) ||
		(policy.JournalBytesThreshold > 0 && r.journal.Size() >= policy.JournalBytesThreshold)
	if !due {
		return false, nil
	}
	if err := r.snapshotLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot forces a snapshot and compaction
func (r *EntityRuntime) Snapshot(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return storageerrors.Closed()
	}
	return r.snapshotLocked(ctx)
}

func (r *EntityRuntime) snapshotLocked(ctx context.Context) error {
	start := time.Now()

	snap := r.exportLocked()
	if err := r.snapshots.Write(snap); err != nil {
		return err
	}
	if err := r.journal.Rewrite(snap.LastSeq); err != nil {
		return err
	}
	r.opsSinceSnapshot = 0

	r.replication.Ship(ctx, []string{r.snapshots.Path(), r.journal.Path()})

	r.metrics.SnapshotsTotal.Inc()
	r.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	return nil
}

// ExportSnapshot returns the snapshot document the runtime would write now
func (r *EntityRuntime) ExportSnapshot() *model.SnapshotFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exportLocked()
}

func (r *EntityRuntime) exportLocked() *model.SnapshotFile {
	return &model.SnapshotFile{
		FormatVersion: model.SnapshotFormatVersion,
		CreatedAt:     r.clock(),
		LastSeq:       r.journal.LastSeq(),
		Entities:      r.table.states(),
		Tombstones:    r.table.sortedTombstones(),
		Outbox:        r.outbox.all(),
		Idempotency:   r.outbox.allReceipts(),
		Read:          r.table.readKeys(),
	}
}

// LiveStates returns every live entity state without touching it
func (r *EntityRuntime) LiveStates() []model.PersistState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.states()
}

// Residency reports where key lives without touching it
func (r *EntityRuntime) Residency(key model.EntityKey) Residency {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.table.tombstones[key]; ok {
		return ResidencyTombstoned
	}
	if _, ok := r.table.hot[key]; ok {
		return ResidencyHot
	}
	if _, ok := r.table.cold[key]; ok {
		return ResidencyCold
	}
	return ResidencyAbsent
}

// Tombstone returns the tombstone for key, if any
func (r *EntityRuntime) Tombstone(key model.EntityKey) (model.Tombstone, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.table.tombstones[key]
	return ts, ok
}

// PendingOutbox returns undispatched outbox records, oldest first
func (r *EntityRuntime) PendingOutbox() []model.OutboxRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outbox.pending()
}

// MarkOutboxDispatched journals the dispatch of an outbox record. Repeated calls are no-ops.
func (r *EntityRuntime) MarkOutboxDispatched(ctx context.Context, outboxID string) error {
	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return storageerrors.Closed()
	}

	rec, ok := r.outbox.records[outboxID]
	if !ok {
		return storageerrors.NewStorageError(storageerrors.ErrCodeEntityNotFound,
			fmt.Sprintf("outbox record not found: %s", outboxID), nil).WithDetail("outbox_id", outboxID)
	}
	if rec.Status == model.OutboxStatusDispatched {
		return nil
	}
	return r.commitLocked(model.NewOutboxUpsertOp(dispatched(rec, r.clock())))
}

// Stats returns runtime statistics
func (r *EntityRuntime) Stats() RuntimeStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	shipped, failed := r.replication.Stats()
	return RuntimeStats{
		HotEntities:         len(r.table.hot),
		ColdEntities:        len(r.table.cold),
		Tombstones:          len(r.table.tombstones),
		PendingOutbox:       r.outbox.pendingCount(),
		Receipts:            len(r.outbox.receipts),
		Projections:         len(r.projections),
		LastSeq:             r.journal.LastSeq(),
		OpsSinceSnapshot:    r.opsSinceSnapshot,
		JournalBytes:        r.journal.Size(),
		Resurrections:       r.resurrections,
		ReplicaShipments:    shipped,
		ReplicationFailures: failed,
	}
}

// WaitReplication blocks until async replica shipments finish
func (r *EntityRuntime) WaitReplication() {
	r.replication.Wait()
}

// Ready reports whether the runtime still accepts work
func (r *EntityRuntime) Ready() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return storageerrors.Closed()
	}
	return nil
}

// Root returns the runtime root directory
func (r *EntityRuntime) Root() string {
	return r.opts.Root
}

// Close flushes the journal and releases files. The runtime is unusable afterwards.
func (r *EntityRuntime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.replication.Close()
	return r.journal.Close()
}

// commitLocked journals op and applies it through the replay path
func (r *EntityRuntime) commitLocked(op model.JournalOp) error {
	rec, err := r.journal.Append(op)
	if err != nil {
		r.logger.Error("Journal append failed", zap.String("kind", string(op.Kind)), zap.Error(err))
		return err
	}
	r.applyRecordLocked(rec)
	r.opsSinceSnapshot++
	r.updateGaugesLocked()
	return nil
}

// applyRecordLocked mutates memory for one journal record. Live writes and
// recovery replay share this path.
func (r *EntityRuntime) applyRecordLocked(rec model.JournalRecord) {
	now := r.clock()
	switch rec.Op.Kind {
	case model.JournalOpUpsert:
		up := rec.Op.Upsert
		r.table.put(up.State, now)
		for _, o := range up.Outbox {
			r.outbox.put(o)
		}
		if up.IdempotencyScope != "" && up.Envelope != nil {
			r.outbox.putReceipt(model.IdempotencyReceipt{
				ScopeKey:    up.IdempotencyScope,
				EnvelopeID:  up.Envelope.EnvelopeID,
				EntityType:  up.Envelope.EntityType,
				EntityID:    up.Envelope.EntityID,
				CommandName: up.Envelope.CommandName,
				State:       up.State.Clone(),
				Outbox:      append([]model.OutboxRecord(nil), up.Outbox...),
			})
		}
		for _, p := range r.projections {
			p.sync(up.State)
		}
		for _, k := range r.lifecycle.HotOverflow(r.table, up.State.Key()) {
			r.table.passivate(k)
		}

	case model.JournalOpDelete:
		del := rec.Op.Delete
		r.table.remove(del.Key)
		if del.Tombstone != nil {
			r.table.tombstones[del.Key] = *del.Tombstone
		}
		for _, p := range r.projections {
			p.remove(del.Key)
		}

	case model.JournalOpOutboxUpsert:
		r.outbox.put(rec.Op.Outbox.Record)

	case model.JournalOpTouch:
		if e, _ := r.table.lookup(rec.Op.Touch.Key); e != nil {
			e.Read = true
		}
	}
}

func (r *EntityRuntime) deleteOp(key model.EntityKey, reason string) model.JournalOp {
	op := model.DeleteOp{Key: key, Reason: reason}
	if _, exempt := r.exempt[reason]; !exempt {
		ts := r.lifecycle.TombstoneFor(key, reason, r.clock())
		op.Tombstone = &ts
	}
	return model.NewDeleteOp(op)
}

// loadLocked returns a live entity, resurrecting it if cold
func (r *EntityRuntime) loadLocked(key model.EntityKey) (*model.StoredEntity, error) {
	if ts, ok := r.tombstoneLocked(key); ok {
		return nil, storageerrors.EntityTombstoned(key.EntityType, key.PersistID, ts.Reason)
	}
	e, cold := r.table.lookup(key)
	if e == nil {
		return nil, storageerrors.EntityNotFound(key.EntityType, key.PersistID)
	}
	if cold {
		r.resurrectLocked(key)
	}
	return e, nil
}

func (r *EntityRuntime) resurrectLocked(key model.EntityKey) {
	if !r.table.resurrect(key) {
		return
	}
	r.resurrections++
	r.metrics.ResurrectionsTotal.Inc()
	for _, k := range r.lifecycle.HotOverflow(r.table, key) {
		r.table.passivate(k)
	}
	r.updateGaugesLocked()
}

// touchLocked records a read. It never changes the state, so replicas that
// re-execute the same commands still agree on TouchCount.
func (r *EntityRuntime) touchLocked(e *model.StoredEntity, now time.Time) error {
	e.LastAccessAt = now
	e.AccessCount++
	if e.Read {
		return nil
	}
	return r.commitLocked(model.NewTouchOp(e.State.Key(), now))
}

// tombstoneLocked returns the tombstone blocking key. An expired tombstone
// is dropped on sight instead of waiting for the next maintenance pass.
func (r *EntityRuntime) tombstoneLocked(key model.EntityKey) (model.Tombstone, bool) {
	ts, ok := r.table.tombstones[key]
	if !ok {
		return model.Tombstone{}, false
	}
	if ts.Expired(r.clock()) {
		delete(r.table.tombstones, key)
		r.metrics.TombstonesPrunedTotal.Inc()
		r.updateGaugesLocked()
		return model.Tombstone{}, false
	}
	return ts, true
}

func (r *EntityRuntime) acquire(ctx context.Context) (func(), error) {
	release, err := r.permits.Acquire(ctx)
	if err != nil {
		if storageerrors.HasCode(err, storageerrors.ErrCodeBackpressure) {
			r.metrics.BackpressureTotal.Inc()
			r.logger.Warn("Mutation rejected by backpressure", zap.Int64("permits", r.permits.Size()))
		}
		return nil, err
	}
	return release, nil
}

func (r *EntityRuntime) normalizeEnvelope(env *model.CommandEnvelope) error {
	if env.EntityType == "" || env.EntityID == "" {
		return storageerrors.InvalidArgument("envelope entity_type and entity_id are required", nil)
	}
	if env.CommandName == "" {
		return storageerrors.InvalidArgument("envelope command_name is required", nil)
	}
	if env.EnvelopeID == "" {
		env.EnvelopeID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = r.clock()
	}
	env.CreatedAt = env.CreatedAt.UTC()
	if len(env.Payload) > 0 {
		payload, err := normalizeJSON(env.Payload)
		if err != nil {
			return storageerrors.SchemaViolation(env.CommandName, "payload is not valid JSON")
		}
		env.Payload = payload
	}
	return nil
}

func (r *EntityRuntime) updateGaugesLocked() {
	r.metrics.HotEntities.Set(float64(len(r.table.hot)))
	r.metrics.ColdEntities.Set(float64(len(r.table.cold)))
	r.metrics.Tombstones.Set(float64(len(r.table.tombstones)))
	r.metrics.OutboxPending.Set(float64(r.outbox.pendingCount()))
}

func validateKey(key model.EntityKey) error {
	if key.EntityType == "" || key.PersistID == "" {
		return storageerrors.InvalidArgument("entity_type and persist_id are required", nil)
	}
	return nil
}

// normalizeJSON compacts raw so in-memory, journal and snapshot bytes agree.
// Empty input becomes JSON null.
func normalizeJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
