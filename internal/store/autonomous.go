package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/devrev/pairdb/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Command mutates one aggregate value
type Command[V any] interface {
	Apply(v *V) error
}

// EventTyper overrides the audit event type of a command
type EventTyper interface {
	EventType() string
}

// AuditMessager overrides the audit message of a command
type AuditMessager interface {
	AuditMessage(eventType string) string
}

// AuditRecord is one append-only entry of an aggregate's history
type AuditRecord struct {
	AggregateID      string    `json:"aggregate_id"`
	EventType        string    `json:"event_type"`
	Message          string    `json:"message"`
	ResultingVersion uint64    `json:"resulting_version"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// Receipt is a stored response for a repeated API request
type Receipt struct {
	Key        string          `json:"key"`
	Status     int             `json:"status"`
	Body       json.RawMessage `json:"body,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// RetryPolicy bounds Intent and Remove retries
type RetryPolicy struct {
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	RetryWriteWrite bool
}

// DefaultRetryPolicy returns the policy used when none is given
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  500 * time.Millisecond,
	}
}

// Backoff returns the delay before retrying after attempt (1-based)
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseBackoff <= 0 || attempt < 1 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func (p RetryPolicy) retryable(kind ConflictKind) bool {
	switch kind {
	case ConflictOptimisticLock:
		return true
	case ConflictWriteWrite:
		return p.RetryWriteWrite
	default:
		return false
	}
}

// AutonomousOptions configures an AutonomousAggregate
type AutonomousOptions[V any] struct {
	Policy  RetryPolicy
	Sink    SnapshotSink
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
	Store   []Option[V]
}

// AutonomousAggregate is an aggregate store with an audit trail, conflict
// retry and cross-store workflows. Every operation holds the aggregate's lock.
type AutonomousAggregate[V any] struct {
	mu       sync.Mutex
	name     string
	primary  *AggregateStore[V]
	audit    *AggregateStore[AuditRecord]
	receipts *AggregateStore[Receipt]
	policy   RetryPolicy
	logger   *zap.Logger
	metrics  *metrics.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

// OpenAutonomousAggregate creates the primary, audit and receipt stores for
// name, restoring them from opts.Sink when one is set.
func OpenAutonomousAggregate[V any](ctx context.Context, name string, opts AutonomousOptions[V]) (*AutonomousAggregate[V], error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics("", nil)
	}
	if opts.Policy.MaxAttempts < 1 {
		def := DefaultRetryPolicy()
		def.RetryWriteWrite = opts.Policy.RetryWriteWrite
		opts.Policy = def
	}

	primaryOpts := append([]Option[V](nil), opts.Store...)
	var auditOpts []Option[AuditRecord]
	var receiptOpts []Option[Receipt]
	if opts.Sink != nil {
		primaryOpts = append(primaryOpts, WithSink[V](opts.Sink))
		auditOpts = append(auditOpts, WithSink[AuditRecord](opts.Sink))
		receiptOpts = append(receiptOpts, WithSink[Receipt](opts.Sink))
	}
	if opts.Clock != nil {
		primaryOpts = append(primaryOpts, WithClock[V](opts.Clock))
		auditOpts = append(auditOpts, WithClock[AuditRecord](opts.Clock))
		receiptOpts = append(receiptOpts, WithClock[Receipt](opts.Clock))
	}

	primary, err := OpenAggregateStore(ctx, name, primaryOpts...)
	if err != nil {
		return nil, err
	}
	audit, err := OpenAggregateStore(ctx, name+".audit", auditOpts...)
	if err != nil {
		return nil, err
	}
	receipts, err := OpenAggregateStore(ctx, name+".receipts", receiptOpts...)
	if err != nil {
		return nil, err
	}

	return &AutonomousAggregate[V]{
		name:     name,
		primary:  primary,
		audit:    audit,
		receipts: receipts,
		policy:   opts.Policy,
		logger:   opts.Logger.With(zap.String("aggregate", name)),
		metrics:  opts.Metrics,
		sleep:    sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Name returns the aggregate name
func (a *AutonomousAggregate[V]) Name() string { return a.name }

// Primary exposes the underlying record store
func (a *AutonomousAggregate[V]) Primary() *AggregateStore[V] { return a.primary }

// Policy returns the retry policy
func (a *AutonomousAggregate[V]) Policy() RetryPolicy { return a.policy }

// Get returns one record
func (a *AutonomousAggregate[V]) Get(id string) (Record[V], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.primary.Get(id)
}

// List returns every record in insertion order
func (a *AutonomousAggregate[V]) List() []Record[V] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.primary.List()
}

// QueryPageFilteredSorted pages the filtered and sorted collection
func (a *AutonomousAggregate[V]) QueryPageFilteredSorted(page, perPage int, keep func(Record[V]) bool, less func(x, y Record[V]) bool) Page[V] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.primary.QueryPageFilteredSorted(page, perPage, keep, less)
}

// Create inserts a record and audits it as "create"
func (a *AutonomousAggregate[V]) Create(ctx context.Context, id string, value V) (Record[V], error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var created Record[V]
	err := a.run(ctx, "create", func(u *Unit) error {
		var err error
		created, err = Enlist(u, a.primary).Create(id, value)
		if err != nil {
			return err
		}
		return a.appendAudit(u, id, "create", defaultMessage("create"), created.Version)
	})
	return created, err
}

// Apply runs cmd against id at expectedVersion and appends one audit record
func (a *AutonomousAggregate[V]) Apply(ctx context.Context, id string, expectedVersion uint64, cmd Command[V]) (Record[V], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyLocked(ctx, id, expectedVersion, cmd, nil)
}

func (a *AutonomousAggregate[V]) applyLocked(ctx context.Context, id string, expectedVersion uint64, cmd Command[V], also func(u *Unit, updated Record[V]) error) (Record[V], error) {
	eventType, message := describe(cmd, "")
	var updated Record[V]
	err := a.run(ctx, eventType, func(u *Unit) error {
		var err error
		updated, err = Enlist(u, a.primary).PatchIfMatch(id, expectedVersion, applyCommand(cmd))
		if err != nil {
			return err
		}
		if err := a.appendAudit(u, id, eventType, message, updated.Version); err != nil {
			return err
		}
		if also != nil {
			return also(u, updated)
		}
		return nil
	})
	if err != nil {
		return Record[V]{}, err
	}
	return updated, nil
}

// ApplyMany runs cmd on every present id in one transaction and returns how
// many were updated. Duplicate ids are applied once; missing ids are skipped.
func (a *AutonomousAggregate[V]) ApplyMany(ctx context.Context, ids []string, cmd Command[V]) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	eventType, message := describe(cmd, "bulk_")
	updated := 0
	err := a.run(ctx, eventType, func(u *Unit) error {
		updated = 0
		tx := Enlist(u, a.primary)
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if !tx.Exists(id) {
				continue
			}
			rec, err := tx.Update(id, applyCommand(cmd))
			if err != nil {
				return err
			}
			if err := a.appendAudit(u, id, eventType, message, rec.Version); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// IntentOne applies cmd at whatever version is current, retrying per policy
func (a *AutonomousAggregate[V]) IntentOne(ctx context.Context, id string, cmd Command[V]) (Record[V], error) {
	return a.Intent(ctx, id, func(Record[V]) (Command[V], error) { return cmd, nil })
}

// Intent reads the current record, asks decide for a command and applies it
// at the version it read. Optimistic-lock conflicts, and write-write
// conflicts when the policy allows, are retried up to MaxAttempts times.
func (a *AutonomousAggregate[V]) Intent(ctx context.Context, id string, decide func(current Record[V]) (Command[V], error)) (Record[V], error) {
	var out Record[V]
	err := a.retry(ctx, "intent", id, func() error {
		current, err := a.Get(id)
		if err != nil {
			return err
		}
		cmd, err := decide(current)
		if err != nil {
			return err
		}
		out, err = a.Apply(ctx, id, current.Version, cmd)
		return err
	})
	return out, err
}

// Remove deletes the record at its current version, retrying per policy,
// and audits the removal.
func (a *AutonomousAggregate[V]) Remove(ctx context.Context, id string) error {
	return a.retry(ctx, "remove", id, func() error {
		current, err := a.Get(id)
		if err != nil {
			return err
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.run(ctx, "remove", func(u *Unit) error {
			if err := Enlist(u, a.primary).DeleteIfMatch(id, current.Version); err != nil {
				return err
			}
			return a.appendAudit(u, id, "remove", defaultMessage("remove"), current.Version)
		})
	})
}

// WorkflowWithCreate applies cmd to id and, in the same transaction, lets
// related write to other stores it enlists on the unit. Nothing is committed
// if related fails.
func (a *AutonomousAggregate[V]) WorkflowWithCreate(ctx context.Context, id string, expectedVersion uint64, cmd Command[V], related func(u *Unit, updated Record[V]) error) (Record[V], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyLocked(ctx, id, expectedVersion, cmd, related)
}

// MutateOneWith applies fn to id. Errors from fn come back as a user
// MutationError; storage failures as a domain MutationError.
func (a *AutonomousAggregate[V]) MutateOneWith(ctx context.Context, id string, fn func(*V) error) (Record[V], error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var userErr error
	var updated Record[V]
	err := a.run(ctx, "mutate_one", func(u *Unit) error {
		var err error
		updated, err = Enlist(u, a.primary).Update(id, func(v *V) error {
			if err := fn(v); err != nil {
				userErr = err
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
		return a.appendAudit(u, id, "mutate_one", defaultMessage("mutate_one"), updated.Version)
	})
	switch {
	case userErr != nil:
		return Record[V]{}, &MutationError{User: userErr}
	case err != nil:
		return Record[V]{}, domainFailure(err)
	}
	return updated, nil
}

// MutateManyWith applies fn to every present id in one transaction.
// Error tagging follows MutateOneWith.
func (a *AutonomousAggregate[V]) MutateManyWith(ctx context.Context, ids []string, fn func(id string, v *V) error) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var userErr error
	updated := 0
	err := a.run(ctx, "mutate_many", func(u *Unit) error {
		updated = 0
		tx := Enlist(u, a.primary)
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup || !tx.Exists(id) {
				continue
			}
			seen[id] = struct{}{}
			rec, err := tx.Update(id, func(v *V) error {
				if err := fn(id, v); err != nil {
					userErr = err
					return err
				}
				return nil
			})
			if err != nil {
				return err
			}
			if err := a.appendAudit(u, id, "mutate_many", defaultMessage("mutate_many"), rec.Version); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	switch {
	case userErr != nil:
		return 0, &MutationError{User: userErr}
	case err != nil:
		return 0, domainFailure(err)
	}
	return updated, nil
}

// Audit returns the audit trail of id oldest first
func (a *AutonomousAggregate[V]) Audit(id string) []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	recs := a.audit.ListFiltered(func(r Record[AuditRecord]) bool { return r.Value.AggregateID == id })
	out := make([]AuditRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Value)
	}
	return out
}

// RecordReceipt stores the response for key. An existing receipt is kept
// and returned unchanged.
func (a *AutonomousAggregate[V]) RecordReceipt(ctx context.Context, key string, status int, body json.RawMessage) (Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, err := a.receipts.Get(key); err == nil {
		return existing.Value, nil
	}
	var stored Receipt
	err := a.run(ctx, "record_receipt", func(u *Unit) error {
		tx := Enlist(u, a.receipts)
		stored = Receipt{Key: key, Status: status, Body: body, RecordedAt: u.Now()}
		_, err := tx.Create(key, stored)
		return err
	})
	return stored, err
}

// Receipt returns the stored response for key
func (a *AutonomousAggregate[V]) Receipt(key string) (Receipt, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, err := a.receipts.Get(key)
	if err != nil {
		return Receipt{}, false
	}
	return rec.Value, true
}

func (a *AutonomousAggregate[V]) run(ctx context.Context, op string, fn func(u *Unit) error) error {
	var stores []string
	err := RunUnit(ctx, func(u *Unit) error {
		err := fn(u)
		stores = u.storeNames()
		return err
	})
	outcome := "ok"
	if err != nil {
		outcome = ClassifyConflict(err).String()
		if outcome == "unclassified" {
			outcome = "error"
		}
	}
	a.metrics.StoreTransactionsTotal.WithLabelValues(a.name, outcome).Inc()
	if err != nil {
		a.logger.Debug("Transaction aborted", zap.String("op", op), zap.Strings("stores", stores), zap.Error(err))
	}
	return err
}

func (a *AutonomousAggregate[V]) retry(ctx context.Context, op, id string, attempt func() error) error {
	var err error
	for n := 1; n <= a.policy.MaxAttempts; n++ {
		err = attempt()
		if err == nil {
			return nil
		}
		kind := ClassifyConflict(err)
		if !a.policy.retryable(kind) {
			return err
		}
		if n == a.policy.MaxAttempts {
			break
		}
		a.metrics.StoreIntentRetriesTotal.WithLabelValues(a.name, kind.String()).Inc()
		a.logger.Debug("Retrying after conflict",
			zap.String("op", op),
			zap.String("id", id),
			zap.Int("attempt", n),
			zap.String("conflict", kind.String()))
		if serr := a.sleep(ctx, a.policy.Backoff(n)); serr != nil {
			return serr
		}
	}
	a.logger.Warn("Giving up after conflicts",
		zap.String("op", op),
		zap.String("id", id),
		zap.Int("attempts", a.policy.MaxAttempts),
		zap.Error(err))
	return err
}

func (a *AutonomousAggregate[V]) appendAudit(u *Unit, id, eventType, message string, version uint64) error {
	tx := Enlist(u, a.audit)
	_, err := tx.Create(uuid.NewString(), AuditRecord{
		AggregateID:      id,
		EventType:        eventType,
		Message:          message,
		ResultingVersion: version,
		RecordedAt:       u.Now(),
	})
	return err
}

func applyCommand[V any](cmd Command[V]) func(*V) error {
	return func(v *V) error {
		if err := cmd.Apply(v); err != nil {
			if ClassifyConflict(err) != ConflictUnclassified {
				return err
			}
			var ve *ValidationError
			if errors.As(err, &ve) {
				return err
			}
			return &ValidationError{Reason: "command rejected", Err: err}
		}
		return nil
	}
}

// describe returns the audit event type and message for cmd
func describe(cmd interface{}, prefix string) (string, string) {
	eventType := ""
	if et, ok := cmd.(EventTyper); ok {
		eventType = et.EventType()
	}
	if eventType == "" {
		eventType = SnakeCase(typeName(cmd))
	}
	eventType = prefix + eventType
	if am, ok := cmd.(AuditMessager); ok {
		if msg := am.AuditMessage(eventType); msg != "" {
			return eventType, msg
		}
	}
	return eventType, defaultMessage(eventType)
}

func defaultMessage(eventType string) string {
	return fmt.Sprintf("system: command '%s' applied", eventType)
}

func typeName(v interface{}) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "command"
	}
	name := t.Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "command"
	}
	return name
}

// SnakeCase converts a Go identifier to snake_case, keeping acronyms
// together: "FinishMatch" -> "finish_match", "HTTPRetry" -> "http_retry".
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
