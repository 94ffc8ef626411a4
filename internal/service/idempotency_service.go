package service

import (
	"fmt"
	"sort"
	"time"

	"github.com/devrev/pairdb/internal/model"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// IdempotencyScopeKey derives the duplicate-detection key for a command.
// Components are NFC normalized so visually identical keys collide.
// An empty caller key disables idempotency and yields "".
func IdempotencyScopeKey(entityType, entityID, commandName, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return norm.NFC.String(fmt.Sprintf("idempotency:%s:%s:%s:%s", entityType, entityID, commandName, idempotencyKey))
}

// envelopeNamespace is the UUIDv5 namespace all ids derived from an envelope live in
func envelopeNamespace(envelopeID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("pairdb/envelope/"+envelopeID))
}

// outboxIndex holds outbox records and idempotency receipts of a runtime
type outboxIndex struct {
	records  map[string]model.OutboxRecord
	receipts map[string]model.IdempotencyReceipt
}

func newOutboxIndex() *outboxIndex {
	return &outboxIndex{
		records:  make(map[string]model.OutboxRecord),
		receipts: make(map[string]model.IdempotencyReceipt),
	}
}

// buildOutbox turns handler requests into records with ids derived from the envelope
func buildOutbox(env model.CommandEnvelope, reqs []OutboxRequest) []model.OutboxRecord {
	if len(reqs) == 0 {
		return nil
	}
	ns := envelopeNamespace(env.EnvelopeID)
	out := make([]model.OutboxRecord, 0, len(reqs))
	for i, req := range reqs {
		out = append(out, model.OutboxRecord{
			OutboxID:   uuid.NewSHA1(ns, []byte(fmt.Sprintf("outbox/%d/%s", i, req.EffectType))).String(),
			EnvelopeID: env.EnvelopeID,
			EntityType: env.EntityType,
			EntityID:   env.EntityID,
			EffectType: req.EffectType,
			Payload:    req.Payload,
			Status:     model.OutboxStatusPending,
			CreatedAt:  env.CreatedAt,
		})
	}
	return out
}

func (x *outboxIndex) put(rec model.OutboxRecord) {
	x.records[rec.OutboxID] = rec
}

func (x *outboxIndex) receipt(scope string) (model.IdempotencyReceipt, bool) {
	if scope == "" {
		return model.IdempotencyReceipt{}, false
	}
	r, ok := x.receipts[scope]
	return r, ok
}

func (x *outboxIndex) putReceipt(r model.IdempotencyReceipt) {
	x.receipts[r.ScopeKey] = r
}

func (x *outboxIndex) pending() []model.OutboxRecord {
	out := make([]model.OutboxRecord, 0)
	for _, r := range x.records {
		if r.Status == model.OutboxStatusPending {
			out = append(out, r)
		}
	}
	sortOutbox(out)
	return out
}

func (x *outboxIndex) pendingCount() int {
	n := 0
	for _, r := range x.records {
		if r.Status == model.OutboxStatusPending {
			n++
		}
	}
	return n
}

func (x *outboxIndex) all() []model.OutboxRecord {
	out := make([]model.OutboxRecord, 0, len(x.records))
	for _, r := range x.records {
		out = append(out, r)
	}
	sortOutbox(out)
	return out
}

func (x *outboxIndex) allReceipts() []model.IdempotencyReceipt {
	out := make([]model.IdempotencyReceipt, 0, len(x.receipts))
	for _, r := range x.receipts {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeKey < out[j].ScopeKey })
	return out
}

// dispatched returns a copy of rec marked dispatched at now
func dispatched(rec model.OutboxRecord, now time.Time) model.OutboxRecord {
	rec.Status = model.OutboxStatusDispatched
	t := now
	rec.DispatchedAt = &t
	return rec
}

func sortOutbox(recs []model.OutboxRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].OutboxID < recs[j].OutboxID
	})
}
