package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/internal/metrics"
	"github.com/devrev/pairdb/internal/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics("test", nil)
}

func openTestRuntime(t *testing.T, root string, clock *fakeClock, mutate ...func(*RuntimeOptions)) *EntityRuntime {
	t.Helper()
	opts := RuntimeOptions{
		Root:                   root,
		Durability:             DurabilityStrict,
		MaxConcurrentMutations: 8,
		PermitTimeout:          time.Second,
		Clock:                  clock.Now,
		Logger:                 zap.NewNop(),
		Metrics:                testMetrics(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	rt, err := OpenEntityRuntime(opts)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

type account struct {
	Balance int `json:"balance"`
}

type depositCmd struct {
	Amount int `json:"amount"`
}

func depositHandler() StateHandler {
	return func(state model.PersistState, payload json.RawMessage) (HandlerOutput, error) {
		var acct account
		if err := json.Unmarshal(state.Fields, &acct); err != nil {
			return HandlerOutput{}, err
		}
		var cmd depositCmd
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return HandlerOutput{}, err
		}
		if cmd.Amount <= 0 {
			return HandlerOutput{}, fmt.Errorf("amount must be positive")
		}
		acct.Balance += cmd.Amount
		fields, _ := json.Marshal(acct)
		return HandlerOutput{
			Fields: fields,
			Outbox: []OutboxRequest{{
				EffectType: "deposit_recorded",
				Payload:    json.RawMessage(fmt.Sprintf(`{"amount": %d}`, cmd.Amount)),
			}},
		}, nil
	}
}

func depositSchema() *PayloadSchema {
	return &PayloadSchema{
		Root:   KindObject,
		Fields: []SchemaField{{Name: "amount", Kind: KindNumber, Required: true}},
		Extra:  ExtraReject,
	}
}

func registerAccount(t *testing.T, rt *EntityRuntime) {
	t.Helper()
	require.NoError(t, rt.RegisterHandler(CommandRegistration{
		EntityType:  "account",
		CommandName: "deposit",
		Handler:     depositHandler(),
		Schema:      depositSchema(),
	}))
	require.NoError(t, rt.RegisterHandler(CommandRegistration{
		EntityType:    "account",
		CommandName:   "open",
		CreatesEntity: true,
		Handler: EnvelopeHandler(func(state model.PersistState, env model.CommandEnvelope) (HandlerOutput, error) {
			return HandlerOutput{Fields: env.Payload}, nil
		}),
	}))
}

func depositEnvelope(id string, amount int, expected *uint64, idemKey string) model.CommandEnvelope {
	return model.CommandEnvelope{
		EnvelopeID:      fmt.Sprintf("env-%s-%d-%s", id, amount, idemKey),
		EntityType:      "account",
		EntityID:        id,
		CommandName:     "deposit",
		ExpectedVersion: expected,
		Payload:         json.RawMessage(fmt.Sprintf(`{"amount":%d}`, amount)),
		IdempotencyKey:  idemKey,
		ActorID:         "tester",
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func balanceOf(t *testing.T, st model.PersistState) int {
	t.Helper()
	var acct account
	require.NoError(t, json.Unmarshal(st.Fields, &acct))
	return acct.Balance
}

func createAccount(t *testing.T, rt *EntityRuntime, id string, balance int) model.PersistState {
	t.Helper()
	st, err := rt.CreateEntity(context.Background(), model.NewEntityKey("account", id),
		json.RawMessage(fmt.Sprintf(`{"balance": %d}`, balance)))
	require.NoError(t, err)
	return st
}
