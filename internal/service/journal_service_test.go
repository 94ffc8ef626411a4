package service

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	storageerrors "github.com/devrev/pairdb/internal/errors"
	"github.com/devrev/pairdb/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func upsertOp(id string, version uint64, fields string) model.JournalOp {
	return model.NewUpsertOp(model.UpsertOp{State: model.PersistState{
		PersistID: id,
		TypeName:  "account",
		TableName: "account",
		Metadata:  model.PersistMetadata{Version: version, Persisted: true},
		Fields:    json.RawMessage(fields),
	}})
}

func newTestJournal(t *testing.T, dir string, cfg *JournalConfig) *JournalService {
	t.Helper()
	if cfg == nil {
		cfg = &JournalConfig{Durability: DurabilityStrict}
	}
	js, err := NewJournalService(dir, cfg, zap.NewNop(), testMetrics())
	require.NoError(t, err)
	t.Cleanup(func() { js.Close() })
	return js
}

func TestJournal_AppendAssignsIncreasingSeq(t *testing.T) {
	js := newTestJournal(t, t.TempDir(), nil)

	for i := 1; i <= 3; i++ {
		rec, err := js.Append(upsertOp("a1", uint64(i), `{"balance":1}`))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.Seq)
		assert.NotZero(t, rec.Checksum)
	}
	assert.Equal(t, uint64(3), js.LastSeq())
	assert.Greater(t, js.Size(), int64(0))
}

func TestJournal_ReplayAfterSeq(t *testing.T) {
	dir := t.TempDir()
	js := newTestJournal(t, dir, nil)
	for i := 1; i <= 5; i++ {
		_, err := js.Append(upsertOp("a1", uint64(i), `{}`))
		require.NoError(t, err)
	}
	require.NoError(t, js.Close())

	reopened := newTestJournal(t, dir, nil)
	var seqs []uint64
	n, err := reopened.Replay(2, func(rec model.JournalRecord) error {
		seqs = append(seqs, rec.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []uint64{3, 4, 5}, seqs)
	assert.Equal(t, uint64(5), reopened.LastSeq())

	rec, err := reopened.Append(upsertOp("a1", 6, `{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), rec.Seq)
}

func TestJournal_ReplayRejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	js := newTestJournal(t, dir, nil)
	_, err := js.Append(upsertOp("a1", 1, `{"balance":10}`))
	require.NoError(t, err)
	require.NoError(t, js.Close())

	data, err := os.ReadFile(js.Path())
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"balance":10`, `"balance":99`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(js.Path(), []byte(tampered), 0644))

	reopened := newTestJournal(t, dir, nil)
	_, err = reopened.Replay(0, func(model.JournalRecord) error { return nil })
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeCorruptedData, storageerrors.GetCode(err))
}

func TestJournal_ReplayRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	js := newTestJournal(t, dir, nil)
	_, err := js.Append(upsertOp("a1", 1, `{}`))
	require.NoError(t, err)
	require.NoError(t, js.Close())

	f, err := os.OpenFile(js.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := newTestJournal(t, dir, nil)
	_, err = reopened.Replay(0, func(model.JournalRecord) error { return nil })
	assert.Equal(t, storageerrors.ErrCodeCorruptedData, storageerrors.GetCode(err))
}

func TestJournal_ReplayRejectsOutOfOrderSeq(t *testing.T) {
	dir := t.TempDir()
	js := newTestJournal(t, dir, nil)
	_, err := js.Append(upsertOp("a1", 1, `{}`))
	require.NoError(t, err)
	require.NoError(t, js.Close())

	data, err := os.ReadFile(js.Path())
	require.NoError(t, err)
	// The same line twice repeats seq 1.
	require.NoError(t, os.WriteFile(js.Path(), append(data, data...), 0644))

	reopened := newTestJournal(t, dir, nil)
	_, err = reopened.Replay(0, func(model.JournalRecord) error { return nil })
	assert.Equal(t, storageerrors.ErrCodeCorruptedData, storageerrors.GetCode(err))
}

func TestJournal_RewriteDropsCompactedRecords(t *testing.T) {
	dir := t.TempDir()
	js := newTestJournal(t, dir, nil)
	for i := 1; i <= 4; i++ {
		_, err := js.Append(upsertOp("a1", uint64(i), `{}`))
		require.NoError(t, err)
	}
	before := js.Size()

	require.NoError(t, js.Rewrite(3))
	assert.Less(t, js.Size(), before)

	_, err := js.Append(upsertOp("a1", 5, `{}`))
	require.NoError(t, err)

	recs, err := ReadJournal(js.Path())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(4), recs[0].Seq)
	assert.Equal(t, uint64(5), recs[1].Seq)
}

func TestJournal_EventualDurabilitySyncsInBackground(t *testing.T) {
	m := testMetrics()
	js, err := NewJournalService(t.TempDir(), &JournalConfig{
		Durability:   DurabilityEventual,
		SyncInterval: 10 * time.Millisecond,
	}, zap.NewNop(), m)
	require.NoError(t, err)
	defer js.Close()

	_, err = js.Append(upsertOp("a1", 1, `{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.JournalSyncsTotal) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestJournal_StrictDurabilitySyncsEveryAppend(t *testing.T) {
	m := testMetrics()
	js, err := NewJournalService(t.TempDir(), &JournalConfig{Durability: DurabilityStrict}, zap.NewNop(), m)
	require.NoError(t, err)
	defer js.Close()

	for i := 1; i <= 3; i++ {
		_, err := js.Append(upsertOp("a1", uint64(i), `{}`))
		require.NoError(t, err)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.JournalSyncsTotal))
}

func TestJournal_AppendAfterClose(t *testing.T) {
	js := newTestJournal(t, t.TempDir(), nil)
	require.NoError(t, js.Close())

	_, err := js.Append(upsertOp("a1", 1, `{}`))
	assert.Equal(t, storageerrors.ErrCodeClosed, storageerrors.GetCode(err))
}

func TestParseDurability(t *testing.T) {
	m, err := ParseDurability("eventual")
	require.NoError(t, err)
	assert.Equal(t, DurabilityEventual, m)

	m, err = ParseDurability("")
	require.NoError(t, err)
	assert.Equal(t, DurabilityStrict, m)

	_, err = ParseDurability("sometimes")
	assert.Error(t, err)
}
