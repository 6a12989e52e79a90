package ps

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nickyhof/ForkDB/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = core.Identity{Name: "test", Email: "test@test.com"}

func TestNewMemoryHistory(t *testing.T) {
	history, err := NewMemoryHistory()
	require.NoError(t, err)

	assert.True(t, history.Empty())
	assert.Equal(t, Transaction{}, history.LatestTransaction())

	txns, err := history.Transactions()
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestHistoryRecordAndRead(t *testing.T) {
	history, err := NewMemoryHistory()
	require.NoError(t, err)

	txn1, err := history.Record(Promotion{Kind: PromotionBaseline, World: core.MainlineID}, []byte("v1"), testIdentity)
	require.NoError(t, err)
	txn2, err := history.Record(Promotion{
		Kind:    PromotionCommit,
		World:   "world_1",
		Metrics: map[string]float64{"total": 90},
	}, []byte("v2"), testIdentity)
	require.NoError(t, err)

	assert.False(t, history.Empty())
	assert.NotEqual(t, txn1.Id, txn2.Id)
	assert.Equal(t, "test <test@test.com>", txn2.Author)

	latest := history.LatestTransaction()
	assert.Equal(t, txn2.Id, latest.Id)
	assert.Equal(t, PromotionCommit, latest.Promotion.Kind)
	assert.Equal(t, 90.0, latest.Promotion.Metrics["total"])

	data, err := history.Read(txn1.Id)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	data, err = history.Read(txn2.Id)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestHistoryTransactionsNewestFirst(t *testing.T) {
	history, _ := NewMemoryHistory()

	var ids []string
	for _, v := range []string{"a", "b", "c"} {
		txn, err := history.Record(Promotion{Kind: PromotionCommit, World: v}, []byte(v), testIdentity)
		require.NoError(t, err)
		ids = append(ids, txn.Id)
	}

	txns, err := history.Transactions()
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, ids[2], txns[0].Id)
	assert.Equal(t, "a", txns[2].Promotion.World)
}

func TestHistoryTransactionsSince(t *testing.T) {
	history, _ := NewMemoryHistory()

	_, err := history.Record(Promotion{Kind: PromotionBaseline}, []byte("a"), testIdentity)
	require.NoError(t, err)

	txns, err := history.TransactionsSince(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, txns)

	txns, err = history.TransactionsSince(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestHistorySnapshot(t *testing.T) {
	history, _ := NewMemoryHistory()

	_, err := history.Record(Promotion{Kind: PromotionBaseline}, []byte("v1"), testIdentity)
	require.NoError(t, err)
	require.NoError(t, history.Snapshot("before-experiment", ""))

	_, err = history.Record(Promotion{Kind: PromotionCommit, World: "world_1"}, []byte("v2"), testIdentity)
	require.NoError(t, err)

	data, err := history.Read("before-experiment")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestHistoryReadUnknown(t *testing.T) {
	history, _ := NewMemoryHistory()

	_, err := history.Read("0123456789abcdef0123456789abcdef01234567")
	assert.Error(t, err)
}

func TestFileHistoryReopen(t *testing.T) {
	dir := t.TempDir()

	history, err := NewFileHistory(dir)
	require.NoError(t, err)
	txn, err := history.Record(Promotion{Kind: PromotionBaseline}, []byte("persisted"), testIdentity)
	require.NoError(t, err)

	reopened, err := NewFileHistory(dir)
	require.NoError(t, err)
	assert.Equal(t, txn.Id, reopened.LatestTransaction().Id)

	data, err := reopened.Read(txn.Id)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(data))
}

func TestStoreRecordsBaselineAndCommits(t *testing.T) {
	history, _ := NewMemoryHistory()
	store, _ := newTestStore(t, history)

	baseline := history.LatestTransaction()
	assert.Equal(t, PromotionBaseline, baseline.Promotion.Kind)

	id, _ := store.CreateWorld(core.MainlineID, "raise prices")
	path, _ := store.Path(id)
	require.NoError(t, os.WriteFile(path, []byte("mainline-v2"), 0644))
	require.NoError(t, store.CommitWithMetrics(id, map[string]float64{"revenue": 150}))

	latest := history.LatestTransaction()
	assert.Equal(t, PromotionCommit, latest.Promotion.Kind)
	assert.Equal(t, id, latest.Promotion.World)
	assert.Equal(t, "raise prices", latest.Promotion.Description)
	assert.Equal(t, 150.0, latest.Promotion.Metrics["revenue"])

	data, err := history.Read(latest.Id)
	require.NoError(t, err)
	assert.Equal(t, "mainline-v2", string(data))
}

func TestStoreCommitAs(t *testing.T) {
	history, _ := NewMemoryHistory()
	store, _ := newTestStore(t, history)

	id, _ := store.CreateWorld(core.MainlineID, "")
	require.NoError(t, store.CommitAs(id, nil, core.Identity{Name: "Alice", Email: "alice@example.com"}))

	assert.Equal(t, "Alice <alice@example.com>", history.LatestTransaction().Author)
}

func TestStoreRestoreMainline(t *testing.T) {
	history, _ := NewMemoryHistory()
	store, _ := newTestStore(t, history)
	baseline := history.LatestTransaction()

	id, _ := store.CreateWorld(core.MainlineID, "")
	path, _ := store.Path(id)
	require.NoError(t, os.WriteFile(path, []byte("mainline-v2"), 0644))
	require.NoError(t, store.Commit(id))

	txn, err := store.RestoreMainline(baseline.Id)
	require.NoError(t, err)
	assert.Equal(t, PromotionRestore, txn.Promotion.Kind)

	data, _ := store.ReadBytes(core.MainlineID)
	assert.Equal(t, "mainline-v1", string(data))

	txns, _ := history.Transactions()
	assert.Len(t, txns, 3)
}

func TestStoreRestoreWithoutHistory(t *testing.T) {
	store, _ := newTestStore(t, nil)

	_, err := store.RestoreMainline("abc")
	assert.True(t, core.IsStorageError(err))
}

func TestStoreReplaceMainline(t *testing.T) {
	history, _ := NewMemoryHistory()
	store, dir := newTestStore(t, history)

	require.NoError(t, store.ReplaceMainline(bytes.NewReader([]byte("seeded"))))

	data, err := os.ReadFile(filepath.Join(dir, DefaultMainline))
	require.NoError(t, err)
	assert.Equal(t, "seeded", string(data))
	assert.Equal(t, PromotionSeed, history.LatestTransaction().Promotion.Kind)
}
