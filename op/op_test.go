package op

import (
	"context"
	gosql "database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/db"
	"github.com/nickyhof/ForkDB/ps"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*ps.Store, *db.Engine) {
	t.Helper()

	dir := t.TempDir()
	conn, err := gosql.Open("sqlite3", filepath.Join(dir, ps.DefaultMainline))
	require.NoError(t, err)
	for _, stmt := range []string{
		"CREATE TABLE t (id INTEGER PRIMARY KEY, v REAL)",
		"INSERT INTO t (id, v) VALUES (1, 100), (2, 50)",
	} {
		_, err := conn.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, conn.Close())

	store, err := ps.NewStore(ps.Options{BaseDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, db.NewEngine(store, db.Options{})
}

// countingExecutor counts statement executions per world.
type countingExecutor struct {
	Executor

	mu    sync.Mutex
	calls map[string]int
}

func newCountingExecutor(executor Executor) *countingExecutor {
	return &countingExecutor{Executor: executor, calls: map[string]int{}}
}

func (c *countingExecutor) Execute(ctx context.Context, worldID string, text string) (core.ExecutionLogEntry, error) {
	c.mu.Lock()
	c.calls[worldID]++
	c.mu.Unlock()
	return c.Executor.Execute(ctx, worldID, text)
}

func (c *countingExecutor) count(worldID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[worldID]
}

type repairFunc func(ctx context.Context, statement, rawError, schema string) (string, error)

func (f repairFunc) Repair(ctx context.Context, statement, rawError, schema string) (string, error) {
	return f(ctx, statement, rawError, schema)
}

// fixedRepair always proposes the same replacement.
func fixedRepair(replacement string, calls *int) repairFunc {
	return func(ctx context.Context, statement, rawError, schema string) (string, error) {
		*calls++
		return replacement, nil
	}
}

func newWorld(t *testing.T, store *ps.Store, session *Session, plan ...string) *core.WorldState {
	t.Helper()

	id, err := store.CreateWorld(core.MainlineID, "")
	require.NoError(t, err)

	state := core.NewWorldState(id, plan)
	require.NoError(t, session.Add(state))
	return state
}

func rowCount(t *testing.T, engine *db.Engine, worldID string, query string) int64 {
	t.Helper()

	entry, err := engine.Execute(context.Background(), worldID, query)
	require.NoError(t, err)
	require.Len(t, entry.Rows, 1)
	n, ok := core.Numeric(entry.Rows[0][0])
	require.True(t, ok)
	return int64(n)
}
