package db

import (
	"context"
	gosql "database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/ps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSQLite(t *testing.T, path string, statements ...string) {
	t.Helper()

	conn, err := gosql.Open("sqlite3", path)
	require.NoError(t, err)
	defer conn.Close()

	for _, stmt := range statements {
		_, err := conn.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

func setupTestEngine(t *testing.T) (*Engine, *ps.Store) {
	t.Helper()

	dir := t.TempDir()
	seedSQLite(t, filepath.Join(dir, ps.DefaultMainline),
		"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, age INTEGER)",
		"INSERT INTO users (id, name, age) VALUES (1, 'Alice', 30), (2, 'Bob', 25), (3, 'Charlie', 35)",
	)

	store, err := ps.NewStore(ps.Options{BaseDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewEngine(store, Options{}), store
}

type countingObserver struct {
	mu    sync.Mutex
	calls map[core.Kind]int
	fails int
}

func (o *countingObserver) StatementExecuted(kind core.Kind, ok bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = map[core.Kind]int{}
	}
	o.calls[kind]++
	if !ok {
		o.fails++
	}
}

func TestEngineSelect(t *testing.T) {
	engine, _ := setupTestEngine(t)

	entry, err := engine.Execute(context.Background(), core.MainlineID, "SELECT id, name FROM users ORDER BY id")
	require.NoError(t, err)

	assert.True(t, entry.OK)
	assert.Equal(t, core.QueryKind, entry.Kind)
	assert.Equal(t, []string{"id", "name"}, entry.Columns)
	assert.Equal(t, 3, entry.RowCount)
	assert.Equal(t, []any{int64(1), "Alice"}, entry.Rows[0])
}

func TestEngineSelectEmpty(t *testing.T) {
	engine, _ := setupTestEngine(t)

	entry, err := engine.Execute(context.Background(), core.MainlineID, "SELECT * FROM users WHERE age > 100")
	require.NoError(t, err)
	assert.Equal(t, 0, entry.RowCount)
	assert.Equal(t, []string{"id", "name", "age"}, entry.Columns)
}

func TestEngineWithQuery(t *testing.T) {
	engine, _ := setupTestEngine(t)

	entry, err := engine.Execute(context.Background(), core.MainlineID,
		"WITH old AS (SELECT * FROM users WHERE age >= 30) SELECT COUNT(*) AS n FROM old")
	require.NoError(t, err)
	assert.Equal(t, core.QueryKind, entry.Kind)
	assert.Equal(t, int64(2), entry.Rows[0][0])
}

func TestEngineQueryHasNoSideEffect(t *testing.T) {
	engine, store := setupTestEngine(t)

	before, _ := store.ReadBytes(core.MainlineID)
	_, err := engine.Execute(context.Background(), core.MainlineID, "SELECT * FROM users")
	require.NoError(t, err)
	after, _ := store.ReadBytes(core.MainlineID)

	assert.Equal(t, before, after)
}

func TestEngineUpdateIsDurable(t *testing.T) {
	engine, store := setupTestEngine(t)
	ctx := context.Background()

	id, err := store.CreateWorld(core.MainlineID, "")
	require.NoError(t, err)

	entry, err := engine.Execute(ctx, id, "UPDATE users SET age = age + 1 WHERE age >= 30")
	require.NoError(t, err)
	assert.Equal(t, core.MutationKind, entry.Kind)
	assert.Equal(t, int64(2), entry.AffectedRows)

	path, _ := store.Path(id)
	conn, err := gosql.Open("sqlite3", path)
	require.NoError(t, err)
	defer conn.Close()

	var total int
	require.NoError(t, conn.QueryRow("SELECT SUM(age) FROM users").Scan(&total))
	assert.Equal(t, 92, total)

	// mainline untouched
	main, err := engine.Execute(ctx, core.MainlineID, "SELECT SUM(age) AS total FROM users")
	require.NoError(t, err)
	assert.Equal(t, int64(90), main.Rows[0][0])
}

func TestEngineCreateTable(t *testing.T) {
	engine, store := setupTestEngine(t)
	ctx := context.Background()

	id, _ := store.CreateWorld(core.MainlineID, "")

	_, err := engine.Execute(ctx, id, "CREATE TABLE orders (id INTEGER PRIMARY KEY, total REAL)")
	require.NoError(t, err)

	schema, err := engine.SchemaOf(ctx, id)
	require.NoError(t, err)
	_, ok := schema.Table("orders")
	assert.True(t, ok, "schema reflects DDL executed mid-experiment")

	mainSchema, err := engine.SchemaOf(ctx, core.MainlineID)
	require.NoError(t, err)
	_, ok = mainSchema.Table("orders")
	assert.False(t, ok)
}

func TestEngineVacuumOutsideTransaction(t *testing.T) {
	engine, store := setupTestEngine(t)
	id, _ := store.CreateWorld(core.MainlineID, "")

	_, err := engine.Execute(context.Background(), id, "VACUUM")
	assert.NoError(t, err)
}

func TestEngineErrors(t *testing.T) {
	engine, store := setupTestEngine(t)
	ctx := context.Background()

	entry, err := engine.Execute(ctx, core.MainlineID, "SELECT * FROM nonexistent_table")
	var execErr *core.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.False(t, entry.OK)
	assert.Contains(t, entry.Error, "no such table")

	id, _ := store.CreateWorld(core.MainlineID, "")
	_, err = engine.Execute(ctx, id, "INSERT INTO users (id, name) VALUES (1, 'dup')")
	assert.True(t, errors.As(err, &execErr), "constraint violations are execution errors")

	_, err = engine.Execute(ctx, id, "UPDATE users SET")
	assert.True(t, errors.As(err, &execErr))
}

func TestEngineEmptyStatement(t *testing.T) {
	engine, _ := setupTestEngine(t)
	observer := &countingObserver{}
	engine.observer = observer

	_, err := engine.Execute(context.Background(), core.MainlineID, "   \n\t")
	assert.True(t, errors.Is(err, core.ErrEmptyStatement))
	assert.Empty(t, observer.calls, "empty statements are rejected before dispatch")
}

func TestEngineUnknownWorld(t *testing.T) {
	engine, _ := setupTestEngine(t)

	_, err := engine.Execute(context.Background(), "world_99", "SELECT 1")
	assert.True(t, errors.Is(err, core.ErrUnknownWorld))
	assert.True(t, core.IsStorageError(err))
}

func TestEngineTerminalWorld(t *testing.T) {
	engine, store := setupTestEngine(t)

	id, _ := store.CreateWorld(core.MainlineID, "")
	require.NoError(t, store.Rollback(id))

	_, err := engine.Execute(context.Background(), id, "SELECT 1")
	assert.True(t, errors.Is(err, core.ErrWorldTerminal))

	_, err = engine.SchemaOf(context.Background(), id)
	assert.True(t, core.IsStorageError(err))

	path, _ := store.Path(id)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "no storage recreated for a rolled back world")
}

func TestEngineObserver(t *testing.T) {
	engine, _ := setupTestEngine(t)
	observer := &countingObserver{}
	engine.observer = observer
	ctx := context.Background()

	_, _ = engine.Execute(ctx, core.MainlineID, "SELECT 1")
	_, _ = engine.Execute(ctx, core.MainlineID, "SELECT * FROM missing")

	assert.Equal(t, 2, observer.calls[core.QueryKind])
	assert.Equal(t, 1, observer.fails)
}

func TestEngineSerializesPerWorld(t *testing.T) {
	engine, store := setupTestEngine(t)
	ctx := context.Background()
	id, _ := store.CreateWorld(core.MainlineID, "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Execute(ctx, id, "UPDATE users SET age = age + 1 WHERE id = 1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := engine.Execute(ctx, id, "SELECT age FROM users WHERE id = 1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), entry.Rows[0][0])
}

func TestSchemaOf(t *testing.T) {
	engine, _ := setupTestEngine(t)

	schema, err := engine.SchemaOf(context.Background(), core.MainlineID)
	require.NoError(t, err)
	require.Len(t, schema.Tables, 1)

	users := schema.Tables[0]
	assert.Equal(t, "users", users.Name)
	require.Len(t, users.Columns, 3)
	assert.Equal(t, core.Column{Name: "id", Type: "INTEGER", PrimaryKey: true}, users.Columns[0])
	assert.True(t, users.Columns[1].NotNull)
	assert.Equal(t, "Table: users\n  - id (INTEGER)\n  - name (TEXT)\n  - age (INTEGER)", schema.String())
}

func TestDialectByName(t *testing.T) {
	for name, want := range map[string]string{"": SQLite, "sqlite": SQLite, "SQLite3": SQLite, "duckdb": DuckDB} {
		dialect, err := DialectByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, dialect.Name())
	}

	_, err := DialectByName("postgres")
	assert.Error(t, err)
}
