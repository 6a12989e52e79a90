package db

import (
	"context"
	gosql "database/sql"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nickyhof/ForkDB/core"
)

// Dialect adapts the engine to one embedded database driver.
type Dialect interface {
	Name() string
	DriverName() string
	DSN(path string) string
	Tables(ctx context.Context, conn *gosql.DB) ([]core.Table, error)
}

const (
	SQLite = "sqlite3"
	DuckDB = "duckdb"
)

// DialectByName returns the dialect registered under name. An empty name
// selects SQLite.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", SQLite, "sqlite":
		return SQLiteDialect{}, nil
	case DuckDB:
		return DuckDBDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect: %s", name)
	}
}

type SQLiteDialect struct{}

func (SQLiteDialect) Name() string       { return SQLite }
func (SQLiteDialect) DriverName() string { return "sqlite3" }

func (SQLiteDialect) DSN(path string) string {
	return path + "?_busy_timeout=5000&_foreign_keys=on"
}

func (SQLiteDialect) Tables(ctx context.Context, conn *gosql.DB) ([]core.Table, error) {
	rows, err := conn.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]core.Table, 0, len(names))
	for _, name := range names {
		columns, err := sqliteColumns(ctx, conn, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, core.Table{Name: name, Columns: columns})
	}
	return tables, nil
}

func sqliteColumns(ctx context.Context, conn *gosql.DB, table string) ([]core.Column, error) {
	query := fmt.Sprintf("PRAGMA table_info(%s)", quoteIdentifier(table))
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", table, err)
	}
	defer rows.Close()

	var columns []core.Column
	for rows.Next() {
		var (
			cid      int
			name     string
			typ      string
			notNull  int
			defValue gosql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defValue, &pk); err != nil {
			return nil, err
		}
		columns = append(columns, core.Column{
			Name:       name,
			Type:       typ,
			NotNull:    notNull != 0,
			PrimaryKey: pk > 0,
		})
	}
	return columns, rows.Err()
}

type DuckDBDialect struct{}

func (DuckDBDialect) Name() string           { return DuckDB }
func (DuckDBDialect) DriverName() string     { return "duckdb" }
func (DuckDBDialect) DSN(path string) string { return path }

func (DuckDBDialect) Tables(ctx context.Context, conn *gosql.DB) ([]core.Table, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'main'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []core.Table
	for rows.Next() {
		var table, column, typ, nullable string
		if err := rows.Scan(&table, &column, &typ, &nullable); err != nil {
			return nil, err
		}
		if len(tables) == 0 || tables[len(tables)-1].Name != table {
			tables = append(tables, core.Table{Name: table})
		}
		last := &tables[len(tables)-1]
		last.Columns = append(last.Columns, core.Column{
			Name:    column,
			Type:    typ,
			NotNull: strings.EqualFold(nullable, "NO"),
		})
	}
	return tables, rows.Err()
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateDatabase creates an empty database file at path.
func CreateDatabase(ctx context.Context, dialect Dialect, path string) error {
	conn, err := gosql.Open(dialect.DriverName(), dialect.DSN(path))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer conn.Close()

	// force the engine to write a header
	for _, stmt := range []string{
		"CREATE TABLE forkdb_init (id INTEGER)",
		"DROP TABLE forkdb_init",
	} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", path, err)
		}
	}
	return nil
}
