// Package db provides the statement executor for ForkDB.
//
// The Engine runs one statement at a time against the storage file of a
// single world. Queries return all rows with their column order;
// mutations run in a transaction that is committed before Execute returns.
//
// # Engine Usage
//
//	engine := db.NewEngine(store, db.Options{Logger: logger})
//	entry, err := engine.Execute(ctx, "world_1", "SELECT SUM(total) AS revenue FROM orders")
//	if err != nil {
//	    var execErr *core.ExecutionError
//	    if errors.As(err, &execErr) {
//	        // statement failed; entry.Error carries the engine text
//	    }
//	}
//	db.Render(os.Stdout, entry)
//
// # Dialects
//
// SQLite (github.com/mattn/go-sqlite3) is the default. DuckDB
// (github.com/duckdb/duckdb-go/v2) can be selected with DialectByName.
// Both support live schema introspection through SchemaOf.
package db
