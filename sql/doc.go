// Package sql provides statement lexing for ForkDB.
//
// ForkDB does not parse SQL itself; statements are handed to the storage
// engine verbatim. The lexer only needs to understand enough structure to
// skip literals and comments, which is what classification and script
// splitting rely on.
//
// # Classification
//
//	sql.Classify("SELECT * FROM orders")              // core.QueryKind
//	sql.Classify("WITH t AS (SELECT 1) SELECT * FROM t") // core.QueryKind
//	sql.Classify("UPDATE orders SET total = 0")        // core.MutationKind
//
// # Scripts
//
//	for _, stmt := range sql.Split(script) {
//	    ...
//	}
//
// StripCodeFences removes the markdown fences that generated statement
// text is often wrapped in.
package sql
