// Package ps provides the persistence layer for ForkDB.
//
// A Store owns the mainline database file and one physical copy per
// world. Branching copies the parent's bytes, committing copies a world
// over mainline, rolling back deletes the world's file. Every registry
// mutation goes through the Store so world status transitions are checked
// in one place.
//
//	store, err := ps.NewStore(ps.Options{BaseDir: "/path/to/data"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	id, _ := store.CreateWorld(core.MainlineID, "discount 10%")
//	// ... execute statements against store.Path(id) ...
//	_ = store.Commit(id)
//
// # History
//
// A History attached through Options records each promotion into mainline
// as a Git commit using go-git, so earlier mainline versions can be listed
// and restored:
//
//	history, _ := ps.NewFileHistory("/path/to/data/history")
//	store, _ := ps.NewStore(ps.Options{BaseDir: "/path/to/data", History: history})
//	txns, _ := history.Transactions()
//	_, _ = store.RestoreMainline(txns[1].Id)
//
// The ledger can be shared through ordinary git remotes. Push publishes it,
// PullMainline fast-forwards it and rewrites mainline to the pulled head:
//
//	_ = history.AddRemote("origin", "https://example.com/ledger.git")
//	_ = history.Push("origin", &ps.RemoteAuth{Type: ps.AuthTypeToken, Token: token})
//
// # Remote snapshots
//
// OpenSource and OpenSink read and write database snapshots at local
// paths, file://, http(s):// (read only) and s3:// URLs.
package ps
