// Package op drives speculative experiments over the world registry.
//
// The package sits between the statement engine (db/) and the snapshot
// store (ps/). A Session holds the per-world execution state of one
// experiment; the Runner executes plans pass by pass, the Repairer resolves
// failed statements through a repair oracle with a bounded retry budget and
// the Coordinator promotes one world while discarding the rest:
//
//	session := op.NewSession()
//	session.Add(core.NewWorldState(id, statements))
//
//	err := op.Drive(ctx, runner, repairer, session)
//	report, err := coordinator.Finalize(chosen, session.Rejected())
//
// Experiment ties these together with the oracles for a natural-language
// question:
//
//	experiment := op.NewExperiment(store, engine, oracles, op.Options{AutoCommit: true})
//	report, err := experiment.Run(ctx, "Which discount maximizes revenue?")
//
// # Architecture
//
// The layering is:
//
//	Oracles (oracle/)
//	     ↓
//	Operations (op/)     ← This package
//	     ↓
//	Statement engine (db/)
//	     ↓
//	Snapshot store (ps/)
package op
