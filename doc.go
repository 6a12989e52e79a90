// Package ForkDB is a speculative multi-branch SQL execution engine.
//
// ForkDB lets a caller try several mutually exclusive modifications of one
// embedded database in isolation, measure their effect and promote exactly
// one of them into the authoritative copy (the mainline) while discarding
// the rest. Every branch (a world) is a full copy of its parent's storage.
//
// # Quick Start
//
//	cfg := config.DefaultConfig()
//	cfg.DataDir = "/var/lib/forkdb"
//
//	ForkDB.Init(ctx, cfg, "s3://datasets/sales.db")
//	instance, _ := ForkDB.Open(cfg)
//	defer instance.Close()
//
//	world, _ := instance.Branch(core.MainlineID, "10% discount")
//	instance.Execute(ctx, world, "UPDATE orders SET price = price * 0.9")
//	entry, _ := instance.Execute(ctx, world, "SELECT SUM(price) AS total_revenue FROM orders")
//	db.Render(os.Stdout, entry)
//
//	instance.Finalize(world, nil)
//
// # Experiments
//
// A question can also be handed to an experiment, which classifies it,
// plans several strategies, runs each in its own world, repairs failed
// statements through a repair oracle and recommends a winner:
//
//	oracles, _ := instance.Oracles("plan.yaml")
//	report, _ := instance.Experiment(oracles, true).Run(ctx, "Which discount maximizes revenue?")
//
// Every promotion into mainline is recorded in a git-backed history that
// can be listed and restored.
package ForkDB
