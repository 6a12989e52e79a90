// Package core provides core types used throughout ForkDB.
//
// The package defines the world model (World, Status), the execution model
// (Statement, ExecutionLogEntry, WorldState) and the typed errors every
// other layer reports through.
//
// # Worlds
//
// A world is an isolated copy of the database. The mainline world "main" is
// the authoritative copy; every other world is created by branching:
//
//	world := core.World{
//	    ID:          "world_1",
//	    Status:      core.StatusActive,
//	    Parent:      core.MainlineID,
//	    Description: "b1: 10% discount",
//	}
//
// # Statuses
//
// Supported world statuses:
//   - StatusMainline: the authoritative world
//   - StatusActive: a branch that may still execute statements
//   - StatusCommitted: a branch promoted into mainline
//   - StatusRolledBack: a discarded branch
//   - StatusFailed: a branch that exhausted its repairs
//
// Committed, rolled back and failed worlds are terminal.
//
// # Errors
//
// StorageError aborts a whole run. ExecutionError, RepairExhaustedError and
// SelectionError are per-world and never halt the rest of an experiment.
package core
