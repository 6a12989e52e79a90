package core

import "time"

type Kind string

const (
	QueryKind    Kind = "query"
	MutationKind Kind = "mutation"
)

// Statement is one ordered unit of a world's plan.
type Statement struct {
	Text string `json:"text"`
	Kind Kind   `json:"kind"`
}

// ExecutionLogEntry records the outcome of one statement in one world.
// Query entries carry Columns/Rows/RowCount, mutation entries AffectedRows.
type ExecutionLogEntry struct {
	WorldID      string        `json:"worldId"`
	Statement    string        `json:"statement"`
	Kind         Kind          `json:"kind"`
	Columns      []string      `json:"columns,omitempty"`
	Rows         [][]any       `json:"rows,omitempty"`
	RowCount     int           `json:"rowCount"`
	AffectedRows int64         `json:"affectedRows"`
	OK           bool          `json:"ok"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Sample is the bounded head of a query result kept for evaluation.
type Sample struct {
	StatementIndex int      `json:"statementIndex"`
	Statement      string   `json:"statement"`
	Columns        []string `json:"columns"`
	Rows           [][]any  `json:"rows"`
}

// RepairRequest is the pending-repair context left behind by a failed
// statement. At most one exists per experiment at a time.
type RepairRequest struct {
	WorldID       string `json:"worldId"`
	StatementText string `json:"statementText"`
	Index         int    `json:"index"`
	RawError      string `json:"rawError"`
}
