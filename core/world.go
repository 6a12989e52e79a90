package core

import (
	"fmt"
	"time"
)

// MainlineID is the reserved id of the authoritative world.
const MainlineID = "main"

type Status string

const (
	StatusMainline   Status = "mainline"
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further execution is permitted in a world
// with this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCommitted, StatusRolledBack, StatusFailed:
		return true
	case StatusMainline, StatusActive:
		return false
	default:
		return true
	}
}

type World struct {
	ID            string    `json:"id"`
	Status        Status    `json:"status"`
	Parent        string    `json:"parent,omitempty"`
	Description   string    `json:"description"`
	StoragePath   string    `json:"storagePath"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (world World) IsMainline() bool {
	return world.ID == MainlineID
}

func (world World) String() string {
	return fmt.Sprintf("World{Id: %s, Status: %s, Parent: %s}", world.ID, world.Status, world.Parent)
}

// Identity identifies the author of mainline history transactions.
type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (identity Identity) String() string {
	return fmt.Sprintf("%s <%s>", identity.Name, identity.Email)
}
