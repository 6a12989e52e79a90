package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownWorld      = errors.New("unknown world")
	ErrMainlineImmutable = errors.New("mainline cannot be rolled back")
	ErrEmptyStatement    = errors.New("empty statement")
	ErrWorldTerminal     = errors.New("world is terminal")
	ErrWorldNotActive    = errors.New("world is not active")
)

// StorageError reports an environment or filesystem failure. It aborts the
// whole run and never leaves a partial registry mutation behind.
type StorageError struct {
	Op      string
	WorldID string
	Err     error
}

func (e *StorageError) Error() string {
	if e.WorldID == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.WorldID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ExecutionError carries the engine's error text for a failed statement.
type ExecutionError struct {
	WorldID   string
	Statement string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute in %s: %v", e.WorldID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// RepairExhaustedError is terminal for one world.
type RepairExhaustedError struct {
	WorldID  string
	Attempts int
	Reason   string
}

func (e *RepairExhaustedError) Error() string {
	return fmt.Sprintf("world %s failed after %d repair attempt(s): %s", e.WorldID, e.Attempts, e.Reason)
}

// SelectionError reports a recommended world that cannot be committed.
type SelectionError struct {
	WorldID string
	Reason  string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("cannot select world %s: %s", e.WorldID, e.Reason)
}

// IsStorageError reports whether err aborts the whole run.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
