package db

import (
	"context"
	gosql "database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/sql"
	"go.uber.org/zap"
)

// WorldResolver looks up a world's status and storage path.
type WorldResolver interface {
	World(id string) (core.World, error)
}

// Observer is notified after every executed statement.
type Observer interface {
	StatementExecuted(kind core.Kind, ok bool, elapsed time.Duration)
}

type Options struct {
	Dialect Dialect

	// Timeout bounds a single statement. Zero means no limit.
	Timeout time.Duration

	Logger   *zap.Logger
	Observer Observer
}

// Engine executes statements against the storage of one world at a time.
// Statements against the same world are serialized.
type Engine struct {
	worlds   WorldResolver
	dialect  Dialect
	timeout  time.Duration
	logger   *zap.Logger
	observer Observer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(worlds WorldResolver, opts Options) *Engine {
	if opts.Dialect == nil {
		opts.Dialect = SQLiteDialect{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Engine{
		worlds:   worlds,
		dialect:  opts.Dialect,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		observer: opts.Observer,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (engine *Engine) Dialect() Dialect {
	return engine.dialect
}

// Execute runs one statement in a world. Queries return every row,
// mutations are committed before Execute returns. A failed statement yields
// an entry with OK unset and an *core.ExecutionError.
func (engine *Engine) Execute(ctx context.Context, worldID string, text string) (core.ExecutionLogEntry, error) {
	entry := core.ExecutionLogEntry{
		WorldID:   worldID,
		Statement: text,
	}

	if strings.TrimSpace(text) == "" {
		entry.Kind = core.MutationKind
		entry.Error = core.ErrEmptyStatement.Error()
		return entry, &core.ExecutionError{WorldID: worldID, Statement: text, Err: core.ErrEmptyStatement}
	}

	entry.Kind = sql.Classify(text)

	world, err := engine.worlds.World(worldID)
	if err != nil {
		return entry, err
	}
	if world.Status.IsTerminal() {
		err := fmt.Errorf("%w: %s", core.ErrWorldTerminal, world.Status)
		entry.Error = err.Error()
		return entry, &core.ExecutionError{WorldID: worldID, Statement: text, Err: err}
	}

	unlock := engine.lockWorld(worldID)
	defer unlock()

	if engine.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, engine.timeout)
		defer cancel()
	}

	startTime := time.Now()

	switch entry.Kind {
	case core.QueryKind:
		err = engine.query(ctx, world.StoragePath, text, &entry)
	case core.MutationKind:
		err = engine.mutate(ctx, world.StoragePath, text, &entry)
	}

	entry.Duration = time.Since(startTime)
	entry.OK = err == nil

	if engine.observer != nil {
		engine.observer.StatementExecuted(entry.Kind, entry.OK, entry.Duration)
	}

	if err != nil {
		entry.Error = err.Error()
		engine.logger.Debug("Statement failed",
			zap.String("world", worldID),
			zap.String("kind", string(entry.Kind)),
			zap.Error(err))
		return entry, &core.ExecutionError{WorldID: worldID, Statement: text, Err: err}
	}

	engine.logger.Debug("Statement executed",
		zap.String("world", worldID),
		zap.String("kind", string(entry.Kind)),
		zap.Int("rows", entry.RowCount),
		zap.Int64("affected", entry.AffectedRows),
		zap.Duration("elapsed", entry.Duration))

	return entry, nil
}

// SchemaOf introspects the live catalog of a world.
func (engine *Engine) SchemaOf(ctx context.Context, worldID string) (core.Schema, error) {
	world, err := engine.worlds.World(worldID)
	if err != nil {
		return core.Schema{}, err
	}

	switch world.Status {
	case core.StatusMainline, core.StatusActive, core.StatusFailed:
	case core.StatusCommitted, core.StatusRolledBack:
		return core.Schema{}, &core.StorageError{
			Op:      "schema",
			WorldID: worldID,
			Err:     fmt.Errorf("world is %s and has no storage", world.Status),
		}
	}

	unlock := engine.lockWorld(worldID)
	defer unlock()

	conn, err := engine.open(world.StoragePath)
	if err != nil {
		return core.Schema{}, &core.StorageError{Op: "schema", WorldID: worldID, Err: err}
	}
	defer conn.Close()

	tables, err := engine.dialect.Tables(ctx, conn)
	if err != nil {
		return core.Schema{}, &core.StorageError{Op: "schema", WorldID: worldID, Err: err}
	}

	return core.Schema{World: worldID, Tables: tables}, nil
}

func (engine *Engine) lockWorld(worldID string) func() {
	engine.mu.Lock()
	lock, ok := engine.locks[worldID]
	if !ok {
		lock = &sync.Mutex{}
		engine.locks[worldID] = lock
	}
	engine.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (engine *Engine) open(path string) (*gosql.DB, error) {
	conn, err := gosql.Open(engine.dialect.DriverName(), engine.dialect.DSN(path))
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

func (engine *Engine) query(ctx context.Context, path string, text string, entry *core.ExecutionLogEntry) error {
	conn, err := engine.open(path)
	if err != nil {
		return err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, text)
	if err != nil {
		return err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}
	entry.Columns = columns
	entry.Rows = [][]any{}

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		entry.Rows = append(entry.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	entry.RowCount = len(entry.Rows)
	return nil
}

// autocommitOnly lists statements the engines refuse inside a transaction.
var autocommitOnly = map[string]bool{
	"VACUUM":     true,
	"ATTACH":     true,
	"DETACH":     true,
	"PRAGMA":     true,
	"BEGIN":      true,
	"COMMIT":     true,
	"END":        true,
	"ROLLBACK":   true,
	"SAVEPOINT":  true,
	"RELEASE":    true,
	"CHECKPOINT": true,
}

func (engine *Engine) mutate(ctx context.Context, path string, text string, entry *core.ExecutionLogEntry) error {
	conn, err := engine.open(path)
	if err != nil {
		return err
	}
	defer conn.Close()

	if autocommitOnly[sql.LeadingKeyword(text)] {
		result, err := conn.ExecContext(ctx, text)
		if err != nil {
			return err
		}
		entry.AffectedRows = rowsAffected(result)
		return nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	result, err := tx.ExecContext(ctx, text)
	if err != nil {
		return errors.Join(err, rollbackUnlessDone(tx))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	entry.AffectedRows = rowsAffected(result)
	return nil
}

func rollbackUnlessDone(tx *gosql.Tx) error {
	if err := tx.Rollback(); err != nil && !errors.Is(err, gosql.ErrTxDone) {
		return err
	}
	return nil
}

func rowsAffected(result gosql.Result) int64 {
	n, err := result.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
