package op

import (
	"context"
	"errors"

	"github.com/nickyhof/ForkDB/core"
	"go.uber.org/zap"
)

// DefaultSampleRows bounds the rows kept per query sample.
const DefaultSampleRows = 5

type PassResult struct {
	// NeedsRepair is set when the pass stopped on a failed statement.
	NeedsRepair bool
	Request     *core.RepairRequest

	// Executed counts the statements that succeeded in this pass.
	Executed int
}

// Runner executes world plans sequentially from their persisted cursors.
type Runner struct {
	executor   Executor
	registry   Registry
	sampleRows int
	logger     *zap.Logger
}

func NewRunner(executor Executor, registry Registry, sampleRows int, logger *zap.Logger) *Runner {
	if sampleRows <= 0 {
		sampleRows = DefaultSampleRows
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{executor: executor, registry: registry, sampleRows: sampleRows, logger: logger}
}

// Pass runs every eligible world in plan-emission order. It stops at the
// first failed statement, leaving a repair request in the session and the
// world's cursor on the failed index. Only storage errors are returned.
func (runner *Runner) Pass(ctx context.Context, session *Session) (PassResult, error) {
	var result PassResult

	if session.pending != nil {
		result.NeedsRepair = true
		result.Request = session.Pending()
		return result, nil
	}

	for _, id := range session.order {
		state := session.states[id]
		if session.rejected[id] {
			continue
		}
		if !state.Eligible() {
			if state.Phase == core.PhaseRunning && state.FailureReason == "" {
				runner.complete(id, state)
			}
			continue
		}

		for !state.Exhausted() {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			index := state.Cursor
			text := state.Plan[index]

			entry, err := runner.executor.Execute(ctx, id, text)
			if err != nil {
				if core.IsStorageError(err) {
					return result, err
				}
				if errors.Is(err, core.ErrWorldTerminal) {
					if err := session.fail(runner.registry, state, &core.RepairExhaustedError{
						WorldID:  id,
						Attempts: state.RetryCount,
						Reason:   entry.Error,
					}); err != nil {
						return result, err
					}
					break
				}

				rawError := entry.Error
				if rawError == "" {
					rawError = err.Error()
				}

				state.Phase = core.PhaseAwaitingRepair
				session.pending = &core.RepairRequest{
					WorldID:       id,
					StatementText: text,
					Index:         index,
					RawError:      rawError,
				}

				runner.logger.Info("Statement failed, repair needed",
					zap.String("world", id),
					zap.Int("index", index),
					zap.String("error", rawError))

				result.NeedsRepair = true
				result.Request = session.Pending()
				return result, nil
			}

			state.Log = append(state.Log, entry)
			if entry.Kind == core.QueryKind && entry.RowCount > 0 {
				state.Samples = append(state.Samples, runner.sample(index, entry))
			}
			state.Cursor++
			state.Phase = core.PhaseRunning
			result.Executed++
		}

		if state.Phase != core.PhaseFailed {
			runner.complete(id, state)
		}
	}

	return result, nil
}

// complete marks an exhausted world done and extracts its metrics.
func (runner *Runner) complete(id string, state *core.WorldState) {
	state.Phase = core.PhaseDone
	state.Metrics = ExtractMetrics(state.Log)
	runner.logger.Info("World plan complete",
		zap.String("world", id),
		zap.Int("statements", len(state.Plan)),
		zap.Any("metrics", state.Metrics))
}

func (runner *Runner) sample(index int, entry core.ExecutionLogEntry) core.Sample {
	n := min(len(entry.Rows), runner.sampleRows)
	rows := make([][]any, n)
	copy(rows, entry.Rows[:n])
	return core.Sample{
		StatementIndex: index,
		Statement:      entry.Statement,
		Columns:        entry.Columns,
		Rows:           rows,
	}
}

// Drive alternates passes and repairs until no repair request remains.
func Drive(ctx context.Context, runner *Runner, repairer *Repairer, session *Session) error {
	for {
		result, err := runner.Pass(ctx, session)
		if err != nil {
			return err
		}
		if !result.NeedsRepair {
			return nil
		}
		if _, err := repairer.Handle(ctx, session); err != nil {
			return err
		}
	}
}
