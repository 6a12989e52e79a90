package op

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/oracle"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries allows the original statement plus five repaired
	// attempts before a world fails.
	DefaultMaxRetries    = 5
	DefaultRepairTimeout = 60 * time.Second
)

type RepairOutcome string

const (
	RepairReplaced   RepairOutcome = "replaced"
	RepairAttemptErr RepairOutcome = "attempt_failed"
	RepairImpossible RepairOutcome = "impossible"
	RepairExhausted  RepairOutcome = "exhausted"
	RepairInvalid    RepairOutcome = "invalid"
)

type RepairOptions struct {
	MaxRetries int
	Timeout    time.Duration
	Logger     *zap.Logger
	Observer   Observer
}

// Repairer resolves the session's outstanding repair request with a
// bounded number of oracle calls per world.
type Repairer struct {
	oracle     oracle.Repairer
	executor   Executor
	registry   Registry
	maxRetries int
	timeout    time.Duration
	logger     *zap.Logger
	observer   Observer
}

func NewRepairer(repairOracle oracle.Repairer, executor Executor, registry Registry, opts RepairOptions) *Repairer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRepairTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	return &Repairer{
		oracle:     repairOracle,
		executor:   executor,
		registry:   registry,
		maxRetries: opts.MaxRetries,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
		observer:   opts.Observer,
	}
}

// Handle consumes the pending repair request. A replacement is written over
// the failed statement so the runner retries the same index. Oracle errors
// and timeouts count as a failed attempt and leave the statement in place.
// Only storage errors are returned.
func (repairer *Repairer) Handle(ctx context.Context, session *Session) (RepairOutcome, error) {
	req := session.pending
	if req == nil {
		return "", errors.New("no pending repair request")
	}

	state, ok := session.states[req.WorldID]
	if !ok {
		session.pending = nil
		return "", fmt.Errorf("repair request for unknown world %s", req.WorldID)
	}

	logger := repairer.logger.With(zap.String("world", req.WorldID), zap.Int("index", req.Index))

	if req.Index < 0 || req.Index >= len(state.Plan) {
		outcome := RepairInvalid
		repairer.observer.RepairAttempted(outcome)
		return outcome, session.fail(repairer.registry, state, &core.RepairExhaustedError{
			WorldID:  req.WorldID,
			Attempts: state.RetryCount,
			Reason:   fmt.Sprintf("failing statement index %d out of range", req.Index),
		})
	}

	state.RetryCount++
	if state.RetryCount > repairer.maxRetries {
		outcome := RepairExhausted
		repairer.observer.RepairAttempted(outcome)
		logger.Warn("Max retries exceeded", zap.Int("retries", state.RetryCount))
		return outcome, session.fail(repairer.registry, state, &core.RepairExhaustedError{
			WorldID:  req.WorldID,
			Attempts: state.RetryCount,
			Reason:   "max retries exceeded: " + req.RawError,
		})
	}

	schema, err := repairer.executor.SchemaOf(ctx, req.WorldID)
	if err != nil {
		return "", err
	}

	repairCtx, cancel := context.WithTimeout(ctx, repairer.timeout)
	replacement, err := repairer.oracle.Repair(repairCtx, req.StatementText, req.RawError, schema.String())
	cancel()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		outcome := RepairAttemptErr
		repairer.observer.RepairAttempted(outcome)
		logger.Warn("Repair attempt failed", zap.Int("retries", state.RetryCount), zap.Error(err))

		session.pending = nil
		state.Phase = core.PhaseRunning
		return outcome, nil
	}

	replacement = strings.TrimSpace(replacement)
	if replacement == "" || oracle.IsImpossible(replacement) {
		outcome := RepairImpossible
		repairer.observer.RepairAttempted(outcome)
		return outcome, session.fail(repairer.registry, state, &core.RepairExhaustedError{
			WorldID:  req.WorldID,
			Attempts: state.RetryCount,
			Reason:   "repair impossible: " + req.RawError,
		})
	}

	state.Plan[req.Index] = replacement
	state.Phase = core.PhaseRunning
	session.pending = nil

	outcome := RepairReplaced
	repairer.observer.RepairAttempted(outcome)
	logger.Info("Statement repaired",
		zap.Int("retries", state.RetryCount),
		zap.String("statement", replacement))

	return outcome, nil
}
