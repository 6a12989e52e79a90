package op

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/oracle"
	"github.com/nickyhof/ForkDB/sql"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type Options struct {
	// Parent is the world branches are created from (default mainline).
	Parent string

	// AutoCommit finalizes the recommended world at the end of a run.
	AutoCommit bool

	MaxRetries    int
	RepairTimeout time.Duration
	SampleRows    int

	Logger   *zap.Logger
	Observer Observer
}

// Report is the outcome of one experiment run.
type Report struct {
	RunID          string                   `json:"runId"`
	Question       string                   `json:"question"`
	Intent         oracle.Intent            `json:"intent"`
	Reason         string                   `json:"reason"`
	Results        []core.ExecutionLogEntry `json:"results,omitempty"`
	Plan           *oracle.Plan             `json:"plan,omitempty"`
	Worlds         []*core.WorldState       `json:"worlds,omitempty"`
	Recommendation *oracle.Recommendation   `json:"recommendation,omitempty"`
	Rejected       []string                 `json:"rejected,omitempty"`
	Selection      *core.SelectionError     `json:"-"`
	Finalize       *FinalizeReport          `json:"finalize,omitempty"`
	Message        string                   `json:"message,omitempty"`
}

// Experiment drives one question from classification to an optional commit.
type Experiment struct {
	registry    Registry
	executor    Executor
	oracles     oracle.Oracles
	opts        Options
	logger      *zap.Logger
	observer    Observer
	runner      *Runner
	repairer    *Repairer
	coordinator *Coordinator
}

func NewExperiment(registry Registry, executor Executor, oracles oracle.Oracles, opts Options) *Experiment {
	if opts.Parent == "" {
		opts.Parent = core.MainlineID
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	return &Experiment{
		registry: registry,
		executor: executor,
		oracles:  oracles,
		opts:     opts,
		logger:   opts.Logger,
		observer: opts.Observer,
		runner:   NewRunner(executor, registry, opts.SampleRows, opts.Logger),
		repairer: NewRepairer(oracles.Repairer, executor, registry, RepairOptions{
			MaxRetries: opts.MaxRetries,
			Timeout:    opts.RepairTimeout,
			Logger:     opts.Logger,
			Observer:   opts.Observer,
		}),
		coordinator: NewCoordinator(registry, opts.Logger, opts.Observer),
	}
}

func (experiment *Experiment) Coordinator() *Coordinator {
	return experiment.coordinator
}

// Run answers one question. Per-branch failures end up in the report; only
// storage errors, cancellation and oracle transport failures are returned.
func (experiment *Experiment) Run(ctx context.Context, question string) (Report, error) {
	report := Report{RunID: ulid.Make().String(), Question: question}
	logger := experiment.logger.With(zap.String("run", report.RunID))

	classification, err := experiment.oracles.Classifier.Classify(ctx, question)
	if err != nil && !isMalformed(err) {
		return report, fmt.Errorf("failed to classify question: %w", err)
	}
	report.Intent = classification.Intent
	report.Reason = classification.Reason
	logger.Info("Classified question", zap.String("intent", string(report.Intent)), zap.String("reason", report.Reason))

	switch report.Intent {
	case oracle.OutOfScope:
		report.Message = "question is out of scope: " + report.Reason
		return report, nil
	case oracle.ReadOnly:
		return report, experiment.runReadOnly(ctx, &report, logger)
	case oracle.SchemaChange:
		return report, experiment.runSchemaChange(ctx, &report, logger)
	case oracle.ExperimentStart:
		return report, experiment.runBranches(ctx, &report, logger)
	default:
		report.Message = fmt.Sprintf("unsupported intent %q", report.Intent)
		return report, nil
	}
}

// runReadOnly executes generated queries on mainline and refuses mutations.
func (experiment *Experiment) runReadOnly(ctx context.Context, report *Report, logger *zap.Logger) error {
	schema, err := experiment.executor.SchemaOf(ctx, core.MainlineID)
	if err != nil {
		return err
	}

	statements, err := experiment.oracles.Generator.Generate(ctx, oracle.GenerationRequest{
		Question: report.Question,
		Intent:   oracle.ReadOnly,
		Schema:   schema.String(),
	})
	if err != nil {
		if isMalformed(err) {
			report.Message = "could not generate statements: " + err.Error()
			return nil
		}
		return fmt.Errorf("failed to generate statements: %w", err)
	}

	for _, text := range statements {
		if sql.Classify(text) != core.QueryKind {
			logger.Warn("Refused mutation for read-only question", zap.String("statement", text))
			report.Results = append(report.Results, core.ExecutionLogEntry{
				WorldID:   core.MainlineID,
				Statement: text,
				Kind:      core.MutationKind,
				Error:     "refused: read-only questions cannot modify mainline",
			})
			continue
		}

		entry, err := experiment.executor.Execute(ctx, core.MainlineID, text)
		if err != nil && core.IsStorageError(err) {
			return err
		}
		report.Results = append(report.Results, entry)
	}
	return nil
}

// runSchemaChange applies generated DDL in a single branch and commits it
// when every statement succeeded.
func (experiment *Experiment) runSchemaChange(ctx context.Context, report *Report, logger *zap.Logger) error {
	schema, err := experiment.executor.SchemaOf(ctx, experiment.opts.Parent)
	if err != nil {
		return err
	}

	statements, err := experiment.oracles.Generator.Generate(ctx, oracle.GenerationRequest{
		Question: report.Question,
		Intent:   oracle.SchemaChange,
		Schema:   schema.String(),
	})
	if err != nil {
		if isMalformed(err) {
			report.Message = "could not generate statements: " + err.Error()
			return nil
		}
		return fmt.Errorf("failed to generate statements: %w", err)
	}

	id, err := experiment.registry.CreateWorld(experiment.opts.Parent, "Schema change: "+report.Question)
	if err != nil {
		return err
	}
	experiment.observer.WorldCreated()

	state := core.NewWorldState(id, statements)
	state.BranchID = "schema"
	state.Name = "Schema change"

	session := NewSession()
	if err := session.Add(state); err != nil {
		return err
	}
	if err := Drive(ctx, experiment.runner, experiment.repairer, session); err != nil {
		return err
	}
	report.Worlds = session.States()

	if state.Phase != core.PhaseDone {
		if err := experiment.registry.Rollback(id); err != nil {
			return err
		}
		report.Message = "schema change failed: " + state.FailureReason
		return nil
	}

	if err := experiment.registry.CommitWithMetrics(id, state.Metrics); err != nil {
		return err
	}
	report.Finalize = &FinalizeReport{Committed: id, RolledBack: []string{}, Message: "committed " + id}
	report.Message = "schema change committed"
	logger.Info("Committed schema change", zap.String("world", id))
	return nil
}

// runBranches plans N strategies, executes each in its own world, evaluates
// them and optionally finalizes the recommendation.
func (experiment *Experiment) runBranches(ctx context.Context, report *Report, logger *zap.Logger) error {
	schema, err := experiment.executor.SchemaOf(ctx, experiment.opts.Parent)
	if err != nil {
		return err
	}

	plan, err := experiment.oracles.Planner.Plan(ctx, report.Question, schema.String())
	if err != nil {
		if isMalformed(err) {
			report.Message = "could not plan experiment: " + err.Error()
			return nil
		}
		return fmt.Errorf("failed to plan experiment: %w", err)
	}
	report.Plan = &plan

	session := NewSession()
	for i := range plan.Branches {
		branch := plan.Branches[i]

		id, err := experiment.registry.CreateWorld(experiment.opts.Parent, fmt.Sprintf("%s: %s", branch.BranchID, branch.Name))
		if err != nil {
			return err
		}
		experiment.observer.WorldCreated()

		statements, genErr := experiment.oracles.Generator.Generate(ctx, oracle.GenerationRequest{
			Question:      report.Question,
			Intent:        oracle.ExperimentStart,
			Schema:        schema.String(),
			PrimaryMetric: plan.PrimaryMetric,
			Branch:        &branch,
		})
		if genErr != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		state := core.NewWorldState(id, statements)
		state.BranchID = branch.BranchID
		state.Name = branch.Name
		state.Hypothesis = branch.Hypothesis
		if err := session.Add(state); err != nil {
			return err
		}

		if genErr != nil {
			logger.Warn("Statement generation failed", zap.String("world", id), zap.Error(genErr))
			if err := session.fail(experiment.registry, state, &core.RepairExhaustedError{
				WorldID: id,
				Reason:  "generation failed: " + genErr.Error(),
			}); err != nil {
				return err
			}
		}
	}

	if err := Drive(ctx, experiment.runner, experiment.repairer, session); err != nil {
		return err
	}
	report.Worlds = session.States()

	candidates := make([]oracle.Candidate, 0, len(report.Worlds))
	for _, state := range report.Worlds {
		world, err := experiment.registry.World(state.WorldID)
		if err != nil {
			return err
		}
		candidates = append(candidates, oracle.Candidate{
			WorldID:    state.WorldID,
			BranchID:   state.BranchID,
			Name:       state.Name,
			Hypothesis: state.Hypothesis,
			Status:     world.Status,
			Metrics:    state.Metrics,
			Samples:    state.Samples,
		})
	}

	recommendation, err := experiment.oracles.Evaluator.Evaluate(ctx, oracle.EvaluationRequest{
		Question:         report.Question,
		PrimaryMetric:    plan.PrimaryMetric,
		SecondaryMetrics: plan.SecondaryMetrics,
		Candidates:       candidates,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("Evaluation failed", zap.Error(err))
		report.Message = "evaluation failed: " + err.Error()
		recommendation = oracle.Recommendation{}
	}

	if recommendation.WorldID != "" {
		if _, ok := session.State(recommendation.WorldID); !ok {
			report.Selection = &core.SelectionError{WorldID: recommendation.WorldID, Reason: "world is not part of this experiment"}
		} else if session.IsRejected(recommendation.WorldID) {
			report.Selection = &core.SelectionError{WorldID: recommendation.WorldID, Reason: "world is rejected"}
		}
		if report.Selection != nil {
			logger.Warn("Recommendation invalidated", zap.String("world", recommendation.WorldID), zap.String("reason", report.Selection.Reason))
			recommendation.WorldID = ""
		}
	}
	report.Recommendation = &recommendation
	report.Rejected = session.Rejected()

	if !experiment.opts.AutoCommit {
		if report.Message == "" {
			report.Message = "awaiting selection"
		}
		return nil
	}

	var metrics map[string]float64
	if state, ok := session.State(recommendation.WorldID); ok {
		metrics = state.Metrics
	}

	finalize, err := experiment.coordinator.FinalizeWithMetrics(recommendation.WorldID, report.Rejected, metrics)
	if err != nil {
		return err
	}
	report.Finalize = &finalize
	report.Message = finalize.Message
	return nil
}

// Select finalizes a world of a run that was not auto-committed. An empty
// worldID takes the recommendation.
func (experiment *Experiment) Select(report *Report, worldID string) (FinalizeReport, error) {
	if report.Finalize != nil {
		return *report.Finalize, fmt.Errorf("run %s is already finalized", report.RunID)
	}
	if worldID == "" && report.Recommendation != nil {
		worldID = report.Recommendation.WorldID
	}

	var metrics map[string]float64
	found := false
	for _, state := range report.Worlds {
		if state.WorldID == worldID {
			metrics = state.Metrics
			found = true
		}
	}
	if worldID != "" && !found {
		selection := &core.SelectionError{WorldID: worldID, Reason: "world is not part of this experiment"}
		return FinalizeReport{RolledBack: []string{}, Selection: selection, Message: "nothing committed: " + selection.Error()}, nil
	}

	finalize, err := experiment.coordinator.FinalizeWithMetrics(worldID, report.Rejected, metrics)
	if err != nil {
		return finalize, err
	}
	if finalize.Selection == nil {
		report.Finalize = &finalize
		report.Message = finalize.Message
	}
	return finalize, nil
}

func isMalformed(err error) bool {
	var malformed *oracle.MalformedResponseError
	return errors.As(err, &malformed)
}
