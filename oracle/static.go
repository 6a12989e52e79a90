package oracle

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StaticBranch is one branch of a plan file together with its statements.
type StaticBranch struct {
	BranchSpec `yaml:",inline"`
	Statements []string `yaml:"statements" validate:"required,min=1,dive,required"`
}

// StaticPlan is the YAML document behind Static.
//
//	intent: EXPERIMENT_START
//	primary_metric: total
//	objective: max
//	branches:
//	  - id: b1
//	    name: Discount
//	    statements:
//	      - UPDATE t SET v = v * 0.9
//	      - SELECT SUM(v) AS total FROM t
//	repairs:
//	  SELECT * FROM missing: SELECT * FROM t
type StaticPlan struct {
	Intent           Intent            `yaml:"intent" validate:"required,oneof=READ_ONLY SCHEMA_CHANGE EXPERIMENT_START OUT_OF_SCOPE"`
	Reason           string            `yaml:"reason"`
	PrimaryMetric    string            `yaml:"primary_metric"`
	SecondaryMetrics []string          `yaml:"secondary_metrics"`
	Objective        string            `yaml:"objective" validate:"omitempty,oneof=max min"`
	Statements       []string          `yaml:"statements" validate:"required_if=Intent READ_ONLY,required_if=Intent SCHEMA_CHANGE"`
	Branches         []StaticBranch    `yaml:"branches" validate:"required_if=Intent EXPERIMENT_START,dive"`
	Repairs          map[string]string `yaml:"repairs"`
}

// Static answers every oracle role from a prepared plan, so experiments can
// run without a language model.
type Static struct {
	plan      StaticPlan
	evaluator MetricEvaluator
}

var planValidator = validator.New()

func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return ParseStatic(data)
}

func ParseStatic(data []byte) (*Static, error) {
	var plan StaticPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	return NewStatic(plan)
}

func NewStatic(plan StaticPlan) (*Static, error) {
	plan.Intent = Intent(strings.ToUpper(string(plan.Intent)))
	if plan.PrimaryMetric == "" {
		plan.PrimaryMetric = defaultPrimaryMetric
	}
	for i := range plan.Branches {
		if plan.Branches[i].Name == "" {
			plan.Branches[i].Name = plan.Branches[i].BranchID
		}
	}

	if err := planValidator.Struct(plan); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	seen := make(map[string]bool, len(plan.Branches))
	for _, branch := range plan.Branches {
		if strings.TrimSpace(branch.BranchID) == "" {
			return nil, fmt.Errorf("invalid plan: branch without id")
		}
		if seen[branch.BranchID] {
			return nil, fmt.Errorf("invalid plan: duplicate branch id %s", branch.BranchID)
		}
		seen[branch.BranchID] = true
	}

	repairs := make(map[string]string, len(plan.Repairs))
	for from, to := range plan.Repairs {
		repairs[normalizeStatement(from)] = to
	}
	plan.Repairs = repairs

	return &Static{
		plan:      plan,
		evaluator: MetricEvaluator{Metric: plan.PrimaryMetric, Objective: plan.Objective},
	}, nil
}

func (s *Static) Classify(ctx context.Context, question string) (Classification, error) {
	reason := s.plan.Reason
	if reason == "" {
		reason = "plan file"
	}
	return Classification{Intent: s.plan.Intent, Reason: reason}, nil
}

func (s *Static) Plan(ctx context.Context, question string, schema string) (Plan, error) {
	branches := make([]BranchSpec, len(s.plan.Branches))
	for i, branch := range s.plan.Branches {
		branches[i] = branch.BranchSpec
		if len(branches[i].Operations) == 0 {
			branches[i].Operations = branch.Statements
		}
	}

	secondary := s.plan.SecondaryMetrics
	if secondary == nil {
		secondary = []string{}
	}
	return Plan{Branches: branches, PrimaryMetric: s.plan.PrimaryMetric, SecondaryMetrics: secondary}, nil
}

func (s *Static) Generate(ctx context.Context, req GenerationRequest) ([]string, error) {
	if req.Branch == nil {
		return append([]string(nil), s.plan.Statements...), nil
	}
	for _, branch := range s.plan.Branches {
		if branch.BranchID == req.Branch.BranchID {
			return append([]string(nil), branch.Statements...), nil
		}
	}
	return nil, &MalformedResponseError{Role: roleGenerator, Err: fmt.Errorf("no statements for branch %s", req.Branch.BranchID)}
}

// Repair returns the replacement registered for the statement, or Impossible.
func (s *Static) Repair(ctx context.Context, statement string, rawError string, schema string) (string, error) {
	if replacement, ok := s.plan.Repairs[normalizeStatement(statement)]; ok {
		return ParseRepair(replacement), nil
	}
	return Impossible, nil
}

func (s *Static) Evaluate(ctx context.Context, req EvaluationRequest) (Recommendation, error) {
	return s.evaluator.Evaluate(ctx, req)
}

// Oracles returns the plan wired into every role.
func (s *Static) Oracles() Oracles {
	return Oracles{Classifier: s, Planner: s, Generator: s, Repairer: s, Evaluator: s}
}

func normalizeStatement(statement string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimRight(strings.TrimSpace(statement), ";")), " "))
}
