package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/nickyhof/ForkDB/core"
)

type Intent string

const (
	ReadOnly        Intent = "READ_ONLY"
	SchemaChange    Intent = "SCHEMA_CHANGE"
	ExperimentStart Intent = "EXPERIMENT_START"
	OutOfScope      Intent = "OUT_OF_SCOPE"
)

func (intent Intent) Valid() bool {
	switch intent {
	case ReadOnly, SchemaChange, ExperimentStart, OutOfScope:
		return true
	default:
		return false
	}
}

type Classification struct {
	Intent Intent `json:"intent"`
	Reason string `json:"reason"`
}

// BranchSpec is one strategy proposed by the planner.
type BranchSpec struct {
	BranchID   string   `json:"branch_id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	Hypothesis string   `json:"hypothesis" yaml:"hypothesis"`
	Operations []string `json:"operations" yaml:"operations"`
}

type Plan struct {
	Branches         []BranchSpec `json:"branches"`
	PrimaryMetric    string       `json:"primary_metric"`
	SecondaryMetrics []string     `json:"secondary_metrics"`
}

// GenerationRequest asks for the statements of one branch, or of a
// read-only or schema change question when Branch is nil.
type GenerationRequest struct {
	Question      string
	Intent        Intent
	Schema        string
	PrimaryMetric string
	Branch        *BranchSpec
}

// Candidate is one world presented to the evaluator.
type Candidate struct {
	WorldID    string             `json:"world_id"`
	BranchID   string             `json:"branch_id,omitempty"`
	Name       string             `json:"name"`
	Hypothesis string             `json:"hypothesis"`
	Status     core.Status        `json:"status"`
	Metrics    map[string]float64 `json:"metrics"`
	Samples    []core.Sample      `json:"samples,omitempty"`
}

type EvaluationRequest struct {
	Question         string      `json:"question"`
	PrimaryMetric    string      `json:"primary_metric"`
	SecondaryMetrics []string    `json:"secondary_metrics"`
	Candidates       []Candidate `json:"branches"`
}

// Recommendation names the world to commit. An empty WorldID means none.
type Recommendation struct {
	WorldID   string `json:"world_id"`
	Rationale string `json:"rationale"`
}

type Classifier interface {
	Classify(ctx context.Context, question string) (Classification, error)
}

type Planner interface {
	Plan(ctx context.Context, question string, schema string) (Plan, error)
}

type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) ([]string, error)
}

// Repairer proposes a replacement for a failed statement, or Impossible.
type Repairer interface {
	Repair(ctx context.Context, statement string, rawError string, schema string) (string, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (Recommendation, error)
}

// Oracles bundles every collaborator an experiment needs.
type Oracles struct {
	Classifier Classifier
	Planner    Planner
	Generator  Generator
	Repairer   Repairer
	Evaluator  Evaluator
}

// Impossible is returned by a repairer that cannot fix a statement.
const Impossible = "-- IMPOSSIBLE"

// IsImpossible reports whether a repair response gives up.
func IsImpossible(response string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(response)), Impossible)
}

// MalformedResponseError reports an oracle response that could not be
// parsed into the expected shape.
type MalformedResponseError struct {
	Role     string
	Response string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed %s response: %v", e.Role, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }
