package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/nickyhof/ForkDB/core"
)

const (
	Maximize = "max"
	Minimize = "min"
)

// MetricEvaluator recommends the candidate with the best value of one metric.
// Failed candidates and candidates without the metric are never chosen.
type MetricEvaluator struct {
	// Metric overrides the request's primary metric when set.
	Metric string

	// Objective is Maximize (default) or Minimize.
	Objective string
}

func (e MetricEvaluator) Evaluate(ctx context.Context, req EvaluationRequest) (Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return Recommendation{}, err
	}

	metric := e.Metric
	if metric == "" {
		metric = req.PrimaryMetric
	}
	minimize := strings.EqualFold(e.Objective, Minimize)

	var (
		best      *Candidate
		bestValue float64
		lines     []string
	)
	for i := range req.Candidates {
		candidate := &req.Candidates[i]
		if candidate.Status != core.StatusActive {
			lines = append(lines, fmt.Sprintf("- %s (%s): %s, not a candidate", candidate.WorldID, candidate.Name, candidate.Status))
			continue
		}
		value, ok := candidate.Metrics[metric]
		if !ok {
			lines = append(lines, fmt.Sprintf("- %s (%s): no %s reported", candidate.WorldID, candidate.Name, metric))
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (%s): %s = %g", candidate.WorldID, candidate.Name, metric, value))

		if best == nil || (minimize && value < bestValue) || (!minimize && value > bestValue) {
			best = candidate
			bestValue = value
		}
	}

	if best == nil {
		lines = append(lines, fmt.Sprintf("No eligible branch reports %s.", metric))
		return Recommendation{Rationale: strings.Join(lines, "\n")}, nil
	}

	objective := "highest"
	if minimize {
		objective = "lowest"
	}
	lines = append(lines, fmt.Sprintf("%s has the %s %s.", best.WorldID, objective, metric))
	return Recommendation{WorldID: best.WorldID, Rationale: strings.Join(lines, "\n")}, nil
}
