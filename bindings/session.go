package main

import (
	"context"
	"errors"
)

// runExperiment answers question and keeps the run so a later selection
// can finalize it. Caller holds h.mu.
func (h *Handle) runExperiment(ctx context.Context, question, planFile string, autoCommit bool) Response {
	oracles, err := h.instance.Oracles(planFile)
	if err != nil {
		return errorResponse("experiment", err)
	}

	experiment := h.instance.Experiment(oracles, autoCommit || h.instance.Config.Execution.AutoCommit)
	report, err := experiment.Run(ctx, question)
	if err != nil {
		return errorResponse("experiment", err)
	}

	h.experiment = experiment
	h.report = &report
	return resultResponse("experiment", report)
}

// selectWorld finalizes the last experiment. An empty worldID takes the
// recommendation. Caller holds h.mu.
func (h *Handle) selectWorld(worldID string) Response {
	if h.report == nil {
		return errorResponse("select", errors.New("no experiment to select from"))
	}

	finalize, err := h.experiment.Select(h.report, worldID)
	if err != nil {
		return errorResponse("select", err)
	}

	response := resultResponse("select", finalize)
	if finalize.Committed == "" {
		response.Success = false
		response.Error = finalize.Message
	}
	return response
}
