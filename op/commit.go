package op

import (
	"github.com/nickyhof/ForkDB/core"
	"go.uber.org/zap"
)

// FinalizeReport describes what a finalize call changed.
type FinalizeReport struct {
	Committed  string               `json:"committed,omitempty"`
	RolledBack []string             `json:"rolledBack"`
	Selection  *core.SelectionError `json:"-"`
	Message    string               `json:"message"`
}

// Coordinator promotes the chosen world and discards every other branch.
type Coordinator struct {
	registry Registry
	logger   *zap.Logger
	observer Observer
}

func NewCoordinator(registry Registry, logger *zap.Logger, observer Observer) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Coordinator{registry: registry, logger: logger, observer: observer}
}

func (coordinator *Coordinator) Finalize(chosen string, rejected []string) (FinalizeReport, error) {
	return coordinator.FinalizeWithMetrics(chosen, rejected, nil)
}

// FinalizeWithMetrics commits chosen, recording metrics with the promotion,
// and rolls back every other non-mainline world that is still live. An
// empty or invalid choice mutates nothing and is reported, not returned.
func (coordinator *Coordinator) FinalizeWithMetrics(chosen string, rejected []string, metrics map[string]float64) (FinalizeReport, error) {
	report := FinalizeReport{RolledBack: []string{}}

	if chosen == "" {
		report.Message = "nothing committed"
		coordinator.observer.Finalized(report)
		return report, nil
	}

	if selErr := coordinator.validate(chosen, rejected); selErr != nil {
		report.Selection = selErr
		report.Message = "nothing committed: " + selErr.Error()
		coordinator.logger.Warn("Selection refused", zap.String("world", chosen), zap.String("reason", selErr.Reason))
		coordinator.observer.Finalized(report)
		return report, nil
	}

	if err := coordinator.registry.CommitWithMetrics(chosen, metrics); err != nil {
		return report, err
	}
	report.Committed = chosen

	for _, world := range coordinator.registry.Worlds() {
		if world.ID == chosen {
			continue
		}
		switch world.Status {
		case core.StatusMainline, core.StatusCommitted, core.StatusRolledBack:
			continue
		case core.StatusActive, core.StatusFailed:
		}

		if err := coordinator.registry.Rollback(world.ID); err != nil {
			return report, err
		}
		report.RolledBack = append(report.RolledBack, world.ID)
	}

	report.Message = "committed " + chosen
	coordinator.logger.Info("Finalized experiment",
		zap.String("committed", chosen),
		zap.Strings("rolledBack", report.RolledBack))
	coordinator.observer.Finalized(report)

	return report, nil
}

func (coordinator *Coordinator) validate(chosen string, rejected []string) *core.SelectionError {
	for _, id := range rejected {
		if id == chosen {
			return &core.SelectionError{WorldID: chosen, Reason: "world is rejected"}
		}
	}

	world, err := coordinator.registry.World(chosen)
	if err != nil {
		return &core.SelectionError{WorldID: chosen, Reason: "world is not registered"}
	}
	if world.Status != core.StatusActive {
		return &core.SelectionError{WorldID: chosen, Reason: "world is " + string(world.Status)}
	}
	return nil
}
