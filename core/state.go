package core

// Phase is the per-world execution state machine:
//
//	running -> awaiting_repair -> running ... -> done
//	                           \-> failed
type Phase string

const (
	PhaseRunning        Phase = "running"
	PhaseAwaitingRepair Phase = "awaiting_repair"
	PhaseFailed         Phase = "failed"
	PhaseDone           Phase = "done"
)

// WorldState is the execution state of one world within an experiment.
type WorldState struct {
	WorldID       string              `json:"worldId"`
	BranchID      string              `json:"branchId,omitempty"`
	Name          string              `json:"name,omitempty"`
	Hypothesis    string              `json:"hypothesis,omitempty"`
	Plan          []string            `json:"plan"`
	Cursor        int                 `json:"cursor"`
	Log           []ExecutionLogEntry `json:"log"`
	Samples       []Sample            `json:"samples,omitempty"`
	Metrics       map[string]float64  `json:"metrics"`
	RetryCount    int                 `json:"retryCount"`
	FailureReason string              `json:"failureReason,omitempty"`
	Phase         Phase               `json:"phase"`
}

func NewWorldState(worldID string, plan []string) *WorldState {
	return &WorldState{
		WorldID: worldID,
		Plan:    plan,
		Log:     []ExecutionLogEntry{},
		Metrics: map[string]float64{},
		Phase:   PhaseRunning,
	}
}

// Exhausted reports whether every planned statement executed.
func (state *WorldState) Exhausted() bool {
	return state.Cursor >= len(state.Plan)
}

// Eligible reports whether the runner may execute statements for this world.
func (state *WorldState) Eligible() bool {
	switch state.Phase {
	case PhaseRunning, PhaseAwaitingRepair:
		return state.FailureReason == "" && !state.Exhausted()
	case PhaseFailed, PhaseDone:
		return false
	default:
		return false
	}
}
