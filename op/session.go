package op

import (
	"context"
	"fmt"

	"github.com/nickyhof/ForkDB/core"
)

// Registry is the slice of the world registry the operations need.
type Registry interface {
	CreateWorld(parentID string, description string) (string, error)
	World(id string) (core.World, error)
	Worlds() []core.World
	CommitWithMetrics(id string, metrics map[string]float64) error
	Rollback(id string) error
	MarkFailed(id string, reason string) error
}

// Executor runs statements in worlds and introspects their live schema.
type Executor interface {
	Execute(ctx context.Context, worldID string, text string) (core.ExecutionLogEntry, error)
	SchemaOf(ctx context.Context, worldID string) (core.Schema, error)
}

// Session holds the execution state of every world in one experiment, in
// plan-emission order, together with the rejected set and the single
// outstanding repair request.
type Session struct {
	order    []string
	states   map[string]*core.WorldState
	rejected map[string]bool
	pending  *core.RepairRequest
}

func NewSession() *Session {
	return &Session{
		states:   make(map[string]*core.WorldState),
		rejected: make(map[string]bool),
	}
}

func (session *Session) Add(state *core.WorldState) error {
	if _, ok := session.states[state.WorldID]; ok {
		return fmt.Errorf("world %s already in session", state.WorldID)
	}
	session.states[state.WorldID] = state
	session.order = append(session.order, state.WorldID)
	return nil
}

func (session *Session) State(worldID string) (*core.WorldState, bool) {
	state, ok := session.states[worldID]
	return state, ok
}

// States returns the world states in plan-emission order.
func (session *Session) States() []*core.WorldState {
	states := make([]*core.WorldState, 0, len(session.order))
	for _, id := range session.order {
		states = append(states, session.states[id])
	}
	return states
}

// Pending returns a copy of the outstanding repair request, or nil.
func (session *Session) Pending() *core.RepairRequest {
	if session.pending == nil {
		return nil
	}
	req := *session.pending
	return &req
}

func (session *Session) IsRejected(worldID string) bool {
	return session.rejected[worldID]
}

// Rejected returns the rejected world ids in plan-emission order.
func (session *Session) Rejected() []string {
	var rejected []string
	for _, id := range session.order {
		if session.rejected[id] {
			rejected = append(rejected, id)
		}
	}
	return rejected
}

// fail marks a world permanently failed in the session and the registry.
// Failing an already failed world is a no-op.
func (session *Session) fail(registry Registry, state *core.WorldState, err *core.RepairExhaustedError) error {
	if state.Phase == core.PhaseFailed {
		return nil
	}

	state.Phase = core.PhaseFailed
	state.FailureReason = err.Error()
	state.Metrics = ExtractMetrics(state.Log)
	session.rejected[state.WorldID] = true
	if session.pending != nil && session.pending.WorldID == state.WorldID {
		session.pending = nil
	}

	return registry.MarkFailed(state.WorldID, state.FailureReason)
}
