// Package scape holds the environment boundary the training loop drives, the
// feature schema shared by the value function and the causal oracle, and the
// built-in supply-chain disruption simulator.
package scape

import (
	"context"
	"fmt"

	"causalrl/internal/action"
)

// Observation is what an environment exposes after Reset or Step. Vector is
// in the environment's raw units; Legal lists the actions it will accept next.
type Observation struct {
	Vector []float64
	Legal  []action.ID
}

type StepResult struct {
	Observation Observation
	Reward      float64
	Done        bool
	Info        map[string]any
}

// Environment is an episodic decision process. Implementations are driven by
// a single goroutine.
type Environment interface {
	Name() string
	Schema() *Schema
	Reset(ctx context.Context) (Observation, error)
	Step(ctx context.Context, id action.ID) (StepResult, error)
}

// ProtocolError reports an environment that broke the observation contract:
// malformed vectors, unknown action ids, or an empty legal set.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "environment protocol error: " + e.Reason
}

func protocolf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// CheckLegal validates a legal action set returned by an environment.
func CheckLegal(legal []action.ID) error {
	if len(legal) == 0 {
		return protocolf("empty legal action set")
	}
	for _, id := range legal {
		if !id.Valid() {
			return protocolf("unknown action id %d", int(id))
		}
	}
	return nil
}
