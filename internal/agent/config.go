package agent

import (
	"fmt"
	"math"

	"causalrl/internal/nn"
)

type ShapingMode string

const (
	// ShapingBlend mixes raw and causal reward: (1-BlendLambda)*raw + BlendLambda*causal.
	ShapingBlend ShapingMode = "blend"
	// ShapingAdditive adds the causal term on top: raw + CausalLambda*causal.
	ShapingAdditive ShapingMode = "additive"
	// ShapingNone trains on the raw environment reward.
	ShapingNone ShapingMode = "none"
)

type Config struct {
	StateSize        int
	Hidden           []int
	HiddenActivation string

	LearningRate float64
	Gamma        float64
	MaxGradNorm  float64

	EpsilonStart      float64
	EpsilonFloor      float64
	EpsilonDecaySteps int

	BufferCapacity  int
	TargetSyncEvery int
	// TargetTau of 1 copies the value network into the target network on
	// sync; smaller values apply a Polyak update.
	TargetTau float64

	// DisableMasking skips the oracle's feasibility check; every legal
	// action stays selectable.
	DisableMasking bool

	Shaping      ShapingMode
	BlendLambda  float64
	CausalLambda float64
	RewardScale  float64
	// ShapingOutcome overrides each action's primary outcome when scoring
	// the causal reward term.
	ShapingOutcome string
}

func DefaultConfig(stateSize int) Config {
	return Config{
		StateSize:         stateSize,
		Hidden:            []int{64, 64},
		HiddenActivation:  "relu",
		LearningRate:      1e-3,
		Gamma:             0.99,
		MaxGradNorm:       10,
		EpsilonStart:      1.0,
		EpsilonFloor:      0.01,
		EpsilonDecaySteps: 1000,
		BufferCapacity:    10000,
		TargetSyncEvery:   100,
		TargetTau:         1,
		Shaping:           ShapingBlend,
		BlendLambda:       0.5,
		CausalLambda:      0.3,
		RewardScale:       1,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.StateSize <= 0:
		return fieldErr("state_size", "must be positive, got %d", c.StateSize)
	case c.BufferCapacity <= 0:
		return fieldErr("buffer_capacity", "must be positive, got %d", c.BufferCapacity)
	case !inUnit(c.BlendLambda):
		return fieldErr("blend_lambda", "must be in [0,1], got %g", c.BlendLambda)
	case !inUnit(c.CausalLambda):
		return fieldErr("causal_lambda", "must be in [0,1], got %g", c.CausalLambda)
	case !inUnit(c.Gamma):
		return fieldErr("gamma", "must be in [0,1], got %g", c.Gamma)
	case !(c.LearningRate > 0):
		return fieldErr("learning_rate", "must be positive, got %g", c.LearningRate)
	case c.MaxGradNorm < 0:
		return fieldErr("max_grad_norm", "must not be negative, got %g", c.MaxGradNorm)
	case !inUnit(c.EpsilonStart):
		return fieldErr("epsilon_start", "must be in [0,1], got %g", c.EpsilonStart)
	case c.EpsilonFloor < 0 || c.EpsilonFloor > c.EpsilonStart:
		return fieldErr("epsilon_floor", "must be in [0,epsilon_start], got %g", c.EpsilonFloor)
	case c.EpsilonFloor == 0 && c.EpsilonStart > 0:
		return fieldErr("epsilon_floor", "must be positive when exploration is enabled")
	case c.EpsilonDecaySteps <= 0:
		return fieldErr("epsilon_decay_steps", "must be positive, got %d", c.EpsilonDecaySteps)
	case c.TargetSyncEvery <= 0:
		return fieldErr("target_sync_every", "must be positive, got %d", c.TargetSyncEvery)
	case !(c.TargetTau > 0) || c.TargetTau > 1:
		return fieldErr("target_tau", "must be in (0,1], got %g", c.TargetTau)
	case c.Shaping != ShapingBlend && c.Shaping != ShapingAdditive && c.Shaping != ShapingNone:
		return fieldErr("shaping", "unknown mode %q", c.Shaping)
	case math.IsNaN(c.RewardScale) || math.IsInf(c.RewardScale, 0):
		return fieldErr("reward_scale", "must be finite")
	}
	for i, width := range c.Hidden {
		if width <= 0 {
			return fieldErr("hidden", "layer %d has non-positive width %d", i, width)
		}
	}
	if _, err := nn.GetActivation(c.HiddenActivation); err != nil {
		return fieldErr("hidden_activation", "%v", err)
	}
	return nil
}

// ConfigError names the offending configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid agent config: %s %s", e.Field, e.Reason)
}

func fieldErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }
