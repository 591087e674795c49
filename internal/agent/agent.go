// Package agent implements the causally constrained value-learning agent:
// oracle-masked epsilon-greedy action selection, causal reward shaping and
// replay-based temporal-difference updates against a lagged target network.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"causalrl/internal/action"
	"causalrl/internal/causal"
	"causalrl/internal/model"
	"causalrl/internal/nn"
	"causalrl/internal/replay"
	"causalrl/internal/scape"
	"causalrl/internal/telemetry"
)

var tracer = otel.Tracer("causalrl.agent")

// MaskedValue replaces the estimate of every action the oracle rules out.
// No real estimate can fall below it.
const MaskedValue = -math.MaxFloat64

// CausalOracle is the part of the causal oracle the agent consults.
type CausalOracle interface {
	FeasibleActions(state model.State) (causal.Feasibility, error)
	ActionEffect(state model.State, id action.ID, outcome string) (causal.Effect, error)
	Explain(state model.State, id action.ID) (causal.Explanation, error)
}

type Option func(*Agent)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.log = logger
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// Agent is driven by a single goroutine; it is not safe for concurrent use.
type Agent struct {
	cfg     Config
	oracle  CausalOracle
	rng     *rand.Rand
	cortex  *cortex
	buffer  *replay.Buffer
	log     *slog.Logger
	metrics *telemetry.Metrics

	greedy      bool
	actSteps    int
	trainSteps  int
	targetSyncs int
	forcedNoOps int
	fallbacks   int
	explored    int
}

func New(cfg Config, oracle CausalOracle, rng *rand.Rand, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if oracle == nil {
		return nil, errors.New("agent requires a causal oracle")
	}
	if rng == nil {
		return nil, errors.New("agent requires a seeded random source")
	}
	cx, err := newCortex(cfg, rng)
	if err != nil {
		return nil, err
	}
	buffer, err := replay.New(cfg.BufferCapacity)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		cfg:    cfg,
		oracle: oracle,
		rng:    rng,
		cortex: cx,
		buffer: buffer,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "agent")
	return a, nil
}

func (a *Agent) Config() Config { return a.cfg }

// Decision is the outcome of one Act call.
type Decision struct {
	Action action.ID
	// Values holds the masked estimates the choice was made over.
	Values   []float64
	Raw      []float64
	Feasible []action.ID
	Epsilon  float64
	Explored bool
	// ForcedNoOp is set when no legal action survived the feasibility mask.
	ForcedNoOp bool
	// Unmasked is set when identification failed and the decision fell back
	// to the legal set alone.
	Unmasked bool
	Failure  *causal.IdentifiabilityFailure
}

// Act selects an action for state among the environment's legal actions.
func (a *Agent) Act(state model.State, legal []action.ID) (Decision, error) {
	if err := scape.CheckLegal(legal); err != nil {
		return Decision{}, err
	}
	if len(state.Vector) != a.cfg.StateSize {
		return Decision{}, &scape.ProtocolError{Reason: fmt.Sprintf("state vector has %d values, agent expects %d", len(state.Vector), a.cfg.StateSize)}
	}
	raw, err := a.cortex.values(state.Vector)
	if err != nil {
		return Decision{}, err
	}
	legalSet := action.NewSet(legal...)
	feas := causal.Feasibility{Allowed: legalSet}
	if !a.cfg.DisableMasking {
		if feas, err = a.oracle.FeasibleActions(state); err != nil {
			return Decision{}, fmt.Errorf("feasible actions: %w", err)
		}
	}

	eps := a.Epsilon()
	d := Decision{Raw: raw, Epsilon: eps}
	allowed := feas.Allowed.Intersect(legalSet)
	switch {
	case feas.Failure != nil:
		allowed = legalSet
		d.Unmasked, d.Failure = true, feas.Failure
		a.fallbacks++
		a.metrics.IdentifiabilityFallback()
		a.log.Warn("effect not identifiable, acting unmasked", "failure", feas.Failure.String())
	case allowed.Len() == 0:
		a.actSteps++
		a.forcedNoOps++
		a.metrics.ForcedNoOp()
		a.log.Info("feasibility exhausted, forcing no-op", "legal", len(legal))
		d.Action, d.ForcedNoOp = action.NoOp, true
		d.Values = maskedCopy(raw, action.NewSet(action.NoOp))
		d.Feasible = []action.ID{action.NoOp}
		return d, nil
	}

	d.Values = maskedCopy(raw, allowed)
	d.Feasible = allowed.IDs()
	if eps > 0 && a.rng.Float64() < eps {
		d.Action = d.Feasible[a.rng.Intn(len(d.Feasible))]
		d.Explored = true
		a.explored++
	} else {
		d.Action = greedyAmong(d.Feasible, raw)
	}
	a.actSteps++
	a.metrics.Epsilon(eps)
	return d, nil
}

// greedyAmong picks the highest-valued action from feasible. NaN values rank
// below everything else so a diverged network still picks a feasible action.
func greedyAmong(feasible []action.ID, values []float64) action.ID {
	best, bestValue := feasible[0], math.Inf(-1)
	found := false
	for _, id := range feasible {
		v := values[id]
		if math.IsNaN(v) {
			continue
		}
		if !found || v > bestValue {
			best, bestValue, found = id, v, true
		}
	}
	return best
}

func maskedCopy(raw []float64, allowed action.Set) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		if allowed.Has(action.ID(i)) {
			out[i] = v
		} else {
			out[i] = MaskedValue
		}
	}
	return out
}

// Epsilon is the current exploration rate, decaying geometrically from
// EpsilonStart to EpsilonFloor over EpsilonDecaySteps decisions.
func (a *Agent) Epsilon() float64 {
	if a.greedy {
		return 0
	}
	return epsilonAt(a.cfg, a.actSteps)
}

func epsilonAt(cfg Config, step int) float64 {
	if cfg.EpsilonStart == 0 {
		return 0
	}
	decayed := cfg.EpsilonStart * math.Pow(cfg.EpsilonFloor/cfg.EpsilonStart, float64(step)/float64(cfg.EpsilonDecaySteps))
	return math.Max(cfg.EpsilonFloor, decayed)
}

// SetGreedy disables exploration, for evaluation runs.
func (a *Agent) SetGreedy(greedy bool) { a.greedy = greedy }

type Shaping struct {
	Raw     float64
	Causal  float64
	Shaped  float64
	Outcome string
	Failure *causal.IdentifiabilityFailure
}

// ShapeReward combines the environment reward with the oracle's predicted
// improvement from taking id in state. An unidentifiable effect contributes
// nothing.
func (a *Agent) ShapeReward(raw float64, state model.State, id action.ID) (Shaping, error) {
	if a.cfg.Shaping == ShapingNone {
		return Shaping{Raw: raw, Shaped: raw}, nil
	}
	eff, err := a.oracle.ActionEffect(state, id, a.cfg.ShapingOutcome)
	if err != nil {
		return Shaping{}, fmt.Errorf("action effect: %w", err)
	}
	s := Shaping{Raw: raw, Outcome: eff.Outcome}
	if eff.Failure != nil {
		s.Failure = eff.Failure
		a.log.Debug("causal shaping skipped", "action", id.String(), "reason", eff.Failure.Reason)
	} else {
		s.Causal = eff.Magnitude * a.cfg.RewardScale
	}
	switch a.cfg.Shaping {
	case ShapingAdditive:
		s.Shaped = raw + a.cfg.CausalLambda*s.Causal
	default:
		s.Shaped = (1-a.cfg.BlendLambda)*raw + a.cfg.BlendLambda*s.Causal
	}
	return s, nil
}

// Remember stores a transition, evicting the oldest when the buffer is full.
func (a *Agent) Remember(t model.Transition) { a.buffer.Add(t) }

func (a *Agent) BufferLen() int { return a.buffer.Len() }

type TrainResult struct {
	Trained  bool
	Loss     float64
	GradNorm float64
	Synced   bool
	Step     int
}

// TrainStep applies one temporal-difference update on a sampled batch. With
// fewer than batchSize transitions buffered it does nothing.
func (a *Agent) TrainStep(ctx context.Context, batchSize int) (TrainResult, error) {
	if batchSize <= 0 {
		return TrainResult{}, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if a.buffer.Len() < batchSize {
		return TrainResult{Step: a.trainSteps}, nil
	}
	_, span := tracer.Start(ctx, "agent.TrainStep", trace.WithAttributes(
		attribute.Int("batch_size", batchSize),
		attribute.Int("train_step", a.trainSteps),
	))
	defer span.End()

	batch, err := a.buffer.Sample(a.rng, batchSize)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return TrainResult{}, err
	}
	samples := make([]nn.Sample, len(batch))
	for i, t := range batch {
		target := t.ShapedReward
		if !t.Done {
			next, err := a.cortex.bootstrap(t.NextState.Vector)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return TrainResult{}, fmt.Errorf("target estimate: %w", err)
			}
			target += a.cfg.Gamma * next
		}
		samples[i] = nn.Sample{Input: t.State.Vector, Output: t.Action, Target: target}
	}
	loss, norm, err := a.cortex.update(samples)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return TrainResult{}, fmt.Errorf("value update: %w", err)
	}
	a.trainSteps++
	res := TrainResult{Trained: true, Loss: loss, GradNorm: norm, Step: a.trainSteps}
	if a.trainSteps%a.cfg.TargetSyncEvery == 0 {
		if err := a.cortex.sync(a.cfg.TargetTau); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("target sync: %w", err)
		}
		a.targetSyncs++
		res.Synced = true
	}
	span.SetAttributes(attribute.Float64("loss", loss), attribute.Bool("synced", res.Synced))
	a.metrics.TrainStep(loss, res.Synced)
	return res, nil
}

// Explain passes through to the oracle's counterfactual explanation.
func (a *Agent) Explain(state model.State, id action.ID) (causal.Explanation, error) {
	return a.oracle.Explain(state, id)
}

// Values returns the unmasked estimates for a state vector.
func (a *Agent) Values(vector []float64) ([]float64, error) {
	return a.cortex.values(vector)
}

type Stats struct {
	ActSteps    int
	TrainSteps  int
	TargetSyncs int
	ForcedNoOps int
	Fallbacks   int
	Explored    int
}

func (a *Agent) Stats() Stats {
	return Stats{
		ActSteps:    a.actSteps,
		TrainSteps:  a.trainSteps,
		TargetSyncs: a.targetSyncs,
		ForcedNoOps: a.forcedNoOps,
		Fallbacks:   a.fallbacks,
		Explored:    a.explored,
	}
}

// RestoreStats rewinds the decision counters, and with them the exploration
// schedule, to an earlier Stats reading. Network weights are untouched.
func (a *Agent) RestoreStats(s Stats) {
	a.actSteps = s.ActSteps
	a.trainSteps = s.TrainSteps
	a.targetSyncs = s.TargetSyncs
	a.forcedNoOps = s.ForcedNoOps
	a.fallbacks = s.Fallbacks
	a.explored = s.Explored
}

// Snapshot is the learner state a checkpoint persists.
type Snapshot struct {
	ValueNetwork  model.NetworkWeights
	TargetNetwork model.NetworkWeights
	TrainingStep  int
	ActSteps      int
	Epsilon       float64
}

func (a *Agent) Snapshot() Snapshot {
	value, target := a.cortex.weights()
	return Snapshot{
		ValueNetwork:  value,
		TargetNetwork: target,
		TrainingStep:  a.trainSteps,
		ActSteps:      a.actSteps,
		Epsilon:       epsilonAt(a.cfg, a.actSteps),
	}
}

// Restore loads a snapshot. Networks must match the configured shape.
func (a *Agent) Restore(s Snapshot) error {
	if s.TrainingStep < 0 || s.ActSteps < 0 {
		return fmt.Errorf("snapshot counters must not be negative: training_step=%d act_steps=%d", s.TrainingStep, s.ActSteps)
	}
	if err := a.cortex.load(s.ValueNetwork, s.TargetNetwork, a.cfg); err != nil {
		return err
	}
	a.trainSteps = s.TrainingStep
	a.actSteps = s.ActSteps
	return nil
}
