package agent

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"causalrl/internal/action"
	"causalrl/internal/causal"
	"causalrl/internal/model"
	"causalrl/internal/scape"
	"causalrl/internal/telemetry"
)

type stubOracle struct {
	allowed       action.Set
	failure       *causal.IdentifiabilityFailure
	magnitude     float64
	effectFailure *causal.IdentifiabilityFailure
	effectCalls   int
}

func (s *stubOracle) FeasibleActions(model.State) (causal.Feasibility, error) {
	return causal.Feasibility{Allowed: s.allowed, Failure: s.failure}, nil
}

func (s *stubOracle) ActionEffect(_ model.State, id action.ID, outcome string) (causal.Effect, error) {
	s.effectCalls++
	if outcome == "" {
		outcome = id.PrimaryOutcome()
	}
	return causal.Effect{Action: id, Outcome: outcome, Magnitude: s.magnitude, Failure: s.effectFailure}, nil
}

func (s *stubOracle) Explain(_ model.State, id action.ID) (causal.Explanation, error) {
	return causal.Explanation{Action: id, Summary: "stub"}, nil
}

func allowAll() action.Set { return action.NewSet(action.All()...) }

func testConfig() Config {
	cfg := DefaultConfig(2)
	cfg.Hidden = []int{8}
	cfg.BufferCapacity = 64
	return cfg
}

func greedyConfig() Config {
	cfg := testConfig()
	cfg.EpsilonStart, cfg.EpsilonFloor = 0, 0
	return cfg
}

func newTestAgent(t *testing.T, cfg Config, oracle CausalOracle) *Agent {
	t.Helper()
	a, err := New(cfg, oracle, rand.New(rand.NewSource(42)), WithLogger(telemetry.Discard()))
	require.NoError(t, err)
	return a
}

func state(x, y float64) model.State {
	return model.State{Vector: []float64{x, y}, Discrete: map[string]string{}}
}

// biasTowards rewires the value network's output biases so that favored has
// the largest raw estimate by a wide margin.
func biasTowards(t *testing.T, a *Agent, favored action.ID) {
	t.Helper()
	snap := a.Snapshot()
	out := &snap.ValueNetwork.Layers[len(snap.ValueNetwork.Layers)-1]
	for o := range out.Biases {
		out.Biases[o] = -100
		for i := range out.Weights[o] {
			out.Weights[o][i] = 0
		}
	}
	out.Biases[favored] = 100
	require.NoError(t, a.Restore(snap))
}

func TestActForcesNoOpWhenOnlyNoOpFeasible(t *testing.T) {
	for _, eps := range []float64{0, 1} {
		cfg := testConfig()
		cfg.EpsilonStart, cfg.EpsilonFloor = eps, eps
		a := newTestAgent(t, cfg, &stubOracle{allowed: action.NewSet(action.NoOp)})
		biasTowards(t, a, action.EmergencyProcurement)

		for i := 0; i < 20; i++ {
			d, err := a.Act(state(0.5, -0.5), action.All())
			require.NoError(t, err)
			assert.Equal(t, action.NoOp, d.Action, "epsilon=%v", eps)
			assert.Equal(t, []action.ID{action.NoOp}, d.Feasible)
			assert.Equal(t, MaskedValue, d.Values[action.EmergencyProcurement])
		}
	}
}

func TestActForcesNoOpOnEmptyIntersection(t *testing.T) {
	metrics := telemetry.NewMetrics()
	a, err := New(greedyConfig(), &stubOracle{allowed: action.NewSet(action.SwitchSupplier, action.NoOp)}, rand.New(rand.NewSource(1)),
		WithLogger(telemetry.Discard()), WithMetrics(metrics))
	require.NoError(t, err)

	d, err := a.Act(state(0, 0), []action.ID{action.RerouteShipments, action.AllocateResources})
	require.NoError(t, err)
	assert.True(t, d.ForcedNoOp)
	assert.Equal(t, action.NoOp, d.Action)
	assert.Equal(t, 1, a.Stats().ForcedNoOps)
	assert.Equal(t, 1, a.Stats().ActSteps)
}

func TestActNeverSelectsMaskedAction(t *testing.T) {
	allowed := action.NewSet(action.IncreaseSafetyStock, action.AllocateResources, action.NoOp)
	cfg := testConfig()
	cfg.EpsilonDecaySteps = 50
	a := newTestAgent(t, cfg, &stubOracle{allowed: allowed})
	biasTowards(t, a, action.SwitchSupplier)

	rng := rand.New(rand.NewSource(3))
	explored := false
	for i := 0; i < 300; i++ {
		d, err := a.Act(state(rng.Float64()*2-1, rng.Float64()*2-1), action.All())
		require.NoError(t, err)
		require.False(t, d.ForcedNoOp)
		require.NotEqual(t, MaskedValue, d.Values[d.Action], "step %d chose masked action %s", i, d.Action)
		require.True(t, allowed.Has(d.Action))
		explored = explored || d.Explored
	}
	assert.True(t, explored, "expected some exploratory decisions")
}

func TestActExploitsLowestIndexOnTies(t *testing.T) {
	a := newTestAgent(t, greedyConfig(), &stubOracle{allowed: allowAll()})
	snap := a.Snapshot()
	out := &snap.ValueNetwork.Layers[len(snap.ValueNetwork.Layers)-1]
	for o := range out.Biases {
		out.Biases[o] = 1
		for i := range out.Weights[o] {
			out.Weights[o][i] = 0
		}
	}
	require.NoError(t, a.Restore(snap))

	d, err := a.Act(state(0.3, 0.1), []action.ID{action.AllocateResources, action.RerouteShipments, action.NoOp})
	require.NoError(t, err)
	assert.Equal(t, action.RerouteShipments, d.Action)
}

func TestActStaysFeasibleWhenValuesDiverge(t *testing.T) {
	allowed := action.NewSet(action.IncreaseSafetyStock, action.NoOp)
	a := newTestAgent(t, greedyConfig(), &stubOracle{allowed: allowed})
	snap := a.Snapshot()
	out := &snap.ValueNetwork.Layers[len(snap.ValueNetwork.Layers)-1]
	for o := range out.Biases {
		out.Biases[o] = 100
		for i := range out.Weights[o] {
			out.Weights[o][i] = 0
		}
	}
	out.Biases[action.IncreaseSafetyStock] = math.NaN()
	out.Biases[action.NoOp] = math.Inf(-1)
	require.NoError(t, a.Restore(snap))

	d, err := a.Act(state(0.2, -0.4), action.All())
	require.NoError(t, err)
	assert.Equal(t, action.NoOp, d.Action)

	assert.Equal(t, action.SwitchSupplier, greedyAmong(
		[]action.ID{action.SwitchSupplier, action.NoOp},
		[]float64{math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN()},
	))
}

func TestActFallsBackToLegalOnIdentifiabilityFailure(t *testing.T) {
	failure := &causal.IdentifiabilityFailure{Outcome: "stockout_risk", Reason: "latent parent"}
	a := newTestAgent(t, greedyConfig(), &stubOracle{allowed: action.NewSet(action.NoOp), failure: failure})
	biasTowards(t, a, action.RerouteShipments)

	legal := []action.ID{action.RerouteShipments, action.NoOp}
	d, err := a.Act(state(0, 0), legal)
	require.NoError(t, err)
	assert.True(t, d.Unmasked)
	assert.Same(t, failure, d.Failure)
	assert.Equal(t, legal, d.Feasible)
	assert.Equal(t, action.RerouteShipments, d.Action)
	assert.Equal(t, MaskedValue, d.Values[action.SwitchSupplier])
	assert.Equal(t, 1, a.Stats().Fallbacks)
}

func TestActRejectsProtocolViolations(t *testing.T) {
	a := newTestAgent(t, greedyConfig(), &stubOracle{allowed: allowAll()})
	var perr *scape.ProtocolError

	_, err := a.Act(state(0, 0), nil)
	assert.True(t, errors.As(err, &perr), "empty legal set: %v", err)

	_, err = a.Act(state(0, 0), []action.ID{action.ID(17)})
	assert.True(t, errors.As(err, &perr), "unknown action: %v", err)

	_, err = a.Act(model.State{Vector: []float64{1, 2, 3}}, action.All())
	assert.True(t, errors.As(err, &perr), "vector length: %v", err)
}

func TestEpsilonDecaysGeometricallyToFloor(t *testing.T) {
	cfg := testConfig()
	cfg.EpsilonStart, cfg.EpsilonFloor, cfg.EpsilonDecaySteps = 1, 0.01, 100

	assert.InDelta(t, 1.0, epsilonAt(cfg, 0), 1e-12)
	assert.InDelta(t, 0.1, epsilonAt(cfg, 50), 1e-9)
	assert.InDelta(t, 0.01, epsilonAt(cfg, 100), 1e-9)
	assert.Equal(t, 0.01, epsilonAt(cfg, 10000))

	prev := epsilonAt(cfg, 0)
	for step := 1; step <= 200; step++ {
		cur := epsilonAt(cfg, step)
		require.LessOrEqual(t, cur, prev)
		prev = cur
	}

	a := newTestAgent(t, cfg, &stubOracle{allowed: allowAll()})
	a.SetGreedy(true)
	assert.Zero(t, a.Epsilon())
}

func TestShapeRewardBoundaries(t *testing.T) {
	oracle := &stubOracle{allowed: allowAll(), magnitude: 0.37}
	s0 := state(0, 0)

	cfg := testConfig()
	cfg.BlendLambda = 0
	a := newTestAgent(t, cfg, oracle)
	sh, err := a.ShapeReward(-1.25, s0, action.EmergencyProcurement)
	require.NoError(t, err)
	assert.Equal(t, -1.25, sh.Shaped)
	assert.Equal(t, "stockout_risk", sh.Outcome)

	cfg.BlendLambda = 1
	a = newTestAgent(t, cfg, oracle)
	sh, err = a.ShapeReward(-1.25, s0, action.EmergencyProcurement)
	require.NoError(t, err)
	assert.Equal(t, sh.Causal, sh.Shaped)
	assert.Equal(t, 0.37, sh.Causal)

	cfg.BlendLambda = 0.5
	cfg.RewardScale = 2
	a = newTestAgent(t, cfg, oracle)
	sh, err = a.ShapeReward(1, s0, action.EmergencyProcurement)
	require.NoError(t, err)
	assert.InDelta(t, 0.5*1+0.5*0.74, sh.Shaped, 1e-12)
}

func TestShapeRewardAdditiveMode(t *testing.T) {
	cfg := testConfig()
	cfg.Shaping = ShapingAdditive
	cfg.CausalLambda = 0.3
	a := newTestAgent(t, cfg, &stubOracle{allowed: allowAll(), magnitude: 0.5})

	sh, err := a.ShapeReward(0.8, state(0, 0), action.SwitchSupplier)
	require.NoError(t, err)
	assert.InDelta(t, 0.8+0.3*0.5, sh.Shaped, 1e-12)
}

func TestShapeRewardNoneModeSkipsOracle(t *testing.T) {
	cfg := testConfig()
	cfg.Shaping = ShapingNone
	oracle := &stubOracle{allowed: allowAll(), magnitude: 0.5}
	a := newTestAgent(t, cfg, oracle)

	sh, err := a.ShapeReward(0.8, state(0, 0), action.SwitchSupplier)
	require.NoError(t, err)
	assert.Equal(t, 0.8, sh.Shaped)
	assert.Zero(t, sh.Causal)
	assert.Zero(t, oracle.effectCalls)
}

func TestActWithMaskingDisabledIgnoresFeasibility(t *testing.T) {
	cfg := greedyConfig()
	cfg.DisableMasking = true
	a := newTestAgent(t, cfg, &stubOracle{allowed: action.NewSet(action.NoOp)})
	biasTowards(t, a, action.RerouteShipments)

	d, err := a.Act(state(0.5, 0.5), action.All())
	require.NoError(t, err)
	assert.Equal(t, action.RerouteShipments, d.Action)
	assert.False(t, d.ForcedNoOp)
	assert.Len(t, d.Feasible, action.Count)
}

func TestShapeRewardIgnoresUnidentifiableEffect(t *testing.T) {
	cfg := testConfig()
	cfg.BlendLambda = 1
	oracle := &stubOracle{allowed: allowAll(), magnitude: 9, effectFailure: &causal.IdentifiabilityFailure{Reason: "latent"}}
	a := newTestAgent(t, cfg, oracle)

	sh, err := a.ShapeReward(0.4, state(0, 0), action.RerouteShipments)
	require.NoError(t, err)
	assert.NotNil(t, sh.Failure)
	assert.Zero(t, sh.Causal)
	assert.Zero(t, sh.Shaped)
}

func transition(id action.ID, reward float64, done bool) model.Transition {
	return model.Transition{
		State:        state(0.2, 0.4),
		Action:       int(id),
		RawReward:    reward,
		ShapedReward: reward,
		NextState:    state(0.3, 0.5),
		Done:         done,
	}
}

func TestTrainStepSkipsUnderfullBuffer(t *testing.T) {
	a := newTestAgent(t, testConfig(), &stubOracle{allowed: allowAll()})
	for i := 0; i < 3; i++ {
		a.Remember(transition(action.NoOp, 1, false))
	}
	before := a.Snapshot()
	res, err := a.TrainStep(context.Background(), 4)
	require.NoError(t, err)
	assert.False(t, res.Trained)
	assert.Equal(t, before, a.Snapshot())

	_, err = a.TrainStep(context.Background(), 0)
	assert.Error(t, err)
}

func TestTrainStepFitsTargetsAndSyncs(t *testing.T) {
	cfg := testConfig()
	cfg.LearningRate = 0.01
	cfg.Gamma = 0
	cfg.TargetSyncEvery = 5
	a := newTestAgent(t, cfg, &stubOracle{allowed: allowAll()})
	for i := 0; i < 8; i++ {
		a.Remember(transition(action.RerouteShipments, 1, true))
	}

	var first, last TrainResult
	syncs := 0
	for i := 0; i < 200; i++ {
		res, err := a.TrainStep(context.Background(), 8)
		require.NoError(t, err)
		require.True(t, res.Trained)
		if i == 0 {
			first = res
		}
		if res.Synced {
			syncs++
			snap := a.Snapshot()
			require.Equal(t, snap.ValueNetwork, snap.TargetNetwork)
		}
		last = res
	}
	assert.Equal(t, 40, syncs)
	assert.Equal(t, 200, a.Stats().TrainSteps)
	assert.Less(t, last.Loss, first.Loss)
	assert.Less(t, last.Loss, 1e-2)

	q, err := a.Values(state(0.2, 0.4).Vector)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, q[action.RerouteShipments], 0.1)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	oracle := &stubOracle{allowed: allowAll()}
	a := newTestAgent(t, testConfig(), oracle)
	for i := 0; i < 16; i++ {
		a.Remember(transition(action.ID(i%action.Count), float64(i%3), i%4 == 0))
	}
	for i := 0; i < 5; i++ {
		_, err := a.TrainStep(context.Background(), 8)
		require.NoError(t, err)
		_, err = a.Act(state(0.1, 0.1), action.All())
		require.NoError(t, err)
	}
	snap := a.Snapshot()

	b, err := New(testConfig(), oracle, rand.New(rand.NewSource(777)), WithLogger(telemetry.Discard()))
	require.NoError(t, err)
	require.NoError(t, b.Restore(snap))
	assert.Equal(t, snap, b.Snapshot())
	assert.Equal(t, a.Epsilon(), b.Epsilon())

	qa, err := a.Values([]float64{0.7, -0.3})
	require.NoError(t, err)
	qb, err := b.Values([]float64{0.7, -0.3})
	require.NoError(t, err)
	assert.Equal(t, qa, qb)

	wide := DefaultConfig(5)
	c, err := New(wide, oracle, rand.New(rand.NewSource(1)), WithLogger(telemetry.Discard()))
	require.NoError(t, err)
	assert.Error(t, c.Restore(snap))
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BlendLambda = 1.5
	_, err := New(cfg, &stubOracle{}, rand.New(rand.NewSource(1)))
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "blend_lambda", cerr.Field)

	cfg = testConfig()
	cfg.BufferCapacity = 0
	_, err = New(cfg, &stubOracle{}, rand.New(rand.NewSource(1)))
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "buffer_capacity", cerr.Field)

	_, err = New(testConfig(), nil, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
	_, err = New(testConfig(), &stubOracle{}, nil)
	assert.Error(t, err)
}

func TestExplainPassesThrough(t *testing.T) {
	a := newTestAgent(t, testConfig(), &stubOracle{allowed: allowAll()})
	exp, err := a.Explain(state(0, 0), action.AllocateResources)
	require.NoError(t, err)
	assert.Equal(t, action.AllocateResources, exp.Action)
	assert.Equal(t, "stub", exp.Summary)
}

// rewardForReroute pays 1 for rerouting and nothing otherwise over a fixed
// ten-step episode.
type rewardForReroute struct{ step int }

func (e *rewardForReroute) observe() model.State {
	return state(float64(e.step)/10, 1)
}

func TestSeededAgentImprovesOnDeterministicEnvironment(t *testing.T) {
	cfg := testConfig()
	cfg.Hidden = []int{16}
	cfg.LearningRate = 0.01
	cfg.Gamma = 0.9
	cfg.EpsilonDecaySteps = 200
	cfg.TargetSyncEvery = 20
	cfg.BufferCapacity = 500
	a := newTestAgent(t, cfg, &stubOracle{allowed: allowAll()})

	const episodes, length, batch = 50, 10, 16
	returns := make([]float64, episodes)
	for ep := 0; ep < episodes; ep++ {
		env := &rewardForReroute{}
		s := env.observe()
		for step := 0; step < length; step++ {
			d, err := a.Act(s, action.All())
			require.NoError(t, err)
			raw := 0.0
			if d.Action == action.RerouteShipments {
				raw = 1
			}
			sh, err := a.ShapeReward(raw, s, d.Action)
			require.NoError(t, err)
			env.step++
			next := env.observe()
			a.Remember(model.Transition{State: s, Action: int(d.Action), RawReward: raw, ShapedReward: sh.Shaped, NextState: next, Done: step == length-1})
			_, err = a.TrainStep(context.Background(), batch)
			require.NoError(t, err)
			returns[ep] += sh.Shaped
			s = next
		}
	}

	mean := func(xs []float64) float64 {
		total := 0.0
		for _, x := range xs {
			total += x
		}
		return total / float64(len(xs))
	}
	first, last := mean(returns[:10]), mean(returns[episodes-10:])
	assert.GreaterOrEqual(t, last, first, "first10=%.3f last10=%.3f", first, last)
}
