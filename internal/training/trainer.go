// Package training drives the episodic loop that couples an environment, the
// decision agent and the causal oracle: acting, shaping, storing and
// learning step by step, with belief updates and checkpoints between
// episodes.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"causalrl/internal/action"
	"causalrl/internal/agent"
	"causalrl/internal/causal"
	"causalrl/internal/model"
	"causalrl/internal/scape"
	"causalrl/internal/stats"
	"causalrl/internal/storage"
	"causalrl/internal/telemetry"
)

var tracer = otel.Tracer("causalrl.training")

type Phase string

const (
	PhaseInit        Phase = "init"
	PhaseResetEnv    Phase = "reset_env"
	PhaseObserve     Phase = "observe"
	PhaseAct         Phase = "act"
	PhaseStepEnv     Phase = "step_env"
	PhaseShapeReward Phase = "shape_reward"
	PhaseStore       Phase = "store"
	PhaseTrainStep   Phase = "train_step"
	PhaseCheckDone   Phase = "check_done"
	PhaseEpisodeEnd  Phase = "episode_end"
	PhaseConverged   Phase = "converged"
	PhaseExhausted   Phase = "exhausted"
	PhaseCancelled   Phase = "cancelled"
)

type Outcome string

const (
	OutcomeConverged Outcome = "converged"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
)

// Learner is the part of the decision agent the loop drives.
type Learner interface {
	Act(state model.State, legal []action.ID) (agent.Decision, error)
	ShapeReward(raw float64, state model.State, id action.ID) (agent.Shaping, error)
	Remember(t model.Transition)
	TrainStep(ctx context.Context, batchSize int) (agent.TrainResult, error)
	Epsilon() float64
	Snapshot() agent.Snapshot
	Stats() agent.Stats
	RestoreStats(s agent.Stats)
}

// Oracle is the part of the causal oracle the loop manages between
// episodes.
type Oracle interface {
	BeginEpisode()
	EndEpisode()
	ObservationFor(state, next model.State, id action.ID) causal.Observation
	UpdateBeliefs(observations []causal.Observation) error
	Model() (model.GraphSpec, []model.CPTRecord)
}

// DecisionRecorder receives one record per environment step.
type DecisionRecorder interface {
	Record(rec stats.DecisionRecord) error
}

type Option func(*Trainer)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Trainer) {
		if logger != nil {
			t.log = logger
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Trainer) { t.metrics = m }
}

// WithStore persists checkpoints and episode summaries. The store must
// already be initialized; streams may share one.
func WithStore(store storage.Store) Option {
	return func(t *Trainer) { t.store = store }
}

func WithDecisionRecorder(rec DecisionRecorder) Option {
	return func(t *Trainer) { t.recorder = rec }
}

// Trainer runs one stream. It owns its environment and learner; it is not
// safe for concurrent use.
type Trainer struct {
	cfg      Config
	env      scape.Environment
	learner  Learner
	oracle   Oracle
	log      *slog.Logger
	metrics  *telemetry.Metrics
	store    storage.Store
	recorder DecisionRecorder

	phase Phase
	// evaluating disables learning, evidence collection and persistence.
	evaluating bool
	summaries  []model.EpisodeSummary
	evidence   []causal.Observation
	totalSteps int
	updates    int
	saved      int
}

func NewTrainer(cfg Config, env scape.Environment, learner Learner, oracle Oracle, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if env == nil {
		return nil, errors.New("trainer requires an environment")
	}
	if env.Schema() == nil {
		return nil, fmt.Errorf("environment %s has no feature schema", env.Name())
	}
	if learner == nil {
		return nil, errors.New("trainer requires a learner")
	}
	if oracle == nil {
		return nil, errors.New("trainer requires a causal oracle")
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	t := &Trainer{
		cfg:     cfg,
		env:     env,
		learner: learner,
		oracle:  oracle,
		log:     slog.Default(),
		phase:   PhaseInit,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With("component", "trainer", "run_id", cfg.RunID, "stream", cfg.Stream)
	return t, nil
}

func (t *Trainer) RunID() string { return t.cfg.RunID }

// Phase is the loop's current position.
func (t *Trainer) Phase() Phase { return t.phase }

// EpisodeSummary returns the most recent episode's summary.
func (t *Trainer) EpisodeSummary() (model.EpisodeSummary, bool) {
	if len(t.summaries) == 0 {
		return model.EpisodeSummary{}, false
	}
	return t.summaries[len(t.summaries)-1], true
}

type Report struct {
	RunID         string                 `json:"run_id"`
	Stream        int                    `json:"stream"`
	Outcome       Outcome                `json:"outcome"`
	Episodes      []model.EpisodeSummary `json:"episodes"`
	FinalAverage  float64                `json:"final_average"`
	TotalSteps    int                    `json:"total_steps"`
	BeliefUpdates int                    `json:"belief_updates"`
	Checkpoints   int                    `json:"checkpoints"`
}

// Run trains until the episode budget is spent, the shaped reward plateaus,
// or ctx is done. Cancellation is not an error: the partial episode is kept
// and the report is returned with OutcomeCancelled.
func (t *Trainer) Run(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "training.Run", trace.WithAttributes(
		attribute.String("run_id", t.cfg.RunID),
		attribute.Int("stream", t.cfg.Stream),
		attribute.String("environment", t.env.Name()),
	))
	defer span.End()

	t.phase = PhaseInit
	plateau := stats.NewPlateau(t.cfg.PlateauWindow, t.cfg.PlateauPatience, t.cfg.PlateauMinDelta)
	var outcome Outcome

	for ep := 1; ep <= t.cfg.MaxEpisodes && outcome == ""; ep++ {
		if ctx.Err() != nil {
			outcome = OutcomeCancelled
			break
		}
		summary, err := t.runEpisode(ctx, ep)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return t.report(outcome, plateau), err
		}
		t.summaries = append(t.summaries, summary)
		if summary.Cancelled {
			outcome = OutcomeCancelled
			break
		}

		if err := t.applyBeliefs(ep); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return t.report(outcome, plateau), err
		}
		if t.cfg.CheckpointEvery > 0 && ep%t.cfg.CheckpointEvery == 0 && ep < t.cfg.MaxEpisodes {
			if err := t.checkpoint(ctx, ep); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return t.report(outcome, plateau), err
			}
		}
		if plateau.Observe(summary.ShapedReward) {
			outcome = OutcomeConverged
			t.log.Info("shaped reward plateaued", "episode", ep, "rolling_mean", plateau.Mean(), "stale", plateau.Stale())
		}
	}
	if outcome == "" {
		outcome = OutcomeExhausted
	}
	switch outcome {
	case OutcomeConverged:
		t.phase = PhaseConverged
	case OutcomeCancelled:
		t.phase = PhaseCancelled
	default:
		t.phase = PhaseExhausted
	}

	// The final flush must survive cancellation of the run context.
	flushCtx := context.WithoutCancel(ctx)
	if err := t.persist(flushCtx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return t.report(outcome, plateau), err
	}
	rep := t.report(outcome, plateau)
	span.SetAttributes(attribute.String("outcome", string(outcome)), attribute.Int("episodes", len(rep.Episodes)))
	t.log.Info("training finished", "outcome", outcome, "episodes", len(rep.Episodes), "final_average", rep.FinalAverage)
	return rep, nil
}

// Evaluate plays episodes without learning, belief updates or persistence
// and returns their summaries. The learner is expected to act greedily.
// Cancellation ends evaluation early without error.
func (t *Trainer) Evaluate(ctx context.Context, episodes int) ([]model.EpisodeSummary, error) {
	if episodes <= 0 {
		return nil, fieldErr("episodes", "must be positive, got %d", episodes)
	}
	ctx, span := tracer.Start(ctx, "training.Evaluate", trace.WithAttributes(
		attribute.String("run_id", t.cfg.RunID),
		attribute.Int("episodes", episodes),
	))
	defer span.End()

	// evaluation decisions must not advance the exploration schedule
	saved := t.learner.Stats()
	t.evaluating = true
	defer func() {
		t.evaluating = false
		t.learner.RestoreStats(saved)
	}()

	out := make([]model.EpisodeSummary, 0, episodes)
	for ep := 1; ep <= episodes; ep++ {
		if ctx.Err() != nil {
			break
		}
		summary, err := t.runEpisode(ctx, ep)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return out, err
		}
		out = append(out, summary)
		if summary.Cancelled {
			break
		}
	}
	t.log.Info("evaluation finished", "episodes", len(out))
	return out, nil
}

func (t *Trainer) report(outcome Outcome, plateau *stats.Plateau) Report {
	return Report{
		RunID:         t.cfg.RunID,
		Stream:        t.cfg.Stream,
		Outcome:       outcome,
		Episodes:      append([]model.EpisodeSummary(nil), t.summaries...),
		FinalAverage:  plateau.Mean(),
		TotalSteps:    t.totalSteps,
		BeliefUpdates: t.updates,
		Checkpoints:   t.saved,
	}
}

func (t *Trainer) runEpisode(ctx context.Context, ep int) (model.EpisodeSummary, error) {
	ctx, span := tracer.Start(ctx, "training.Episode", trace.WithAttributes(attribute.Int("episode", ep)))
	defer span.End()

	t.oracle.BeginEpisode()
	defer t.oracle.EndEpisode()

	summary := model.EpisodeSummary{VersionedRecord: storage.Version(), RunID: t.cfg.RunID, Stream: t.cfg.Stream, Episode: ep}
	fail := func(err error) (model.EpisodeSummary, error) {
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}

	t.phase = PhaseResetEnv
	obs, err := t.env.Reset(ctx)
	if err != nil {
		if cancelled(ctx, err) {
			summary.Cancelled = true
			return summary, nil
		}
		return fail(fmt.Errorf("reset %s: %w", t.env.Name(), err))
	}
	schema := t.env.Schema()
	t.phase = PhaseObserve
	state, err := schema.State(obs.Vector)
	if err != nil {
		return fail(err)
	}

	lossSum, trained := 0.0, 0
	var trajectory stats.Trajectory
	for {
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}
		if summary.Steps >= t.cfg.MaxStepsPerEpisode {
			summary.Truncated = true
			break
		}

		t.phase = PhaseAct
		d, err := t.learner.Act(state, obs.Legal)
		if err != nil {
			return fail(fmt.Errorf("episode %d step %d: %w", ep, summary.Steps+1, err))
		}

		t.phase = PhaseStepEnv
		res, err := t.env.Step(ctx, d.Action)
		if err != nil {
			if cancelled(ctx, err) {
				summary.Cancelled = true
				break
			}
			return fail(fmt.Errorf("episode %d step %d: %w", ep, summary.Steps+1, err))
		}
		t.phase = PhaseObserve
		next, err := schema.State(res.Observation.Vector)
		if err != nil {
			return fail(fmt.Errorf("episode %d step %d: %w", ep, summary.Steps+1, err))
		}

		t.phase = PhaseShapeReward
		shaped, err := t.learner.ShapeReward(res.Reward, state, d.Action)
		if err != nil {
			return fail(fmt.Errorf("episode %d step %d: %w", ep, summary.Steps+1, err))
		}
		if shaped.Failure != nil {
			t.metrics.IdentifiabilityFallback()
		}

		t.phase = PhaseStore
		if !t.evaluating {
			t.learner.Remember(model.Transition{
				State:        state,
				Action:       int(d.Action),
				RawReward:    res.Reward,
				ShapedReward: shaped.Shaped,
				CausalEffect: shaped.Causal,
				NextState:    next,
				Done:         res.Done,
			})
			if t.cfg.BeliefUpdateEvery > 0 {
				t.evidence = append(t.evidence, t.oracle.ObservationFor(state, next, d.Action))
			}
		}
		trajectory.Observe(res.Info)
		summary.Steps++
		summary.TotalReward += res.Reward
		summary.ShapedReward += shaped.Shaped
		if d.ForcedNoOp {
			summary.ForcedNoOps++
		}
		if d.Unmasked {
			summary.Unmasked++
		}
		if d.Explored {
			summary.Explored++
		}
		t.totalSteps++
		t.metrics.Step()

		if !t.evaluating && t.totalSteps%t.cfg.TrainEvery == 0 {
			t.phase = PhaseTrainStep
			tr, err := t.learner.TrainStep(ctx, t.cfg.BatchSize)
			if err != nil {
				return fail(fmt.Errorf("episode %d step %d: %w", ep, summary.Steps, err))
			}
			if tr.Trained {
				lossSum += tr.Loss
				trained++
				summary.TrainSteps++
			}
		}
		if err := t.record(ep, summary.Steps, d, res.Reward, shaped); err != nil {
			return fail(fmt.Errorf("record decision: %w", err))
		}

		t.phase = PhaseCheckDone
		if res.Done {
			summary.Done = true
			break
		}
		state, obs = next, res.Observation
	}

	t.phase = PhaseEpisodeEnd
	summary.Resilience = stats.Resilience(trajectory)
	if trained > 0 {
		summary.MeanLoss = lossSum / float64(trained)
	}
	summary.Epsilon = t.learner.Epsilon()
	end := "done"
	switch {
	case summary.Cancelled:
		end = "cancelled"
	case summary.Truncated:
		end = "truncated"
	}
	t.metrics.EpisodeEnded(end, summary.ShapedReward)
	span.SetAttributes(
		attribute.String("end", end),
		attribute.Int("steps", summary.Steps),
		attribute.Float64("shaped_reward", summary.ShapedReward),
	)
	t.log.Info("episode finished",
		"episode", ep,
		"end", end,
		"steps", summary.Steps,
		"reward", summary.TotalReward,
		"shaped_reward", summary.ShapedReward,
		"epsilon", summary.Epsilon,
	)
	return summary, nil
}

func (t *Trainer) record(ep, step int, d agent.Decision, raw float64, s agent.Shaping) error {
	if t.recorder == nil {
		return nil
	}
	feasible := make([]string, len(d.Feasible))
	for i, id := range d.Feasible {
		feasible[i] = id.String()
	}
	rec := stats.DecisionRecord{
		Stream:       t.cfg.Stream,
		Episode:      ep,
		Step:         step,
		Action:       d.Action.String(),
		Feasible:     feasible,
		Values:       d.Raw,
		Epsilon:      d.Epsilon,
		Explored:     d.Explored,
		ForcedNoOp:   d.ForcedNoOp,
		Unmasked:     d.Unmasked,
		RawReward:    raw,
		ShapedReward: s.Shaped,
		CausalEffect: s.Causal,
	}
	if d.Failure != nil {
		rec.Failure = d.Failure.String()
	} else if s.Failure != nil {
		rec.Failure = s.Failure.String()
	}
	return t.recorder.Record(rec)
}

// applyBeliefs runs between episodes. Evidence is held back while another
// stream sharing the oracle has an episode open.
func (t *Trainer) applyBeliefs(ep int) error {
	if t.cfg.BeliefUpdateEvery == 0 || ep%t.cfg.BeliefUpdateEvery != 0 || len(t.evidence) == 0 {
		return nil
	}
	err := t.oracle.UpdateBeliefs(t.evidence)
	switch {
	case errors.Is(err, causal.ErrBeliefUpdateMidEpisode):
		t.log.Debug("belief update deferred", "episode", ep, "pending", len(t.evidence))
		return nil
	case err != nil:
		return fmt.Errorf("update beliefs: %w", err)
	}
	t.log.Debug("beliefs updated", "episode", ep, "observations", len(t.evidence))
	t.evidence = t.evidence[:0]
	t.updates++
	t.metrics.BeliefUpdate()
	return nil
}

// CheckpointID is the storage key of a stream's checkpoints and summaries.
func CheckpointID(runID string, stream int) string {
	if stream == 0 {
		return runID
	}
	return fmt.Sprintf("%s#%d", runID, stream)
}

func (t *Trainer) checkpoint(ctx context.Context, ep int) error {
	if t.store == nil {
		return nil
	}
	spec, cpts := t.oracle.Model()
	snap := t.learner.Snapshot()
	cp := model.Checkpoint{
		VersionedRecord: storage.Version(),
		RunID:           CheckpointID(t.cfg.RunID, t.cfg.Stream),
		Episode:         ep,
		GraphSpec:       spec,
		CPTs:            cpts,
		ValueNetwork:    snap.ValueNetwork,
		TargetNetwork:   snap.TargetNetwork,
		TrainingStep:    snap.TrainingStep,
		ActSteps:        snap.ActSteps,
		Epsilon:         snap.Epsilon,
	}
	if err := t.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	t.saved++
	t.metrics.CheckpointSaved()
	t.log.Info("checkpoint saved", "episode", ep, "training_step", snap.TrainingStep)
	return nil
}

func (t *Trainer) persist(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	if err := t.checkpoint(ctx, len(t.summaries)); err != nil {
		return err
	}
	if err := t.store.SaveEpisodeSummaries(ctx, CheckpointID(t.cfg.RunID, t.cfg.Stream), t.summaries); err != nil {
		return fmt.Errorf("save episode summaries: %w", err)
	}
	return nil
}

// precedence ranks stream outcomes for the run-level summary: one cancelled
// stream cancels the run, and the run converged only if every stream did.
var precedence = map[Outcome]int{
	OutcomeConverged: 1,
	OutcomeExhausted: 2,
	OutcomeCancelled: 3,
}

// RunRecord summarizes finished reports for the run index.
func RunRecord(runID, environment string, seed int64, reports []Report) model.RunRecord {
	rec := model.RunRecord{
		VersionedRecord: storage.Version(),
		RunID:           runID,
		Environment:     environment,
		Seed:            seed,
		CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	total := 0.0
	for _, r := range reports {
		rec.Episodes += len(r.Episodes)
		total += r.FinalAverage
		if precedence[r.Outcome] > precedence[Outcome(rec.Outcome)] {
			rec.Outcome = string(r.Outcome)
		}
	}
	if len(reports) > 0 {
		rec.FinalAverage = total / float64(len(reports))
	}
	return rec
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
