// Package causalrl is the public entry point: it wires configuration, the
// causal oracle, agents, environments and storage into training and
// evaluation runs.
package causalrl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"causalrl/internal/action"
	"causalrl/internal/agent"
	"causalrl/internal/causal"
	"causalrl/internal/config"
	"causalrl/internal/model"
	"causalrl/internal/scape"
	"causalrl/internal/scapeid"
	"causalrl/internal/stats"
	"causalrl/internal/storage"
	"causalrl/internal/telemetry"
	"causalrl/internal/training"
)

const (
	defaultEvalEpisodes = 10
	defaultEvalMode     = "validation"
	// streamSeedStride separates the random sources of parallel streams.
	streamSeedStride = 7919
)

type Options struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// Store overrides the configured backend. The caller keeps ownership.
	Store storage.Store
}

type Client struct {
	cfg       config.Config
	log       *slog.Logger
	metrics   *telemetry.Metrics
	store     storage.Store
	ownsStore bool
	graph     *causal.Graph
}

type TrainRequest struct {
	// RunID overrides the configured run id.
	RunID string
	// Episodes overrides the configured episode budget when positive.
	Episodes int
}

type TrainSummary struct {
	RunID        string
	ArtifactsDir string
	Outcome      string
	FinalAverage float64
	Streams      []training.Report
}

type EvaluateRequest struct {
	RunID    string
	Latest   bool
	Stream   int
	Episodes int
	// Mode selects the environment preset; validation by default.
	Mode       string
	RewardGoal *float64
	// Window smooths the reported reward curve.
	Window int
}

type EvaluateSummary struct {
	Report stats.EvaluationReport
	Path   string
}

type ExplainRequest struct {
	// RunID loads beliefs from that run's checkpoint. The prior-fitted model
	// is used when empty.
	RunID  string
	State  map[string]string
	Action string
}

type EffectRequest struct {
	RunID    string
	Variable string
	Value    string
	Outcome  string
	Context  map[string]string
}

type CheckpointRequest struct {
	RunID  string
	Latest bool
	Stream int
}

type CheckpointInfo struct {
	RunID        string
	Episode      int
	TrainingStep int
	ActSteps     int
	Epsilon      float64
	Variables    int
	Edges        int
	Tables       int
	Layers       []int
	Source       string
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.Discard()
	}
	graph, err := cfg.Graph()
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		log:     logger,
		metrics: opts.Metrics,
		store:   opts.Store,
		graph:   graph,
	}
	if c.store == nil {
		store, err := cfg.OpenStore()
		if err != nil {
			return nil, err
		}
		c.store, c.ownsStore = store, true
	}
	return c, nil
}

func (c *Client) Config() config.Config { return c.cfg }

// Init prepares an owned store. An injected store is assumed ready.
func (c *Client) Init(ctx context.Context) error {
	if !c.ownsStore {
		return nil
	}
	return c.store.Init(ctx)
}

func (c *Client) Close() error {
	if !c.ownsStore {
		return nil
	}
	return storage.CloseIfSupported(c.store)
}

// Train runs every configured stream to completion and writes the run
// artifacts, the run index entry and one checkpoint file per stream.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	cfg := c.cfg
	if req.RunID != "" {
		cfg.Run.ID = req.RunID
	}
	if cfg.Run.ID == "" {
		cfg.Run.ID = uuid.NewString()
	}
	if req.Episodes > 0 {
		cfg.Training.MaxEpisodes = req.Episodes
	}
	runID := cfg.Run.ID
	baseDir := cfg.Run.ArtifactsDir
	log := c.log.With("run_id", runID)

	var trace *stats.DecisionTrace
	if cfg.Run.TraceDecisions {
		var err error
		trace, err = stats.CreateDecisionTrace(stats.DecisionTracePath(baseDir, runID))
		if err != nil {
			return TrainSummary{}, fmt.Errorf("create decision trace: %w", err)
		}
	}

	factory := func(stream int) (*training.Trainer, error) {
		seed := streamSeed(cfg.Run.Seed, stream)
		env, err := scape.New(cfg.Environment.Name, cfg.Environment.Mode, seed, log)
		if err != nil {
			return nil, err
		}
		oracle, err := c.priorOracle()
		if err != nil {
			return nil, err
		}
		learner, err := agent.New(cfg.AgentConfig(env.Schema().Len()), oracle, rand.New(rand.NewSource(seed)),
			agent.WithLogger(log), agent.WithMetrics(c.metrics))
		if err != nil {
			return nil, err
		}
		opts := []training.Option{
			training.WithLogger(log),
			training.WithMetrics(c.metrics),
			training.WithStore(c.store),
		}
		if trace != nil {
			opts = append(opts, training.WithDecisionRecorder(trace))
		}
		return training.NewTrainer(cfg.TrainingConfig(stream), env, learner, oracle, opts...)
	}

	reports, runErr := training.RunStreams(ctx, cfg.Run.Streams, factory)
	if trace != nil {
		if err := trace.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("close decision trace: %w", err)
		}
	}
	if runErr != nil {
		return TrainSummary{RunID: runID, Streams: reports}, runErr
	}

	// Artifacts are written even when ctx was cancelled mid-run.
	flushCtx := context.WithoutCancel(ctx)
	environment := scapeid.Normalize(cfg.Environment.Name)
	record := training.RunRecord(runID, environment, cfg.Run.Seed, reports)
	if err := c.store.SaveRun(flushCtx, record); err != nil {
		return TrainSummary{}, fmt.Errorf("save run: %w", err)
	}

	var episodes []model.EpisodeSummary
	for _, r := range reports {
		episodes = append(episodes, r.Episodes...)
	}
	runDir, err := stats.WriteRunArtifacts(baseDir, stats.RunArtifacts{
		Config:       cfg.RunConfig(runID),
		Episodes:     episodes,
		Outcome:      record.Outcome,
		FinalAverage: record.FinalAverage,
	})
	if err != nil {
		return TrainSummary{}, err
	}
	for stream := range reports {
		cp, ok, err := c.store.GetCheckpoint(flushCtx, training.CheckpointID(runID, stream))
		if err != nil {
			return TrainSummary{}, err
		}
		if !ok {
			continue
		}
		if err := storage.WriteCheckpointFile(stats.CheckpointPath(baseDir, runID, stream), cp); err != nil {
			return TrainSummary{}, fmt.Errorf("write checkpoint file: %w", err)
		}
	}
	if err := stats.AppendRunIndex(baseDir, stats.RunIndexEntry{
		RunID:        runID,
		Environment:  environment,
		Seed:         cfg.Run.Seed,
		Streams:      cfg.Run.Streams,
		Episodes:     record.Episodes,
		Shaping:      cfg.Agent.Shaping,
		Outcome:      record.Outcome,
		FinalAverage: record.FinalAverage,
		CreatedAtUTC: record.CreatedAtUTC,
	}); err != nil {
		return TrainSummary{}, err
	}

	log.Info("run finished", "outcome", record.Outcome, "episodes", record.Episodes, "artifacts", runDir)
	return TrainSummary{
		RunID:        runID,
		ArtifactsDir: filepath.Clean(runDir),
		Outcome:      record.Outcome,
		FinalAverage: record.FinalAverage,
		Streams:      reports,
	}, nil
}

// Evaluate replays a trained stream greedily and writes evaluation.json.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return EvaluateSummary{}, err
	}
	if req.Episodes <= 0 {
		req.Episodes = defaultEvalEpisodes
	}
	if req.Mode == "" {
		req.Mode = defaultEvalMode
	}
	cp, _, err := c.loadCheckpoint(ctx, runID, req.Stream)
	if err != nil {
		return EvaluateSummary{}, err
	}
	oracle, err := c.checkpointOracle(cp)
	if err != nil {
		return EvaluateSummary{}, err
	}

	seed := streamSeed(c.cfg.Run.Seed, req.Stream)
	env, err := scape.New(c.cfg.Environment.Name, req.Mode, seed, c.log)
	if err != nil {
		return EvaluateSummary{}, err
	}
	learner, err := agent.New(c.cfg.AgentConfig(env.Schema().Len()), oracle, rand.New(rand.NewSource(seed)),
		agent.WithLogger(c.log), agent.WithMetrics(c.metrics))
	if err != nil {
		return EvaluateSummary{}, err
	}
	if err := learner.Restore(agent.Snapshot{
		ValueNetwork:  cp.ValueNetwork,
		TargetNetwork: cp.TargetNetwork,
		TrainingStep:  cp.TrainingStep,
		ActSteps:      cp.ActSteps,
		Epsilon:       cp.Epsilon,
	}); err != nil {
		return EvaluateSummary{}, fmt.Errorf("restore agent: %w", err)
	}
	learner.SetGreedy(true)

	tcfg := c.cfg.TrainingConfig(req.Stream)
	tcfg.RunID = runID
	tr, err := training.NewTrainer(tcfg, env, learner, oracle, training.WithLogger(c.log), training.WithMetrics(c.metrics))
	if err != nil {
		return EvaluateSummary{}, err
	}
	episodes, err := tr.Evaluate(ctx, req.Episodes)
	if err != nil {
		return EvaluateSummary{}, err
	}

	totals := make([]float64, len(episodes))
	for i, ep := range episodes {
		totals[i] = ep.TotalReward
	}
	report := stats.EvaluationReport{
		RunID:       runID,
		Environment: scapeid.Normalize(c.cfg.Environment.Name),
		Mode:        req.Mode,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Stats:       stats.BuildEvaluationStats(episodes, req.RewardGoal),
		Curve:       stats.MovingAverage(totals, req.Window),
		Episodes:    episodes,
	}
	path, err := stats.WriteEvaluationReport(c.cfg.Run.ArtifactsDir, report)
	if err != nil {
		return EvaluateSummary{}, err
	}
	return EvaluateSummary{Report: report, Path: path}, nil
}

// Explain describes what an action would do in a discretized state.
func (c *Client) Explain(ctx context.Context, req ExplainRequest) (causal.Explanation, error) {
	id, err := action.Parse(req.Action)
	if err != nil {
		return causal.Explanation{}, err
	}
	oracle, err := c.oracleFor(ctx, req.RunID)
	if err != nil {
		return causal.Explanation{}, err
	}
	return oracle.Explain(model.State{Discrete: req.State}, id)
}

// Effect answers P(outcome | do(variable=value), context).
func (c *Client) Effect(ctx context.Context, req EffectRequest) (causal.EffectResult, error) {
	if req.Variable == "" || req.Value == "" || req.Outcome == "" {
		return causal.EffectResult{}, errors.New("effect requires variable, value and outcome")
	}
	oracle, err := c.oracleFor(ctx, req.RunID)
	if err != nil {
		return causal.EffectResult{}, err
	}
	return oracle.PredictEffectGiven(causal.Intervention{Variable: req.Variable, Value: req.Value}, req.Outcome, causal.Observation(req.Context))
}

// Checkpoint summarizes a stored checkpoint.
func (c *Client) Checkpoint(ctx context.Context, req CheckpointRequest) (CheckpointInfo, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return CheckpointInfo{}, err
	}
	cp, source, err := c.loadCheckpoint(ctx, runID, req.Stream)
	if err != nil {
		return CheckpointInfo{}, err
	}
	info := CheckpointInfo{
		RunID:        cp.RunID,
		Episode:      cp.Episode,
		TrainingStep: cp.TrainingStep,
		ActSteps:     cp.ActSteps,
		Epsilon:      cp.Epsilon,
		Variables:    len(cp.GraphSpec.Variables),
		Edges:        len(cp.GraphSpec.Edges),
		Tables:       len(cp.CPTs),
		Source:       source,
	}
	info.Layers = append(info.Layers, cp.ValueNetwork.Inputs)
	for _, layer := range cp.ValueNetwork.Layers {
		info.Layers = append(info.Layers, len(layer.Biases))
	}
	return info, nil
}

// Runs lists the run index, newest first.
func (c *Client) Runs(_ context.Context, limit int) ([]stats.RunIndexEntry, error) {
	entries, err := stats.ListRunIndex(c.cfg.Run.ArtifactsDir)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		return ExportSummary{}, errors.New("export requires an output directory")
	}
	dir, err := stats.ExportRunArtifacts(c.cfg.Run.ArtifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(dir)}, nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", errors.New("run id or latest is required")
	}
	entries, err := stats.ListRunIndex(c.cfg.Run.ArtifactsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs recorded")
	}
	return entries[0].RunID, nil
}

// loadCheckpoint prefers the store and falls back to the checkpoint file
// written next to the run artifacts.
func (c *Client) loadCheckpoint(ctx context.Context, runID string, stream int) (model.Checkpoint, string, error) {
	cp, ok, err := c.store.GetCheckpoint(ctx, training.CheckpointID(runID, stream))
	if err != nil {
		return model.Checkpoint{}, "", err
	}
	if ok {
		return cp, "store", nil
	}
	path := stats.CheckpointPath(c.cfg.Run.ArtifactsDir, runID, stream)
	cp, err = storage.ReadCheckpointFile(path)
	if err != nil {
		return model.Checkpoint{}, "", fmt.Errorf("checkpoint for run %s stream %d: %w", runID, stream, err)
	}
	return cp, path, nil
}

func (c *Client) priorOracle() (*causal.Oracle, error) {
	store := causal.NewStore(c.graph)
	if err := store.Fit(nil, c.cfg.FitOptions(c.graph)); err != nil {
		return nil, fmt.Errorf("fit causal model: %w", err)
	}
	return causal.NewOracle(store, c.cfg.OracleOptions(c.log)), nil
}

func (c *Client) checkpointOracle(cp model.Checkpoint) (*causal.Oracle, error) {
	g, err := causal.GraphFromSpec(cp.GraphSpec)
	if err != nil {
		return nil, fmt.Errorf("checkpoint graph: %w", err)
	}
	store := causal.NewStore(g)
	if err := store.Restore(cp.CPTs); err != nil {
		return nil, fmt.Errorf("checkpoint beliefs: %w", err)
	}
	return causal.NewOracle(store, c.cfg.OracleOptions(c.log)), nil
}

func (c *Client) oracleFor(ctx context.Context, runID string) (*causal.Oracle, error) {
	if runID == "" {
		return c.priorOracle()
	}
	cp, _, err := c.loadCheckpoint(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	return c.checkpointOracle(cp)
}

func streamSeed(seed int64, stream int) int64 {
	return seed + int64(stream)*streamSeedStride
}
