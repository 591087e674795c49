package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"causalrl/internal/config"
	"causalrl/internal/telemetry"
	"causalrl/pkg/causalrl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// globalFlags override the loaded configuration when set.
type globalFlags struct {
	configPath   string
	profile      string
	artifactsDir string
	store        string
	dbPath       string
	logLevel     string
	logFormat    string
	metricsAddr  string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "causalrlctl",
		Short:         "Train and inspect causally constrained supply-chain agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "YAML configuration file")
	pf.StringVar(&g.profile, "profile", "", "ablation profile applied over the configuration (see profiles)")
	pf.StringVar(&g.artifactsDir, "artifacts-dir", "", "directory holding run artifacts")
	pf.StringVar(&g.store, "store", "", "store backend: memory|sqlite")
	pf.StringVar(&g.dbPath, "db-path", "", "sqlite database path")
	pf.StringVar(&g.logLevel, "log-level", "", "debug|info|warn|error")
	pf.StringVar(&g.logFormat, "log-format", "", "text|json")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while the command runs")

	root.AddCommand(
		newTrainCmd(g),
		newEvaluateCmd(g),
		newExplainCmd(g),
		newEffectCmd(g),
		newCheckpointCmd(g),
		newRunsCmd(g),
		newExportCmd(g),
		newProfilesCmd(),
		newConfigCmd(g),
	)
	return root
}

func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.profile != "" {
		if err := applyProfile(&cfg, g.profile); err != nil {
			return config.Config{}, err
		}
	}
	if g.artifactsDir != "" {
		cfg.Run.ArtifactsDir = g.artifactsDir
	}
	if g.store != "" {
		cfg.Storage.Kind = g.store
	}
	if g.dbPath != "" {
		cfg.Storage.SQLitePath = g.dbPath
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	return cfg, nil
}

// session is one command's client plus the optional metrics endpoint.
type session struct {
	client  *causalrl.Client
	log     *slog.Logger
	metrics *telemetry.Metrics
	server  *http.Server
}

func (g *globalFlags) open(cmd *cobra.Command, edit func(*config.Config)) (*session, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	if edit != nil {
		edit(&cfg)
	}
	logger := cfg.Logger(cmd.ErrOrStderr())
	metrics := telemetry.NewMetrics()
	client, err := causalrl.New(causalrl.Options{Config: cfg, Logger: logger, Metrics: metrics})
	if err != nil {
		return nil, err
	}
	if err := client.Init(cmd.Context()); err != nil {
		_ = client.Close()
		return nil, err
	}
	s := &session{client: client, log: logger, metrics: metrics}
	if g.metricsAddr != "" {
		if err := s.serveMetrics(g.metricsAddr); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", "error", err)
		}
	}()
	s.log.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (s *session) Close() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	return s.client.Close()
}

func newTrainCmd(g *globalFlags) *cobra.Command {
	var (
		runID    string
		episodes int
		streams  int
		seed     int64
		trace    bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train one or more independent streams and write run artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, func(cfg *config.Config) {
				if cmd.Flags().Changed("streams") {
					cfg.Run.Streams = streams
				}
				if cmd.Flags().Changed("seed") {
					cfg.Run.Seed = seed
				}
				if trace {
					cfg.Run.TraceDecisions = true
				}
			})
			if err != nil {
				return err
			}
			defer s.Close()

			sum, err := s.client.Train(cmd.Context(), causalrl.TrainRequest{RunID: runID, Episodes: episodes})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run completed run_id=%s outcome=%s streams=%d\n", sum.RunID, sum.Outcome, len(sum.Streams))
			for _, rep := range sum.Streams {
				fmt.Fprintf(out, "stream=%d outcome=%s episodes=%d steps=%d belief_updates=%d checkpoints=%d final_average=%.6f\n",
					rep.Stream, rep.Outcome, len(rep.Episodes), rep.TotalSteps, rep.BeliefUpdates, rep.Checkpoints, rep.FinalAverage)
			}
			fmt.Fprintf(out, "final_average=%.6f\n", sum.FinalAverage)
			fmt.Fprintf(out, "artifacts_dir=%s\n", filepath.Clean(sum.ArtifactsDir))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&runID, "run-id", "", "run id (random when empty)")
	f.IntVar(&episodes, "episodes", 0, "episode budget per stream (configured value when zero)")
	f.IntVar(&streams, "streams", 1, "parallel independent streams")
	f.Int64Var(&seed, "seed", 1, "base random seed")
	f.BoolVar(&trace, "trace", false, "write decisions.jsonl")
	return cmd
}

func newEvaluateCmd(g *globalFlags) *cobra.Command {
	var (
		req  causalrl.EvaluateRequest
		goal float64
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Replay a trained agent greedily and write evaluation.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("goal") {
				req.RewardGoal = &goal
			}
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			sum, err := s.client.Evaluate(cmd.Context(), req)
			if err != nil {
				return err
			}
			st := sum.Report.Stats
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "evaluated run_id=%s mode=%s episodes=%d mean_reward=%.6f std_reward=%.6f min_reward=%.6f max_reward=%.6f mean_steps=%.2f done_rate=%.4f truncated_rate=%.4f forced_noops=%d unmasked=%d\n",
				sum.Report.RunID, sum.Report.Mode, st.Episodes, st.MeanReward, st.StdReward, st.MinReward, st.MaxReward,
				st.MeanSteps, st.DoneRate, st.TruncatedRate, st.ForcedNoOps, st.Unmasked)
			if st.RewardGoal != nil {
				fmt.Fprintf(out, "reward_goal=%.6f success_runs=%d success_rate=%.4f\n", *st.RewardGoal, st.SuccessRuns, st.SuccessRate)
			}
			if r := st.Resilience; r != nil {
				fmt.Fprintf(out, "recovery_time=%.2f recovery_rate=%.4f service_level=%.4f service_level_variance=%.6f cost_variance=%.4f resilience_index=%.4f\n",
					r.MeanRecoveryTime, r.RecoveryRate, r.MeanServiceLevel, r.ServiceLevelVariance, r.MeanCostVariance, r.MeanResilienceIndex)
			}
			fmt.Fprintf(out, "evaluation_report=%s\n", filepath.Clean(sum.Path))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.RunID, "run-id", "", "run to evaluate")
	f.BoolVar(&req.Latest, "latest", false, "evaluate the most recent run")
	f.IntVar(&req.Stream, "stream", 0, "stream whose checkpoint is evaluated")
	f.IntVar(&req.Episodes, "episodes", 10, "evaluation episodes")
	f.StringVar(&req.Mode, "mode", "validation", "environment preset: train|validation|benchmark")
	f.Float64Var(&goal, "goal", 0, "total reward an episode must reach to count as a success")
	f.IntVar(&req.Window, "window", 5, "moving-average window of the reward curve")
	return cmd
}

func newExplainCmd(g *globalFlags) *cobra.Command {
	var req causalrl.ExplainRequest
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Explain the predicted outcome effects of an action in a state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			exp, err := s.client.Explain(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "action=%s feasible=%t\n", exp.Action, exp.Feasible)
			for _, name := range sortedKeys(exp.Preconditions) {
				fmt.Fprintf(out, "precondition %s=%s\n", name, exp.Preconditions[name])
			}
			for _, oe := range exp.Outcomes {
				if oe.Failure != nil {
					fmt.Fprintf(out, "outcome=%s unidentified=%q\n", oe.Outcome, oe.Failure.String())
					continue
				}
				fmt.Fprintf(out, "outcome=%s improvement=%+.6f expected_with=%.6f expected_without=%.6f mechanism=%q\n",
					oe.Outcome, oe.Improvement, oe.ExpectedWith, oe.ExpectedWithout, oe.Mechanism)
			}
			fmt.Fprintf(out, "summary=%q\n", exp.Summary)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Action, "action", "", "action name, e.g. increase_safety_stock")
	f.StringToStringVar(&req.State, "state", nil, "discretized state as variable=label pairs")
	f.StringVar(&req.RunID, "run-id", "", "use the beliefs of this run's checkpoint")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func newEffectCmd(g *globalFlags) *cobra.Command {
	var (
		req          causalrl.EffectRequest
		intervention string
	)
	cmd := &cobra.Command{
		Use:   "effect",
		Short: "Query P(outcome | do(variable=value), context)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			variable, value, ok := strings.Cut(intervention, "=")
			if !ok {
				return fmt.Errorf("--do must be variable=value, got %q", intervention)
			}
			req.Variable, req.Value = variable, value
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.client.Effect(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Failure != nil {
				fmt.Fprintf(out, "outcome=%s unidentified=%q\n", res.Outcome, res.Failure.String())
				return nil
			}
			fmt.Fprintf(out, "do=%s=%s outcome=%s adjustment_set=%s\n",
				res.Intervention.Variable, res.Intervention.Value, res.Outcome, strings.Join(res.AdjustmentSet, ","))
			for i, label := range res.Labels {
				fmt.Fprintf(out, "p(%s)=%.6f\n", label, res.Distribution[i])
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&intervention, "do", "", "intervention as variable=value")
	f.StringVar(&req.Outcome, "outcome", "", "outcome variable")
	f.StringToStringVar(&req.Context, "given", nil, "conditioning context as variable=label pairs")
	f.StringVar(&req.RunID, "run-id", "", "use the beliefs of this run's checkpoint")
	_ = cmd.MarkFlagRequired("do")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func newCheckpointCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect stored checkpoints",
	}
	var req causalrl.CheckpointRequest
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize a run's checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			info, err := s.client.Checkpoint(cmd.Context(), req)
			if err != nil {
				return err
			}
			layers := make([]string, len(info.Layers))
			for i, w := range info.Layers {
				layers[i] = fmt.Sprint(w)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint id=%s episode=%d training_step=%d act_steps=%d epsilon=%.6f variables=%d edges=%d tables=%d layers=%s source=%s\n",
				info.RunID, info.Episode, info.TrainingStep, info.ActSteps, info.Epsilon,
				info.Variables, info.Edges, info.Tables, strings.Join(layers, "x"), info.Source)
			return nil
		},
	}
	f := inspect.Flags()
	f.StringVar(&req.RunID, "run-id", "", "run id")
	f.BoolVar(&req.Latest, "latest", false, "inspect the most recent run")
	f.IntVar(&req.Stream, "stream", 0, "stream index")
	cmd.AddCommand(inspect)
	return cmd
}

func newRunsCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.client.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s created_at=%s environment=%s seed=%d streams=%d episodes=%d shaping=%s outcome=%s final_average=%.6f\n",
					e.RunID, e.CreatedAtUTC, e.Environment, e.Seed, e.Streams, e.Episodes, e.Shaping, e.Outcome, e.FinalAverage)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs listed")
	return cmd
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var req causalrl.ExportRequest
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's artifacts into another directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			sum, err := s.client.Export(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s to=%s\n", sum.RunID, sum.Directory)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.RunID, "run-id", "", "run id")
	f.BoolVar(&req.Latest, "latest", false, "export the most recent run")
	f.StringVar(&req.OutDir, "out", "exports", "destination directory")
	return cmd
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
