// Package config loads the run configuration: built-in defaults, then an
// optional YAML file, then CAUSALRL_* environment overrides. The merged tree
// is validated before anything is built from it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"causalrl/internal/agent"
	"causalrl/internal/causal"
	"causalrl/internal/scape"
	"causalrl/internal/scapeid"
	"causalrl/internal/stats"
	"causalrl/internal/storage"
	"causalrl/internal/telemetry"
	"causalrl/internal/training"
)

// EnvPrefix prefixes every environment override, e.g. CAUSALRL_AGENT_GAMMA.
const EnvPrefix = "CAUSALRL_"

type Config struct {
	Run         RunConfig         `yaml:"run" envPrefix:"RUN_"`
	Environment EnvironmentConfig `yaml:"environment" envPrefix:"ENV_"`
	Model       ModelConfig       `yaml:"model" envPrefix:"MODEL_"`
	Agent       AgentConfig       `yaml:"agent" envPrefix:"AGENT_"`
	Training    TrainingConfig    `yaml:"training" envPrefix:"TRAINING_"`
	Storage     StorageConfig     `yaml:"storage" envPrefix:"STORAGE_"`
	Logging     LoggingConfig     `yaml:"logging" envPrefix:"LOG_"`
}

type RunConfig struct {
	// ID names the run. A random UUID is assigned when empty.
	ID           string `yaml:"id" env:"ID"`
	Seed         int64  `yaml:"seed" env:"SEED"`
	Streams      int    `yaml:"streams" env:"STREAMS" validate:"gte=1,lte=64"`
	ArtifactsDir string `yaml:"artifacts_dir" env:"ARTIFACTS_DIR" validate:"required"`
	// TraceDecisions writes one JSON line per decision next to the run
	// artifacts.
	TraceDecisions bool `yaml:"trace_decisions" env:"TRACE_DECISIONS"`
}

type EnvironmentConfig struct {
	Name string `yaml:"name" env:"NAME" validate:"required"`
	Mode string `yaml:"mode" env:"MODE" validate:"oneof=train validation benchmark test gt"`
}

type ModelConfig struct {
	// SpecPath points at an HCL causal model. The built-in healthcare
	// supply chain graph is used when empty.
	SpecPath      string  `yaml:"spec_path" env:"SPEC_PATH"`
	Alpha         float64 `yaml:"alpha" env:"ALPHA" validate:"gt=0"`
	PriorWeight   float64 `yaml:"prior_weight" env:"PRIOR_WEIGHT" validate:"gte=0"`
	ScreenHarmful bool    `yaml:"screen_harmful" env:"SCREEN_HARMFUL"`
	HarmThreshold float64 `yaml:"harm_threshold" env:"HARM_THRESHOLD" validate:"gte=0"`
}

type AgentConfig struct {
	Hidden            []int   `yaml:"hidden" env:"HIDDEN" envSeparator:"," validate:"dive,gt=0"`
	HiddenActivation  string  `yaml:"hidden_activation" env:"HIDDEN_ACTIVATION" validate:"required"`
	LearningRate      float64 `yaml:"learning_rate" env:"LEARNING_RATE" validate:"gt=0"`
	Gamma             float64 `yaml:"gamma" env:"GAMMA" validate:"gte=0,lte=1"`
	MaxGradNorm       float64 `yaml:"max_grad_norm" env:"MAX_GRAD_NORM" validate:"gte=0"`
	EpsilonStart      float64 `yaml:"epsilon_start" env:"EPSILON_START" validate:"gte=0,lte=1"`
	EpsilonFloor      float64 `yaml:"epsilon_floor" env:"EPSILON_FLOOR" validate:"gte=0,ltefield=EpsilonStart"`
	EpsilonDecaySteps int     `yaml:"epsilon_decay_steps" env:"EPSILON_DECAY_STEPS" validate:"gt=0"`
	BufferCapacity    int     `yaml:"buffer_capacity" env:"BUFFER_CAPACITY" validate:"gt=0"`
	TargetSyncEvery   int     `yaml:"target_sync_every" env:"TARGET_SYNC_EVERY" validate:"gt=0"`
	TargetTau         float64 `yaml:"target_tau" env:"TARGET_TAU" validate:"gt=0,lte=1"`
	DisableMasking    bool    `yaml:"disable_masking" env:"DISABLE_MASKING"`
	Shaping           string  `yaml:"shaping" env:"SHAPING" validate:"oneof=blend additive none"`
	BlendLambda       float64 `yaml:"blend_lambda" env:"BLEND_LAMBDA" validate:"gte=0,lte=1"`
	CausalLambda      float64 `yaml:"causal_lambda" env:"CAUSAL_LAMBDA" validate:"gte=0,lte=1"`
	RewardScale       float64 `yaml:"reward_scale" env:"REWARD_SCALE"`
	ShapingOutcome    string  `yaml:"shaping_outcome" env:"SHAPING_OUTCOME"`
}

type TrainingConfig struct {
	MaxEpisodes        int     `yaml:"max_episodes" env:"MAX_EPISODES" validate:"gt=0"`
	MaxStepsPerEpisode int     `yaml:"max_steps_per_episode" env:"MAX_STEPS_PER_EPISODE" validate:"gt=0"`
	TrainEvery         int     `yaml:"train_every" env:"TRAIN_EVERY" validate:"gt=0"`
	BatchSize          int     `yaml:"batch_size" env:"BATCH_SIZE" validate:"gt=0"`
	PlateauWindow      int     `yaml:"plateau_window" env:"PLATEAU_WINDOW" validate:"gt=0"`
	PlateauPatience    int     `yaml:"plateau_patience" env:"PLATEAU_PATIENCE" validate:"gte=0"`
	PlateauMinDelta    float64 `yaml:"plateau_min_delta" env:"PLATEAU_MIN_DELTA" validate:"gte=0"`
	BeliefUpdateEvery  int     `yaml:"belief_update_every" env:"BELIEF_UPDATE_EVERY" validate:"gte=0"`
	CheckpointEvery    int     `yaml:"checkpoint_every" env:"CHECKPOINT_EVERY" validate:"gte=0"`
}

type StorageConfig struct {
	Kind       string `yaml:"kind" env:"KIND" validate:"oneof=memory sqlite"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH" validate:"required_if=Kind sqlite"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=text json"`
}

// Default mirrors the package defaults of agent and training so an empty
// file trains the built-in supply chain environment.
func Default() Config {
	ac := agent.DefaultConfig(1)
	tc := training.DefaultConfig()
	return Config{
		Run: RunConfig{
			Seed:         1,
			Streams:      1,
			ArtifactsDir: "artifacts",
		},
		Environment: EnvironmentConfig{Name: scape.SupplyChainName, Mode: "train"},
		Model: ModelConfig{
			Alpha:         1,
			PriorWeight:   10,
			HarmThreshold: 0.05,
		},
		Agent: AgentConfig{
			Hidden:            ac.Hidden,
			HiddenActivation:  ac.HiddenActivation,
			LearningRate:      ac.LearningRate,
			Gamma:             ac.Gamma,
			MaxGradNorm:       ac.MaxGradNorm,
			EpsilonStart:      ac.EpsilonStart,
			EpsilonFloor:      ac.EpsilonFloor,
			EpsilonDecaySteps: ac.EpsilonDecaySteps,
			BufferCapacity:    ac.BufferCapacity,
			TargetSyncEvery:   ac.TargetSyncEvery,
			TargetTau:         ac.TargetTau,
			Shaping:           string(ac.Shaping),
			BlendLambda:       ac.BlendLambda,
			CausalLambda:      ac.CausalLambda,
			RewardScale:       ac.RewardScale,
		},
		Training: TrainingConfig{
			MaxEpisodes:        tc.MaxEpisodes,
			MaxStepsPerEpisode: tc.MaxStepsPerEpisode,
			TrainEvery:         tc.TrainEvery,
			BatchSize:          tc.BatchSize,
			PlateauWindow:      tc.PlateauWindow,
			PlateauPatience:    tc.PlateauPatience,
			PlateauMinDelta:    tc.PlateauMinDelta,
			BeliefUpdateEvery:  tc.BeliefUpdateEvery,
			CheckpointEvery:    tc.CheckpointEvery,
		},
		Storage: StorageConfig{Kind: "memory"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, nil); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode merges a YAML document into cfg. Unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from CAUSALRL_* variables. A nil environment reads
// the process environment.
func ApplyEnv(cfg *Config, environment map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// FieldError names the offending field by its YAML path, e.g. agent.gamma.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks struct tags first, then the rules that span packages.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fromValidator(verrs[0])
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if !registered(c.Environment.Name) {
		return &FieldError{Field: "environment.name", Reason: fmt.Sprintf("unknown environment %q", c.Environment.Name)}
	}
	// Activation names and the exploration floor are checked by the agent
	// itself; report them under the agent section.
	if err := c.AgentConfig(1).Validate(); err != nil {
		var ce *agent.ConfigError
		if errors.As(err, &ce) {
			return &FieldError{Field: "agent." + ce.Field, Reason: ce.Reason}
		}
		return err
	}
	if err := c.TrainingConfig(0).Validate(); err != nil {
		var ce *training.ConfigError
		if errors.As(err, &ce) {
			return &FieldError{Field: "training." + ce.Field, Reason: ce.Reason}
		}
		return err
	}
	return nil
}

func fromValidator(fe validator.FieldError) *FieldError {
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	reason := "fails " + fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return &FieldError{Field: path, Reason: fmt.Sprintf("%s, got %v", reason, fe.Value())}
}

func registered(name string) bool {
	key := scapeid.Normalize(name)
	for _, n := range scape.List() {
		if n == key {
			return true
		}
	}
	return false
}

// AgentConfig converts the agent section for an environment with the given
// state vector width.
func (c Config) AgentConfig(stateSize int) agent.Config {
	a := c.Agent
	return agent.Config{
		StateSize:         stateSize,
		Hidden:            append([]int(nil), a.Hidden...),
		HiddenActivation:  a.HiddenActivation,
		LearningRate:      a.LearningRate,
		Gamma:             a.Gamma,
		MaxGradNorm:       a.MaxGradNorm,
		EpsilonStart:      a.EpsilonStart,
		EpsilonFloor:      a.EpsilonFloor,
		EpsilonDecaySteps: a.EpsilonDecaySteps,
		BufferCapacity:    a.BufferCapacity,
		TargetSyncEvery:   a.TargetSyncEvery,
		TargetTau:         a.TargetTau,
		DisableMasking:    a.DisableMasking,
		Shaping:           agent.ShapingMode(a.Shaping),
		BlendLambda:       a.BlendLambda,
		CausalLambda:      a.CausalLambda,
		RewardScale:       a.RewardScale,
		ShapingOutcome:    a.ShapingOutcome,
	}
}

func (c Config) TrainingConfig(stream int) training.Config {
	t := c.Training
	return training.Config{
		RunID:              c.Run.ID,
		Stream:             stream,
		MaxEpisodes:        t.MaxEpisodes,
		MaxStepsPerEpisode: t.MaxStepsPerEpisode,
		TrainEvery:         t.TrainEvery,
		BatchSize:          t.BatchSize,
		PlateauWindow:      t.PlateauWindow,
		PlateauPatience:    t.PlateauPatience,
		PlateauMinDelta:    t.PlateauMinDelta,
		BeliefUpdateEvery:  t.BeliefUpdateEvery,
		CheckpointEvery:    t.CheckpointEvery,
	}
}

func (c Config) OracleOptions(logger *slog.Logger) causal.OracleOptions {
	return causal.OracleOptions{
		ScreenHarmful: c.Model.ScreenHarmful,
		HarmThreshold: c.Model.HarmThreshold,
		Logger:        logger,
	}
}

func (c Config) FitOptions(g *causal.Graph) causal.FitOptions {
	opts := causal.DefaultFitOptions(g)
	opts.Alpha = c.Model.Alpha
	opts.PriorWeight = c.Model.PriorWeight
	return opts
}

// Graph loads the configured causal model, or the built-in one.
func (c Config) Graph() (*causal.Graph, error) {
	if c.Model.SpecPath == "" {
		return causal.DefaultModelSpec()
	}
	return causal.LoadModelSpecFile(c.Model.SpecPath)
}

func (c Config) Logger(w io.Writer) *slog.Logger {
	return telemetry.NewLogger(c.Logging.Level, c.Logging.Format, w)
}

// OpenStore builds the configured backend. The caller initializes it.
func (c Config) OpenStore() (storage.Store, error) {
	return storage.NewStore(c.Storage.Kind, c.Storage.SQLitePath)
}

// RunConfig is the artifact record of the resolved configuration for runID.
func (c Config) RunConfig(runID string) stats.RunConfig {
	return stats.RunConfig{
		RunID:              runID,
		Environment:        scapeid.Normalize(c.Environment.Name),
		Mode:               c.Environment.Mode,
		ModelSpec:          c.Model.SpecPath,
		Seed:               c.Run.Seed,
		Streams:            c.Run.Streams,
		MaxEpisodes:        c.Training.MaxEpisodes,
		MaxStepsPerEpisode: c.Training.MaxStepsPerEpisode,
		TrainEvery:         c.Training.TrainEvery,
		BatchSize:          c.Training.BatchSize,
		PlateauWindow:      c.Training.PlateauWindow,
		PlateauPatience:    c.Training.PlateauPatience,
		PlateauMinDelta:    c.Training.PlateauMinDelta,
		BeliefUpdateEvery:  c.Training.BeliefUpdateEvery,
		Hidden:             append([]int(nil), c.Agent.Hidden...),
		LearningRate:       c.Agent.LearningRate,
		Gamma:              c.Agent.Gamma,
		EpsilonStart:       c.Agent.EpsilonStart,
		EpsilonFloor:       c.Agent.EpsilonFloor,
		EpsilonDecaySteps:  c.Agent.EpsilonDecaySteps,
		BufferCapacity:     c.Agent.BufferCapacity,
		TargetSyncEvery:    c.Agent.TargetSyncEvery,
		TargetTau:          c.Agent.TargetTau,
		Shaping:            c.Agent.Shaping,
		BlendLambda:        c.Agent.BlendLambda,
		CausalLambda:       c.Agent.CausalLambda,
		RewardScale:        c.Agent.RewardScale,
		ScreenHarmful:      c.Model.ScreenHarmful,
	}
}
