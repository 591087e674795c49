package training

import "fmt"

type Config struct {
	// RunID names the run in storage and artifacts. A random UUID is used
	// when empty.
	RunID  string
	Stream int

	MaxEpisodes        int
	MaxStepsPerEpisode int
	TrainEvery         int
	BatchSize          int

	// Plateau detection: stop once the rolling mean of shaped episode reward
	// over PlateauWindow episodes fails to improve by PlateauMinDelta for
	// PlateauPatience consecutive episodes. Zero patience disables it.
	PlateauWindow   int
	PlateauPatience int
	PlateauMinDelta float64

	// BeliefUpdateEvery folds the collected evidence into the probability
	// store after every N episodes. Zero disables belief updates.
	BeliefUpdateEvery int
	// CheckpointEvery saves a checkpoint after every N episodes when a store
	// is configured. A final checkpoint is always written.
	CheckpointEvery int
}

func DefaultConfig() Config {
	return Config{
		MaxEpisodes:        100,
		MaxStepsPerEpisode: 200,
		TrainEvery:         4,
		BatchSize:          32,
		PlateauWindow:      20,
		PlateauPatience:    10,
		PlateauMinDelta:    0.01,
		BeliefUpdateEvery:  10,
		CheckpointEvery:    25,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Stream < 0:
		return fieldErr("stream", "must not be negative, got %d", c.Stream)
	case c.MaxEpisodes <= 0:
		return fieldErr("max_episodes", "must be positive, got %d", c.MaxEpisodes)
	case c.MaxStepsPerEpisode <= 0:
		return fieldErr("max_steps_per_episode", "must be positive, got %d", c.MaxStepsPerEpisode)
	case c.TrainEvery <= 0:
		return fieldErr("train_every", "must be positive, got %d", c.TrainEvery)
	case c.BatchSize <= 0:
		return fieldErr("batch_size", "must be positive, got %d", c.BatchSize)
	case c.PlateauWindow <= 0:
		return fieldErr("plateau_window", "must be positive, got %d", c.PlateauWindow)
	case c.PlateauPatience < 0:
		return fieldErr("plateau_patience", "must not be negative, got %d", c.PlateauPatience)
	case c.PlateauMinDelta < 0:
		return fieldErr("plateau_min_delta", "must not be negative, got %g", c.PlateauMinDelta)
	case c.BeliefUpdateEvery < 0:
		return fieldErr("belief_update_every", "must not be negative, got %d", c.BeliefUpdateEvery)
	case c.CheckpointEvery < 0:
		return fieldErr("checkpoint_every", "must not be negative, got %d", c.CheckpointEvery)
	}
	return nil
}

// ConfigError names the offending configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid training config: %s %s", e.Field, e.Reason)
}

func fieldErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
