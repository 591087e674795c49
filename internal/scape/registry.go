package scape

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"causalrl/internal/scapeid"
)

var (
	ErrEnvironmentExists   = errors.New("environment already registered")
	ErrEnvironmentNotFound = errors.New("environment not found")
)

// Factory builds an environment for a run mode with an owned random seed.
type Factory func(mode string, seed int64, logger *slog.Logger) (Environment, error)

var registry = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{
	m: make(map[string]Factory),
}

func init() {
	MustRegister(SupplyChainName, func(mode string, seed int64, logger *slog.Logger) (Environment, error) {
		cfg, err := SupplyChainConfigForMode(mode)
		if err != nil {
			return nil, err
		}
		if seed != 0 {
			cfg.Seed = seed
		}
		cfg.Logger = logger
		return NewSupplyChainScape(cfg)
	})
}

func Register(name string, factory Factory) error {
	key := scapeid.Normalize(name)
	if key == "" {
		return errors.New("environment name is required")
	}
	if factory == nil {
		return fmt.Errorf("environment %s requires a factory", key)
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.m[key]; exists {
		return fmt.Errorf("%w: %s", ErrEnvironmentExists, key)
	}
	registry.m[key] = factory
	return nil
}

func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// New resolves name through alias normalization and builds the environment.
func New(name, mode string, seed int64, logger *slog.Logger) (Environment, error) {
	key := scapeid.Normalize(name)
	registry.mu.RLock()
	factory, ok := registry.m[key]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, name)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return factory(mode, seed, logger)
}

func List() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.m))
	for name := range registry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
