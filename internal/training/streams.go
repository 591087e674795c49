package training

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// StreamFactory builds the trainer for one stream. Each stream must own its
// environment, learner and random source.
type StreamFactory func(stream int) (*Trainer, error)

// RunStreams trains n independent streams in parallel. Trainers are built
// sequentially before any stream starts. The first stream to fail cancels
// the others; reports of every stream are returned either way.
func RunStreams(ctx context.Context, n int, factory StreamFactory) ([]Report, error) {
	if n <= 0 {
		return nil, fmt.Errorf("stream count must be positive, got %d", n)
	}
	if factory == nil {
		return nil, fmt.Errorf("stream factory is required")
	}
	trainers := make([]*Trainer, n)
	for i := range trainers {
		t, err := factory(i)
		if err != nil {
			return nil, fmt.Errorf("build stream %d: %w", i, err)
		}
		if t.cfg.Stream != i {
			return nil, fmt.Errorf("stream %d trainer reports stream %d", i, t.cfg.Stream)
		}
		trainers[i] = t
	}

	reports := make([]Report, n)
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range trainers {
		g.Go(func() error {
			rep, err := t.Run(gctx)
			reports[i] = rep
			if err != nil {
				return fmt.Errorf("stream %d: %w", i, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return reports, err
}
