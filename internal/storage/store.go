package storage

import (
	"context"

	"causalrl/internal/model"
)

// Store persists training checkpoints, episode summaries and run records.
// Records carry a schema and codec version; reading one written by a
// different version fails with ErrVersionMismatch.
type Store interface {
	Init(ctx context.Context) error
	// SaveCheckpoint replaces the latest checkpoint of cp.RunID.
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error)
	// SaveEpisodeSummaries replaces the stored summaries of runID.
	SaveEpisodeSummaries(ctx context.Context, runID string, summaries []model.EpisodeSummary) error
	GetEpisodeSummaries(ctx context.Context, runID string) ([]model.EpisodeSummary, bool, error)
	SaveRun(ctx context.Context, run model.RunRecord) error
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
}
