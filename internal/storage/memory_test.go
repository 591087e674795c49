package storage

import (
	"context"
	"errors"
	"testing"

	"causalrl/internal/model"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.SaveRun(ctx, model.RunRecord{VersionedRecord: Version(), RunID: "early"}); err == nil {
		t.Fatal("expected uninitialized store to fail")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	exerciseStore(t, store)
}

func TestMemoryStoreCheckpointIsNotAliased(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	cp := sampleCheckpoint("run-alias")
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp.ValueNetwork.Layers[0].Weights[0][0] = 99
	got, ok, err := store.GetCheckpoint(ctx, "run-alias")
	if err != nil || !ok {
		t.Fatalf("get: ok=%t err=%v", ok, err)
	}
	if got.ValueNetwork.Layers[0].Weights[0][0] != 0.5 {
		t.Fatalf("stored checkpoint aliased caller memory: %v", got.ValueNetwork.Layers[0].Weights)
	}
}

// exerciseStore runs the behavior every backend shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := store.GetCheckpoint(ctx, "absent"); err != nil || ok {
		t.Fatalf("absent checkpoint: ok=%t err=%v", ok, err)
	}

	cp := sampleCheckpoint("run-a")
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	cp.Episode = 20
	cp.TrainingStep = 900
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("overwrite checkpoint: %v", err)
	}
	got, ok, err := store.GetCheckpoint(ctx, "run-a")
	if err != nil || !ok {
		t.Fatalf("get checkpoint: ok=%t err=%v", ok, err)
	}
	if got.Episode != 20 || got.TrainingStep != 900 {
		t.Fatalf("expected latest checkpoint, got episode=%d step=%d", got.Episode, got.TrainingStep)
	}

	stale := sampleCheckpoint("run-stale")
	stale.SchemaVersion = 0
	if err := store.SaveCheckpoint(ctx, stale); err != nil {
		t.Fatalf("save stale checkpoint: %v", err)
	}
	if _, _, err := store.GetCheckpoint(ctx, "run-stale"); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch on load, got %v", err)
	}

	summaries := []model.EpisodeSummary{
		{VersionedRecord: Version(), RunID: "run-a", Episode: 0, TotalReward: 1.5, Steps: 50, Done: true},
		{VersionedRecord: Version(), RunID: "run-a", Episode: 1, TotalReward: 2.5, Steps: 40, Truncated: true},
	}
	if err := store.SaveEpisodeSummaries(ctx, "run-a", summaries); err != nil {
		t.Fatalf("save summaries: %v", err)
	}
	loaded, ok, err := store.GetEpisodeSummaries(ctx, "run-a")
	if err != nil || !ok {
		t.Fatalf("get summaries: ok=%t err=%v", ok, err)
	}
	if len(loaded) != 2 || !loaded[1].Truncated || loaded[0].TotalReward != 1.5 {
		t.Fatalf("unexpected summaries: %+v", loaded)
	}
	if _, ok, err := store.GetEpisodeSummaries(ctx, "absent"); err != nil || ok {
		t.Fatalf("absent summaries: ok=%t err=%v", ok, err)
	}

	for _, run := range []model.RunRecord{
		{VersionedRecord: Version(), RunID: "run-b", CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{VersionedRecord: Version(), RunID: "run-a", CreatedAtUTC: "2026-01-03T00:00:00Z"},
		{VersionedRecord: Version(), RunID: "run-c", CreatedAtUTC: "2026-01-02T00:00:00Z"},
	} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %s: %v", run.RunID, err)
		}
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	order := make([]string, len(runs))
	for i, run := range runs {
		order[i] = run.RunID
	}
	want := []string{"run-a", "run-b", "run-c"}
	if len(order) != len(want) {
		t.Fatalf("runs: got %v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("runs: got %v want %v", order, want)
		}
	}
}
