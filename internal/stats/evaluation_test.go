package stats

import (
	"math"
	"testing"

	"causalrl/internal/model"
)

func TestBuildEvaluationStats(t *testing.T) {
	goal := 2.5
	stats := BuildEvaluationStats(sampleEpisodes(), &goal)

	if stats.Episodes != 4 {
		t.Fatalf("episodes: got %d", stats.Episodes)
	}
	if stats.MeanReward != 2.75 {
		t.Fatalf("mean reward: got %f want 2.75", stats.MeanReward)
	}
	if stats.MinReward != 1 || stats.MaxReward != 5 {
		t.Fatalf("min/max: got %f/%f", stats.MinReward, stats.MaxReward)
	}
	wantStd := math.Sqrt((1.75*1.75 + 0.75*0.75 + 0.25*0.25 + 2.25*2.25) / 4)
	if math.Abs(stats.StdReward-wantStd) > 1e-9 {
		t.Fatalf("std reward: got %f want %f", stats.StdReward, wantStd)
	}
	if stats.MeanSteps != 47.5 {
		t.Fatalf("mean steps: got %f", stats.MeanSteps)
	}
	if stats.DoneRate != 0.75 || stats.TruncatedRate != 0.25 {
		t.Fatalf("done/truncated rates: got %f/%f", stats.DoneRate, stats.TruncatedRate)
	}
	if stats.ForcedNoOps != 2 || stats.Unmasked != 1 {
		t.Fatalf("decision counters: got forced=%d unmasked=%d", stats.ForcedNoOps, stats.Unmasked)
	}
	if stats.SuccessRuns != 2 || stats.SuccessRate != 0.5 {
		t.Fatalf("success accounting: %+v", stats)
	}
	goal = 100
	if *stats.RewardGoal != 2.5 {
		t.Fatal("reward goal should be copied, not aliased")
	}
}

func TestBuildEvaluationStatsWithoutGoal(t *testing.T) {
	stats := BuildEvaluationStats(sampleEpisodes(), nil)
	if stats.RewardGoal != nil || stats.SuccessRate != 0 {
		t.Fatalf("expected no success accounting without a goal: %+v", stats)
	}
	empty := BuildEvaluationStats(nil, nil)
	if empty.Episodes != 0 || empty.MeanReward != 0 {
		t.Fatalf("expected zero stats for no episodes: %+v", empty)
	}
}

func TestEvaluationReportRoundTrip(t *testing.T) {
	baseDir := t.TempDir()
	if _, err := WriteEvaluationReport(baseDir, EvaluationReport{}); err == nil {
		t.Fatal("expected missing run id error")
	}
	if _, ok, err := ReadEvaluationReport(baseDir, "run-eval"); err != nil || ok {
		t.Fatalf("expected missing report; ok=%t err=%v", ok, err)
	}

	episodes := []model.EpisodeSummary{{TotalReward: 1}, {TotalReward: 3}}
	report := EvaluationReport{
		RunID:       "run-eval",
		Environment: "supply-chain",
		Mode:        "benchmark",
		Stats:       BuildEvaluationStats(episodes, nil),
		Curve:       MovingAverage([]float64{1, 3}, 2),
	}
	if _, err := WriteEvaluationReport(baseDir, report); err != nil {
		t.Fatalf("write report: %v", err)
	}
	got, ok, err := ReadEvaluationReport(baseDir, "run-eval")
	if err != nil || !ok {
		t.Fatalf("read report: ok=%t err=%v", ok, err)
	}
	if got.GeneratedAt == "" {
		t.Fatal("expected generated timestamp to be filled in")
	}
	if got.Stats.MeanReward != 2 || len(got.Curve) != 2 || got.Curve[1].Value != 2 {
		t.Fatalf("unexpected report: %+v", got)
	}
}
