package stats

import (
	"math"
	"testing"

	"causalrl/internal/model"
)

func flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestResilienceRecoversAfterDisruption(t *testing.T) {
	r := Resilience(Trajectory{
		ServiceLevels: []float64{0.95, 0.9, 0.7, 0.6, 0.8, 0.91},
		Costs:         flat(6, 100),
		Inventory:     flat(6, 0.5),
	})
	if r == nil {
		t.Fatal("expected resilience scores")
	}
	if !r.Recovered || r.RecoveryTime != 3 {
		t.Fatalf("recovery: got recovered=%t time=%d", r.Recovered, r.RecoveryTime)
	}
	if math.Abs(r.MeanServiceLevel-0.81) > 1e-9 {
		t.Fatalf("mean service level: got %f", r.MeanServiceLevel)
	}
	if r.ServiceLevelVariance <= 0 {
		t.Fatalf("expected positive service level variance, got %f", r.ServiceLevelVariance)
	}
	if r.CostVariance != 0 {
		t.Fatalf("planned costs should give zero cost variance, got %f", r.CostVariance)
	}
	want := (0.81*0.5 + 0.7*0.3 + 1*0.2) / 0.82
	if math.Abs(r.ResilienceIndex-want) > 1e-9 {
		t.Fatalf("resilience index: got %f want %f", r.ResilienceIndex, want)
	}
}

func TestResilienceWithoutRecovery(t *testing.T) {
	r := Resilience(Trajectory{
		ServiceLevels: []float64{0.95, 0.7, 0.6},
		Costs:         []float64{100, 150, 150},
	})
	if r.Recovered || r.RecoveryTime != 2 {
		t.Fatalf("recovery: got recovered=%t time=%d", r.Recovered, r.RecoveryTime)
	}
	if math.Abs(r.CostVariance-(400.0-300.0)/300.0) > 1e-9 {
		t.Fatalf("cost variance: got %f", r.CostVariance)
	}

	if Resilience(Trajectory{}) != nil {
		t.Fatal("empty trajectory should not be scored")
	}
}

func TestTrajectoryObserveSkipsMissingReadings(t *testing.T) {
	var tr Trajectory
	tr.Observe(map[string]any{"service_level": 0.9, "cost": 120.0, "inventory_level": 0.4})
	tr.Observe(map[string]any{"service_level": "high", "cost": 100})
	tr.Observe(nil)
	if len(tr.ServiceLevels) != 1 || len(tr.Costs) != 2 || len(tr.Inventory) != 1 {
		t.Fatalf("unexpected trajectory: %+v", tr)
	}
}

func TestBuildEvaluationStatsAveragesResilience(t *testing.T) {
	episodes := sampleEpisodes()
	episodes[0].Resilience = &model.Resilience{RecoveryTime: 4, Recovered: true, MeanServiceLevel: 0.9, CostVariance: 0.2, ResilienceIndex: 1.1}
	episodes[1].Resilience = &model.Resilience{RecoveryTime: 8, MeanServiceLevel: 0.7, CostVariance: 0.4, ResilienceIndex: 0.9}

	got := BuildEvaluationStats(episodes, nil).Resilience
	if got == nil || got.Episodes != 2 {
		t.Fatalf("expected two scored episodes: %+v", got)
	}
	if got.MeanRecoveryTime != 6 || got.RecoveryRate != 0.5 {
		t.Fatalf("recovery aggregates: %+v", got)
	}
	if math.Abs(got.MeanResilienceIndex-1) > 1e-9 || math.Abs(got.MeanCostVariance-0.3) > 1e-9 {
		t.Fatalf("score aggregates: %+v", got)
	}

	if BuildEvaluationStats(sampleEpisodes(), nil).Resilience != nil {
		t.Fatal("episodes without readings should leave resilience empty")
	}
}
