package stats

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"causalrl/internal/model"
)

// Baselines for the resilience scores. Service level and planned cost are
// the simulator's steady state; the composite baseline weighs an 0.88
// service level, unit cost efficiency and an inventory turnover of 8.
const (
	BaselineServiceLevel = 0.95
	PlannedCostPerStep   = 100.0

	disruptedFraction = 0.8
	recoveredFraction = 0.95

	referenceCost     = 70.0
	turnoverNorm      = 12.0
	baselineComposite = 0.88*0.5 + 1.0*0.3 + (8.0/20.0)*0.2
)

// Trajectory collects the per-step domain readings an environment reports
// in its step info.
type Trajectory struct {
	ServiceLevels []float64
	Costs         []float64
	Inventory     []float64
}

// Observe appends the service_level, cost and inventory_level readings
// found in info. Missing or non-numeric keys are skipped.
func (t *Trajectory) Observe(info map[string]any) {
	if v, ok := infoFloat(info, "service_level"); ok {
		t.ServiceLevels = append(t.ServiceLevels, v)
	}
	if v, ok := infoFloat(info, "cost"); ok {
		t.Costs = append(t.Costs, v)
	}
	if v, ok := infoFloat(info, "inventory_level"); ok {
		t.Inventory = append(t.Inventory, v)
	}
}

func (t *Trajectory) Empty() bool { return len(t.ServiceLevels) == 0 }

func infoFloat(info map[string]any, key string) (float64, bool) {
	switch v := info[key].(type) {
	case float64:
		return v, !math.IsNaN(v)
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Resilience scores a trajectory. The disruption starts at the first later
// step whose service level falls below 80% of baseline, or at step zero when
// none does. Recovery is the first step from there back at 95% of baseline;
// an episode that never recovers reports the steps left after the start.
func Resilience(t Trajectory) *model.Resilience {
	if t.Empty() {
		return nil
	}
	out := &model.Resilience{}
	sl := t.ServiceLevels

	start := 0
	for i := 1; i < len(sl); i++ {
		if sl[i] < BaselineServiceLevel*disruptedFraction {
			start = i
			break
		}
	}
	out.RecoveryTime = len(sl) - start
	for i := start; i < len(sl); i++ {
		if sl[i] >= BaselineServiceLevel*recoveredFraction {
			out.RecoveryTime, out.Recovered = i-start, true
			break
		}
	}

	out.MeanServiceLevel, out.ServiceLevelVariance = stat.PopMeanVariance(sl, nil)

	costEfficiency := 1.0
	if len(t.Costs) > 0 {
		planned := PlannedCostPerStep * float64(len(t.Costs))
		total := floats.Sum(t.Costs)
		out.CostVariance = (total - planned) / planned
		if mean := total / float64(len(t.Costs)); mean > 0 {
			costEfficiency = referenceCost / mean
		} else {
			costEfficiency = 0
		}
	}

	inventoryEfficiency := 0.5
	if len(t.Inventory) > 0 && len(t.Costs) > 0 {
		inventoryEfficiency = 0
		if avg := stat.Mean(t.Inventory, nil); avg > 0 {
			inventoryEfficiency = math.Min(1, floats.Sum(t.Costs)/avg/turnoverNorm)
		}
	}

	composite := out.MeanServiceLevel*0.5 + costEfficiency*0.3 + inventoryEfficiency*0.2
	out.ResilienceIndex = composite / baselineComposite
	return out
}

// ResilienceStats averages the episode scores of an evaluation.
type ResilienceStats struct {
	Episodes             int     `json:"episodes"`
	MeanRecoveryTime     float64 `json:"mean_recovery_time"`
	RecoveryRate         float64 `json:"recovery_rate"`
	MeanServiceLevel     float64 `json:"mean_service_level"`
	ServiceLevelVariance float64 `json:"service_level_variance"`
	MeanCostVariance     float64 `json:"mean_cost_variance"`
	MeanResilienceIndex  float64 `json:"mean_resilience_index"`
}

func buildResilienceStats(episodes []model.EpisodeSummary) *ResilienceStats {
	var recovery, service, variance, cost, index []float64
	recovered := 0
	for _, ep := range episodes {
		r := ep.Resilience
		if r == nil {
			continue
		}
		recovery = append(recovery, float64(r.RecoveryTime))
		service = append(service, r.MeanServiceLevel)
		variance = append(variance, r.ServiceLevelVariance)
		cost = append(cost, r.CostVariance)
		index = append(index, r.ResilienceIndex)
		if r.Recovered {
			recovered++
		}
	}
	if len(recovery) == 0 {
		return nil
	}
	return &ResilienceStats{
		Episodes:             len(recovery),
		MeanRecoveryTime:     stat.Mean(recovery, nil),
		RecoveryRate:         float64(recovered) / float64(len(recovery)),
		MeanServiceLevel:     stat.Mean(service, nil),
		ServiceLevelVariance: stat.Mean(variance, nil),
		MeanCostVariance:     stat.Mean(cost, nil),
		MeanResilienceIndex:  stat.Mean(index, nil),
	}
}
