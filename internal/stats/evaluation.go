package stats

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"causalrl/internal/model"
	"causalrl/internal/nn"
)

const evaluationFile = "evaluation.json"

type EvaluationStats struct {
	Episodes      int      `json:"episodes"`
	MeanReward    float64  `json:"mean_reward"`
	StdReward     float64  `json:"std_reward"`
	MinReward     float64  `json:"min_reward"`
	MaxReward     float64  `json:"max_reward"`
	MeanShaped    float64  `json:"mean_shaped"`
	MeanSteps     float64  `json:"mean_steps"`
	DoneRate      float64  `json:"done_rate"`
	TruncatedRate float64  `json:"truncated_rate"`
	ForcedNoOps   int      `json:"forced_noops"`
	Unmasked      int      `json:"unmasked"`
	RewardGoal    *float64 `json:"reward_goal,omitempty"`
	SuccessRuns   int      `json:"success_runs"`
	SuccessRate   float64  `json:"success_rate"`

	Resilience *ResilienceStats `json:"resilience,omitempty"`
}

type EvaluationReport struct {
	RunID       string          `json:"run_id"`
	Environment string          `json:"environment"`
	Mode        string          `json:"mode,omitempty"`
	GeneratedAt string          `json:"generated_at_utc"`
	Stats       EvaluationStats `json:"stats"`
	Curve       []CurvePoint    `json:"curve"`

	Episodes []model.EpisodeSummary `json:"episodes,omitempty"`
}

// BuildEvaluationStats aggregates evaluation episodes. With a reward goal,
// an episode succeeds when its total reward reaches the goal.
func BuildEvaluationStats(episodes []model.EpisodeSummary, rewardGoal *float64) EvaluationStats {
	result := EvaluationStats{
		Episodes:   len(episodes),
		RewardGoal: cloneFloat64Ptr(rewardGoal),
	}
	if len(episodes) == 0 {
		return result
	}
	rewards := make([]float64, 0, len(episodes))
	shaped := make([]float64, 0, len(episodes))
	steps := make([]float64, 0, len(episodes))
	done, truncated := 0, 0
	for _, ep := range episodes {
		rewards = append(rewards, ep.TotalReward)
		shaped = append(shaped, ep.ShapedReward)
		steps = append(steps, float64(ep.Steps))
		if ep.Done {
			done++
		}
		if ep.Truncated {
			truncated++
		}
		result.ForcedNoOps += ep.ForcedNoOps
		result.Unmasked += ep.Unmasked
		if result.RewardGoal != nil && ep.TotalReward >= *result.RewardGoal {
			result.SuccessRuns++
		}
	}
	n := float64(len(episodes))
	result.MeanReward, _ = nn.Avg(rewards)
	result.StdReward, _ = nn.Std(rewards)
	result.MinReward, result.MaxReward = minMax(rewards)
	result.MeanShaped, _ = nn.Avg(shaped)
	result.MeanSteps, _ = nn.Avg(steps)
	result.DoneRate = float64(done) / n
	result.TruncatedRate = float64(truncated) / n
	if result.RewardGoal != nil {
		result.SuccessRate = float64(result.SuccessRuns) / n
	}
	result.Resilience = buildResilienceStats(episodes)
	return result
}

func WriteEvaluationReport(baseDir string, report EvaluationReport) (string, error) {
	if report.RunID == "" {
		return "", fmt.Errorf("report run id is required")
	}
	runDir := filepath.Join(baseDir, report.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	if report.GeneratedAt == "" {
		report.GeneratedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	path := filepath.Join(runDir, evaluationFile)
	if err := writeJSON(path, report); err != nil {
		return "", err
	}
	return path, nil
}

func ReadEvaluationReport(baseDir, runID string) (EvaluationReport, bool, error) {
	var report EvaluationReport
	ok, err := readJSON(filepath.Join(baseDir, runID, evaluationFile), &report)
	if err != nil || !ok {
		return EvaluationReport{}, ok, err
	}
	return report, true, nil
}

func minMax(values []float64) (float64, float64) {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func cloneFloat64Ptr(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) {
		return nil
	}
	value := *v
	return &value
}
