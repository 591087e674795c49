package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"causalrl/internal/model"
)

const (
	runIndexFile      = "run_index.json"
	configFile        = "config.json"
	episodesFile      = "episodes.json"
	rewardHistoryFile = "reward_history.json"
	episodeSeriesFile = "episodes.csv"
)

type RunConfig struct {
	RunID              string  `json:"run_id"`
	Environment        string  `json:"environment"`
	Mode               string  `json:"mode,omitempty"`
	ModelSpec          string  `json:"model_spec,omitempty"`
	Seed               int64   `json:"seed"`
	Streams            int     `json:"streams"`
	MaxEpisodes        int     `json:"max_episodes"`
	MaxStepsPerEpisode int     `json:"max_steps_per_episode"`
	TrainEvery         int     `json:"train_every"`
	BatchSize          int     `json:"batch_size"`
	PlateauWindow      int     `json:"plateau_window"`
	PlateauPatience    int     `json:"plateau_patience"`
	PlateauMinDelta    float64 `json:"plateau_min_delta"`
	BeliefUpdateEvery  int     `json:"belief_update_every"`
	Hidden             []int   `json:"hidden"`
	LearningRate       float64 `json:"learning_rate"`
	Gamma              float64 `json:"gamma"`
	EpsilonStart       float64 `json:"epsilon_start"`
	EpsilonFloor       float64 `json:"epsilon_floor"`
	EpsilonDecaySteps  int     `json:"epsilon_decay_steps"`
	BufferCapacity     int     `json:"buffer_capacity"`
	TargetSyncEvery    int     `json:"target_sync_every"`
	TargetTau          float64 `json:"target_tau"`
	Shaping            string  `json:"shaping"`
	BlendLambda        float64 `json:"blend_lambda"`
	CausalLambda       float64 `json:"causal_lambda"`
	RewardScale        float64 `json:"reward_scale"`
	ScreenHarmful      bool    `json:"screen_harmful"`
}

type RunArtifacts struct {
	Config       RunConfig              `json:"config"`
	Episodes     []model.EpisodeSummary `json:"episodes"`
	Outcome      string                 `json:"outcome"`
	FinalAverage float64                `json:"final_average"`
}

// RewardHistory is the per-episode reward record written next to the
// episode summaries, one entry per stream.
type RewardHistory struct {
	TotalByStream  [][]float64  `json:"total_by_stream"`
	ShapedByStream [][]float64  `json:"shaped_by_stream"`
	Average        []CurvePoint `json:"average"`
	FinalAverage   float64      `json:"final_average"`
	Outcome        string       `json:"outcome"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Environment  string  `json:"environment"`
	Seed         int64   `json:"seed"`
	Streams      int     `json:"streams"`
	Episodes     int     `json:"episodes"`
	Shaping      string  `json:"shaping"`
	Outcome      string  `json:"outcome"`
	FinalAverage float64 `json:"final_average"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	episodes := artifacts.Episodes
	if episodes == nil {
		episodes = []model.EpisodeSummary{}
	}
	if err := writeJSON(filepath.Join(runDir, episodesFile), episodes); err != nil {
		return "", err
	}
	total := StreamSeries(episodes, func(s model.EpisodeSummary) float64 { return s.TotalReward })
	history := RewardHistory{
		TotalByStream:  total,
		ShapedByStream: StreamSeries(episodes, func(s model.EpisodeSummary) float64 { return s.ShapedReward }),
		Average:        AverageCurve(total),
		FinalAverage:   artifacts.FinalAverage,
		Outcome:        artifacts.Outcome,
	}
	if err := writeJSON(filepath.Join(runDir, rewardHistoryFile), history); err != nil {
		return "", err
	}
	if err := WriteEpisodeSeries(runDir, episodes); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Later appends win ties.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory into outDir. Checkpoints, the
// evaluation report and the decision trace are copied when present.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, episodesFile, rewardHistoryFile, episodeSeriesFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	checkpoints, err := filepath.Glob(filepath.Join(src, "checkpoint*.json"))
	if err != nil {
		return "", err
	}
	for _, path := range checkpoints {
		if err := copyFile(path, filepath.Join(dst, filepath.Base(path))); err != nil {
			return "", err
		}
	}
	for _, file := range []string{evaluationFile, decisionTraceFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}

	return dst, nil
}

// CheckpointPath is where a stream's final checkpoint is written next to the
// run artifacts.
func CheckpointPath(baseDir, runID string, stream int) string {
	name := "checkpoint.json"
	if stream > 0 {
		name = fmt.Sprintf("checkpoint-%d.json", stream)
	}
	return filepath.Join(baseDir, runID, name)
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	if err != nil || !ok {
		return RunConfig{}, ok, err
	}
	return cfg, true, nil
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = runID
	}
	if cfg.RunID != runID {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, runID)
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

func ReadEpisodes(baseDir, runID string) ([]model.EpisodeSummary, bool, error) {
	var episodes []model.EpisodeSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, episodesFile), &episodes)
	if err != nil || !ok {
		return nil, ok, err
	}
	return episodes, true, nil
}

func ReadRewardHistory(baseDir, runID string) (RewardHistory, bool, error) {
	var history RewardHistory
	ok, err := readJSON(filepath.Join(baseDir, runID, rewardHistoryFile), &history)
	if err != nil || !ok {
		return RewardHistory{}, ok, err
	}
	return history, true, nil
}

var episodeSeriesHeader = []string{
	"stream", "episode", "total_reward", "shaped_reward", "steps",
	"done", "truncated", "epsilon", "mean_loss", "forced_noops", "unmasked",
}

// WriteEpisodeSeries writes one CSV row per episode summary.
func WriteEpisodeSeries(runDir string, episodes []model.EpisodeSummary) error {
	file, err := os.Create(filepath.Join(runDir, episodeSeriesFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(episodeSeriesHeader); err != nil {
		return err
	}
	for _, ep := range episodes {
		if err := writer.Write([]string{
			strconv.Itoa(ep.Stream),
			strconv.Itoa(ep.Episode),
			formatFloat(ep.TotalReward),
			formatFloat(ep.ShapedReward),
			strconv.Itoa(ep.Steps),
			strconv.FormatBool(ep.Done),
			strconv.FormatBool(ep.Truncated),
			formatFloat(ep.Epsilon),
			formatFloat(ep.MeanLoss),
			strconv.Itoa(ep.ForcedNoOps),
			strconv.Itoa(ep.Unmasked),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadEpisodeSeries reads one column of episodes.csv by header name, in
// row order.
func ReadEpisodeSeries(baseDir, runID, column string) ([]float64, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, episodeSeriesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	col := -1
	for i, name := range header {
		if name == column {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, false, fmt.Errorf("episode series has no %q column", column)
	}

	series := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) <= col {
			return nil, false, fmt.Errorf("episode series row has %d columns, want at least %d", len(record), col+1)
		}
		value, err := strconv.ParseFloat(record[col], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
