package stats

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const decisionTraceFile = "decisions.jsonl"

// DecisionRecord is one line of a decision trace.
type DecisionRecord struct {
	Stream       int       `json:"stream"`
	Episode      int       `json:"episode"`
	Step         int       `json:"step"`
	Action       string    `json:"action"`
	Feasible     []string  `json:"feasible"`
	Values       []float64 `json:"values,omitempty"`
	Epsilon      float64   `json:"epsilon"`
	Explored     bool      `json:"explored,omitempty"`
	ForcedNoOp   bool      `json:"forced_noop,omitempty"`
	Unmasked     bool      `json:"unmasked,omitempty"`
	Failure      string    `json:"failure,omitempty"`
	RawReward    float64   `json:"raw_reward"`
	ShapedReward float64   `json:"shaped_reward"`
	CausalEffect float64   `json:"causal_effect"`
}

// DecisionTrace appends records as JSON lines. Streams running in parallel
// may share one trace.
type DecisionTrace struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// DecisionTracePath is where a run's trace lives under baseDir.
func DecisionTracePath(baseDir, runID string) string {
	return filepath.Join(baseDir, runID, decisionTraceFile)
}

func CreateDecisionTrace(path string) (*DecisionTrace, error) {
	if path == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &DecisionTrace{file: file, w: bufio.NewWriter(file)}, nil
}

func (t *DecisionTrace) Record(rec DecisionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		return err
	}
	return t.w.WriteByte('\n')
}

func (t *DecisionTrace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.w.Flush(); err != nil {
		t.file.Close()
		return err
	}
	return t.file.Close()
}

// ReadDecisionTrace loads every record of a trace file.
func ReadDecisionTrace(path string) ([]DecisionRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []DecisionRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec DecisionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decision trace line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
