package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// State is one point-in-time assignment carried in two parallel forms: the
// full-precision feature vector consumed by the value function and the
// discretized variable assignment consumed by the causal oracle.
type State struct {
	Vector   []float64         `json:"vector"`
	Discrete map[string]string `json:"discrete"`
}

// Value returns the discretized label for variable, or def when the state
// carries no assignment for it.
func (s State) Value(variable, def string) string {
	if v, ok := s.Discrete[variable]; ok && v != "" {
		return v
	}
	return def
}

// Clone returns a deep copy so episode-scoped states can be folded into the
// replay buffer without aliasing.
func (s State) Clone() State {
	out := State{
		Vector:   append([]float64(nil), s.Vector...),
		Discrete: make(map[string]string, len(s.Discrete)),
	}
	for k, v := range s.Discrete {
		out.Discrete[k] = v
	}
	return out
}

type Transition struct {
	State        State   `json:"state"`
	Action       int     `json:"action"`
	RawReward    float64 `json:"raw_reward"`
	ShapedReward float64 `json:"shaped_reward"`
	CausalEffect float64 `json:"causal_effect"`
	NextState    State   `json:"next_state"`
	Done         bool    `json:"done"`
}

type EpisodeSummary struct {
	VersionedRecord
	RunID        string  `json:"run_id"`
	Stream       int     `json:"stream"`
	Episode      int     `json:"episode"`
	TotalReward  float64 `json:"total_reward"`
	ShapedReward float64 `json:"shaped_reward"`
	Steps        int     `json:"steps"`
	Truncated    bool    `json:"truncated"`
	Done         bool    `json:"done"`
	Cancelled    bool    `json:"cancelled,omitempty"`
	MeanLoss     float64 `json:"mean_loss"`
	TrainSteps   int     `json:"train_steps"`
	Epsilon      float64 `json:"epsilon"`
	ForcedNoOps  int     `json:"forced_noops"`
	Unmasked     int     `json:"unmasked"`
	Explored     int     `json:"explored"`

	Resilience *Resilience `json:"resilience,omitempty"`
}

// Resilience scores one episode's trajectory against the pre-disruption
// service and cost baselines.
type Resilience struct {
	RecoveryTime         int     `json:"recovery_time"`
	Recovered            bool    `json:"recovered"`
	MeanServiceLevel     float64 `json:"mean_service_level"`
	ServiceLevelVariance float64 `json:"service_level_variance"`
	CostVariance         float64 `json:"cost_variance"`
	ResilienceIndex      float64 `json:"resilience_index"`
}

type LayerWeights struct {
	Activation string      `json:"activation"`
	Weights    [][]float64 `json:"weights"`
	Biases     []float64   `json:"biases"`
}

type NetworkWeights struct {
	Inputs int            `json:"inputs"`
	Layers []LayerWeights `json:"layers"`
}

type VariableSpec struct {
	Name           string   `json:"name"`
	Domain         []string `json:"domain"`
	Role           string   `json:"role"`
	HigherIsBetter bool     `json:"higher_is_better,omitempty"`
	Latent         bool     `json:"latent,omitempty"`
	Baseline       float64  `json:"baseline,omitempty"`
	Description    string   `json:"description,omitempty"`
}

type EdgeSpec struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Strength  float64 `json:"strength"`
	Sign      int     `json:"sign"`
	Mechanism string  `json:"mechanism,omitempty"`
}

type GraphSpec struct {
	Variables []VariableSpec `json:"variables"`
	Edges     []EdgeSpec     `json:"edges"`
}

type CPTRecord struct {
	Variable string      `json:"variable"`
	Parents  []string    `json:"parents"`
	Counts   [][]float64 `json:"counts"`
}

// Checkpoint is the minimal persisted training state. Loading a record whose
// schema or codec version differs from the running binary must fail.
type Checkpoint struct {
	VersionedRecord
	RunID         string         `json:"run_id"`
	Episode       int            `json:"episode"`
	GraphSpec     GraphSpec      `json:"graph_spec"`
	CPTs          []CPTRecord    `json:"cpts"`
	ValueNetwork  NetworkWeights `json:"value_network"`
	TargetNetwork NetworkWeights `json:"target_network"`
	TrainingStep  int            `json:"training_step"`
	ActSteps      int            `json:"act_steps"`
	Epsilon       float64        `json:"epsilon"`
}

type RunRecord struct {
	VersionedRecord
	RunID        string  `json:"run_id"`
	Environment  string  `json:"environment"`
	Seed         int64   `json:"seed"`
	Episodes     int     `json:"episodes"`
	Outcome      string  `json:"outcome"`
	FinalAverage float64 `json:"final_average"`
	CreatedAtUTC string  `json:"created_at_utc"`
}
