package causal

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"causalrl/internal/model"
)

// Observation is a partial assignment of variable names to domain labels.
type Observation map[string]string

const (
	priorKernelWidth = 0.2
	rowSumTolerance  = 1e-6
)

// FitOptions controls CPT estimation. Each row starts from Alpha pseudo-counts
// per value plus PriorWeight times the prior row, then adds observed counts.
type FitOptions struct {
	Alpha       float64
	Priors      map[string][][]float64
	PriorWeight float64
}

// DefaultFitOptions uses Laplace smoothing and the graph's expert priors.
func DefaultFitOptions(g *Graph) FitOptions {
	return FitOptions{
		Alpha:       1,
		Priors:      ExpertPriors(g),
		PriorWeight: 10,
	}
}

// Store holds one conditional probability table per variable, kept as
// Dirichlet pseudo-counts so belief updates stay incremental.
type Store struct {
	graph *Graph

	mu     sync.RWMutex
	counts [][][]float64
	probs  [][][]float64
	fitted bool
	// open counts episodes in progress. Belief updates require it to be zero.
	open int
}

func NewStore(g *Graph) *Store {
	return &Store{graph: g}
}

func (s *Store) Graph() *Graph { return s.graph }

func (s *Store) Fitted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fitted
}

// Fit replaces every CPT with estimates from observations.
func (s *Store) Fit(observations []Observation, opts FitOptions) error {
	if opts.Alpha < 0 || opts.PriorWeight < 0 {
		return fmt.Errorf("fit options must be non-negative: alpha=%f prior_weight=%f", opts.Alpha, opts.PriorWeight)
	}
	if opts.Alpha == 0 && (opts.PriorWeight == 0 || opts.Priors == nil) {
		return fmt.Errorf("fit requires alpha > 0 or weighted priors so every row is defined")
	}

	g := s.graph
	counts := make([][][]float64, g.Len())
	for v := range g.vars {
		rows := s.rowCount(v)
		card := g.cardinality(v)
		prior := opts.Priors[g.vars[v].Name]
		if prior != nil && len(prior) != rows {
			return structuralf([]string{g.vars[v].Name}, "prior has %d rows, want %d", len(prior), rows)
		}
		counts[v] = make([][]float64, rows)
		for r := range counts[v] {
			row := make([]float64, card)
			for k := range row {
				row[k] = opts.Alpha
				if prior != nil {
					if len(prior[r]) != card {
						return structuralf([]string{g.vars[v].Name}, "prior row %d has %d values, want %d", r, len(prior[r]), card)
					}
					row[k] += opts.PriorWeight * prior[r][k]
				}
			}
			counts[v][r] = row
		}
	}
	if err := s.accumulate(counts, observations); err != nil {
		return err
	}
	probs, err := normalizeCounts(g, counts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open > 0 {
		return ErrBeliefUpdateMidEpisode
	}
	s.counts = counts
	s.probs = probs
	s.fitted = true
	return nil
}

// UpdateBeliefs folds new observations into the existing pseudo-counts. It is
// rejected while any episode is open.
func (s *Store) UpdateBeliefs(observations []Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open > 0 {
		return ErrBeliefUpdateMidEpisode
	}
	if !s.fitted {
		return ErrNotFitted
	}
	counts := cloneCounts(s.counts)
	if err := s.accumulate(counts, observations); err != nil {
		return err
	}
	probs, err := normalizeCounts(s.graph, counts)
	if err != nil {
		return err
	}
	s.counts = counts
	s.probs = probs
	return nil
}

// Freeze marks an episode as open; Thaw closes it.
func (s *Store) Freeze() {
	s.mu.Lock()
	s.open++
	s.mu.Unlock()
}

func (s *Store) Thaw() {
	s.mu.Lock()
	if s.open > 0 {
		s.open--
	}
	s.mu.Unlock()
}

func (s *Store) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open > 0
}

// Validate checks every CPT row is a probability distribution.
func (s *Store) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.fitted {
		return ErrNotFitted
	}
	return validateProbs(s.graph, s.probs)
}

// Distribution returns P(variable | parents) for a full parent assignment.
func (s *Store) Distribution(variable string, parents Observation) ([]float64, error) {
	g := s.graph
	v, ok := g.index[variable]
	if !ok {
		return nil, structuralf([]string{variable}, "unknown variable")
	}
	assign := make(map[int]int, len(g.parents[v]))
	for _, p := range g.parents[v] {
		name := g.vars[p].Name
		label, ok := parents[name]
		if !ok {
			return nil, structuralf([]string{name}, "missing parent value for %s", variable)
		}
		idx, err := g.ValueIndex(name, label)
		if err != nil {
			return nil, err
		}
		assign[p] = idx
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.fitted {
		return nil, ErrNotFitted
	}
	return slices.Clone(s.probs[v][s.rowIndex(v, assign)]), nil
}

// Records exports the pseudo-counts for checkpointing.
func (s *Store) Records() []model.CPTRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CPTRecord, 0, s.graph.Len())
	if !s.fitted {
		return out
	}
	for v, variable := range s.graph.vars {
		out = append(out, model.CPTRecord{
			Variable: variable.Name,
			Parents:  s.graph.names(s.graph.parents[v]),
			Counts:   cloneRows(s.counts[v]),
		})
	}
	return out
}

// Restore loads pseudo-counts exported by Records.
func (s *Store) Restore(records []model.CPTRecord) error {
	g := s.graph
	if len(records) != g.Len() {
		return structuralf(nil, "checkpoint has %d tables, graph has %d variables", len(records), g.Len())
	}
	counts := make([][][]float64, g.Len())
	for _, rec := range records {
		v, ok := g.index[rec.Variable]
		if !ok {
			return structuralf([]string{rec.Variable}, "checkpoint table for unknown variable")
		}
		if !slices.Equal(rec.Parents, g.names(g.parents[v])) {
			return structuralf([]string{rec.Variable}, "checkpoint parents %v do not match graph", rec.Parents)
		}
		if len(rec.Counts) != s.rowCount(v) {
			return structuralf([]string{rec.Variable}, "checkpoint table has %d rows, want %d", len(rec.Counts), s.rowCount(v))
		}
		for r, row := range rec.Counts {
			if len(row) != g.cardinality(v) {
				return structuralf([]string{rec.Variable}, "checkpoint row %d has %d values", r, len(row))
			}
		}
		counts[v] = cloneRows(rec.Counts)
	}
	probs, err := normalizeCounts(g, counts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = counts
	s.probs = probs
	s.fitted = true
	return nil
}

// accumulate adds one count per observation to every CPT whose variable and
// parents are all observed. Latent variables never receive counts.
func (s *Store) accumulate(counts [][][]float64, observations []Observation) error {
	g := s.graph
	for i, obs := range observations {
		assign := make(map[int]int, len(obs))
		for name, label := range obs {
			idx, err := g.ValueIndex(name, label)
			if err != nil {
				return fmt.Errorf("observation %d: %w", i, err)
			}
			assign[g.index[name]] = idx
		}
		for v := range g.vars {
			if g.vars[v].Latent {
				continue
			}
			val, ok := assign[v]
			if !ok {
				continue
			}
			complete := true
			for _, p := range g.parents[v] {
				if _, ok := assign[p]; !ok {
					complete = false
					break
				}
			}
			if !complete {
				continue
			}
			counts[v][s.rowIndex(v, assign)][val]++
		}
	}
	return nil
}

func (s *Store) rowCount(v int) int {
	rows := 1
	for _, p := range s.graph.parents[v] {
		rows *= s.graph.cardinality(p)
	}
	return rows
}

// rowIndex locates the CPT row for a parent assignment; the first parent is
// the most significant digit.
func (s *Store) rowIndex(v int, assign map[int]int) int {
	row := 0
	for _, p := range s.graph.parents[v] {
		row = row*s.graph.cardinality(p) + assign[p]
	}
	return row
}

// factorFor builds the factor P(v | parents(v)) over parents followed by v.
// Probability tables are replaced on update, never mutated, so a snapshot
// taken under the read lock stays consistent.
func (s *Store) factorFor(probs [][][]float64, v int) *factor {
	g := s.graph
	vars := append(append([]int(nil), g.parents[v]...), v)
	cards := make([]int, len(vars))
	for i, fv := range vars {
		cards[i] = g.cardinality(fv)
	}
	f := newFactor(vars, cards)
	card := g.cardinality(v)
	for r, row := range probs[v] {
		copy(f.values[r*card:(r+1)*card], row)
	}
	return f
}

// ExpertPriors derives a prior CPT for every variable from edge strengths and
// signs. A child's expected badness is its baseline shifted by each parent's
// signed contribution, and the prior row is a Gaussian kernel around it.
// Action variables get uniform priors.
func ExpertPriors(g *Graph) map[string][][]float64 {
	out := make(map[string][][]float64, g.Len())
	for v, variable := range g.vars {
		card := g.cardinality(v)
		rows := 1
		for _, p := range g.parents[v] {
			rows *= g.cardinality(p)
		}
		table := make([][]float64, rows)
		if variable.Role == RoleAction {
			for r := range table {
				table[r] = uniform(card)
			}
			out[variable.Name] = table
			continue
		}

		type parentEdge struct {
			parent int
			weight float64
		}
		edges := make([]parentEdge, len(g.parents[v]))
		total := 0.0
		for i, p := range g.parents[v] {
			e := g.edges[g.edgeAt[[2]int{p, v}]]
			edges[i] = parentEdge{parent: p, weight: float64(e.Sign) * e.Strength}
			total += e.Strength
		}
		scale := math.Max(1, total)

		assign := make([]int, len(edges))
		for r := range table {
			mean := variable.Baseline
			for i, pe := range edges {
				mean += pe.weight * parentSignal(g, pe.parent, assign[i]) / scale
			}
			table[r] = kernelRow(g, v, clamp01(mean))
			for i := len(assign) - 1; i >= 0; i-- {
				assign[i]++
				if assign[i] < g.cardinality(edges[i].parent) {
					break
				}
				assign[i] = 0
			}
		}
		out[variable.Name] = table
	}
	return out
}

// parentSignal is the intensity a parent value exerts on its children. For
// actions it is the activation level; for everything else it is badness.
func parentSignal(g *Graph, p, value int) float64 {
	if g.vars[p].Role == RoleAction {
		n := g.cardinality(p)
		if n <= 1 {
			return 0
		}
		return float64(value) / float64(n-1)
	}
	return g.badness(p, value)
}

func kernelRow(g *Graph, v int, mean float64) []float64 {
	card := g.cardinality(v)
	row := make([]float64, card)
	total := 0.0
	for k := range row {
		d := g.badness(v, k) - mean
		row[k] = math.Exp(-d * d / (2 * priorKernelWidth * priorKernelWidth))
		total += row[k]
	}
	for k := range row {
		row[k] /= total
	}
	return row
}

func normalizeCounts(g *Graph, counts [][][]float64) ([][][]float64, error) {
	probs := make([][][]float64, len(counts))
	for v, rows := range counts {
		probs[v] = make([][]float64, len(rows))
		for r, row := range rows {
			total := 0.0
			for _, c := range row {
				if c < 0 || math.IsNaN(c) || math.IsInf(c, 0) {
					return nil, structuralf([]string{g.vars[v].Name}, "invalid pseudo-count %f in row %d", c, r)
				}
				total += c
			}
			if total <= 0 {
				return nil, structuralf([]string{g.vars[v].Name}, "row %d has no probability mass", r)
			}
			out := make([]float64, len(row))
			for k, c := range row {
				out[k] = c / total
			}
			probs[v][r] = out
		}
	}
	return probs, validateProbs(g, probs)
}

func validateProbs(g *Graph, probs [][][]float64) error {
	for v, rows := range probs {
		for r, row := range rows {
			sum := 0.0
			for _, p := range row {
				if p < 0 {
					return structuralf([]string{g.vars[v].Name}, "negative probability in row %d", r)
				}
				sum += p
			}
			if math.Abs(sum-1) > rowSumTolerance {
				return structuralf([]string{g.vars[v].Name}, "row %d sums to %.9f", r, sum)
			}
		}
	}
	return nil
}

func uniform(n int) []float64 {
	row := make([]float64, n)
	for i := range row {
		row[i] = 1 / float64(n)
	}
	return row
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func cloneRows(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = slices.Clone(row)
	}
	return out
}

func cloneCounts(counts [][][]float64) [][][]float64 {
	out := make([][][]float64, len(counts))
	for v, rows := range counts {
		out[v] = cloneRows(rows)
	}
	return out
}
