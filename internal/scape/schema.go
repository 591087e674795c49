package scape

import (
	"fmt"
	"math"
	"sort"

	"causalrl/internal/model"
	"causalrl/internal/nn"
)

// Slot describes one position of an environment's raw vector. Slots bound to
// a causal variable carry ascending bin Edges; a value v falls into bin
// Labels[k] where k counts the edges not greater than v.
type Slot struct {
	Name     string
	Unit     string
	Min      float64
	Max      float64
	Variable string
	Edges    []float64
	Labels   []string
}

// Schema is the ordered slot layout of an environment's vector. The same
// schema produces the scaled network input and the oracle's discrete view.
type Schema struct {
	slots []Slot
}

func NewSchema(slots []Slot) (*Schema, error) {
	if len(slots) == 0 {
		return nil, fmt.Errorf("schema needs at least one slot")
	}
	seen := make(map[string]struct{}, len(slots))
	vars := make(map[string]struct{}, len(slots))
	for i, s := range slots {
		if s.Name == "" {
			return nil, fmt.Errorf("slot %d has no name", i)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate slot %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if !(s.Max > s.Min) {
			return nil, fmt.Errorf("slot %q: max %g must exceed min %g", s.Name, s.Max, s.Min)
		}
		if s.Variable == "" {
			continue
		}
		if _, dup := vars[s.Variable]; dup {
			return nil, fmt.Errorf("variable %q bound to more than one slot", s.Variable)
		}
		vars[s.Variable] = struct{}{}
		if len(s.Labels) != len(s.Edges)+1 {
			return nil, fmt.Errorf("slot %q: %d edges need %d labels, got %d", s.Name, len(s.Edges), len(s.Edges)+1, len(s.Labels))
		}
		if !sort.Float64sAreSorted(s.Edges) {
			return nil, fmt.Errorf("slot %q: bin edges must ascend", s.Name)
		}
	}
	return &Schema{slots: append([]Slot(nil), slots...)}, nil
}

func (s *Schema) Len() int { return len(s.slots) }

func (s *Schema) Slots() []Slot { return append([]Slot(nil), s.slots...) }

// Index returns the position of the named slot, or -1.
func (s *Schema) Index(name string) int {
	for i, slot := range s.slots {
		if slot.Name == name {
			return i
		}
	}
	return -1
}

// Variables lists the causal variables the schema discretizes, in slot order.
func (s *Schema) Variables() []string {
	var out []string
	for _, slot := range s.slots {
		if slot.Variable != "" {
			out = append(out, slot.Variable)
		}
	}
	return out
}

// State converts a raw vector into the dual representation: each slot scaled
// from [Min, Max] to [-1, 1] (clipped) for the value network, and every bound
// slot binned into its variable's label.
func (s *Schema) State(vector []float64) (model.State, error) {
	if len(vector) != len(s.slots) {
		return model.State{}, protocolf("vector has %d values, schema expects %d", len(vector), len(s.slots))
	}
	state := model.State{
		Vector:   make([]float64, len(vector)),
		Discrete: make(map[string]string, len(s.slots)),
	}
	for i, v := range vector {
		slot := s.slots[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return model.State{}, protocolf("slot %q holds non-finite value %v", slot.Name, v)
		}
		state.Vector[i] = nn.Sat(nn.ScaleValue(v, slot.Max, slot.Min), 1, -1)
		if slot.Variable != "" {
			state.Discrete[slot.Variable] = slot.Labels[bin(slot.Edges, v)]
		}
	}
	return state, nil
}

func bin(edges []float64, v float64) int {
	return sort.Search(len(edges), func(k int) bool { return edges[k] > v })
}
