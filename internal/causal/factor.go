package causal

import (
	"fmt"
	"math"
)

// factor is a dense table over discrete variables. The last variable varies
// fastest, which matches CPT row layout when vars is parents followed by the
// child.
type factor struct {
	vars   []int
	cards  []int
	values []float64
}

func newFactor(vars, cards []int) *factor {
	size := 1
	for _, c := range cards {
		size *= c
	}
	return &factor{
		vars:   append([]int(nil), vars...),
		cards:  append([]int(nil), cards...),
		values: make([]float64, size),
	}
}

func (f *factor) position(v int) int {
	for i, fv := range f.vars {
		if fv == v {
			return i
		}
	}
	return -1
}

func (f *factor) strides() []int {
	strides := make([]int, len(f.vars))
	s := 1
	for i := len(f.vars) - 1; i >= 0; i-- {
		strides[i] = s
		s *= f.cards[i]
	}
	return strides
}

// indexOf projects an assignment expressed over another variable ordering.
func (f *factor) indexOf(assign map[int]int) int {
	idx := 0
	for i, v := range f.vars {
		idx = idx*f.cards[i] + assign[v]
	}
	return idx
}

// forEach visits every assignment of f in storage order.
func (f *factor) forEach(fn func(idx int, assign []int)) {
	assign := make([]int, len(f.vars))
	for idx := range f.values {
		fn(idx, assign)
		for i := len(assign) - 1; i >= 0; i-- {
			assign[i]++
			if assign[i] < f.cards[i] {
				break
			}
			assign[i] = 0
		}
	}
}

func multiply(a, b *factor) *factor {
	vars := append([]int(nil), a.vars...)
	cards := append([]int(nil), a.cards...)
	for i, v := range b.vars {
		if a.position(v) < 0 {
			vars = append(vars, v)
			cards = append(cards, b.cards[i])
		}
	}
	out := newFactor(vars, cards)
	aStrides, bStrides := a.strides(), b.strides()
	aMap := make([]int, len(vars))
	bMap := make([]int, len(vars))
	for i, v := range vars {
		aMap[i], bMap[i] = -1, -1
		if p := a.position(v); p >= 0 {
			aMap[i] = aStrides[p]
		}
		if p := b.position(v); p >= 0 {
			bMap[i] = bStrides[p]
		}
	}
	out.forEach(func(idx int, assign []int) {
		ai, bi := 0, 0
		for i, val := range assign {
			if aMap[i] >= 0 {
				ai += val * aMap[i]
			}
			if bMap[i] >= 0 {
				bi += val * bMap[i]
			}
		}
		out.values[idx] = a.values[ai] * b.values[bi]
	})
	return out
}

func sumOut(f *factor, v int) *factor {
	p := f.position(v)
	if p < 0 {
		return f
	}
	vars := make([]int, 0, len(f.vars)-1)
	cards := make([]int, 0, len(f.vars)-1)
	for i, fv := range f.vars {
		if i != p {
			vars = append(vars, fv)
			cards = append(cards, f.cards[i])
		}
	}
	out := newFactor(vars, cards)
	outStrides := out.strides()
	f.forEach(func(idx int, assign []int) {
		oi := 0
		k := 0
		for i, val := range assign {
			if i == p {
				continue
			}
			oi += val * outStrides[k]
			k++
		}
		out.values[oi] += f.values[idx]
	})
	return out
}

// reduce fixes evidence variables to their observed values and drops them.
func reduce(f *factor, evidence map[int]int) *factor {
	keep := false
	for _, v := range f.vars {
		if _, ok := evidence[v]; ok {
			keep = true
			break
		}
	}
	if !keep {
		return f
	}
	vars := make([]int, 0, len(f.vars))
	cards := make([]int, 0, len(f.vars))
	for i, v := range f.vars {
		if _, ok := evidence[v]; !ok {
			vars = append(vars, v)
			cards = append(cards, f.cards[i])
		}
	}
	out := newFactor(vars, cards)
	outStrides := out.strides()
	f.forEach(func(idx int, assign []int) {
		oi := 0
		k := 0
		for i, val := range assign {
			v := f.vars[i]
			if want, ok := evidence[v]; ok {
				if val != want {
					return
				}
				continue
			}
			oi += val * outStrides[k]
			k++
		}
		out.values[oi] = f.values[idx]
	})
	return out
}

// reorder returns f laid out over vars, which must be a permutation of f.vars.
func reorder(f *factor, vars []int) *factor {
	cards := make([]int, len(vars))
	for i, v := range vars {
		p := f.position(v)
		cards[i] = f.cards[p]
	}
	out := newFactor(vars, cards)
	assign := make(map[int]int, len(vars))
	out.forEach(func(idx int, a []int) {
		for i, v := range vars {
			assign[v] = a[i]
		}
		out.values[idx] = f.values[f.indexOf(assign)]
	})
	return out
}

// query computes P(vars | evidence) by variable elimination. Variables that
// are not ancestors of the query or evidence are barren and never enter the
// computation. The result is normalized over vars.
func (s *Store) query(vars []int, evidence map[int]int) (*factor, error) {
	s.mu.RLock()
	probs, fitted := s.probs, s.fitted
	s.mu.RUnlock()
	if !fitted {
		return nil, ErrNotFitted
	}

	seeds := append([]int(nil), vars...)
	for v := range evidence {
		seeds = append(seeds, v)
	}
	relevant := s.graph.ancestors(seeds)

	factors := make([]*factor, 0, len(relevant))
	for _, v := range sortedKeys(relevant) {
		factors = append(factors, reduce(s.factorFor(probs, v), evidence))
	}

	inQuery := make(map[int]bool, len(vars))
	for _, v := range vars {
		inQuery[v] = true
	}
	hidden := make(map[int]struct{})
	for v := range relevant {
		if _, ok := evidence[v]; ok || inQuery[v] {
			continue
		}
		hidden[v] = struct{}{}
	}

	for len(hidden) > 0 {
		v := s.nextElimination(hidden, factors)
		delete(hidden, v)
		var touching *factor
		rest := factors[:0:0]
		for _, f := range factors {
			if f.position(v) < 0 {
				rest = append(rest, f)
				continue
			}
			if touching == nil {
				touching = f
			} else {
				touching = multiply(touching, f)
			}
		}
		if touching != nil {
			rest = append(rest, sumOut(touching, v))
		}
		factors = rest
	}

	var joint *factor
	for _, f := range factors {
		if joint == nil {
			joint = f
			continue
		}
		joint = multiply(joint, f)
	}
	if joint == nil || len(joint.vars) != len(vars) {
		return nil, fmt.Errorf("inference did not cover the query variables")
	}
	joint = reorder(joint, vars)

	total := 0.0
	for _, p := range joint.values {
		total += p
	}
	if total <= 0 || math.IsNaN(total) {
		return nil, fmt.Errorf("evidence has zero probability under the model")
	}
	for i := range joint.values {
		joint.values[i] /= total
	}
	return joint, nil
}

// nextElimination picks the hidden variable whose elimination creates the
// smallest intermediate factor. Ties go to the lowest variable index so the
// order is deterministic.
func (s *Store) nextElimination(hidden map[int]struct{}, factors []*factor) int {
	best, bestSize := -1, math.MaxInt
	for _, v := range sortedKeys(hidden) {
		scope := map[int]int{}
		for _, f := range factors {
			if f.position(v) < 0 {
				continue
			}
			for i, fv := range f.vars {
				scope[fv] = f.cards[i]
			}
		}
		size := 1
		for _, c := range scope {
			size *= c
		}
		if size < bestSize {
			best, bestSize = v, size
		}
	}
	return best
}
