// Package causal holds the causal model of the supply chain: the variable
// graph, its conditional probability tables, and the oracle that answers
// intervention, feasibility and explanation queries against them.
package causal

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"

	"causalrl/internal/model"
)

type Role string

const (
	RoleExogenous  Role = "exogenous"
	RoleEndogenous Role = "endogenous"
	RoleAction     Role = "action"
	RoleOutcome    Role = "outcome"
)

func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RoleEndogenous:
		return RoleEndogenous, nil
	case RoleExogenous:
		return RoleExogenous, nil
	case RoleAction, "action-relevant", "action_relevant":
		return RoleAction, nil
	case RoleOutcome:
		return RoleOutcome, nil
	default:
		return "", fmt.Errorf("unknown variable role: %s", raw)
	}
}

type Variable struct {
	Name   string
	Domain []string
	Role   Role
	// HigherIsBetter orients the domain on the badness scale: when false the
	// first label is the best state and the last the worst.
	HigherIsBetter bool
	// Latent variables are never observed; they cannot be fit from data and
	// cannot serve in an adjustment set.
	Latent      bool
	Baseline    float64
	Description string
}

type Edge struct {
	From      string
	To        string
	Strength  float64
	Sign      int
	Mechanism string
}

// Graph is an immutable validated DAG over discrete variables. Node ids in
// dag and rev are variable indexes; rev holds every edge reversed.
type Graph struct {
	vars     []Variable
	index    map[string]int
	values   []map[string]int
	parents  [][]int
	children [][]int
	order    []int
	edges    []Edge
	edgeAt   map[[2]int]int
	dag      *simple.DirectedGraph
	rev      *simple.DirectedGraph
}

// BuildGraph validates variable and edge specifications and returns the DAG.
// Any cycle is reported as a StructuralError listing the cycle path.
func BuildGraph(vars []Variable, edges []Edge) (*Graph, error) {
	if len(vars) == 0 {
		return nil, structuralf(nil, "graph has no variables")
	}
	g := &Graph{
		vars:     make([]Variable, len(vars)),
		index:    make(map[string]int, len(vars)),
		values:   make([]map[string]int, len(vars)),
		parents:  make([][]int, len(vars)),
		children: make([][]int, len(vars)),
		edgeAt:   make(map[[2]int]int, len(edges)),
		dag:      simple.NewDirectedGraph(),
		rev:      simple.NewDirectedGraph(),
	}
	for i, v := range vars {
		if strings.TrimSpace(v.Name) == "" {
			return nil, structuralf(nil, "variable %d has an empty name", i)
		}
		if _, dup := g.index[v.Name]; dup {
			return nil, structuralf([]string{v.Name}, "duplicate variable")
		}
		if len(v.Domain) == 0 {
			return nil, structuralf([]string{v.Name}, "variable has an empty domain")
		}
		labels := make(map[string]int, len(v.Domain))
		for j, label := range v.Domain {
			if label == "" {
				return nil, structuralf([]string{v.Name}, "variable has an empty domain label")
			}
			if _, dup := labels[label]; dup {
				return nil, structuralf([]string{v.Name}, "duplicate domain label %q", label)
			}
			labels[label] = j
		}
		if v.Role == "" {
			v.Role = RoleEndogenous
		}
		v.Domain = append([]string(nil), v.Domain...)
		g.vars[i] = v
		g.index[v.Name] = i
		g.values[i] = labels
		g.dag.AddNode(simple.Node(i))
		g.rev.AddNode(simple.Node(i))
	}

	for _, e := range edges {
		from, ok := g.index[e.From]
		if !ok {
			return nil, structuralf([]string{e.From}, "edge references unknown variable")
		}
		to, ok := g.index[e.To]
		if !ok {
			return nil, structuralf([]string{e.To}, "edge references unknown variable")
		}
		if from == to {
			return nil, &StructuralError{Reason: "self-referential edge", Cycle: []string{e.From, e.To}}
		}
		key := [2]int{from, to}
		if _, dup := g.edgeAt[key]; dup {
			return nil, structuralf([]string{e.From, e.To}, "duplicate edge")
		}
		if e.Sign == 0 {
			e.Sign = 1
		}
		g.edgeAt[key] = len(g.edges)
		g.edges = append(g.edges, e)
		g.parents[to] = append(g.parents[to], from)
		g.children[from] = append(g.children[from], to)
		g.dag.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
		g.rev.SetEdge(simple.Edge{F: simple.Node(to), T: simple.Node(from)})
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topologicalOrder sorts the DAG, breaking ties by declaration order. When
// the graph is not orderable the shortest cycle is reported as a closed path.
func (g *Graph) topologicalOrder() ([]int, error) {
	sorted, err := topo.SortStabilized(g.dag, byID)
	if err != nil {
		var unorderable topo.Unorderable
		if !errors.As(err, &unorderable) {
			return nil, err
		}
		return nil, &StructuralError{Reason: "cycle detected", Cycle: g.shortestCycle()}
	}
	order := make([]int, len(sorted))
	for i, n := range sorted {
		order[i] = int(n.ID())
	}
	return order, nil
}

func (g *Graph) shortestCycle() []string {
	var best []graph.Node
	for _, c := range topo.DirectedCyclesIn(g.dag) {
		if len(c) > 1 && c[0].ID() == c[len(c)-1].ID() {
			c = c[:len(c)-1]
		}
		c = rotateToLowest(c)
		if best == nil || len(c) < len(best) || (len(c) == len(best) && c[0].ID() < best[0].ID()) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	names := make([]string, 0, len(best)+1)
	for _, n := range best {
		names = append(names, g.vars[n.ID()].Name)
	}
	return append(names, names[0])
}

// rotateToLowest starts an open cycle at its lowest-id node.
func rotateToLowest(cycle []graph.Node) []graph.Node {
	low := 0
	for i, n := range cycle {
		if n.ID() < cycle[low].ID() {
			low = i
		}
	}
	return append(append([]graph.Node(nil), cycle[low:]...), cycle[:low]...)
}

func byID(nodes []graph.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
}

func (g *Graph) Len() int { return len(g.vars) }

func (g *Graph) Variables() []Variable {
	out := make([]Variable, len(g.vars))
	copy(out, g.vars)
	return out
}

func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

func (g *Graph) Variable(name string) (Variable, bool) {
	i, ok := g.index[name]
	if !ok {
		return Variable{}, false
	}
	return g.vars[i], true
}

// TopologicalOrder returns variable names with every parent before its children.
func (g *Graph) TopologicalOrder() []string {
	return g.names(g.order)
}

func (g *Graph) Parents(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.names(g.parents[i])
}

func (g *Graph) Children(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.names(g.children[i])
}

func (g *Graph) Edge(from, to string) (Edge, bool) {
	f, ok := g.index[from]
	if !ok {
		return Edge{}, false
	}
	t, ok := g.index[to]
	if !ok {
		return Edge{}, false
	}
	at, ok := g.edgeAt[[2]int{f, t}]
	if !ok {
		return Edge{}, false
	}
	return g.edges[at], true
}

// Descendants returns every variable reachable from name, excluding name.
func (g *Graph) Descendants(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.names(sortedKeys(g.descendants(i)))
}

func (g *Graph) Ancestors(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.names(sortedKeys(g.ancestors([]int{i})))
}

func (g *Graph) IsDescendant(of, name string) bool {
	i, ok := g.index[of]
	if !ok {
		return false
	}
	j, ok := g.index[name]
	if !ok {
		return false
	}
	_, found := g.descendants(i)[j]
	return found
}

// ValueIndex maps a label of variable to its domain position.
func (g *Graph) ValueIndex(variable, label string) (int, error) {
	i, ok := g.index[variable]
	if !ok {
		return 0, structuralf([]string{variable}, "unknown variable")
	}
	j, ok := g.values[i][label]
	if !ok {
		return 0, structuralf([]string{variable}, "unknown value %q", label)
	}
	return j, nil
}

// Badness maps a domain position to [0,1], 0 being the most desirable state.
func (g *Graph) Badness(variable string, valueIndex int) float64 {
	i, ok := g.index[variable]
	if !ok {
		return 0
	}
	return g.badness(i, valueIndex)
}

func (g *Graph) badness(v, valueIndex int) float64 {
	n := len(g.vars[v].Domain)
	if n <= 1 {
		return 0
	}
	frac := float64(valueIndex) / float64(n-1)
	if g.vars[v].HigherIsBetter {
		return 1 - frac
	}
	return frac
}

// Spec returns the serializable form of the graph, used by checkpoints.
func (g *Graph) Spec() model.GraphSpec {
	spec := model.GraphSpec{
		Variables: make([]model.VariableSpec, 0, len(g.vars)),
		Edges:     make([]model.EdgeSpec, 0, len(g.edges)),
	}
	for _, v := range g.vars {
		spec.Variables = append(spec.Variables, model.VariableSpec{
			Name:           v.Name,
			Domain:         append([]string(nil), v.Domain...),
			Role:           string(v.Role),
			HigherIsBetter: v.HigherIsBetter,
			Latent:         v.Latent,
			Baseline:       v.Baseline,
			Description:    v.Description,
		})
	}
	for _, e := range g.edges {
		spec.Edges = append(spec.Edges, model.EdgeSpec{
			From:      e.From,
			To:        e.To,
			Strength:  e.Strength,
			Sign:      e.Sign,
			Mechanism: e.Mechanism,
		})
	}
	return spec
}

// GraphFromSpec rebuilds a graph from its serialized form.
func GraphFromSpec(spec model.GraphSpec) (*Graph, error) {
	vars := make([]Variable, 0, len(spec.Variables))
	for _, v := range spec.Variables {
		role, err := ParseRole(v.Role)
		if err != nil {
			return nil, structuralf([]string{v.Name}, "%v", err)
		}
		vars = append(vars, Variable{
			Name:           v.Name,
			Domain:         v.Domain,
			Role:           role,
			HigherIsBetter: v.HigherIsBetter,
			Latent:         v.Latent,
			Baseline:       v.Baseline,
			Description:    v.Description,
		})
	}
	edges := make([]Edge, 0, len(spec.Edges))
	for _, e := range spec.Edges {
		edges = append(edges, Edge{From: e.From, To: e.To, Strength: e.Strength, Sign: e.Sign, Mechanism: e.Mechanism})
	}
	return BuildGraph(vars, edges)
}

// descendants returns every variable reachable from v, excluding v.
func (g *Graph) descendants(v int) map[int]struct{} {
	seen := reach(g.dag, []int{v})
	delete(seen, v)
	return seen
}

// ancestors returns the given variables together with all their ancestors.
func (g *Graph) ancestors(vs []int) map[int]struct{} {
	return reach(g.rev, vs)
}

// reach collects the nodes reachable from any of from, including from.
func reach(dg *simple.DirectedGraph, from []int) map[int]struct{} {
	seen := make(map[int]struct{})
	walk := traverse.DepthFirst{Visit: func(n graph.Node) { seen[int(n.ID())] = struct{}{} }}
	for _, v := range from {
		walk.Walk(dg, simple.Node(v), nil)
	}
	return seen
}

func (g *Graph) names(idx []int) []string {
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = g.vars[n].Name
	}
	return out
}

func (g *Graph) cardinality(v int) int {
	return len(g.vars[v].Domain)
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
