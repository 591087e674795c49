package causal

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"causalrl/internal/action"
	"causalrl/internal/model"
)

const positivityFloor = 1e-12

type Intervention struct {
	Variable string `json:"variable"`
	Value    string `json:"value"`
}

// EffectResult is the interventional distribution of Outcome under
// Intervention. When the effect is not identifiable Failure is set and
// Distribution is nil.
type EffectResult struct {
	Intervention  Intervention            `json:"intervention"`
	Outcome       string                  `json:"outcome"`
	Labels        []string                `json:"labels"`
	Distribution  []float64               `json:"distribution,omitempty"`
	AdjustmentSet []string                `json:"adjustment_set,omitempty"`
	Failure       *IdentifiabilityFailure `json:"failure,omitempty"`
}

func (r EffectResult) Identified() bool { return r.Failure == nil }

// Effect is the signed improvement an action produces on one outcome,
// measured as expected badness without the action minus expected badness
// with it. Positive values mean the action helps.
type Effect struct {
	Action    action.ID               `json:"action"`
	Outcome   string                  `json:"outcome"`
	Magnitude float64                 `json:"magnitude"`
	With      []float64               `json:"with,omitempty"`
	Without   []float64               `json:"without,omitempty"`
	Failure   *IdentifiabilityFailure `json:"failure,omitempty"`
}

type Feasibility struct {
	Allowed action.Set
	// Failure records the first effect that could not be identified while
	// screening. The caller decides how to degrade.
	Failure *IdentifiabilityFailure
}

func (f Feasibility) Actions() []action.ID { return f.Allowed.IDs() }

type OracleOptions struct {
	// ScreenHarmful drops actions whose effect on their primary outcome is
	// worse than -HarmThreshold.
	ScreenHarmful bool
	HarmThreshold float64
	Logger        *slog.Logger
}

// Oracle answers causal queries against a fitted store. It is safe for
// concurrent use.
type Oracle struct {
	graph  *Graph
	store  *Store
	opts   OracleOptions
	logger *slog.Logger
	// downstream holds every variable an action variable can reach.
	downstream map[int]struct{}
}

func NewOracle(store *Store, opts OracleOptions) *Oracle {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := store.Graph()
	downstream := make(map[int]struct{})
	for _, id := range action.All() {
		v, ok := g.index[id.Variable()]
		if !ok {
			continue
		}
		for d := range g.descendants(v) {
			downstream[d] = struct{}{}
		}
	}
	return &Oracle{
		graph:      g,
		store:      store,
		opts:       opts,
		logger:     logger.With("component", "oracle"),
		downstream: downstream,
	}
}

func (o *Oracle) Graph() *Graph { return o.graph }
func (o *Oracle) Store() *Store { return o.store }

// Model returns the graph spec and CPT records a checkpoint persists.
func (o *Oracle) Model() (model.GraphSpec, []model.CPTRecord) {
	return o.graph.Spec(), o.store.Records()
}

// PredictEffect returns P(outcome | do(intervention)).
func (o *Oracle) PredictEffect(iv Intervention, outcome string) (EffectResult, error) {
	return o.PredictEffectGiven(iv, outcome, nil)
}

// PredictEffectGiven returns P(outcome | do(intervention), context) using
// parent adjustment: P(y|do(x),c) = sum_z P(y|x,z,c) P(z|c) where z are the
// parents of the intervened variable not already in the context. A latent
// parent makes the effect unidentifiable. Context entries that descend from
// the intervention are dropped since the intervention would change them.
func (o *Oracle) PredictEffectGiven(iv Intervention, outcome string, context Observation) (EffectResult, error) {
	g := o.graph
	x, ok := g.index[iv.Variable]
	if !ok {
		return EffectResult{}, structuralf([]string{iv.Variable}, "unknown intervention variable")
	}
	xv, err := g.ValueIndex(iv.Variable, iv.Value)
	if err != nil {
		return EffectResult{}, err
	}
	y, ok := g.index[outcome]
	if !ok {
		return EffectResult{}, structuralf([]string{outcome}, "unknown outcome variable")
	}
	res := EffectResult{
		Intervention: iv,
		Outcome:      outcome,
		Labels:       slices.Clone(g.vars[y].Domain),
	}
	if !o.store.Fitted() {
		return res, ErrNotFitted
	}
	if x == y {
		res.Distribution = make([]float64, g.cardinality(y))
		res.Distribution[xv] = 1
		return res, nil
	}

	desc := g.descendants(x)
	evidence := make(map[int]int, len(context))
	for name, label := range context {
		v, ok := g.index[name]
		if !ok || v == x || v == y || g.vars[v].Latent {
			continue
		}
		if _, downstream := desc[v]; downstream {
			continue
		}
		idx, err := g.ValueIndex(name, label)
		if err != nil {
			return res, err
		}
		evidence[v] = idx
	}

	if _, downstream := desc[y]; !downstream {
		f, err := o.store.query([]int{y}, evidence)
		if err != nil {
			return res, err
		}
		res.Distribution = f.values
		return res, nil
	}

	var z []int
	var latent []string
	for _, p := range g.parents[x] {
		if _, given := evidence[p]; given {
			continue
		}
		if g.vars[p].Latent {
			latent = append(latent, g.vars[p].Name)
			continue
		}
		z = append(z, p)
	}
	if len(latent) > 0 {
		res.Failure = &IdentifiabilityFailure{
			Intervention: iv,
			Outcome:      outcome,
			Reason:       "unobserved confounder among the intervened variable's parents",
			Confounders:  latent,
		}
		o.logger.Warn("effect not identifiable", "intervention", iv.Variable, "outcome", outcome, "confounders", latent)
		return res, nil
	}
	res.AdjustmentSet = g.names(z)

	f, err := o.store.query(append([]int{y, x}, z...), evidence)
	if err != nil {
		return res, err
	}
	cy, cx := g.cardinality(y), g.cardinality(x)
	zsize := len(f.values) / (cy * cx)
	at := func(yi, xi, zi int) float64 { return f.values[(yi*cx+xi)*zsize+zi] }

	// Every stratum that occurs must give the intervention value some
	// support; otherwise P(y|x,z) is undefined there and the sum is biased.
	dist := make([]float64, cy)
	covered := 0.0
	for zi := 0; zi < zsize; zi++ {
		pz, pxz := 0.0, 0.0
		for yi := 0; yi < cy; yi++ {
			for xi := 0; xi < cx; xi++ {
				pz += at(yi, xi, zi)
			}
			pxz += at(yi, xv, zi)
		}
		if pz < positivityFloor {
			continue
		}
		if pxz < positivityFloor {
			res.Failure = &IdentifiabilityFailure{
				Intervention: iv,
				Outcome:      outcome,
				Reason:       "intervention value has no support in an adjustment stratum that occurs",
				Confounders:  res.AdjustmentSet,
			}
			o.logger.Warn("effect not identifiable", "intervention", iv.Variable, "outcome", outcome, "reason", res.Failure.Reason)
			return res, nil
		}
		covered += pz
		for yi := 0; yi < cy; yi++ {
			dist[yi] += at(yi, xv, zi) / pxz * pz
		}
	}
	if covered < positivityFloor {
		res.Failure = &IdentifiabilityFailure{
			Intervention: iv,
			Outcome:      outcome,
			Reason:       "conditioning context has zero probability",
			Confounders:  res.AdjustmentSet,
		}
		o.logger.Warn("effect not identifiable", "intervention", iv.Variable, "outcome", outcome, "reason", res.Failure.Reason)
		return res, nil
	}
	for i := range dist {
		dist[i] /= covered
	}
	res.Distribution = dist
	return res, nil
}

// ActionEffect measures how much taking id improves outcome in state. An
// empty outcome selects the action's primary outcome. The no-op has zero
// effect by definition.
func (o *Oracle) ActionEffect(state model.State, id action.ID, outcome string) (Effect, error) {
	if !id.Valid() {
		return Effect{}, fmt.Errorf("invalid action: %d", int(id))
	}
	if outcome == "" {
		outcome = id.PrimaryOutcome()
	}
	eff := Effect{Action: id, Outcome: outcome}
	if id == action.NoOp {
		return eff, nil
	}
	variable := id.Variable()
	v, ok := o.graph.Variable(variable)
	if !ok {
		return eff, structuralf([]string{variable}, "action has no variable in the causal graph")
	}
	context := o.contextFor(state)
	off, on := v.Domain[0], v.Domain[len(v.Domain)-1]

	with, err := o.PredictEffectGiven(Intervention{Variable: variable, Value: on}, outcome, context)
	if err != nil {
		return eff, err
	}
	if !with.Identified() {
		eff.Failure = with.Failure
		return eff, nil
	}
	without, err := o.PredictEffectGiven(Intervention{Variable: variable, Value: off}, outcome, context)
	if err != nil {
		return eff, err
	}
	if !without.Identified() {
		eff.Failure = without.Failure
		return eff, nil
	}
	eff.With, eff.Without = with.Distribution, without.Distribution
	eff.Magnitude = o.expectedBadness(outcome, without.Distribution) - o.expectedBadness(outcome, with.Distribution)
	return eff, nil
}

// FeasibleActions returns the actions whose preconditions hold in state,
// optionally screened for predicted harm. The no-op is always allowed.
func (o *Oracle) FeasibleActions(state model.State) (Feasibility, error) {
	var out Feasibility
	for _, id := range action.All() {
		if !id.Feasible(state) {
			continue
		}
		if o.opts.ScreenHarmful && id != action.NoOp {
			eff, err := o.ActionEffect(state, id, "")
			if err != nil {
				return out, err
			}
			if eff.Failure != nil {
				if out.Failure == nil {
					out.Failure = eff.Failure
				}
			} else if eff.Magnitude < -o.opts.HarmThreshold {
				o.logger.Debug("screened harmful action", "action", id.String(), "magnitude", eff.Magnitude)
				continue
			}
		}
		out.Allowed[id] = true
	}
	out.Allowed[action.NoOp] = true
	return out, nil
}

type OutcomeEffect struct {
	Outcome         string                  `json:"outcome"`
	Labels          []string                `json:"labels"`
	With            []float64               `json:"with,omitempty"`
	Without         []float64               `json:"without,omitempty"`
	ExpectedWith    float64                 `json:"expected_with"`
	ExpectedWithout float64                 `json:"expected_without"`
	Improvement     float64                 `json:"improvement"`
	Mechanism       string                  `json:"mechanism"`
	Failure         *IdentifiabilityFailure `json:"failure,omitempty"`
}

type Explanation struct {
	Action        action.ID         `json:"action"`
	Feasible      bool              `json:"feasible"`
	Preconditions map[string]string `json:"preconditions,omitempty"`
	Outcomes      []OutcomeEffect   `json:"outcomes"`
	Summary       string            `json:"summary"`
}

// Explain reports the predicted effect of id on every outcome variable
// together with the causal mechanism linking them.
func (o *Oracle) Explain(state model.State, id action.ID) (Explanation, error) {
	if !id.Valid() {
		return Explanation{}, fmt.Errorf("invalid action: %d", int(id))
	}
	exp := Explanation{Action: id, Feasible: id.Feasible(state)}
	if vars := id.PreconditionVariables(); len(vars) > 0 {
		exp.Preconditions = make(map[string]string, len(vars))
		for _, v := range vars {
			exp.Preconditions[v] = state.Value(v, "")
		}
	}

	for _, v := range o.graph.vars {
		if v.Role != RoleOutcome {
			continue
		}
		oe := OutcomeEffect{Outcome: v.Name, Labels: slices.Clone(v.Domain)}
		if id == action.NoOp {
			oe.Mechanism = "No intervention; outcomes follow their current course"
		} else {
			oe.Mechanism = o.mechanism(id.Variable(), v.Name)
		}
		eff, err := o.ActionEffect(state, id, v.Name)
		if err != nil {
			return exp, err
		}
		switch {
		case eff.Failure != nil:
			oe.Failure = eff.Failure
		case id == action.NoOp:
			// Outcome marginal given the state, with no action taken.
			marginal, err := o.store.query([]int{o.graph.index[v.Name]}, o.evidenceFor(o.contextFor(state), v.Name))
			if err != nil {
				return exp, err
			}
			oe.With, oe.Without = marginal.values, slices.Clone(marginal.values)
			oe.ExpectedWith = o.expectedBadness(v.Name, oe.With)
			oe.ExpectedWithout = oe.ExpectedWith
		default:
			oe.With, oe.Without = eff.With, eff.Without
			oe.ExpectedWith = o.expectedBadness(v.Name, eff.With)
			oe.ExpectedWithout = o.expectedBadness(v.Name, eff.Without)
			oe.Improvement = eff.Magnitude
		}
		exp.Outcomes = append(exp.Outcomes, oe)
	}
	exp.Summary = summarize(id, exp.Outcomes)
	return exp, nil
}

// ObservationFor builds the evidence row of one step: variables no action
// can influence are read from state, the action variables mark id as the only
// active action, and every variable downstream of an action is read from
// next, the state the action led to. A downstream variable missing from next
// is left unobserved.
func (o *Oracle) ObservationFor(state, next model.State, id action.ID) Observation {
	obs := make(Observation, len(state.Discrete)+action.Count)
	for name, label := range state.Discrete {
		v, ok := o.graph.index[name]
		if !ok {
			continue
		}
		if _, after := o.downstream[v]; after {
			continue
		}
		obs[name] = label
	}
	for name, label := range next.Discrete {
		v, ok := o.graph.index[name]
		if !ok {
			continue
		}
		if _, after := o.downstream[v]; after {
			obs[name] = label
		}
	}
	o.markAction(obs, id)
	return obs
}

// contextFor is the observation of state itself with no action taken.
func (o *Oracle) contextFor(state model.State) Observation {
	obs := make(Observation, len(state.Discrete)+action.Count)
	for name, label := range state.Discrete {
		if _, ok := o.graph.index[name]; ok {
			obs[name] = label
		}
	}
	o.markAction(obs, action.NoOp)
	return obs
}

func (o *Oracle) markAction(obs Observation, id action.ID) {
	for _, a := range action.All() {
		v, ok := o.graph.Variable(a.Variable())
		if !ok {
			continue
		}
		if a == id {
			obs[v.Name] = v.Domain[len(v.Domain)-1]
		} else {
			obs[v.Name] = v.Domain[0]
		}
	}
}

func (o *Oracle) UpdateBeliefs(observations []Observation) error {
	return o.store.UpdateBeliefs(observations)
}

// BeginEpisode freezes the probability tables until EndEpisode.
func (o *Oracle) BeginEpisode() { o.store.Freeze() }
func (o *Oracle) EndEpisode()   { o.store.Thaw() }

func (o *Oracle) expectedBadness(variable string, dist []float64) float64 {
	v := o.graph.index[variable]
	total := 0.0
	for i, p := range dist {
		total += p * o.graph.badness(v, i)
	}
	return total
}

// evidenceFor keeps the observed labels that may serve as evidence when
// querying target.
func (o *Oracle) evidenceFor(obs Observation, target string) map[int]int {
	evidence := make(map[int]int, len(obs))
	for name, label := range obs {
		if name == target {
			continue
		}
		v := o.graph.index[name]
		if o.graph.vars[v].Latent {
			continue
		}
		if idx, ok := o.graph.values[v][label]; ok {
			evidence[v] = idx
		}
	}
	return evidence
}

// mechanism describes how from reaches to: the edge annotation for a direct
// link, otherwise the shortest directed path.
func (o *Oracle) mechanism(from, to string) string {
	if e, ok := o.graph.Edge(from, to); ok {
		if e.Mechanism != "" {
			return e.Mechanism
		}
		return fmt.Sprintf("%s causally influences %s", from, to)
	}
	path := o.shortestPath(from, to)
	if len(path) == 0 {
		return fmt.Sprintf("No causal pathway from %s to %s", from, to)
	}
	return "Indirect pathway: " + strings.Join(path, " -> ")
}

func (o *Oracle) shortestPath(from, to string) []string {
	g := o.graph
	src, ok := g.index[from]
	if !ok {
		return nil
	}
	dst, ok := g.index[to]
	if !ok {
		return nil
	}
	prev := map[int]int{src: -1}
	queue := []int{src}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == dst {
			break
		}
		for _, c := range g.children[n] {
			if _, seen := prev[c]; !seen {
				prev[c] = n
				queue = append(queue, c)
			}
		}
	}
	if _, reached := prev[dst]; !reached {
		return nil
	}
	var path []int
	for n := dst; n != -1; n = prev[n] {
		path = append(path, n)
	}
	slices.Reverse(path)
	return g.names(path)
}

func summarize(id action.ID, outcomes []OutcomeEffect) string {
	if id == action.NoOp {
		return "no_op leaves every outcome on its current course"
	}
	ranked := make([]OutcomeEffect, 0, len(outcomes))
	for _, oe := range outcomes {
		if oe.Failure == nil {
			ranked = append(ranked, oe)
		}
	}
	if len(ranked) == 0 {
		return fmt.Sprintf("effects of %s cannot be identified from the causal graph", id)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Improvement > ranked[j].Improvement })
	best := ranked[0]
	if best.Improvement <= 0 {
		return fmt.Sprintf("%s is not expected to improve any outcome", id)
	}
	return fmt.Sprintf("%s is expected to improve %s by %.3f (%s)", id, best.Outcome, best.Improvement, best.Mechanism)
}
