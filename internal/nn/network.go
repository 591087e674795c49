// Package nn implements the dense feed-forward networks used as action-value
// approximators, with backpropagation and an Adam optimizer.
package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"causalrl/internal/model"
)

var ErrShapeMismatch = errors.New("network shape mismatch")

type layer struct {
	activation Activation
	// weights[o][i] connects input i to output o.
	weights [][]float64
	biases  []float64
}

func (l *layer) inputs() int  { return len(l.weights[0]) }
func (l *layer) outputs() int { return len(l.weights) }

// Network is a fully connected multilayer perceptron. It is not safe for
// concurrent mutation.
type Network struct {
	inputs int
	layers []*layer
}

// NewNetwork builds a network with Xavier-uniform weights drawn from rng and
// zero biases.
func NewNetwork(inputs int, hidden []int, outputs int, hiddenActivation, outputActivation string, rng *rand.Rand) (*Network, error) {
	if inputs <= 0 || outputs <= 0 {
		return nil, fmt.Errorf("network needs positive input and output sizes: inputs=%d outputs=%d", inputs, outputs)
	}
	if rng == nil {
		return nil, errors.New("network initialization requires a random source")
	}
	hiddenAct, err := GetActivation(hiddenActivation)
	if err != nil {
		return nil, err
	}
	outputAct, err := GetActivation(outputActivation)
	if err != nil {
		return nil, err
	}

	sizes := append(append([]int{inputs}, hidden...), outputs)
	n := &Network{inputs: inputs, layers: make([]*layer, 0, len(sizes)-1)}
	for i := 1; i < len(sizes); i++ {
		fanIn, fanOut := sizes[i-1], sizes[i]
		if fanOut <= 0 {
			return nil, fmt.Errorf("hidden layer %d has non-positive width %d", i-1, fanOut)
		}
		act := hiddenAct
		if i == len(sizes)-1 {
			act = outputAct
		}
		limit := math.Sqrt(6 / float64(fanIn+fanOut))
		l := &layer{activation: act, weights: make([][]float64, fanOut), biases: make([]float64, fanOut)}
		for o := range l.weights {
			row := make([]float64, fanIn)
			for j := range row {
				row[j] = (rng.Float64()*2 - 1) * limit
			}
			l.weights[o] = row
		}
		n.layers = append(n.layers, l)
	}
	return n, nil
}

func (n *Network) Inputs() int  { return n.inputs }
func (n *Network) Outputs() int { return n.layers[len(n.layers)-1].outputs() }

func (n *Network) Forward(input []float64) ([]float64, error) {
	_, post, err := n.trace(input)
	if err != nil {
		return nil, err
	}
	return post[len(post)-1], nil
}

// trace runs a forward pass keeping every layer's pre-activation sums and
// activations. post[0] is the input itself.
func (n *Network) trace(input []float64) (pre, post [][]float64, err error) {
	if len(input) != n.inputs {
		return nil, nil, fmt.Errorf("%w: got %d inputs, want %d", ErrShapeMismatch, len(input), n.inputs)
	}
	pre = make([][]float64, len(n.layers))
	post = make([][]float64, len(n.layers)+1)
	post[0] = input
	for li, l := range n.layers {
		z := make([]float64, l.outputs())
		a := make([]float64, l.outputs())
		for o, row := range l.weights {
			total := l.biases[o]
			for i, w := range row {
				total += w * post[li][i]
			}
			z[o] = total
			a[o] = l.activation.Func(total)
		}
		pre[li] = z
		post[li+1] = a
	}
	return pre, post, nil
}

// Sample is a regression target for a single output unit.
type Sample struct {
	Input  []float64
	Output int
	Target float64
}

// Gradients mirrors the network's parameter layout.
type Gradients struct {
	Weights [][][]float64
	Biases  [][]float64
}

func (n *Network) zeroGradients() Gradients {
	g := Gradients{
		Weights: make([][][]float64, len(n.layers)),
		Biases:  make([][]float64, len(n.layers)),
	}
	for li, l := range n.layers {
		g.Weights[li] = make([][]float64, l.outputs())
		for o := range g.Weights[li] {
			g.Weights[li][o] = make([]float64, l.inputs())
		}
		g.Biases[li] = make([]float64, l.outputs())
	}
	return g
}

// Norm is the global L2 norm over every parameter gradient.
func (g Gradients) Norm() float64 {
	total := 0.0
	for li := range g.Weights {
		for _, row := range g.Weights[li] {
			for _, w := range row {
				total += w * w
			}
		}
		for _, b := range g.Biases[li] {
			total += b * b
		}
	}
	return math.Sqrt(total)
}

func (g Gradients) scale(f float64) {
	for li := range g.Weights {
		for _, row := range g.Weights[li] {
			for i := range row {
				row[i] *= f
			}
		}
		for i := range g.Biases[li] {
			g.Biases[li][i] *= f
		}
	}
}

// Gradient returns the mean squared error over samples and its gradient with
// respect to every parameter. Only the selected output of each sample
// contributes to the loss.
func (n *Network) Gradient(samples []Sample) (Gradients, float64, error) {
	grads := n.zeroGradients()
	if len(samples) == 0 {
		return grads, 0, nil
	}
	outputs := n.Outputs()
	count := float64(len(samples))
	loss := 0.0
	for si, s := range samples {
		if s.Output < 0 || s.Output >= outputs {
			return grads, 0, fmt.Errorf("%w: sample %d targets output %d of %d", ErrShapeMismatch, si, s.Output, outputs)
		}
		pre, post, err := n.trace(s.Input)
		if err != nil {
			return grads, 0, fmt.Errorf("sample %d: %w", si, err)
		}
		last := len(n.layers) - 1
		diff := post[last+1][s.Output] - s.Target
		loss += diff * diff / count

		delta := make([]float64, outputs)
		delta[s.Output] = 2 * diff / count * n.layers[last].activation.Derivative(pre[last][s.Output])
		for li := last; li >= 0; li-- {
			l := n.layers[li]
			var prev []float64
			if li > 0 {
				prev = make([]float64, l.inputs())
			}
			for o, d := range delta {
				if d == 0 {
					continue
				}
				grads.Biases[li][o] += d
				for i, w := range l.weights[o] {
					grads.Weights[li][o][i] += d * post[li][i]
					if prev != nil {
						prev[i] += d * w
					}
				}
			}
			if li > 0 {
				below := n.layers[li-1]
				for i := range prev {
					prev[i] *= below.activation.Derivative(pre[li-1][i])
				}
				delta = prev
			}
		}
	}
	return grads, loss, nil
}

// Clone returns an independent deep copy.
func (n *Network) Clone() *Network {
	out := &Network{inputs: n.inputs, layers: make([]*layer, len(n.layers))}
	for li, l := range n.layers {
		c := &layer{activation: l.activation, weights: make([][]float64, len(l.weights)), biases: append([]float64(nil), l.biases...)}
		for o, row := range l.weights {
			c.weights[o] = append([]float64(nil), row...)
		}
		out.layers[li] = c
	}
	return out
}

// CopyFrom overwrites n's parameters with src's.
func (n *Network) CopyFrom(src *Network) error {
	return n.SoftUpdate(src, 1)
}

// SoftUpdate moves n towards src: p = tau*src + (1-tau)*p.
func (n *Network) SoftUpdate(src *Network, tau float64) error {
	if err := n.sameShape(src); err != nil {
		return err
	}
	if tau < 0 || tau > 1 {
		return fmt.Errorf("soft update rate must be in [0,1], got %f", tau)
	}
	for li, l := range n.layers {
		s := src.layers[li]
		for o, row := range l.weights {
			for i := range row {
				row[i] = tau*s.weights[o][i] + (1-tau)*row[i]
			}
			l.biases[o] = tau*s.biases[o] + (1-tau)*l.biases[o]
		}
	}
	return nil
}

func (n *Network) sameShape(other *Network) error {
	if other == nil || n.inputs != other.inputs || len(n.layers) != len(other.layers) {
		return ErrShapeMismatch
	}
	for li, l := range n.layers {
		if l.outputs() != other.layers[li].outputs() || l.inputs() != other.layers[li].inputs() {
			return fmt.Errorf("%w: layer %d", ErrShapeMismatch, li)
		}
	}
	return nil
}

// Weights exports the parameters in their serializable form.
func (n *Network) Weights() model.NetworkWeights {
	out := model.NetworkWeights{Inputs: n.inputs, Layers: make([]model.LayerWeights, len(n.layers))}
	for li, l := range n.layers {
		lw := model.LayerWeights{
			Activation: l.activation.Name,
			Weights:    make([][]float64, len(l.weights)),
			Biases:     append([]float64(nil), l.biases...),
		}
		for o, row := range l.weights {
			lw.Weights[o] = append([]float64(nil), row...)
		}
		out.Layers[li] = lw
	}
	return out
}

// FromWeights rebuilds a network from exported parameters.
func FromWeights(w model.NetworkWeights) (*Network, error) {
	if w.Inputs <= 0 || len(w.Layers) == 0 {
		return nil, fmt.Errorf("%w: empty network weights", ErrShapeMismatch)
	}
	n := &Network{inputs: w.Inputs, layers: make([]*layer, len(w.Layers))}
	fanIn := w.Inputs
	for li, lw := range w.Layers {
		act, err := GetActivation(lw.Activation)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", li, err)
		}
		if len(lw.Weights) == 0 || len(lw.Biases) != len(lw.Weights) {
			return nil, fmt.Errorf("%w: layer %d has %d weight rows and %d biases", ErrShapeMismatch, li, len(lw.Weights), len(lw.Biases))
		}
		l := &layer{activation: act, weights: make([][]float64, len(lw.Weights)), biases: append([]float64(nil), lw.Biases...)}
		for o, row := range lw.Weights {
			if len(row) != fanIn {
				return nil, fmt.Errorf("%w: layer %d row %d has %d inputs, want %d", ErrShapeMismatch, li, o, len(row), fanIn)
			}
			l.weights[o] = append([]float64(nil), row...)
		}
		n.layers[li] = l
		fanIn = len(lw.Weights)
	}
	return n, nil
}

// LoadWeights replaces n's parameters, requiring an identical shape.
func (n *Network) LoadWeights(w model.NetworkWeights) error {
	loaded, err := FromWeights(w)
	if err != nil {
		return err
	}
	if err := n.sameShape(loaded); err != nil {
		return err
	}
	n.layers = loaded.layers
	return nil
}
