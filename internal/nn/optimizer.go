package nn

import (
	"fmt"
	"math"
)

// Adam applies adaptive moment estimation updates with optional global
// gradient-norm clipping. State is bound to the first network it updates.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	// MaxGradNorm rescales gradients whose global norm exceeds it. Zero
	// disables clipping.
	MaxGradNorm float64

	m, v Gradients
	t    int
}

func NewAdam(learningRate, maxGradNorm float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		MaxGradNorm:  maxGradNorm,
	}
}

// Step applies one update to n and returns the gradient norm before clipping.
func (a *Adam) Step(n *Network, g Gradients) (float64, error) {
	if len(g.Weights) != len(n.layers) {
		return 0, fmt.Errorf("%w: gradients cover %d layers, network has %d", ErrShapeMismatch, len(g.Weights), len(n.layers))
	}
	norm := g.Norm()
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm, fmt.Errorf("non-finite gradient norm")
	}
	if a.MaxGradNorm > 0 && norm > a.MaxGradNorm {
		g.scale(a.MaxGradNorm / norm)
	}
	if a.m.Weights == nil {
		a.m = n.zeroGradients()
		a.v = n.zeroGradients()
	}
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	update := func(p, grad, m, v *float64) {
		*m = a.Beta1*(*m) + (1-a.Beta1)*(*grad)
		*v = a.Beta2*(*v) + (1-a.Beta2)*(*grad)*(*grad)
		*p -= a.LearningRate * (*m / c1) / (math.Sqrt(*v/c2) + a.Epsilon)
	}
	for li, l := range n.layers {
		for o, row := range l.weights {
			for i := range row {
				update(&row[i], &g.Weights[li][o][i], &a.m.Weights[li][o][i], &a.v.Weights[li][o][i])
			}
			update(&l.biases[o], &g.Biases[li][o], &a.m.Biases[li][o], &a.v.Biases[li][o])
		}
	}
	return norm, nil
}

// Steps reports how many updates have been applied.
func (a *Adam) Steps() int { return a.t }
