package agent

import (
	"fmt"
	"math/rand"

	"causalrl/internal/action"
	"causalrl/internal/model"
	"causalrl/internal/nn"
)

// cortex pairs the online value network with its lagged target copy. Only
// the value network receives gradient updates; the target moves on sync.
type cortex struct {
	value  *nn.Network
	target *nn.Network
	opt    *nn.Adam
}

func newCortex(cfg Config, rng *rand.Rand) (*cortex, error) {
	value, err := nn.NewNetwork(cfg.StateSize, cfg.Hidden, action.Count, cfg.HiddenActivation, "identity", rng)
	if err != nil {
		return nil, fmt.Errorf("value network: %w", err)
	}
	return &cortex{
		value:  value,
		target: value.Clone(),
		opt:    nn.NewAdam(cfg.LearningRate, cfg.MaxGradNorm),
	}, nil
}

func (c *cortex) values(vector []float64) ([]float64, error) {
	return c.value.Forward(vector)
}

// bootstrap is max_a' Q_target(next, a').
func (c *cortex) bootstrap(next []float64) (float64, error) {
	q, err := c.target.Forward(next)
	if err != nil {
		return 0, err
	}
	return q[nn.ArgMax(q)], nil
}

func (c *cortex) update(samples []nn.Sample) (loss, norm float64, err error) {
	grads, loss, err := c.value.Gradient(samples)
	if err != nil {
		return 0, 0, err
	}
	norm, err = c.opt.Step(c.value, grads)
	return loss, norm, err
}

func (c *cortex) sync(tau float64) error {
	if tau >= 1 {
		return c.target.CopyFrom(c.value)
	}
	return c.target.SoftUpdate(c.value, tau)
}

func (c *cortex) weights() (value, target model.NetworkWeights) {
	return c.value.Weights(), c.target.Weights()
}

// load replaces both networks. The optimizer's moment estimates restart.
func (c *cortex) load(value, target model.NetworkWeights, cfg Config) error {
	if err := c.value.LoadWeights(value); err != nil {
		return fmt.Errorf("value network: %w", err)
	}
	if err := c.target.LoadWeights(target); err != nil {
		return fmt.Errorf("target network: %w", err)
	}
	c.opt = nn.NewAdam(cfg.LearningRate, cfg.MaxGradNorm)
	return nil
}
