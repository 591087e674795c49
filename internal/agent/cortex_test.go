package agent

import (
	"math/rand"
	"reflect"
	"testing"

	"causalrl/internal/action"
	"causalrl/internal/nn"
)

func TestCortexTargetStartsAsCopy(t *testing.T) {
	cfg := DefaultConfig(3)
	cfg.Hidden = []int{4}
	cx, err := newCortex(cfg, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("new cortex: %v", err)
	}
	value, target := cx.weights()
	if !reflect.DeepEqual(value, target) {
		t.Fatal("target network should start identical to the value network")
	}
	q, err := cx.values([]float64{0.1, -0.2, 0.3})
	if err != nil {
		t.Fatalf("values: %v", err)
	}
	if len(q) != action.Count {
		t.Fatalf("expected %d estimates, got %d", action.Count, len(q))
	}
	best, err := cx.bootstrap([]float64{0.1, -0.2, 0.3})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if best != q[nn.ArgMax(q)] {
		t.Fatalf("bootstrap %f should equal max estimate %f while networks agree", best, q[nn.ArgMax(q)])
	}
}

func TestCortexUpdateLeavesTargetUntilSync(t *testing.T) {
	cfg := DefaultConfig(2)
	cfg.Hidden = []int{4}
	cfg.LearningRate = 0.05
	cx, err := newCortex(cfg, rand.New(rand.NewSource(9)))
	if err != nil {
		t.Fatalf("new cortex: %v", err)
	}
	_, before := cx.weights()
	samples := []nn.Sample{{Input: []float64{1, 0}, Output: int(action.RerouteShipments), Target: 2}}
	if _, _, err := cx.update(samples); err != nil {
		t.Fatalf("update: %v", err)
	}
	value, target := cx.weights()
	if !reflect.DeepEqual(before, target) {
		t.Fatal("gradient updates must not touch the target network")
	}
	if reflect.DeepEqual(value, target) {
		t.Fatal("value network should have moved")
	}

	if err := cx.sync(0.5); err != nil {
		t.Fatalf("soft sync: %v", err)
	}
	_, soft := cx.weights()
	want := before.Layers[0].Weights[0][0]*0.5 + value.Layers[0].Weights[0][0]*0.5
	if got := soft.Layers[0].Weights[0][0]; got != want {
		t.Fatalf("soft sync weight: got %f want %f", got, want)
	}

	if err := cx.sync(1); err != nil {
		t.Fatalf("hard sync: %v", err)
	}
	value, target = cx.weights()
	if !reflect.DeepEqual(value, target) {
		t.Fatal("hard sync should copy the value network")
	}
}
