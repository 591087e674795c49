package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

type ActivationFunc func(x float64) float64

// Activation pairs a transfer function with its derivative with respect to
// the pre-activation input, which backpropagation needs.
type Activation struct {
	Name       string
	Func       ActivationFunc
	Derivative ActivationFunc
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]Activation
}{
	m: make(map[string]Activation),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	MustRegisterActivation(Activation{Name: "identity", Func: func(x float64) float64 { return x }, Derivative: identityDerivative})
	MustRegisterActivation(Activation{Name: "relu", Func: func(x float64) float64 {
		if x < 0 {
			return 0
		}
		return x
	}, Derivative: reluDerivative})
	MustRegisterActivation(Activation{Name: "leaky_relu", Func: func(x float64) float64 {
		if x < 0 {
			return leakySlope * x
		}
		return x
	}, Derivative: leakyReluDerivative})
	MustRegisterActivation(Activation{Name: "tanh", Func: math.Tanh, Derivative: tanhDerivative})
	MustRegisterActivation(Activation{Name: "sigmoid", Func: sigmoid, Derivative: sigmoidDerivative})
}

func RegisterActivation(a Activation) error {
	if a.Name == "" {
		return errors.New("activation name is required")
	}
	if a.Func == nil {
		return errors.New("activation function is required")
	}
	if a.Derivative == nil {
		return fmt.Errorf("activation %s requires a derivative", a.Name)
	}

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[a.Name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, a.Name)
	}
	activationRegistry.m[a.Name] = a
	return nil
}

func MustRegisterActivation(a Activation) {
	if err := RegisterActivation(a); err != nil {
		panic(err)
	}
}

func GetActivation(name string) (Activation, error) {
	activationRegistry.mu.RLock()
	entry, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return Activation{}, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return entry, nil
}

func ListActivations() []string {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()

	names := make([]string, 0, len(activationRegistry.m))
	for name := range activationRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetActivationRegistryForTests() {
	activationRegistry.mu.Lock()
	activationRegistry.m = make(map[string]Activation)
	activationRegistry.mu.Unlock()
	initializeBuiltInActivations()
}
