package nn

import (
	"math"
	"testing"
)

// Analytic derivatives must agree with central differences away from kinks.
func TestDerivativesMatchFiniteDifferences(t *testing.T) {
	const h = 1e-6
	for _, name := range []string{"identity", "relu", "leaky_relu", "tanh", "sigmoid"} {
		act, err := GetActivation(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		for _, x := range []float64{-1.3, -0.4, 0.35, 2.1} {
			numeric := (act.Func(x+h) - act.Func(x-h)) / (2 * h)
			analytic, err := Derivative(name, x)
			if err != nil {
				t.Fatalf("derivative %s: %v", name, err)
			}
			if math.Abs(numeric-analytic) > 1e-5 {
				t.Fatalf("%s'(%f): analytic=%f numeric=%f", name, x, analytic, numeric)
			}
		}
	}
}
