package nn

import (
	"errors"
	"testing"
)

func square(x float64) float64 { return x * x }
func double(x float64) float64 { return 2 * x }
func passthru(x float64) float64 { return x }

func TestRegisterAndGetActivation(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	if err := RegisterActivation(Activation{Name: "quad", Func: square, Derivative: double}); err != nil {
		t.Fatalf("register activation: %v", err)
	}
	act, err := GetActivation("quad")
	if err != nil {
		t.Fatalf("get activation: %v", err)
	}
	if got := act.Func(3); got != 9 {
		t.Fatalf("unexpected activation result: got=%f want=9", got)
	}
	if got, _ := Derivative("quad", 3); got != 6 {
		t.Fatalf("unexpected derivative result: got=%f want=6", got)
	}
}

func TestRegisterActivationValidation(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	if err := RegisterActivation(Activation{Func: passthru, Derivative: passthru}); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := RegisterActivation(Activation{Name: "nil", Derivative: passthru}); err == nil {
		t.Fatal("expected nil function error")
	}
	if err := RegisterActivation(Activation{Name: "no-derivative", Func: passthru}); err == nil {
		t.Fatal("expected missing derivative error")
	}
}

func TestRegisterActivationDuplicate(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	if err := RegisterActivation(Activation{Name: "dup", Func: passthru, Derivative: passthru}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := RegisterActivation(Activation{Name: "dup", Func: passthru, Derivative: passthru}); !errors.Is(err, ErrActivationExists) {
		t.Fatalf("expected ErrActivationExists, got: %v", err)
	}
}

func TestGetActivationNotFound(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	_, err := GetActivation("missing")
	if !errors.Is(err, ErrActivationNotFound) {
		t.Fatalf("expected ErrActivationNotFound, got: %v", err)
	}
	if _, err := Derivative("missing", 1); err == nil {
		t.Fatal("expected unsupported derivative error")
	}
}

func TestListActivationsSorted(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	names := ListActivations()
	want := []string{"identity", "leaky_relu", "relu", "sigmoid", "tanh"}
	if len(names) != len(want) {
		t.Fatalf("unexpected activation list: %+v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected activation list: %+v", names)
		}
	}
}
