package nn

import "math"

const leakySlope = 0.01

func Derivative(name string, x float64) (float64, error) {
	a, err := GetActivation(name)
	if err != nil {
		return 0, err
	}
	return a.Derivative(x), nil
}

func identityDerivative(float64) float64 { return 1 }

func reluDerivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

func leakyReluDerivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return leakySlope
}

func tanhDerivative(x float64) float64 {
	y := math.Tanh(x)
	return 1 - (y * y)
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func sigmoidDerivative(x float64) float64 {
	s := sigmoid(x)
	return s * (1 - s)
}
