package nn

import "fmt"

// Derivative evaluates the registered derivative of an activation at x.
func Derivative(name string, x float64) (float64, error) {
	spec, err := GetActivation(name)
	if err != nil {
		return 0, fmt.Errorf("unsupported derivative: %w", err)
	}
	return spec.Derivative(x), nil
}
