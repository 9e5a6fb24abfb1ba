package nn

import (
	"math"
	"testing"
)

func TestDerivativeMatchesFiniteDifference(t *testing.T) {
	const h = 1e-6
	for _, name := range []string{"identity", "tanh", "sigmoid", "softplus"} {
		spec, err := GetActivation(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		for _, x := range []float64{-1.3, 0.2, 2.5} {
			numeric := (spec.Func(x+h) - spec.Func(x-h)) / (2 * h)
			got, err := Derivative(name, x)
			if err != nil {
				t.Fatalf("derivative %s: %v", name, err)
			}
			if math.Abs(got-numeric) > 1e-5 {
				t.Fatalf("%s'(%f): got=%f numeric=%f", name, x, got, numeric)
			}
		}
	}
}

func TestDerivativeUnsupported(t *testing.T) {
	if _, err := Derivative("unknown", 1); err == nil {
		t.Fatal("expected unsupported derivative error")
	}
}
