package nn

import (
	"errors"
	"testing"
)

func TestRegisterAndGetActivation(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	err := RegisterActivation(ActivationSpec{
		Name:       "quad",
		Func:       func(x float64) float64 { return x * x },
		Derivative: func(x float64) float64 { return 2 * x },
	})
	if err != nil {
		t.Fatalf("register activation: %v", err)
	}
	spec, err := GetActivation("quad")
	if err != nil {
		t.Fatalf("get activation: %v", err)
	}
	if got := spec.Func(3); got != 9 {
		t.Fatalf("unexpected activation result: got=%f want=9", got)
	}
	if got := spec.Derivative(3); got != 6 {
		t.Fatalf("unexpected derivative result: got=%f want=6", got)
	}
}

func TestRegisterActivationValidation(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	if err := RegisterActivation(ActivationSpec{Func: func(x float64) float64 { return x }}); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := RegisterActivation(ActivationSpec{Name: "nil"}); err == nil {
		t.Fatal("expected nil function error")
	}
}

func TestRegisterActivationDuplicate(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	spec := ActivationSpec{Name: "dup", Func: func(x float64) float64 { return x }, Derivative: func(float64) float64 { return 1 }}
	if err := RegisterActivation(spec); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := RegisterActivation(spec); !errors.Is(err, ErrActivationExists) {
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
}

func TestBuiltinsAvailable(t *testing.T) {
	for _, name := range []string{"identity", "relu", "tanh", "sigmoid", "softplus"} {
		spec, err := GetActivation(name)
		if err != nil {
			t.Fatalf("get builtin activation %s: %v", name, err)
		}
		_ = spec.Func(1.0)
	}
	names := ListActivations()
	if len(names) != 5 || names[0] != "identity" {
		t.Fatalf("unexpected activation list: %+v", names)
	}
}

func TestSoftplusStable(t *testing.T) {
	if got := Softplus(1000); got != 1000 {
		t.Fatalf("expected linear regime for large input, got=%f", got)
	}
	if got := Softplus(-1000); got != 0 {
		t.Fatalf("expected zero for very negative input, got=%g", got)
	}
}
