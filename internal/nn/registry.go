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

// ActivationSpec pairs an activation with its derivative, both taken with
// respect to the pre-activation input.
type ActivationSpec struct {
	Name       string
	Func       ActivationFunc
	Derivative ActivationFunc
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]ActivationSpec
}{
	m: make(map[string]ActivationSpec),
}

// Networks validate their activation on registration, so both registries
// are filled from this single init.
func init() {
	initializeBuiltInActivations()
	initializeBuiltInNetworks()
}

func initializeBuiltInActivations() {
	mustRegister(ActivationSpec{
		Name:       "identity",
		Func:       func(x float64) float64 { return x },
		Derivative: func(float64) float64 { return 1 },
	})
	mustRegister(ActivationSpec{
		Name: "relu",
		Func: func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return x
		},
		Derivative: func(x float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
	})
	mustRegister(ActivationSpec{
		Name: "tanh",
		Func: math.Tanh,
		Derivative: func(x float64) float64 {
			y := math.Tanh(x)
			return 1 - y*y
		},
	})
	mustRegister(ActivationSpec{
		Name: "sigmoid",
		Func: Sigmoid,
		Derivative: func(x float64) float64 {
			s := Sigmoid(x)
			return s * (1 - s)
		},
	})
	mustRegister(ActivationSpec{
		Name:       "softplus",
		Func:       Softplus,
		Derivative: Sigmoid,
	})
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Softplus computes log(1+exp(x)) without overflowing for large x.
func Softplus(x float64) float64 {
	return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}

func RegisterActivation(spec ActivationSpec) error {
	if spec.Name == "" {
		return errors.New("activation name is required")
	}
	if spec.Func == nil || spec.Derivative == nil {
		return errors.New("activation function and derivative are required")
	}

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, spec.Name)
	}
	activationRegistry.m[spec.Name] = spec
	return nil
}

func mustRegister(spec ActivationSpec) {
	if err := RegisterActivation(spec); err != nil {
		panic(err)
	}
}

func GetActivation(name string) (ActivationSpec, error) {
	activationRegistry.mu.RLock()
	spec, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return ActivationSpec{}, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return spec, nil
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
	activationRegistry.m = make(map[string]ActivationSpec)
	activationRegistry.mu.Unlock()
	initializeBuiltInActivations()
}
