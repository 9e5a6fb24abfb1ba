package nn

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNetworkExists   = errors.New("network already registered")
	ErrNetworkNotFound = errors.New("network not found")
)

// NetworkSpec names a hidden-layer layout usable for encoder and decoder.
type NetworkSpec struct {
	Name       string
	Hidden     []int
	Activation string
}

var networkRegistry = struct {
	mu sync.RWMutex
	m  map[string]NetworkSpec
}{
	m: make(map[string]NetworkSpec),
}

func initializeBuiltInNetworks() {
	for _, spec := range []NetworkSpec{
		{Name: "mlp", Hidden: []int{256, 128}, Activation: "relu"},
		{Name: "mlp_small", Hidden: []int{64}, Activation: "relu"},
		{Name: "mlp_tanh", Hidden: []int{128, 64}, Activation: "tanh"},
		{Name: "linear", Activation: "identity"},
	} {
		if err := RegisterNetwork(spec); err != nil {
			panic(err)
		}
	}
}

func RegisterNetwork(spec NetworkSpec) error {
	if spec.Name == "" {
		return errors.New("network name is required")
	}
	if _, err := GetActivation(spec.Activation); err != nil {
		return fmt.Errorf("network %s: %w", spec.Name, err)
	}
	for _, w := range spec.Hidden {
		if w <= 0 {
			return fmt.Errorf("network %s: hidden width must be positive", spec.Name)
		}
	}
	networkRegistry.mu.Lock()
	defer networkRegistry.mu.Unlock()
	if _, exists := networkRegistry.m[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrNetworkExists, spec.Name)
	}
	spec.Hidden = append([]int(nil), spec.Hidden...)
	networkRegistry.m[spec.Name] = spec
	return nil
}

func GetNetwork(name string) (NetworkSpec, error) {
	networkRegistry.mu.RLock()
	spec, ok := networkRegistry.m[name]
	networkRegistry.mu.RUnlock()
	if !ok {
		return NetworkSpec{}, fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
	}
	spec.Hidden = append([]int(nil), spec.Hidden...)
	return spec, nil
}

func ListNetworks() []string {
	networkRegistry.mu.RLock()
	defer networkRegistry.mu.RUnlock()
	names := make([]string, 0, len(networkRegistry.m))
	for name := range networkRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetNetworkRegistryForTests() {
	networkRegistry.mu.Lock()
	networkRegistry.m = make(map[string]NetworkSpec)
	networkRegistry.mu.Unlock()
	initializeBuiltInNetworks()
}
