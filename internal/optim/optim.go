// Package optim implements gradient based parameter updates.
package optim

import (
	"errors"
	"fmt"
	"math"

	"cpvae/internal/nn"
)

var ErrUnknownOptimizer = errors.New("unknown optimizer")

// Optimizer applies one update to params using their accumulated gradients.
type Optimizer interface {
	Name() string
	Step(params []*nn.Param)
	State() State
	LoadState(State) error
}

// State is the serializable optimizer state: a step counter and one slot
// vector per parameter name and slot kind.
type State struct {
	Name  string
	Step  int64
	Slots map[string][]float64
}

// New returns the optimizer registered under name with learning rate lr.
func New(name string, lr float64) (Optimizer, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive: %g", lr)
	}
	switch name {
	case "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdam(cfg), nil
	case "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = lr
		return NewRMSProp(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOptimizer, name)
	}
}

// GlobalNorm is the L2 norm of all gradients taken together.
func GlobalNorm(params []*nn.Param) float64 {
	var sq float64
	for _, p := range params {
		for _, g := range p.GradData() {
			sq += g * g
		}
	}
	return math.Sqrt(sq)
}

// ClipByGlobalNorm rescales all gradients so their joint norm is at most clip
// and returns the norm measured before clipping. clip <= 0 disables clipping.
func ClipByGlobalNorm(params []*nn.Param, clip float64) float64 {
	norm := GlobalNorm(params)
	if clip <= 0 || norm <= clip || norm == 0 {
		return norm
	}
	scale := clip / norm
	for _, p := range params {
		p.Grad.Scale(scale, p.Grad)
	}
	return norm
}

func slotKey(param, slot string) string {
	return param + "/" + slot
}

func copySlots(in map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(in))
	for k, v := range in {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

func slotFor(slots map[string][]float64, key string, size int) []float64 {
	s, ok := slots[key]
	if !ok || len(s) != size {
		s = make([]float64, size)
		slots[key] = s
	}
	return s
}
