package optim

import (
	"fmt"
	"math"

	"cpvae/internal/nn"
)

type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 1e-3,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam keeps first and second moment estimates per parameter and applies
// bias-corrected updates.
type Adam struct {
	cfg   AdamConfig
	step  int64
	slots map[string][]float64
}

func NewAdam(cfg AdamConfig) *Adam {
	return &Adam{cfg: cfg, slots: make(map[string][]float64)}
}

func (a *Adam) Name() string { return "adam" }

func (a *Adam) Step(params []*nn.Param) {
	a.step++
	t := float64(a.step)
	bc1 := 1 - math.Pow(a.cfg.Beta1, t)
	bc2 := 1 - math.Pow(a.cfg.Beta2, t)
	for _, p := range params {
		data := p.Data()
		grad := p.GradData()
		m := slotFor(a.slots, slotKey(p.Name, "m"), len(data))
		v := slotFor(a.slots, slotKey(p.Name, "v"), len(data))
		for i, g := range grad {
			m[i] = a.cfg.Beta1*m[i] + (1-a.cfg.Beta1)*g
			v[i] = a.cfg.Beta2*v[i] + (1-a.cfg.Beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			data[i] -= a.cfg.LearningRate * mHat / (math.Sqrt(vHat) + a.cfg.Epsilon)
		}
	}
}

func (a *Adam) State() State {
	return State{Name: a.Name(), Step: a.step, Slots: copySlots(a.slots)}
}

func (a *Adam) LoadState(s State) error {
	if s.Name != a.Name() {
		return fmt.Errorf("optimizer state for %q cannot load into %q", s.Name, a.Name())
	}
	a.step = s.Step
	a.slots = copySlots(s.Slots)
	return nil
}
