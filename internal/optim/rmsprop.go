package optim

import (
	"fmt"
	"math"

	"cpvae/internal/nn"
)

type RMSPropConfig struct {
	LearningRate float64
	Rho          float64
	Epsilon      float64
}

func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 1e-3,
		Rho:          0.9,
		Epsilon:      1e-7,
	}
}

// RMSProp divides each gradient by a running root mean square.
type RMSProp struct {
	cfg   RMSPropConfig
	step  int64
	slots map[string][]float64
}

func NewRMSProp(cfg RMSPropConfig) *RMSProp {
	return &RMSProp{cfg: cfg, slots: make(map[string][]float64)}
}

func (r *RMSProp) Name() string { return "rmsprop" }

func (r *RMSProp) Step(params []*nn.Param) {
	r.step++
	for _, p := range params {
		data := p.Data()
		grad := p.GradData()
		ms := slotFor(r.slots, slotKey(p.Name, "rms"), len(data))
		for i, g := range grad {
			ms[i] = r.cfg.Rho*ms[i] + (1-r.cfg.Rho)*g*g
			data[i] -= r.cfg.LearningRate * g / (math.Sqrt(ms[i]) + r.cfg.Epsilon)
		}
	}
}

func (r *RMSProp) State() State {
	return State{Name: r.Name(), Step: r.step, Slots: copySlots(r.slots)}
}

func (r *RMSProp) LoadState(s State) error {
	if s.Name != r.Name() {
		return fmt.Errorf("optimizer state for %q cannot load into %q", s.Name, r.Name())
	}
	r.step = s.Step
	r.slots = copySlots(s.Slots)
	return nil
}
