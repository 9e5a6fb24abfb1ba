package nn

import (
	"math"
	"math/rand/v2"
)

// GlorotUniform fills p with samples from U(-l, l), l = sqrt(6/(fanIn+fanOut)).
func GlorotUniform(p *Param, rng *rand.Rand) {
	r, c := p.Value.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))
	data := p.Data()
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
}
