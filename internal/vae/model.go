// Package vae implements the variational autoencoder and its prior models.
package vae

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"cpvae/internal/dist"
	"cpvae/internal/nn"

	"gonum.org/v1/gonum/mat"
)

const (
	posteriorScaleFloor = 1e-5
	outputScaleFloor    = 1e-3
)

var ErrInvalidConfig = errors.New("invalid model config")

type Config struct {
	InputDim   int
	LatentDim  int
	Encoder    string
	Decoder    string
	OutputDist string
	MCSamples  int
}

// Model is an MLP encoder with loc and softplus scale heads and an MLP
// decoder with per-pixel loc and scale heads.
type Model struct {
	cfg       Config
	encoder   *nn.MLP
	locHead   *nn.Dense
	scaleHead *nn.Dense
	decoder   *nn.MLP
	outLoc    *nn.Dense
	outScale  *nn.Dense
	output    dist.OutputDist
}

func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if cfg.InputDim <= 0 || cfg.LatentDim <= 0 {
		return nil, fmt.Errorf("%w: input dim %d, latent dim %d", ErrInvalidConfig, cfg.InputDim, cfg.LatentDim)
	}
	if cfg.MCSamples <= 0 {
		cfg.MCSamples = dist.DefaultMCSamples
	}
	output, err := dist.NewOutputDist(cfg.OutputDist)
	if err != nil {
		return nil, err
	}
	encSpec, err := nn.GetNetwork(cfg.Encoder)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	decSpec, err := nn.GetNetwork(cfg.Decoder)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}

	m := &Model{cfg: cfg, output: output}
	if m.encoder, err = nn.NewMLP("encoder", cfg.InputDim, encSpec.Hidden, encSpec.Activation, rng); err != nil {
		return nil, err
	}
	embed := m.encoder.OutDim(cfg.InputDim)
	if m.locHead, err = nn.NewDense("posterior/loc", embed, cfg.LatentDim, "identity", rng); err != nil {
		return nil, err
	}
	if m.scaleHead, err = nn.NewDense("posterior/scale", embed, cfg.LatentDim, "identity", rng); err != nil {
		return nil, err
	}
	if m.decoder, err = nn.NewMLP("decoder", cfg.LatentDim, decSpec.Hidden, decSpec.Activation, rng); err != nil {
		return nil, err
	}
	hidden := m.decoder.OutDim(cfg.LatentDim)
	if m.outLoc, err = nn.NewDense("output/loc", hidden, cfg.InputDim, "identity", rng); err != nil {
		return nil, err
	}
	if m.outScale, err = nn.NewDense("output/scale", hidden, cfg.InputDim, "identity", rng); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) Config() Config {
	return m.cfg
}

func (m *Model) OutputDist() dist.OutputDist {
	return m.output
}

func (m *Model) Params() []*nn.Param {
	var params []*nn.Param
	params = append(params, m.encoder.Params()...)
	params = append(params, m.locHead.Params()...)
	params = append(params, m.scaleHead.Params()...)
	params = append(params, m.decoder.Params()...)
	params = append(params, m.outLoc.Params()...)
	params = append(params, m.outScale.Params()...)
	return params
}

// Output is one forward pass with everything Backward needs.
type Output struct {
	Posterior *dist.DiagGaussian
	Eps       *mat.Dense
	Z         *mat.Dense
	OutLoc    *mat.Dense
	OutScale  *mat.Dense

	encCache      *nn.MLPCache
	locCache      *nn.DenseCache
	scaleCache    *nn.DenseCache
	decCache      *nn.MLPCache
	outLocCache   *nn.DenseCache
	outScaleCache *nn.DenseCache
}

func softplusFloor(pre *mat.Dense, floor float64) *mat.Dense {
	r, c := pre.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 { return nn.Softplus(v) + floor }, pre)
	return out
}

// Posterior encodes x without keeping backward caches.
func (m *Model) Posterior(x *mat.Dense) *dist.DiagGaussian {
	q, _, _, _ := m.posterior(x)
	return q
}

func (m *Model) posterior(x *mat.Dense) (*dist.DiagGaussian, *nn.MLPCache, *nn.DenseCache, *nn.DenseCache) {
	embed, encCache := m.encoder.Forward(x)
	loc, locCache := m.locHead.Forward(embed)
	pre, scaleCache := m.scaleHead.Forward(embed)
	q := &dist.DiagGaussian{Loc: loc, Scale: softplusFloor(pre, posteriorScaleFloor)}
	return q, encCache, locCache, scaleCache
}

// Decode maps latents to output loc and scale.
func (m *Model) Decode(z *mat.Dense) (loc, scale *mat.Dense) {
	loc, scale, _, _, _ = m.decode(z)
	return loc, scale
}

func (m *Model) decode(z *mat.Dense) (*mat.Dense, *mat.Dense, *nn.MLPCache, *nn.DenseCache, *nn.DenseCache) {
	h, decCache := m.decoder.Forward(z)
	loc, locCache := m.outLoc.Forward(h)
	pre, scaleCache := m.outScale.Forward(h)
	return loc, softplusFloor(pre, outputScaleFloor), decCache, locCache, scaleCache
}

// Forward draws one reparameterized latent per row and decodes it.
func (m *Model) Forward(x *mat.Dense, rng *rand.Rand) *Output {
	q, encCache, locCache, scaleCache := m.posterior(x)
	eps, z := q.Sample(rng)
	loc, scale, decCache, outLocCache, outScaleCache := m.decode(z)
	return &Output{
		Posterior:     q,
		Eps:           eps,
		Z:             z,
		OutLoc:        loc,
		OutScale:      scale,
		encCache:      encCache,
		locCache:      locCache,
		scaleCache:    scaleCache,
		decCache:      decCache,
		outLocCache:   outLocCache,
		outScaleCache: outScaleCache,
	}
}

// Loss holds the unreduced distortion and rate of a forward pass.
type Loss struct {
	Distortion []float64
	Rate       []float64

	rate      dist.Rate
	dOutLoc   *mat.Dense
	dOutScale *mat.Dense
}

// Loss evaluates distortion as the output NLL of x and rate as the divergence
// from the prior: closed form for an isotropic prior, Monte-Carlo otherwise.
func (m *Model) Loss(x *mat.Dense, out *Output, prior dist.Prior, rng *rand.Rand) *Loss {
	nll, dLoc, dScale := m.output.NLL(x, out.OutLoc, out.OutScale)
	rate := dist.ComputeRate(out.Posterior, prior, m.cfg.MCSamples, rng)
	return &Loss{
		Distortion: nll,
		Rate:       rate.Values,
		rate:       rate,
		dOutLoc:    dLoc,
		dOutScale:  dScale,
	}
}

// Weights scale the mean of each loss term. Gamma is applied by the caller
// to the classifier gradient it passes to Backward.
type Weights struct {
	Alpha float64
	Beta  float64
}

// Backward accumulates gradients of mean(alpha*distortion + beta*rate) plus
// the optional extra posterior gradients into every model parameter. Terms
// with zero weight are skipped entirely.
func (m *Model) Backward(out *Output, loss *Loss, w Weights, extraLoc, extraScale *mat.Dense) {
	rows, latent := out.Z.Dims()
	n := float64(rows)
	dPostLoc := mat.NewDense(rows, latent, nil)
	dPostScale := mat.NewDense(rows, latent, nil)

	if w.Alpha != 0 {
		a := w.Alpha / n
		dLoc := scaled(a, loss.dOutLoc)
		dScale := scaled(a, loss.dOutScale)
		dScalePre := softplusBackward(dScale, out.outScaleCache.Pre)
		dh := m.outLoc.Backward(out.outLocCache, dLoc)
		dh.Add(dh, m.outScale.Backward(out.outScaleCache, dScalePre))
		dz := m.decoder.Backward(out.decCache, dh)
		dPostLoc.Add(dPostLoc, dz)
		dz.MulElem(dz, out.Eps)
		dPostScale.Add(dPostScale, dz)
	}
	if w.Beta != 0 {
		b := w.Beta / n
		dPostLoc.Add(dPostLoc, scaled(b, loss.rate.DLoc))
		dPostScale.Add(dPostScale, scaled(b, loss.rate.DScale))
	}
	if extraLoc != nil {
		dPostLoc.Add(dPostLoc, extraLoc)
	}
	if extraScale != nil {
		dPostScale.Add(dPostScale, extraScale)
	}

	de := m.locHead.Backward(out.locCache, dPostLoc)
	de.Add(de, m.scaleHead.Backward(out.scaleCache, softplusBackward(dPostScale, out.scaleCache.Pre)))
	m.encoder.Backward(out.encCache, de)
}

func scaled(f float64, m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	out.Scale(f, m)
	return out
}

func softplusBackward(dOut, pre *mat.Dense) *mat.Dense {
	r, c := dOut.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, v float64) float64 { return v * nn.Sigmoid(pre.At(i, j)) }, dOut)
	return out
}
