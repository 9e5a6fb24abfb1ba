package data

import (
	"math"
	"math/rand/v2"
)

// SyntheticOptions describes a toy dataset of class-dependent blobs.
type SyntheticOptions struct {
	Shape      Shape
	NumClasses int
	PerClass   int
	BatchSize  int
	Seed       uint64
}

// Synthetic renders one bright square per class at a class-specific location
// with pixel noise. Examples are shuffled with the seed.
func Synthetic(opts SyntheticOptions) (*Memory, error) {
	if opts.NumClasses <= 0 || opts.PerClass <= 0 {
		return nil, ErrEmptyDataset
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	size := opts.Shape.Size()
	n := opts.NumClasses * opts.PerClass
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i % opts.NumClasses
	}
	rng.Shuffle(n, func(i, j int) { labels[i], labels[j] = labels[j], labels[i] })

	images := make([]uint8, n*size)
	side := max(1, opts.Shape.Width/2)
	for i, label := range labels {
		img := images[i*size : (i+1)*size]
		// spread class centres along the image diagonal.
		offset := 0
		if opts.NumClasses > 1 {
			offset = label * max(0, opts.Shape.Width-side) / (opts.NumClasses - 1)
		}
		for y := 0; y < opts.Shape.Height; y++ {
			for x := 0; x < opts.Shape.Width; x++ {
				inside := x >= offset && x < offset+side && y >= offset && y < offset+side
				for c := 0; c < opts.Shape.Channels; c++ {
					v := 20 * rng.Float64()
					if inside {
						v = 200 + 55*rng.Float64()
					}
					img[(y*opts.Shape.Width+x)*opts.Shape.Channels+c] = uint8(math.Round(v))
				}
			}
		}
	}
	return NewMemory(images, labels, opts.Shape, opts.BatchSize)
}
