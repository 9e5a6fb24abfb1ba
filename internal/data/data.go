// Package data supplies labelled image batches to the trainer.
package data

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrEmptyDataset = errors.New("dataset is empty")
	ErrBadShape     = errors.New("image shape mismatch")
)

// Shape is the per-image layout (height, width, channels).
type Shape struct {
	Height   int
	Width    int
	Channels int
}

func (s Shape) Size() int {
	return s.Height * s.Width * s.Channels
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Height, s.Width, s.Channels)
}

// Batch holds N images stored row-major as N×H×W×C bytes.
type Batch struct {
	Images []uint8
	Labels []int
	Shape  Shape
}

func (b Batch) Len() int {
	return len(b.Labels)
}

// Matrix flattens the images into an N×(H·W·C) matrix scaled to [0,1].
func (b Batch) Matrix() *mat.Dense {
	n := b.Len()
	size := b.Shape.Size()
	out := make([]float64, n*size)
	for i, v := range b.Images[:n*size] {
		out[i] = float64(v) / 255
	}
	return mat.NewDense(n, size, out)
}

func (b Batch) Validate() error {
	if b.Len() == 0 {
		return ErrEmptyDataset
	}
	if b.Shape.Size() <= 0 || len(b.Images) != b.Len()*b.Shape.Size() {
		return fmt.Errorf("%w: %d bytes for %d images of %s", ErrBadShape, len(b.Images), b.Len(), b.Shape)
	}
	return nil
}

// Dataset is a finite, re-iterable sequence of batches.
type Dataset interface {
	Batches() []Batch
	NumBatches() int
}

// Memory is a Dataset over examples held in memory.
type Memory struct {
	batches []Batch
}

// NewMemory splits images and labels into batches of at most batchSize
// examples, preserving order.
func NewMemory(images []uint8, labels []int, shape Shape, batchSize int) (*Memory, error) {
	if len(labels) == 0 {
		return nil, ErrEmptyDataset
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive: %d", batchSize)
	}
	size := shape.Size()
	if size <= 0 || len(images) != len(labels)*size {
		return nil, fmt.Errorf("%w: %d bytes for %d images of %s", ErrBadShape, len(images), len(labels), shape)
	}
	m := &Memory{}
	for start := 0; start < len(labels); start += batchSize {
		end := min(start+batchSize, len(labels))
		m.batches = append(m.batches, Batch{
			Images: images[start*size : end*size],
			Labels: labels[start:end],
			Shape:  shape,
		})
	}
	return m, nil
}

func (m *Memory) Batches() []Batch { return m.batches }

func (m *Memory) NumBatches() int { return len(m.batches) }

// NumClasses returns one more than the largest label seen.
func NumClasses(ds Dataset) int {
	maxLabel := -1
	for _, b := range ds.Batches() {
		for _, l := range b.Labels {
			maxLabel = max(maxLabel, l)
		}
	}
	return maxLabel + 1
}

// Count returns the number of examples across every batch.
func Count(ds Dataset) int {
	var n int
	for _, b := range ds.Batches() {
		n += b.Len()
	}
	return n
}
