// Package imageio writes generated samples to disk.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"cpvae/internal/data"
	"cpvae/internal/numeric"
)

// ToImage converts [0,1] intensities laid out as H×W×C into an image. One
// channel gives grayscale, three give RGB; other channel counts use the
// first channel.
func ToImage(pixels []float64, shape data.Shape) (image.Image, error) {
	if len(pixels) != shape.Size() {
		return nil, fmt.Errorf("%w: %d pixels for %s", data.ErrBadShape, len(pixels), shape)
	}
	at := func(y, x, c int) uint8 {
		v := numeric.Clamp(pixels[(y*shape.Width+x)*shape.Channels+c], 0, 1)
		return uint8(math.Round(255 * v))
	}
	rect := image.Rect(0, 0, shape.Width, shape.Height)
	if shape.Channels == 3 {
		img := image.NewRGBA(rect)
		for y := 0; y < shape.Height; y++ {
			for x := 0; x < shape.Width; x++ {
				img.Set(x, y, color.RGBA{R: at(y, x, 0), G: at(y, x, 1), B: at(y, x, 2), A: 255})
			}
		}
		return img, nil
	}
	img := image.NewGray(rect)
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			img.SetGray(x, y, color.Gray{Y: at(y, x, 0)})
		}
	}
	return img, nil
}

// WritePNG encodes pixels to path, creating parent directories.
func WritePNG(path string, pixels []float64, shape data.Shape) error {
	img, err := ToImage(pixels, shape)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// SampleName is the file name of the i-th sample written after an epoch.
func SampleName(epoch, i int) string {
	return fmt.Sprintf("epoch_%d_sample_%d.png", epoch, i)
}
