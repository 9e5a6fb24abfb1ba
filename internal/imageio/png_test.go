package imageio

import (
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"cpvae/internal/data"
)

func TestWritePNGGray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", SampleName(3, 1))
	shape := data.Shape{Height: 2, Width: 2, Channels: 1}
	if err := WritePNG(path, []float64{0, 0.5, 1, 2}, shape); err != nil {
		t.Fatalf("write png: %v", err)
	}
	if filepath.Base(path) != "epoch_3_sample_1.png" {
		t.Fatalf("unexpected sample name: %s", filepath.Base(path))
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open png: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != 2 || img.Bounds().Dy() != 2 {
		t.Fatalf("unexpected bounds: %v", img.Bounds())
	}
	r, _, _, _ := img.At(1, 1).RGBA()
	if r>>8 != 255 {
		t.Fatalf("expected clipped white pixel, got=%d", r>>8)
	}
}

func TestToImageShapeMismatch(t *testing.T) {
	_, err := ToImage([]float64{1}, data.Shape{Height: 2, Width: 2, Channels: 3})
	if !errors.Is(err, data.ErrBadShape) {
		t.Fatalf("expected ErrBadShape, got: %v", err)
	}
}
