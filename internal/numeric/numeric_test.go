package numeric

import (
	"math"
	"testing"
)

func TestArgMaxFirstMaximum(t *testing.T) {
	if got := ArgMax([]int{1, 5, 5, 2}); got != 1 {
		t.Fatalf("unexpected argmax: got=%d want=1", got)
	}
	if got := ArgMax([]float64{-3, -1, -2}); got != 1 {
		t.Fatalf("unexpected argmax: got=%d want=1", got)
	}
	if got := ArgMax([]float64(nil)); got != -1 {
		t.Fatalf("expected -1 for empty slice, got=%d", got)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(1.5, 0.0, 1.0); got != 1 {
		t.Fatalf("unexpected clamp: %f", got)
	}
	if got := Clamp(-2, 0, 10); got != 0 {
		t.Fatalf("unexpected clamp: %d", got)
	}
}

func TestAllFiniteAndSummary(t *testing.T) {
	if !AllFinite([]float64{1, 2, 3}) {
		t.Fatal("expected finite values")
	}
	if AllFinite([]float64{1, math.NaN()}) || AllFinite([]float64{math.Inf(-1)}) {
		t.Fatal("expected non-finite detection")
	}
	lo, hi, mean := MinMaxMean([]float64{2, 4, 6})
	if lo != 2 || hi != 6 || mean != 4 {
		t.Fatalf("unexpected summary: lo=%f hi=%f mean=%f", lo, hi, mean)
	}
}
