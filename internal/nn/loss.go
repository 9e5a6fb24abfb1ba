package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SoftmaxCrossEntropy returns per-row cross entropy of softmax(logits)
// against integer labels and its gradient with respect to the logits.
func SoftmaxCrossEntropy(logits *mat.Dense, labels []int) ([]float64, *mat.Dense) {
	rows, cols := logits.Dims()
	loss := make([]float64, rows)
	grad := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := logits.RawRowView(i)
		logZ := floats.LogSumExp(row)
		loss[i] = logZ - row[labels[i]]
		g := grad.RawRowView(i)
		for c, v := range row {
			g[c] = math.Exp(v - logZ)
		}
		g[labels[i]] -= 1
	}
	return loss, grad
}
