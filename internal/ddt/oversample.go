package ddt

import "math/rand/v2"

// Oversample balances classes by drawing, with replacement, extra examples of
// every minority class until each class matches the largest one. The original
// rows are kept first and in order.
func Oversample(X [][]float64, y []int, numClasses int, rng *rand.Rand) ([][]float64, []int) {
	byClass := make([][]int, numClasses)
	for i, label := range y {
		byClass[label] = append(byClass[label], i)
	}
	largest := 0
	for _, members := range byClass {
		largest = max(largest, len(members))
	}
	outX := append([][]float64(nil), X...)
	outY := append([]int(nil), y...)
	for label, members := range byClass {
		if len(members) == 0 {
			continue
		}
		for extra := len(members); extra < largest; extra++ {
			i := members[rng.IntN(len(members))]
			outX = append(outX, X[i])
			outY = append(outY, label)
		}
	}
	return outX, outY
}
