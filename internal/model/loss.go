package model

import "math"

const lossEpsilon = 1e-7

// crossEntropy returns the mean categorical cross-entropy of probs against
// one-hot targets over n rows of width c, with probabilities clipped to
// [1e-7, 1-1e-7]. When grad is non-nil it receives dLoss/dProbs.
func crossEntropy(probs, targets []float32, n, c int, grad []float32) float64 {
	var total float64
	inv := 1 / float64(n)
	for i := 0; i < n*c; i++ {
		t := float64(targets[i])
		p := float64(probs[i])
		clipped := math.Min(math.Max(p, lossEpsilon), 1-lossEpsilon)
		if t != 0 {
			total -= t * math.Log(clipped)
		}
		if grad != nil {
			grad[i] = float32(-t / clipped * inv)
		}
	}
	return total * inv
}

// accuracy is the fraction of rows whose arg max matches the target's.
func accuracy(probs, targets []float32, n, c int) float64 {
	if n == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < n; i++ {
		if argmax(probs[i*c:(i+1)*c]) == argmax(targets[i*c:(i+1)*c]) {
			correct++
		}
	}
	return float64(correct) / float64(n)
}

func argmax(row []float32) int {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}
