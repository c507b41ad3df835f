package model

import (
	"math"
	"math/rand"
	"sync"

	"doodle-forge/internal/tensor"
)

// param is a trainable weight. value lives in the session so it shows up in
// memory accounting; grad is scratch owned by the layer.
type param struct {
	name  string
	value *tensor.Tensor
	grad  []float32
}

func newParam(sess *tensor.Session, name string, shape ...int) *param {
	v := sess.Zeros(shape...)
	return &param{name: name, value: v, grad: make([]float32, v.Size())}
}

func (p *param) zeroGrad() {
	clear(p.grad)
}

// truncatedNormalStd undoes the variance lost by truncating at two
// standard deviations.
const truncatedNormalStd = 0.87962566103423978

// glorotNormal fills w from a normal distribution truncated at 2 sigma with
// variance 2 / (fanIn + fanOut).
func glorotNormal(rng *rand.Rand, w []float32, fanIn, fanOut int) {
	std := math.Sqrt(2/float64(fanIn+fanOut)) / truncatedNormalStd
	for i := range w {
		v := rng.NormFloat64()
		for math.Abs(v) > 2 {
			v = rng.NormFloat64()
		}
		w[i] = float32(v * std)
	}
}

func initKernel(rng *rand.Rand, init Initializer, w []float32, fanIn, fanOut int) {
	switch init {
	case Zeros:
		clear(w)
	default:
		glorotNormal(rng, w, fanIn, fanOut)
	}
}

// parallelFor splits [0, n) into at most workers contiguous chunks and runs fn
// on each. fn receives the chunk's worker index.
func parallelFor(n, workers int, fn func(worker, lo, hi int)) {
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, 0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, n)
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			fn(w, lo, hi)
		}(w, lo, hi)
	}
	wg.Wait()
}
