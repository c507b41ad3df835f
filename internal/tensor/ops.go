package tensor

import (
	"github.com/pkg/errors"
)

// Allocator is implemented by Session (caller-owned results) and Scope
// (scope-owned results).
type Allocator interface {
	Zeros(shape ...int) *Tensor
	Reshape(t *Tensor, shape ...int) (*Tensor, error)
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(a Allocator, ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.Wrap(ErrShape, "stack of zero tensors")
	}
	inner := ts[0].Shape()
	for i, t := range ts[1:] {
		if !SameShape(inner, t.shape) {
			return nil, errors.Wrapf(ErrShape, "stack: tensor %d has shape %v, want %v", i+1, t.shape, inner)
		}
	}
	out := a.Zeros(append([]int{len(ts)}, inner...)...)
	n := numElements(inner)
	dst := out.Data()
	for i, t := range ts {
		copy(dst[i*n:(i+1)*n], t.Data())
	}
	return out, nil
}

// OneHot encodes each index as a row of length depth with a single 1.
func OneHot(a Allocator, indices []int, depth int) (*Tensor, error) {
	if len(indices) == 0 || depth <= 0 {
		return nil, errors.Wrapf(ErrShape, "one-hot of %d indices with depth %d", len(indices), depth)
	}
	for i, idx := range indices {
		if idx < 0 || idx >= depth {
			return nil, errors.Wrapf(ErrShape, "one-hot index %d at row %d outside [0,%d)", idx, i, depth)
		}
	}
	out := a.Zeros(len(indices), depth)
	data := out.Data()
	for i, idx := range indices {
		data[i*depth+idx] = 1
	}
	return out, nil
}

// ArgMax returns, for every row of the last axis, the index of its largest value.
func ArgMax(t *Tensor) []int {
	cols := t.shape[len(t.shape)-1]
	data := t.Data()
	rows := len(data) / cols
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[r] = best
	}
	return out
}

// Row returns a copy of row i of a tensor viewed as [rows, rest...].
func Row(t *Tensor, i int) []float32 {
	n := t.Size() / t.shape[0]
	out := make([]float32, n)
	copy(out, t.Data()[i*n:(i+1)*n])
	return out
}
