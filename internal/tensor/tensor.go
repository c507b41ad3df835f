package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrShape is returned when a shape is invalid or incompatible with an operation.
	ErrShape = errors.New("tensor: invalid shape")
	// ErrSessionClosed is returned by allocations on a closed Session.
	ErrSessionClosed = errors.New("tensor: session closed")
)

// Tensor is a dense float32 array in row-major order. Every tensor is owned by a
// Session and must be released, either directly or by the Scope that allocated it.
type Tensor struct {
	shape []int
	buf   *buffer
	sess  *Session
}

// buffer is shared between a tensor and its reshaped views.
type buffer struct {
	data []float32
	refs int
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int {
	out := make([]int, len(t.shape))
	copy(out, t.shape)
	return out
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return numElements(t.shape) }

// Data exposes the backing slice. It panics after the tensor was released.
func (t *Tensor) Data() []float32 {
	if t.buf == nil {
		panic("tensor: use of released tensor")
	}
	return t.buf.data
}

// Released reports whether Release has been called.
func (t *Tensor) Released() bool { return t.buf == nil }

// Release drops the tensor's reference to its data. It is safe to call more than once.
func (t *Tensor) Release() {
	if t == nil || t.buf == nil {
		return
	}
	t.sess.release(t)
}

// At returns the element at the given index.
func (t *Tensor) At(idx ...int) float32 {
	return t.Data()[t.offset(idx)]
}

// Set writes v at the given index.
func (t *Tensor) Set(v float32, idx ...int) {
	t.Data()[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d, tensor rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for dim %d (size %d)", v, i, t.shape[i]))
		}
		off = off*t.shape[i] + v
	}
	return off
}

func (t *Tensor) String() string {
	if t.buf == nil {
		return fmt.Sprintf("Tensor%v(released)", t.shape)
	}
	return fmt.Sprintf("Tensor%v", t.shape)
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func checkShape(shape []int) error {
	if len(shape) == 0 {
		return errors.Wrap(ErrShape, "empty shape")
	}
	for i, d := range shape {
		if d <= 0 {
			return errors.Wrapf(ErrShape, "dim %d must be positive, got %d", i, d)
		}
	}
	return nil
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
