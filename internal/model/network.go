package model

import (
	"math/rand"

	"github.com/pkg/errors"

	"doodle-forge/internal/tensor"
)

// network is an instantiated Architecture: layers with their weights
// allocated in a session.
type network struct {
	arch   Architecture
	layers []layer
	params []*param
}

func newNetwork(sess *tensor.Session, arch Architecture, rng *rand.Rand) (*network, error) {
	if err := arch.validate(); err != nil {
		return nil, err
	}
	arch = arch.withNames()
	n := &network{arch: arch}
	shape := append([]int(nil), arch.InputShape...)
	seen := map[string]bool{}
	for i, lc := range arch.Layers {
		var (
			l   layer
			err error
		)
		switch {
		case lc.Conv2D != nil:
			l, err = newConv2D(sess, rng, *lc.Conv2D, shape)
		case lc.MaxPool2D != nil:
			l, err = newMaxPool2D(*lc.MaxPool2D, shape)
		case lc.Flatten != nil:
			l = &flatten{cfg: *lc.Flatten, in: shape}
		case lc.Dense != nil:
			l, err = newDense(sess, rng, *lc.Dense, shape)
		case lc.Dropout != nil:
			if lc.Dropout.Rate < 0 || lc.Dropout.Rate >= 1 {
				err = errors.Errorf("model: dropout rate %v outside [0,1)", lc.Dropout.Rate)
				break
			}
			l = &dropout{cfg: *lc.Dropout, shape: shape, rng: rng}
		default:
			err = errors.Errorf("model: layer %d has no configuration", i)
		}
		if err != nil {
			n.release()
			return nil, err
		}
		if seen[l.Name()] {
			n.layers = append(n.layers, l)
			n.release()
			return nil, errors.Errorf("model: duplicate layer name %q", l.Name())
		}
		seen[l.Name()] = true
		n.layers = append(n.layers, l)
		n.params = append(n.params, l.Params()...)
		shape = l.OutputShape()
	}
	return n, nil
}

func (n *network) inputShape() []int { return n.arch.InputShape }

func (n *network) outputShape() []int { return n.layers[len(n.layers)-1].OutputShape() }

func (n *network) layer(name string) (layer, int, bool) {
	for i, l := range n.layers {
		if l.Name() == name {
			return l, i, true
		}
	}
	return nil, -1, false
}

// forward runs x through layers [0, upto]. Intermediates belong to sc.
func (n *network) forward(sc *tensor.Scope, x *tensor.Tensor, training bool, upto int) (*tensor.Tensor, error) {
	out := x
	for _, l := range n.layers[:upto+1] {
		var err error
		out, err = l.Forward(sc, out, training)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (n *network) backward(sc *tensor.Scope, dy *tensor.Tensor) error {
	g := dy
	for i := len(n.layers) - 1; i >= 0; i-- {
		var err error
		g, err = n.layers[i].Backward(sc, g)
		if err != nil {
			return err
		}
	}
	return nil
}

func (n *network) zeroGrad() {
	for _, p := range n.params {
		p.zeroGrad()
	}
}

// predict runs inference and returns a caller-owned output tensor.
func (n *network) predict(sess *tensor.Session, x *tensor.Tensor) (*tensor.Tensor, error) {
	return sess.Tidy(func(sc *tensor.Scope) (*tensor.Tensor, error) {
		return n.forward(sc, x, false, len(n.layers)-1)
	})
}

// weights copies every parameter's value.
func (n *network) weights() [][]float32 {
	out := make([][]float32, len(n.params))
	for i, p := range n.params {
		out[i] = append([]float32(nil), p.value.Data()...)
	}
	return out
}

func (n *network) setWeights(w [][]float32) {
	for i, p := range n.params {
		copy(p.value.Data(), w[i])
	}
}

func (n *network) numParams() int {
	total := 0
	for _, p := range n.params {
		total += p.value.Size()
	}
	return total
}

// release frees the parameter tensors. The network is unusable afterwards.
func (n *network) release() {
	for _, l := range n.layers {
		for _, p := range l.Params() {
			p.value.Release()
		}
	}
	n.layers, n.params = nil, nil
}
