package model

import (
	"math"
)

// adam implements Adam with bias-corrected moment estimates.
type adam struct {
	lr, beta1, beta2, eps float64
	step                  int
	m, v                  [][]float32
}

type adamState struct {
	step int
	m, v [][]float32
}

func newAdam(lr float64, params []*param) *adam {
	a := &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7}
	a.m = make([][]float32, len(params))
	a.v = make([][]float32, len(params))
	for i, p := range params {
		a.m[i] = make([]float32, len(p.grad))
		a.v[i] = make([]float32, len(p.grad))
	}
	return a
}

// apply updates every parameter from its accumulated gradient.
func (a *adam) apply(params []*param) {
	a.step++
	b1, b2 := float32(a.beta1), float32(a.beta2)
	corr1 := 1 - math.Pow(a.beta1, float64(a.step))
	corr2 := 1 - math.Pow(a.beta2, float64(a.step))
	lr := float32(a.lr / corr1)
	eps := float32(a.eps)
	for i, p := range params {
		w := p.value.Data()
		m, v := a.m[i], a.v[i]
		for j, g := range p.grad {
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			vhat := float32(math.Sqrt(float64(v[j]) / corr2))
			w[j] -= lr * m[j] / (vhat + eps)
		}
	}
}

func (a *adam) snapshot() adamState {
	s := adamState{step: a.step, m: make([][]float32, len(a.m)), v: make([][]float32, len(a.v))}
	for i := range a.m {
		s.m[i] = append([]float32(nil), a.m[i]...)
		s.v[i] = append([]float32(nil), a.v[i]...)
	}
	return s
}

func (a *adam) restore(s adamState) {
	a.step = s.step
	for i := range a.m {
		copy(a.m[i], s.m[i])
		copy(a.v[i], s.v[i])
	}
}
