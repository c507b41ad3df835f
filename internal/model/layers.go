package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"doodle-forge/internal/tensor"
)

// layer is one stage of the sequential network. Forward caches what Backward
// needs; both allocate their outputs through the scope of the current step.
type layer interface {
	Name() string
	Kind() string
	// OutputShape excludes the batch dimension.
	OutputShape() []int
	Params() []*param
	Forward(sc *tensor.Scope, x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	Backward(sc *tensor.Scope, dy *tensor.Tensor) (*tensor.Tensor, error)
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func checkInput(l layer, x *tensor.Tensor, want []int) error {
	s := x.Shape()
	if len(s) != len(want)+1 || !tensor.SameShape(s[1:], want) {
		return errors.Wrapf(tensor.ErrShape, "layer %s: input %v, want [N %v]", l.Name(), s, want)
	}
	return nil
}

// conv2d is a valid-padding convolution over NHWC input computed as im2col
// followed by a GEMM per sample.
type conv2d struct {
	cfg           Conv2DConfig
	inH, inW, inC int
	outH, outW    int
	kernel, bias  *param
	workers       int
	x, y          *tensor.Tensor
}

func newConv2D(sess *tensor.Session, rng *rand.Rand, cfg Conv2DConfig, in []int) (*conv2d, error) {
	if len(in) != 3 {
		return nil, errors.Errorf("model: %s needs [H W C] input, got %v", cfg.Name, in)
	}
	if cfg.Strides <= 0 {
		cfg.Strides = 1
	}
	if cfg.Filters <= 0 || cfg.KernelSize <= 0 || cfg.KernelSize > in[0] || cfg.KernelSize > in[1] {
		return nil, errors.Errorf("model: %s: kernel %d with %d filters does not fit input %v", cfg.Name, cfg.KernelSize, cfg.Filters, in)
	}
	l := &conv2d{
		cfg:     cfg,
		inH:     in[0],
		inW:     in[1],
		inC:     in[2],
		outH:    (in[0]-cfg.KernelSize)/cfg.Strides + 1,
		outW:    (in[1]-cfg.KernelSize)/cfg.Strides + 1,
		workers: sess.Workers(),
	}
	k := cfg.KernelSize
	l.kernel = newParam(sess, cfg.Name+"/kernel", k, k, l.inC, cfg.Filters)
	l.bias = newParam(sess, cfg.Name+"/bias", cfg.Filters)
	initKernel(rng, cfg.KernelInitializer, l.kernel.value.Data(), k*k*l.inC, k*k*cfg.Filters)
	return l, nil
}

func (l *conv2d) Name() string { return l.cfg.Name }
func (l *conv2d) Kind() string { return "Conv2D" }
func (l *conv2d) OutputShape() []int { return []int{l.outH, l.outW, l.cfg.Filters} }
func (l *conv2d) Params() []*param { return []*param{l.kernel, l.bias} }
func (l *conv2d) patch() int { return l.cfg.KernelSize * l.cfg.KernelSize * l.inC }

// im2col writes one row per output position holding the receptive field in
// (ky, kx, c) order, matching the kernel's [K K C F] layout.
func (l *conv2d) im2col(x, cols []float32) {
	k, s, c := l.cfg.KernelSize, l.cfg.Strides, l.inC
	p := l.patch()
	for oy := 0; oy < l.outH; oy++ {
		for ox := 0; ox < l.outW; ox++ {
			row := cols[(oy*l.outW+ox)*p:]
			for ky := 0; ky < k; ky++ {
				src := x[((oy*s+ky)*l.inW+ox*s)*c:]
				copy(row[ky*k*c:(ky+1)*k*c], src[:k*c])
			}
		}
	}
}

func (l *conv2d) col2im(dcols, dx []float32) {
	k, s, c := l.cfg.KernelSize, l.cfg.Strides, l.inC
	p := l.patch()
	for oy := 0; oy < l.outH; oy++ {
		for ox := 0; ox < l.outW; ox++ {
			row := dcols[(oy*l.outW+ox)*p:]
			for ky := 0; ky < k; ky++ {
				dst := dx[((oy*s+ky)*l.inW+ox*s)*c:]
				for i, v := range row[ky*k*c : (ky+1)*k*c] {
					dst[i] += v
				}
			}
		}
	}
}

func (l *conv2d) Forward(sc *tensor.Scope, x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkInput(l, x, []int{l.inH, l.inW, l.inC}); err != nil {
		return nil, err
	}
	n := x.Shape()[0]
	f := l.cfg.Filters
	rows, p := l.outH*l.outW, l.patch()
	inSize, outSize := l.inH*l.inW*l.inC, rows*f

	y := sc.Zeros(n, l.outH, l.outW, f)
	xd, yd := x.Data(), y.Data()
	w := general(p, f, l.kernel.value.Data())
	b := l.bias.value.Data()

	parallelFor(n, l.workers, func(_, lo, hi int) {
		cols := make([]float32, rows*p)
		for i := lo; i < hi; i++ {
			l.im2col(xd[i*inSize:(i+1)*inSize], cols)
			out := yd[i*outSize : (i+1)*outSize]
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(rows, p, cols), w, 0, general(rows, f, out))
			for r := 0; r < rows; r++ {
				o := out[r*f : (r+1)*f]
				for j := range o {
					o[j] += b[j]
				}
			}
			applyActivation(l.cfg.Activation, out, f)
		}
	})
	if training {
		l.x, l.y = x, y
	}
	return y, nil
}

func (l *conv2d) Backward(sc *tensor.Scope, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if l.x == nil {
		return nil, errors.Errorf("model: %s backward without forward", l.Name())
	}
	n := l.x.Shape()[0]
	f := l.cfg.Filters
	rows, p := l.outH*l.outW, l.patch()
	inSize, outSize := l.inH*l.inW*l.inC, rows*f

	dz := sc.Zeros(dy.Shape()...)
	copy(dz.Data(), dy.Data())
	activationBackward(l.cfg.Activation, l.y.Data(), dz.Data(), f)

	dx := sc.Zeros(l.x.Shape()...)
	xd, dzd, dxd := l.x.Data(), dz.Data(), dx.Data()
	w := general(p, f, l.kernel.value.Data())

	workers := min(l.workers, n)
	if workers < 1 {
		workers = 1
	}
	dws := make([][]float32, workers)
	dbs := make([][]float32, workers)
	for i := range dws {
		dws[i] = make([]float32, p*f)
		dbs[i] = make([]float32, f)
	}
	parallelFor(n, workers, func(wk, lo, hi int) {
		cols := make([]float32, rows*p)
		dcols := make([]float32, rows*p)
		dw, db := general(p, f, dws[wk]), dbs[wk]
		for i := lo; i < hi; i++ {
			l.im2col(xd[i*inSize:(i+1)*inSize], cols)
			g := dzd[i*outSize : (i+1)*outSize]
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(rows, p, cols), general(rows, f, g), 1, dw)
			for r := 0; r < rows; r++ {
				for j, v := range g[r*f : (r+1)*f] {
					db[j] += v
				}
			}
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(rows, f, g), w, 0, general(rows, p, dcols))
			l.col2im(dcols, dxd[i*inSize:(i+1)*inSize])
		}
	})
	for wk := range dws {
		for i, v := range dws[wk] {
			l.kernel.grad[i] += v
		}
		for i, v := range dbs[wk] {
			l.bias.grad[i] += v
		}
	}
	l.x, l.y = nil, nil
	return dx, nil
}

// maxPool2D keeps the largest value of every window.
type maxPool2D struct {
	cfg           MaxPool2DConfig
	inH, inW, inC int
	outH, outW    int
	inShape       []int
	argmax        []int
}

func newMaxPool2D(cfg MaxPool2DConfig, in []int) (*maxPool2D, error) {
	if len(in) != 3 {
		return nil, errors.Errorf("model: %s needs [H W C] input, got %v", cfg.Name, in)
	}
	if cfg.Strides <= 0 {
		cfg.Strides = cfg.PoolSize
	}
	if cfg.PoolSize <= 0 || cfg.PoolSize > in[0] || cfg.PoolSize > in[1] {
		return nil, errors.Errorf("model: %s: pool %d does not fit input %v", cfg.Name, cfg.PoolSize, in)
	}
	return &maxPool2D{
		cfg:  cfg,
		inH:  in[0],
		inW:  in[1],
		inC:  in[2],
		outH: (in[0]-cfg.PoolSize)/cfg.Strides + 1,
		outW: (in[1]-cfg.PoolSize)/cfg.Strides + 1,
	}, nil
}

func (l *maxPool2D) Name() string { return l.cfg.Name }
func (l *maxPool2D) Kind() string { return "MaxPooling2D" }
func (l *maxPool2D) OutputShape() []int { return []int{l.outH, l.outW, l.inC} }
func (l *maxPool2D) Params() []*param { return nil }

func (l *maxPool2D) Forward(sc *tensor.Scope, x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkInput(l, x, []int{l.inH, l.inW, l.inC}); err != nil {
		return nil, err
	}
	n := x.Shape()[0]
	c, p, s := l.inC, l.cfg.PoolSize, l.cfg.Strides
	y := sc.Zeros(n, l.outH, l.outW, c)
	xd, yd := x.Data(), y.Data()
	var argmax []int
	if training {
		argmax = make([]int, len(yd))
	}
	inSize := l.inH * l.inW * c
	o := 0
	for i := 0; i < n; i++ {
		base := i * inSize
		for oy := 0; oy < l.outH; oy++ {
			for ox := 0; ox < l.outW; ox++ {
				for ch := 0; ch < c; ch++ {
					best := -1
					bestV := float32(math.Inf(-1))
					for ky := 0; ky < p; ky++ {
						for kx := 0; kx < p; kx++ {
							idx := base + ((oy*s+ky)*l.inW+ox*s+kx)*c + ch
							if v := xd[idx]; v > bestV || best < 0 {
								best, bestV = idx, v
							}
						}
					}
					yd[o] = bestV
					if argmax != nil {
						argmax[o] = best
					}
					o++
				}
			}
		}
	}
	if training {
		l.argmax = argmax
		l.inShape = x.Shape()
	}
	return y, nil
}

func (l *maxPool2D) Backward(sc *tensor.Scope, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if l.argmax == nil {
		return nil, errors.Errorf("model: %s backward without forward", l.Name())
	}
	dx := sc.Zeros(l.inShape...)
	dxd := dx.Data()
	for o, v := range dy.Data() {
		dxd[l.argmax[o]] += v
	}
	l.argmax = nil
	return dx, nil
}

// flatten reshapes [N ...] to [N, prod(...)] without copying.
type flatten struct {
	cfg FlattenConfig
	in  []int
}

func (l *flatten) Name() string { return l.cfg.Name }
func (l *flatten) Kind() string { return "Flatten" }
func (l *flatten) OutputShape() []int { return []int{l.size()} }
func (l *flatten) Params() []*param { return nil }

func (l *flatten) size() int {
	n := 1
	for _, d := range l.in {
		n *= d
	}
	return n
}

func (l *flatten) Forward(sc *tensor.Scope, x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkInput(l, x, l.in); err != nil {
		return nil, err
	}
	return sc.Reshape(x, x.Shape()[0], l.size())
}

func (l *flatten) Backward(sc *tensor.Scope, dy *tensor.Tensor) (*tensor.Tensor, error) {
	return sc.Reshape(dy, append([]int{dy.Shape()[0]}, l.in...)...)
}

// dense computes act(x W + b) for x of shape [N, in].
type dense struct {
	cfg          DenseConfig
	in           int
	kernel, bias *param
	x, y         *tensor.Tensor
}

func newDense(sess *tensor.Session, rng *rand.Rand, cfg DenseConfig, in []int) (*dense, error) {
	if len(in) != 1 {
		return nil, errors.Errorf("model: %s needs flat input, got %v", cfg.Name, in)
	}
	if cfg.Units <= 0 {
		return nil, errors.Errorf("model: %s has %d units", cfg.Name, cfg.Units)
	}
	l := &dense{cfg: cfg, in: in[0]}
	l.kernel = newParam(sess, cfg.Name+"/kernel", l.in, cfg.Units)
	l.bias = newParam(sess, cfg.Name+"/bias", cfg.Units)
	initKernel(rng, cfg.KernelInitializer, l.kernel.value.Data(), l.in, cfg.Units)
	return l, nil
}

func (l *dense) Name() string { return l.cfg.Name }
func (l *dense) Kind() string { return "Dense" }
func (l *dense) OutputShape() []int { return []int{l.cfg.Units} }
func (l *dense) Params() []*param { return []*param{l.kernel, l.bias} }

func (l *dense) Forward(sc *tensor.Scope, x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkInput(l, x, []int{l.in}); err != nil {
		return nil, err
	}
	n, u := x.Shape()[0], l.cfg.Units
	y := sc.Zeros(n, u)
	yd := y.Data()
	b := l.bias.value.Data()
	for i := 0; i < n; i++ {
		copy(yd[i*u:(i+1)*u], b)
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(n, l.in, x.Data()), general(l.in, u, l.kernel.value.Data()), 1, general(n, u, yd))
	applyActivation(l.cfg.Activation, yd, u)
	if training {
		l.x, l.y = x, y
	}
	return y, nil
}

func (l *dense) Backward(sc *tensor.Scope, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if l.x == nil {
		return nil, errors.Errorf("model: %s backward without forward", l.Name())
	}
	n, u := l.x.Shape()[0], l.cfg.Units
	dz := sc.Zeros(n, u)
	copy(dz.Data(), dy.Data())
	activationBackward(l.cfg.Activation, l.y.Data(), dz.Data(), u)

	dzd := dz.Data()
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(n, l.in, l.x.Data()), general(n, u, dzd), 1, general(l.in, u, l.kernel.grad))
	for i := 0; i < n; i++ {
		for j, v := range dzd[i*u : (i+1)*u] {
			l.bias.grad[j] += v
		}
	}
	dx := sc.Zeros(n, l.in)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(n, u, dzd), general(l.in, u, l.kernel.value.Data()), 0, general(n, l.in, dx.Data()))
	l.x, l.y = nil, nil
	return dx, nil
}

// dropout zeroes inputs with probability Rate during training and scales the
// survivors by 1/(1-Rate). It is the identity at inference.
type dropout struct {
	cfg   DropoutConfig
	shape []int
	rng   *rand.Rand
	mask  []float32
}

func (l *dropout) Name() string { return l.cfg.Name }
func (l *dropout) Kind() string { return "Dropout" }
func (l *dropout) OutputShape() []int { return append([]int(nil), l.shape...) }
func (l *dropout) Params() []*param { return nil }

func (l *dropout) Forward(sc *tensor.Scope, x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := checkInput(l, x, l.shape); err != nil {
		return nil, err
	}
	if !training || l.cfg.Rate <= 0 {
		return x, nil
	}
	y := sc.Zeros(x.Shape()...)
	xd, yd := x.Data(), y.Data()
	scale := float32(1 / (1 - l.cfg.Rate))
	l.mask = make([]float32, len(xd))
	for i, v := range xd {
		if l.rng.Float64() >= l.cfg.Rate {
			l.mask[i] = scale
			yd[i] = v * scale
		}
	}
	return y, nil
}

func (l *dropout) Backward(sc *tensor.Scope, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if l.mask == nil {
		return dy, nil
	}
	dx := sc.Zeros(dy.Shape()...)
	dxd := dx.Data()
	for i, v := range dy.Data() {
		dxd[i] = v * l.mask[i]
	}
	l.mask = nil
	return dx, nil
}

// applyActivation transforms z in place; width is the size of the last axis.
func applyActivation(act Activation, z []float32, width int) {
	switch act {
	case ReLU:
		for i, v := range z {
			if v < 0 {
				z[i] = 0
			}
		}
	case Softmax:
		for r := 0; r+width <= len(z); r += width {
			softmaxRow(z[r : r+width])
		}
	}
}

func softmaxRow(row []float32) {
	maxV := row[0]
	for _, v := range row[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - maxV))
		row[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range row {
		row[i] *= inv
	}
}

// activationBackward turns dy (gradient w.r.t. the activation output y) into
// the gradient w.r.t. the pre-activation, in place.
func activationBackward(act Activation, y, dy []float32, width int) {
	switch act {
	case ReLU:
		for i, v := range y {
			if v <= 0 {
				dy[i] = 0
			}
		}
	case Softmax:
		for r := 0; r+width <= len(y); r += width {
			yr, gr := y[r:r+width], dy[r:r+width]
			var dot float32
			for i := range yr {
				dot += yr[i] * gr[i]
			}
			for i := range yr {
				gr[i] = yr[i] * (gr[i] - dot)
			}
		}
	}
}
