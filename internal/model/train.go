package model

import (
	"context"
	"log"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"doodle-forge/internal/dataset"
	"doodle-forge/internal/metrics"
	"doodle-forge/internal/store"
	"doodle-forge/internal/tensor"
)

// TrainOptions are the fit hyper-parameters.
type TrainOptions struct {
	Epochs    int
	BatchSize int
	// ValidationSplit is the trailing fraction of samples held out for
	// validation. Zero selects the default; negative disables validation.
	ValidationSplit float64
	NoShuffle       bool
}

// DefaultTrainOptions returns 20 epochs of batch 16 with a 0.2 validation split.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{Epochs: 20, BatchSize: 16, ValidationSplit: 0.2}
}

func (o TrainOptions) withDefaults() TrainOptions {
	d := DefaultTrainOptions()
	if o.Epochs <= 0 {
		o.Epochs = d.Epochs
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	switch {
	case o.ValidationSplit == 0:
		o.ValidationSplit = d.ValidationSplit
	case o.ValidationSplit < 0:
		o.ValidationSplit = 0
	}
	return o
}

// Result summarises a completed training run.
type Result struct {
	RunID      string
	History    []EpochLogs
	Evaluation Evaluation
}

const inferBatch = 64

// Train fits the model on samples labeled over reg. It needs a Built or
// Trained model and rejects a second concurrent call. Cancelling ctx stops the
// run between batches. On any failure the weights and optimizer state are
// restored to what they were before the call. All dataset tensors are
// released before Train returns.
func (w *Wrapper) Train(ctx context.Context, samples []store.Sample, reg *dataset.Registry, opts TrainOptions, callbacks ...Callback) (*Result, error) {
	if !w.training.CompareAndSwap(false, true) {
		return nil, ErrConcurrentTraining
	}
	defer w.training.Store(false)

	w.mu.Lock()
	net, opt, state, classes := w.net, w.opt, w.state, w.classes
	w.mu.Unlock()
	if net == nil || (state != Built && state != Trained) {
		return nil, ErrModelNotBuilt
	}
	if w.sess.Closed() {
		return nil, tensor.ErrSessionClosed
	}
	if reg == nil {
		return nil, errors.New("model: train needs a class registry")
	}
	if state == Trained && len(classes) > 0 && !slices.Equal(classes, reg.Names()) {
		return nil, errors.Wrapf(ErrRegistryChanged, "trained on %v, got %v", classes, reg.Names())
	}
	if reg.Len() != net.arch.NumClasses() {
		return nil, errors.Errorf("model: %d classes but the output layer has %d units", reg.Len(), net.arch.NumClasses())
	}

	weights, optState := net.weights(), opt.snapshot()
	res, err := w.fit(ctx, net, opt, samples, reg, opts.withDefaults(), callbackList(callbacks))
	if err != nil {
		net.setWeights(weights)
		opt.restore(optState)
		return nil, err
	}

	w.mu.Lock()
	w.state = Trained
	w.classes = reg.Names()
	w.mu.Unlock()
	return res, nil
}

func (w *Wrapper) fit(ctx context.Context, net *network, opt *adam, samples []store.Sample, reg *dataset.Registry, opts TrainOptions, cb Callback) (*Result, error) {
	sc := w.sess.NewScope()
	defer sc.Close()

	xs, err := dataset.BuildInputs(w.sess, samples)
	if err != nil {
		return nil, err
	}
	sc.Track(xs)
	ys, err := dataset.BuildLabels(w.sess, samples, reg)
	if err != nil {
		return nil, err
	}
	sc.Track(ys)

	n := len(samples)
	trainN := n
	if opts.ValidationSplit > 0 {
		trainN = int(math.Floor(float64(n) * (1 - opts.ValidationSplit)))
	}
	if trainN == 0 {
		return nil, errors.Wrapf(dataset.ErrEmptyDataset, "validation split %.2f leaves no training samples out of %d", opts.ValidationSplit, n)
	}
	valIdx := span(trainN, n)

	info := RunInfo{
		RunID:             uuid.NewString(),
		Classes:           reg.Names(),
		Epochs:            opts.Epochs,
		BatchSize:         opts.BatchSize,
		TrainSamples:      trainN,
		ValidationSamples: len(valIdx),
		StartedAt:         time.Now(),
	}
	log.Printf("train run=%s samples=%d val=%d classes=%d epochs=%d batch=%d",
		info.RunID, trainN, len(valIdx), reg.Len(), opts.Epochs, opts.BatchSize)
	cb.TrainBegin(info)

	res := &Result{RunID: info.RunID}
	order := span(0, trainN)
	var window metrics.Window
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !opts.NoShuffle {
			w.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		start := time.Now()
		for b := 0; b*opts.BatchSize < trainN; b++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			idx := order[b*opts.BatchSize : min((b+1)*opts.BatchSize, trainN)]
			st, err := w.step(net, opt, xs, ys, idx)
			if err != nil {
				return nil, errors.Wrapf(err, "epoch %d batch %d", epoch, b)
			}
			window.Record(len(idx), st.data, st.compute, st.loss, st.acc)
			cb.BatchEnd(BatchLogs{RunID: info.RunID, Epoch: epoch, Batch: b, Size: len(idx), Loss: st.loss, Acc: st.acc})
		}

		snap := window.Snapshot()
		logs := EpochLogs{
			RunID:        info.RunID,
			Epoch:        epoch,
			Loss:         snap.MeanLoss,
			Acc:          snap.MeanAcc,
			ImagesPerSec: snap.ImagesPerSec,
			Elapsed:      time.Since(start),
		}
		if len(valIdx) > 0 {
			probs, err := w.infer(net, xs, valIdx)
			if err != nil {
				return nil, err
			}
			c := reg.Len()
			targets := gather(ys.Data(), c, valIdx)
			logs.ValLoss = crossEntropy(probs, targets, len(valIdx), c, nil)
			logs.ValAcc = accuracy(probs, targets, len(valIdx), c)
			logs.HasValidation = true
		}
		res.History = append(res.History, logs)
		cb.EpochEnd(logs)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	eval, err := w.evaluate(net, xs, samples, reg)
	if err != nil {
		return nil, err
	}
	eval.RunID = info.RunID
	res.Evaluation = eval
	cb.TrainEnd(eval)
	log.Printf("train run=%s done accuracy=%.4f", info.RunID, eval.Accuracy)
	return res, nil
}

type stepStats struct {
	loss, acc     float64
	data, compute time.Duration
}

// step runs one forward/backward pass over the rows idx and applies Adam.
func (w *Wrapper) step(net *network, opt *adam, xs, ys *tensor.Tensor, idx []int) (stepStats, error) {
	var st stepStats
	t0 := time.Now()
	sc := w.sess.NewScope()
	defer sc.Close()

	in := net.inputShape()
	c := ys.Shape()[1]
	x := sc.Zeros(append([]int{len(idx)}, in...)...)
	copyRows(x.Data(), xs.Data(), xs.Size()/xs.Shape()[0], idx)
	y := gather(ys.Data(), c, idx)
	t1 := time.Now()

	net.zeroGrad()
	out, err := net.forward(sc, x, true, len(net.layers)-1)
	if err != nil {
		return st, err
	}
	grad := sc.Zeros(out.Shape()...)
	st.loss = crossEntropy(out.Data(), y, len(idx), c, grad.Data())
	if math.IsNaN(st.loss) || math.IsInf(st.loss, 0) {
		return st, ErrNonFiniteLoss
	}
	st.acc = accuracy(out.Data(), y, len(idx), c)
	if err := net.backward(sc, grad); err != nil {
		return st, err
	}
	opt.apply(net.params)
	st.data, st.compute = t1.Sub(t0), time.Since(t1)
	return st, nil
}

// infer returns the flattened output rows for xs[idx], in chunks.
func (w *Wrapper) infer(net *network, xs *tensor.Tensor, idx []int) ([]float32, error) {
	in := net.inputShape()
	row := xs.Size() / xs.Shape()[0]
	c := net.outputShape()[0]
	out := make([]float32, 0, len(idx)*c)
	for lo := 0; lo < len(idx); lo += inferBatch {
		chunk := idx[lo:min(lo+inferBatch, len(idx))]
		probs, err := w.sess.Tidy(func(sc *tensor.Scope) (*tensor.Tensor, error) {
			x := sc.Zeros(append([]int{len(chunk)}, in...)...)
			copyRows(x.Data(), xs.Data(), row, chunk)
			return net.forward(sc, x, false, len(net.layers)-1)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, probs.Data()...)
		probs.Release()
	}
	return out, nil
}

func (w *Wrapper) evaluate(net *network, xs *tensor.Tensor, samples []store.Sample, reg *dataset.Registry) (Evaluation, error) {
	probs, err := w.infer(net, xs, span(0, len(samples)))
	if err != nil {
		return Evaluation{}, err
	}
	truth, err := dataset.Indices(samples, reg)
	if err != nil {
		return Evaluation{}, err
	}
	c := reg.Len()
	pred := make([]int, len(samples))
	for i := range pred {
		pred[i] = argmax(probs[i*c : (i+1)*c])
	}
	cm, err := metrics.Confusion(reg.Names(), truth, pred)
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{
		Classes:   reg.Names(),
		Truth:     truth,
		Pred:      pred,
		Accuracy:  cm.Accuracy(),
		Confusion: cm,
		PerClass:  cm.PerClassAccuracy(),
	}, nil
}

func span(lo, hi int) []int {
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}

func copyRows(dst, src []float32, width int, idx []int) {
	for i, r := range idx {
		copy(dst[i*width:(i+1)*width], src[r*width:(r+1)*width])
	}
}

func gather(src []float32, width int, idx []int) []float32 {
	out := make([]float32, len(idx)*width)
	copyRows(out, src, width, idx)
	return out
}
