package model

import (
	"context"
	"image"
	"log"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"doodle-forge/internal/preprocess"
	"doodle-forge/internal/store"
	"doodle-forge/internal/tensor"
)

// Options configures a Wrapper.
type Options struct {
	// Seed drives weight initialization, shuffling and dropout. Zero seeds
	// from the clock.
	Seed int64
}

// Wrapper owns one model and enforces its lifecycle:
// Uninitialized -> Built -> Trained, with Reset dropping back to an empty
// model that must be rebuilt or loaded. Only one Train runs at a time, and
// calls that would read or replace the weights are rejected while it runs.
type Wrapper struct {
	sess *tensor.Session
	rng  *rand.Rand

	mu      sync.RWMutex
	state   State
	net     *network
	opt     *adam
	classes []string

	training atomic.Bool
}

// NewWrapper returns an uninitialized model bound to sess.
func NewWrapper(sess *tensor.Session, opts Options) *Wrapper {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Wrapper{sess: sess, rng: rand.New(rand.NewSource(seed)), state: Uninitialized}
}

// Session returns the session the model allocates in.
func (w *Wrapper) Session() *tensor.Session { return w.sess }

// State reports the lifecycle stage.
func (w *Wrapper) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Training reports whether a Train call is running.
func (w *Wrapper) Training() bool { return w.training.Load() }

// Classes returns the class names of the last successful Train or Load.
func (w *Wrapper) Classes() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.classes...)
}

// Build replaces the current model with a freshly initialized SimpleCNN.
func (w *Wrapper) Build(ctx context.Context, cfg BuildConfig) error {
	return w.BuildArchitecture(ctx, SimpleCNN(cfg))
}

// BuildArchitecture replaces the current model with a freshly initialized arch
// and runs one warm-up inference.
func (w *Wrapper) BuildArchitecture(ctx context.Context, arch Architecture) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.training.Load() {
		return ErrTrainingInProgress
	}
	if w.sess.Closed() {
		return tensor.ErrSessionClosed
	}
	net, err := newNetwork(w.sess, arch, w.rng)
	if err != nil {
		return err
	}
	if err := warmUp(w.sess, net); err != nil {
		net.release()
		return err
	}
	w.install(net, nil)
	w.state = Built
	log.Printf("model built layers=%d params=%d classes=%d", len(net.layers), net.numParams(), net.arch.NumClasses())
	return nil
}

func (w *Wrapper) install(net *network, classes []string) {
	if w.net != nil {
		w.net.release()
	}
	w.net = net
	w.opt = newAdam(net.arch.Compile.LearningRate, net.params)
	w.classes = classes
}

func warmUp(sess *tensor.Session, net *network) error {
	x := sess.Zeros(append([]int{1}, net.inputShape()...)...)
	defer x.Release()
	out, err := net.predict(sess, x)
	if err != nil {
		return errors.Wrap(err, "warm-up inference")
	}
	out.Release()
	return nil
}

// Reset discards the architecture and weights. Train and Predict fail with
// ErrModelNotBuilt until the next Build or Load.
func (w *Wrapper) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.training.Load() {
		return ErrTrainingInProgress
	}
	if w.net != nil {
		w.net.release()
	}
	w.net, w.opt, w.classes = nil, nil, nil
	w.state = Reset
	return nil
}

// ready returns the network for read-only use; the caller holds w.mu.
func (w *Wrapper) ready() (*network, error) {
	if w.training.Load() {
		return nil, ErrTrainingInProgress
	}
	if w.sess.Closed() {
		return nil, tensor.ErrSessionClosed
	}
	if w.net == nil {
		return nil, ErrModelNotBuilt
	}
	return w.net, nil
}

// Predict preprocesses img and returns the class probabilities.
func (w *Wrapper) Predict(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	net, err := w.ready()
	if err != nil {
		return nil, err
	}
	x, err := preprocess.Preprocess(w.sess, img)
	if err != nil {
		return nil, err
	}
	defer x.Release()
	out, err := net.predict(w.sess, x)
	if err != nil {
		return nil, err
	}
	defer out.Release()
	return append([]float32(nil), out.Data()...), nil
}

// PredictSample is Predict for a stored image buffer.
func (w *Wrapper) PredictSample(ctx context.Context, im store.Image) ([]float32, error) {
	if err := im.Validate(); err != nil {
		return nil, errors.Wrap(preprocess.ErrShapeMismatch, err.Error())
	}
	img, err := im.ToImage()
	if err != nil {
		return nil, err
	}
	return w.Predict(ctx, img)
}

// Score is one class probability.
type Score struct {
	Index       int
	Class       string
	Probability float32
}

// Rank pairs probabilities with class names, highest first. Missing names
// are left empty.
func Rank(probs []float32, classes []string) []Score {
	out := make([]Score, len(probs))
	for i, p := range probs {
		out[i] = Score{Index: i, Probability: p}
		if i < len(classes) {
			out[i].Class = classes[i]
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Probability > out[j].Probability })
	return out
}

// Save writes the model to path.
func (w *Wrapper) Save(path string) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	net, err := w.ready()
	if err != nil {
		return err
	}
	a := &Artifact{
		Version:      ArtifactVersion,
		Architecture: net.arch,
		ClassNames:   append([]string(nil), w.classes...),
		SavedAt:      time.Now().UTC(),
	}
	for _, p := range net.params {
		a.Weights = append(a.Weights, Weight{Name: p.name, Shape: p.value.Shape(), Data: append([]float32(nil), p.value.Data()...)})
	}
	if err := SaveArtifact(path, a); err != nil {
		return err
	}
	log.Printf("model saved path=%s params=%d", path, net.numParams())
	return nil
}

// Load replaces the current model with the artifact at src (file path or
// http(s) URL) and runs one warm-up inference.
func (w *Wrapper) Load(ctx context.Context, src string) error {
	a, err := OpenArtifact(ctx, src)
	if err != nil {
		return err
	}
	if err := w.LoadArtifact(ctx, a); err != nil {
		return err
	}
	log.Printf("model loaded src=%s classes=%v", src, a.ClassNames)
	return nil
}

// LoadArtifact installs a decoded artifact.
func (w *Wrapper) LoadArtifact(ctx context.Context, a *Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.training.Load() {
		return ErrTrainingInProgress
	}
	if w.sess.Closed() {
		return tensor.ErrSessionClosed
	}
	net, err := newNetwork(w.sess, a.Architecture, w.rng)
	if err != nil {
		return errors.Wrapf(ErrArtifact, "architecture: %v", err)
	}
	if err := assignWeights(net, a.Weights); err != nil {
		net.release()
		return err
	}
	if len(a.ClassNames) != 0 && len(a.ClassNames) != net.arch.NumClasses() {
		net.release()
		return errors.Wrapf(ErrArtifact, "%d class names for %d outputs", len(a.ClassNames), net.arch.NumClasses())
	}
	if err := warmUp(w.sess, net); err != nil {
		net.release()
		return err
	}
	w.install(net, append([]string(nil), a.ClassNames...))
	w.state = Trained
	return nil
}

func assignWeights(net *network, weights []Weight) error {
	if len(weights) != len(net.params) {
		return errors.Wrapf(ErrArtifact, "%d weights for %d parameters", len(weights), len(net.params))
	}
	for i, p := range net.params {
		wt := weights[i]
		if wt.Name != p.name || !tensor.SameShape(wt.Shape, p.value.Shape()) || len(wt.Data) != p.value.Size() {
			return errors.Wrapf(ErrArtifact, "weight %d is %s %v, want %s %v", i, wt.Name, wt.Shape, p.name, p.value.Shape())
		}
		copy(p.value.Data(), wt.Data)
	}
	return nil
}

// LayerSummary describes one layer. OutputShape excludes the batch dimension.
type LayerSummary struct {
	Name        string
	Kind        string
	OutputShape []int
	Params      int
}

// Summary describes the whole model.
type Summary struct {
	InputShape  []int
	Layers      []LayerSummary
	TotalParams int
}

// Summary lists the layers. It only reads shapes, so it works during training.
func (w *Wrapper) Summary() (Summary, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.net == nil {
		return Summary{}, ErrModelNotBuilt
	}
	s := Summary{InputShape: append([]int(nil), w.net.inputShape()...)}
	for _, l := range w.net.layers {
		n := 0
		for _, p := range l.Params() {
			n += p.value.Size()
		}
		s.Layers = append(s.Layers, LayerSummary{Name: l.Name(), Kind: l.Kind(), OutputShape: l.OutputShape(), Params: n})
		s.TotalParams += n
	}
	return s, nil
}

// LayerWeights returns copies of the named layer's parameters.
func (w *Wrapper) LayerWeights(name string) ([]Weight, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	net, err := w.ready()
	if err != nil {
		return nil, err
	}
	l, _, ok := net.layer(name)
	if !ok {
		return nil, errors.Errorf("model: no layer %q", name)
	}
	var out []Weight
	for _, p := range l.Params() {
		out = append(out, Weight{Name: p.name, Shape: p.value.Shape(), Data: append([]float32(nil), p.value.Data()...)})
	}
	return out, nil
}

// Activations runs x ([N H W C]) up to and including the named layer and
// returns that layer's output, owned by the caller.
func (w *Wrapper) Activations(ctx context.Context, name string, x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	net, err := w.ready()
	if err != nil {
		return nil, err
	}
	_, idx, ok := net.layer(name)
	if !ok {
		return nil, errors.Errorf("model: no layer %q", name)
	}
	return w.sess.Tidy(func(sc *tensor.Scope) (*tensor.Tensor, error) {
		out, err := net.forward(sc, x, false, idx)
		if err != nil {
			return nil, err
		}
		if out == x {
			return sc.Reshape(x, x.Shape()...)
		}
		return out, nil
	})
}
