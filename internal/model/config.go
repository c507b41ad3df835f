package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// Activation names a layer's output nonlinearity.
type Activation string

const (
	Linear  Activation = "linear"
	ReLU    Activation = "relu"
	Softmax Activation = "softmax"
)

// Initializer names a kernel initialization scheme. Biases always start at zero.
type Initializer string

const (
	GlorotNormal Initializer = "glorotNormal"
	Zeros        Initializer = "zeros"
)

// Conv2DConfig describes a 2-D convolution with valid padding.
type Conv2DConfig struct {
	Name              string
	Filters           int
	KernelSize        int
	Strides           int
	Activation        Activation
	KernelInitializer Initializer
}

// MaxPool2DConfig describes a max pooling layer with valid padding.
type MaxPool2DConfig struct {
	Name     string
	PoolSize int
	Strides  int
}

// FlattenConfig collapses all but the batch dimension.
type FlattenConfig struct {
	Name string
}

// DenseConfig describes a fully connected layer.
type DenseConfig struct {
	Name              string
	Units             int
	Activation        Activation
	KernelInitializer Initializer
}

// DropoutConfig zeroes a Rate fraction of inputs during training.
type DropoutConfig struct {
	Name string
	Rate float64
}

// LayerConfig holds exactly one layer description.
type LayerConfig struct {
	Conv2D    *Conv2DConfig
	MaxPool2D *MaxPool2DConfig
	Flatten   *FlattenConfig
	Dense     *DenseConfig
	Dropout   *DropoutConfig
}

// CompileConfig fixes the optimizer, loss and metric.
type CompileConfig struct {
	Optimizer    string
	LearningRate float64
	Loss         string
	Metrics      []string
}

// Architecture is a sequential stack applied to inputs of InputShape (H, W, C).
type Architecture struct {
	InputShape []int
	Layers     []LayerConfig
	Compile    CompileConfig
}

// BuildConfig sizes the SimpleCNN stack.
type BuildConfig struct {
	Conv1Filters int
	Conv2Filters int
	DenseUnits   int
	NumClasses   int
}

// DefaultBuildConfig matches the classifier used by the drawing app.
func DefaultBuildConfig() BuildConfig {
	return BuildConfig{Conv1Filters: 8, Conv2Filters: 16, DenseUnits: 64, NumClasses: 5}
}

func (c BuildConfig) withDefaults() BuildConfig {
	d := DefaultBuildConfig()
	if c.Conv1Filters <= 0 {
		c.Conv1Filters = d.Conv1Filters
	}
	if c.Conv2Filters <= 0 {
		c.Conv2Filters = d.Conv2Filters
	}
	if c.DenseUnits <= 0 {
		c.DenseUnits = d.DenseUnits
	}
	if c.NumClasses <= 0 {
		c.NumClasses = d.NumClasses
	}
	return c
}

// Layer names used by inspection views.
const (
	Conv1Layer  = "conv2d_Conv2D1"
	Conv2Layer  = "conv2d_Conv2D2"
	HiddenLayer = "intermediary_dense"
	OutputLayer = "dense_Dense1"
)

// SimpleCNN returns the two-convolution classifier for 28x28 grayscale input:
// conv 5x5 relu, max pool 2x2, conv 5x5 relu, max pool 2x2, flatten,
// dense relu, dropout 0.4, dense softmax. It trains with Adam(0.001) on
// categorical cross-entropy.
func SimpleCNN(cfg BuildConfig) Architecture {
	cfg = cfg.withDefaults()
	return Architecture{
		InputShape: []int{28, 28, 1},
		Layers: []LayerConfig{
			{Conv2D: &Conv2DConfig{Name: Conv1Layer, Filters: cfg.Conv1Filters, KernelSize: 5, Strides: 1, Activation: ReLU, KernelInitializer: GlorotNormal}},
			{MaxPool2D: &MaxPool2DConfig{PoolSize: 2, Strides: 2}},
			{Conv2D: &Conv2DConfig{Name: Conv2Layer, Filters: cfg.Conv2Filters, KernelSize: 5, Strides: 1, Activation: ReLU, KernelInitializer: GlorotNormal}},
			{MaxPool2D: &MaxPool2DConfig{PoolSize: 2, Strides: 2}},
			{Flatten: &FlattenConfig{}},
			{Dense: &DenseConfig{Name: HiddenLayer, Units: cfg.DenseUnits, Activation: ReLU, KernelInitializer: GlorotNormal}},
			{Dropout: &DropoutConfig{Rate: 0.4}},
			{Dense: &DenseConfig{Name: OutputLayer, Units: cfg.NumClasses, Activation: Softmax, KernelInitializer: GlorotNormal}},
		},
		Compile: CompileConfig{
			Optimizer:    "adam",
			LearningRate: 0.001,
			Loss:         "categoricalCrossentropy",
			Metrics:      []string{"accuracy"},
		},
	}
}

// NumClasses is the width of the final layer.
func (a Architecture) NumClasses() int {
	for i := len(a.Layers) - 1; i >= 0; i-- {
		if d := a.Layers[i].Dense; d != nil {
			return d.Units
		}
	}
	return 0
}

// withNames fills in generated names for unnamed layers, numbering each kind
// from 1.
func (a Architecture) withNames() Architecture {
	out := a
	out.Layers = make([]LayerConfig, len(a.Layers))
	counts := map[string]int{}
	next := func(kind string) string {
		counts[kind]++
		return fmt.Sprintf("%s_%d", kind, counts[kind])
	}
	for i, l := range a.Layers {
		switch {
		case l.Conv2D != nil:
			c := *l.Conv2D
			if c.Name == "" {
				c.Name = next("conv2d")
			}
			out.Layers[i] = LayerConfig{Conv2D: &c}
		case l.MaxPool2D != nil:
			c := *l.MaxPool2D
			if c.Name == "" {
				c.Name = next("max_pooling2d")
			}
			out.Layers[i] = LayerConfig{MaxPool2D: &c}
		case l.Flatten != nil:
			c := *l.Flatten
			if c.Name == "" {
				c.Name = next("flatten")
			}
			out.Layers[i] = LayerConfig{Flatten: &c}
		case l.Dense != nil:
			c := *l.Dense
			if c.Name == "" {
				c.Name = next("dense")
			}
			out.Layers[i] = LayerConfig{Dense: &c}
		case l.Dropout != nil:
			c := *l.Dropout
			if c.Name == "" {
				c.Name = next("dropout")
			}
			out.Layers[i] = LayerConfig{Dropout: &c}
		default:
			out.Layers[i] = l
		}
	}
	return out
}

func (a Architecture) validate() error {
	if len(a.InputShape) != 3 {
		return errors.Errorf("model: input shape %v, want [H W C]", a.InputShape)
	}
	if len(a.Layers) == 0 {
		return errors.New("model: architecture has no layers")
	}
	if a.Compile.Optimizer != "adam" {
		return errors.Errorf("model: unsupported optimizer %q", a.Compile.Optimizer)
	}
	if a.Compile.Loss != "categoricalCrossentropy" {
		return errors.Errorf("model: unsupported loss %q", a.Compile.Loss)
	}
	if a.Compile.LearningRate <= 0 {
		return errors.Errorf("model: learning rate %v", a.Compile.LearningRate)
	}
	last := a.Layers[len(a.Layers)-1].Dense
	if last == nil || last.Activation != Softmax {
		return errors.New("model: last layer must be a softmax dense layer")
	}
	return nil
}
