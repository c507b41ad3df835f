// Package visor renders training progress and model internals: log lines,
// a browser dashboard with charts and images, and the plumbing that keeps
// slow consumers from stalling a training run.
package visor

import (
	"image"

	"doodle-forge/internal/model"
)

// Sink receives training events. Every model.Callback is a Sink.
type Sink interface {
	model.Callback
}

// Inspector receives views of the model and its data outside a training run.
type Inspector interface {
	ShowModel(s model.Summary)
	ShowInputs(inputs []InputView)
	ShowActivations(layers []LayerActivations)
}

const (
	TabTraining    = "Training"
	TabEvaluation  = "Model Evaluation"
	TabInspection  = "Model Inspection"
	TabInputs      = "Input Data"
	TabActivations = "Model Activations"
)

// Tabs in display order.
var Tabs = []string{TabTraining, TabEvaluation, TabInspection, TabInputs, TabActivations}

// Style sizes a surface in pixels.
type Style struct {
	Width  int
	Height int
}

// Surface names one drawing area of the dashboard.
type Surface struct {
	Tab   string
	Name  string
	Style Style
}

var (
	LossSurface        = Surface{Tab: TabTraining, Name: "Loss", Style: Style{Width: 480, Height: 300}}
	AccuracySurface    = Surface{Tab: TabTraining, Name: "Accuracy", Style: Style{Width: 480, Height: 300}}
	BatchSurface       = Surface{Tab: TabTraining, Name: "Batch loss", Style: Style{Width: 480, Height: 300}}
	PerClassSurface    = Surface{Tab: TabEvaluation, Name: "Accuracy per class", Style: Style{Width: 480, Height: 300}}
	ConfusionSurface   = Surface{Tab: TabEvaluation, Name: "Confusion matrix", Style: Style{Width: 480, Height: 420}}
	SummarySurface     = Surface{Tab: TabInspection, Name: "Model summary"}
	InputsSurface      = Surface{Tab: TabInputs, Name: "Inputs", Style: Style{Width: 40, Height: 40}}
	ActivationsSurface = Surface{Tab: TabActivations, Name: "Activations", Style: Style{Width: 40, Height: 40}}
)

// InputView is one preprocessed training input.
type InputView struct {
	Key   int64
	Label string
	Image *image.Gray
}

// SampleActivations holds one image per filter for a single input.
type SampleActivations struct {
	Key     int64
	Label   string
	Filters []*image.Gray
}

// LayerActivations is a layer's output for a set of inputs.
type LayerActivations struct {
	Layer   string
	Shape   []int
	Samples []SampleActivations
}

// Multi fans every event out to sinks in order.
func Multi(sinks ...Sink) Sink { return multi(sinks) }

type multi []Sink

func (m multi) TrainBegin(info model.RunInfo) {
	for _, s := range m {
		s.TrainBegin(info)
	}
}

func (m multi) BatchEnd(logs model.BatchLogs) {
	for _, s := range m {
		s.BatchEnd(logs)
	}
}

func (m multi) EpochEnd(logs model.EpochLogs) {
	for _, s := range m {
		s.EpochEnd(logs)
	}
}

func (m multi) TrainEnd(eval model.Evaluation) {
	for _, s := range m {
		s.TrainEnd(eval)
	}
}
