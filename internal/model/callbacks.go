package model

import (
	"time"

	"doodle-forge/internal/metrics"
)

// RunInfo describes a training run as it starts.
type RunInfo struct {
	RunID             string
	Classes           []string
	Epochs            int
	BatchSize         int
	TrainSamples      int
	ValidationSamples int
	StartedAt         time.Time
}

// BatchLogs are reported after every optimizer step.
type BatchLogs struct {
	RunID string
	Epoch int
	Batch int
	Size  int
	Loss  float64
	Acc   float64
}

// EpochLogs are reported after every epoch. Validation fields are only
// meaningful when HasValidation is set.
type EpochLogs struct {
	RunID         string
	Epoch         int
	Loss          float64
	Acc           float64
	ValLoss       float64
	ValAcc        float64
	HasValidation bool
	ImagesPerSec  float64
	Elapsed       time.Duration
}

// Evaluation holds the post-training predictions over the whole dataset.
type Evaluation struct {
	RunID     string
	Classes   []string
	Truth     []int
	Pred      []int
	Accuracy  float64
	Confusion *metrics.ConfusionMatrix
	PerClass  []metrics.ClassAccuracy
}

// Callback receives training progress. Implementations must return quickly;
// Train calls them synchronously between steps.
type Callback interface {
	TrainBegin(info RunInfo)
	BatchEnd(logs BatchLogs)
	EpochEnd(logs EpochLogs)
	TrainEnd(eval Evaluation)
}

// CallbackFuncs adapts optional functions to Callback.
type CallbackFuncs struct {
	OnTrainBegin func(RunInfo)
	OnBatchEnd   func(BatchLogs)
	OnEpochEnd   func(EpochLogs)
	OnTrainEnd   func(Evaluation)
}

func (f CallbackFuncs) TrainBegin(info RunInfo) {
	if f.OnTrainBegin != nil {
		f.OnTrainBegin(info)
	}
}

func (f CallbackFuncs) BatchEnd(logs BatchLogs) {
	if f.OnBatchEnd != nil {
		f.OnBatchEnd(logs)
	}
}

func (f CallbackFuncs) EpochEnd(logs EpochLogs) {
	if f.OnEpochEnd != nil {
		f.OnEpochEnd(logs)
	}
}

func (f CallbackFuncs) TrainEnd(eval Evaluation) {
	if f.OnTrainEnd != nil {
		f.OnTrainEnd(eval)
	}
}

type callbackList []Callback

func (l callbackList) TrainBegin(info RunInfo) {
	for _, c := range l {
		c.TrainBegin(info)
	}
}

func (l callbackList) BatchEnd(logs BatchLogs) {
	for _, c := range l {
		c.BatchEnd(logs)
	}
}

func (l callbackList) EpochEnd(logs EpochLogs) {
	for _, c := range l {
		c.EpochEnd(logs)
	}
}

func (l callbackList) TrainEnd(eval Evaluation) {
	for _, c := range l {
		c.TrainEnd(eval)
	}
}
