package visor

import (
	"log"
	"strings"

	"doodle-forge/internal/model"
)

// LogSink writes key=value lines for every event.
type LogSink struct {
	logger *log.Logger
	every  int
}

// NewLogSink logs through logger (log.Default when nil). Batch lines are
// written every n batches; n <= 0 disables them.
func NewLogSink(logger *log.Logger, n int) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger, every: n}
}

func (s *LogSink) TrainBegin(info model.RunInfo) {
	s.logger.Printf("run=%s classes=%s train=%d val=%d epochs=%d batch=%d",
		info.RunID, strings.Join(info.Classes, ","), info.TrainSamples, info.ValidationSamples, info.Epochs, info.BatchSize)
}

func (s *LogSink) BatchEnd(l model.BatchLogs) {
	if s.every <= 0 || (l.Batch+1)%s.every != 0 {
		return
	}
	s.logger.Printf("epoch=%d batch=%d size=%d loss=%.4f acc=%.4f", l.Epoch+1, l.Batch+1, l.Size, l.Loss, l.Acc)
}

func (s *LogSink) EpochEnd(l model.EpochLogs) {
	if !l.HasValidation {
		s.logger.Printf("epoch=%d loss=%.4f acc=%.4f images_per_sec=%.1f", l.Epoch+1, l.Loss, l.Acc, l.ImagesPerSec)
		return
	}
	s.logger.Printf("epoch=%d loss=%.4f acc=%.4f val_loss=%.4f val_acc=%.4f images_per_sec=%.1f",
		l.Epoch+1, l.Loss, l.Acc, l.ValLoss, l.ValAcc, l.ImagesPerSec)
}

func (s *LogSink) TrainEnd(e model.Evaluation) {
	s.logger.Printf("run=%s eval accuracy=%.4f samples=%d", e.RunID, e.Accuracy, len(e.Truth))
	for _, c := range e.PerClass {
		s.logger.Printf("class=%s accuracy=%.4f count=%d", c.Class, c.Accuracy, c.Count)
	}
	if e.Confusion == nil {
		return
	}
	for i, row := range e.Confusion.Counts {
		s.logger.Printf("confusion truth=%s pred=%v", e.Confusion.Classes[i], row)
	}
}

func (s *LogSink) ShowModel(sum model.Summary) {
	for _, l := range sum.Layers {
		s.logger.Printf("layer=%s kind=%s shape=%v params=%d", l.Name, l.Kind, l.OutputShape, l.Params)
	}
	s.logger.Printf("model input=%v params=%d", sum.InputShape, sum.TotalParams)
}

func (s *LogSink) ShowInputs(inputs []InputView) {
	s.logger.Printf("inputs shown=%d", len(inputs))
}

func (s *LogSink) ShowActivations(layers []LayerActivations) {
	for _, l := range layers {
		s.logger.Printf("activations layer=%s shape=%v samples=%d", l.Layer, l.Shape, len(l.Samples))
	}
}
