package model

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"doodle-forge/internal/dataset"
	"doodle-forge/internal/store"
	"doodle-forge/internal/tensor"
)

// strokes returns n drawings alternating between a vertical and a
// horizontal black bar on white.
func strokes(n int) []store.Sample {
	out := make([]store.Sample, n)
	for i := 0; i < n; i++ {
		img := image.NewGray(image.Rect(0, 0, 28, 28))
		for j := range img.Pix {
			img.Pix[j] = 255
		}
		label := "vertical"
		off := 8 + i%10
		for a := 4; a < 24; a++ {
			for b := off; b < off+3; b++ {
				if i%2 == 0 {
					img.SetGray(b, a, color.Gray{})
				} else {
					img.SetGray(a, b, color.Gray{})
				}
			}
		}
		if i%2 == 1 {
			label = "horizontal"
		}
		out[i] = store.Sample{Key: int64(i), Label: label, Image: store.FromImage(img)}
	}
	return out
}

func builtWrapper(t *testing.T, classes int) (*Wrapper, *tensor.Session) {
	t.Helper()
	sess := newSession(t)
	w := NewWrapper(sess, Options{Seed: 7})
	if err := w.Build(context.Background(), BuildConfig{NumClasses: classes}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return w, sess
}

func strokeRegistry(t *testing.T) *dataset.Registry {
	t.Helper()
	reg, err := dataset.NewRegistry("vertical", "horizontal")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestTrainBeforeBuild(t *testing.T) {
	sess := newSession(t)
	w := NewWrapper(sess, Options{Seed: 1})
	ctx := context.Background()
	if _, err := w.Train(ctx, strokes(4), strokeRegistry(t), TrainOptions{}); !errors.Is(err, ErrModelNotBuilt) {
		t.Fatalf("expected ErrModelNotBuilt, got %v", err)
	}
	if _, err := w.PredictSample(ctx, strokes(1)[0].Image); !errors.Is(err, ErrModelNotBuilt) {
		t.Fatalf("expected ErrModelNotBuilt from predict, got %v", err)
	}
	if w.State() != Uninitialized {
		t.Fatalf("state %s", w.State())
	}
}

func TestBuildSummary(t *testing.T) {
	w, sess := builtWrapper(t, 5)
	if w.State() != Built {
		t.Fatalf("state %s", w.State())
	}
	s, err := w.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	wantShapes := [][]int{{24, 24, 8}, {12, 12, 8}, {8, 8, 16}, {4, 4, 16}, {256}, {64}, {64}, {5}}
	if len(s.Layers) != len(wantShapes) {
		t.Fatalf("%d layers", len(s.Layers))
	}
	for i, l := range s.Layers {
		if !reflect.DeepEqual(l.OutputShape, wantShapes[i]) {
			t.Fatalf("layer %s shape %v want %v", l.Name, l.OutputShape, wantShapes[i])
		}
	}
	if s.Layers[0].Name != Conv1Layer || s.Layers[7].Name != OutputLayer || s.Layers[6].Kind != "Dropout" {
		t.Fatalf("unexpected layers %+v", s.Layers)
	}
	if s.TotalParams != 208+3216+16448+325 {
		t.Fatalf("total params %d", s.TotalParams)
	}
	if m := sess.Memory(); m.NumTensors != 8 {
		t.Fatalf("expected only the 8 weight tensors alive after warm-up, got %d", m.NumTensors)
	}
}

func TestTrainReducesLossAndReleasesTensors(t *testing.T) {
	w, sess := builtWrapper(t, 2)
	baseline := sess.Memory()

	var epochs []EpochLogs
	var eval Evaluation
	cb := CallbackFuncs{
		OnEpochEnd: func(l EpochLogs) { epochs = append(epochs, l) },
		OnTrainEnd: func(e Evaluation) { eval = e },
	}
	res, err := w.Train(context.Background(), strokes(30), strokeRegistry(t), TrainOptions{Epochs: 15, BatchSize: 4}, cb)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(epochs) != 15 || len(res.History) != 15 {
		t.Fatalf("got %d epoch callbacks", len(epochs))
	}
	if last, first := epochs[14].Loss, epochs[0].Loss; !(last < first) {
		t.Fatalf("loss did not decrease: first=%f last=%f", first, last)
	}
	if !epochs[0].HasValidation {
		t.Fatal("expected validation metrics")
	}
	if eval.Confusion == nil || eval.Confusion.Total() != 30 || len(eval.PerClass) != 2 {
		t.Fatalf("unexpected evaluation %+v", eval)
	}
	if eval.RunID != res.RunID || res.RunID == "" {
		t.Fatalf("run ids %q %q", eval.RunID, res.RunID)
	}
	if w.State() != Trained || !reflect.DeepEqual(w.Classes(), []string{"vertical", "horizontal"}) {
		t.Fatalf("state %s classes %v", w.State(), w.Classes())
	}
	if after := sess.Memory(); after != baseline {
		t.Fatalf("memory %+v after training, want %+v", after, baseline)
	}
}

func TestConcurrentTrainingRejected(t *testing.T) {
	w, _ := builtWrapper(t, 2)
	ctx := context.Background()
	samples, reg := strokes(10), strokeRegistry(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	cb := CallbackFuncs{OnBatchEnd: func(BatchLogs) {
		once.Do(func() {
			close(started)
			<-release
		})
	}}
	done := make(chan error, 1)
	go func() {
		_, err := w.Train(ctx, samples, reg, TrainOptions{Epochs: 1}, cb)
		done <- err
	}()
	<-started

	if _, err := w.Train(ctx, samples, reg, TrainOptions{Epochs: 1}); !errors.Is(err, ErrConcurrentTraining) {
		t.Errorf("expected ErrConcurrentTraining, got %v", err)
	}
	if err := w.Build(ctx, BuildConfig{NumClasses: 2}); !errors.Is(err, ErrTrainingInProgress) {
		t.Errorf("expected ErrTrainingInProgress from Build, got %v", err)
	}
	if _, err := w.PredictSample(ctx, samples[0].Image); !errors.Is(err, ErrTrainingInProgress) {
		t.Errorf("expected ErrTrainingInProgress from Predict, got %v", err)
	}
	if err := w.Reset(); !errors.Is(err, ErrTrainingInProgress) {
		t.Errorf("expected ErrTrainingInProgress from Reset, got %v", err)
	}
	if _, err := w.Summary(); err != nil {
		t.Errorf("Summary during training: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Train: %v", err)
	}
	if w.Training() {
		t.Fatal("training flag not cleared")
	}
}

func TestCancelRestoresWeights(t *testing.T) {
	w, sess := builtWrapper(t, 2)
	baseline := sess.Memory()
	before, err := w.LayerWeights(OutputLayer)
	if err != nil {
		t.Fatalf("LayerWeights: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cb := CallbackFuncs{OnBatchEnd: func(l BatchLogs) {
		if l.Batch == 1 {
			cancel()
		}
	}}
	_, err = w.Train(ctx, strokes(20), strokeRegistry(t), TrainOptions{Epochs: 3, BatchSize: 4}, cb)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	after, err := w.LayerWeights(OutputLayer)
	if err != nil {
		t.Fatalf("LayerWeights: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatal("weights changed by a cancelled run")
	}
	if w.State() != Built {
		t.Fatalf("state %s after cancel", w.State())
	}
	if m := sess.Memory(); m != baseline {
		t.Fatalf("memory %+v after cancel, want %+v", m, baseline)
	}
}

func TestTrainRejectsUnknownLabel(t *testing.T) {
	w, sess := builtWrapper(t, 2)
	baseline := sess.Memory()
	samples := strokes(6)
	samples[3].Label = "diagonal"
	_, err := w.Train(context.Background(), samples, strokeRegistry(t), TrainOptions{Epochs: 1})
	if !errors.Is(err, dataset.ErrLabelNotInRegistry) {
		t.Fatalf("expected ErrLabelNotInRegistry, got %v", err)
	}
	if m := sess.Memory(); m != baseline {
		t.Fatalf("memory %+v, want %+v", m, baseline)
	}
	if _, err := w.Train(context.Background(), strokes(1), strokeRegistry(t), TrainOptions{Epochs: 1}); !errors.Is(err, dataset.ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset for a single sample, got %v", err)
	}
}

func TestRetrainKeepsClassOrder(t *testing.T) {
	w, _ := builtWrapper(t, 2)
	ctx := context.Background()
	if _, err := w.Train(ctx, strokes(12), strokeRegistry(t), TrainOptions{Epochs: 2}); err != nil {
		t.Fatalf("Train: %v", err)
	}
	swapped, err := dataset.NewRegistry("horizontal", "vertical")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := w.Train(ctx, strokes(12), swapped, TrainOptions{Epochs: 1}); !errors.Is(err, ErrRegistryChanged) {
		t.Fatalf("expected ErrRegistryChanged, got %v", err)
	}
	if got := w.Classes(); !reflect.DeepEqual(got, []string{"vertical", "horizontal"}) {
		t.Fatalf("classes changed to %v", got)
	}
	if w.State() != Trained {
		t.Fatalf("state %v after rejected retrain", w.State())
	}
	if _, err := w.Train(ctx, strokes(12), strokeRegistry(t), TrainOptions{Epochs: 1}); err != nil {
		t.Fatalf("retrain with the same order: %v", err)
	}

	if err := w.Build(ctx, BuildConfig{NumClasses: 2}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := w.Train(ctx, strokes(12), swapped, TrainOptions{Epochs: 1}); err != nil {
		t.Fatalf("a rebuilt model accepts a new order: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	w, _ := builtWrapper(t, 2)
	ctx := context.Background()
	if _, err := w.Train(ctx, strokes(12), strokeRegistry(t), TrainOptions{Epochs: 2}); err != nil {
		t.Fatalf("Train: %v", err)
	}
	query := strokes(3)[2].Image
	want, err := w.PredictSample(ctx, query)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	path := filepath.Join(t.TempDir(), "model.gob")
	if err := w.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	check := func(src string) {
		t.Helper()
		loaded := NewWrapper(newSession(t), Options{Seed: 99})
		if err := loaded.Load(ctx, src); err != nil {
			t.Fatalf("Load(%s): %v", src, err)
		}
		got, err := loaded.PredictSample(ctx, query)
		if err != nil {
			t.Fatalf("Predict after load: %v", err)
		}
		for i := range want {
			if math.Abs(float64(got[i]-want[i])) > 1e-6 {
				t.Fatalf("prediction %d: %f vs %f", i, got[i], want[i])
			}
		}
		if !reflect.DeepEqual(loaded.Classes(), []string{"vertical", "horizontal"}) {
			t.Fatalf("classes %v", loaded.Classes())
		}
	}
	check(path)

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.ServeFile(rw, r, path)
	}))
	defer srv.Close()
	check(srv.URL + "/model.gob")
}

func TestLoadRejectsBadArtifact(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.gob")
	if err := os.WriteFile(junk, []byte("nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w := NewWrapper(newSession(t), Options{Seed: 1})
	ctx := context.Background()
	if err := w.Load(ctx, junk); !errors.Is(err, ErrArtifact) {
		t.Fatalf("expected ErrArtifact, got %v", err)
	}
	if err := w.Load(ctx, filepath.Join(dir, "missing.gob")); !errors.Is(err, ErrArtifact) {
		t.Fatalf("expected ErrArtifact for missing file, got %v", err)
	}

	a := &Artifact{Version: ArtifactVersion, Architecture: SimpleCNN(BuildConfig{NumClasses: 2})}
	if err := w.LoadArtifact(ctx, a); !errors.Is(err, ErrArtifact) {
		t.Fatalf("expected ErrArtifact without weights, got %v", err)
	}
	if w.State() != Uninitialized {
		t.Fatalf("failed load changed state to %s", w.State())
	}
}

func TestResetRequiresRebuild(t *testing.T) {
	w, sess := builtWrapper(t, 2)
	ctx := context.Background()
	if err := w.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if w.State() != Reset {
		t.Fatalf("state %s", w.State())
	}
	if m := sess.Memory(); m.NumTensors != 0 {
		t.Fatalf("reset left %d tensors", m.NumTensors)
	}
	if _, err := w.Train(ctx, strokes(4), strokeRegistry(t), TrainOptions{Epochs: 1}); !errors.Is(err, ErrModelNotBuilt) {
		t.Fatalf("expected ErrModelNotBuilt after reset, got %v", err)
	}
	if err := w.Build(ctx, BuildConfig{NumClasses: 2}); err != nil {
		t.Fatalf("Build after reset: %v", err)
	}
	if w.State() != Built {
		t.Fatalf("state %s", w.State())
	}
}

func TestPredictAndActivations(t *testing.T) {
	w, sess := builtWrapper(t, 3)
	ctx := context.Background()
	probs, err := w.PredictSample(ctx, strokes(1)[0].Image)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	var sum float32
	for _, p := range probs {
		sum += p
	}
	if len(probs) != 3 || math.Abs(float64(sum)-1) > 1e-5 {
		t.Fatalf("probs %v", probs)
	}
	ranked := Rank(probs, []string{"a", "b", "c"})
	if ranked[0].Probability < ranked[1].Probability || ranked[0].Class == "" {
		t.Fatalf("ranking %+v", ranked)
	}

	x := sess.Zeros(2, 28, 28, 1)
	defer x.Release()
	act, err := w.Activations(ctx, Conv2Layer, x)
	if err != nil {
		t.Fatalf("Activations: %v", err)
	}
	if s := act.Shape(); !reflect.DeepEqual(s, []int{2, 8, 8, 16}) {
		t.Fatalf("activation shape %v", s)
	}
	act.Release()
	if _, err := w.Activations(ctx, "nope", x); err == nil {
		t.Fatal("expected unknown layer error")
	}
	kernel, err := w.LayerWeights(Conv1Layer)
	if err != nil || len(kernel) != 2 || !reflect.DeepEqual(kernel[0].Shape, []int{5, 5, 1, 8}) {
		t.Fatalf("LayerWeights: %v %+v", err, kernel)
	}
}

func TestClosedSessionReturnsErrors(t *testing.T) {
	w, sess := builtWrapper(t, 2)
	ctx := context.Background()
	sess.Close()
	if _, err := w.PredictSample(ctx, strokes(1)[0].Image); !errors.Is(err, tensor.ErrSessionClosed) {
		t.Fatalf("Predict: expected ErrSessionClosed, got %v", err)
	}
	if err := w.Build(ctx, BuildConfig{NumClasses: 2}); !errors.Is(err, tensor.ErrSessionClosed) {
		t.Fatalf("Build: expected ErrSessionClosed, got %v", err)
	}
	if _, err := w.Train(ctx, strokes(6), strokeRegistry(t), TrainOptions{Epochs: 1}); !errors.Is(err, tensor.ErrSessionClosed) {
		t.Fatalf("Train: expected ErrSessionClosed, got %v", err)
	}
}
