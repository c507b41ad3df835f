package visor

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"doodle-forge/internal/metrics"
	"doodle-forge/internal/model"
	"doodle-forge/internal/store"
	"doodle-forge/internal/tensor"
)

func evaluation(t *testing.T) model.Evaluation {
	t.Helper()
	classes := []string{"cat", "dog"}
	truth := []int{0, 0, 1, 1}
	pred := []int{0, 1, 1, 1}
	cm, err := metrics.Confusion(classes, truth, pred)
	if err != nil {
		t.Fatalf("Confusion: %v", err)
	}
	return model.Evaluation{RunID: "r1", Classes: classes, Truth: truth, Pred: pred, Accuracy: cm.Accuracy(), Confusion: cm, PerClass: cm.PerClassAccuracy()}
}

func TestLogSinkLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(log.New(&buf, "", 0), 2)
	s.BatchEnd(model.BatchLogs{Epoch: 0, Batch: 0, Size: 16, Loss: 1})
	s.BatchEnd(model.BatchLogs{Epoch: 0, Batch: 1, Size: 16, Loss: 0.9, Acc: 0.5})
	s.EpochEnd(model.EpochLogs{Epoch: 2, Loss: 0.5, Acc: 0.75, ValLoss: 0.6, ValAcc: 0.5, HasValidation: true, ImagesPerSec: 12})
	s.TrainEnd(evaluation(t))

	out := buf.String()
	for _, want := range []string{
		"epoch=1 batch=2 size=16 loss=0.9000 acc=0.5000",
		"epoch=3 loss=0.5000 acc=0.7500 val_loss=0.6000 val_acc=0.5000 images_per_sec=12.0",
		"run=r1 eval accuracy=0.7500 samples=4",
		"class=cat accuracy=0.5000 count=2",
		"confusion truth=dog pred=[0 2]",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "batch=1 ") {
		t.Fatalf("batch line written off the interval:\n%s", out)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	epochs  []int
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (r *recordingSink) EpochEnd(l model.EpochLogs) {
	if r.gate != nil {
		r.once.Do(func() {
			close(r.started)
			<-r.gate
		})
	}
	r.mu.Lock()
	r.epochs = append(r.epochs, l.Epoch)
	r.mu.Unlock()
}

func (r *recordingSink) TrainBegin(model.RunInfo)  {}
func (r *recordingSink) BatchEnd(model.BatchLogs)  {}
func (r *recordingSink) TrainEnd(model.Evaluation) {}

func TestAsyncDropsWhenFull(t *testing.T) {
	rec := &recordingSink{started: make(chan struct{}), gate: make(chan struct{})}
	a := Async(rec, 1)
	a.EpochEnd(model.EpochLogs{Epoch: 0})
	<-rec.started

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			a.EpochEnd(model.EpochLogs{Epoch: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on a full queue")
	}
	close(rec.gate)
	a.Close()

	if len(rec.epochs) != 2 || rec.epochs[0] != 0 || rec.epochs[1] != 1 {
		t.Fatalf("delivered %v", rec.epochs)
	}
	if a.Dropped() != 4 {
		t.Fatalf("dropped %d", a.Dropped())
	}
	a.EpochEnd(model.EpochLogs{Epoch: 9})
	if a.Dropped() != 5 {
		t.Fatal("event after Close not counted as dropped")
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := Multi(a, b)
	m.EpochEnd(model.EpochLogs{Epoch: 4})
	if len(a.epochs) != 1 || len(b.epochs) != 1 {
		t.Fatalf("a=%v b=%v", a.epochs, b.epochs)
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestDashboardCharts(t *testing.T) {
	d := NewDashboard(DashboardOptions{})
	defer d.Close()

	for _, name := range []string{"loss", "accuracy", "batch", "per-class", "confusion"} {
		rec := get(t, d, "/charts/"+name+".svg")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<svg") {
			t.Fatalf("empty %s chart: %d %.200s", name, rec.Code, rec.Body.String())
		}
	}

	d.TrainBegin(model.RunInfo{RunID: "r1", Epochs: 2})
	d.BatchEnd(model.BatchLogs{Loss: 1.2})
	d.BatchEnd(model.BatchLogs{Batch: 1, Loss: 1.0})
	d.EpochEnd(model.EpochLogs{Epoch: 0, Loss: 1.1, Acc: 0.4, ValLoss: 1.2, ValAcc: 0.3, HasValidation: true})
	d.EpochEnd(model.EpochLogs{Epoch: 1, Loss: 0.8, Acc: 0.6, ValLoss: 0.9, ValAcc: 0.5, HasValidation: true})
	d.TrainEnd(evaluation(t))

	for _, name := range []string{"loss", "accuracy", "batch", "per-class", "confusion"} {
		rec := get(t, d, "/charts/"+name+".svg")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s chart status %d: %s", name, rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "image/svg+xml" {
			t.Fatalf("%s chart content type %q", name, ct)
		}
		if !strings.Contains(rec.Body.String(), "<svg") {
			t.Fatalf("%s chart is not svg", name)
		}
	}
	if rec := get(t, d, "/charts/other.svg"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown chart status %d", rec.Code)
	}

	page := get(t, d, "/")
	if page.Code != http.StatusOK || !strings.Contains(page.Body.String(), "Model Evaluation") {
		t.Fatalf("page: %d", page.Code)
	}
	if !strings.Contains(page.Body.String(), "finished, accuracy 0.7500") {
		t.Fatalf("page status missing:\n%.500s", page.Body.String())
	}
}

func grayPattern(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	return img
}

func TestDashboardImagesAndState(t *testing.T) {
	d := NewDashboard(DashboardOptions{})
	defer d.Close()
	d.ShowInputs([]InputView{{Key: 3, Label: "cat", Image: grayPattern(28, 28)}})
	d.ShowActivations([]LayerActivations{{
		Layer: model.Conv1Layer,
		Shape: []int{24, 24, 2},
		Samples: []SampleActivations{{Key: 3, Label: "cat", Filters: []*image.Gray{
			grayPattern(24, 24), grayPattern(24, 24),
		}}},
	}})
	d.ShowModel(model.Summary{InputShape: []int{28, 28, 1}, TotalParams: 10, Layers: []model.LayerSummary{{Name: "x", Kind: "Dense", OutputShape: []int{10}, Params: 10}}})

	rec := get(t, d, "/inputs/0.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("input status %d", rec.Code)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 40 {
		t.Fatalf("thumbnail %v", b)
	}
	if rec := get(t, d, "/inputs/1.png"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing input status %d", rec.Code)
	}
	if rec := get(t, d, "/activations/"+model.Conv1Layer+"/0/1.png"); rec.Code != http.StatusOK {
		t.Fatalf("activation status %d", rec.Code)
	}
	if rec := get(t, d, "/activations/"+model.Conv1Layer+"/0/2.png"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing filter status %d", rec.Code)
	}

	var st State
	rec = get(t, d, "/state")
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(st.Inputs) != 1 || st.Inputs[0].Key != 3 || len(st.Activations) != 1 || len(st.Activations[0].Samples[0].Filters) != 2 {
		t.Fatalf("state %+v", st)
	}
	if st.Summary == nil || st.Summary.TotalParams != 10 {
		t.Fatalf("summary %+v", st.Summary)
	}

	page := get(t, d, "/")
	if !strings.Contains(page.Body.String(), "activations/"+model.Conv1Layer+"/0/1.png") {
		t.Fatal("page does not reference activation images")
	}
}

func TestDashboardWebsocket(t *testing.T) {
	d := NewDashboard(DashboardOptions{})
	srv := httptest.NewServer(d)
	defer srv.Close()
	defer d.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() Event {
		t.Helper()
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		return ev
	}
	if ev := read(); ev.Type != "state" {
		t.Fatalf("first event %q", ev.Type)
	}
	d.EpochEnd(model.EpochLogs{Epoch: 5, Loss: 0.25})
	ev := read()
	if ev.Type != "epoch" {
		t.Fatalf("event %q", ev.Type)
	}
	if data, _ := ev.Data.(map[string]any); data["Epoch"] != float64(5) {
		t.Fatalf("event data %v", ev.Data)
	}
}

func TestCollectActivations(t *testing.T) {
	sess := tensor.NewSession(tensor.Options{Workers: 2, Quiet: true})
	defer sess.Close()
	w := model.NewWrapper(sess, model.Options{Seed: 5})
	ctx := context.Background()
	if err := w.Build(ctx, model.BuildConfig{NumClasses: 2}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	baseline := sess.Memory()

	var samples []store.Sample
	for i := 0; i < 12; i++ {
		samples = append(samples, store.Sample{Key: int64(i), Label: "cat", Image: store.FromImage(grayPattern(28, 28))})
	}
	tail := Tail(samples, ActivationsShown)
	if len(tail) != 8 || tail[0].Key != 4 {
		t.Fatalf("tail starts at %d", tail[0].Key)
	}
	layers, err := CollectActivations(ctx, w, tail, model.Conv1Layer, model.Conv2Layer)
	if err != nil {
		t.Fatalf("CollectActivations: %v", err)
	}
	if len(layers) != 2 || len(layers[0].Samples) != 8 || len(layers[0].Samples[0].Filters) != 8 || len(layers[1].Samples[0].Filters) != 16 {
		t.Fatalf("unexpected layout")
	}
	if b := layers[1].Samples[0].Filters[0].Bounds(); b.Dx() != 8 || b.Dy() != 8 {
		t.Fatalf("conv2 filter image %v", b)
	}
	if _, err := CollectActivations(ctx, w, tail, model.HiddenLayer); err == nil {
		t.Fatal("expected error for a dense layer")
	}

	inputs, err := CollectInputs(sess, Tail(samples, InputsShown))
	if err != nil || len(inputs) != 12 || inputs[0].Image.Bounds().Dx() != 28 {
		t.Fatalf("CollectInputs: %v %d", err, len(inputs))
	}
	if m := sess.Memory(); m != baseline {
		t.Fatalf("memory %+v, want %+v", m, baseline)
	}
}
