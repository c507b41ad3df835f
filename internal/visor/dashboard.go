package visor

import (
	"encoding/json"
	"fmt"
	"html/template"
	"image"
	"image/png"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/image/draw"

	"doodle-forge/internal/model"
)

// DashboardOptions configures a Dashboard.
type DashboardOptions struct {
	// BatchHistory caps the batch losses kept for the batch chart.
	BatchHistory int
}

// Dashboard is a Sink and an Inspector that serves what it receives as a
// web page, SVG charts, PNG images and a websocket event stream.
type Dashboard struct {
	opts   DashboardOptions
	router *mux.Router
	hub    *hub

	mu      sync.RWMutex
	run     *model.RunInfo
	epochs  []model.EpochLogs
	batches []model.BatchLogs
	steps   []int
	step    int
	eval    *model.Evaluation
	summary *model.Summary
	inputs  []InputView
	acts    []LayerActivations
}

// NewDashboard returns an empty dashboard. Mount it with http.StripPrefix
// when it is not served at the root.
func NewDashboard(opts DashboardOptions) *Dashboard {
	if opts.BatchHistory <= 0 {
		opts.BatchHistory = 2000
	}
	d := &Dashboard{opts: opts, hub: newHub()}
	r := mux.NewRouter()
	r.HandleFunc("/", d.handlePage).Methods(http.MethodGet)
	r.HandleFunc("/state", d.handleState).Methods(http.MethodGet)
	r.HandleFunc("/charts/{chart:(?:loss|accuracy|batch|per-class|confusion)}.svg", d.handleChart).Methods(http.MethodGet)
	r.HandleFunc("/inputs/{index:[0-9]+}.png", d.handleInput).Methods(http.MethodGet)
	r.HandleFunc("/activations/{layer}/{sample:[0-9]+}/{filter:[0-9]+}.png", d.handleActivation).Methods(http.MethodGet)
	r.HandleFunc("/ws", d.handleWebsocket)
	d.router = r
	return d
}

func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) { d.router.ServeHTTP(w, r) }

// Close disconnects all websocket clients.
func (d *Dashboard) Close() { d.hub.close() }

// Clients is the number of connected websocket clients.
func (d *Dashboard) Clients() int { return d.hub.count() }

func (d *Dashboard) TrainBegin(info model.RunInfo) {
	d.mu.Lock()
	d.run = &info
	d.epochs, d.batches, d.steps, d.step, d.eval = nil, nil, nil, 0, nil
	d.mu.Unlock()
	d.hub.broadcast(Event{Type: "begin", Data: info})
}

func (d *Dashboard) BatchEnd(logs model.BatchLogs) {
	d.mu.Lock()
	d.step++
	d.batches = append(d.batches, logs)
	d.steps = append(d.steps, d.step)
	if over := len(d.batches) - d.opts.BatchHistory; over > 0 {
		d.batches = d.batches[over:]
		d.steps = d.steps[over:]
	}
	d.mu.Unlock()
	d.hub.broadcast(Event{Type: "batch", Data: logs})
}

func (d *Dashboard) EpochEnd(logs model.EpochLogs) {
	d.mu.Lock()
	d.epochs = append(d.epochs, logs)
	d.mu.Unlock()
	d.hub.broadcast(Event{Type: "epoch", Data: logs})
}

func (d *Dashboard) TrainEnd(eval model.Evaluation) {
	d.mu.Lock()
	d.eval = &eval
	d.mu.Unlock()
	d.hub.broadcast(Event{Type: "end", Data: eval})
}

func (d *Dashboard) ShowModel(s model.Summary) {
	d.mu.Lock()
	d.summary = &s
	d.mu.Unlock()
	d.hub.broadcast(Event{Type: "model", Data: s})
}

func (d *Dashboard) ShowInputs(inputs []InputView) {
	d.mu.Lock()
	d.inputs = inputs
	meta := inputMeta(inputs)
	d.mu.Unlock()
	d.hub.broadcast(Event{Type: "inputs", Data: meta})
}

func (d *Dashboard) ShowActivations(layers []LayerActivations) {
	d.mu.Lock()
	d.acts = layers
	meta := activationMeta(layers)
	d.mu.Unlock()
	d.hub.broadcast(Event{Type: "activations", Data: meta})
}

// InputMeta describes an input image served at inputs/{index}.png.
type InputMeta struct {
	Index int    `json:"index"`
	Key   int64  `json:"key"`
	Label string `json:"label"`
}

// SampleMeta lists the filter images of one sample.
type SampleMeta struct {
	Index   int    `json:"index"`
	Key     int64  `json:"key"`
	Label   string `json:"label"`
	Filters []int  `json:"filters"`
}

// ActivationMeta describes a layer's images served under activations/{layer}/.
type ActivationMeta struct {
	Layer   string       `json:"layer"`
	Shape   []int        `json:"shape"`
	Samples []SampleMeta `json:"samples"`
}

// State is the JSON form of everything the dashboard holds.
type State struct {
	Run         *model.RunInfo    `json:"run,omitempty"`
	Epochs      []model.EpochLogs `json:"epochs"`
	Batches     int               `json:"batches"`
	Evaluation  *model.Evaluation `json:"evaluation,omitempty"`
	Summary     *model.Summary    `json:"summary,omitempty"`
	Inputs      []InputMeta       `json:"inputs"`
	Activations []ActivationMeta  `json:"activations"`
}

func inputMeta(inputs []InputView) []InputMeta {
	out := make([]InputMeta, len(inputs))
	for i, in := range inputs {
		out[i] = InputMeta{Index: i, Key: in.Key, Label: in.Label}
	}
	return out
}

func activationMeta(layers []LayerActivations) []ActivationMeta {
	out := make([]ActivationMeta, len(layers))
	for i, l := range layers {
		am := ActivationMeta{Layer: l.Layer, Shape: l.Shape}
		for j, s := range l.Samples {
			sm := SampleMeta{Index: j, Key: s.Key, Label: s.Label, Filters: make([]int, len(s.Filters))}
			for f := range sm.Filters {
				sm.Filters[f] = f
			}
			am.Samples = append(am.Samples, sm)
		}
		out[i] = am
	}
	return out
}

// Snapshot returns the current state.
func (d *Dashboard) Snapshot() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return State{
		Run:         d.run,
		Epochs:      append([]model.EpochLogs{}, d.epochs...),
		Batches:     len(d.batches),
		Evaluation:  d.eval,
		Summary:     d.summary,
		Inputs:      inputMeta(d.inputs),
		Activations: activationMeta(d.acts),
	}
}

func (d *Dashboard) status() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch {
	case d.run == nil:
		return "no training run yet"
	case d.eval != nil:
		return fmt.Sprintf("run %s finished, accuracy %.4f", d.run.RunID, d.eval.Accuracy)
	case len(d.epochs) > 0:
		e := d.epochs[len(d.epochs)-1]
		return fmt.Sprintf("run %s epoch %d of %d, loss %.4f", d.run.RunID, e.Epoch+1, d.run.Epochs, e.Loss)
	default:
		return fmt.Sprintf("run %s started", d.run.RunID)
	}
}

func (d *Dashboard) handlePage(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Tabs   []string
		Status string
		State  State
		Thumb  Style
	}{
		Tabs:   Tabs,
		Status: d.status(),
		State:  d.Snapshot(),
		Thumb:  InputsSurface.Style,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		logError(w, err)
	}
}

func (d *Dashboard) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.Snapshot()); err != nil {
		log.Printf("visor state encode: %v", err)
	}
}

func (d *Dashboard) handleChart(w http.ResponseWriter, r *http.Request) {
	var (
		svg []byte
		err error
	)
	d.mu.RLock()
	switch mux.Vars(r)["chart"] {
	case "loss":
		svg, err = epochChart(d.epochs, "loss", LossSurface.Style)
	case "accuracy":
		svg, err = epochChart(d.epochs, "acc", AccuracySurface.Style)
	case "batch":
		svg, err = batchChart(d.batches, d.steps, BatchSurface.Style)
	case "per-class":
		if d.eval != nil {
			svg, err = perClassChart(d.eval.PerClass, PerClassSurface.Style)
		} else {
			svg, err = perClassChart(nil, PerClassSurface.Style)
		}
	case "confusion":
		if d.eval != nil {
			svg, err = confusionChart(d.eval.Confusion, ConfusionSurface.Style)
		} else {
			svg, err = confusionChart(nil, ConfusionSurface.Style)
		}
	}
	d.mu.RUnlock()
	if err != nil {
		logError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(svg)
}

func (d *Dashboard) handleInput(w http.ResponseWriter, r *http.Request) {
	i, _ := strconv.Atoi(mux.Vars(r)["index"])
	d.mu.RLock()
	var img *image.Gray
	if i < len(d.inputs) {
		img = d.inputs[i].Image
	}
	d.mu.RUnlock()
	if img == nil {
		http.NotFound(w, r)
		return
	}
	writePNG(w, thumbnail(img, InputsSurface.Style))
}

func (d *Dashboard) handleActivation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sample, _ := strconv.Atoi(vars["sample"])
	filter, _ := strconv.Atoi(vars["filter"])
	d.mu.RLock()
	var img *image.Gray
	for _, l := range d.acts {
		if l.Layer != vars["layer"] || sample >= len(l.Samples) {
			continue
		}
		if fs := l.Samples[sample].Filters; filter < len(fs) {
			img = fs[filter]
		}
	}
	d.mu.RUnlock()
	if img == nil {
		http.NotFound(w, r)
		return
	}
	writePNG(w, thumbnail(img, ActivationsSurface.Style))
}

func (d *Dashboard) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	d.hub.serve(w, r, Event{Type: "state", Data: d.Snapshot()})
}

// thumbnail scales img to the surface size with nearest-neighbour sampling.
func thumbnail(img *image.Gray, st Style) *image.Gray {
	if st.Width <= 0 || st.Height <= 0 {
		return img
	}
	dst := image.NewGray(image.Rect(0, 0, st.Width, st.Height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func writePNG(w http.ResponseWriter, img image.Image) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		log.Printf("visor png encode: %v", err)
	}
}

func logError(w http.ResponseWriter, err error) {
	log.Println(err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}

var pageTemplate = template.Must(template.New("page").Parse(pageHTML))

const pageHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>doodle-forge</title>
<style>
body { font-family: sans-serif; margin: 0; }
nav { background: #333; padding: 0 1em; }
nav a { color: #eee; display: inline-block; padding: 0.7em 1em; text-decoration: none; cursor: pointer; }
nav a.on { background: #666; }
section { display: none; padding: 1em; }
section.on { display: block; }
figure { display: inline-block; margin: 2px; text-align: center; font-size: 10px; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 2px 8px; text-align: right; }
.row { white-space: nowrap; }
</style>
</head>
<body>
<nav>{{range $i, $t := .Tabs}}<a data-tab="{{$i}}">{{$t}}</a>{{end}}</nav>

<section data-tab="0">
<p id="status">{{.Status}}</p>
<img class="chart" src="charts/loss.svg" alt="loss">
<img class="chart" src="charts/accuracy.svg" alt="accuracy">
<img class="chart" src="charts/batch.svg" alt="batch loss">
</section>

<section data-tab="1">
<img class="chart" src="charts/per-class.svg" alt="accuracy per class">
<img class="chart" src="charts/confusion.svg" alt="confusion matrix">
{{with .State.Evaluation}}
<table>
<tr><th>class</th><th>accuracy</th><th>samples</th></tr>
{{range .PerClass}}<tr><td>{{.Class}}</td><td>{{printf "%.4f" .Accuracy}}</td><td>{{.Count}}</td></tr>{{end}}
</table>
{{end}}
</section>

<section data-tab="2">
{{with .State.Summary}}
<table>
<tr><th>layer</th><th>type</th><th>output shape</th><th>params</th></tr>
{{range .Layers}}<tr><td>{{.Name}}</td><td>{{.Kind}}</td><td>{{.OutputShape}}</td><td>{{.Params}}</td></tr>{{end}}
<tr><td>total</td><td></td><td></td><td>{{.TotalParams}}</td></tr>
</table>
{{else}}<p>no model</p>{{end}}
</section>

<section data-tab="3">
{{range .State.Inputs}}<figure><img src="inputs/{{.Index}}.png" width="{{$.Thumb.Width}}" height="{{$.Thumb.Height}}"><figcaption>{{.Label}}</figcaption></figure>{{else}}<p>no inputs</p>{{end}}
</section>

<section data-tab="4">
{{range .State.Activations}}{{$layer := .Layer}}
<h3>{{.Layer}} {{.Shape}}</h3>
{{range .Samples}}{{$s := .Index}}<div class="row"><figure>{{.Label}}</figure>{{range .Filters}}<img src="activations/{{$layer}}/{{$s}}/{{.}}.png" width="{{$.Thumb.Width}}" height="{{$.Thumb.Height}}"> {{end}}</div>
{{end}}{{else}}<p>no activations</p>{{end}}
</section>

<script>
function show(i) {
  document.querySelectorAll("[data-tab]").forEach(function (e) {
    e.classList.toggle("on", e.dataset.tab === String(i));
  });
  location.hash = "tab" + i;
}
document.querySelectorAll("nav a").forEach(function (a) {
  a.onclick = function () { show(a.dataset.tab); };
});
show(location.hash.startsWith("#tab") ? location.hash.slice(4) : 0);

function refresh() {
  var ts = Date.now();
  document.querySelectorAll("img.chart").forEach(function (img) {
    img.src = img.src.split("?")[0] + "?ts=" + ts;
  });
}
var base = location.pathname.endsWith("/") ? location.pathname : location.pathname + "/";
var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + base + "ws");
ws.onmessage = function (m) {
  var ev = JSON.parse(m.data);
  var status = document.getElementById("status");
  switch (ev.type) {
  case "batch":
    status.textContent = "epoch " + (ev.data.Epoch + 1) + " batch " + (ev.data.Batch + 1) + " loss " + ev.data.Loss.toFixed(4);
    break;
  case "epoch":
  case "begin":
    refresh();
    break;
  case "end":
  case "model":
  case "inputs":
  case "activations":
    location.reload();
    break;
  }
};
</script>
</body>
</html>
`
