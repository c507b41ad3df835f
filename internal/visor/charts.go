package visor

import (
	"bytes"
	"fmt"
	"image/color"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"doodle-forge/internal/metrics"
	"doodle-forge/internal/model"
)

func newPlot(title, xlabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.X.Padding, p.Y.Padding = 0, 0
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	return p
}

func writeSVG(p *plot.Plot, st Style) ([]byte, error) {
	wt, err := p.WriterTo(vg.Points(float64(st.Width)), vg.Points(float64(st.Height)), "svg")
	if err != nil {
		return nil, errors.Wrap(err, "render chart")
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "write chart")
	}
	return buf.Bytes(), nil
}

type series struct {
	name string
	pts  plotter.XYs
}

func addLines(p *plot.Plot, all ...series) error {
	for i, s := range all {
		if len(s.pts) == 0 {
			continue
		}
		l, err := plotter.NewLine(s.pts)
		if err != nil {
			return errors.Wrapf(err, "line %s", s.name)
		}
		l.LineStyle.Width = vg.Points(2)
		l.LineStyle.Color = plotutil.Color(i)
		p.Add(l)
		p.Legend.Add(s.name, l)
	}
	return nil
}

// epochChart plots a training metric and its validation counterpart per epoch.
func epochChart(epochs []model.EpochLogs, metric string, st Style) ([]byte, error) {
	p := newPlot(metric, "epoch")
	var train, val plotter.XYs
	for _, e := range epochs {
		x := float64(e.Epoch + 1)
		switch metric {
		case "loss":
			train = append(train, plotter.XY{X: x, Y: e.Loss})
			if e.HasValidation {
				val = append(val, plotter.XY{X: x, Y: e.ValLoss})
			}
		default:
			train = append(train, plotter.XY{X: x, Y: e.Acc})
			if e.HasValidation {
				val = append(val, plotter.XY{X: x, Y: e.ValAcc})
			}
		}
	}
	if metric != "loss" {
		p.Y.Min, p.Y.Max = 0, 1
	}
	if err := addLines(p, series{metric, train}, series{"val_" + metric, val}); err != nil {
		return nil, err
	}
	return writeSVG(p, st)
}

// batchChart plots per-batch loss against the global step.
func batchChart(batches []model.BatchLogs, steps []int, st Style) ([]byte, error) {
	p := newPlot("batch loss", "step")
	pts := make(plotter.XYs, len(batches))
	for i, b := range batches {
		pts[i] = plotter.XY{X: float64(steps[i]), Y: b.Loss}
	}
	if err := addLines(p, series{"loss", pts}); err != nil {
		return nil, err
	}
	return writeSVG(p, st)
}

// perClassChart draws one bar per class.
func perClassChart(per []metrics.ClassAccuracy, st Style) ([]byte, error) {
	p := newPlot("accuracy per class", "")
	p.Y.Min, p.Y.Max = 0, 1
	if len(per) > 0 {
		vals := make(plotter.Values, len(per))
		names := make([]string, len(per))
		for i, c := range per {
			vals[i] = c.Accuracy
			names[i] = c.Class
		}
		bars, err := plotter.NewBarChart(vals, vg.Points(float64(st.Width)/float64(2*len(per)+1)))
		if err != nil {
			return nil, errors.Wrap(err, "bar chart")
		}
		bars.Color = plotutil.Color(0)
		bars.LineStyle.Width = 0
		p.Add(bars)
		p.NominalX(names...)
	}
	return writeSVG(p, st)
}

// confusionGrid adapts a confusion matrix to plotter.GridXYZ. Columns are
// predictions, rows are true classes.
type confusionGrid struct{ m *metrics.ConfusionMatrix }

func (g confusionGrid) Dims() (c, r int)   { return len(g.m.Classes), len(g.m.Classes) }
func (g confusionGrid) Z(c, r int) float64 { return float64(g.m.Counts[r][c]) }
func (g confusionGrid) X(c int) float64    { return float64(c) }
func (g confusionGrid) Y(r int) float64    { return float64(r) }

// confusionChart draws the matrix as a heat map with the counts written in.
func confusionChart(m *metrics.ConfusionMatrix, st Style) ([]byte, error) {
	p := newPlot("confusion matrix", "prediction")
	p.Y.Label.Text = "label"
	if m != nil && len(m.Classes) > 0 {
		hm := plotter.NewHeatMap(confusionGrid{m}, palette.Heat(16, 1))
		if hm.Max == hm.Min {
			hm.Max = hm.Min + 1
		}
		p.Add(hm)

		var xys plotter.XYs
		var text []string
		for r, row := range m.Counts {
			for c, n := range row {
				xys = append(xys, plotter.XY{X: float64(c), Y: float64(r)})
				text = append(text, fmt.Sprint(n))
			}
		}
		labels, err := plotter.NewLabels(plotter.XYLabels{XYs: xys, Labels: text})
		if err != nil {
			return nil, errors.Wrap(err, "confusion labels")
		}
		for i := range labels.TextStyle {
			labels.TextStyle[i].Color = color.Black
			labels.TextStyle[i].XAlign = -0.5
			labels.TextStyle[i].YAlign = -0.5
		}
		p.Add(labels)
		p.NominalX(m.Classes...)
		p.NominalY(m.Classes...)
	}
	return writeSVG(p, st)
}
