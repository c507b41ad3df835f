package visor

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"doodle-forge/internal/dataset"
	"doodle-forge/internal/model"
	"doodle-forge/internal/preprocess"
	"doodle-forge/internal/store"
	"doodle-forge/internal/tensor"
)

const (
	// InputsShown is how many of the most recent samples the input view keeps.
	InputsShown = 60
	// ActivationsShown is how many of the most recent samples get activation views.
	ActivationsShown = 8
)

// Tail returns the last n samples.
func Tail(samples []store.Sample, n int) []store.Sample {
	if n <= 0 || len(samples) <= n {
		return samples
	}
	return samples[len(samples)-n:]
}

// CollectInputs preprocesses samples into displayable images.
func CollectInputs(sess *tensor.Session, samples []store.Sample) ([]InputView, error) {
	out := make([]InputView, 0, len(samples))
	for _, s := range samples {
		t, err := preprocess.FromSample(sess, s.Image)
		if err != nil {
			return nil, errors.Wrapf(err, "sample %d", s.Key)
		}
		img, err := preprocess.ToImage(t)
		t.Release()
		if err != nil {
			return nil, err
		}
		out = append(out, InputView{Key: s.Key, Label: s.Label, Image: img})
	}
	return out, nil
}

// CollectActivations runs samples through w and splits each named layer's
// output into one image per filter, scaled to the filter's own range.
func CollectActivations(ctx context.Context, w *model.Wrapper, samples []store.Sample, layers ...string) ([]LayerActivations, error) {
	xs, err := dataset.BuildInputs(w.Session(), samples)
	if err != nil {
		return nil, err
	}
	defer xs.Release()

	out := make([]LayerActivations, 0, len(layers))
	for _, name := range layers {
		act, err := w.Activations(ctx, name, xs)
		if err != nil {
			return nil, err
		}
		la, err := splitFilters(name, act, samples)
		act.Release()
		if err != nil {
			return nil, err
		}
		out = append(out, la)
	}
	return out, nil
}

func splitFilters(name string, act *tensor.Tensor, samples []store.Sample) (LayerActivations, error) {
	shape := act.Shape()
	if len(shape) != 4 {
		return LayerActivations{}, errors.Errorf("visor: layer %s output %v is not spatial", name, shape)
	}
	n, h, w, f := shape[0], shape[1], shape[2], shape[3]
	data := act.Data()
	la := LayerActivations{Layer: name, Shape: shape[1:], Samples: make([]SampleActivations, n)}
	for i := 0; i < n; i++ {
		sa := SampleActivations{Key: samples[i].Key, Label: samples[i].Label, Filters: make([]*image.Gray, f)}
		base := data[i*h*w*f : (i+1)*h*w*f]
		for c := 0; c < f; c++ {
			lo, hi := base[c], base[c]
			for p := c; p < len(base); p += f {
				lo = min(lo, base[p])
				hi = max(hi, base[p])
			}
			img := image.NewGray(image.Rect(0, 0, w, h))
			if hi > lo {
				for p := 0; p < h*w; p++ {
					img.Pix[p] = uint8((base[p*f+c] - lo) / (hi - lo) * 255)
				}
			}
			sa.Filters[c] = img
		}
		la.Samples[i] = sa
	}
	return la, nil
}

// Inspect sends the model summary, the last InputsShown inputs and the
// conv layer activations of the last ActivationsShown samples to ins.
func Inspect(ctx context.Context, ins Inspector, w *model.Wrapper, samples []store.Sample) error {
	sum, err := w.Summary()
	if err != nil {
		return err
	}
	ins.ShowModel(sum)
	if len(samples) == 0 {
		return nil
	}
	inputs, err := CollectInputs(w.Session(), Tail(samples, InputsShown))
	if err != nil {
		return err
	}
	ins.ShowInputs(inputs)
	acts, err := CollectActivations(ctx, w, Tail(samples, ActivationsShown), model.Conv1Layer, model.Conv2Layer)
	if err != nil {
		return err
	}
	ins.ShowActivations(acts)
	return nil
}
