package dataset

import (
	"github.com/pkg/errors"

	"doodle-forge/internal/preprocess"
	"doodle-forge/internal/store"
	"doodle-forge/internal/tensor"
)

// BuildInputs preprocesses every sample and stacks the results into a
// [N, 28, 28, 1] tensor owned by the caller.
func BuildInputs(sess *tensor.Session, samples []store.Sample) (*tensor.Tensor, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyDataset
	}
	return sess.Tidy(func(sc *tensor.Scope) (*tensor.Tensor, error) {
		rows := make([]*tensor.Tensor, len(samples))
		for i, s := range samples {
			t, err := preprocess.FromSample(sess, s.Image)
			if err != nil {
				return nil, errors.Wrapf(err, "sample %d", s.Key)
			}
			sc.Track(t)
			rows[i], err = sc.Reshape(t, preprocess.Size, preprocess.Size, 1)
			if err != nil {
				return nil, err
			}
		}
		return tensor.Stack(sc, rows)
	})
}

// BuildLabels encodes every sample's label as a one-hot row over reg. Any
// label missing from reg fails the whole build.
func BuildLabels(sess *tensor.Session, samples []store.Sample, reg *Registry) (*tensor.Tensor, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyDataset
	}
	indices, err := Indices(samples, reg)
	if err != nil {
		return nil, err
	}
	return tensor.OneHot(sess, indices, reg.Len())
}

// Indices maps each sample's label to its class index.
func Indices(samples []store.Sample, reg *Registry) ([]int, error) {
	out := make([]int, len(samples))
	for i, s := range samples {
		idx, err := reg.IndexOf(s.Label)
		if err != nil {
			return nil, errors.Wrapf(err, "sample %d", s.Key)
		}
		out[i] = idx
	}
	return out, nil
}
