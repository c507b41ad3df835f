// Package dataset turns stored samples into training tensors and imports
// labeled drawings from tar shards.
package dataset

import (
	"strings"

	"github.com/pkg/errors"

	"doodle-forge/internal/store"
)

var (
	// ErrLabelNotInRegistry is returned when a sample's label has no class index.
	ErrLabelNotInRegistry = errors.New("dataset: label not in class registry")
	// ErrEmptyDataset is returned when there is nothing to build from.
	ErrEmptyDataset = errors.New("dataset: no samples")
)

// Registry is an ordered list of distinct class names. A name's position is
// its one-hot index, so the order must not change for the lifetime of a model.
type Registry struct {
	names []string
	index map[string]int
}

// NewRegistry validates names and fixes their order.
func NewRegistry(names ...string) (*Registry, error) {
	if len(names) == 0 {
		return nil, errors.New("dataset: registry needs at least one class")
	}
	r := &Registry{names: make([]string, 0, len(names)), index: make(map[string]int, len(names))}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("dataset: empty class name")
		}
		if _, dup := r.index[name]; dup {
			return nil, errors.Errorf("dataset: duplicate class %q", name)
		}
		r.index[name] = len(r.names)
		r.names = append(r.names, name)
	}
	return r, nil
}

// RegistryFromSamples registers labels in the order they first appear.
func RegistryFromSamples(samples []store.Sample) (*Registry, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyDataset
	}
	seen := make(map[string]bool)
	var names []string
	for _, s := range samples {
		if !seen[s.Label] {
			seen[s.Label] = true
			names = append(names, s.Label)
		}
	}
	return NewRegistry(names...)
}

// Names returns a copy of the class names in index order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Len is the number of classes.
func (r *Registry) Len() int { return len(r.names) }

// IndexOf returns the class index of label.
func (r *Registry) IndexOf(label string) (int, error) {
	i, ok := r.index[label]
	if !ok {
		return -1, errors.Wrapf(ErrLabelNotInRegistry, "label %q (classes %v)", label, r.names)
	}
	return i, nil
}

// Name returns the class at index i.
func (r *Registry) Name(i int) string {
	if i < 0 || i >= len(r.names) {
		return ""
	}
	return r.names[i]
}
