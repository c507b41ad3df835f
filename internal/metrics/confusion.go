package metrics

import (
	"github.com/pkg/errors"
)

// ConfusionMatrix counts predictions per true class. Counts[t][p] is the
// number of samples of class t predicted as p.
type ConfusionMatrix struct {
	Classes []string
	Counts  [][]int
}

// ClassAccuracy is the fraction of a class's samples predicted correctly.
type ClassAccuracy struct {
	Class    string
	Accuracy float64
	Count    int
}

// NewConfusionMatrix returns an empty matrix over classes.
func NewConfusionMatrix(classes []string) *ConfusionMatrix {
	counts := make([][]int, len(classes))
	for i := range counts {
		counts[i] = make([]int, len(classes))
	}
	return &ConfusionMatrix{Classes: append([]string(nil), classes...), Counts: counts}
}

// Confusion tallies paired truth and prediction indices.
func Confusion(classes []string, truth, pred []int) (*ConfusionMatrix, error) {
	if len(truth) != len(pred) {
		return nil, errors.Errorf("metrics: %d labels but %d predictions", len(truth), len(pred))
	}
	m := NewConfusionMatrix(classes)
	for i := range truth {
		if err := m.Add(truth[i], pred[i]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add records one prediction.
func (m *ConfusionMatrix) Add(truth, pred int) error {
	n := len(m.Classes)
	if truth < 0 || truth >= n || pred < 0 || pred >= n {
		return errors.Errorf("metrics: class pair (%d,%d) outside %d classes", truth, pred, n)
	}
	m.Counts[truth][pred]++
	return nil
}

// Total is the number of recorded predictions.
func (m *ConfusionMatrix) Total() int {
	total := 0
	for _, row := range m.Counts {
		for _, c := range row {
			total += c
		}
	}
	return total
}

// Accuracy is the overall fraction on the diagonal.
func (m *ConfusionMatrix) Accuracy() float64 {
	total := m.Total()
	if total == 0 {
		return 0
	}
	correct := 0
	for i := range m.Counts {
		correct += m.Counts[i][i]
	}
	return float64(correct) / float64(total)
}

// PerClassAccuracy reports accuracy for every class, including classes
// without samples (accuracy 0, count 0).
func (m *ConfusionMatrix) PerClassAccuracy() []ClassAccuracy {
	out := make([]ClassAccuracy, len(m.Classes))
	for i, name := range m.Classes {
		count := 0
		for _, c := range m.Counts[i] {
			count += c
		}
		acc := 0.0
		if count > 0 {
			acc = float64(m.Counts[i][i]) / float64(count)
		}
		out[i] = ClassAccuracy{Class: name, Accuracy: acc, Count: count}
	}
	return out
}
