// Package model defines the drawing classifier: a small sequential CNN, its
// training loop, and the Wrapper that guards the model's lifecycle.
package model

import (
	"github.com/pkg/errors"
)

var (
	// ErrModelNotBuilt is returned by Train, Predict and inspection calls made
	// before Build or Load, or after Reset.
	ErrModelNotBuilt = errors.New("model: not built")
	// ErrConcurrentTraining rejects a Train call while another is running.
	ErrConcurrentTraining = errors.New("model: concurrent training rejected")
	// ErrTrainingInProgress rejects calls that would touch the weights while
	// Train runs.
	ErrTrainingInProgress = errors.New("model: training in progress")
	// ErrArtifact wraps every failure to read or write a saved model.
	ErrArtifact = errors.New("model: invalid artifact")
	// ErrRegistryChanged rejects retraining a trained model with a class
	// order other than the one its output layer was fitted to.
	ErrRegistryChanged = errors.New("model: class registry differs from the trained model")
	// ErrNonFiniteLoss aborts training when the loss becomes NaN or Inf.
	ErrNonFiniteLoss = errors.New("model: non-finite loss")
)

// State is the lifecycle stage of a Wrapper.
type State int

const (
	Uninitialized State = iota
	Built
	Trained
	Reset
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Built:
		return "built"
	case Trained:
		return "trained"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}
