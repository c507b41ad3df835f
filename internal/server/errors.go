package server

import (
	"log"
	"net/http"

	"github.com/pkg/errors"

	"doodle-forge/internal/dataset"
	"doodle-forge/internal/model"
	"doodle-forge/internal/preprocess"
	"doodle-forge/internal/store"
	"doodle-forge/internal/tensor"
)

var (
	errBadRequest = errors.New("bad request")
	errNotRunning = errors.New("no training run in progress")
)

func badRequest(msg string) error { return errors.Wrap(errBadRequest, msg) }

// statusFor maps package errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, store.ErrInvalidSample),
		errors.Is(err, preprocess.ErrShapeMismatch),
		errors.Is(err, dataset.ErrLabelNotInRegistry),
		errors.Is(err, dataset.ErrEmptyDataset):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrArtifact):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrConcurrentTraining),
		errors.Is(err, model.ErrTrainingInProgress),
		errors.Is(err, model.ErrModelNotBuilt),
		errors.Is(err, model.ErrRegistryChanged),
		errors.Is(err, errNotRunning):
		return http.StatusConflict
	case errors.Is(err, store.ErrStorageUnavailable),
		errors.Is(err, store.ErrClosed),
		errors.Is(err, tensor.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed status=%d err=%v", status, err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
