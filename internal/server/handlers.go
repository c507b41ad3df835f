package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"log"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"doodle-forge/internal/dataset"
	"doodle-forge/internal/model"
	"doodle-forge/internal/preprocess"
	"doodle-forge/internal/store"
	"doodle-forge/internal/visor"
)

const maxBody = 8 << 20

type sampleRequest struct {
	// Image is a base64 encoded PNG, JPEG or GIF, optionally as a data URL.
	Image string `json:"image"`
	Label string `json:"label"`
}

type sampleResponse struct {
	Key    int64  `json:"key"`
	Label  string `json:"label"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Image  string `json:"image,omitempty"`
}

type trainRequest struct {
	Epochs          int      `json:"epochs"`
	BatchSize       int      `json:"batch_size"`
	ValidationSplit float64  `json:"validation_split"`
	Classes         []string `json:"classes"`
}

type modelRequest struct {
	// Path is the save target or load source (file path or http(s) URL).
	Path    string `json:"path"`
	Classes int    `json:"classes"`
}

type scoreResponse struct {
	Class       string  `json:"class"`
	Index       int     `json:"index"`
	Probability float32 `json:"probability"`
}

func (s *Server) handleAddSample(w http.ResponseWriter, r *http.Request) {
	var req sampleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	img, err := decodeImage(req.Image)
	if err != nil {
		writeError(w, err)
		return
	}
	key, err := s.cfg.Store.Add(r.Context(), img, req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sampleResponse{Key: key, Label: req.Label, Width: img.Width, Height: img.Height})
}

func (s *Server) handleListSamples(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		samples []store.Sample
		err     error
	)
	if q.Get("low") == "" && q.Get("high") == "" {
		samples, err = s.cfg.Store.GetAll(r.Context())
	} else {
		low, lerr := queryInt(q.Get("low"), 0)
		high, herr := queryInt(q.Get("high"), 1<<62)
		if lerr != nil || herr != nil {
			writeError(w, badRequest("low and high must be integers"))
			return
		}
		samples, err = s.cfg.Store.GetRange(r.Context(), low, high)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	withImages := q.Get("images") == "true" || q.Get("images") == "1"
	out := make([]sampleResponse, 0, len(samples))
	for _, sm := range samples {
		resp := sampleResponse{Key: sm.Key, Label: sm.Label, Width: sm.Image.Width, Height: sm.Image.Height}
		if withImages {
			if resp.Image, err = encodeImage(sm.Image); err != nil {
				writeError(w, err)
				return
			}
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Store.Count(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleClearSamples(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.Clear(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTrain loads every stored sample and starts a training run in the
// background. It answers 202 once the run is accepted.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if !s.busy.CompareAndSwap(false, true) {
		writeError(w, model.ErrConcurrentTraining)
		return
	}
	started := false
	defer func() {
		if !started {
			s.busy.Store(false)
		}
	}()

	if st := s.cfg.Model.State(); st != model.Built && st != model.Trained {
		writeError(w, model.ErrModelNotBuilt)
		return
	}
	samples, err := s.cfg.Store.GetAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	reg, err := s.registry(req.Classes, samples)
	if err != nil {
		writeError(w, err)
		return
	}
	if trained := s.cfg.Model.Classes(); s.cfg.Model.State() == model.Trained && len(trained) > 0 && !slices.Equal(trained, reg.Names()) {
		writeError(w, errors.Wrapf(model.ErrRegistryChanged, "trained on %v, got %v", trained, reg.Names()))
		return
	}
	opts := s.cfg.Train
	if req.Epochs > 0 {
		opts.Epochs = req.Epochs
	}
	if req.BatchSize > 0 {
		opts.BatchSize = req.BatchSize
	}
	if req.ValidationSplit != 0 {
		opts.ValidationSplit = req.ValidationSplit
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.last = RunStatus{Running: true, StartedAt: time.Now().UTC(), Samples: len(samples)}
	s.runCancel = cancel
	s.mu.Unlock()

	started = true
	s.wg.Add(1)
	go s.train(ctx, cancel, samples, reg, opts)
	writeJSON(w, http.StatusAccepted, s.Status())
}

// registry resolves the class order for a run: the request's classes, then
// those of an already trained model, then the configured ones, then the
// order labels first appear in the store.
func (s *Server) registry(classes []string, samples []store.Sample) (*dataset.Registry, error) {
	if len(classes) == 0 && s.cfg.Model.State() == model.Trained {
		classes = s.cfg.Model.Classes()
	}
	if len(classes) == 0 {
		classes = s.cfg.Classes
	}
	if len(classes) > 0 {
		reg, err := dataset.NewRegistry(classes...)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		return reg, nil
	}
	return dataset.RegistryFromSamples(samples)
}

func (s *Server) train(ctx context.Context, cancel context.CancelFunc, samples []store.Sample, reg *dataset.Registry, opts model.TrainOptions) {
	defer s.wg.Done()
	defer s.busy.Store(false)
	defer cancel()

	var callbacks []model.Callback
	var async *visor.AsyncSink
	if s.cfg.Dashboard != nil {
		async = visor.Async(s.cfg.Dashboard, 256)
		callbacks = append(callbacks, async)
	}
	for _, sk := range s.cfg.Sinks {
		callbacks = append(callbacks, sk)
	}

	res, err := s.cfg.Model.Train(ctx, samples, reg, opts, callbacks...)
	if async != nil {
		async.Close()
	}

	s.mu.Lock()
	s.last.Running = false
	s.last.FinishedAt = time.Now().UTC()
	s.runCancel = nil
	if err != nil {
		s.last.Error = err.Error()
	} else {
		s.last.RunID = res.RunID
		s.last.Accuracy = res.Evaluation.Accuracy
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("train failed: %v", err)
		return
	}
	if s.cfg.Dashboard != nil {
		if err := s.inspect(ctx, samples); err != nil {
			log.Printf("inspect after train: %v", err)
		}
	}
}

// inspect refreshes the dashboard's model, input and activation views.
func (s *Server) inspect(ctx context.Context, samples []store.Sample) error {
	if s.cfg.Dashboard == nil {
		return nil
	}
	return visor.Inspect(ctx, s.cfg.Dashboard, s.cfg.Model, samples)
}

func (s *Server) handleTrainStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleStopTraining(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cancel := s.runCancel
	s.mu.Unlock()
	if cancel == nil {
		writeError(w, errors.Wrap(errNotRunning, "stop"))
		return
	}
	cancel()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req sampleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	img, err := decodeImage(req.Image)
	if err != nil {
		writeError(w, err)
		return
	}
	probs, err := s.cfg.Model.PredictSample(r.Context(), img)
	if err != nil {
		writeError(w, err)
		return
	}
	ranked := model.Rank(probs, s.cfg.Model.Classes())
	out := make([]scoreResponse, len(ranked))
	for i, sc := range ranked {
		out[i] = scoreResponse{Class: sc.Class, Index: sc.Index, Probability: sc.Probability}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": out})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	sum, err := s.cfg.Model.Summary()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    s.cfg.Model.State().String(),
		"training": s.cfg.Model.Training(),
		"classes":  s.cfg.Model.Classes(),
		"summary":  sum,
	})
}

func (s *Server) handleModelOp(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	path := req.Path
	if path == "" {
		path = s.cfg.ArtifactPath
	}
	m := s.cfg.Model

	var err error
	switch op := mux.Vars(r)["op"]; op {
	case "build":
		cfg := s.cfg.Build
		if req.Classes > 0 {
			cfg.NumClasses = req.Classes
		} else if len(s.cfg.Classes) > 0 {
			cfg.NumClasses = len(s.cfg.Classes)
		}
		err = m.Build(r.Context(), cfg)
	case "save":
		if path == "" {
			err = badRequest("no artifact path")
			break
		}
		err = m.Save(path)
	case "load":
		if path == "" {
			err = badRequest("no artifact path")
			break
		}
		err = m.Load(r.Context(), path)
	case "reset":
		err = m.Reset()
	case "inspect":
		var samples []store.Sample
		if samples, err = s.cfg.Store.GetAll(r.Context()); err == nil {
			err = s.inspect(r.Context(), samples)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": m.State().String()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func decodeImage(data string) (store.Image, error) {
	if i := strings.Index(data, ";base64,"); strings.HasPrefix(data, "data:") && i >= 0 {
		data = data[i+len(";base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return store.Image{}, badRequest("image is not base64: " + err.Error())
	}
	img, _, err := preprocess.Decode(bytes.NewReader(raw))
	if err != nil {
		return store.Image{}, errors.Wrap(preprocess.ErrShapeMismatch, err.Error())
	}
	return img, nil
}

func encodeImage(im store.Image) (string, error) {
	img, err := im.ToImage()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", errors.Wrap(err, "encode png")
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func queryInt(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
