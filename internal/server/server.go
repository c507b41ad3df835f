// Package server exposes the sample store and the model over HTTP: the
// drawing front end adds labeled samples, starts training, asks for
// predictions and manages the saved model. The training dashboard is
// mounted under /visor/.
package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"doodle-forge/internal/model"
	"doodle-forge/internal/store"
	"doodle-forge/internal/visor"
)

// Config wires the server to its collaborators.
type Config struct {
	Store *store.Store
	Model *model.Wrapper
	// Classes fixes the class registry. Empty derives it from the stored
	// labels in order of first appearance.
	Classes []string
	Build   model.BuildConfig
	Train   model.TrainOptions
	// ArtifactPath is where save writes and load reads when the request
	// names no location.
	ArtifactPath string
	// Dashboard, when set, receives training events through an async queue
	// and is served under /visor/.
	Dashboard *visor.Dashboard
	// Sinks receive training events synchronously.
	Sinks []visor.Sink
}

// RunStatus describes the most recent training run.
type RunStatus struct {
	RunID      string    `json:"run_id,omitempty"`
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Samples    int       `json:"samples"`
	Accuracy   float64   `json:"accuracy"`
	Error      string    `json:"error,omitempty"`
}

// Server is an http.Handler. Training runs started through it are cancelled
// by Close.
type Server struct {
	cfg    Config
	router *mux.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	busy   atomic.Bool

	mu        sync.Mutex
	last      RunStatus
	runCancel context.CancelFunc
}

// New builds the router.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, ctx: ctx, cancel: cancel}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/samples", s.handleAddSample).Methods(http.MethodPost)
	api.HandleFunc("/samples", s.handleListSamples).Methods(http.MethodGet)
	api.HandleFunc("/samples", s.handleClearSamples).Methods(http.MethodDelete)
	api.HandleFunc("/samples/count", s.handleCount).Methods(http.MethodGet)
	api.HandleFunc("/train", s.handleTrain).Methods(http.MethodPost)
	api.HandleFunc("/train", s.handleTrainStatus).Methods(http.MethodGet)
	api.HandleFunc("/train", s.handleStopTraining).Methods(http.MethodDelete)
	api.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	api.HandleFunc("/model", s.handleModel).Methods(http.MethodGet)
	api.HandleFunc("/model/{op:(?:build|save|load|reset|inspect)}", s.handleModelOp).Methods(http.MethodPost)
	if cfg.Dashboard != nil {
		r.Handle("/visor", http.RedirectHandler("/visor/", http.StatusFound))
		r.PathPrefix("/visor/").Handler(http.StripPrefix("/visor", cfg.Dashboard))
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Wait blocks until the running training goroutine, if any, returns.
func (s *Server) Wait() { s.wg.Wait() }

// Close cancels a running training and waits for it.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Status returns the last training run.
func (s *Server) Status() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Printf("serve addr=%s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if s.cfg.Dashboard != nil {
		s.cfg.Dashboard.Close()
	}
	return srv.Shutdown(shutdown)
}
