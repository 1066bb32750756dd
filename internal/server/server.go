package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quasinewt/NUMIN/internal/config"
	"github.com/quasinewt/NUMIN/internal/logging"
	"github.com/quasinewt/NUMIN/internal/optimization"
	"github.com/quasinewt/NUMIN/internal/optimization/objectives"
	"github.com/quasinewt/NUMIN/internal/optimization/quasinewton"
)

// Logger defines the logging interface used by the server.
// This allows us to be flexible with our logging implementation.
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// MinimizationState tracks one minimization job from submission to its
// terminal status. The state is guarded by the server's mutex.
type MinimizationState struct {
	ID          string
	Objective   string
	Status      string // "pending", "running", "completed", "failed", "cancelled"
	StartTime   time.Time
	EndTime     *time.Time
	Iteration   int
	Result      *quasinewton.Result
	LastUpdated time.Time
}

// MinimizeRequest is the JSON body accepted by the minimize endpoint.
type MinimizeRequest struct {
	// Objective names a registered benchmark objective.
	Objective string `json:"objective"`
	// Initial is the starting point; it also fixes the dimension.
	Initial []float64 `json:"initial"`
	// Memory overrides the configured history depth when positive.
	Memory int `json:"memory,omitempty"`
	// Scaling overrides the configured scaling when set ("diagonal", "scalar").
	Scaling string `json:"scaling,omitempty"`
	// MaxIterations overrides the configured iteration cap when positive.
	MaxIterations int `json:"max_iterations,omitempty"`
	// MaxEvaluations overrides the configured evaluation cap when positive.
	MaxEvaluations int `json:"max_evaluations,omitempty"`
}

// Server implements the HTTP server for the minimization service. It manages
// minimization jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg    *config.Config
	logger Logger

	metrics *Metrics

	jobs   map[string]*MinimizationState
	jobsMu sync.RWMutex
	nextID int
}

// NewServer creates a new server instance with the given config and logger.
func NewServer(cfg *config.Config, logger Logger, metrics *Metrics) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		jobs:    make(map[string]*MinimizationState),
	}
}

// RegisterRoutes attaches the API routes to r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/minimize", s.handleMinimize)
		r.Get("/minimize/{id}", s.handleStatus)
		r.Delete("/minimize/{id}", s.handleCancel)
		r.Get("/objectives", s.handleObjectives)
	})
}

// handleMinimize starts a new minimization job.
func (s *Server) handleMinimize(w http.ResponseWriter, r *http.Request) {
	var req MinimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	obj, ok := objectives.ByName(req.Objective)
	if !ok {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown objective %q", req.Objective))
		return
	}
	if len(req.Initial) == 0 {
		s.respondError(w, http.StatusBadRequest, "initial point is required")
		return
	}

	mcfg := s.minimizerConfig(&req)

	s.jobsMu.Lock()
	s.nextID++
	id := fmt.Sprintf("min_%d", s.nextID)
	state := &MinimizationState{
		ID:          id,
		Objective:   req.Objective,
		Status:      "pending",
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
	}
	s.jobs[id] = state
	s.jobsMu.Unlock()

	go s.runMinimization(id, obj, req.Initial, mcfg)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"minimization_id": id,
		"status":          "pending",
	})
}

// minimizerConfig merges the request overrides onto the service defaults.
func (s *Server) minimizerConfig(req *MinimizeRequest) quasinewton.Config {
	cfg := quasinewton.Config{
		Memory:            s.cfg.LBFGS.Memory,
		MaxIterations:     s.cfg.LBFGS.MaxIterations,
		MaxEvaluations:    s.cfg.LBFGS.MaxEvaluations,
		ValueTolerance:    s.cfg.LBFGS.ValueTolerance,
		GradientTolerance: s.cfg.LBFGS.GradientTolerance,
		Tracing:           s.cfg.LBFGS.Tracing,
	}
	if s.cfg.LBFGS.Scaling == "scalar" {
		cfg.Scaling = quasinewton.ScaleScalar
	}
	if req.Memory > 0 {
		cfg.Memory = req.Memory
	}
	switch req.Scaling {
	case "scalar":
		cfg.Scaling = quasinewton.ScaleScalar
	case "diagonal":
		cfg.Scaling = quasinewton.ScaleDiagonal
	}
	if req.MaxIterations > 0 {
		cfg.MaxIterations = req.MaxIterations
	}
	if req.MaxEvaluations > 0 {
		cfg.MaxEvaluations = req.MaxEvaluations
	}
	// An unbounded job would keep a worker forever on a pathological
	// objective; cap iterations when neither the request nor the
	// environment did.
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 1000
	}
	return cfg
}

// runMinimization executes one job in its own goroutine.
func (s *Server) runMinimization(id string, obj optimization.Objective, initial []float64, mcfg quasinewton.Config) {
	s.setStatus(id, "running")

	mcfg.Callback = func(iteration int, x []float64) {
		s.jobsMu.Lock()
		if state, ok := s.jobs[id]; ok {
			state.Iteration = iteration + 1
			state.LastUpdated = time.Now()
		}
		s.jobsMu.Unlock()
	}

	min := quasinewton.New(mcfg)
	result, err := min.Minimize(obj, initial)

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	state, ok := s.jobs[id]
	if !ok {
		return
	}
	if state.Status == "cancelled" {
		// The job finished after cancellation; discard the outcome.
		return
	}

	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	if err != nil {
		s.logger.Error("Minimization failed", map[string]interface{}{
			"minimization_id": id,
			"error":           err.Error(),
		})
		state.Status = "failed"
		if s.metrics != nil {
			s.metrics.ObserveFailure()
		}
		return
	}

	state.Status = "completed"
	state.Result = result
	state.Iteration = result.Iterations
	if s.metrics != nil {
		s.metrics.ObserveRun(result)
	}

	s.logger.Info("Minimization completed", map[string]interface{}{
		"minimization_id": id,
		"state":           result.State.String(),
		"successful":      result.Successful,
		"iterations":      result.Iterations,
		"evaluations":     result.Evaluations,
		"value":           result.Value,
	})
}

func (s *Server) setStatus(id, status string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if state, ok := s.jobs[id]; ok {
		state.Status = status
		state.LastUpdated = time.Now()
	}
}

// handleStatus returns the status and, once available, the result of a job.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "missing minimization ID")
		return
	}

	s.jobsMu.RLock()
	state, exists := s.jobs[id]
	if !exists {
		s.jobsMu.RUnlock()
		s.respondError(w, http.StatusNotFound, "minimization not found")
		return
	}

	response := map[string]interface{}{
		"minimization_id": state.ID,
		"objective":       state.Objective,
		"status":          state.Status,
		"iteration":       state.Iteration,
		"start_time":      state.StartTime.Format(time.RFC3339),
		"last_update":     state.LastUpdated.Format(time.RFC3339),
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Result != nil {
		response["result"] = map[string]interface{}{
			"x":           state.Result.X,
			"value":       state.Result.Value,
			"grad_norm":   state.Result.GradNorm,
			"successful":  state.Result.Successful,
			"state":       state.Result.State.String(),
			"iterations":  state.Result.Iterations,
			"evaluations": state.Result.Evaluations,
			"elapsed_ms":  float64(state.Result.Elapsed.Microseconds()) / 1000.0,
		}
	}
	s.jobsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCancel marks a pending or running job as cancelled. The worker
// notices the cancellation when it finishes and discards its outcome; every
// job is iteration-bounded, so the worker always finishes.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "missing minimization ID")
		return
	}

	s.jobsMu.Lock()
	state, exists := s.jobs[id]
	if !exists {
		s.jobsMu.Unlock()
		s.respondError(w, http.StatusNotFound, "minimization not found")
		return
	}

	switch state.Status {
	case "completed", "failed", "cancelled":
		status := state.Status
		s.jobsMu.Unlock()
		s.respondError(w, http.StatusConflict, fmt.Sprintf("cannot cancel minimization with status: %s", status))
		return
	}

	state.Status = "cancelled"
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	s.jobsMu.Unlock()

	s.logger.Info("Minimization cancelled", map[string]interface{}{
		"minimization_id": id,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "cancelled",
	})
}

// handleObjectives lists the registered benchmark objectives.
func (s *Server) handleObjectives(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"objectives": objectives.Names(),
	})
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  status,
		"message": message,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
	})
}

// Close is a no-op today; jobs are iteration-bounded and run to completion.
func (s *Server) Close() error {
	return nil
}
