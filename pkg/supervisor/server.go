package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/units"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// serveControlAPI serves the control API on the loopback interface until the
// context is cancelled or a full-system restart is requested.
func (s *Supervisor) serveControlAPI(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", s.config.ControlPort),
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.NewInternalError("control API server failed", err)
	case <-ctx.Done():
		s.logger.Infof("Context cancelled, stopping control API")
	case <-s.shutdownCh:
		s.logger.Infof("Shutdown requested, stopping control API")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("Control API shutdown error: %v", err)
	}
	return nil
}

func (s *Supervisor) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/ports", s.handlePorts)
		r.Post("/ports/assign", s.handleAssignPort)
		r.Post("/restart", s.handleFullRestart)
		r.Post("/units/{name}/restart", s.handleUnitRestart)
	})
	return r
}

func (s *Supervisor) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Supervisor) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"units":  s.runtime.Snapshot(),
		"health": s.monitor.Snapshot(),
	})
}

func (s *Supervisor) handlePorts(w http.ResponseWriter, r *http.Request) {
	table, err := s.ledger.Table()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

type assignPortRequest struct {
	Kind         string `json:"kind"`
	Key          string `json:"key"`
	RequiresPort bool   `json:"requires_port"`
}

type assignPortResponse struct {
	Key  string `json:"key"`
	Port *int   `json:"port"`
}

func (s *Supervisor) handleAssignPort(w http.ResponseWriter, r *http.Request) {
	var req assignPortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewValidationError("invalid request body", err))
		return
	}

	port, err := s.ledger.Assign(units.Kind(req.Kind), req.Key, req.RequiresPort)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignPortResponse{Key: req.Key, Port: port})
}

func (s *Supervisor) handleFullRestart(w http.ResponseWriter, r *http.Request) {
	s.logger.Infof("Full-system restart requested via control API")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
	s.RequestShutdown()
}

func (s *Supervisor) handleUnitRestart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := units.ValidateUnitName(name); err != nil {
		writeError(w, err)
		return
	}

	if err := s.monitor.ManualRestart(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted", "unit": name})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsValidationError(err):
		status = http.StatusBadRequest
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.IsConflictError(err):
		status = http.StatusConflict
	case errors.IsPortExhaustedError(err):
		status = http.StatusInsufficientStorage
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
