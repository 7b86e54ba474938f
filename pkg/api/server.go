package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/umbrix-io/umbrix/pkg/connector"
	"github.com/umbrix-io/umbrix/pkg/log"
	"github.com/umbrix-io/umbrix/pkg/metrics"
	"github.com/umbrix-io/umbrix/pkg/outcome"
	"github.com/umbrix-io/umbrix/pkg/publisher"
	"github.com/umbrix-io/umbrix/pkg/storage"
)

// Server exposes the operational HTTP surface: health and readiness
// probes, Prometheus metrics, publisher status and outcome management
type Server struct {
	publisher *publisher.Manager
	outcomes  *outcome.Service
	registry  *connector.Registry
	mux       *http.ServeMux
	srv       *http.Server
}

// NewServer creates the operational HTTP server
func NewServer(pub *publisher.Manager, outcomes *outcome.Service, registry *connector.Registry) *Server {
	mux := http.NewServeMux()
	s := &Server{
		publisher: pub,
		outcomes:  outcomes,
		registry:  registry,
		mux:       mux,
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/publisher/status", s.statusHandler)
	mux.HandleFunc("/v1/connectors", s.connectorsHandler)
	mux.HandleFunc("/v1/outcomes", s.outcomesHandler)
	mux.HandleFunc("/v1/outcomes/", s.outcomeHandler)

	return s
}

// Start serves until Shutdown or a listener failure
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// HealthResponse is the liveness probe payload
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the readiness probe payload
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// readyHandler reports whether the service is fully wired. A follower
// instance that lost the leadership lock is still ready: it serves
// reads and keeps attempting acquisition on its schedule
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true

	if s.publisher != nil {
		if s.publisher.Running() {
			checks["publisher"] = "leader"
		} else {
			checks["publisher"] = "standby"
		}
	} else {
		checks["publisher"] = "not initialized"
		ready = false
	}

	if s.outcomes != nil {
		if _, err := s.outcomes.List(outcome.Filter{}); err != nil {
			checks["storage"] = "error: " + err.Error()
			ready = false
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not initialized"
		ready = false
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, ReadyResponse{Status: state, Timestamp: time.Now(), Checks: checks})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.publisher.Status())
}

func (s *Server) connectorsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Definitions())
}

func (s *Server) outcomesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		outcomes, err := s.outcomes.Usable()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, outcomes)
	case http.MethodPost:
		var input outcome.AddInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		created, err := s.outcomes.Add(input)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) outcomeHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/outcomes/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		out, err := s.outcomes.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPatch:
		var patches []outcome.EditInput
		if err := json.NewDecoder(r.Body).Decode(&patches); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		updated, err := s.outcomes.Edit(id, patches)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		deleted, err := s.outcomes.Delete(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": deleted})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger := log.WithComponent("api")
		logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	var notFound *storage.ErrNotFound
	switch {
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, outcome.ErrUnsupportedConnector),
		errors.Is(err, outcome.ErrInvalidConfiguration),
		errors.Is(err, outcome.ErrBuiltInOutcome):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
