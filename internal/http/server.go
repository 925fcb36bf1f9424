package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/olereon/imaginarium-sub002/internal/log"
	"github.com/olereon/imaginarium-sub002/pkg/compiler"
	"github.com/olereon/imaginarium-sub002/pkg/models"
	"github.com/olereon/imaginarium-sub002/pkg/service"
	"github.com/olereon/imaginarium-sub002/pkg/storage"
)

// Server exposes the orchestrator over HTTP: run submission and inspection,
// cancellation, and a WebSocket event stream per run. Authentication and
// quota checks are assumed to have happened upstream.
type Server struct {
	runs       *service.RunService
	dispatcher *service.Dispatcher
	broker     *service.Broker
}

func NewServer(runs *service.RunService, dispatcher *service.Dispatcher, broker *service.Broker) *Server {
	return &Server{runs: runs, dispatcher: dispatcher, broker: broker}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.health)
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.submitRun)
		r.Get("/", s.listRuns)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Get("/tasks", s.listTasks)
			r.Get("/logs", s.listLogs)
			r.Post("/cancel", s.cancelRun)
			r.Get("/events", s.streamEvents)
		})
	})
	return r
}

// Start blocks serving the API on the given port.
func (s *Server) Start(port string) error {
	log.GetLogger().Infof("Starting orchestrator API on :%s", port)
	return http.ListenAndServe(":"+port, s.Router())
}

type submitRequest struct {
	Pipeline models.PipelineDefinition `json:"pipeline"`
	UserID   string                    `json:"user_id"`
	Priority int                       `json:"priority"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding request"))
		return
	}
	run, err := s.runs.SubmitRun(req.Pipeline, req.UserID, req.Priority)
	if err != nil {
		var vErr *compiler.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		log.GetLogger().Errorf("Failed to submit run: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns()
	if err != nil {
		log.GetLogger().Errorf("Failed to list runs: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(chi.URLParam(r, "runID"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.runs.ListTasks(chi.URLParam(r, "runID"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.runs.ListLogs(chi.URLParam(r, "runID"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.CancelRun(chi.URLParam(r, "runID")); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher != nil && !s.dispatcher.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents pushes a run's ordered state-change events over a WebSocket.
// Each event carries a per-run sequence number, so a client that misses
// events (slow consumer, reconnect) detects the gap and refetches run state.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.runs.GetRun(runID); err != nil {
		writeLookupError(w, err)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.GetLogger().Errorf("Failed to upgrade websocket: %v", err)
		return
	}
	defer ws.Close()

	sub := s.broker.Subscribe(runID, 256)
	defer sub.Close()

	// Reader goroutine: surfaces client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := ws.WriteJSON(evt); err != nil {
				log.GetLogger().Debugf("Websocket client for run %s gone: %v", runID, err)
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	log.GetLogger().Errorf("Lookup failed: %v", err)
	writeError(w, http.StatusInternalServerError, err)
}
