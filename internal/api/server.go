package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwohlman/mailpipe/internal/message"
	"github.com/cwohlman/mailpipe/internal/pipeline"
	"github.com/cwohlman/mailpipe/internal/store"
)

// Server exposes the pipeline over HTTP: message submission, queue
// inspection and Prometheus metrics.
type Server struct {
	pipeline *pipeline.Pipeline
	router   *mux.Router
	srv      *http.Server
	logger   *slog.Logger
}

// NewServer builds the HTTP server listening on addr.
func NewServer(addr string, p *pipeline.Pipeline, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipeline: p,
		router:   mux.NewRouter(),
		logger:   logger.With("component", "api"),
	}
	s.routes()
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/messages", s.handleSend).Methods(http.MethodPost)
	api.HandleFunc("/messages", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/messages/last-received", s.handleLastReceived).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}/deliver", s.handleDeliver).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("API server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the router, useful for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var m message.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid message body: %w", err))
		return
	}

	id, err := s.pipeline.Send(r.Context(), &m)
	if rej, ok := pipeline.AsRejection(err); ok {
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"rejected": true,
			"reason":   rej.Reason,
		})
		return
	}
	if errors.Is(err, store.ErrDuplicateIncomingID) || errors.Is(err, store.ErrDuplicateOutgoingID) {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{}
	switch r.URL.Query().Get("state") {
	case "":
	case "pending":
		filter.SentAbsent = true
		filter.DraftAbsent = true
	case "delivered":
		filter.State = message.StateDelivered
		filter.StateSet = true
	case "failed":
		filter.State = message.StateFailed
		filter.StateSet = true
	case "claimed":
		filter.State = message.StateClaimed
		filter.StateSet = true
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown state filter"))
		return
	}

	msgs, err := s.pipeline.Store().List(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(msgs),
		"messages": msgs,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.pipeline.Store().FindByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("message %s not found", id))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.pipeline.Store().FindByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("message %s not found", id))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	deliveredID, err := s.pipeline.Deliver(r.Context(), m)
	if errors.Is(err, pipeline.ErrDeliverDraft) {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if deliveredID == "" {
		// Another worker already claimed it.
		s.writeJSON(w, http.StatusOK, map[string]any{"delivered": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"delivered": true, "id": deliveredID})
}

func (s *Server) handleLastReceived(w http.ResponseWriter, r *http.Request) {
	m, err := s.pipeline.LastReceived(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no received messages"))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Encoding response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
