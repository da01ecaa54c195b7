package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
)

type ServerConfig struct {
	Logger *slog.Logger
	// AllowedOrigins are host patterns accepted for WebSocket upgrades. Empty
	// disables the origin check.
	AllowedOrigins  []string
	MaxMessageBytes int64
	WriteTimeout    time.Duration
}

// Server exposes the WebSocket endpoint and a read-only HTTP view of lists.
type Server struct {
	hub    *Hub
	store  records.Store
	cfg    ServerConfig
	logger *slog.Logger
	router *mux.Router
}

func NewServer(hub *Hub, cfg ServerConfig) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hub.logger
	}
	s := &Server{
		hub:    hub,
		store:  hub.coord.Store(),
		cfg:    cfg,
		logger: logger,
		router: mux.NewRouter(),
	}
	s.router.Use(s.logRequests)
	s.router.Methods(http.MethodGet).Path("/health").HandlerFunc(s.handleHealth)
	s.router.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.handleWebSocket)
	s.router.Methods(http.MethodGet).Path("/v1/lists/{listId}/items").HandlerFunc(s.handleListItems)
	s.router.Methods(http.MethodGet).Path("/v1/lists/{listId}/items/{itemId}").HandlerFunc(s.handleGetItem)
	s.router.Methods(http.MethodGet).Path("/v1/lists/{listId}/presence").HandlerFunc(s.handlePresence)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration,
			"correlation_id", getCorrelationID(r),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rooms":  s.hub.registry.RoomCount(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.serveWebSocket(w, r, wsConfig{
		originPatterns:  s.cfg.AllowedOrigins,
		maxMessageBytes: s.cfg.MaxMessageBytes,
		writeTimeout:    s.cfg.WriteTimeout,
	})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	listID := mux.Vars(r)["listId"]
	items, err := s.store.ListItems(r.Context(), listID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"listId": listID,
		"items":  items,
	})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	item, err := s.store.GetItem(r.Context(), vars["itemId"])
	if err == nil && item.ListID != vars["listId"] {
		err = records.ErrNotFound
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	listID := mux.Vars(r)["listId"]
	writeJSON(w, http.StatusOK, map[string]any{
		"listId": listID,
		"users":  s.hub.registry.Snapshot(listID),
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := getCorrelationID(r)
	switch {
	case errors.Is(err, records.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "item not found", correlationID)
	case errors.Is(err, records.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.logger.Error("store read failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to read items", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
