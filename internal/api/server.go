// Package api exposes the gateway to the host POS UI: enqueueing
// actions, reading queue and sync log state, triggering a sync pass,
// and printing receipts.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chefcloud/possync/internal/action"
	"github.com/chefcloud/possync/internal/connectivity"
	"github.com/chefcloud/possync/internal/printer"
	"github.com/chefcloud/possync/internal/queue"
	"github.com/chefcloud/possync/internal/syncer"
	"github.com/chefcloud/possync/internal/synclog"
)

// Server is the HTTP API server
type Server struct {
	port       int
	queue      *queue.Store
	log        *synclog.Log
	engine     *syncer.Engine
	monitor    *connectivity.Monitor
	printer    *printer.Printer
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new API server
func NewServer(
	port int,
	q *queue.Store,
	log *synclog.Log,
	engine *syncer.Engine,
	monitor *connectivity.Monitor,
	p *printer.Printer,
	logger *slog.Logger,
) *Server {
	return &Server{
		port:    port,
		queue:   q,
		log:     log,
		engine:  engine,
		monitor: monitor,
		printer: p,
		logger:  logger.With("component", "api"),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/synclog", s.handleSyncLog)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/print", s.handlePrint)
	mux.HandleFunc("/ws/synclog", s.handleSyncLogWS)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.corsMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.startedAt = time.Now()

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers for the POS UI
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleStatus returns gateway status for the UI's connectivity badge.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"online":  s.monitor.IsOnline(),
		"syncing": s.engine.Syncing(),
		"queued":  s.queue.Len(),
		"uptime":  time.Since(s.startedAt).Seconds(),
	})
}

// handleQueue handles queue snapshot, enqueue, and clear.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.respondJSON(w, http.StatusOK, s.queue.Items())

	case http.MethodPost:
		var req action.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.URL == "" {
			http.Error(w, "url required", http.StatusBadRequest)
			return
		}
		snapshot := s.queue.Add(req)
		s.respondJSON(w, http.StatusAccepted, snapshot)

	case http.MethodDelete:
		s.queue.Clear()
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSyncLog handles log reads and dismiss-all.
func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.respondJSON(w, http.StatusOK, s.log.Entries())

	case http.MethodDelete:
		s.log.ClearHistory()
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSync triggers a manual sync pass. The pass runs in the
// background; an already-running pass makes this a no-op.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	go s.engine.SyncQueue(context.Background())
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{"triggered": true})
}

// handlePrint forwards a base64-encoded ESC/POS receipt to the printer.
func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		http.Error(w, "invalid base64 data", http.StatusBadRequest)
		return
	}

	if err := s.printer.Print(r.Context(), data); err != nil {
		s.logger.Error("print failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{"printed": len(data)})
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
