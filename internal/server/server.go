// Package server exposes snapshots, trouble codes and Prometheus metrics
// over HTTP, and streams snapshots to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"dashobd/internal/models"
	"dashobd/pkg/log"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const shutdownTimeout = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type SnapshotSource interface {
	Latest() (models.MetricsSnapshot, bool)
}

type TroubleCodes interface {
	ReadCodes() ([]models.TroubleCode, error)
	ReadPendingCodes() ([]models.TroubleCode, error)
	ClearCodes() error
}

type Server struct {
	snapshots SnapshotSource
	codes     TroubleCodes
	hub       *Hub
	metrics   http.Handler
}

// New builds a Server. metrics may be nil to leave /metrics unrouted.
func New(snapshots SnapshotSource, codes TroubleCodes, hub *Hub, metrics http.Handler) *Server {
	return &Server{snapshots: snapshots, codes: codes, hub: hub, metrics: metrics}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/dtc", s.handleReadDTC)
		r.Get("/dtc/pending", s.handleReadPendingDTC)
		r.Post("/dtc/clear", s.handleClearDTC)
	})
	r.Get("/ws", s.handleWebSocket)
	return r
}

// ListenAndServe blocks until ctx is done or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("HTTP server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshots.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("no poll cycle completed yet"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReadDTC(w http.ResponseWriter, r *http.Request) {
	writeCodes(w, s.codes.ReadCodes)
}

func (s *Server) handleReadPendingDTC(w http.ResponseWriter, r *http.Request) {
	writeCodes(w, s.codes.ReadPendingCodes)
}

func writeCodes(w http.ResponseWriter, read func() ([]models.TroubleCode, error)) {
	codes, err := read()
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"codes": codes})
}

func (s *Server) handleClearDTC(w http.ResponseWriter, r *http.Request) {
	if err := s.codes.ClearCodes(); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(s.hub, conn)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
