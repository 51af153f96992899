package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/voyagen/loopcaster/api"
	"github.com/voyagen/loopcaster/internal/config"
	"github.com/voyagen/loopcaster/internal/events"
	"github.com/voyagen/loopcaster/internal/relay"
	"github.com/voyagen/loopcaster/internal/service"
	"github.com/voyagen/loopcaster/internal/store"
)

// maxBodyBytes caps request bodies; every payload is a handful of short fields.
const maxBodyBytes = 1 << 20

// Server holds dependencies for the HTTP API.
type Server struct {
	channels *service.Channels
	hub      *events.Hub // nil disables /api/events
	cfg      *config.Config
	logger   *zap.Logger
	mux      *http.ServeMux
}

// New creates a Server and registers routes.
func New(channels *service.Channels, hub *events.Hub, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		channels: channels,
		hub:      hub,
		cfg:      cfg,
		logger:   logger.Named("http"),
		mux:      http.NewServeMux(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Channels
	s.mux.HandleFunc("GET /api/channels", s.handleListChannels)
	s.mux.HandleFunc("POST /api/channels", s.handleCreateChannel)
	s.mux.HandleFunc("GET /api/channels/{id}", s.handleGetChannel)
	s.mux.HandleFunc("PUT /api/channels/{id}", s.handleUpdateChannel)
	s.mux.HandleFunc("PATCH /api/channels/{id}", s.handleUpdateChannel)
	s.mux.HandleFunc("DELETE /api/channels/{id}", s.handleDeleteChannel)

	// Lifecycle
	s.mux.HandleFunc("POST /api/channels/{id}/import-video", s.handleImportVideo)
	s.mux.HandleFunc("POST /api/channels/{id}/start", s.handleStartStream)
	s.mux.HandleFunc("POST /api/channels/{id}/stop", s.handleStopStream)
	s.mux.HandleFunc("GET /api/channels/{id}/logs", s.handleStreamLogs)

	// Events
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	// Docs
	s.mux.HandleFunc("GET /api/docs", handleSwaggerUI)
	s.mux.HandleFunc("GET /api/docs/openapi.yaml", handleOpenAPISpec)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler returns the server wrapped in its middleware chain.
func (s *Server) Handler() http.Handler {
	return withCORS(withLogging(s.logger, s))
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.cfg.ServerPort
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	if s.hub != nil {
		httpServer.RegisterOnShutdown(s.hub.Close)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("listening", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.channels.List(r.Context())
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req service.CreateInput
	if !s.decode(w, r, &req) {
		return
	}
	ch, err := s.channels.Create(r.Context(), req)
	if err != nil {
		s.writeChannelErr(w, 0, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	ch, err := s.channels.Get(r.Context(), channelID)
	if err != nil {
		s.writeChannelErr(w, channelID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	var req service.UpdateInput
	if !s.decode(w, r, &req) {
		return
	}
	ch, err := s.channels.Update(r.Context(), channelID, req)
	if err != nil {
		s.writeChannelErr(w, channelID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	if err := s.channels.Delete(r.Context(), channelID); err != nil {
		s.writeChannelErr(w, channelID, err)
		return
	}
	s.writeMessage(w, http.StatusOK, "Channel deleted")
}

type importRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleImportVideo(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	var req importRequest
	if !s.decode(w, r, &req) {
		return
	}
	ticket, err := s.channels.Import(r.Context(), channelID, req.URL)
	if err != nil {
		s.writeChannelErr(w, channelID, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"message":  "Download started",
		"filename": ticket.Filename,
	})
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	if err := s.channels.Start(r.Context(), channelID); err != nil {
		s.writeChannelErr(w, channelID, err)
		return
	}
	s.writeMessage(w, http.StatusOK, "Stream started")
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	if err := s.channels.Stop(r.Context(), channelID); err != nil {
		s.writeChannelErr(w, channelID, err)
		return
	}
	s.writeMessage(w, http.StatusOK, "Stream stopped")
}

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	channelID, ok := s.channelID(w, r)
	if !ok {
		return
	}
	lines, err := s.channels.Logs(r.Context(), channelID)
	if err != nil {
		s.writeChannelErr(w, channelID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lines)
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// parseID extracts a path parameter by name and parses it as int64.
func parseID(r *http.Request, param string) (int64, error) {
	v := r.PathValue(param)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %s", param, v)
	}
	return id, nil
}

func (s *Server) channelID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return false
	}
	return true
}

// writeChannelErr maps service errors onto HTTP statuses.
func (s *Server) writeChannelErr(w http.ResponseWriter, channelID int64, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeErr(w, http.StatusBadRequest, verr)
	case errors.Is(err, store.ErrNotFound):
		s.writeErr(w, http.StatusNotFound, fmt.Errorf("channel %d not found", channelID))
	case errors.Is(err, relay.ErrAlreadyRunning), errors.Is(err, relay.ErrNotReady):
		s.writeErr(w, http.StatusConflict, err)
	default:
		s.writeErr(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writeJSON", zap.Error(err))
	}
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"message": msg})
}

func (s *Server) writeErr(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	s.writeJSON(w, status, APIError{
		Status: status,
		Error:  http.StatusText(status),
		Detail: err.Error(),
	})
}

// --- docs handlers ---

func handleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(api.OpenAPISpec)
}

func handleSwaggerUI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, swaggerUIHTML)
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>Loopcaster API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>html{box-sizing:border-box;overflow-y:scroll}*,*:before,*:after{box-sizing:inherit}body{margin:0;background:#fafafa}</style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/api/docs/openapi.yaml",
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
      layout: "BaseLayout",
    });
  </script>
</body>
</html>`
