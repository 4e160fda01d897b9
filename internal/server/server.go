package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vincentbai/traceflow-agent/internal/app"
	"github.com/vincentbai/traceflow-agent/internal/capture"
	"github.com/vincentbai/traceflow-agent/internal/config"
	"github.com/vincentbai/traceflow-agent/internal/models"
)

const streamBuffer = 64

var validSignalKinds = map[capture.SignalKind]bool{
	capture.SignalClick:       true,
	capture.SignalPointerMove: true,
	capture.SignalScroll:      true,
	capture.SignalResize:      true,
	capture.SignalFocus:       true,
	capture.SignalBlur:        true,
	capture.SignalInput:       true,
}

// SignalBatch is the body of POST /signals.
type SignalBatch struct {
	Signals   []capture.Signal   `json:"signals"`
	Mutations []capture.Mutation `json:"mutations"`
}

type metadataRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type customEventRequest struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

type processClickRequest struct {
	TargetPath []string `json:"targetPath"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
}

type statusResponse struct {
	Recording         bool   `json:"recording"`
	SessionID         string `json:"sessionId,omitempty"`
	Events            int    `json:"events"`
	RageClicksEnabled bool   `json:"rageClicksEnabled"`
	Sessions          int    `json:"sessions"`
}

type Server struct {
	tracker  *app.Tracker
	platform *Platform
	address  string
	cfg      config.HTTPConfig
	logger   *slog.Logger
	server   *http.Server
}

func NewServer(tracker *app.Tracker, platform *Platform, cfg config.HTTPConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		tracker:  tracker,
		platform: platform,
		address:  cfg.Addr,
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleSignals(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var batch SignalBatch
	if err := json.NewDecoder(request.Body).Decode(&batch); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	for _, sig := range batch.Signals {
		if !validSignalKinds[sig.Kind] {
			http.Error(w, fmt.Sprintf("invalid signal kind: %s", sig.Kind), http.StatusBadRequest)
			return
		}
	}

	for _, sig := range batch.Signals {
		s.platform.DeliverSignal(sig)
	}
	for _, m := range batch.Mutations {
		s.platform.DeliverMutation(m)
	}
	w.WriteHeader(http.StatusNoContent) // success, no body
}

func (s *Server) handleEnvironment(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var env map[string]any
	if err := json.NewDecoder(request.Body).Decode(&env); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	s.platform.SetEnvironment(env)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if err := s.tracker.StartRecording(request.Context()); err != nil {
		s.logger.Error("failed to start recording", "error", err)
		http.Error(w, "Failed to start recording", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if err := s.tracker.StopRecording(request.Context()); err != nil {
		s.logger.Error("failed to stop recording", "error", err)
		http.Error(w, "Failed to store session", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleMetadata(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var body metadataRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if body.Key == "" {
		http.Error(w, "key cannot be empty", http.StatusBadRequest)
		return
	}
	s.tracker.AddSessionMetadata(body.Key, body.Value)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCustomEvents(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var body customEventRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		http.Error(w, "name cannot be empty", http.StatusBadRequest)
		return
	}
	s.tracker.TrackCustomEvent(body.Name, body.Data)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, request *http.Request) {
	switch request.Method {
	case http.MethodGet:
		sessions := s.tracker.GetSessions()
		if sessions == nil {
			sessions = []models.SessionRecord{}
		}
		s.writeJSON(w, http.StatusOK, sessions)
	case http.MethodDelete:
		if err := s.tracker.ClearAllSessions(request.Context()); err != nil {
			s.logger.Error("failed to clear sessions", "error", err)
			http.Error(w, "Failed to clear sessions", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "GET or DELETE only", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionByID(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(request.URL.Path, "/sessions/")
	session, ok := s.tracker.GetSessionByID(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRageClicksEnable(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	s.tracker.EnableRageClicks()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRageClicksDisable(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	s.tracker.DisableRageClicks()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRageClicksProcess(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var body processClickRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	s.tracker.ProcessClick(body.TargetPath, body.X, body.Y)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEventStream(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	events, cancel := s.tracker.Events(streamBuffer)
	defer cancel()
	streamJSON(w, request, events)
}

func (s *Server) handleRageClickStream(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	rageClicks, cancel := s.tracker.RageClicks(streamBuffer)
	defer cancel()
	streamJSON(w, request, rageClicks)
}

// streamJSON writes values from ch as server-sent events until the client
// goes away or ch is closed.
func streamJSON[T any](w http.ResponseWriter, request *http.Request, ch <-chan T) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-request.Context().Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// clearStreamDeadlines lifts the write timeout for server-sent event routes,
// which stay open for as long as the client listens.
func (s *Server) clearStreamDeadlines(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, request *http.Request) {
		if strings.HasSuffix(request.URL.Path, "/stream") {
			if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
				s.logger.Warn("failed to clear stream write deadline",
					"path", request.URL.Path,
					"error", err)
			}
		}
		next.ServeHTTP(w, request)
	})
}

func (s *Server) status() statusResponse {
	status := statusResponse{
		RageClicksEnabled: s.tracker.RageClicksEnabled(),
		Sessions:          len(s.tracker.GetSessions()),
	}
	if session, ok := s.tracker.CurrentSession(); ok {
		status.Recording = true
		status.SessionID = session.SessionID
		status.Events = len(session.Events)
	}
	return status
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/signals", s.handleSignals)
	mux.HandleFunc("/environment", s.handleEnvironment)
	mux.HandleFunc("/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/metadata", s.handleMetadata)
	mux.HandleFunc("/custom-events", s.handleCustomEvents)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionByID)
	mux.HandleFunc("/rage-clicks/enable", s.handleRageClicksEnable)
	mux.HandleFunc("/rage-clicks/disable", s.handleRageClicksDisable)
	mux.HandleFunc("/rage-clicks/process", s.handleRageClicksProcess)
	mux.HandleFunc("/events/stream", s.handleEventStream)
	mux.HandleFunc("/rage-clicks/stream", s.handleRageClickStream)
	return mux
}

// Start serves until ctx is cancelled or the process receives SIGINT or
// SIGTERM, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	mux := s.setupRoutes()

	// Cancelled before Shutdown so open event streams return instead of
	// holding their connections until the shutdown timeout.
	baseContext, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	s.server = &http.Server{
		Handler:      s.clearStreamDeadlines(otelhttp.NewHandler(mux, "traceflow-agent")),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return baseContext },
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("TraceFlow agent listening", "address", listener.Addr().String())
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	s.logger.Info("shutting down server")
	cancelStreams()

	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("server exited")
	return nil
}
