package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"github.com/harun/devrel/pkg/coordinator"
	"github.com/harun/devrel/pkg/workqueue"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Submitter accepts tasks; *workqueue.Queue satisfies it
type Submitter interface {
	Enqueue(ctx context.Context, handlerKey string, payload map[string]interface{}, priority workqueue.Priority) (string, error)
}

// Config configures the ingress server
type Config struct {
	Host              string
	Port              int
	Queue             Submitter
	Hub               *Hub
	RequestsPerMinute int
	Logger            zerolog.Logger
}

// Server is the HTTP ingress: task submission, session close, the outbound
// stream and operational endpoints.
type Server struct {
	addr     string
	queue    Submitter
	hub      *Hub
	limiter  *RateLimiter
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	router   chi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	streams  sync.WaitGroup
}

// NewServer creates a server. Routes are built immediately so Handler can be
// used without Start.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}

	s := &Server{
		addr:    net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		queue:   cfg.Queue,
		hub:     cfg.Hub,
		limiter: NewRateLimiter(cfg.RequestsPerMinute),
		logger:  cfg.Logger.With().Str("component", "ingress").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.traceRequest)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.limiter.Middleware).Post("/requests", s.handleSubmit)
		r.Delete("/sessions/{sessionID}", s.handleClose)
		r.Get("/stream", s.handleStream)
	})
	return r
}

// Handler exposes the router, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the outbound stream hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("ingress already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Ingress server error")
		}
	}(s.server)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Ingress listening")
	return nil
}

// Stop closes stream subscribers and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	s.hub.Close()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown ingress: %w", err)
	}
	s.streams.Wait()
	s.logger.Info().Msg("Ingress stopped")
	return nil
}

// traceRequest gives every request a trace id and a completion log line
func (s *Server) traceRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Trace-ID"); id != "" {
			ctx = tracing.WithTraceID(ctx, id)
		} else {
			ctx = tracing.NewRequestContext(ctx)
		}
		w.Header().Set("X-Trace-ID", tracing.GetTraceID(ctx))

		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

type submitRequest struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Platform  string `json:"platform"`
	ThreadID  string `json:"thread_id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Priority  string `json:"priority"`
}

type submitResponse struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := coordinator.ParseRequest(map[string]interface{}{
		"request_id": body.RequestID,
		"session_id": body.SessionID,
		"user_id":    body.UserID,
		"platform":   body.Platform,
		"thread_id":  body.ThreadID,
		"channel_id": body.ChannelID,
		"content":    body.Content,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = chiMiddleware.GetReqID(r.Context())
	}

	prio, err := workqueue.ParsePriority(body.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID, err := s.queue.Enqueue(r.Context(), coordinator.HandlerRequest, req.Payload(), prio)
	if err != nil {
		s.enqueueFailed(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: taskID, SessionID: req.SessionID})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	taskID, err := s.queue.Enqueue(r.Context(), coordinator.HandlerSessionClose, map[string]interface{}{
		"session_id": sessionID,
	}, workqueue.High)
	if err != nil {
		s.enqueueFailed(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: taskID, SessionID: sessionID})
}

func (s *Server) enqueueFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, workqueue.ErrQueueClosed) {
		writeError(w, http.StatusServiceUnavailable, "queue is shutting down")
		return
	}
	s.logger.Error().Err(err).Msg("Failed to enqueue task")
	writeError(w, http.StatusInternalServerError, "failed to enqueue task")
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade stream connection")
		return
	}

	sub := s.hub.Add(conn, r.URL.Query().Get("session_id"))
	s.logger.Info().
		Str("subscriber", sub.ID).
		Str("session_id", sub.SessionID).
		Str("ip", r.RemoteAddr).
		Msg("Stream subscriber connected")

	s.streams.Add(1)
	go func() {
		defer s.streams.Done()
		defer func() {
			s.hub.Remove(sub.ID)
			_ = conn.Close()
			s.logger.Info().Str("subscriber", sub.ID).Msg("Stream subscriber disconnected")
		}()
		// Inbound frames are ignored; reading keeps control frames flowing.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug().Err(err).Str("subscriber", sub.ID).Msg("Stream read error")
				}
				return
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": s.hub.Count(),
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
