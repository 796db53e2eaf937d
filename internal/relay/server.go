package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"AgentRelay/internal/backend"
	"AgentRelay/internal/config"
	"AgentRelay/internal/ledger"
)

// StreamRecorder persists stream outcomes. *ledger.Ledger satisfies it.
type StreamRecorder interface {
	Record(ctx context.Context, e ledger.Entry) (int64, error)
}

// Server is the SSE relay in front of the upstream agent
type Server struct {
	cfg      *config.Config
	upstream backend.Streamer
	recorder StreamRecorder
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
}

// Option configures a Server
type Option func(*Server)

// WithRecorder records every stream outcome.
func WithRecorder(r StreamRecorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithTelemetry sets the tracer and meter.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(s *Server) {
		s.tracer = tracer
		s.metrics = newMetrics(meter, s.logger)
	}
}

// NewServer creates a relay over upstream.
func NewServer(cfg *config.Config, upstream backend.Streamer, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		upstream: upstream,
		logger:   logger,
		tracer:   tracenoop.NewTracerProvider().Tracer("relay"),
	}
	s.metrics = newMetrics(noop.NewMeterProvider().Meter("relay"), logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the relay's routes wrapped in CORS and request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/chat/stream", s.handleChatStream).Methods(http.MethodPost)

	r.Use(s.logRequests)
	return s.cors(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func setCORSMethods(h http.Header) {
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// cors allows the configured local UI origins. A "*" entry allows any origin
// without credentials.
func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.Server.AllowedOrigins))
	for _, o := range s.cfg.Server.AllowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case origin == "":
		case allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
			setCORSMethods(w.Header())
		case allowed["*"]:
			// credentials are never combined with a wildcard
			w.Header().Set("Access-Control-Allow-Origin", "*")
			setCORSMethods(w.Header())
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
