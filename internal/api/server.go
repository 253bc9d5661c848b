// Package api implements the GridSense HTTP API: telemetry ingestion
// and reads, device commands, health, version and metrics. The
// realtime WebSocket endpoint is mounted on the same listener.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/nugget/gridsense/internal/buildinfo"
	"github.com/nugget/gridsense/internal/command"
	"github.com/nugget/gridsense/internal/connwatch"
	"github.com/nugget/gridsense/internal/ingest"
	"github.com/nugget/gridsense/internal/store"
	"golang.org/x/net/netutil"
)

// maxBodyBytes caps request bodies on the ingest and command routes.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// errorBody is the shape of every error response.
type errorBody struct {
	Message string `json:"message"`
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Message: message}, s.logger)
}

// Store is the read and auth side of the persistent store.
type Store interface {
	Channel(ctx context.Context, id string) (*store.Channel, error)
	LatestEntry(ctx context.Context, channelID string) (*store.Entry, error)
	History(ctx context.Context, channelID string, q store.HistoryQuery) ([]*store.Entry, error)
	UserByAPIKey(ctx context.Context, key string) (*store.User, error)
}

// Ingester accepts telemetry readings.
type Ingester interface {
	Ingest(ctx context.Context, channelID string, body []byte) (*ingest.Result, error)
}

// Dispatcher sends device commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, channelID string, cmd json.RawMessage, opts command.Options) (*command.Envelope, error)
	Topic(channelID string) string
}

// Config holds listener settings.
type Config struct {
	Address        string
	Port           int
	MaxConnections int

	// HistoryDefaultLimit applies when a history request has no limit.
	HistoryDefaultLimit int

	// RealtimePath is where Realtime is mounted (default /ws).
	RealtimePath string
}

// Deps are the components the server routes to. Realtime, Health and
// Metrics are optional.
type Deps struct {
	Store    Store
	Ingest   Ingester
	Commands Dispatcher
	Realtime http.Handler
	Health   *connwatch.Manager
	Metrics  http.Handler
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryDefaultLimit <= 0 {
		cfg.HistoryDefaultLimit = 50
	}
	if cfg.RealtimePath == "" {
		cfg.RealtimePath = "/ws"
	}
	return &Server{cfg: cfg, deps: deps, logger: logger}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Telemetry
	mux.HandleFunc("POST /api/sensors/{channelId}/data", s.requireAPIKey(s.handleIngest))
	mux.HandleFunc("GET /api/sensors/{channelId}/latest", s.requireAPIKey(s.handleLatest))
	mux.HandleFunc("GET /api/sensors/{channelId}/history", s.requireAPIKey(s.handleHistory))

	// Commands
	mux.HandleFunc("POST /api/devices/{channelId}/command", s.requireAPIKey(s.handleCommand))

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	if s.deps.Realtime != nil {
		mux.Handle("GET "+s.cfg.RealtimePath, s.deps.Realtime)
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-API-Key"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(true),
	)
	return s.withLogging(recovery(cors(mux)))
}

// Start begins serving HTTP requests. It blocks until the server is
// shut down.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server",
		"address", ln.Addr().String(),
		"max_connections", s.cfg.MaxConnections,
		"realtime_path", s.cfg.RealtimePath,
	)
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// recoveryLogger adapts slog to gorilla's RecoveryHandlerLogger.
type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error("http handler panic", "detail", fmt.Sprint(v...))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Get(), s.logger)
}

type healthResponse struct {
	Status   string                    `json:"status"`
	Services []connwatch.ServiceStatus `json:"services"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Services: s.deps.Health.Status()}
	if resp.Services == nil {
		resp.Services = []connwatch.ServiceStatus{}
	}
	status := http.StatusOK
	if !s.deps.Health.Ready() {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp, s.logger)
}
