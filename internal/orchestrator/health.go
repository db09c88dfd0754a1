package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger checks a dependency. *blackboard.Client implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSource reports coordinator progress. *Coordinator implements it.
type StatusSource interface {
	Snapshot() Snapshot
}

// HealthServer provides HTTP health check and metrics endpoints for the coordinator.
type HealthServer struct {
	addr    string
	status  StatusSource
	redis   Pinger
	metrics http.Handler
	logger  *zap.Logger
	server  *http.Server
}

// HealthOptions configures a HealthServer. Redis and Metrics are optional.
type HealthOptions struct {
	Addr    string
	Redis   Pinger
	Metrics http.Handler
}

// DefaultHealthAddr is the listen address used when none is configured.
const DefaultHealthAddr = ":8080"

// NewHealthServer creates a new health check server.
func NewHealthServer(status StatusSource, opts HealthOptions, logger *zap.Logger) *HealthServer {
	if opts.Addr == "" {
		opts.Addr = DefaultHealthAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthServer{
		addr:    opts.Addr,
		status:  status,
		redis:   opts.Redis,
		metrics: opts.Metrics,
		logger:  logger.With(zap.String("component", "health")),
	}
}

// Handler returns the server's routes.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}
	return mux
}

// Start starts the HTTP server in the background.
func (h *HealthServer) Start() error {
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("health server error", zap.Error(err))
		}
	}()

	h.logger.Info("health server listening", zap.String("addr", h.addr))
	return nil
}

// Shutdown gracefully shuts down the health check server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK while Redis (when configured) is reachable, 503 otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{Status: "healthy"}
	if h.status != nil {
		snapshot := h.status.Snapshot()
		response.Coordinator = &snapshot
	}

	code := http.StatusOK
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.redis.Ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Redis = "disconnected"
			response.Error = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			response.Redis = "connected"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status      string    `json:"status"`
	Redis       string    `json:"redis,omitempty"`
	Error       string    `json:"error,omitempty"`
	Coordinator *Snapshot `json:"coordinator,omitempty"`
}
