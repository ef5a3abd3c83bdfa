// Package server exposes collection over HTTP and on a schedule. Both paths call
// the same orchestrator.Runner; overlapping runs are allowed because every
// store write is idempotent.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/moltwatch/api/schemas"
	"github.com/xkilldash9x/moltwatch/internal/config"
	"github.com/xkilldash9x/moltwatch/internal/metrics"
	"github.com/xkilldash9x/moltwatch/internal/orchestrator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Trigger outcomes recorded in metrics.TriggerRequests.
const (
	outcomeOK           = "ok"
	outcomeFailed       = "failed"
	outcomeUnauthorized = "unauthorized"
)

const healthTimeout = 5 * time.Second

// CollectResponse flattens the run summary next to the success flag. The collect
// command prints the same shape.
type CollectResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	*schemas.RunSummary
}

// NewCollectResponse reports a finished run. The summary may be partial on error.
func NewCollectResponse(summary *schemas.RunSummary, err error) CollectResponse {
	if err != nil {
		return CollectResponse{Success: false, Error: err.Error(), RunSummary: summary}
	}
	return CollectResponse{Success: true, RunSummary: summary}
}

type handler struct {
	runner orchestrator.Runner
	store  Pinger
	secret string
	logger *zap.Logger
}

// NewRouter builds the HTTP surface:
//
//	GET|POST /api/collect  run one collection and return its summary
//	GET      /healthz      store connectivity
//	GET      /metrics      Prometheus exposition
func NewRouter(runner orchestrator.Runner, store Pinger, cfg config.ServerConfig, logger *zap.Logger) http.Handler {
	h := &handler{
		runner: runner,
		store:  store,
		secret: cfg.TriggerSecret,
		logger: logger.Named("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/collect", func(r chi.Router) {
		if cfg.TriggerRateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.TriggerRateLimit, time.Minute))
		}
		r.Use(h.authorize)
		r.Get("/", h.collect)
		r.Post("/", h.collect)
	})
	return r
}

// authorize enforces the bearer trigger secret when one is configured.
func (h *handler) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
			metrics.TriggerRequests.WithLabelValues("http", outcomeUnauthorized).Inc()
			h.logger.Warn("Rejected unauthorized collection trigger.",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())))
			writeJSON(w, http.StatusUnauthorized, CollectResponse{Success: false, Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) collect(w http.ResponseWriter, r *http.Request) {
	// A dropped trigger connection must not abort a half-written run; the
	// collector's own run timeout still bounds it.
	ctx := context.WithoutCancel(r.Context())

	summary, err := h.runner.Run(ctx)
	if err != nil {
		metrics.TriggerRequests.WithLabelValues("http", outcomeFailed).Inc()
		h.logger.Error("Triggered collection failed.",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, NewCollectResponse(summary, err))
		return
	}
	metrics.TriggerRequests.WithLabelValues("http", outcomeOK).Inc()
	writeJSON(w, http.StatusOK, NewCollectResponse(summary, nil))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed.", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
