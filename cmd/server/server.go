package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/modelgate"
)

// server holds the HTTP layer's dependencies and listener settings.
type server struct {
	gateway *modelgate.Gateway
	logger  *slog.Logger

	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

func newServer(gw *modelgate.Gateway, logger *slog.Logger) *server {
	cfg := gw.Config().Server
	return &server{
		gateway: gw,
		logger:  logger,
		addr:    cfg.Addr,
		// The write timeout must outlive long streams.
		readTimeout:     durationOr(cfg.ReadTimeout, 30*time.Second),
		writeTimeout:    durationOr(cfg.WriteTimeout, 5*time.Minute),
		shutdownTimeout: durationOr(cfg.ShutdownTimeout, 15*time.Second),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	// Inference endpoints.
	mux.HandleFunc("POST /v1/infer", s.handleInfer)
	mux.HandleFunc("POST /v1/infer/stream", s.handleInferStream)
	mux.HandleFunc("POST /v1/batch", s.handleBatchSubmit)
	mux.HandleFunc("GET /v1/batch/{id}", s.handleBatchStatus)

	// Catalog endpoints.
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("GET /v1/models/{id}", s.handleGetModel)

	// Admin endpoints.
	mux.HandleFunc("POST /admin/models", s.adminOnly(s.handleRegisterModel))
	mux.HandleFunc("PUT /admin/models/{id}/status", s.adminOnly(s.handleModelStatus))
	mux.HandleFunc("PUT /admin/models/{id}/pricing", s.adminOnly(s.handleModelPricing))
	mux.HandleFunc("POST /admin/cache/invalidate", s.adminOnly(s.handleCacheInvalidate))
	mux.HandleFunc("POST /admin/cache/warm", s.adminOnly(s.handleCacheWarm))
	mux.HandleFunc("POST /admin/budget/override", s.adminOnly(s.handleBudgetOverride))

	// Operational endpoints.
	mux.HandleFunc("GET /health/live", s.handleHealthLive)
	mux.HandleFunc("GET /health/ready", s.handleHealthReady)
	mux.HandleFunc("GET /health/providers", s.handleProviderHealth)
	mux.HandleFunc("GET /health/queue", s.handleQueueDepths)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.accessLog(handler)
	handler = requestIDMiddleware(handler)
	return handler
}
