// Package main implements the ndbserver demo: an HTTP front end over a
// single nDB database directory.
package main

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ndblabs/ndb"
	"github.com/ndblabs/ndb/internal/httpapi"
	"github.com/ndblabs/ndb/internal/libs/config"
	"github.com/ndblabs/ndb/internal/obs"
)

func main() {
	cfg := config.Load()

	obs.InitLogger(cfg.LogLevel)
	logger := obs.Component("ndbserver")
	registry := prometheus.NewRegistry()

	db, err := ndb.Open(cfg.DataDir, ndb.WithLogger(logger), ndb.WithRegisterer(registry))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()

	handler := httpapi.NewHandler(db, logger, 4)
	defer handler.Close()

	r := setupRouter(handler)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	logger.Info().Str("addr", addr).Str("data_dir", cfg.DataDir).Msg("starting ndbserver")

	if err := http.ListenAndServe(addr, r); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func setupRouter(h *httpapi.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/health", h.HandleHealth)
	r.Post("/collections", h.HandleCreateCollection)
	r.Post("/ingest", h.HandleIngest)
	r.Post("/search", h.HandleSearch)
	r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		h.HandleJobStatus(w, req, chi.URLParam(req, "id"))
	})
	r.Get("/collections/{name}/stats", func(w http.ResponseWriter, req *http.Request) {
		h.HandleStats(w, req, chi.URLParam(req, "name"))
	})

	return r
}
