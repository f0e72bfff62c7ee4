// Package main is the kmi-gateway entry point: it assembles the Key
// Registry from a credentials file, loads configuration, wires every
// core component behind the Request Pipeline, and runs the HTTP server
// until a shutdown signal arrives.
package main

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	sllogging "github.com/almazom/kmi-gateway/infrastructure/logging"
	slmetrics "github.com/almazom/kmi-gateway/infrastructure/metrics"
	slmiddleware "github.com/almazom/kmi-gateway/infrastructure/middleware"
	"github.com/almazom/kmi-gateway/internal/clock"
	"github.com/almazom/kmi-gateway/internal/gwconfig"
	"github.com/almazom/kmi-gateway/internal/gwstate"
	"github.com/almazom/kmi-gateway/internal/health"
	"github.com/almazom/kmi-gateway/internal/lifespan"
	"github.com/almazom/kmi-gateway/internal/pipeline"
	"github.com/almazom/kmi-gateway/internal/ratelimit"
	"github.com/almazom/kmi-gateway/internal/tracesink"
)

func main() {
	_ = godotenv.Load() // allow .env for local runs; production envs set these directly

	logger := sllogging.NewFromEnv("kmi-gateway")

	cfg, err := gwconfig.Load()
	if err != nil {
		log.Fatalf("CRITICAL: failed to load configuration: %v", err)
	}

	credentialsPath := strings.TrimSpace(os.Getenv("KMI_CREDENTIALS_FILE"))
	if credentialsPath == "" {
		log.Fatalf("CRITICAL: KMI_CREDENTIALS_FILE is required (path to the credentials JSON file)")
	}
	reg, err := loadCredentials(credentialsPath)
	if err != nil {
		log.Fatalf("CRITICAL: failed to load credentials: %v", err)
	}

	store := gwstate.New(cfg.StateDir, clock.System{}, logger)
	if err := store.Load(reg); err != nil {
		log.Fatalf("CRITICAL: failed to load gateway state: %v", err)
	}

	trace := tracesink.New(cfg.StateDir, cfg.TraceMaxBytes, cfg.TraceMaxBackups, logger)

	router := mux.NewRouter()
	server := &http.Server{
		Addr:    ":" + port(),
		Handler: router,
	}

	ls := lifespan.New(cfg, reg, store, trace, nil, server, logger)
	sharedClient := ls.Start()

	refresher := health.New(reg, store, newUsageFetcher(sharedClient, cfg.UpstreamBaseURL), health.Config{
		UsageCacheSeconds:         cfg.UsageCacheSeconds,
		BlocklistRecheckSeconds:   cfg.BlocklistRecheckSeconds,
		BlocklistRecheckMax:       cfg.BlocklistRecheckMax,
		RequireUsageBeforeRequest: cfg.RequireUsageBeforeRequest,
		FailOpenOnEmptyCache:      cfg.FailOpenOnEmptyCache,
	}, logger)
	ls.AttachHealth(refresher)

	dispatcher := ls.NewDispatcher()
	global := ratelimit.New(cfg.MaxRPS, cfg.MaxRPM)
	perKey := ratelimit.New(cfg.MaxRPSPerKey, cfg.MaxRPMPerKey)

	p := pipeline.New(cfg, reg, store, trace, refresher, global, perKey, dispatcher, clock.System{}, logger)

	router.Use(slmiddleware.LoggingMiddleware(logger))
	router.Use(slmiddleware.NewRecoveryMiddleware(logger).Handler)
	router.Use(slmiddleware.NewBodyLimitMiddleware(0).Handler)

	if slmetrics.Enabled() {
		metricsCollector := slmetrics.Init("kmi-gateway")
		router.Use(slmiddleware.MetricsMiddleware("kmi-gateway", metricsCollector))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	healthChecker := slmiddleware.NewHealthChecker("kmi-gateway")
	healthChecker.RegisterCheck("state_store", func() error { return nil })
	router.Handle("/health", healthChecker.Handler()).Methods(http.MethodGet)

	router.PathPrefix(cfg.NormalizedBasePath()).Handler(p)

	log.Printf("kmi-gateway listening on %s (base path %s, %d keys loaded)", server.Addr, cfg.NormalizedBasePath(), reg.Len())
	ls.ListenForSignals()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("CRITICAL: server error: %v", err)
	}

	ls.Wait()
}

func port() string {
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		return p
	}
	return "8080"
}
