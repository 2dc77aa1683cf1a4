// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/config"
)

// Run is the exported entry point for the gateway service.
//
// It loads configuration, builds the pipeline, serves HTTP and blocks until
// SIGINT or SIGTERM. SIGHUP reloads the configuration file.
//
// Environment variables used:
//   - GATEWAY_CONFIG: path to the YAML configuration (default: built-in mocks)
//   - PORT: HTTP server port (overrides server.port)
//   - DATABASE_URL: PostgreSQL connection string for the moderation audit trail
//   - REDIS_URL: Redis URL for shared provider health
//   - INSTANCE_ID: instance identifier written to structured logs
func Run() {
	_ = godotenv.Load()
	log.Println("Starting gateway...")

	loader, err := config.NewLoader(os.Getenv("GATEWAY_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := loader.Current()
	applyEnvOverrides(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx := context.Background()
	gw, err := NewGateway(ctx, cfg, WithRegisterer(reg))
	if err != nil {
		log.Fatalf("Failed to initialize gateway: %v", err)
	}
	loader.OnReload(func(f *config.File) {
		applyEnvOverrides(f)
		if err := gw.ApplyConfig(f); err != nil {
			log.Printf("Config reload rejected: %v", err)
		}
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           NewHTTPHandler(gw, cfg, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Gateway listening on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	for {
		select {
		case err, ok := <-serveErr:
			if ok {
				log.Fatalf("HTTP server failed: %v", err)
			}
			return
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				reloadConfig(loader, log.Default())
				continue
			}
			log.Printf("Received %s, shutting down", sig)
			shutdown(srv, gw, cfg.Server.ShutdownTimeout)
			return
		}
	}
}

// reloadConfig re-reads the configuration file. A rejected file is reported
// on l and the running configuration stays in place.
func reloadConfig(loader *config.Loader, l *log.Logger) bool {
	l.Printf("SIGHUP received, reloading %s", loader.Path())
	if err := loader.Reload(); err != nil {
		l.Printf("Config reload failed, keeping current configuration: %v", err)
		return false
	}
	return true
}

// NewHTTPHandler builds the routed, CORS-wrapped handler including /metrics.
func NewHTTPHandler(gw *Gateway, cfg *config.File, gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	NewAPIHandler(gw.Pipeline, cfg.Server.MaxBodyBytes).RegisterRoutes(r)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Tenant-ID", "X-User-ID", "X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func shutdown(srv *http.Server, gw *Gateway, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := gw.Shutdown(ctx); err != nil {
		log.Printf("Gateway shutdown: %v", err)
	}
	log.Println("Gateway stopped")
}

// applyEnvOverrides lets deployment env vars win over file values.
func applyEnvOverrides(cfg *config.File) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && cfg.Safety.Audit.DatabaseURL == "" {
		cfg.Safety.Audit.DatabaseURL = dsn
	}
	if url := os.Getenv("REDIS_URL"); url != "" && cfg.Health.Redis.URL == "" {
		cfg.Health.Redis.URL = url
	}
}
