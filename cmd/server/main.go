package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"orchestrator/internal/platform/config"
	"orchestrator/internal/platform/httpserver"
	"orchestrator/internal/platform/logger"
	httpmetrics "orchestrator/internal/platform/metrics"
	"orchestrator/internal/subscription/handler"
	"orchestrator/internal/subscription/metrics"
	"orchestrator/internal/subscription/registry"
	"orchestrator/internal/subscription/schema"
	"orchestrator/internal/subscription/service"
	"orchestrator/pkg/platform/httputil"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	types, products, err := loadSchemas(cfg.SchemaDir, log)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := service.New(st, types, products,
		service.WithLogger(log),
		service.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
		service.WithBulkLoad(cfg.BulkLoad),
	)

	router := newRouter(svc, log, prometheus.DefaultRegisterer, promhttp.Handler())

	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting orchestrator", "addr", cfg.Addr, "store", cfg.Store, "bulk_load", cfg.BulkLoad)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		log.Info("server shut down")
		return nil
	})
	return g.Wait()
}

// newRouter mounts the health and metrics endpoints and the subscription API.
func newRouter(svc handler.Service, log *slog.Logger, reg prometheus.Registerer, metricsHandler http.Handler) chi.Router {
	router := chi.NewRouter()
	router.Use(httpmetrics.New(reg).Middleware)
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Handle("/metrics", metricsHandler)
	handler.New(svc, log).Register(router)
	return router
}

// loadSchemas reads every schema file in dir and registers its variants.
func loadSchemas(dir string, log *slog.Logger) (*registry.Registry, *registry.Products, error) {
	cat, err := schema.LoadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("load schemas: %w", err)
	}
	types := registry.New()
	if err := types.RegisterCatalog(cat); err != nil {
		return nil, nil, fmt.Errorf("register schemas: %w", err)
	}
	if err := types.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validate registry: %w", err)
	}
	if err := types.CheckProducts(cat.Products); err != nil {
		return nil, nil, fmt.Errorf("check products: %w", err)
	}
	log.Info("schemas loaded", "dir", dir, "block_types", len(cat.Types), "products", len(cat.Products))
	return types, registry.NewProducts(cat.Products...), nil
}
