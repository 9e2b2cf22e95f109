package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ghzmwhdk777/ckpts/internal/api"
	"github.com/ghzmwhdk777/ckpts/internal/comfyui"
	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/dispatcher"
	"github.com/ghzmwhdk777/ckpts/internal/observability"
	"github.com/ghzmwhdk777/ckpts/internal/pipeline"
	"github.com/ghzmwhdk777/ckpts/internal/queue"
	"github.com/ghzmwhdk777/ckpts/internal/relay"
	"github.com/ghzmwhdk777/ckpts/internal/storage"
	"github.com/ghzmwhdk777/ckpts/internal/watcher"
	"github.com/ghzmwhdk777/ckpts/internal/workflow"
	"github.com/ghzmwhdk777/ckpts/templates"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// Configure global logger
	config.SetLogLevel(cfg.LogLevel)
	config.ConfigureGlobalLogger()

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	// Validate watch strategy
	factory := watcher.NewFactory()
	if !factory.ValidateStrategy(cfg.Watch.Strategy) {
		logrus.Fatalf("Unsupported watch strategy: %s, supported strategies: %s",
			cfg.Watch.Strategy, strings.Join(factory.GetSupportedTypes(), ", "))
	}

	shutdownTracing, err := observability.InitTracing("comfyflow", cfg.OTelTracing)
	if err != nil {
		logrus.Fatalf("Failed to initialize tracing: %v", err)
	}

	catalog, err := loadCatalog(cfg.TemplatesDir)
	if err != nil {
		logrus.Fatalf("Failed to load templates: %v", err)
	}

	// Initialize components
	engine := comfyui.NewClient(cfg.Engine)
	mirror, err := storage.NewMirror(cfg.Artifact)
	if err != nil {
		logrus.Fatalf("Failed to create artifact mirror: %v", err)
	}
	qm := queue.NewManager(cfg.Redis)
	defer qm.Close()

	newRunner := func() (dispatcher.Runner, error) {
		session, err := pipeline.NewSession(cfg, engine, mirror)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
	runDispatcher := dispatcher.NewDispatcher(qm, catalog, newRunner, cfg.Dispatch)

	logrus.WithFields(logrus.Fields{
		"engine":           engine.Endpoint(),
		"watch_strategy":   cfg.Watch.Strategy,
		"collect_policy":   cfg.Collect.Policy,
		"artifact_backend": cfg.Artifact.Backend,
		"templates":        catalog.Names(),
	}).Info("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server
	router := gin.Default()
	api.NewHandler(qm, catalog, engine, runDispatcher).RegisterRoutes(router)
	relay.NewHandler(cfg.RelayDir).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start queue manager
	g.Go(func() error {
		logrus.Info("Starting queue manager")
		return qm.Start(gctx)
	})

	// Start run dispatcher
	g.Go(func() error {
		logrus.Info("Starting run dispatcher")
		return runDispatcher.Start(gctx)
	})

	// Start server
	g.Go(func() error {
		logrus.Infof("Server starting on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Server shutting down...")

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("Server stopped with error")
	}

	ctxTracing, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(ctxTracing); err != nil {
		logrus.WithError(err).Warn("Failed to flush traces")
	}

	logrus.Info("Server exited")
}

// loadCatalog reads templates from dir, or the embedded catalog when dir is empty
func loadCatalog(dir string) (*workflow.Catalog, error) {
	var fsys fs.FS = templates.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	}
	return workflow.LoadCatalog(fsys)
}
