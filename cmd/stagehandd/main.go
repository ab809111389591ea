// Stagehandd is the task orchestration daemon.
//
// This binary starts the stagehand HTTP server with full service
// initialization: knowledge stores, inference gateway, refinement
// orchestrator, pipeline, and engine.
//
// Configuration is loaded from a YAML file plus STAGEHAND_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	stagehandd
//
//	# Point at a config file
//	stagehandd -config /etc/stagehand/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/checkpoint"
	"github.com/fyrsmithlabs/stagehand/internal/classifier"
	"github.com/fyrsmithlabs/stagehand/internal/commit"
	"github.com/fyrsmithlabs/stagehand/internal/config"
	"github.com/fyrsmithlabs/stagehand/internal/engine"
	"github.com/fyrsmithlabs/stagehand/internal/gateway"
	"github.com/fyrsmithlabs/stagehand/internal/knowledge"
	"github.com/fyrsmithlabs/stagehand/internal/logging"
	"github.com/fyrsmithlabs/stagehand/internal/pipeline"
	"github.com/fyrsmithlabs/stagehand/internal/refinement"
	"github.com/fyrsmithlabs/stagehand/internal/server"
	"github.com/fyrsmithlabs/stagehand/internal/tools"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("stagehandd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize structured logging
//  3. Connect infrastructure (NATS, knowledge stores)
//  4. Build the gateway, refinement, pipeline, and engine services
//  5. Start the HTTP server
//  6. Graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting stagehandd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info(ctx, "dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn != nil),
		zap.String("knowledge_path", cfg.Knowledge.Path))

	eng := initEngine(cfg, deps, logger)

	srv, err := server.New(cfg.Server, eng, logger)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "engine shutdown incomplete", zap.Error(err))
	}
	return srv.Shutdown(shutdownCtx)
}

// dependencies holds the infrastructure layer.
type dependencies struct {
	natsConn *nats.Conn
	audit    *knowledge.AuditLog
	private  *knowledge.PrivateStore
	shared   *knowledge.SharedStore
	writer   knowledge.SharedWriter
	gw       gateway.Gateway
	logger   *logging.Logger
}

// Close releases infrastructure resources.
func (d *dependencies) Close() {
	if d.audit != nil {
		_ = d.audit.Close()
	}
	if d.private != nil {
		d.private.Close()
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
}

func initDependencies(cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		var err error
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		logger.Info(context.Background(), "connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	audit, err := knowledge.NewAuditLog(cfg.Knowledge.AuditPath, nc, logger)
	if err != nil {
		if nc != nil {
			nc.Close()
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	shared, writer, err := knowledge.NewSharedStore(knowledge.SharedConfig{
		Path:     cfg.Knowledge.Path,
		Compress: cfg.Knowledge.Compress,
	}, logger)
	if err != nil {
		_ = audit.Close()
		if nc != nil {
			nc.Close()
		}
		return nil, fmt.Errorf("open shared store: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		Provider:   cfg.Gateway.Provider,
		APIKey:     cfg.Gateway.APIKey,
		Model:      cfg.Gateway.Model,
		BaseURL:    cfg.Gateway.BaseURL,
		Timeout:    cfg.Gateway.Timeout,
		MaxRetries: cfg.Gateway.MaxRetries,
		RateLimit:  cfg.Gateway.RateLimit,
		Burst:      cfg.Gateway.Burst,
	})
	if err != nil {
		_ = audit.Close()
		if nc != nil {
			nc.Close()
		}
		return nil, fmt.Errorf("create inference gateway: %w", err)
	}

	return &dependencies{
		natsConn: nc,
		audit:    audit,
		private:  knowledge.NewPrivateStore(cfg.Knowledge.PrivateTTL, logger),
		shared:   shared,
		writer:   writer,
		gw:       gw,
		logger:   logger,
	}, nil
}

// initEngine wires the business services. The shared writer is handed
// to the commit gate and nothing else.
func initEngine(cfg *config.Config, deps *dependencies, logger *logging.Logger) *engine.Engine {
	pairEngine := refinement.NewPairEngine(deps.gw, deps.audit, cfg.Refinement.IterationTimeout, logger)
	resolver := refinement.NewConflictResolver(deps.gw, deps.audit, logger)
	orchestrator := refinement.NewOrchestrator(cfg.Refinement, pairEngine, resolver, deps.private, deps.audit, logger)

	registry := tools.NewRegistry(logger)

	handlers := pipeline.NewHandlers(cfg.Engine, deps.gw, registry, deps.private, deps.shared, orchestrator, logger)
	gate := commit.NewGate(deps.writer, deps.audit, logger)
	guard := pipeline.NewReplanGuard(cfg.Engine.ReplanBound, cfg.Engine.ReplanPolicy)
	scheduler := checkpoint.New(cfg.Checkpoint, nil, logger)
	runner := pipeline.NewRunner(cfg.Engine, handlers, guard, scheduler, gate, deps.audit, deps.private, logger)

	return engine.New(runner, classifier.New(deps.gw, logger), logger)
}
