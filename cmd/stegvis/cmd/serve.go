package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stegvis/stegvis/internal/config"
	"github.com/stegvis/stegvis/internal/flow"
	"github.com/stegvis/stegvis/internal/flowdef"
	"github.com/stegvis/stegvis/internal/observability"
	"github.com/stegvis/stegvis/internal/openapi"
	"github.com/stegvis/stegvis/internal/recalc"
	"github.com/stegvis/stegvis/internal/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the wizard HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stegvis", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Backend OpenAPI spec.
	oaIndex := openapi.NewIndex()
	if cfg.Backend.SpecFile != "" {
		if err := oaIndex.Load(cfg.Backend.SpecFile, cfg.Backend.BaseURL); err != nil {
			logger.Error("OpenAPI index load failed", zap.Error(err))
			return err
		}
	}
	metrics.SetOpenAPIOperationsIndexed(float64(len(oaIndex.AllOperationIDs())))

	// Flow definitions.
	loader := flowdef.NewLoader()
	flows, err := loader.LoadAll(cfg.Flows.Directories)
	if err != nil {
		logger.Error("flow loading failed", zap.Error(err))
		return err
	}

	validator := flowdef.NewValidator()
	verrs := validator.Validate(flows, oaIndex)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("flow validation error", zap.String("error", ve.Error()))
		}
		return fmt.Errorf("flow validation failed with %d errors", len(verrs))
	}

	registry := flowdef.NewRegistry(flows)
	stepCount := 0
	for _, f := range flows {
		stepCount += len(f.Steps)
	}
	metrics.SetFlowsLoaded(float64(len(flows)), float64(stepCount))

	// Session store.
	store, storeCloser, err := buildSessionStore(ctx, cfg.Session.Store, logger)
	if err != nil {
		logger.Error("session store initialization failed", zap.Error(err))
		return err
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	backend := recalc.NewClient(oaIndex, cfg.Backend, logger)
	backend.SetRecorder(metrics)
	engine := flow.NewEngine(registry, store, backend, logger)
	engine.SetRecorder(metrics)

	issuer, err := transport.NewTokenIssuer(cfg.Auth)
	if err != nil {
		logger.Error("token issuer initialization failed", zap.Error(err))
		return err
	}

	checks := observability.ReadinessChecks{
		FlowsLoaded:   func() bool { return len(registry.AllFlows()) > 0 },
		OpenAPILoaded: func() bool { return cfg.Backend.SpecFile == "" || len(oaIndex.AllOperationIDs()) > 0 },
		Backend:       backend,
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		checks.SessionStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:  cfg,
		Engine:  engine,
		Issuer:  issuer,
		Metrics: metrics,
		Checks:  checks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("flows", len(flows)),
		zap.Int("steps", stepCount),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// buildSessionStore creates the session store based on config.
func buildSessionStore(ctx context.Context, cfg config.SessionStoreConfig, logger *zap.Logger) (flow.SessionStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory session store")
		return flow.NewMemorySessionStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("session store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("session store: ping: %w", err)
		}

		return flow.NewPgSessionStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver: %q", cfg.Driver)
	}
}
