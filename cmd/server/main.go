// Folio - portfolio Q&A agent server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/folio-agent/internal/agent"
	"github.com/ashureev/folio-agent/internal/api"
	"github.com/ashureev/folio-agent/internal/config"
	"github.com/ashureev/folio-agent/internal/identity"
	"github.com/ashureev/folio-agent/internal/llm"
	"github.com/ashureev/folio-agent/internal/middleware"
	"github.com/ashureev/folio-agent/internal/portfolio"
	"github.com/ashureev/folio-agent/internal/retention"
	"github.com/ashureev/folio-agent/internal/store"
	"github.com/ashureev/folio-agent/internal/tooling"
	"github.com/ashureev/folio-agent/internal/tools"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := cfg.NewLogger(os.Stdout)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"llm_provider", cfg.LLM.Provider, "portfolio_provider", cfg.Portfolio.Provider)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	healthHandler := api.NewHealthHandler(repo, 5*time.Second)

	backend, err := newPortfolioBackend(cfg, logger, healthHandler)
	if err != nil {
		slog.Error("Failed to initialize portfolio provider", "error", err)
		os.Exit(1)
	}

	registry := tooling.New(logger)
	if err := tools.Register(registry, tools.Deps{Portfolio: backend, Goals: repo, Logger: logger}); err != nil {
		slog.Error("Failed to register tools", "error", err)
		os.Exit(1)
	}
	slog.Info("Tools registered", "count", len(registry.Describe()))

	reasoner, err := newReasoner(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize reasoner", "error", err)
		os.Exit(1)
	}

	loop, err := agent.NewLoop(reasoner, registry, cfg.Loop, cfg.Pricing, logger)
	if err != nil {
		slog.Error("Failed to initialize agent loop", "error", err)
		os.Exit(1)
	}

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	svc := agent.NewService(loop, registry, repo, conversationLogger, logger)
	agentHandler := agent.NewHandler(svc, cfg, logger)
	defer agentHandler.Close()

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	agentHandler.RegisterRoutes(r)

	// Streaming responses outlive any fixed write deadline; keepalives hold
	// the connection open instead.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retentionDone := retention.NewWorker(repo, cfg.Retention.MaxIdle, cfg.Retention.Interval, logger).Start(ctx)
	slog.Info("Retention worker started", "max_idle", cfg.Retention.MaxIdle)

	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "error", err)
			os.Exit(1)
		}
		grpcHealth := api.NewGRPCHealth(healthHandler, 15*time.Second, logger)
		go func() {
			if err := grpcHealth.Serve(ctx, lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	<-retentionDone

	slog.Info("Server stopped successfully")
}

func newPortfolioBackend(cfg *config.Config, logger *slog.Logger, health *api.HealthHandler) (portfolio.Backend, error) {
	switch cfg.Portfolio.Provider {
	case "ghostfolio":
		gf := portfolio.NewGhostfolioClient(cfg.Portfolio.BaseURL, cfg.Portfolio.Token, cfg.Portfolio.Timeout, logger)
		health.AddCheck("portfolio", api.PingFunc(func(ctx context.Context) error {
			_, err := gf.Benchmarks(ctx)
			return err
		}))
		return gf, nil
	default:
		return portfolio.NewStaticProvider()
	}
}

func newReasoner(cfg *config.Config, logger *slog.Logger) (llm.Reasoner, error) {
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "rules" {
		return llm.NewRulesReasoner(), nil
	}
	return llm.NewModelReasoner(cfg.LLM, logger)
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(cfg.FrontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
