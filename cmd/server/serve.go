package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"ai-workflows/backend/internal/api"
	"ai-workflows/backend/internal/auth"
	"ai-workflows/backend/internal/chain"
	"ai-workflows/backend/internal/config"
	"ai-workflows/backend/internal/mcp"
	"ai-workflows/backend/internal/orchestrator"
	"ai-workflows/backend/internal/provider"
	"ai-workflows/backend/internal/services"
	"ai-workflows/backend/internal/tasks"
	"ai-workflows/backend/internal/telemetry"
	devtls "ai-workflows/backend/internal/tls"
)

const serviceName = "ai-workflows"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the workflow HTTP API and MCP endpoint",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"okta_domain", cfg.Auth.OktaDomain,
		"providers", len(cfg.Providers),
		"profiles", len(cfg.Profiles),
	)
	tel := telemetry.New()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// Providers and tools
	providers, gatewayOpts, err := provider.FromConfig(cfg.Providers)
	if err != nil {
		return err
	}
	var content services.ContentSource
	tools := provider.NewToolRegistry()
	if cfg.Content.BaseURL != "" {
		content = services.NewHTTPContentSource(cfg.Content.BaseURL, cfg.Content.Timeout)
		if _, err := tools.Register(services.ContentTool(content)); err != nil {
			return err
		}
	}
	gatewayOpts = append(gatewayOpts,
		provider.WithTools(tools.Freeze()),
		provider.WithLogger(logger),
		provider.WithTelemetry(tel),
	)
	if len(cfg.MCPServers) > 0 {
		hub := provider.NewMCPHub(provider.HubServers(cfg.MCPServers), logger)
		defer hub.Close()
		gatewayOpts = append(gatewayOpts, provider.WithMCPHub(hub))
	}
	gateway := provider.NewGateway(providers, gatewayOpts...)

	// Orchestration
	runner := tasks.NewLocalRunner(st.tasks, cfg.Tasks.MaxConcurrent,
		tasks.WithLogger(logger), tasks.WithTelemetry(tel), tasks.WithLease(cfg.Tasks.Lease))
	resolver := services.NewConfigResolver(cfg.Profiles)
	orch, err := orchestrator.New(resolver, cfg.Profiles, chain.NewRegistry(), chain.Deps{
		Sessions:       st.sessions,
		Gateway:        gateway,
		Content:        content,
		Prompts:        cfg.Prompts,
		MaxRecordBytes: cfg.Session.MaxRecordBytes,
		Log:            logger,
	}, runner,
		orchestrator.WithLogger(logger),
		orchestrator.WithTelemetry(tel),
		orchestrator.WithDefaultPageSize(cfg.Session.DefaultPageSize),
		orchestrator.WithMaxPageSize(cfg.Session.MaxPageSize),
		orchestrator.WithDedupeWindow(cfg.Tasks.DedupeWindow),
	)
	if err != nil {
		return fmt.Errorf("load workflow profiles: %w", err)
	}
	logger.Info("Service layer initialized")

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	handler := api.NewHandler(orch, resolver, api.StreamConfig{
		QueueSize:        cfg.Stream.QueueSize,
		MinFlushInterval: cfg.Stream.MinFlushInterval,
	}, logger, tel)
	e.GET("/healthz", handler.HandleHealth)
	e.GET("/openapi.yaml", api.SpecHandler(cfg.Server.BasePath, cfg.Auth.OktaDomain))

	requireAuth := echo.WrapMiddleware(authz.RequireAuth)
	apiGroup := e.Group("/"+cfg.Server.BasePath, requireAuth)
	api.RegisterHandlers(apiGroup, handler)
	logger.Info("REST API handlers mounted", "base_path", cfg.Server.BasePath)

	mcpServer := mcp.NewServer(orch, tasks.NewPoller(runner, tasks.DefaultPolicy), api.Version)
	e.Any("/mcp", echo.WrapHandler(mcp.NewHTTPHandler(mcpServer.GetMCPServer(), "/mcp")), requireAuth)
	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		tlsCfg := cfg.Server.TLS
		logger.Info("Server starting", "address", cfg.Server.Addr, "tls", tlsCfg.Enable)
		if !tlsCfg.Enable {
			serverErrors <- server.ListenAndServe()
			return
		}
		created, err := devtls.EnsureCertificate(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.Hostnames)
		if err != nil {
			serverErrors <- fmt.Errorf("prepare certificate: %w", err)
			return
		}
		if created {
			logger.Warn("Generated self-signed certificate", "cert_file", tlsCfg.CertFile, "hostnames", tlsCfg.Hostnames)
		}
		serverErrors <- server.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
		if err := runner.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Background tasks still running at exit", "error", err)
		}
		logger.Info("Server stopped gracefully")
	}
	return nil
}
