package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/habbes/sandstorm/internal/cloud"
	k8sprovider "github.com/habbes/sandstorm/internal/cloud/kubernetes"
	"github.com/habbes/sandstorm/internal/config"
	"github.com/habbes/sandstorm/internal/handler"
	"github.com/habbes/sandstorm/internal/lifecycle"
	"github.com/habbes/sandstorm/internal/logx"
	"github.com/habbes/sandstorm/internal/service"
	"github.com/habbes/sandstorm/internal/store"
)

func main() {
	logger, closeLogger, err := logx.Init("sandstorm-orchestrator")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := closeLogger(); err != nil {
			slog.Error("failed to close logger", "error", err)
		}
	}()

	stdLog := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetFlags(0)
	log.SetOutput(stdLog.Writer())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		log.Fatalf("Failed to create cloud provider: %v", err)
	}

	// Registries
	agentStore := store.NewAgentStore()
	sandboxStore := store.NewSandboxStore()
	processStore := store.NewProcessStore()
	pendingStore := store.NewPendingStore()
	templateStore := store.NewTemplateStore()

	drainState := lifecycle.NewDrainManager()

	// Services
	agentSvc := service.NewAgentService(agentStore, sandboxStore, cfg.HeartbeatInterval, cfg.AgentStaleThreshold)
	dispatcher := service.NewDispatcher(agentSvc, agentStore, pendingStore, processStore, drainState, cfg.DefaultCommandTimeout)
	sandboxSvc := service.NewSandboxService(sandboxStore, processStore, agentStore, agentSvc, dispatcher, provider, cfg.Endpoint)
	templateSvc := service.NewTemplateService(templateStore)
	sandboxSvc.SetTemplateService(templateSvc)
	commandSvc := service.NewCommandService(sandboxSvc, dispatcher, processStore)

	agentSvc.StartSweeper(cfg.AgentSweepInterval)
	slog.Info("agent liveness sweeper started",
		"component", "agent_service",
		"interval", cfg.AgentSweepInterval.String(),
		"stale_threshold", cfg.AgentStaleThreshold.String())

	// Handlers
	sandboxHandler := handler.NewSandboxHandler(sandboxSvc, commandSvc)
	templateHandler := handler.NewTemplateHandler(templateSvc)
	agentHandler := handler.NewAgentHandler(agentSvc, dispatcher, processStore, drainState)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.AccessLogMiddleware("api_http"))

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(func(c *gin.Context) {
		if drainState.IsDraining() && c.Request.URL.Path != "/health" && c.Request.URL.Path != "/readyz" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
			return
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if drainState.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	sandboxHandler.RegisterRoutes(api)
	templateHandler.RegisterRoutes(api)

	rpc := r.Group("/rpc")
	agentHandler.RegisterRoutes(rpc)

	srv := &http.Server{
		Addr:        cfg.BindAddr,
		Handler:     r,
		ReadTimeout: 0, // long-lived agent streams share this listener
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("orchestrator starting",
			"component", "http_server",
			"bind_addr", cfg.BindAddr,
			"endpoint", cfg.Endpoint,
			"cloud_provider", cfg.CloudProvider)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down orchestrator...")

	drainState.StartDraining()
	agentSvc.StopSweeper()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
	defer cancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Complete every outstanding Execute with Shutdown, then wait for the
	// tracked streams and waits to unwind.
	dispatcher.Shutdown()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
	defer drainCancel()
	if err := drainState.Wait(drainCtx); err != nil {
		log.Printf("Drained with timeout, remaining active streams/waits: %d", drainState.Active())
	}

	log.Println("Orchestrator stopped")
}

func buildProvider(cfg *config.Config) (cloud.Provider, error) {
	switch cfg.CloudProvider {
	case config.ProviderKubernetes:
		provider, err := k8sprovider.NewProvider(k8sprovider.Config{
			KubeconfigPath: cfg.KubeconfigPath,
			Namespace:      cfg.SandboxNamespace,
		})
		if err != nil {
			return nil, err
		}
		if err := provider.EnsureNamespace(context.Background()); err != nil {
			return nil, err
		}
		slog.Info("sandbox namespace ensured", "component", "k8s", "namespace", provider.Namespace())
		return provider, nil
	default:
		slog.Info("using in-memory cloud provider", "component", "cloud")
		return cloud.NewMemoryProvider(), nil
	}
}
