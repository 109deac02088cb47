package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/services"
	httphandlers "meshsfu/internal/handlers/http"
	"meshsfu/internal/infrastructure/cluster"
	"meshsfu/internal/infrastructure/loadbalancer"
	"meshsfu/internal/infrastructure/middleware"
	"meshsfu/internal/infrastructure/monitoring"
	"meshsfu/pkg/config"
	"meshsfu/pkg/logger"
	"meshsfu/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.LoadFirst(
		os.Getenv("MESHSFU_CONFIG"),
		"configs/balancer.yaml",
		"configs/config.yaml",
		"/etc/meshsfu/config.yaml",
	)

	log := logger.NewForService(cfg.Logging.Level, "balancer", "")
	defer log.Sync()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshsfu-balancer",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialise tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	// The balancer never registers; it only reads the node list.
	coordinator := cluster.NewCoordinatorClient(cluster.CoordinatorClientConfig{
		URL:     cfg.Coordinator.URL,
		Timeout: cfg.Balancer.HealthTimeout,
	}, "", domain.NodeInfo{}, log)

	balancer := loadbalancer.New(loadbalancer.Config{
		HealthCheckInterval:   cfg.Balancer.HealthCheckInterval,
		HealthTimeout:         cfg.Balancer.HealthTimeout,
		DiscoveryInterval:     cfg.Balancer.DiscoveryInterval,
		MaxConnectionsPerNode: cfg.Balancer.MaxConnectionsPerNode,
	}, cluster.NewHTTPPeerClient(cfg.Balancer.HealthTimeout), coordinator, collector, log)
	go balancer.Run(ctx)

	sticky := loadbalancer.NewStickySessionManager(cfg.Auth.TicketSecret, cfg.Balancer.SessionCookie, cfg.Balancer.SessionMaxAge, false)
	var tickets httphandlers.TicketIssuer
	if cfg.Auth.Enabled {
		tickets = services.NewTicketService(cfg.Auth.TicketSecret, cfg.Auth.TicketTTL)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.AccessLogMiddleware(log, "/health", "/metrics"))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewBalancerHandler(balancer, sticky, tickets, log).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Balancer.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting load balancer", "address", cfg.Balancer.Address, "coordinator", cfg.Coordinator.URL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down load balancer...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("Load balancer stopped")
}
