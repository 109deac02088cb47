package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/services"
	httphandlers "meshsfu/internal/handlers/http"
	"meshsfu/internal/infrastructure/cluster"
	"meshsfu/internal/infrastructure/events"
	"meshsfu/internal/infrastructure/middleware"
	"meshsfu/internal/infrastructure/monitoring"
	"meshsfu/internal/infrastructure/reliability"
	repositories "meshsfu/internal/infrastructure/repositories"
	wssignal "meshsfu/internal/infrastructure/signal"
	mediawebrtc "meshsfu/internal/infrastructure/webrtc"
	"meshsfu/pkg/circuitbreaker"
	"meshsfu/pkg/config"
	"meshsfu/pkg/logger"
	"meshsfu/pkg/retry"
	"meshsfu/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.LoadFirst(
		os.Getenv("MESHSFU_CONFIG"),
		"configs/node.yaml",
		"configs/config.yaml",
		"/etc/meshsfu/config.yaml",
	)
	nodeID := domain.NodeID(cfg.Node.ID)

	log := logger.NewForService(cfg.Logging.Level, "node", cfg.Node.ID)
	defer log.Sync()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshsfu-node",
		NodeID:      cfg.Node.ID,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialise tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared mesh backends: Redis when enabled, in-process otherwise
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	store := repoFactory.CreateMeshStore()
	locker := repoFactory.CreateLocker()
	clusterBus := repoFactory.CreateClusterBus()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	// Media engine and the transport facade in front of it
	engine, err := mediawebrtc.NewEngine(mediawebrtc.EngineConfig{
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
		Codecs:      cfg.Media.Codecs,
		PortMin:     cfg.Media.RelayPortRange.Min,
		PortMax:     cfg.Media.RelayPortRange.Max,
	}, log)
	if err != nil {
		log.Fatalw("Failed to create media engine", "error", err)
	}
	facade, err := services.NewTransportFacade(ctx, engine, services.FacadeConfig{
		MaxIncomingBitrate:              cfg.Media.MaxIncomingBitrate,
		InitialAvailableOutgoingBitrate: cfg.Media.InitialAvailableOutgoingBitrate,
	}, log)
	if err != nil {
		log.Fatalw("Failed to create router", "error", err)
	}

	bus := events.NewBus()
	registry := services.NewRoomRegistry(bus, log)

	// Cluster membership and node-to-node calls
	coordinator := cluster.NewCoordinatorClient(cluster.CoordinatorClientConfig{
		URL:               cfg.Coordinator.URL,
		HeartbeatInterval: cfg.Coordinator.HeartbeatInterval,
		RetryInterval:     cfg.Coordinator.RetryInterval,
		Timeout:           cfg.Mesh.PeerTimeout,
	}, nodeID, domain.NodeInfo{
		Host:     cfg.Node.Host,
		Port:     cfg.Node.Port,
		Capacity: cfg.Node.Capacity,
	}, log)
	directory := cluster.NewCachedDirectory(nodeID, coordinator, cfg.Mesh.PeerCacheTTL)
	defer directory.Close()

	peers := reliability.NewPeerClient(
		cluster.NewHTTPPeerClient(cfg.Mesh.PeerTimeout),
		retry.Config{
			Enabled:      cfg.Reliability.Retry.Enabled,
			MaxAttempts:  cfg.Reliability.Retry.MaxAttempts,
			InitialDelay: cfg.Reliability.Retry.InitialDelay,
			MaxDelay:     cfg.Reliability.Retry.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
		circuitbreaker.Config{
			FailureThreshold:    cfg.Reliability.Breaker.FailureThreshold,
			SuccessThreshold:    cfg.Reliability.Breaker.SuccessThreshold,
			Timeout:             cfg.Reliability.Breaker.Timeout,
			MaxRequestsHalfOpen: 1,
		},
		collector,
		log,
	)

	// Mesh services
	relay := services.NewRelayService(nodeID, facade, registry, directory, peers, locker, collector, log)
	fanout := services.NewFanOutService(nodeID, facade, registry, store, directory, peers, locker, collector,
		services.FanOutConfig{Concurrency: cfg.Mesh.FanOutConcurrency}, log)
	links := services.NewLinkService(nodeID, facade, store, directory, peers, locker, collector, log)
	sessions := services.NewSessionService(nodeID, facade, registry, fanout, collector, log)

	wsServer := wssignal.NewWebSocketServer(sessions, bus, wssignal.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSizeBytes,
	}, collector, log)

	// Monitoring: resource sampling, heartbeat payload, readiness checks
	var usage monitoring.UsageSource
	sampler, err := monitoring.NewResourceSampler("", log)
	if err != nil {
		log.Warnw("Resource sampling unavailable", "error", err)
	} else {
		sampler.OnSample(collector.SetResources)
		usage = sampler
		go sampler.Run(ctx, cfg.Monitoring.StatsInterval)
	}
	reporter := monitoring.NewNodeReporter(nodeID, registry, facade, usage, wsServer.Connections)

	healthChecker := monitoring.NewHealthChecker(log)
	healthChecker.AddPingCheck("mesh_store", store, 30*time.Second, 2*time.Second)
	healthChecker.AddCheck("coordinator", func(context.Context) error {
		if !coordinator.Registered() {
			return domain.ErrPeerUnreachable
		}
		return nil
	}, 30*time.Second, time.Second)
	healthChecker.StartBackgroundChecks(ctx)

	// Peers announce their departure; drop everything that referenced them.
	err = clusterBus.SubscribeNodeLeft(ctx, func(e domain.NodeLeft) {
		log.Infow("Peer left the mesh", "peer_id", e.NodeID)
		directory.Invalidate()
		peers.ResetPeer(e.NodeID)
		closed := relay.CloseReplicasFrom(ctx, e.NodeID)
		if err := fanout.ForgetTarget(ctx, e.NodeID); err != nil {
			log.Warnw("Failed to forget departed peer", "peer_id", e.NodeID, "error", err)
		}
		if err := links.DropPeer(ctx, e.NodeID); err != nil {
			log.Warnw("Failed to drop relay link", "peer_id", e.NodeID, "error", err)
		}
		log.Infow("Cleaned up departed peer", "peer_id", e.NodeID, "replicas_closed", closed)
	})
	if err != nil {
		log.Fatalw("Failed to subscribe to cluster events", "error", err)
	}

	// HTTP surface
	handlerCfg := httphandlers.NodeHandlerConfig{NodeID: nodeID}
	if cfg.Auth.Enabled {
		tickets := services.NewTicketService(cfg.Auth.TicketSecret, cfg.Auth.TicketTTL)
		handlerCfg.TicketAuth = middleware.TicketAuthMiddleware(tickets, nodeID)
	}
	nodeHandler := httphandlers.NewNodeHandler(handlerCfg, sessions, registry, facade, reporter, healthChecker, wsServer, log)
	relayHandler := httphandlers.NewRelayHandler(relay, fanout, links, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.AccessLogMiddleware(log, "/health", "/metrics"))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	nodeHandler.SetupRoutes(router)
	relayHandler.SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Node.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting media node", "address", cfg.Node.Address, "redis", repoFactory.UsingRedis())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Start from a clean slate: state left behind by a previous run of this
	// node id refers to transports that no longer exist.
	if err := links.ClearNodeState(ctx); err != nil {
		log.Warnw("Failed to clear stale mesh state", "error", err)
	}
	if _, err := coordinator.RegisterWithRetry(ctx); err != nil {
		log.Fatalw("Failed to register with coordinator", "error", err)
	}
	go coordinator.Run(ctx, reporter)
	go wsServer.Run(ctx)

	go func() {
		report, err := links.EnsureLinks(ctx)
		if err != nil {
			log.Warnw("Initial relay link bootstrap failed", "error", err)
		} else {
			log.Infow("Relay links bootstrapped",
				"established", len(report.Established),
				"existing", len(report.Existing),
				"failed", len(report.Failed),
			)
		}
		if cfg.Mesh.SyncOnStartup {
			if err := fanout.SyncFromPeers(ctx); err != nil {
				log.Warnw("Late-joiner sync incomplete", "error", err)
			}
		}
		links.Run(ctx, cfg.Mesh.LinkCheckInterval)
	}()
	go relay.Run(ctx, cfg.Mesh.LinkCheckInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down media node...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Tell peers first so they stop consuming from this node.
	if err := clusterBus.PublishNodeLeft(shutdownCtx, nodeID); err != nil {
		log.Warnw("Failed to announce departure", "error", err)
	}
	if err := coordinator.Deregister(shutdownCtx); err != nil {
		log.Warnw("Failed to deregister from coordinator", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	cancel()
	wsServer.Close()
	sessions.Close()
	facade.Close(shutdownCtx)
	if err := engine.Close(); err != nil {
		log.Errorw("Error closing media engine", "error", err)
	}

	if err := clusterBus.Close(); err != nil {
		log.Errorw("Error closing cluster bus", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("Media node stopped")
}
