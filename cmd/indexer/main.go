package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
	"github.com/chainlens/streaming-indexer/infrastructure/logging"
	"github.com/chainlens/streaming-indexer/infrastructure/middleware"
	"github.com/chainlens/streaming-indexer/services/indexer"
	"github.com/chainlens/streaming-indexer/storage/memory"
	"github.com/chainlens/streaming-indexer/storage/postgres"
	"github.com/chainlens/streaming-indexer/subscription"
)

func main() {
	log := logrus.WithField("app", "streaming-indexer")

	cfg, err := indexer.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeRepo, err := buildRepository(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("build repository")
	}
	defer closeRepo()

	endpoints := buildEndpoints(cfg)
	resolvers, err := buildResolvers(cfg, endpoints)
	if err != nil {
		log.WithError(err).Fatal("build subscription resolvers")
	}

	registry := prometheus.NewRegistry()
	svc, err := indexer.NewService(cfg, repo, endpoints, resolvers, registry)
	if err != nil {
		log.WithError(err).Fatal("create service")
	}
	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Fatal("start service")
	}

	appLogger := logging.NewFromEnv("indexer")

	controlRouter := mux.NewRouter()
	controlRouter.Use(middleware.LoggingMiddleware(appLogger))
	indexer.NewHandlers(svc).Register(controlRouter)
	controlServer := startHTTPServer(cfg.ControlAddr, controlRouter, log.WithField("surface", "control"))

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := startHTTPServer(cfg.MetricsAddr, metricsRouter, log.WithField("surface", "metrics"))

	healthJob := cron.New()
	if _, err := healthJob.AddFunc(fmt.Sprintf("@every %s", cfg.HealthSnapshotInterval), func() {
		snap := svc.HealthSnapshot()
		log.WithField("state", snap.State).WithField("chains", len(snap.Chains)).Info("health snapshot")
	}); err != nil {
		log.WithError(err).Fatal("schedule health snapshot job")
	}
	healthJob.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	healthJob.Stop()
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("control server shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server shutdown")
	}
	svc.Stop()
}

// buildEndpoints collects the configured RPC endpoint lists into the map
// NewService expects, omitting any chain with no endpoints configured.
func buildEndpoints(cfg *indexer.Config) indexer.ChainEndpoints {
	endpoints := indexer.ChainEndpoints{}
	if cfg.EthereumRPCURLs != "" {
		endpoints[chain.Ethereum] = cfg.EthereumRPCURLs
	}
	if cfg.LiskRPCURLs != "" {
		endpoints[chain.Lisk] = cfg.LiskRPCURLs
	}
	if cfg.StarknetRPCURLs != "" {
		endpoints[chain.Starknet] = cfg.StarknetRPCURLs
	}
	return endpoints
}

// buildRepository selects the storage backend per cfg.StorageBackend and
// returns a cleanup function to call on shutdown.
func buildRepository(ctx context.Context, cfg *indexer.Config) (indexer.Repository, func(), error) {
	switch cfg.StorageBackend {
	case "postgres":
		repo, err := postgres.Open(ctx, postgres.Config{
			DSN:            cfg.PostgresDSN(),
			MigrationsPath: "storage/postgres/migrations",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres repository: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}

// buildResolvers constructs one Subscriptions resolver per chain that has
// both a configured RPC endpoint and a subscription registry contract
// address; a chain missing either gets no resolver, which ResolveTier treats
// as an always-Free fallback.
func buildResolvers(cfg *indexer.Config, endpoints indexer.ChainEndpoints) (map[chain.ChainID]indexer.Subscriptions, error) {
	registryByChain := map[chain.ChainID]string{
		chain.Ethereum: cfg.SubscriptionContractEthereum,
		chain.Lisk:     cfg.SubscriptionContractLisk,
		chain.Starknet: cfg.SubscriptionContractStarknet,
	}

	resolvers := make(map[chain.ChainID]indexer.Subscriptions, len(registryByChain))
	for id, registryAddress := range registryByChain {
		csv, hasEndpoint := endpoints[id]
		if !hasEndpoint || registryAddress == "" {
			continue
		}

		pool, err := chain.NewRPCPool(cfg.RPCPoolConfig(chain.ParseEndpoints(csv)))
		if err != nil {
			return nil, fmt.Errorf("subscription rpc pool for %s: %w", id, err)
		}
		resolvers[id] = subscription.NewResolver(pool, registryAddress, cfg.RPCMaxRetries)
	}
	return resolvers, nil
}

// startHTTPServer binds addr and serves router in the background, logging
// (not panicking) on any error other than a clean shutdown.
func startHTTPServer(addr string, router *mux.Router, log *logrus.Entry) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).Fatalf("listen on %s", addr)
	}

	go func() {
		log.WithField("addr", ln.Addr().String()).Info("http surface listening")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server error")
		}
	}()
	return server
}
