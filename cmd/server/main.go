package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/delivery-sync/internal/api"
	"github.com/ignite/delivery-sync/internal/bouncescan"
	"github.com/ignite/delivery-sync/internal/config"
	"github.com/ignite/delivery-sync/internal/domain"
	"github.com/ignite/delivery-sync/internal/engine"
	"github.com/ignite/delivery-sync/internal/ingest"
	"github.com/ignite/delivery-sync/internal/metrics"
	"github.com/ignite/delivery-sync/internal/pkg/distlock"
	"github.com/ignite/delivery-sync/internal/pkg/httpretry"
	"github.com/ignite/delivery-sync/internal/pkg/logger"
	"github.com/ignite/delivery-sync/internal/relaylog"
	"github.com/ignite/delivery-sync/internal/status"
	"github.com/ignite/delivery-sync/internal/store"
	"github.com/ignite/delivery-sync/internal/webhook"
)

// checkPortAvailable verifies the target port is free before wiring
// everything else, so a stale process fails the start early.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		logger.Error("config load failed", "err", err.Error())
		os.Exit(1)
	}

	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		logger.Error("port check failed", "err", err.Error())
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("database open failed", "err", err.Error())
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	defer db.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		logger.Error("database ping failed", "err", err.Error())
		os.Exit(1)
	}
	cancelPing()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Store layer.
	tracking := store.NewTrackingStore(db)
	checkpoints := store.NewCheckpointStore(rdb, "")

	// Relay log source with retrying HTTP client.
	httpClient := &http.Client{Timeout: cfg.Relay.Timeout()}
	retryClient := httpretry.NewRetryClient(httpClient, cfg.Relay.MaxRetries)
	logClient := relaylog.NewClient(cfg.Relay.BaseURL, cfg.Relay.APIKey, retryClient)

	resolver := relaylog.NewQueueIDResolver(cfg.Sync.CacheMaxEntries, cfg.Sync.CacheTTL())
	parser := relaylog.NewParser(resolver, cfg.Sync.CacheMaxEntries, cfg.Sync.CacheTTL())

	// Conflict ranking, with config overrides layered on defaults.
	ranking := status.DefaultTrustRanking()
	for source, trust := range cfg.Trust {
		ranking[domain.Source(source)] = trust
	}

	pipeline := ingest.NewPipeline(tracking, status.NewMachine(), status.NewResolver(ranking),
		cfg.Sync.CacheMaxEntries, cfg.Sync.CacheTTL(), cfg.Sync.EmailMatchWindow())

	ingestor := ingest.NewIngestor(logClient, parser, resolver, pipeline, tracking, checkpoints,
		ingest.Config{
			Kind:         cfg.Relay.LogKind,
			PageSize:     cfg.Sync.PageSize,
			MaxTotal:     cfg.Sync.MaxEntriesPerCycle,
			FlushSize:    cfg.Sync.FlushSize,
			PageInterval: cfg.Sync.PageInterval(),
			Lookback:     cfg.Sync.Lookback(),
		})

	aggregator := metrics.NewAggregator(db)

	var scanner *bouncescan.Scanner
	if cfg.Bounces.Enabled {
		scanner = bouncescan.NewScanner(bouncescan.NewMaildirMailbox(cfg.Bounces.MaildirDir))
	}

	var lock distlock.DistLock
	if cfg.Sync.DistributedLock {
		lock = distlock.NewRedisLock(rdb, "delivery_sync:lock", 2*cfg.Sync.Interval())
	}

	orch := engine.New(engine.Options{
		Ingestor:         ingestor,
		Pipeline:         pipeline,
		Persister:        tracking,
		Checkpoints:      checkpoints,
		Normalizer:       webhook.NewNormalizer(cfg.Webhooks.RelaySecret, cfg.Webhooks.ESPSecret),
		Resolver:         resolver,
		Parser:           parser,
		Scanner:          scanner,
		Debouncer:        metrics.NewDebouncer(aggregator),
		Lock:             lock,
		PollInterval:     cfg.Sync.Interval(),
		EvictionInterval: cfg.Sync.EvictionInterval(),
		BounceScanLimit:  cfg.Bounces.ScanLimit,
	})

	server := api.NewServer(cfg.Server.Host, cfg.Server.Port, orch, aggregator)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go orch.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "err", err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "err", err.Error())
	}
	logger.Info("server stopped")
}
