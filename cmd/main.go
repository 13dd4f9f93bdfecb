package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catalog-imager/internal/broker"
	"catalog-imager/internal/logger"
	"catalog-imager/internal/models"
	"catalog-imager/internal/platform/redis"
	"catalog-imager/internal/scraper"
	"catalog-imager/internal/server"
	"catalog-imager/internal/service"
	"catalog-imager/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log := logger.New("Main")

	cfg, err := models.LoadConfig("config.yaml")
	if err != nil {
		log.LogFatal("failed to load config", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.LogFatal("failed to init storage", err)
	}
	defer store.Close()

	health := map[string]server.HealthCheck{"database": store.Ping}

	// redis is optional; without it scrapes are not deduplicated and there
	// is no event stream
	var (
		notifier service.Notifier
		locker   service.Locker
		events   server.EventSource
	)
	if cfg.RedisAddr != "" {
		rdb, err := redis.New(redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.LogFatal("failed to connect to redis", err)
		}
		defer rdb.Close()
		notifier, locker, events = rdb, rdb, rdb
		health["redis"] = rdb.HealthCheck
	}

	lifecycle := service.NewLifecycle(store, notifier)
	aggregator := service.NewAggregator(store, store, cfg.PublicBaseURL)
	gateway := service.NewGateway(lifecycle, store, service.GatewayConfig{
		PublicBaseURL: cfg.PublicBaseURL,
		DefaultLimit:  cfg.PendingDefaultLimit,
		MaxLimit:      cfg.PendingMaxLimit,
	})

	var announcer service.Announcer
	if cfg.KafkaBroker != "" {
		a := broker.NewAnnouncer(cfg.KafkaBroker, cfg.KafkaJobsTopic)
		defer a.Close()
		announcer = a

		consumer := broker.NewResultConsumer(cfg.KafkaBroker, cfg.KafkaResultsTopic, cfg.KafkaGroupID, gateway)
		go consumer.Run(ctx)
	}

	intake := service.NewIntake(store, store,
		scraper.New(scraper.Config{UserAgent: cfg.ScrapeUserAgent, Timeout: cfg.ScrapeTimeout()}),
		service.NewFreshnessPolicy(cfg.CatalogMaxAge()),
		aggregator, announcer, locker, service.IntakeConfig{
			PublicBaseURL:   cfg.PublicBaseURL,
			PricePerImage:   cfg.PricePerImage,
			MinutesPerImage: cfg.MinutesPerImage,
			AllowedHosts:    cfg.AllowedCatalogHosts,
			ScrapeLockTTL:   cfg.ScrapeLockTTL(),
		})

	srv := server.NewServer(cfg, server.Deps{
		Intake:   intake,
		Requests: aggregator,
		Dispatch: gateway,
		Events:   events,
		Health:   health,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.LogFatal("failed to start server", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.LogInfo("shutting down")

	cancel()
	stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Stop(stopCtx); err != nil {
		log.LogError("server shutdown", err)
	}
}

func openStore(ctx context.Context, cfg *models.Config) (service.Store, error) {
	if cfg.DatabaseDriver == "postgres" {
		return storage.NewPostgres(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	}
	return storage.NewSQLite(cfg.SQLitePath)
}
