package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"allocation-service/config"
	"allocation-service/internal/cache"
	"allocation-service/internal/producer"
	"allocation-service/internal/providers"
	"allocation-service/internal/repository"
	"allocation-service/internal/router"
	"allocation-service/internal/service"
	"allocation-service/pkg/database"
	"allocation-service/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	isDev := os.Getenv("ENV") == "development"
	if err := logger.Init(isDev); err != nil {
		panic(err)
	}

	defer logger.Sync()

	log := logger.L()

	cfg := config.Load(log)
	db := database.ConnectDB(&cfg.DB.Config, log)
	defer database.CloseDB(db, log)

	repos := repository.New(db)
	readModels := providers.New(db)

	var (
		demand      service.DemandProvider  = readModels
		supply      service.SupplyProvider  = readModels
		invalidator service.SnapshotInvalidator
	)
	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			log.Fatal("Не удалось подключиться к Redis", zap.Error(err))
		}
		defer client.Close()

		snap := cache.NewSnapshotCache(client, readModels, readModels,
			time.Duration(cfg.Redis.TTLSeconds)*time.Second, log)
		demand = snap
		supply = snap
		invalidator = snap
	}

	var events service.EventBus
	if cfg.Kafka.Enabled {
		p := producer.NewAllocationEventProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer p.Close()
		events = p
	}

	vcfg := service.DefaultValidatorConfig()
	vcfg.MinQty = cfg.Allocation.MinQty
	vcfg.OverAllocationTolerance = cfg.Allocation.OverAllocationTolerance

	svc := service.NewAllocationService(repos, demand, supply, readModels, vcfg, invalidator, events, log)

	r := router.Router(svc, log)

	srv := &http.Server{
		Addr:    cfg.Port,
		Handler: r,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("Starting Allocation HTTP server", zap.String("addr", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-quit
	log.Info("Shutting down Allocation HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	log.Info("Allocation HTTP server stopped gracefully")
}
