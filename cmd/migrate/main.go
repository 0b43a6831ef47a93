package main

import (
	"context"
	"os"

	"allocation-service/config"
	"allocation-service/internal/migrate"
	"allocation-service/pkg/database"
	"allocation-service/pkg/logger"

	"go.uber.org/zap"

	"github.com/joho/godotenv"
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

	db := database.ConnectDBForMigration(&cfg.DB.Config, log)
	defer database.CloseDB(db, log)

	ctx := context.Background()

	opts := migrate.DefaultMigrateOptions()
	// Локально read-модели создаём сами; в проде их ведёт репликация
	opts.CreateReadModels = isDev || os.Getenv("MIGRATE_READ_MODELS") == "true"

	if err := migrate.MigrateAllocationDB(ctx, db, log, opts); err != nil {
		log.Fatal("Ошибка при выполнении миграции", zap.Error(err))
	}

	log.Info("Миграция успешно завершена")
}
