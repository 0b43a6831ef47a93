package migrate

import (
	"context"

	"allocation-service/internal/models"
	"allocation-service/internal/providers"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type MigrateOptions struct {
	CreateExtensions bool // pgcrypto
	CreateChecks     bool // CHECK-constraint'ы
	CreateIndexes    bool // индексы и UNIQUE
	CreateFKsViaSQL  bool // FK через Exec после AutoMigrate
	// CreateReadModels создаёт реплицированные таблицы спроса/снабжения/доставок.
	// В проде их ведёт пайплайн репликации; включается для dev и тестов.
	CreateReadModels bool
}

func DefaultMigrateOptions() MigrateOptions {
	return MigrateOptions{
		CreateExtensions: true,
		CreateChecks:     true,
		CreateIndexes:    true,
		CreateFKsViaSQL:  true,
		CreateReadModels: false,
	}
}

func MigrateAllocationDB(ctx context.Context, db *gorm.DB, log *zap.Logger, opt MigrateOptions) error {
	log.Info("Начало миграции базы аллокаций")

	// Расширения
	if opt.CreateExtensions {
		log.Info("Создание расширений PostgreSQL")
		if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS pgcrypto`).Error; err != nil {
			log.Error("pgcrypto error", zap.Error(err))
			return err
		}
		log.Info("Расширения созданы")
	}

	// Таблицы
	log.Info("Создание таблиц: users, allocation_plans, allocation_details, allocation_cancellations")
	if err := db.AutoMigrate(
		&models.User{},
		&models.AllocationPlan{},
		&models.AllocationDetail{},
		&models.AllocationCancellation{},
	); err != nil {
		log.Error("AutoMigrate error", zap.Error(err))
		return err
	}
	log.Info("Таблицы созданы")

	if opt.CreateReadModels {
		log.Info("Создание реплицированных read-моделей: demand_lines, supply_sources, allocation_deliveries")
		if err := db.AutoMigrate(providers.ReadModels()...); err != nil {
			log.Error("AutoMigrate read models error", zap.Error(err))
			return err
		}
	}

	// CHECK-и
	if opt.CreateChecks {
		log.Info("Создание CHECK-ограничений")

		// Количества — строго положительные
		if err := db.Exec(`
ALTER TABLE allocation_details
	DROP CONSTRAINT IF EXISTS chk_allocation_details_qty_gt_zero,
	ADD CONSTRAINT chk_allocation_details_qty_gt_zero
	CHECK (requested_qty > 0 AND allocated_qty > 0);
`).Error; err != nil {
			log.Error("chk details.qty", zap.Error(err))
			return err
		}

		if err := db.Exec(`
ALTER TABLE allocation_cancellations
	DROP CONSTRAINT IF EXISTS chk_allocation_cancellations_qty_gt_zero,
	ADD CONSTRAINT chk_allocation_cancellations_qty_gt_zero
	CHECK (cancelled_qty > 0);
`).Error; err != nil {
			log.Error("chk cancellations.qty", zap.Error(err))
			return err
		}

		// Допустимые статусы и режимы
		if err := db.Exec(`
ALTER TABLE allocation_details
	DROP CONSTRAINT IF EXISTS chk_allocation_details_mode_allowed,
	ADD CONSTRAINT chk_allocation_details_mode_allowed
	CHECK (allocation_mode IN ('SOFT','HARD'));
`).Error; err != nil {
			log.Error("chk details.mode", zap.Error(err))
			return err
		}

		if err := db.Exec(`
ALTER TABLE allocation_details
	DROP CONSTRAINT IF EXISTS chk_allocation_details_status_allowed,
	ADD CONSTRAINT chk_allocation_details_status_allowed
	CHECK (status IN ('ALLOCATED'));
`).Error; err != nil {
			log.Error("chk details.status", zap.Error(err))
			return err
		}

		if err := db.Exec(`
ALTER TABLE allocation_cancellations
	DROP CONSTRAINT IF EXISTS chk_allocation_cancellations_status_allowed,
	ADD CONSTRAINT chk_allocation_cancellations_status_allowed
	CHECK (status IN ('ACTIVE','REVERSED'));
`).Error; err != nil {
			log.Error("chk cancellations.status", zap.Error(err))
			return err
		}

		if err := db.Exec(`
ALTER TABLE allocation_cancellations
	DROP CONSTRAINT IF EXISTS chk_allocation_cancellations_category_allowed,
	ADD CONSTRAINT chk_allocation_cancellations_category_allowed
	CHECK (reason_category IN ('CUSTOMER_REQUEST','SUPPLY_ISSUE','DATA_CORRECTION','DEMAND_CHANGE','OTHER'));
`).Error; err != nil {
			log.Error("chk cancellations.category", zap.Error(err))
			return err
		}

		// Причина отмены — минимум 10 символов
		if err := db.Exec(`
ALTER TABLE allocation_cancellations
	DROP CONSTRAINT IF EXISTS chk_allocation_cancellations_reason_length,
	ADD CONSTRAINT chk_allocation_cancellations_reason_length
	CHECK (char_length(reason) >= 10);
`).Error; err != nil {
			log.Error("chk cancellations.reason", zap.Error(err))
			return err
		}

		// SOFT — без источника, HARD — оба поля источника заполнены
		if err := db.Exec(`
ALTER TABLE allocation_details
	DROP CONSTRAINT IF EXISTS chk_allocation_details_source_by_mode,
	ADD CONSTRAINT chk_allocation_details_source_by_mode
	CHECK (
		(allocation_mode = 'SOFT' AND supply_source_type IS NULL AND supply_source_id IS NULL)
		OR
		(allocation_mode = 'HARD' AND supply_source_type IS NOT NULL AND supply_source_id IS NOT NULL)
	);
`).Error; err != nil {
			log.Error("chk details.source_by_mode", zap.Error(err))
			return err
		}

		if err := db.Exec(`
ALTER TABLE allocation_details
	DROP CONSTRAINT IF EXISTS chk_allocation_details_source_type_allowed,
	ADD CONSTRAINT chk_allocation_details_source_type_allowed
	CHECK (supply_source_type IS NULL OR supply_source_type IN ('INVENTORY','PENDING_CAN','PENDING_PO','PENDING_WHT'));
`).Error; err != nil {
			log.Error("chk details.source_type", zap.Error(err))
			return err
		}

		log.Info("CHECK-и созданы")
	}

	// Индексы и уникальности
	if opt.CreateIndexes {
		log.Info("Создание индексов и уникальностей")

		// Номер плана уникален глобально
		if err := db.Exec(`
CREATE UNIQUE INDEX IF NOT EXISTS ux_allocation_plans_number
ON allocation_plans (allocation_number);
`).Error; err != nil {
			log.Error("ux plans.number", zap.Error(err))
			return err
		}

		// Детали по строке спроса — основной путь пересчёта агрегатов
		if err := db.Exec(`
CREATE INDEX IF NOT EXISTS ix_allocation_details_demand
ON allocation_details (demand_type, demand_reference_id, status);
`).Error; err != nil {
			log.Error("ix details.demand", zap.Error(err))
			return err
		}

		// Отмены по детали и статусу — путь редьюсера
		if err := db.Exec(`
CREATE INDEX IF NOT EXISTS ix_allocation_cancellations_detail_status
ON allocation_cancellations (allocation_detail_id, status);
`).Error; err != nil {
			log.Error("ix cancellations.detail_status", zap.Error(err))
			return err
		}

		log.Info("Индексы созданы")
	}

	// Внешние ключи
	if opt.CreateFKsViaSQL {
		log.Info("Создание внешних ключей")

		// details.plan_id -> plans.id (CASCADE: деталь не живёт без конверта)
		if err := db.Exec(`
ALTER TABLE allocation_details
  DROP CONSTRAINT IF EXISTS fk_allocation_details_plan,
  ADD CONSTRAINT fk_allocation_details_plan
    FOREIGN KEY (plan_id) REFERENCES allocation_plans(id) ON DELETE CASCADE;
`).Error; err != nil {
			log.Error("fk details.plan_id", zap.Error(err))
			return err
		}

		// cancellations.allocation_detail_id -> details.id (RESTRICT: журнал не теряем)
		if err := db.Exec(`
ALTER TABLE allocation_cancellations
  DROP CONSTRAINT IF EXISTS fk_allocation_cancellations_detail,
  ADD CONSTRAINT fk_allocation_cancellations_detail
    FOREIGN KEY (allocation_detail_id) REFERENCES allocation_details(id) ON DELETE RESTRICT;
`).Error; err != nil {
			log.Error("fk cancellations.detail_id", zap.Error(err))
			return err
		}

		if err := db.Exec(`
ALTER TABLE allocation_cancellations
  DROP CONSTRAINT IF EXISTS fk_allocation_cancellations_plan,
  ADD CONSTRAINT fk_allocation_cancellations_plan
    FOREIGN KEY (allocation_plan_id) REFERENCES allocation_plans(id) ON DELETE RESTRICT;
`).Error; err != nil {
			log.Error("fk cancellations.plan_id", zap.Error(err))
			return err
		}

		// Колонки актора -> users (RESTRICT): нарушение этого FK на записи
		// сервис переводит в «сессия истекла»
		if err := db.Exec(`
ALTER TABLE allocation_plans
  DROP CONSTRAINT IF EXISTS fk_allocation_plans_creator_user,
  ADD CONSTRAINT fk_allocation_plans_creator_user
    FOREIGN KEY (creator_id) REFERENCES users(id) ON DELETE RESTRICT;
`).Error; err != nil {
			log.Error("fk plans.creator_id", zap.Error(err))
			return err
		}

		if err := db.Exec(`
ALTER TABLE allocation_cancellations
  DROP CONSTRAINT IF EXISTS fk_allocation_cancellations_cancelled_by_user,
  ADD CONSTRAINT fk_allocation_cancellations_cancelled_by_user
    FOREIGN KEY (cancelled_by_user_id) REFERENCES users(id) ON DELETE RESTRICT;
`).Error; err != nil {
			log.Error("fk cancellations.cancelled_by", zap.Error(err))
			return err
		}

		if err := db.Exec(`
ALTER TABLE allocation_cancellations
  DROP CONSTRAINT IF EXISTS fk_allocation_cancellations_reversed_by_user,
  ADD CONSTRAINT fk_allocation_cancellations_reversed_by_user
    FOREIGN KEY (reversed_by_user_id) REFERENCES users(id) ON DELETE RESTRICT;
`).Error; err != nil {
			log.Error("fk cancellations.reversed_by", zap.Error(err))
			return err
		}

		log.Info("Внешние ключи созданы")
	}

	log.Info("Миграция базы аллокаций успешно завершена")
	return nil
}
