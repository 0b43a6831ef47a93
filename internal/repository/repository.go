package repository

import (
	"context"

	"allocation-service/internal/service"

	"gorm.io/gorm"
)

// Repository реализует service.Store поверх одного *gorm.DB.
type Repository struct {
	DB            *gorm.DB
	users         service.UserRepo
	plans         service.PlanRepo
	details       service.DetailRepo
	cancellations service.CancellationRepo
}

func buildRepository(db *gorm.DB) *Repository {
	return &Repository{
		DB:            db,
		users:         NewUserRepo(db),
		plans:         NewPlanRepo(db),
		details:       NewDetailRepo(db),
		cancellations: NewCancellationRepo(db),
	}
}

func New(db *gorm.DB) *Repository { return buildRepository(db) }

func (r *Repository) Users() service.UserRepo                 { return r.users }
func (r *Repository) Plans() service.PlanRepo                 { return r.plans }
func (r *Repository) Details() service.DetailRepo             { return r.details }
func (r *Repository) Cancellations() service.CancellationRepo { return r.cancellations }

// WithTx — транзакция на весь набор репо; при вызове внутри уже открытой
// транзакции gorm оборачивает вложенный уровень в SAVEPOINT.
func (r *Repository) WithTx(ctx context.Context, fn func(tx service.Store) error) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(buildRepository(tx))
	})
}
