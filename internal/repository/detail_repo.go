package repository

import (
	"context"
	"errors"
	"time"

	"allocation-service/internal/models"
	"allocation-service/internal/service"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type detailRepo struct{ db *gorm.DB }

func NewDetailRepo(db *gorm.DB) service.DetailRepo { return &detailRepo{db: db} }

func (r *detailRepo) BulkCreate(ctx context.Context, details []*models.AllocationDetail) error {
	if len(details) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(details).Error
}

// LockDemandLine сериализует конкурентные create по одной строке спроса:
// транзакционный advisory-замок держится до коммита и работает и тогда, когда
// у строки ещё нет ни одной детали.
func (r *detailRepo) LockDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Exec("SELECT pg_advisory_xact_lock(hashtext(?), hashtext(?))", demandType, lineID.String()).
		Error
}

func (r *detailRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.AllocationDetail, error) {
	return r.getByID(ctx, id, false)
}

func (r *detailRepo) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.AllocationDetail, error) {
	return r.getByID(ctx, id, true)
}

func (r *detailRepo) getByID(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.AllocationDetail, error) {
	tx := r.db.WithContext(ctx)
	if forUpdate {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var d models.AllocationDetail
	err := tx.First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *detailRepo) ListByPlan(ctx context.Context, planID uuid.UUID) ([]models.AllocationDetail, error) {
	var list []models.AllocationDetail
	err := r.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}

func (r *detailRepo) ListAllocatedByDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationDetail, error) {
	return r.listAllocatedByDemandLine(ctx, demandType, lineID, false)
}

// ListAllocatedByDemandLineForUpdate блокирует детали строки спроса FOR UPDATE.
// Сериализация конкурентных create идёт через LockDemandLine; построчный замок
// здесь защищает выбранные детали от параллельного cancel/reverse.
func (r *detailRepo) ListAllocatedByDemandLineForUpdate(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationDetail, error) {
	return r.listAllocatedByDemandLine(ctx, demandType, lineID, true)
}

func (r *detailRepo) listAllocatedByDemandLine(ctx context.Context, demandType string, lineID uuid.UUID, forUpdate bool) ([]models.AllocationDetail, error) {
	tx := r.db.WithContext(ctx)
	if forUpdate {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var list []models.AllocationDetail
	err := tx.
		Where("demand_type = ? AND demand_reference_id = ? AND status = ?", demandType, lineID, models.DetailAllocated).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}

func (r *detailRepo) ListAllocatedBySource(ctx context.Context, sourceType models.SupplySourceType, sourceID uuid.UUID) ([]models.AllocationDetail, error) {
	var list []models.AllocationDetail
	err := r.db.WithContext(ctx).
		Where("supply_source_type = ? AND supply_source_id = ? AND status = ?", sourceType, sourceID, models.DetailAllocated).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}

func (r *detailRepo) ListAllocatedByProduct(ctx context.Context, productID uuid.UUID) ([]models.AllocationDetail, error) {
	var list []models.AllocationDetail
	err := r.db.WithContext(ctx).
		Where("product_id = ? AND status = ?", productID, models.DetailAllocated).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}

// UpdateETD — единственная in-place мутация детали: дата, счётчик, отметка
// последнего изменения. Остальные колонки append-only по построению.
func (r *detailRepo) UpdateETD(ctx context.Context, id uuid.UUID, newETD time.Time, at time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Exec(`
UPDATE allocation_details
SET allocated_etd = @etd,
    etd_update_count = etd_update_count + 1,
    last_updated_etd_date = @at
WHERE id = @id
`, map[string]any{
		"id":  id,
		"etd": newETD,
		"at":  at,
	})
	return tx.RowsAffected > 0, tx.Error
}
