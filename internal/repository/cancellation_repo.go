package repository

import (
	"context"
	"errors"
	"time"

	"allocation-service/internal/models"
	"allocation-service/internal/service"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type cancellationRepo struct{ db *gorm.DB }

func NewCancellationRepo(db *gorm.DB) service.CancellationRepo { return &cancellationRepo{db: db} }

func (r *cancellationRepo) Create(ctx context.Context, c *models.AllocationCancellation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *cancellationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.AllocationCancellation, error) {
	var c models.AllocationCancellation
	err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *cancellationRepo) ListByDetail(ctx context.Context, detailID uuid.UUID) ([]models.AllocationCancellation, error) {
	var list []models.AllocationCancellation
	err := r.db.WithContext(ctx).
		Where("allocation_detail_id = ?", detailID).
		Order("cancelled_date ASC").
		Find(&list).Error
	return list, err
}

func (r *cancellationRepo) ListByDetailIDs(ctx context.Context, detailIDs []uuid.UUID) ([]models.AllocationCancellation, error) {
	if len(detailIDs) == 0 {
		return nil, nil
	}
	var list []models.AllocationCancellation
	err := r.db.WithContext(ctx).
		Where("allocation_detail_id IN ?", detailIDs).
		Order("cancelled_date ASC").
		Find(&list).Error
	return list, err
}

// MarkReversed — одностороний переход ACTIVE → REVERSED через conditional
// UPDATE: повторный откат не находит строку и возвращает false.
func (r *cancellationRepo) MarkReversed(ctx context.Context, id uuid.UUID, by uuid.UUID, at time.Time, reason string) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&models.AllocationCancellation{}).
		Where("id = ? AND status = ?", id, models.CancellationActive).
		Updates(map[string]any{
			"status":              models.CancellationReversed,
			"reversed_by_user_id": by,
			"reversed_date":       at,
			"reversal_reason":     reason,
		})
	return tx.RowsAffected > 0, tx.Error
}
