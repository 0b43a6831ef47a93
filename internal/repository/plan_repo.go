package repository

import (
	"context"
	"errors"

	"allocation-service/internal/models"
	"allocation-service/internal/service"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type planRepo struct{ db *gorm.DB }

func NewPlanRepo(db *gorm.DB) service.PlanRepo { return &planRepo{db: db} }

func (r *planRepo) Create(ctx context.Context, p *models.AllocationPlan) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *planRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.AllocationPlan, error) {
	var p models.AllocationPlan
	err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *planRepo) GetByNumber(ctx context.Context, number string) (*models.AllocationPlan, error) {
	var p models.AllocationPlan
	err := r.db.WithContext(ctx).First(&p, "allocation_number = ?", number).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MaxSequence читает старший NNNN среди ALL-{month}-NNNN. Номера из
// таймштамп-фоллбэка имеют тот же формат, поэтому тоже участвуют.
func (r *planRepo) MaxSequence(ctx context.Context, month string) (int, error) {
	var seq *int
	err := r.db.WithContext(ctx).
		Model(&models.AllocationPlan{}).
		Select(`MAX(CAST(right(allocation_number, 4) AS integer))`).
		Where("allocation_number LIKE ?", "ALL-"+month+"-%").
		Scan(&seq).Error
	if err != nil {
		return 0, err
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

func (r *planRepo) ListByDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationPlan, error) {
	var plans []models.AllocationPlan
	err := r.db.WithContext(ctx).
		Where(`id IN (SELECT plan_id FROM allocation_details WHERE demand_type = ? AND demand_reference_id = ?)`,
			demandType, lineID).
		Order("allocation_date DESC").
		Find(&plans).Error
	return plans, err
}
