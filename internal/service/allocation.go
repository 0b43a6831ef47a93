package service

import (
	"context"
	"time"

	"allocation-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateInput struct {
	DemandType   string
	DemandLineID uuid.UUID
	Mode         models.AllocationMode
	Items        []CreateItem
	ETD          *time.Time
	Notes        string
}

type CreateResult struct {
	PlanID           uuid.UUID
	AllocationNumber string
	DetailIDs        []uuid.UUID
	TotalQty         decimal.Decimal
}

type CancelInput struct {
	DetailID uuid.UUID
	Qty      decimal.Decimal
	Reason   string
	Category models.ReasonCategory
}

type CancelResult struct {
	CancellationID uuid.UUID
	DetailID       uuid.UUID
	PendingQty     decimal.Decimal
}

type UpdateETDInput struct {
	DetailID uuid.UUID
	NewETD   time.Time
}

type UpdateETDResult struct {
	DetailID       uuid.UUID
	AllocatedETD   time.Time
	ETDUpdateCount int
}

type ReverseInput struct {
	CancellationID uuid.UUID
	Reason         string
}

type ReverseResult struct {
	CancellationID uuid.UUID
	DetailID       uuid.UUID
	PendingQty     decimal.Decimal
}

type PlanView struct {
	Plan    models.AllocationPlan
	Details []models.AllocationDetail
	States  map[uuid.UUID]DetailState
}

type AllocationService interface {
	// мутации ледгера
	Create(ctx context.Context, in CreateInput) (*CreateResult, error)
	Cancel(ctx context.Context, in CancelInput) (*CancelResult, error)
	UpdateETD(ctx context.Context, in UpdateETDInput) (*UpdateETDResult, error)
	ReverseCancellation(ctx context.Context, in ReverseInput) (*ReverseResult, error)

	// чтение
	GetPlan(ctx context.Context, planID uuid.UUID) (*PlanView, error)
	GetDetailState(ctx context.Context, detailID uuid.UUID) (*DetailState, error)
	ListPlansByDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationPlan, error)
}
