package service

import (
	"context"
	"time"

	"allocation-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// События жизненного цикла; их форматирование и доставка адресатам —
// забота downstream-потребителя, мы только публикуем факты.

type AllocationItemEvent struct {
	DetailID   uuid.UUID                `json:"detail_id"`
	Qty        decimal.Decimal          `json:"qty"`
	SourceType *models.SupplySourceType `json:"source_type,omitempty"`
	SourceID   *uuid.UUID               `json:"source_id,omitempty"`
}

type AllocationCreatedEvent struct {
	PlanID           uuid.UUID             `json:"plan_id"`
	AllocationNumber string                `json:"allocation_number"`
	DemandType       string                `json:"demand_type"`
	DemandLineID     uuid.UUID             `json:"demand_line_id"`
	ProductID        uuid.UUID             `json:"product_id"`
	Mode             models.AllocationMode `json:"mode"`
	TotalQty         decimal.Decimal       `json:"total_qty"`
	Items            []AllocationItemEvent `json:"items"`
	CreatedBy        uuid.UUID             `json:"created_by"`
	CreatedAt        time.Time             `json:"created_at"`
}

type AllocationCancelledEvent struct {
	CancellationID uuid.UUID             `json:"cancellation_id"`
	DetailID       uuid.UUID             `json:"detail_id"`
	PlanID         uuid.UUID             `json:"plan_id"`
	Qty            decimal.Decimal       `json:"qty"`
	Reason         string                `json:"reason"`
	Category       models.ReasonCategory `json:"category"`
	CancelledBy    uuid.UUID             `json:"cancelled_by"`
	CancelledAt    time.Time             `json:"cancelled_at"`
}

type CancellationReversedEvent struct {
	CancellationID uuid.UUID `json:"cancellation_id"`
	DetailID       uuid.UUID `json:"detail_id"`
	Reason         string    `json:"reason"`
	ReversedBy     uuid.UUID `json:"reversed_by"`
	ReversedAt     time.Time `json:"reversed_at"`
}

type AllocationETDUpdatedEvent struct {
	DetailID  uuid.UUID  `json:"detail_id"`
	OldETD    *time.Time `json:"old_etd,omitempty"`
	NewETD    time.Time  `json:"new_etd"`
	UpdatedBy uuid.UUID  `json:"updated_by"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type EventBus interface {
	PublishAllocationCreated(ctx context.Context, e AllocationCreatedEvent) error
	PublishAllocationCancelled(ctx context.Context, e AllocationCancelledEvent) error
	PublishCancellationReversed(ctx context.Context, e CancellationReversedEvent) error
	PublishETDUpdated(ctx context.Context, e AllocationETDUpdatedEvent) error
}
