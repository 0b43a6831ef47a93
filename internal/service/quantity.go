package service

import (
	"time"

	"allocation-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Производные количества никогда не хранятся: деталь + её отмены образуют
// append-only журнал, а текущее состояние считает чистый редьюсер.

// DetailState — свёртка одной детали на момент чтения.
type DetailState struct {
	DetailID       uuid.UUID
	Allocated      decimal.Decimal
	Cancelled      decimal.Decimal // только ACTIVE-отмены
	Effective      decimal.Decimal // allocated − cancelled
	Delivered      decimal.Decimal
	Pending        decimal.Decimal // effective − delivered
	DeliveryCount  int
	ETDUpdateCount int
	AllocatedETD   *time.Time
}

// FullyConsumed — полное потребление как производное свойство;
// отдельного терминального статуса у детали нет.
func (s DetailState) FullyConsumed() bool {
	return s.Pending.LessThanOrEqual(decimal.Zero)
}

// ActiveCancelledQty — сумма отменённого количества по ACTIVE-событиям.
// REVERSED просто перестают учитываться, строки не переписываются.
func ActiveCancelledQty(events []models.AllocationCancellation) decimal.Decimal {
	total := decimal.Zero
	for _, e := range events {
		if e.Status == models.CancellationActive {
			total = total.Add(e.CancelledQty)
		}
	}
	return total
}

func EffectiveQty(allocated decimal.Decimal, events []models.AllocationCancellation) decimal.Decimal {
	return allocated.Sub(ActiveCancelledQty(events))
}

func PendingQty(effective, delivered decimal.Decimal) decimal.Decimal {
	return effective.Sub(delivered)
}

func ReduceDetail(d models.AllocationDetail, events []models.AllocationCancellation, delivery DeliveryAggregate) DetailState {
	cancelled := ActiveCancelledQty(events)
	effective := d.AllocatedQty.Sub(cancelled)
	return DetailState{
		DetailID:       d.ID,
		Allocated:      d.AllocatedQty,
		Cancelled:      cancelled,
		Effective:      effective,
		Delivered:      delivery.DeliveredQty,
		Pending:        effective.Sub(delivery.DeliveredQty),
		DeliveryCount:  delivery.DeliveryCount,
		ETDUpdateCount: d.ETDUpdateCount,
		AllocatedETD:   d.AllocatedETD,
	}
}

// reduceAll группирует события и доставки по деталям и сворачивает каждую.
func reduceAll(details []models.AllocationDetail, events []models.AllocationCancellation, deliveries map[uuid.UUID]DeliveryAggregate) map[uuid.UUID]DetailState {
	byDetail := make(map[uuid.UUID][]models.AllocationCancellation, len(details))
	for _, e := range events {
		byDetail[e.AllocationDetailID] = append(byDetail[e.AllocationDetailID], e)
	}
	states := make(map[uuid.UUID]DetailState, len(details))
	for _, d := range details {
		states[d.ID] = ReduceDetail(d, byDetail[d.ID], deliveries[d.ID])
	}
	return states
}
