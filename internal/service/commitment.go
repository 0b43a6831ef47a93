package service

import (
	"context"

	"allocation-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CommitmentCalculator отвечает на вопрос «сколько этого снабжения уже
// обещано?», несмотря на то что накопительные итоги спроса и ледгера
// аллокаций могут расходиться из-за лага учёта доставок.
//
// Формула по источнику:
//
//	committed = Σ по строкам спроса max(0, min(pending_delivery, undelivered_allocated))
//
// где undelivered_allocated = Σ effective_qty деталей строки из этого
// источника − уже учтённые доставки по этим деталям. MIN берёт меньшую из
// двух бухгалтерий и не даёт посчитать одно и то же снабжение занятым
// дважды: лучше быть на миг оптимистичнее о доступности, чем отклонять
// запросы из-за чистого лага данных.
type CommitmentCalculator struct {
	demand   DemandProvider
	supply   SupplyProvider
	delivery DeliveryProvider
}

func NewCommitmentCalculator(demand DemandProvider, supply SupplyProvider, delivery DeliveryProvider) *CommitmentCalculator {
	return &CommitmentCalculator{demand: demand, supply: supply, delivery: delivery}
}

// CommittedForSource — занятая часть одного источника. Детали читаются через
// переданный Store, поэтому внутри транзакции расчёт видит живые строки.
func (c *CommitmentCalculator) CommittedForSource(ctx context.Context, store Store, sourceType models.SupplySourceType, sourceID uuid.UUID) (decimal.Decimal, error) {
	details, err := store.Details().ListAllocatedBySource(ctx, sourceType, sourceID)
	if err != nil {
		return decimal.Zero, err
	}
	return c.committedOver(ctx, store, details)
}

// AvailableForSource = total_quantity(source) − committed(source).
func (c *CommitmentCalculator) AvailableForSource(ctx context.Context, store Store, sourceType models.SupplySourceType, sourceID uuid.UUID) (decimal.Decimal, error) {
	snap, err := c.supply.GetSupplySource(ctx, sourceType, sourceID)
	if err != nil {
		return decimal.Zero, err
	}
	if snap == nil {
		return decimal.Zero, &AllocationNotFoundError{Kind: "supply_source", ID: sourceID}
	}
	committed, err := c.CommittedForSource(ctx, store, sourceType, sourceID)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.TotalQty.Sub(committed), nil
}

// CommittedForProduct — та же MIN-формула, просуммированная по всем строкам
// спроса продукта; используется для SOFT-аллокаций без закреплённого источника.
func (c *CommitmentCalculator) CommittedForProduct(ctx context.Context, store Store, productID uuid.UUID) (decimal.Decimal, error) {
	details, err := store.Details().ListAllocatedByProduct(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return c.committedOver(ctx, store, details)
}

// AvailableForProduct — суммарное снабжение продукта по всем источникам минус
// занятое.
func (c *CommitmentCalculator) AvailableForProduct(ctx context.Context, store Store, productID uuid.UUID) (decimal.Decimal, error) {
	sources, err := c.supply.ListSupplySourcesByProduct(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, s := range sources {
		total = total.Add(s.TotalQty)
	}
	committed, err := c.CommittedForProduct(ctx, store, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return total.Sub(committed), nil
}

type demandLineKey struct {
	demandType string
	lineID     uuid.UUID
}

func (c *CommitmentCalculator) committedOver(ctx context.Context, store Store, details []models.AllocationDetail) (decimal.Decimal, error) {
	if len(details) == 0 {
		return decimal.Zero, nil
	}

	ids := make([]uuid.UUID, 0, len(details))
	for _, d := range details {
		ids = append(ids, d.ID)
	}
	events, err := store.Cancellations().ListByDetailIDs(ctx, ids)
	if err != nil {
		return decimal.Zero, err
	}
	deliveries, err := c.delivery.GetDeliveryAggregates(ctx, ids)
	if err != nil {
		return decimal.Zero, err
	}
	states := reduceAll(details, events, deliveries)

	// undelivered_allocated по строке спроса
	undelivered := make(map[demandLineKey]decimal.Decimal)
	for _, d := range details {
		key := demandLineKey{d.DemandType, d.DemandReferenceID}
		st := states[d.ID]
		undelivered[key] = undelivered[key].Add(st.Effective).Sub(st.Delivered)
	}

	committed := decimal.Zero
	for key, undeliv := range undelivered {
		line, err := c.demand.GetDemandLine(ctx, key.demandType, key.lineID)
		if err != nil {
			return decimal.Zero, err
		}
		if line == nil {
			// строка спроса исчезла из каталога — её аллокации больше ничего не держат
			continue
		}
		part := decimal.Min(line.PendingDeliveryQty, undeliv)
		if part.IsNegative() {
			part = decimal.Zero
		}
		committed = committed.Add(part)
	}
	return committed, nil
}
