package providers

import (
	"context"
	"errors"
	"time"

	"allocation-service/internal/models"
	"allocation-service/internal/service"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Реплицированные read-модели внешних систем. Наполняются пайплайном
// репликации (CDC), сервис их только читает.

type DemandLineRow struct {
	ID                 uuid.UUID       `gorm:"type:uuid;primaryKey"`
	DemandType         string          `gorm:"type:text;not null;default:'OC';index:ix_demand_lines_type"`
	ProductID          uuid.UUID       `gorm:"type:uuid;not null;index:ix_demand_lines_product"`
	EffectiveQty       decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	PendingDeliveryQty decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	UOMConversion      decimal.Decimal `gorm:"type:numeric(18,4);not null;default:1"`
	TotalDeliveredQty  decimal.Decimal `gorm:"type:numeric(18,4);not null;default:0"`
	TotalAllocatedQty  decimal.Decimal `gorm:"type:numeric(18,4);not null;default:0"`
	SyncedAt           time.Time       `gorm:"autoUpdateTime"`
}

func (DemandLineRow) TableName() string {
	return "demand_lines"
}

type SupplySourceRow struct {
	SourceType    models.SupplySourceType `gorm:"type:text;primaryKey"`
	SourceID      uuid.UUID               `gorm:"type:uuid;primaryKey"`
	ProductID     uuid.UUID               `gorm:"type:uuid;not null;index:ix_supply_sources_product"`
	TotalQty      decimal.Decimal         `gorm:"type:numeric(18,4);not null"`
	BatchNumber   string                  `gorm:"type:text"`
	PONumber      string                  `gorm:"type:text"`
	ArrivalNote   string                  `gorm:"type:text"`
	TransferRoute string                  `gorm:"type:text"`
	SyncedAt      time.Time               `gorm:"autoUpdateTime"`
}

func (SupplySourceRow) TableName() string {
	return "supply_sources"
}

// DeliveryRow — одна проведённая доставка по позиции распределения.
type DeliveryRow struct {
	ID                 uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	AllocationDetailID uuid.UUID       `gorm:"type:uuid;not null;index:ix_deliveries_detail"`
	DeliveredQty       decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	DeliveredDate      time.Time       `gorm:"not null"`
}

func (DeliveryRow) TableName() string {
	return "allocation_deliveries"
}

// GormProviders реализует DemandProvider, SupplyProvider и DeliveryProvider
// поверх реплицированных таблиц в той же базе.
type GormProviders struct {
	db *gorm.DB
}

func New(db *gorm.DB) *GormProviders {
	return &GormProviders{db: db}
}

// ReadModels — таблицы для AutoMigrate в dev/тестовых окружениях;
// в проде их создаёт пайплайн репликации.
func ReadModels() []any {
	return []any{&DemandLineRow{}, &SupplySourceRow{}, &DeliveryRow{}}
}

func (p *GormProviders) GetDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) (*service.DemandSnapshot, error) {
	var row DemandLineRow
	err := p.db.WithContext(ctx).
		Where("id = ? AND demand_type = ?", lineID, demandType).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s := demandSnapshot(row)
	return &s, nil
}

func (p *GormProviders) ListDemandLinesByProduct(ctx context.Context, productID uuid.UUID) ([]service.DemandSnapshot, error) {
	var rows []DemandLineRow
	if err := p.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]service.DemandSnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, demandSnapshot(r))
	}
	return out, nil
}

func (p *GormProviders) GetSupplySource(ctx context.Context, sourceType models.SupplySourceType, sourceID uuid.UUID) (*service.SupplySnapshot, error) {
	var row SupplySourceRow
	err := p.db.WithContext(ctx).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s := supplySnapshot(row)
	return &s, nil
}

func (p *GormProviders) ListSupplySourcesByProduct(ctx context.Context, productID uuid.UUID) ([]service.SupplySnapshot, error) {
	var rows []SupplySourceRow
	if err := p.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]service.SupplySnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, supplySnapshot(r))
	}
	return out, nil
}

func (p *GormProviders) GetDeliveryAggregates(ctx context.Context, detailIDs []uuid.UUID) (map[uuid.UUID]service.DeliveryAggregate, error) {
	out := make(map[uuid.UUID]service.DeliveryAggregate, len(detailIDs))
	if len(detailIDs) == 0 {
		return out, nil
	}

	type aggRow struct {
		AllocationDetailID uuid.UUID
		DeliveredQty       decimal.Decimal
		DeliveryCount      int
	}
	var rows []aggRow
	err := p.db.WithContext(ctx).
		Model(&DeliveryRow{}).
		Select("allocation_detail_id, COALESCE(SUM(delivered_qty), 0) AS delivered_qty, COUNT(*) AS delivery_count").
		Where("allocation_detail_id IN ?", detailIDs).
		Group("allocation_detail_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.AllocationDetailID] = service.DeliveryAggregate{
			DetailID:      r.AllocationDetailID,
			DeliveredQty:  r.DeliveredQty,
			DeliveryCount: r.DeliveryCount,
		}
	}
	return out, nil
}

func demandSnapshot(r DemandLineRow) service.DemandSnapshot {
	return service.DemandSnapshot{
		LineID:             r.ID,
		DemandType:         r.DemandType,
		ProductID:          r.ProductID,
		EffectiveQty:       r.EffectiveQty,
		PendingDeliveryQty: r.PendingDeliveryQty,
		UOMConversion:      r.UOMConversion,
		TotalDeliveredQty:  r.TotalDeliveredQty,
		TotalAllocatedQty:  r.TotalAllocatedQty,
	}
}

func supplySnapshot(r SupplySourceRow) service.SupplySnapshot {
	return service.SupplySnapshot{
		SourceType:    r.SourceType,
		SourceID:      r.SourceID,
		ProductID:     r.ProductID,
		TotalQty:      r.TotalQty,
		BatchNumber:   r.BatchNumber,
		PONumber:      r.PONumber,
		ArrivalNote:   r.ArrivalNote,
		TransferRoute: r.TransferRoute,
	}
}
