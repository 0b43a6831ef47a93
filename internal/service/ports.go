package service

import (
	"context"
	"time"

	"allocation-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Снимки внешних коллабораторов. Сервис их только читает; владеют ими
// внешние каталоги спроса/снабжения и система доставки.

type DemandSnapshot struct {
	LineID     uuid.UUID
	DemandType string
	ProductID  uuid.UUID

	// Исходное количество минус отмены на стороне спроса.
	EffectiveQty       decimal.Decimal
	PendingDeliveryQty decimal.Decimal
	UOMConversion      decimal.Decimal

	// Накопительные итоги на стороне спроса; могут отставать от ледгера
	// аллокаций — ровно это компенсирует MIN-формула.
	TotalDeliveredQty decimal.Decimal
	TotalAllocatedQty decimal.Decimal
}

type SupplySnapshot struct {
	SourceType models.SupplySourceType
	SourceID   uuid.UUID
	ProductID  uuid.UUID
	TotalQty   decimal.Decimal

	// Описательные поля — только для человекочитаемого аудита.
	BatchNumber   string
	PONumber      string
	ArrivalNote   string
	TransferRoute string
}

type DeliveryAggregate struct {
	DetailID      uuid.UUID
	DeliveredQty  decimal.Decimal
	DeliveryCount int
}

type DemandProvider interface {
	GetDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) (*DemandSnapshot, error)
	ListDemandLinesByProduct(ctx context.Context, productID uuid.UUID) ([]DemandSnapshot, error)
}

type SupplyProvider interface {
	GetSupplySource(ctx context.Context, sourceType models.SupplySourceType, sourceID uuid.UUID) (*SupplySnapshot, error)
	ListSupplySourcesByProduct(ctx context.Context, productID uuid.UUID) ([]SupplySnapshot, error)
}

type DeliveryProvider interface {
	// Агрегаты доставки по деталям; отсутствующая деталь означает ноль доставок.
	GetDeliveryAggregates(ctx context.Context, detailIDs []uuid.UUID) (map[uuid.UUID]DeliveryAggregate, error)
}

// SnapshotInvalidator сбрасывает read-through кэш снимков синхронно после
// каждой успешной мутации. nil отключает инвалидацию.
type SnapshotInvalidator interface {
	InvalidateDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) error
	InvalidateProduct(ctx context.Context, productID uuid.UUID) error
}

// Персистентные порты. Реализация — internal/repository поверх gorm;
// в тестах — моки с функциональными полями.

type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type PlanRepo interface {
	Create(ctx context.Context, p *models.AllocationPlan) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AllocationPlan, error)
	GetByNumber(ctx context.Context, number string) (*models.AllocationPlan, error)
	// MaxSequence — наибольший NNNN среди номеров ALL-{month}-NNNN; 0, если их нет.
	MaxSequence(ctx context.Context, month string) (int, error)
	ListByDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationPlan, error)
}

type DetailRepo interface {
	BulkCreate(ctx context.Context, details []*models.AllocationDetail) error
	// LockDemandLine берёт advisory-замок строки спроса до конца транзакции.
	// FOR UPDATE по существующим деталям не закрывает первый create (нулевая
	// выборка ничего не блокирует), поэтому сериализация идёт через этот замок.
	LockDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AllocationDetail, error)
	// GetByIDForUpdate блокирует строку FOR UPDATE до конца транзакции.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.AllocationDetail, error)
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]models.AllocationDetail, error)
	ListAllocatedByDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationDetail, error)
	ListAllocatedByDemandLineForUpdate(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationDetail, error)
	ListAllocatedBySource(ctx context.Context, sourceType models.SupplySourceType, sourceID uuid.UUID) ([]models.AllocationDetail, error)
	ListAllocatedByProduct(ctx context.Context, productID uuid.UUID) ([]models.AllocationDetail, error)
	// UpdateETD меняет только allocated_etd, счётчик и дату последнего
	// изменения; прочие колонки детали неизменяемы.
	UpdateETD(ctx context.Context, id uuid.UUID, newETD time.Time, at time.Time) (bool, error)
}

type CancellationRepo interface {
	Create(ctx context.Context, c *models.AllocationCancellation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AllocationCancellation, error)
	ListByDetail(ctx context.Context, detailID uuid.UUID) ([]models.AllocationCancellation, error)
	ListByDetailIDs(ctx context.Context, detailIDs []uuid.UUID) ([]models.AllocationCancellation, error)
	// MarkReversed переводит ACTIVE → REVERSED; false, если строка уже не ACTIVE.
	MarkReversed(ctx context.Context, id uuid.UUID, by uuid.UUID, at time.Time, reason string) (bool, error)
}

// Store — транзакционная граница: WithTx выдаёт Store, привязанный к одной
// транзакции (вложенные вызовы gorm оборачивает в SAVEPOINT). Транзакционный
// хэндл передаётся явно параметром, никакого ambient-состояния.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Users() UserRepo
	Plans() PlanRepo
	Details() DetailRepo
	Cancellations() CancellationRepo
}
