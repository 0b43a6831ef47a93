package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type UserRole string

const (
	RoleAdmin   UserRole = "ROLE_ADMIN"
	RoleManager UserRole = "ROLE_MANAGER"
	RoleSales   UserRole = "ROLE_SALES"
	RoleViewer  UserRole = "ROLE_VIEWER"
)

// User — реплика справочника пользователей; нужна для FK на колонках актора
// и повторной проверки «пользователь ещё активен» внутри транзакции.
type User struct {
	ID       uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Email    string    `gorm:"type:text;not null"`
	Role     UserRole  `gorm:"type:text;not null;default:'ROLE_VIEWER'"`
	IsActive bool      `gorm:"not null;default:true"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
}

func (User) TableName() string {
	return "users"
}

type AllocationMode string

const (
	ModeSoft AllocationMode = "SOFT" // без привязки к источнику, против агрегатной доступности
	ModeHard AllocationMode = "HARD" // закреплено за одним источником снабжения
)

type SupplySourceType string

const (
	SourceInventory  SupplySourceType = "INVENTORY"   // складская партия
	SourcePendingCAN SupplySourceType = "PENDING_CAN" // ожидаемое извещение о прибытии
	SourcePendingPO  SupplySourceType = "PENDING_PO"  // строка заказа на закупку
	SourcePendingWHT SupplySourceType = "PENDING_WHT" // перемещение между складами
)

// AllocationPlan — конверт одного запроса на создание. Никогда не изменяется
// и не удаляется; Context хранит неизменяемый аудит-снимок на момент создания.
type AllocationPlan struct {
	ID               uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	AllocationNumber string    `gorm:"type:text;not null"`
	AllocationDate   time.Time `gorm:"not null;default:now();index"`
	CreatorID        uuid.UUID `gorm:"type:uuid;not null;index"`
	Notes            string    `gorm:"type:text"`
	Context          string    `gorm:"type:jsonb;not null;default:'{}'"`
}

func (AllocationPlan) TableName() string {
	return "allocation_plans"
}

type DetailStatus string

const (
	// Единственное достижимое состояние: полное потребление — производное
	// свойство (pending_qty = 0), а не отдельный статус.
	DetailAllocated DetailStatus = "ALLOCATED"
)

type AllocationDetail struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	PlanID         uuid.UUID      `gorm:"type:uuid;not null;index"`
	AllocationMode AllocationMode `gorm:"type:text;not null"`

	DemandType        string    `gorm:"type:text;not null;default:'OC'"`
	DemandReferenceID uuid.UUID `gorm:"type:uuid;not null;index"`
	ProductID         uuid.UUID `gorm:"type:uuid;not null;index"`

	RequestedQty decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	// AllocatedQty неизменяемо после создания; текущее состояние считается
	// редьюсером из отмен и доставок, а не хранится в колонках.
	AllocatedQty decimal.Decimal `gorm:"type:numeric(18,4);not null"`

	AllocatedETD       *time.Time        `gorm:"type:date"`
	Status             DetailStatus      `gorm:"type:text;not null;default:'ALLOCATED';index"`
	SupplySourceType   *SupplySourceType `gorm:"type:text;index:ix_allocation_details_source"`
	SupplySourceID     *uuid.UUID        `gorm:"type:uuid;index:ix_allocation_details_source"`
	ETDUpdateCount     int               `gorm:"not null;default:0"`
	LastUpdatedETDDate *time.Time        `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:now()"`
}

func (AllocationDetail) TableName() string {
	return "allocation_details"
}

type CancellationStatus string

const (
	CancellationActive   CancellationStatus = "ACTIVE"
	CancellationReversed CancellationStatus = "REVERSED" // терминальный, обратного перехода нет
)

type ReasonCategory string

const (
	ReasonCustomerRequest ReasonCategory = "CUSTOMER_REQUEST"
	ReasonSupplyIssue     ReasonCategory = "SUPPLY_ISSUE"
	ReasonDataCorrection  ReasonCategory = "DATA_CORRECTION"
	ReasonDemandChange    ReasonCategory = "DEMAND_CHANGE"
	ReasonOther           ReasonCategory = "OTHER"
)

func ValidReasonCategory(c ReasonCategory) bool {
	switch c {
	case ReasonCustomerRequest, ReasonSupplyIssue, ReasonDataCorrection, ReasonDemandChange, ReasonOther:
		return true
	}
	return false
}

// AllocationCancellation — append-only событие против одной детали.
// Колонки детали при отмене не трогаются: снижение доступности — следствие
// существования этой строки при подсчёте производных количеств.
type AllocationCancellation struct {
	ID                 uuid.UUID          `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	AllocationDetailID uuid.UUID          `gorm:"type:uuid;not null;index:ix_allocation_cancellations_detail"`
	AllocationPlanID   uuid.UUID          `gorm:"type:uuid;not null;index"`
	CancelledQty       decimal.Decimal    `gorm:"type:numeric(18,4);not null"`
	Reason             string             `gorm:"type:text;not null"`
	ReasonCategory     ReasonCategory     `gorm:"type:text;not null"`
	Status             CancellationStatus `gorm:"type:text;not null;default:'ACTIVE';index:ix_allocation_cancellations_detail"`

	CancelledByUserID uuid.UUID `gorm:"type:uuid;not null"`
	CancelledDate     time.Time `gorm:"not null;default:now()"`

	ReversedByUserID *uuid.UUID `gorm:"type:uuid"`
	ReversedDate     *time.Time `gorm:""`
	ReversalReason   *string    `gorm:"type:text"`
}

func (AllocationCancellation) TableName() string {
	return "allocation_cancellations"
}
