package service

import (
	"errors"
	"fmt"
	"strings"

	"allocation-service/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// ErrSessionExpired возвращается вместо сырой FK-ошибки по колонке актора:
	// нарушение означает, что аккаунт деактивировали посреди сессии.
	ErrSessionExpired = errors.New("session expired, please re-authenticate")

	ErrEmptyItems            = errors.New("allocation items empty")
	ErrCancellationNotActive = errors.New("cancellation is not active")
	ErrDetailFullyDelivered  = errors.New("allocation detail is fully delivered")
	ErrAllocationNumberTaken = errors.New("allocation number already taken")
)

// ValidationError — ожидаемые, исправимые нарушения: список человекочитаемых
// сообщений вместо паники/исключения.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

type OverAllocationError struct {
	DemandType   string
	DemandLineID uuid.UUID
	Limit        decimal.Decimal
	Current      decimal.Decimal
	Requested    decimal.Decimal
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("over-allocation for demand line %s: limit %s, already allocated %s, requested %s",
		e.DemandLineID, e.Limit, e.Current, e.Requested)
}

type InsufficientSupplyError struct {
	SourceType *models.SupplySourceType // nil для агрегатной (SOFT) проверки
	SourceID   *uuid.UUID
	ProductID  uuid.UUID
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *InsufficientSupplyError) Error() string {
	if e.SourceType != nil && e.SourceID != nil {
		return fmt.Sprintf("insufficient supply at %s %s: %s available, %s requested",
			*e.SourceType, *e.SourceID, e.Available, e.Requested)
	}
	return fmt.Sprintf("insufficient supply for product %s: %s available, %s requested",
		e.ProductID, e.Available, e.Requested)
}

type AllocationNotFoundError struct {
	Kind string // "plan" | "detail" | "cancellation" | "demand_line" | "supply_source"
	ID   uuid.UUID
}

func (e *AllocationNotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

type InvalidUserError struct {
	UserID uuid.UUID
}

func (e *InvalidUserError) Error() string {
	return fmt.Sprintf("user %s does not exist or is inactive", e.UserID)
}

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// translateDBError маппит инфраструктурные ошибки в доменные: нарушение FK
// по колонке актора — признак отозванной сессии, конфликт уникальности номера
// плана — гонка двух create за один сиквенс. Остальное отдаём как есть.
func translateDBError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			if strings.Contains(pgErr.ConstraintName, "creator") || strings.Contains(pgErr.ConstraintName, "user") {
				return ErrSessionExpired
			}
		case pgUniqueViolation:
			if strings.Contains(pgErr.ConstraintName, "number") {
				return ErrAllocationNumberTaken
			}
		}
	}
	return err
}
