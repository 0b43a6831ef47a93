package service

import (
	"fmt"
	"strings"
	"time"

	"allocation-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionView         Action = "view"
	ActionCreate       Action = "create"
	ActionUpdate       Action = "update"
	ActionCancel       Action = "cancel"
	ActionReverse      Action = "reverse"
	ActionDelete       Action = "delete"
	ActionBulkAllocate Action = "bulk_allocate"
)

// Матрица доступа. reverse уже, чем cancel: откат отмены — операция
// менеджерского уровня. delete зарезервировано: планы append-only, операция
// к нему не привязана.
var permissionMatrix = map[Action][]models.UserRole{
	ActionView:         {models.RoleAdmin, models.RoleManager, models.RoleSales, models.RoleViewer},
	ActionCreate:       {models.RoleAdmin, models.RoleManager, models.RoleSales},
	ActionUpdate:       {models.RoleAdmin, models.RoleManager, models.RoleSales},
	ActionCancel:       {models.RoleAdmin, models.RoleManager, models.RoleSales},
	ActionReverse:      {models.RoleAdmin, models.RoleManager},
	ActionDelete:       {models.RoleAdmin},
	ActionBulkAllocate: {models.RoleAdmin, models.RoleManager, models.RoleSales},
}

func Allowed(role models.UserRole, action Action) bool {
	for _, r := range permissionMatrix[action] {
		if r == role {
			return true
		}
	}
	return false
}

const minReasonLength = 10

type ViolationKind string

const (
	ViolationPermission         ViolationKind = "permission"
	ViolationStructural         ViolationKind = "structural"
	ViolationOverAllocation     ViolationKind = "over_allocation"
	ViolationPendingOver        ViolationKind = "pending_over_allocation"
	ViolationInsufficientSupply ViolationKind = "insufficient_supply"
	ViolationCancelRule         ViolationKind = "cancel_rule"
	ViolationETDRule            ViolationKind = "etd_rule"
	ViolationReverseRule        ViolationKind = "reverse_rule"
)

type Violation struct {
	Kind    ViolationKind
	Message string
	// Err — типизированная блокирующая ошибка, когда нарушение одно и доменное.
	Err error
}

type ValidationResult struct {
	Violations []Violation
}

func (r ValidationResult) OK() bool { return len(r.Violations) == 0 }

func (r ValidationResult) Messages() []string {
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.Message)
	}
	return msgs
}

// AsError сводит результат к дисциплине §ошибок: единственное блокирующее
// доменное нарушение отдаётся типизированной ошибкой, набор независимых
// нарушений — списком сообщений.
func (r ValidationResult) AsError() error {
	if r.OK() {
		return nil
	}
	if len(r.Violations) == 1 && r.Violations[0].Err != nil {
		return r.Violations[0].Err
	}
	return &ValidationError{Violations: r.Messages()}
}

func (r *ValidationResult) add(kind ViolationKind, msg string) {
	r.Violations = append(r.Violations, Violation{Kind: kind, Message: msg})
}

func (r *ValidationResult) addErr(kind ViolationKind, err error) {
	r.Violations = append(r.Violations, Violation{Kind: kind, Message: err.Error(), Err: err})
}

type ValidatorConfig struct {
	// MinQty — нижняя граница позиции; количество должно быть строго больше.
	MinQty decimal.Decimal
	// OverAllocationTolerance × effective_demand — потолок суммарной аллокации.
	// 1.0 = ровно спрос, превышение не допускается.
	OverAllocationTolerance decimal.Decimal
}

func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MinQty:                  decimal.Zero,
		OverAllocationTolerance: decimal.NewFromInt(1),
	}
}

// Validator — stateless и без побочных эффектов: все живые агрегаты ему
// передают уже перечитанными внутри транзакции.
type Validator struct {
	cfg ValidatorConfig
}

func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.OverAllocationTolerance.IsZero() {
		cfg.OverAllocationTolerance = decimal.NewFromInt(1)
	}
	return &Validator{cfg: cfg}
}

type CreateItem struct {
	Qty        decimal.Decimal
	SourceType *models.SupplySourceType
	SourceID   *uuid.UUID
}

type sourceKey struct {
	Type models.SupplySourceType
	ID   uuid.UUID
}

// CreateCheck — всё, что нужно правилам create: свежий снимок спроса и
// агрегаты, пересчитанные на момент валидации (не с чужих слов).
type CreateCheck struct {
	Role  models.UserRole
	Mode  models.AllocationMode
	Items []CreateItem

	Demand *DemandSnapshot
	// Σ effective_qty по ALLOCATED-деталям строки спроса.
	CurrentEffectiveAllocated decimal.Decimal
	// Доступность продукта (для SOFT) и по источникам (для HARD),
	// из CommitmentCalculator внутри той же транзакции.
	ProductAvailable decimal.Decimal
	SourceAvailable  map[sourceKey]decimal.Decimal
}

func (v *Validator) ValidateCreate(chk CreateCheck) ValidationResult {
	var res ValidationResult

	// 1. Права: отказ снимает смысл остальных проверок.
	action := ActionCreate
	if len(chk.Items) > 1 {
		action = ActionBulkAllocate
	}
	if !Allowed(chk.Role, action) {
		res.add(ViolationPermission, fmt.Sprintf("role %s is not allowed to %s allocations", chk.Role, action))
		return res
	}

	// 2. Структура запроса.
	if len(chk.Items) == 0 {
		res.add(ViolationStructural, "allocation items empty")
		return res
	}
	requestedTotal := decimal.Zero
	seen := make(map[sourceKey]bool, len(chk.Items))
	for i, it := range chk.Items {
		if it.Qty.LessThanOrEqual(v.cfg.MinQty) {
			res.add(ViolationStructural, fmt.Sprintf("item %d: quantity %s must be greater than %s", i+1, it.Qty, v.cfg.MinQty))
		}
		requestedTotal = requestedTotal.Add(it.Qty)

		switch chk.Mode {
		case models.ModeHard:
			if it.SourceType == nil || it.SourceID == nil {
				res.add(ViolationStructural, fmt.Sprintf("item %d: hard allocation requires supply source type and id", i+1))
				continue
			}
			key := sourceKey{*it.SourceType, *it.SourceID}
			if seen[key] {
				res.add(ViolationStructural, fmt.Sprintf("item %d: duplicate supply source %s %s in one request", i+1, key.Type, key.ID))
			}
			seen[key] = true
		case models.ModeSoft:
			if it.SourceType != nil || it.SourceID != nil {
				res.add(ViolationStructural, fmt.Sprintf("item %d: soft allocation must not pin a supply source", i+1))
			}
		default:
			res.add(ViolationStructural, fmt.Sprintf("unknown allocation mode %q", chk.Mode))
		}
	}
	if len(res.Violations) > 0 {
		return res
	}
	if chk.Demand == nil {
		res.add(ViolationStructural, "demand line snapshot missing")
		return res
	}

	// 3. Агрегатная сверх-аллокация относительно эффективного спроса.
	limit := chk.Demand.EffectiveQty.Mul(v.cfg.OverAllocationTolerance)
	if chk.CurrentEffectiveAllocated.Add(requestedTotal).GreaterThan(limit) {
		res.addErr(ViolationOverAllocation, &OverAllocationError{
			DemandType:   chk.Demand.DemandType,
			DemandLineID: chk.Demand.LineID,
			Limit:        limit,
			Current:      chk.CurrentEffectiveAllocated,
			Requested:    requestedTotal,
		})
	}

	// 4. Независимый страховочный барьер: недоставленная аллокация против
	// pending_delivery, считая доставленное итогом самой строки спроса —
	// ловит случаи, которые агрегатная проверка пропустит.
	undelivered := chk.CurrentEffectiveAllocated.Sub(chk.Demand.TotalDeliveredQty)
	if undelivered.IsNegative() {
		undelivered = decimal.Zero
	}
	if undelivered.Add(requestedTotal).GreaterThan(chk.Demand.PendingDeliveryQty) {
		res.add(ViolationPendingOver, fmt.Sprintf(
			"undelivered allocation %s plus requested %s exceeds pending delivery %s",
			undelivered, requestedTotal, chk.Demand.PendingDeliveryQty))
	}

	// 5. Достаточность снабжения.
	switch chk.Mode {
	case models.ModeSoft:
		if requestedTotal.GreaterThan(chk.ProductAvailable) {
			res.addErr(ViolationInsufficientSupply, &InsufficientSupplyError{
				ProductID: chk.Demand.ProductID,
				Available: chk.ProductAvailable,
				Requested: requestedTotal,
			})
		}
	case models.ModeHard:
		for _, it := range chk.Items {
			key := sourceKey{*it.SourceType, *it.SourceID}
			avail := chk.SourceAvailable[key]
			if it.Qty.GreaterThan(avail) {
				st, sid := key.Type, key.ID
				res.addErr(ViolationInsufficientSupply, &InsufficientSupplyError{
					SourceType: &st,
					SourceID:   &sid,
					ProductID:  chk.Demand.ProductID,
					Available:  avail,
					Requested:  it.Qty,
				})
			}
		}
	}

	return res
}

type CancelCheck struct {
	Role     models.UserRole
	Qty      decimal.Decimal
	Reason   string
	Category models.ReasonCategory
	State    DetailState
}

func (v *Validator) ValidateCancel(chk CancelCheck) ValidationResult {
	var res ValidationResult

	if !Allowed(chk.Role, ActionCancel) {
		res.add(ViolationPermission, fmt.Sprintf("role %s is not allowed to cancel allocations", chk.Role))
		return res
	}

	if chk.Qty.LessThanOrEqual(decimal.Zero) {
		res.add(ViolationCancelRule, fmt.Sprintf("cancellation quantity %s must be positive", chk.Qty))
	}
	if chk.State.Pending.LessThanOrEqual(decimal.Zero) {
		// полностью доставленную деталь отменить нельзя
		res.addErr(ViolationCancelRule, ErrDetailFullyDelivered)
	} else if chk.Qty.GreaterThan(chk.State.Pending) {
		res.add(ViolationCancelRule, fmt.Sprintf("cancellation quantity %s exceeds pending quantity %s", chk.Qty, chk.State.Pending))
	}
	if len(strings.TrimSpace(chk.Reason)) < minReasonLength {
		res.add(ViolationCancelRule, fmt.Sprintf("reason must be at least %d characters", minReasonLength))
	}
	if !models.ValidReasonCategory(chk.Category) {
		res.add(ViolationCancelRule, fmt.Sprintf("unknown reason category %q", chk.Category))
	}

	return res
}

type UpdateETDCheck struct {
	Role    models.UserRole
	Status  models.DetailStatus
	State   DetailState
	Current *time.Time
	NewETD  time.Time
}

func (v *Validator) ValidateUpdateETD(chk UpdateETDCheck) ValidationResult {
	var res ValidationResult

	if !Allowed(chk.Role, ActionUpdate) {
		res.add(ViolationPermission, fmt.Sprintf("role %s is not allowed to update allocations", chk.Role))
		return res
	}

	if chk.Status != models.DetailAllocated {
		res.add(ViolationETDRule, fmt.Sprintf("detail status %s does not permit ETD change", chk.Status))
	}
	if chk.State.Pending.LessThanOrEqual(decimal.Zero) {
		res.add(ViolationETDRule, "allocation detail is fully delivered, ETD change is meaningless")
	}
	if chk.NewETD.IsZero() {
		res.add(ViolationETDRule, "new ETD date is not a valid date")
	} else if chk.Current != nil && sameDay(*chk.Current, chk.NewETD) {
		res.add(ViolationETDRule, "new ETD equals the current one")
	}

	return res
}

type ReverseCheck struct {
	Role   models.UserRole
	Status models.CancellationStatus
	Reason string
}

func (v *Validator) ValidateReverse(chk ReverseCheck) ValidationResult {
	var res ValidationResult

	// reverse — отдельное, более узкое право, чем cancel
	if !Allowed(chk.Role, ActionReverse) {
		res.add(ViolationPermission, fmt.Sprintf("role %s is not allowed to reverse cancellations", chk.Role))
		return res
	}

	if chk.Status != models.CancellationActive {
		res.add(ViolationReverseRule, "cancellation is not active")
	}
	if len(strings.TrimSpace(chk.Reason)) < minReasonLength {
		res.add(ViolationReverseRule, fmt.Sprintf("reversal reason must be at least %d characters", minReasonLength))
	}

	return res
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
