package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"allocation-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type allocationService struct {
	store       Store
	demand      DemandProvider
	supply      SupplyProvider
	delivery    DeliveryProvider
	commitment  *CommitmentCalculator
	validator   *Validator
	invalidator SnapshotInvalidator // nil отключает инвалидацию кэша
	events      EventBus            // nil отключает публикацию
	log         *zap.Logger
	now         func() time.Time
}

func NewAllocationService(
	store Store,
	demand DemandProvider,
	supply SupplyProvider,
	delivery DeliveryProvider,
	cfg ValidatorConfig,
	invalidator SnapshotInvalidator,
	events EventBus,
	log *zap.Logger,
) AllocationService {
	return &allocationService{
		store:       store,
		demand:      demand,
		supply:      supply,
		delivery:    delivery,
		commitment:  NewCommitmentCalculator(demand, supply, delivery),
		validator:   NewValidator(cfg),
		invalidator: invalidator,
		events:      events,
		log:         log,
		now:         time.Now,
	}
}

func (s *allocationService) requireAuth(ctx context.Context) (uuid.UUID, models.UserRole, error) {
	uid, ok := UserIDFromContext(ctx)
	if !ok {
		return uuid.Nil, "", ErrUnauthorized
	}
	role, ok := RoleFromContext(ctx)
	if !ok {
		return uuid.Nil, "", ErrUnauthorized
	}
	return uid, role, nil
}

// revalidateActor перечитывает пользователя внутри транзакции: сессия могла
// быть отозвана после выдачи токена наружным слоем.
func (s *allocationService) revalidateActor(ctx context.Context, tx Store, uid uuid.UUID) (*models.User, error) {
	u, err := tx.Users().GetByID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if u == nil || !u.IsActive {
		return nil, &InvalidUserError{UserID: uid}
	}
	return u, nil
}

// auditContext — неизменяемый снимок на момент создания плана: кто, против
// какого спроса и из каких источников. Пишется в jsonb и больше не меняется.
type auditContext struct {
	Actor struct {
		ID    uuid.UUID       `json:"id"`
		Email string          `json:"email"`
		Role  models.UserRole `json:"role"`
	} `json:"actor"`
	Demand DemandSnapshot     `json:"demand"`
	Items  []auditContextItem `json:"items"`
}

type auditContextItem struct {
	Qty               decimal.Decimal `json:"qty"`
	SourceDescription string          `json:"source_description,omitempty"`
}

func describeSource(snap *SupplySnapshot) string {
	if snap == nil {
		return ""
	}
	switch snap.SourceType {
	case models.SourceInventory:
		return fmt.Sprintf("inventory batch %s", snap.BatchNumber)
	case models.SourcePendingCAN:
		return fmt.Sprintf("pending arrival %s", snap.ArrivalNote)
	case models.SourcePendingPO:
		return fmt.Sprintf("pending PO %s", snap.PONumber)
	case models.SourcePendingWHT:
		return fmt.Sprintf("pending transfer %s", snap.TransferRoute)
	}
	return string(snap.SourceType)
}

func (s *allocationService) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	uid, role, err := s.requireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if len(in.Items) == 0 {
		return nil, ErrEmptyItems
	}

	now := s.now()
	var result *CreateResult
	var productID uuid.UUID
	var specs []CreateItem

	err = s.store.WithTx(ctx, func(tx Store) error {
		actor, err := s.revalidateActor(ctx, tx, uid)
		if err != nil {
			return err
		}

		// Живой снимок спроса вместо агрегатов, присланных вызывающим слоем.
		line, err := s.demand.GetDemandLine(ctx, in.DemandType, in.DemandLineID)
		if err != nil {
			return err
		}
		if line == nil {
			return &AllocationNotFoundError{Kind: "demand_line", ID: in.DemandLineID}
		}
		productID = line.ProductID

		// Сериализация create по строке спроса — advisory-замок: он работает и
		// для первой аллокации, когда деталей ещё нет и FOR UPDATE блокировать нечего.
		if err := tx.Details().LockDemandLine(ctx, in.DemandType, in.DemandLineID); err != nil {
			return err
		}
		existing, err := tx.Details().ListAllocatedByDemandLineForUpdate(ctx, in.DemandType, in.DemandLineID)
		if err != nil {
			return err
		}
		currentEffective, err := s.effectiveAllocated(ctx, tx, existing)
		if err != nil {
			return err
		}

		chk := CreateCheck{
			Role:                      role,
			Mode:                      in.Mode,
			Items:                     in.Items,
			Demand:                    line,
			CurrentEffectiveAllocated: currentEffective,
		}
		switch in.Mode {
		case models.ModeSoft:
			avail, err := s.commitment.AvailableForProduct(ctx, tx, line.ProductID)
			if err != nil {
				return err
			}
			chk.ProductAvailable = avail
		case models.ModeHard:
			chk.SourceAvailable = make(map[sourceKey]decimal.Decimal, len(in.Items))
			for _, it := range in.Items {
				if it.SourceType == nil || it.SourceID == nil {
					continue // структурное нарушение поймает валидатор
				}
				key := sourceKey{*it.SourceType, *it.SourceID}
				if _, ok := chk.SourceAvailable[key]; ok {
					continue
				}
				avail, err := s.commitment.AvailableForSource(ctx, tx, key.Type, key.ID)
				if err != nil {
					return err
				}
				chk.SourceAvailable[key] = avail
			}
		}

		if res := s.validator.ValidateCreate(chk); !res.OK() {
			return res.AsError()
		}

		number := s.generatePlanNumber(ctx, tx, now)

		audit := auditContext{Demand: *line}
		audit.Actor.ID = actor.ID
		audit.Actor.Email = actor.Email
		audit.Actor.Role = actor.Role
		totalQty := decimal.Zero
		for _, it := range in.Items {
			item := auditContextItem{Qty: it.Qty}
			if it.SourceType != nil && it.SourceID != nil {
				snap, err := s.supply.GetSupplySource(ctx, *it.SourceType, *it.SourceID)
				if err != nil {
					return err
				}
				item.SourceDescription = describeSource(snap)
			}
			audit.Items = append(audit.Items, item)
			totalQty = totalQty.Add(it.Qty)
		}
		contextJSON, err := json.Marshal(audit)
		if err != nil {
			return err
		}

		// SOFT не закрепляет источники, поэтому позиции запроса сливаются в
		// одну безысточниковую деталь; HARD хранит деталь на каждый источник.
		specs = in.Items
		if in.Mode == models.ModeSoft && len(in.Items) > 1 {
			specs = []CreateItem{{Qty: totalQty}}
		}

		plan := &models.AllocationPlan{
			AllocationNumber: number,
			AllocationDate:   now,
			CreatorID:        actor.ID,
			Notes:            strings.TrimSpace(in.Notes),
			Context:          string(contextJSON),
		}
		if err := tx.Plans().Create(ctx, plan); err != nil {
			return translateDBError(err)
		}

		details := make([]*models.AllocationDetail, 0, len(specs))
		for _, it := range specs {
			details = append(details, &models.AllocationDetail{
				PlanID:            plan.ID,
				AllocationMode:    in.Mode,
				DemandType:        in.DemandType,
				DemandReferenceID: in.DemandLineID,
				ProductID:         line.ProductID,
				RequestedQty:      it.Qty,
				AllocatedQty:      it.Qty,
				AllocatedETD:      in.ETD,
				Status:            models.DetailAllocated,
				SupplySourceType:  it.SourceType,
				SupplySourceID:    it.SourceID,
				CreatedAt:         now,
			})
		}
		if err := tx.Details().BulkCreate(ctx, details); err != nil {
			return translateDBError(err)
		}

		ids := make([]uuid.UUID, 0, len(details))
		for _, d := range details {
			ids = append(ids, d.ID)
		}
		result = &CreateResult{
			PlanID:           plan.ID,
			AllocationNumber: plan.AllocationNumber,
			DetailIDs:        ids,
			TotalQty:         totalQty,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateSnapshots(ctx, in.DemandType, in.DemandLineID, productID)
	if s.events != nil {
		e := AllocationCreatedEvent{
			PlanID:           result.PlanID,
			AllocationNumber: result.AllocationNumber,
			DemandType:       in.DemandType,
			DemandLineID:     in.DemandLineID,
			ProductID:        productID,
			Mode:             in.Mode,
			TotalQty:         result.TotalQty,
			CreatedBy:        uid,
			CreatedAt:        now,
		}
		for i, it := range specs {
			e.Items = append(e.Items, AllocationItemEvent{
				DetailID:   result.DetailIDs[i],
				Qty:        it.Qty,
				SourceType: it.SourceType,
				SourceID:   it.SourceID,
			})
		}
		if err := s.events.PublishAllocationCreated(ctx, e); err != nil {
			s.log.Warn("Не удалось опубликовать событие создания аллокации", zap.Error(err))
		}
	}

	return result, nil
}

func (s *allocationService) Cancel(ctx context.Context, in CancelInput) (*CancelResult, error) {
	uid, role, err := s.requireAuth(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var result *CancelResult
	var detail *models.AllocationDetail

	err = s.store.WithTx(ctx, func(tx Store) error {
		actor, err := s.revalidateActor(ctx, tx, uid)
		if err != nil {
			return err
		}

		d, state, err := s.lockAndReduce(ctx, tx, in.DetailID)
		if err != nil {
			return err
		}
		detail = d

		if res := s.validator.ValidateCancel(CancelCheck{
			Role:     role,
			Qty:      in.Qty,
			Reason:   in.Reason,
			Category: in.Category,
			State:    *state,
		}); !res.OK() {
			return res.AsError()
		}

		c := &models.AllocationCancellation{
			AllocationDetailID: d.ID,
			AllocationPlanID:   d.PlanID,
			CancelledQty:       in.Qty,
			Reason:             strings.TrimSpace(in.Reason),
			ReasonCategory:     in.Category,
			Status:             models.CancellationActive,
			CancelledByUserID:  actor.ID,
			CancelledDate:      now,
		}
		if err := tx.Cancellations().Create(ctx, c); err != nil {
			return translateDBError(err)
		}

		result = &CancelResult{
			CancellationID: c.ID,
			DetailID:       d.ID,
			PendingQty:     state.Pending.Sub(in.Qty),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateSnapshots(ctx, detail.DemandType, detail.DemandReferenceID, detail.ProductID)
	if s.events != nil {
		err := s.events.PublishAllocationCancelled(ctx, AllocationCancelledEvent{
			CancellationID: result.CancellationID,
			DetailID:       result.DetailID,
			PlanID:         detail.PlanID,
			Qty:            in.Qty,
			Reason:         in.Reason,
			Category:       in.Category,
			CancelledBy:    uid,
			CancelledAt:    now,
		})
		if err != nil {
			s.log.Warn("Не удалось опубликовать событие отмены", zap.Error(err))
		}
	}

	return result, nil
}

func (s *allocationService) UpdateETD(ctx context.Context, in UpdateETDInput) (*UpdateETDResult, error) {
	uid, role, err := s.requireAuth(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var result *UpdateETDResult
	var detail *models.AllocationDetail

	err = s.store.WithTx(ctx, func(tx Store) error {
		if _, err := s.revalidateActor(ctx, tx, uid); err != nil {
			return err
		}

		d, state, err := s.lockAndReduce(ctx, tx, in.DetailID)
		if err != nil {
			return err
		}
		detail = d

		if res := s.validator.ValidateUpdateETD(UpdateETDCheck{
			Role:    role,
			Status:  d.Status,
			State:   *state,
			Current: d.AllocatedETD,
			NewETD:  in.NewETD,
		}); !res.OK() {
			return res.AsError()
		}

		ok, err := tx.Details().UpdateETD(ctx, d.ID, in.NewETD, now)
		if err != nil {
			return translateDBError(err)
		}
		if !ok {
			return &AllocationNotFoundError{Kind: "detail", ID: d.ID}
		}

		result = &UpdateETDResult{
			DetailID:       d.ID,
			AllocatedETD:   in.NewETD,
			ETDUpdateCount: d.ETDUpdateCount + 1,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateSnapshots(ctx, detail.DemandType, detail.DemandReferenceID, detail.ProductID)
	if s.events != nil {
		err := s.events.PublishETDUpdated(ctx, AllocationETDUpdatedEvent{
			DetailID:  detail.ID,
			OldETD:    detail.AllocatedETD,
			NewETD:    in.NewETD,
			UpdatedBy: uid,
			UpdatedAt: now,
		})
		if err != nil {
			s.log.Warn("Не удалось опубликовать событие изменения ETD", zap.Error(err))
		}
	}

	return result, nil
}

func (s *allocationService) ReverseCancellation(ctx context.Context, in ReverseInput) (*ReverseResult, error) {
	uid, role, err := s.requireAuth(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var result *ReverseResult
	var detail *models.AllocationDetail

	err = s.store.WithTx(ctx, func(tx Store) error {
		actor, err := s.revalidateActor(ctx, tx, uid)
		if err != nil {
			return err
		}

		can, err := tx.Cancellations().GetByID(ctx, in.CancellationID)
		if err != nil {
			return err
		}
		if can == nil {
			return &AllocationNotFoundError{Kind: "cancellation", ID: in.CancellationID}
		}

		// Блокируем родительскую деталь: reverse конкурирует с cancel за pending.
		d, state, err := s.lockAndReduce(ctx, tx, can.AllocationDetailID)
		if err != nil {
			return err
		}
		detail = d

		if res := s.validator.ValidateReverse(ReverseCheck{
			Role:   role,
			Status: can.Status,
			Reason: in.Reason,
		}); !res.OK() {
			return res.AsError()
		}

		// Conditional UPDATE: повторный reverse по той же строке не проходит.
		ok, err := tx.Cancellations().MarkReversed(ctx, can.ID, actor.ID, now, strings.TrimSpace(in.Reason))
		if err != nil {
			return translateDBError(err)
		}
		if !ok {
			return ErrCancellationNotActive
		}

		// Деталь не мутируется: REVERSED-строка просто перестаёт считаться.
		result = &ReverseResult{
			CancellationID: can.ID,
			DetailID:       d.ID,
			PendingQty:     state.Pending.Add(can.CancelledQty),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateSnapshots(ctx, detail.DemandType, detail.DemandReferenceID, detail.ProductID)
	if s.events != nil {
		err := s.events.PublishCancellationReversed(ctx, CancellationReversedEvent{
			CancellationID: result.CancellationID,
			DetailID:       result.DetailID,
			Reason:         in.Reason,
			ReversedBy:     uid,
			ReversedAt:     now,
		})
		if err != nil {
			s.log.Warn("Не удалось опубликовать событие отката отмены", zap.Error(err))
		}
	}

	return result, nil
}

func (s *allocationService) GetPlan(ctx context.Context, planID uuid.UUID) (*PlanView, error) {
	_, role, err := s.requireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if !Allowed(role, ActionView) {
		return nil, ErrForbidden
	}

	plan, err := s.store.Plans().GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, &AllocationNotFoundError{Kind: "plan", ID: planID}
	}
	details, err := s.store.Details().ListByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(details))
	for _, d := range details {
		ids = append(ids, d.ID)
	}
	events, err := s.store.Cancellations().ListByDetailIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	deliveries, err := s.delivery.GetDeliveryAggregates(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &PlanView{
		Plan:    *plan,
		Details: details,
		States:  reduceAll(details, events, deliveries),
	}, nil
}

func (s *allocationService) GetDetailState(ctx context.Context, detailID uuid.UUID) (*DetailState, error) {
	_, role, err := s.requireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if !Allowed(role, ActionView) {
		return nil, ErrForbidden
	}

	d, err := s.store.Details().GetByID(ctx, detailID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, &AllocationNotFoundError{Kind: "detail", ID: detailID}
	}
	state, err := s.reduceDetail(ctx, s.store, d)
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *allocationService) ListPlansByDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationPlan, error) {
	_, role, err := s.requireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if !Allowed(role, ActionView) {
		return nil, ErrForbidden
	}
	return s.store.Plans().ListByDemandLine(ctx, demandType, lineID)
}

// lockAndReduce берёт деталь FOR UPDATE и сворачивает её живое состояние.
func (s *allocationService) lockAndReduce(ctx context.Context, tx Store, detailID uuid.UUID) (*models.AllocationDetail, *DetailState, error) {
	d, err := tx.Details().GetByIDForUpdate(ctx, detailID)
	if err != nil {
		return nil, nil, err
	}
	if d == nil {
		return nil, nil, &AllocationNotFoundError{Kind: "detail", ID: detailID}
	}
	state, err := s.reduceDetail(ctx, tx, d)
	if err != nil {
		return nil, nil, err
	}
	return d, state, nil
}

func (s *allocationService) reduceDetail(ctx context.Context, tx Store, d *models.AllocationDetail) (*DetailState, error) {
	events, err := tx.Cancellations().ListByDetail(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	deliveries, err := s.delivery.GetDeliveryAggregates(ctx, []uuid.UUID{d.ID})
	if err != nil {
		return nil, err
	}
	state := ReduceDetail(*d, events, deliveries[d.ID])
	return &state, nil
}

// effectiveAllocated — Σ effective_qty по уже существующим деталям строки.
func (s *allocationService) effectiveAllocated(ctx context.Context, tx Store, details []models.AllocationDetail) (decimal.Decimal, error) {
	if len(details) == 0 {
		return decimal.Zero, nil
	}
	ids := make([]uuid.UUID, 0, len(details))
	for _, d := range details {
		ids = append(ids, d.ID)
	}
	events, err := tx.Cancellations().ListByDetailIDs(ctx, ids)
	if err != nil {
		return decimal.Zero, err
	}
	byDetail := make(map[uuid.UUID][]models.AllocationCancellation)
	for _, e := range events {
		byDetail[e.AllocationDetailID] = append(byDetail[e.AllocationDetailID], e)
	}
	total := decimal.Zero
	for _, d := range details {
		total = total.Add(EffectiveQty(d.AllocatedQty, byDetail[d.ID]))
	}
	return total, nil
}

// generatePlanNumber: ALL-{YYYYMM}-{NNNN}, сиквенс в рамках календарного
// месяца; при сбое чтения сиквенса — номер из таймштампа, чтобы create не
// падал из-за нумерации.
func (s *allocationService) generatePlanNumber(ctx context.Context, tx Store, now time.Time) string {
	month := now.Format("200601")
	seq, err := tx.Plans().MaxSequence(ctx, month)
	if err != nil {
		s.log.Warn("Сбой чтения сиквенса номеров, используем таймштамп", zap.Error(err))
		secs := now.Hour()*3600 + now.Minute()*60 + now.Second()
		return fmt.Sprintf("ALL-%s-%04d", month, secs%10000)
	}
	return fmt.Sprintf("ALL-%s-%04d", month, seq+1)
}

func (s *allocationService) invalidateSnapshots(ctx context.Context, demandType string, lineID, productID uuid.UUID) {
	if s.invalidator == nil {
		return
	}
	// Синхронно после коммита: устаревший кэш — главный практический источник
	// ложной доступности.
	if err := s.invalidator.InvalidateDemandLine(ctx, demandType, lineID); err != nil {
		s.log.Warn("Не удалось сбросить кэш строки спроса", zap.Error(err))
	}
	if err := s.invalidator.InvalidateProduct(ctx, productID); err != nil {
		s.log.Warn("Не удалось сбросить кэш продукта", zap.Error(err))
	}
}
