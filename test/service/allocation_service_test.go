package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"allocation-service/internal/models"
	"allocation-service/internal/service"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Моки для всех зависимостей AllocationService

type MockUserRepo struct {
	GetByIDFunc func(ctx context.Context, id uuid.UUID) (*models.User, error)
}

func (m *MockUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, nil
}

type MockPlanRepo struct {
	CreateFunc           func(ctx context.Context, p *models.AllocationPlan) error
	GetByIDFunc          func(ctx context.Context, id uuid.UUID) (*models.AllocationPlan, error)
	GetByNumberFunc      func(ctx context.Context, number string) (*models.AllocationPlan, error)
	MaxSequenceFunc      func(ctx context.Context, month string) (int, error)
	ListByDemandLineFunc func(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationPlan, error)
}

func (m *MockPlanRepo) Create(ctx context.Context, p *models.AllocationPlan) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, p)
	}
	p.ID = uuid.New()
	return nil
}

func (m *MockPlanRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.AllocationPlan, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockPlanRepo) GetByNumber(ctx context.Context, number string) (*models.AllocationPlan, error) {
	if m.GetByNumberFunc != nil {
		return m.GetByNumberFunc(ctx, number)
	}
	return nil, nil
}

func (m *MockPlanRepo) MaxSequence(ctx context.Context, month string) (int, error) {
	if m.MaxSequenceFunc != nil {
		return m.MaxSequenceFunc(ctx, month)
	}
	return 0, nil
}

func (m *MockPlanRepo) ListByDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationPlan, error) {
	if m.ListByDemandLineFunc != nil {
		return m.ListByDemandLineFunc(ctx, demandType, lineID)
	}
	return nil, nil
}

type MockDetailRepo struct {
	BulkCreateFunc                         func(ctx context.Context, details []*models.AllocationDetail) error
	LockDemandLineFunc                     func(ctx context.Context, demandType string, lineID uuid.UUID) error
	GetByIDFunc                            func(ctx context.Context, id uuid.UUID) (*models.AllocationDetail, error)
	GetByIDForUpdateFunc                   func(ctx context.Context, id uuid.UUID) (*models.AllocationDetail, error)
	ListByPlanFunc                         func(ctx context.Context, planID uuid.UUID) ([]models.AllocationDetail, error)
	ListAllocatedByDemandLineFunc          func(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationDetail, error)
	ListAllocatedByDemandLineForUpdateFunc func(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationDetail, error)
	ListAllocatedBySourceFunc              func(ctx context.Context, sourceType models.SupplySourceType, sourceID uuid.UUID) ([]models.AllocationDetail, error)
	ListAllocatedByProductFunc             func(ctx context.Context, productID uuid.UUID) ([]models.AllocationDetail, error)
	UpdateETDFunc                          func(ctx context.Context, id uuid.UUID, newETD time.Time, at time.Time) (bool, error)
}

func (m *MockDetailRepo) BulkCreate(ctx context.Context, details []*models.AllocationDetail) error {
	if m.BulkCreateFunc != nil {
		return m.BulkCreateFunc(ctx, details)
	}
	for _, d := range details {
		d.ID = uuid.New()
	}
	return nil
}

func (m *MockDetailRepo) LockDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) error {
	if m.LockDemandLineFunc != nil {
		return m.LockDemandLineFunc(ctx, demandType, lineID)
	}
	return nil
}

func (m *MockDetailRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.AllocationDetail, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockDetailRepo) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.AllocationDetail, error) {
	if m.GetByIDForUpdateFunc != nil {
		return m.GetByIDForUpdateFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockDetailRepo) ListByPlan(ctx context.Context, planID uuid.UUID) ([]models.AllocationDetail, error) {
	if m.ListByPlanFunc != nil {
		return m.ListByPlanFunc(ctx, planID)
	}
	return nil, nil
}

func (m *MockDetailRepo) ListAllocatedByDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationDetail, error) {
	if m.ListAllocatedByDemandLineFunc != nil {
		return m.ListAllocatedByDemandLineFunc(ctx, demandType, lineID)
	}
	return nil, nil
}

func (m *MockDetailRepo) ListAllocatedByDemandLineForUpdate(ctx context.Context, demandType string, lineID uuid.UUID) ([]models.AllocationDetail, error) {
	if m.ListAllocatedByDemandLineForUpdateFunc != nil {
		return m.ListAllocatedByDemandLineForUpdateFunc(ctx, demandType, lineID)
	}
	return nil, nil
}

func (m *MockDetailRepo) ListAllocatedBySource(ctx context.Context, sourceType models.SupplySourceType, sourceID uuid.UUID) ([]models.AllocationDetail, error) {
	if m.ListAllocatedBySourceFunc != nil {
		return m.ListAllocatedBySourceFunc(ctx, sourceType, sourceID)
	}
	return nil, nil
}

func (m *MockDetailRepo) ListAllocatedByProduct(ctx context.Context, productID uuid.UUID) ([]models.AllocationDetail, error) {
	if m.ListAllocatedByProductFunc != nil {
		return m.ListAllocatedByProductFunc(ctx, productID)
	}
	return nil, nil
}

func (m *MockDetailRepo) UpdateETD(ctx context.Context, id uuid.UUID, newETD time.Time, at time.Time) (bool, error) {
	if m.UpdateETDFunc != nil {
		return m.UpdateETDFunc(ctx, id, newETD, at)
	}
	return true, nil
}

type MockCancellationRepo struct {
	CreateFunc          func(ctx context.Context, c *models.AllocationCancellation) error
	GetByIDFunc         func(ctx context.Context, id uuid.UUID) (*models.AllocationCancellation, error)
	ListByDetailFunc    func(ctx context.Context, detailID uuid.UUID) ([]models.AllocationCancellation, error)
	ListByDetailIDsFunc func(ctx context.Context, detailIDs []uuid.UUID) ([]models.AllocationCancellation, error)
	MarkReversedFunc    func(ctx context.Context, id uuid.UUID, by uuid.UUID, at time.Time, reason string) (bool, error)
}

func (m *MockCancellationRepo) Create(ctx context.Context, c *models.AllocationCancellation) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, c)
	}
	c.ID = uuid.New()
	return nil
}

func (m *MockCancellationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.AllocationCancellation, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockCancellationRepo) ListByDetail(ctx context.Context, detailID uuid.UUID) ([]models.AllocationCancellation, error) {
	if m.ListByDetailFunc != nil {
		return m.ListByDetailFunc(ctx, detailID)
	}
	return nil, nil
}

func (m *MockCancellationRepo) ListByDetailIDs(ctx context.Context, detailIDs []uuid.UUID) ([]models.AllocationCancellation, error) {
	if m.ListByDetailIDsFunc != nil {
		return m.ListByDetailIDsFunc(ctx, detailIDs)
	}
	return nil, nil
}

func (m *MockCancellationRepo) MarkReversed(ctx context.Context, id uuid.UUID, by uuid.UUID, at time.Time, reason string) (bool, error) {
	if m.MarkReversedFunc != nil {
		return m.MarkReversedFunc(ctx, id, by, at, reason)
	}
	return true, nil
}

type MockStore struct {
	UsersRepo         *MockUserRepo
	PlansRepo         *MockPlanRepo
	DetailsRepo       *MockDetailRepo
	CancellationsRepo *MockCancellationRepo
}

func NewMockStore() *MockStore {
	return &MockStore{
		UsersRepo:         &MockUserRepo{},
		PlansRepo:         &MockPlanRepo{},
		DetailsRepo:       &MockDetailRepo{},
		CancellationsRepo: &MockCancellationRepo{},
	}
}

func (m *MockStore) WithTx(ctx context.Context, fn func(tx service.Store) error) error {
	return fn(m)
}

func (m *MockStore) Users() service.UserRepo                 { return m.UsersRepo }
func (m *MockStore) Plans() service.PlanRepo                 { return m.PlansRepo }
func (m *MockStore) Details() service.DetailRepo             { return m.DetailsRepo }
func (m *MockStore) Cancellations() service.CancellationRepo { return m.CancellationsRepo }

type MockDemandProvider struct {
	GetDemandLineFunc            func(ctx context.Context, demandType string, lineID uuid.UUID) (*service.DemandSnapshot, error)
	ListDemandLinesByProductFunc func(ctx context.Context, productID uuid.UUID) ([]service.DemandSnapshot, error)
}

func (m *MockDemandProvider) GetDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) (*service.DemandSnapshot, error) {
	if m.GetDemandLineFunc != nil {
		return m.GetDemandLineFunc(ctx, demandType, lineID)
	}
	return nil, nil
}

func (m *MockDemandProvider) ListDemandLinesByProduct(ctx context.Context, productID uuid.UUID) ([]service.DemandSnapshot, error) {
	if m.ListDemandLinesByProductFunc != nil {
		return m.ListDemandLinesByProductFunc(ctx, productID)
	}
	return nil, nil
}

type MockSupplyProvider struct {
	GetSupplySourceFunc            func(ctx context.Context, sourceType models.SupplySourceType, sourceID uuid.UUID) (*service.SupplySnapshot, error)
	ListSupplySourcesByProductFunc func(ctx context.Context, productID uuid.UUID) ([]service.SupplySnapshot, error)
}

func (m *MockSupplyProvider) GetSupplySource(ctx context.Context, sourceType models.SupplySourceType, sourceID uuid.UUID) (*service.SupplySnapshot, error) {
	if m.GetSupplySourceFunc != nil {
		return m.GetSupplySourceFunc(ctx, sourceType, sourceID)
	}
	return nil, nil
}

func (m *MockSupplyProvider) ListSupplySourcesByProduct(ctx context.Context, productID uuid.UUID) ([]service.SupplySnapshot, error) {
	if m.ListSupplySourcesByProductFunc != nil {
		return m.ListSupplySourcesByProductFunc(ctx, productID)
	}
	return nil, nil
}

type MockDeliveryProvider struct {
	GetDeliveryAggregatesFunc func(ctx context.Context, detailIDs []uuid.UUID) (map[uuid.UUID]service.DeliveryAggregate, error)
}

func (m *MockDeliveryProvider) GetDeliveryAggregates(ctx context.Context, detailIDs []uuid.UUID) (map[uuid.UUID]service.DeliveryAggregate, error) {
	if m.GetDeliveryAggregatesFunc != nil {
		return m.GetDeliveryAggregatesFunc(ctx, detailIDs)
	}
	return map[uuid.UUID]service.DeliveryAggregate{}, nil
}

type MockEventBus struct {
	Created  []service.AllocationCreatedEvent
	Canceled []service.AllocationCancelledEvent
	Reversed []service.CancellationReversedEvent
	ETD      []service.AllocationETDUpdatedEvent
}

func (m *MockEventBus) PublishAllocationCreated(ctx context.Context, e service.AllocationCreatedEvent) error {
	m.Created = append(m.Created, e)
	return nil
}

func (m *MockEventBus) PublishAllocationCancelled(ctx context.Context, e service.AllocationCancelledEvent) error {
	m.Canceled = append(m.Canceled, e)
	return nil
}

func (m *MockEventBus) PublishCancellationReversed(ctx context.Context, e service.CancellationReversedEvent) error {
	m.Reversed = append(m.Reversed, e)
	return nil
}

func (m *MockEventBus) PublishETDUpdated(ctx context.Context, e service.AllocationETDUpdatedEvent) error {
	m.ETD = append(m.ETD, e)
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func actorContext(userID uuid.UUID, role models.UserRole) context.Context {
	ctx := service.WithUserID(context.Background(), userID)
	return service.WithRole(ctx, role)
}

func activeUser(id uuid.UUID, role models.UserRole) *models.User {
	return &models.User{ID: id, Email: "sales@example.com", Role: role, IsActive: true}
}

func TestCreateSoftAllocation(t *testing.T) {
	userID := uuid.New()
	lineID := uuid.New()
	productID := uuid.New()

	store := NewMockStore()
	store.UsersRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.User, error) {
		return activeUser(id, models.RoleSales), nil
	}

	var createdPlan *models.AllocationPlan
	store.PlansRepo.CreateFunc = func(ctx context.Context, p *models.AllocationPlan) error {
		p.ID = uuid.New()
		createdPlan = p
		return nil
	}
	store.PlansRepo.MaxSequenceFunc = func(ctx context.Context, month string) (int, error) {
		return 41, nil
	}
	var createdDetails []*models.AllocationDetail
	store.DetailsRepo.BulkCreateFunc = func(ctx context.Context, details []*models.AllocationDetail) error {
		for _, d := range details {
			d.ID = uuid.New()
		}
		createdDetails = details
		return nil
	}

	demand := &MockDemandProvider{
		GetDemandLineFunc: func(ctx context.Context, demandType string, id uuid.UUID) (*service.DemandSnapshot, error) {
			return &service.DemandSnapshot{
				LineID:             lineID,
				DemandType:         "OC",
				ProductID:          productID,
				EffectiveQty:       dec("100"),
				PendingDeliveryQty: dec("100"),
			}, nil
		},
	}
	supply := &MockSupplyProvider{
		ListSupplySourcesByProductFunc: func(ctx context.Context, pid uuid.UUID) ([]service.SupplySnapshot, error) {
			return []service.SupplySnapshot{
				{SourceType: models.SourceInventory, SourceID: uuid.New(), ProductID: pid, TotalQty: dec("200")},
			}, nil
		},
	}
	events := &MockEventBus{}

	svc := service.NewAllocationService(store, demand, supply, &MockDeliveryProvider{},
		service.DefaultValidatorConfig(), nil, events, zap.NewNop())

	res, err := svc.Create(actorContext(userID, models.RoleSales), service.CreateInput{
		DemandType:   "OC",
		DemandLineID: lineID,
		Mode:         models.ModeSoft,
		Items:        []service.CreateItem{{Qty: dec("60")}},
		Notes:        "  first allocation  ",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	wantPrefix := fmt.Sprintf("ALL-%s-0042", time.Now().Format("200601"))
	if res.AllocationNumber != wantPrefix {
		t.Fatalf("allocation number = %s, want %s", res.AllocationNumber, wantPrefix)
	}
	if !res.TotalQty.Equal(dec("60")) {
		t.Fatalf("total qty = %s, want 60", res.TotalQty)
	}
	if len(res.DetailIDs) != 1 {
		t.Fatalf("detail ids = %d, want 1", len(res.DetailIDs))
	}

	if createdPlan == nil || createdDetails == nil {
		t.Fatal("plan and details must be persisted")
	}
	if createdPlan.Notes != "first allocation" {
		t.Fatalf("notes = %q, want trimmed", createdPlan.Notes)
	}
	if !strings.Contains(createdPlan.Context, "sales@example.com") {
		t.Fatal("audit context must capture the actor email")
	}
	if createdDetails[0].SupplySourceType != nil {
		t.Fatal("soft detail must not pin a supply source")
	}
	if !createdDetails[0].RequestedQty.Equal(createdDetails[0].AllocatedQty) {
		t.Fatal("requested and allocated qty must match at creation")
	}

	if len(events.Created) != 1 {
		t.Fatalf("created events = %d, want 1", len(events.Created))
	}
	if events.Created[0].ProductID != productID {
		t.Fatal("event must carry the product id")
	}
}

func TestCreateRequiresActorContext(t *testing.T) {
	svc := service.NewAllocationService(NewMockStore(), &MockDemandProvider{}, &MockSupplyProvider{},
		&MockDeliveryProvider{}, service.DefaultValidatorConfig(), nil, nil, zap.NewNop())

	_, err := svc.Create(context.Background(), service.CreateInput{
		Items: []service.CreateItem{{Qty: dec("1")}},
	})
	if !errors.Is(err, service.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCreateRejectsInactiveActor(t *testing.T) {
	userID := uuid.New()
	store := NewMockStore()
	store.UsersRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.User, error) {
		u := activeUser(id, models.RoleSales)
		u.IsActive = false
		return u, nil
	}

	svc := service.NewAllocationService(store, &MockDemandProvider{}, &MockSupplyProvider{},
		&MockDeliveryProvider{}, service.DefaultValidatorConfig(), nil, nil, zap.NewNop())

	_, err := svc.Create(actorContext(userID, models.RoleSales), service.CreateInput{
		DemandLineID: uuid.New(),
		Mode:         models.ModeSoft,
		Items:        []service.CreateItem{{Qty: dec("1")}},
	})
	var userErr *service.InvalidUserError
	if !errors.As(err, &userErr) {
		t.Fatalf("expected InvalidUserError, got %v", err)
	}
}

func TestCreateOverAllocationAgainstExistingDetails(t *testing.T) {
	userID := uuid.New()
	lineID := uuid.New()
	productID := uuid.New()

	existing := models.AllocationDetail{
		ID:                uuid.New(),
		DemandType:        "OC",
		DemandReferenceID: lineID,
		ProductID:         productID,
		AllocatedQty:      dec("60"),
	}

	store := NewMockStore()
	store.UsersRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.User, error) {
		return activeUser(id, models.RoleSales), nil
	}
	store.DetailsRepo.ListAllocatedByDemandLineForUpdateFunc = func(ctx context.Context, demandType string, id uuid.UUID) ([]models.AllocationDetail, error) {
		return []models.AllocationDetail{existing}, nil
	}

	demand := &MockDemandProvider{
		GetDemandLineFunc: func(ctx context.Context, demandType string, id uuid.UUID) (*service.DemandSnapshot, error) {
			return &service.DemandSnapshot{
				LineID:             lineID,
				DemandType:         "OC",
				ProductID:          productID,
				EffectiveQty:       dec("100"),
				PendingDeliveryQty: dec("100"),
			}, nil
		},
	}
	supply := &MockSupplyProvider{
		ListSupplySourcesByProductFunc: func(ctx context.Context, pid uuid.UUID) ([]service.SupplySnapshot, error) {
			return []service.SupplySnapshot{
				{SourceType: models.SourceInventory, SourceID: uuid.New(), ProductID: pid, TotalQty: dec("500")},
			}, nil
		},
	}

	svc := service.NewAllocationService(store, demand, supply, &MockDeliveryProvider{},
		service.DefaultValidatorConfig(), nil, nil, zap.NewNop())

	_, err := svc.Create(actorContext(userID, models.RoleSales), service.CreateInput{
		DemandType:   "OC",
		DemandLineID: lineID,
		Mode:         models.ModeSoft,
		Items:        []service.CreateItem{{Qty: dec("50")}},
	})
	var overErr *service.OverAllocationError
	if !errors.As(err, &overErr) {
		t.Fatalf("expected OverAllocationError, got %v", err)
	}
	if !overErr.Current.Equal(dec("60")) || !overErr.Requested.Equal(dec("50")) {
		t.Fatalf("current/requested = %s/%s, want 60/50", overErr.Current, overErr.Requested)
	}
}

func TestCancelLifecycle(t *testing.T) {
	userID := uuid.New()
	detail := models.AllocationDetail{
		ID:                uuid.New(),
		PlanID:            uuid.New(),
		DemandType:        "OC",
		DemandReferenceID: uuid.New(),
		ProductID:         uuid.New(),
		AllocatedQty:      dec("60"),
		Status:            models.DetailAllocated,
	}

	store := NewMockStore()
	store.UsersRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.User, error) {
		return activeUser(id, models.RoleSales), nil
	}
	store.DetailsRepo.GetByIDForUpdateFunc = func(ctx context.Context, id uuid.UUID) (*models.AllocationDetail, error) {
		d := detail
		return &d, nil
	}

	var saved *models.AllocationCancellation
	store.CancellationsRepo.CreateFunc = func(ctx context.Context, c *models.AllocationCancellation) error {
		c.ID = uuid.New()
		saved = c
		return nil
	}

	events := &MockEventBus{}
	svc := service.NewAllocationService(store, &MockDemandProvider{}, &MockSupplyProvider{},
		&MockDeliveryProvider{}, service.DefaultValidatorConfig(), nil, events, zap.NewNop())

	res, err := svc.Cancel(actorContext(userID, models.RoleSales), service.CancelInput{
		DetailID: detail.ID,
		Qty:      dec("20"),
		Reason:   "customer reduced the order volume",
		Category: models.ReasonCustomerRequest,
	})
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !res.PendingQty.Equal(dec("40")) {
		t.Fatalf("pending after cancel = %s, want 40", res.PendingQty)
	}
	if saved == nil || saved.Status != models.CancellationActive {
		t.Fatal("cancellation must be persisted as ACTIVE")
	}
	if saved.CancelledByUserID != userID {
		t.Fatal("cancellation must carry the actor id")
	}
	if len(events.Canceled) != 1 {
		t.Fatalf("cancelled events = %d, want 1", len(events.Canceled))
	}

	// отмена сверх остатка отклоняется
	store.CancellationsRepo.ListByDetailFunc = func(ctx context.Context, detailID uuid.UUID) ([]models.AllocationCancellation, error) {
		return []models.AllocationCancellation{*saved}, nil
	}
	_, err = svc.Cancel(actorContext(userID, models.RoleSales), service.CancelInput{
		DetailID: detail.ID,
		Qty:      dec("50"),
		Reason:   "customer reduced the order volume",
		Category: models.ReasonCustomerRequest,
	})
	var verr *service.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for over-cancel, got %v", err)
	}
}

func TestReverseCancellation(t *testing.T) {
	userID := uuid.New()
	detail := models.AllocationDetail{
		ID:           uuid.New(),
		PlanID:       uuid.New(),
		DemandType:   "OC",
		AllocatedQty: dec("60"),
		Status:       models.DetailAllocated,
	}
	can := models.AllocationCancellation{
		ID:                 uuid.New(),
		AllocationDetailID: detail.ID,
		AllocationPlanID:   detail.PlanID,
		CancelledQty:       dec("20"),
		Status:             models.CancellationActive,
	}

	store := NewMockStore()
	store.UsersRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.User, error) {
		return activeUser(id, models.RoleManager), nil
	}
	store.DetailsRepo.GetByIDForUpdateFunc = func(ctx context.Context, id uuid.UUID) (*models.AllocationDetail, error) {
		d := detail
		return &d, nil
	}
	store.CancellationsRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.AllocationCancellation, error) {
		c := can
		return &c, nil
	}
	store.CancellationsRepo.ListByDetailFunc = func(ctx context.Context, detailID uuid.UUID) ([]models.AllocationCancellation, error) {
		return []models.AllocationCancellation{can}, nil
	}

	reversed := false
	store.CancellationsRepo.MarkReversedFunc = func(ctx context.Context, id uuid.UUID, by uuid.UUID, at time.Time, reason string) (bool, error) {
		if reversed {
			return false, nil
		}
		reversed = true
		return true, nil
	}

	svc := service.NewAllocationService(store, &MockDemandProvider{}, &MockSupplyProvider{},
		&MockDeliveryProvider{}, service.DefaultValidatorConfig(), nil, nil, zap.NewNop())

	res, err := svc.ReverseCancellation(actorContext(userID, models.RoleManager), service.ReverseInput{
		CancellationID: can.ID,
		Reason:         "cancellation was entered by mistake",
	})
	if err != nil {
		t.Fatalf("ReverseCancellation failed: %v", err)
	}
	// pending до отката 40, откат возвращает 20
	if !res.PendingQty.Equal(dec("60")) {
		t.Fatalf("pending after reverse = %s, want 60", res.PendingQty)
	}

	// повторный откат той же строки: conditional UPDATE уже не проходит
	_, err = svc.ReverseCancellation(actorContext(userID, models.RoleManager), service.ReverseInput{
		CancellationID: can.ID,
		Reason:         "cancellation was entered by mistake",
	})
	if !errors.Is(err, service.ErrCancellationNotActive) {
		t.Fatalf("expected ErrCancellationNotActive on double reverse, got %v", err)
	}
}

func TestReverseForbiddenForSales(t *testing.T) {
	userID := uuid.New()
	detail := models.AllocationDetail{ID: uuid.New(), AllocatedQty: dec("10"), Status: models.DetailAllocated}
	can := models.AllocationCancellation{
		ID:                 uuid.New(),
		AllocationDetailID: detail.ID,
		CancelledQty:       dec("5"),
		Status:             models.CancellationActive,
	}

	store := NewMockStore()
	store.UsersRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.User, error) {
		return activeUser(id, models.RoleSales), nil
	}
	store.DetailsRepo.GetByIDForUpdateFunc = func(ctx context.Context, id uuid.UUID) (*models.AllocationDetail, error) {
		d := detail
		return &d, nil
	}
	store.CancellationsRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.AllocationCancellation, error) {
		c := can
		return &c, nil
	}

	svc := service.NewAllocationService(store, &MockDemandProvider{}, &MockSupplyProvider{},
		&MockDeliveryProvider{}, service.DefaultValidatorConfig(), nil, nil, zap.NewNop())

	_, err := svc.ReverseCancellation(actorContext(userID, models.RoleSales), service.ReverseInput{
		CancellationID: can.ID,
		Reason:         "cancellation was entered by mistake",
	})
	var verr *service.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected permission validation error, got %v", err)
	}
}

func TestUpdateETD(t *testing.T) {
	userID := uuid.New()
	current := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	detail := models.AllocationDetail{
		ID:             uuid.New(),
		AllocatedQty:   dec("10"),
		Status:         models.DetailAllocated,
		AllocatedETD:   &current,
		ETDUpdateCount: 2,
	}

	store := NewMockStore()
	store.UsersRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.User, error) {
		return activeUser(id, models.RoleSales), nil
	}
	store.DetailsRepo.GetByIDForUpdateFunc = func(ctx context.Context, id uuid.UUID) (*models.AllocationDetail, error) {
		d := detail
		return &d, nil
	}

	events := &MockEventBus{}
	svc := service.NewAllocationService(store, &MockDemandProvider{}, &MockSupplyProvider{},
		&MockDeliveryProvider{}, service.DefaultValidatorConfig(), nil, events, zap.NewNop())

	newETD := current.AddDate(0, 0, 14)
	res, err := svc.UpdateETD(actorContext(userID, models.RoleSales), service.UpdateETDInput{
		DetailID: detail.ID,
		NewETD:   newETD,
	})
	if err != nil {
		t.Fatalf("UpdateETD failed: %v", err)
	}
	if res.ETDUpdateCount != 3 {
		t.Fatalf("etd update count = %d, want 3", res.ETDUpdateCount)
	}
	if !res.AllocatedETD.Equal(newETD) {
		t.Fatalf("allocated etd = %s, want %s", res.AllocatedETD, newETD)
	}
	if len(events.ETD) != 1 {
		t.Fatalf("etd events = %d, want 1", len(events.ETD))
	}

	// перенос на тот же день отклоняется
	_, err = svc.UpdateETD(actorContext(userID, models.RoleSales), service.UpdateETDInput{
		DetailID: detail.ID,
		NewETD:   current.Add(2 * time.Hour),
	})
	var verr *service.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for same-day ETD, got %v", err)
	}
}

func TestGetPlanViewForbiddenWithoutViewPermission(t *testing.T) {
	store := NewMockStore()
	svc := service.NewAllocationService(store, &MockDemandProvider{}, &MockSupplyProvider{},
		&MockDeliveryProvider{}, service.DefaultValidatorConfig(), nil, nil, zap.NewNop())

	_, err := svc.GetPlan(actorContext(uuid.New(), models.UserRole("ROLE_UNKNOWN")), uuid.New())
	if !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestGetPlanView(t *testing.T) {
	userID := uuid.New()
	plan := models.AllocationPlan{ID: uuid.New(), AllocationNumber: "ALL-202608-0007", CreatorID: userID}
	detail := models.AllocationDetail{
		ID:           uuid.New(),
		PlanID:       plan.ID,
		AllocatedQty: dec("30"),
		Status:       models.DetailAllocated,
	}

	store := NewMockStore()
	store.PlansRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.AllocationPlan, error) {
		p := plan
		return &p, nil
	}
	store.DetailsRepo.ListByPlanFunc = func(ctx context.Context, planID uuid.UUID) ([]models.AllocationDetail, error) {
		return []models.AllocationDetail{detail}, nil
	}
	store.CancellationsRepo.ListByDetailIDsFunc = func(ctx context.Context, ids []uuid.UUID) ([]models.AllocationCancellation, error) {
		return []models.AllocationCancellation{
			{AllocationDetailID: detail.ID, CancelledQty: dec("10"), Status: models.CancellationActive},
		}, nil
	}

	svc := service.NewAllocationService(store, &MockDemandProvider{}, &MockSupplyProvider{},
		&MockDeliveryProvider{}, service.DefaultValidatorConfig(), nil, nil, zap.NewNop())

	view, err := svc.GetPlan(actorContext(userID, models.RoleViewer), plan.ID)
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	st, ok := view.States[detail.ID]
	if !ok {
		t.Fatal("plan view must include the detail state")
	}
	if !st.Effective.Equal(dec("20")) {
		t.Fatalf("effective = %s, want 20", st.Effective)
	}
}

func TestPlanNumberFallbackOnSequenceFailure(t *testing.T) {
	userID := uuid.New()
	lineID := uuid.New()

	store := NewMockStore()
	store.UsersRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.User, error) {
		return activeUser(id, models.RoleSales), nil
	}
	store.PlansRepo.MaxSequenceFunc = func(ctx context.Context, month string) (int, error) {
		return 0, errors.New("sequence scan failed")
	}

	demand := &MockDemandProvider{
		GetDemandLineFunc: func(ctx context.Context, demandType string, id uuid.UUID) (*service.DemandSnapshot, error) {
			return &service.DemandSnapshot{
				LineID:             lineID,
				DemandType:         "OC",
				ProductID:          uuid.New(),
				EffectiveQty:       dec("100"),
				PendingDeliveryQty: dec("100"),
			}, nil
		},
	}
	supply := &MockSupplyProvider{
		ListSupplySourcesByProductFunc: func(ctx context.Context, pid uuid.UUID) ([]service.SupplySnapshot, error) {
			return []service.SupplySnapshot{
				{SourceType: models.SourceInventory, SourceID: uuid.New(), ProductID: pid, TotalQty: dec("200")},
			}, nil
		},
	}

	svc := service.NewAllocationService(store, demand, supply, &MockDeliveryProvider{},
		service.DefaultValidatorConfig(), nil, nil, zap.NewNop())

	res, err := svc.Create(actorContext(userID, models.RoleSales), service.CreateInput{
		DemandType:   "OC",
		DemandLineID: lineID,
		Mode:         models.ModeSoft,
		Items:        []service.CreateItem{{Qty: dec("10")}},
	})
	if err != nil {
		t.Fatalf("Create must not fail because of numbering: %v", err)
	}
	prefix := "ALL-" + time.Now().Format("200601") + "-"
	if !strings.HasPrefix(res.AllocationNumber, prefix) || len(res.AllocationNumber) != len(prefix)+4 {
		t.Fatalf("fallback number %q does not match ALL-YYYYMM-NNNN", res.AllocationNumber)
	}
}

func TestCreateLocksDemandLineBeforeReadingDetails(t *testing.T) {
	userID := uuid.New()
	lineID := uuid.New()
	productID := uuid.New()

	store := NewMockStore()
	store.UsersRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.User, error) {
		return activeUser(id, models.RoleSales), nil
	}

	var calls []string
	store.DetailsRepo.LockDemandLineFunc = func(ctx context.Context, demandType string, id uuid.UUID) error {
		if demandType != "OC" || id != lineID {
			t.Fatalf("lock key = %s %s, want OC %s", demandType, id, lineID)
		}
		calls = append(calls, "lock")
		return nil
	}
	// первая аллокация: деталей у строки ещё нет, блокировать FOR UPDATE нечего
	store.DetailsRepo.ListAllocatedByDemandLineForUpdateFunc = func(ctx context.Context, demandType string, id uuid.UUID) ([]models.AllocationDetail, error) {
		calls = append(calls, "list")
		return nil, nil
	}

	demand := &MockDemandProvider{
		GetDemandLineFunc: func(ctx context.Context, demandType string, id uuid.UUID) (*service.DemandSnapshot, error) {
			return &service.DemandSnapshot{
				LineID:             lineID,
				DemandType:         "OC",
				ProductID:          productID,
				EffectiveQty:       dec("100"),
				PendingDeliveryQty: dec("100"),
			}, nil
		},
	}
	supply := &MockSupplyProvider{
		ListSupplySourcesByProductFunc: func(ctx context.Context, pid uuid.UUID) ([]service.SupplySnapshot, error) {
			return []service.SupplySnapshot{
				{SourceType: models.SourceInventory, SourceID: uuid.New(), ProductID: pid, TotalQty: dec("200")},
			}, nil
		},
	}

	svc := service.NewAllocationService(store, demand, supply, &MockDeliveryProvider{},
		service.DefaultValidatorConfig(), nil, nil, zap.NewNop())

	_, err := svc.Create(actorContext(userID, models.RoleSales), service.CreateInput{
		DemandType:   "OC",
		DemandLineID: lineID,
		Mode:         models.ModeSoft,
		Items:        []service.CreateItem{{Qty: dec("60")}},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if len(calls) != 2 || calls[0] != "lock" || calls[1] != "list" {
		t.Fatalf("call order = %v, want the demand line locked before reading its details", calls)
	}
}

func TestCreatePlanNumberConflictMapsToTakenError(t *testing.T) {
	userID := uuid.New()
	lineID := uuid.New()
	productID := uuid.New()

	store := NewMockStore()
	store.UsersRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.User, error) {
		return activeUser(id, models.RoleSales), nil
	}
	// гонка за сиквенс: второй insert упирается в уникальный индекс номера
	store.PlansRepo.CreateFunc = func(ctx context.Context, p *models.AllocationPlan) error {
		return &pgconn.PgError{Code: "23505", ConstraintName: "ux_allocation_plans_number"}
	}

	demand := &MockDemandProvider{
		GetDemandLineFunc: func(ctx context.Context, demandType string, id uuid.UUID) (*service.DemandSnapshot, error) {
			return &service.DemandSnapshot{
				LineID:             lineID,
				DemandType:         "OC",
				ProductID:          productID,
				EffectiveQty:       dec("100"),
				PendingDeliveryQty: dec("100"),
			}, nil
		},
	}
	supply := &MockSupplyProvider{
		ListSupplySourcesByProductFunc: func(ctx context.Context, pid uuid.UUID) ([]service.SupplySnapshot, error) {
			return []service.SupplySnapshot{
				{SourceType: models.SourceInventory, SourceID: uuid.New(), ProductID: pid, TotalQty: dec("200")},
			}, nil
		},
	}

	svc := service.NewAllocationService(store, demand, supply, &MockDeliveryProvider{},
		service.DefaultValidatorConfig(), nil, nil, zap.NewNop())

	_, err := svc.Create(actorContext(userID, models.RoleSales), service.CreateInput{
		DemandType:   "OC",
		DemandLineID: lineID,
		Mode:         models.ModeSoft,
		Items:        []service.CreateItem{{Qty: dec("10")}},
	})
	if !errors.Is(err, service.ErrAllocationNumberTaken) {
		t.Fatalf("expected ErrAllocationNumberTaken, got %v", err)
	}
}

func TestCreateSoftMultiItemCollapsesToSingleDetail(t *testing.T) {
	userID := uuid.New()
	lineID := uuid.New()
	productID := uuid.New()

	store := NewMockStore()
	store.UsersRepo.GetByIDFunc = func(ctx context.Context, id uuid.UUID) (*models.User, error) {
		return activeUser(id, models.RoleManager), nil
	}
	var createdDetails []*models.AllocationDetail
	store.DetailsRepo.BulkCreateFunc = func(ctx context.Context, details []*models.AllocationDetail) error {
		for _, d := range details {
			d.ID = uuid.New()
		}
		createdDetails = details
		return nil
	}

	demand := &MockDemandProvider{
		GetDemandLineFunc: func(ctx context.Context, demandType string, id uuid.UUID) (*service.DemandSnapshot, error) {
			return &service.DemandSnapshot{
				LineID:             lineID,
				DemandType:         "OC",
				ProductID:          productID,
				EffectiveQty:       dec("100"),
				PendingDeliveryQty: dec("100"),
			}, nil
		},
	}
	supply := &MockSupplyProvider{
		ListSupplySourcesByProductFunc: func(ctx context.Context, pid uuid.UUID) ([]service.SupplySnapshot, error) {
			return []service.SupplySnapshot{
				{SourceType: models.SourceInventory, SourceID: uuid.New(), ProductID: pid, TotalQty: dec("200")},
			}, nil
		},
	}
	events := &MockEventBus{}

	svc := service.NewAllocationService(store, demand, supply, &MockDeliveryProvider{},
		service.DefaultValidatorConfig(), nil, events, zap.NewNop())

	res, err := svc.Create(actorContext(userID, models.RoleManager), service.CreateInput{
		DemandType:   "OC",
		DemandLineID: lineID,
		Mode:         models.ModeSoft,
		Items:        []service.CreateItem{{Qty: dec("10")}, {Qty: dec("15")}},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if len(createdDetails) != 1 {
		t.Fatalf("details = %d, want a single soft detail", len(createdDetails))
	}
	if !createdDetails[0].AllocatedQty.Equal(dec("25")) {
		t.Fatalf("collapsed qty = %s, want 25", createdDetails[0].AllocatedQty)
	}
	if createdDetails[0].SupplySourceType != nil || createdDetails[0].SupplySourceID != nil {
		t.Fatal("soft detail must not pin a supply source")
	}
	if len(res.DetailIDs) != 1 || !res.TotalQty.Equal(dec("25")) {
		t.Fatalf("result = %d ids, total %s; want 1 id, total 25", len(res.DetailIDs), res.TotalQty)
	}
	if len(events.Created) != 1 || len(events.Created[0].Items) != 1 || !events.Created[0].Items[0].Qty.Equal(dec("25")) {
		t.Fatal("event must carry the single collapsed item")
	}
}
